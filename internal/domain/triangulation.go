package domain

// TriangulationConfig carries the knobs of the confidence fold.
type TriangulationConfig struct {
	// AgreementBoost is applied once per agreer beyond the first:
	// s <- s + (1-s)*boost.
	AgreementBoost float64
	// DisagreementPenalty multiplies the score once per disagreer.
	DisagreementPenalty float64
	// Threshold is the validation cut-off on the final score.
	Threshold float64
	// PassWeights weight the initial mean. Missing passes weigh 1.
	PassWeights map[Pass]float64
}

// DefaultTriangulationConfig mirrors the documented defaults: the
// deterministic pass dominates, LLM passes weigh in descending scope.
func DefaultTriangulationConfig() TriangulationConfig {
	return TriangulationConfig{
		AgreementBoost:      0.2,
		DisagreementPenalty: 0.5,
		Threshold:           0.6,
		PassWeights: map[Pass]float64{
			PassDeterministic: 1.0,
			PassGlobal:        0.8,
			PassIntraDir:      0.6,
			PassIntraFile:     0.4,
		},
	}
}

// Decision is the reconciliation outcome for one bundle.
type Decision struct {
	Score     float64
	Validated bool
	Agreers   int
	Disagrees int
}

// Reconcile folds an evidence list into a final confidence score. It is a
// pure, deterministic function of the evidence multiset: the initial score
// is the pass-weighted mean of the agreers' confidences, each agreer
// beyond the first boosts the score toward 1, and each disagreer halves it
// (by the configured penalty). The result is clamped to [0,1].
//
// Boosts are applied before penalties, which makes the fold insensitive to
// the order in which evidence arrived.
func Reconcile(cfg TriangulationConfig, evidence []Evidence) Decision {
	var agreers, disagreers []Evidence
	for _, e := range evidence {
		if e.Agrees {
			agreers = append(agreers, e)
		} else {
			disagreers = append(disagreers, e)
		}
	}

	d := Decision{Agreers: len(agreers), Disagrees: len(disagreers)}
	if len(agreers) == 0 {
		return d
	}

	var weighted, total float64
	for _, e := range agreers {
		w, ok := cfg.PassWeights[e.Pass]
		if !ok || w <= 0 {
			w = 1
		}
		weighted += clamp01(e.Confidence) * w
		total += w
	}
	s := weighted / total

	// The boost rewards additional independent confirmation, so the first
	// agreer contributes only its weighted confidence.
	for i := 1; i < len(agreers); i++ {
		s += (1 - s) * cfg.AgreementBoost
	}
	for range disagreers {
		s *= cfg.DisagreementPenalty
	}

	d.Score = clamp01(s)
	d.Validated = d.Score >= cfg.Threshold
	return d
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
