package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/adapter/ai"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// DirectoryAggregator counts file completions per directory and releases
// the directory-resolve job when the last file lands. The counter lives
// in the cache and decrements atomically, so duplicate completion signals
// from queue redelivery cannot release a directory twice.
type DirectoryAggregator struct {
	counter domain.AggregationCounter
	queue   domain.Queue
}

// NewDirectoryAggregator constructs a DirectoryAggregator.
func NewDirectoryAggregator(counter domain.AggregationCounter, queue domain.Queue) *DirectoryAggregator {
	return &DirectoryAggregator{counter: counter, queue: queue}
}

// Handle processes one completion signal.
func (g *DirectoryAggregator) Handle(ctx domain.Context, payload []byte) error {
	var job domain.DirectoryAggregationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=aggregate.decode: %w", err)
	}
	remaining, err := g.counter.Decrement(ctx, job.RunID, job.DirPath)
	if err != nil {
		return err
	}
	switch {
	case remaining > 0:
		slog.Debug("directory still pending",
			slog.String("run_id", job.RunID),
			slog.String("dir_path", job.DirPath),
			slog.Int64("remaining", remaining))
	case remaining == 0:
		next, _ := json.Marshal(domain.DirectoryResolutionPayload{RunID: job.RunID, DirPath: job.DirPath})
		if _, err := g.queue.Enqueue(ctx, domain.QueueDirectoryResolution, next); err != nil {
			return err
		}
		slog.Info("directory released for resolution",
			slog.String("run_id", job.RunID),
			slog.String("dir_path", job.DirPath))
	default:
		// Already released; a redelivered signal after the DEL.
		slog.Debug("duplicate completion signal ignored",
			slog.String("run_id", job.RunID),
			slog.String("dir_path", job.DirPath))
	}
	return nil
}

// RelationshipResolver is the deterministic cross-file pass. It matches
// the batch's POI names against declarations elsewhere in the run; no
// model is involved, so its evidence carries the deterministic weight.
type RelationshipResolver struct {
	cfg        config.Config
	pois       domain.POIRepository
	store      domain.Store
	failedPOIs domain.FailedPOIRepository
}

// NewRelationshipResolver constructs a RelationshipResolver.
func NewRelationshipResolver(cfg config.Config, pois domain.POIRepository, store domain.Store, failedPOIs domain.FailedPOIRepository) *RelationshipResolver {
	return &RelationshipResolver{cfg: cfg, pois: pois, store: store, failedPOIs: failedPOIs}
}

// Handle processes one POI batch.
func (r *RelationshipResolver) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.resolve")
	ctx, span := tracer.Start(ctx, "resolve.Relationships")
	defer span.End()

	var job domain.RelationshipResolutionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=relresolve.decode: %w", err)
	}
	if !r.cfg.DeterministicPass {
		return nil
	}

	all, err := r.pois.ListByRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	candidates := CrossFileNameMatches(job.RunID, job.POIs, all)
	if len(candidates) == 0 {
		return nil
	}

	return r.store.InTx(ctx, func(tx domain.Tx) error {
		for _, c := range candidates {
			if err := tx.AppendOutbox(ctx, domain.QueueValidation, validationEvent(c)); err != nil {
				// Per-POI failures are recorded, not fatal for the batch.
				r.recordFailedPOI(ctx, job.FileID, c, err)
				continue
			}
		}
		return nil
	})
}

func (r *RelationshipResolver) recordFailedPOI(ctx domain.Context, jobID string, c domain.RelationshipCandidate, cause error) {
	raw, _ := json.Marshal(c)
	if _, err := r.failedPOIs.Create(ctx, domain.FailedPOI{
		JobID:    jobID,
		FailedAt: time.Now().UTC(),
		ErrorMsg: cause.Error(),
		ErrorCtx: c.SourceQN,
		POI:      raw,
		Status:   "failed",
	}); err != nil {
		slog.Error("failed to record failed POI", slog.Any("error", err))
	}
}

// DirectoryResolver runs the intra-dir pass: one LLM call over the
// directory's POI listing, producing cross-file evidence and the
// directory summary the global pass reads. When the run's last directory
// resolves, it releases global resolution.
type DirectoryResolver struct {
	cfg       config.Config
	pois      domain.POIRepository
	store     domain.Store
	extractor *ai.Extractor
	counter   domain.AggregationCounter
	queue     domain.Queue
}

// NewDirectoryResolver constructs a DirectoryResolver.
func NewDirectoryResolver(cfg config.Config, pois domain.POIRepository, store domain.Store, extractor *ai.Extractor, counter domain.AggregationCounter, queue domain.Queue) *DirectoryResolver {
	return &DirectoryResolver{cfg: cfg, pois: pois, store: store, extractor: extractor, counter: counter, queue: queue}
}

// Handle resolves one directory.
func (d *DirectoryResolver) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.resolve")
	ctx, span := tracer.Start(ctx, "resolve.Directory")
	defer span.End()

	var job domain.DirectoryResolutionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=dirresolve.decode: %w", err)
	}
	log := slog.With(slog.String("run_id", job.RunID), slog.String("dir_path", job.DirPath))

	pois, err := d.pois.ListByDir(ctx, job.RunID, job.DirPath)
	if err != nil {
		return err
	}

	summary := domain.DirectorySummary{RunID: job.RunID, DirPath: job.DirPath, POICount: len(pois)}
	var candidates []domain.RelationshipCandidate
	if len(pois) > 0 {
		out, err := d.extractor.Extract(ctx, ai.BuildDirectoryResolutionPrompt(job.DirPath, pois))
		if err != nil {
			return err
		}
		summary.Summary = out.Summary
		candidates = crossFileCandidates(job.RunID, domain.PassIntraDir, out.Relationships, pois)
	}

	err = d.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.UpsertSummary(ctx, summary); err != nil {
			return err
		}
		for _, c := range candidates {
			if err := tx.AppendOutbox(ctx, domain.QueueValidation, validationEvent(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("directory resolved", slog.Int("pois", len(pois)), slog.Int("candidates", len(candidates)))

	remaining, err := d.counter.Decrement(ctx, job.RunID, dirsCounterKey)
	if err != nil {
		return err
	}
	if remaining == 0 {
		next, _ := json.Marshal(domain.GlobalResolutionPayload{RunID: job.RunID})
		if _, err := d.queue.Enqueue(ctx, domain.QueueGlobalResolution, next); err != nil {
			return err
		}
		log.Info("all directories resolved, global resolution released")
	}
	return nil
}

// GlobalResolver runs the whole-repository pass over directory summaries.
// Raw POIs do not fit a context window at repository scale, so only
// summaries and coarse-grained POIs go into the prompt.
type GlobalResolver struct {
	cfg       config.Config
	summaries domain.SummaryRepository
	pois      domain.POIRepository
	store     domain.Store
	extractor *ai.Extractor
}

// NewGlobalResolver constructs a GlobalResolver.
func NewGlobalResolver(cfg config.Config, summaries domain.SummaryRepository, pois domain.POIRepository, store domain.Store, extractor *ai.Extractor) *GlobalResolver {
	return &GlobalResolver{cfg: cfg, summaries: summaries, pois: pois, store: store, extractor: extractor}
}

// Handle resolves the run globally.
func (g *GlobalResolver) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.resolve")
	ctx, span := tracer.Start(ctx, "resolve.Global")
	defer span.End()

	var job domain.GlobalResolutionPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=globalresolve.decode: %w", err)
	}

	summaries, err := g.summaries.ListByRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	all, err := g.pois.ListByRun(ctx, job.RunID)
	if err != nil {
		return err
	}
	coarse := coarsePOIs(all)

	out, err := g.extractor.Extract(ctx, ai.BuildGlobalResolutionPrompt(summaries, coarse))
	if err != nil {
		return err
	}
	candidates := crossFileCandidates(job.RunID, domain.PassGlobal, out.Relationships, all)

	err = g.store.InTx(ctx, func(tx domain.Tx) error {
		for _, c := range candidates {
			if err := tx.AppendOutbox(ctx, domain.QueueValidation, validationEvent(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("global resolution complete",
		slog.String("run_id", job.RunID),
		slog.Int("summaries", len(summaries)),
		slog.Int("candidates", len(candidates)))
	return nil
}

// crossFileCandidates accepts only relationships whose endpoints are
// known qualified names; the model cannot introduce nodes here.
func crossFileCandidates(runID string, pass domain.Pass, rels []ai.ExtractedRelationship, pois []domain.POI) []domain.RelationshipCandidate {
	known := make(map[string]bool, len(pois))
	for _, p := range pois {
		known[p.QualifiedName] = true
	}
	var out []domain.RelationshipCandidate
	for _, r := range rels {
		if !known[r.Source] || !known[r.Target] {
			slog.Warn("relationship references unknown qualified name, dropping",
				slog.String("pass", string(pass)),
				slog.String("source", r.Source),
				slog.String("target", r.Target))
			continue
		}
		c, err := domain.NewCandidate(runID, r.Source, r.Target, domain.RelType(r.Type), pass, r.Confidence, r.Explanation)
		if err != nil {
			slog.Warn("invalid relationship candidate, dropping", slog.Any("error", err))
			continue
		}
		out = append(out, c)
	}
	return out
}

// coarsePOIs keeps the architecture-level entities the global prompt can
// afford to name.
func coarsePOIs(all []domain.POI) []domain.POI {
	var out []domain.POI
	for _, p := range all {
		switch p.Type {
		case domain.POIPackage, domain.POIClass, domain.POIInterface, domain.POITable:
			out = append(out, p)
		}
	}
	return out
}
