package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// QualifiedName builds the stable identifier for a POI: the absolute file
// path joined to the entity name. For external module references the module
// name doubles as both parts.
func QualifiedName(filePath, name string) string {
	return filePath + "--" + name
}

// ModuleQualifiedName identifies an external module reference.
func ModuleQualifiedName(module string) string {
	return module + "--" + module
}

// RelHash is a pure function of (source-qn, target-qn, type). Identical
// candidates from different passes share a hash, which is what lets
// evidence from independent passes accumulate into one bundle.
func RelHash(sourceQN, targetQN string, relType RelType) string {
	h := blake3.New()
	_, _ = h.Write([]byte(sourceQN))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(targetQN))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(relType))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes file content for change detection.
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NewCandidate derives the rel-hash and wraps the fields into a candidate.
// It rejects relationship types outside the allow-list.
func NewCandidate(runID, sourceQN, targetQN string, relType RelType, pass Pass, confidence float64, explanation string) (RelationshipCandidate, error) {
	if !AllowedRelTypes[relType] {
		return RelationshipCandidate{}, fmt.Errorf("op=domain.new_candidate: type %q: %w", relType, ErrSecurityViolation)
	}
	if sourceQN == "" || targetQN == "" {
		return RelationshipCandidate{}, fmt.Errorf("op=domain.new_candidate: empty endpoint: %w", ErrInvalidArgument)
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return RelationshipCandidate{
		RelHash:     RelHash(sourceQN, targetQN, relType),
		RunID:       runID,
		SourceQN:    sourceQN,
		TargetQN:    targetQN,
		Type:        relType,
		Pass:        pass,
		Confidence:  confidence,
		Agrees:      true,
		Explanation: explanation,
	}, nil
}
