package domain

import "time"

// Repositories (ports)

type RunRepository interface {
	Create(ctx Context, r Run) error
	Get(ctx Context, id string) (Run, error)
	UpdateStatus(ctx Context, id string, status RunStatus) error
}

type FileRepository interface {
	Create(ctx Context, f FileRecord) (string, error)
	Get(ctx Context, id string) (FileRecord, error)
	UpdateStatus(ctx Context, id string, status FileStatus) error
	ListByRun(ctx Context, runID string) ([]FileRecord, error)
	CountByStatus(ctx Context, runID string, status FileStatus) (int, error)
}

type POIRepository interface {
	ListByFile(ctx Context, fileID string) ([]POI, error)
	ListByDir(ctx Context, runID, dirPath string) ([]POI, error)
	ListByRun(ctx Context, runID string) ([]POI, error)
}

type SummaryRepository interface {
	Upsert(ctx Context, s DirectorySummary) error
	ListByRun(ctx Context, runID string) ([]DirectorySummary, error)
}

// EvidenceRepository accumulates triangulation evidence per rel-hash.
// Append is an atomic upsert: it creates the bundle on first evidence and
// increments the collected count on every call.
type EvidenceRepository interface {
	Append(ctx Context, c RelationshipCandidate, expected int) (EvidenceBundle, error)
	Get(ctx Context, relHash string) (EvidenceBundle, error)
	Delete(ctx Context, relHash string) error
	ListUnsealedOlderThan(ctx Context, cutoff time.Time, limit int) ([]EvidenceBundle, error)
}

type RelationshipRepository interface {
	Get(ctx Context, relHash string) (FinalRelationship, error)
	MarkCommitted(ctx Context, relHashes []string) error
	CountByState(ctx Context, runID string, state RelState) (int, error)
}

type DeadLetterRepository interface {
	Create(ctx Context, d DeadLetter) (string, error)
	ListByStatus(ctx Context, status string, limit int) ([]DeadLetter, error)
	Count(ctx Context) (int, error)
}

type FailedPOIRepository interface {
	Create(ctx Context, f FailedPOI) (string, error)
}

// OutboxRepository reads and settles outbox rows. Writes happen inside
// worker transactions through Tx.
type OutboxRepository interface {
	ListUnpublished(ctx Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx Context, ids []string) error
	CountUnpublished(ctx Context) (int, error)
}

// Tx is the write surface available inside one SQL transaction. Rows and
// their announcing outbox events are either all visible or none.
type Tx interface {
	UpsertPOIs(ctx Context, pois []POI) (int, error)
	AppendOutbox(ctx Context, topic string, payload any) error
	UpdateFileStatus(ctx Context, fileID string, status FileStatus) error
	UpsertSummary(ctx Context, s DirectorySummary) error
	UpsertFinalRelationship(ctx Context, r FinalRelationship) error
	DeleteEvidence(ctx Context, relHash string) error
}

// Store opens short-lived transactions over the operational store.
type Store interface {
	InTx(ctx Context, fn func(tx Tx) error) error
}

// Queue (port). Enqueue rejects names outside the fixed allow-list.
type Queue interface {
	Enqueue(ctx Context, queue string, payload []byte) (string, error)
}

// AIClient (port)
type AIClient interface {
	// ChatJSON returns raw model text expected to be strict JSON once
	// sanitised. Callers own schema validation and self-correction.
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// GraphNode and GraphEdge are the graph-ingestion wire shapes.
type GraphNode struct {
	QualifiedName string         `json:"qualified_name"`
	Label         POIType        `json:"label"`
	Properties    map[string]any `json:"properties,omitempty"`
}

type GraphEdge struct {
	SourceQN   string         `json:"source_qn"`
	TargetQN   string         `json:"target_qn"`
	Type       RelType        `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// GraphBatch is applied all-or-nothing; deletes run before merges so
// refactoring events keep the graph consistent with the source tree.
type GraphBatch struct {
	DeleteFiles []string    `json:"delete_files,omitempty"`
	Nodes       []GraphNode `json:"nodes,omitempty"`
	Edges       []GraphEdge `json:"edges,omitempty"`
}

// GraphStore (port)
type GraphStore interface {
	ApplyBatch(ctx Context, b GraphBatch) error
}

// AggregationCounter tracks per-directory file completion in the cache.
type AggregationCounter interface {
	Init(ctx Context, runID, dirPath string, count int) error
	// Decrement returns the remaining count after an atomic decrement.
	// A zero return releases the directory-resolve job exactly once.
	Decrement(ctx Context, runID, dirPath string) (int64, error)
}

// SealRegistry is the exactly-once gate in front of reconciliation.
type SealRegistry interface {
	// TrySeal returns true for exactly one caller per rel-hash.
	TrySeal(ctx Context, relHash string) (bool, error)
}
