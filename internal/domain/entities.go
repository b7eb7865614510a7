// Package domain defines the pipeline's entities, ports and pure logic.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrUnknownQueue      = errors.New("unknown queue")
	ErrSecurityViolation = errors.New("security violation")
	ErrTooLarge          = errors.New("resource too large")
	ErrInternal          = errors.New("internal error")
)

// Pass identifies one evidence-generating stage.
type Pass string

const (
	PassDeterministic Pass = "deterministic"
	PassIntraFile     Pass = "intra-file"
	PassIntraDir      Pass = "intra-dir"
	PassGlobal        Pass = "global"
)

// POIType enumerates node labels. The set is closed; anything else is a
// security violation at the graph boundary.
type POIType string

const (
	POIFile      POIType = "File"
	POIFunction  POIType = "Function"
	POIClass     POIType = "Class"
	POIMethod    POIType = "Method"
	POIVariable  POIType = "Variable"
	POITable     POIType = "Table"
	POIPackage   POIType = "Package"
	POIInterface POIType = "Interface"
)

// AllowedPOITypes is the fixed node-label allow-list.
var AllowedPOITypes = map[POIType]bool{
	POIFile: true, POIFunction: true, POIClass: true, POIMethod: true,
	POIVariable: true, POITable: true, POIPackage: true, POIInterface: true,
}

// RelType enumerates relationship types. Closed set, same rationale.
type RelType string

const (
	RelContains   RelType = "CONTAINS"
	RelCalls      RelType = "CALLS"
	RelUses       RelType = "USES"
	RelImports    RelType = "IMPORTS"
	RelExports    RelType = "EXPORTS"
	RelExtends    RelType = "EXTENDS"
	RelImplements RelType = "IMPLEMENTS"
	RelDefines    RelType = "DEFINES"
	RelDependsOn  RelType = "DEPENDS_ON"
)

// AllowedRelTypes is the fixed relationship-type allow-list.
var AllowedRelTypes = map[RelType]bool{
	RelContains: true, RelCalls: true, RelUses: true, RelImports: true,
	RelExports: true, RelExtends: true, RelImplements: true,
	RelDefines: true, RelDependsOn: true,
}

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one end-to-end execution against one target tree.
type Run struct {
	ID         string
	TargetRoot string
	Status     RunStatus
	CreatedAt  time.Time
}

// FileStatus enumerates file analysis states.
type FileStatus string

const (
	FilePending   FileStatus = "pending"
	FileAnalysing FileStatus = "analysing"
	FileCompleted FileStatus = "completed"
	FileFailed    FileStatus = "failed"
)

// FileRecord tracks one discovered source file within a run.
type FileRecord struct {
	ID          string
	RunID       string
	Path        string
	ContentHash string
	Status      FileStatus
	UpdatedAt   time.Time
}

// POI is a point of interest extracted from a file.
// Invariant: QualifiedName is unique within a run.
type POI struct {
	ID            string  `json:"id"`
	FileID        string  `json:"file_id"`
	RunID         string  `json:"run_id"`
	Type          POIType `json:"type"`
	Name          string  `json:"name"`
	QualifiedName string  `json:"qualified_name"`
	Signature     string  `json:"signature,omitempty"`
	StartLine     int     `json:"start_line"`
	EndLine       int     `json:"end_line"`
}

// DirectorySummary is the per-directory digest produced by directory
// resolution and consumed by global resolution.
type DirectorySummary struct {
	RunID    string
	DirPath  string
	Summary  string
	POICount int
}

// Evidence is one pass's observation of a relationship candidate.
type Evidence struct {
	Pass       Pass    `json:"pass"`
	Confidence float64 `json:"confidence"`
	Agrees     bool    `json:"agrees"`
}

// RelationshipCandidate is one pass's claim that a relationship exists.
// Candidates from different passes with the same endpoints and type share
// a RelHash and accumulate into one evidence bundle.
type RelationshipCandidate struct {
	RelHash     string  `json:"rel_hash"`
	RunID       string  `json:"run_id"`
	SourceQN    string  `json:"source_qn"`
	TargetQN    string  `json:"target_qn"`
	Type        RelType `json:"type"`
	Pass        Pass    `json:"pass"`
	Confidence  float64 `json:"confidence"`
	Agrees      bool    `json:"agrees"`
	Explanation string  `json:"explanation,omitempty"`
}

// EvidenceBundle accumulates evidence for one rel-hash until sealed.
type EvidenceBundle struct {
	RelHash   string
	RunID     string
	SourceQN  string
	TargetQN  string
	Type      RelType
	Expected  int
	Collected int
	Sealed    bool
	Evidence  []Evidence
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RelState enumerates reconciliation outcomes.
type RelState string

const (
	RelValidated RelState = "validated"
	RelRejected  RelState = "rejected"
)

// FinalRelationship is the reconciled output for one rel-hash.
type FinalRelationship struct {
	RelHash    string
	RunID      string
	SourceQN   string
	TargetQN   string
	Type       RelType
	Confidence float64
	State      RelState
	Committed  bool
}

// OutboxEvent is a pending-publish queue message written in the same SQL
// transaction as the rows it announces.
type OutboxEvent struct {
	ID          string
	Topic       string
	Payload     json.RawMessage
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// DeadLetter records a job that exhausted its retries.
type DeadLetter struct {
	ID       string
	JobID    string
	Queue    string
	FailedAt time.Time
	ErrorMsg string
	ErrorCtx string
	Payload  json.RawMessage
	Status   string
}

// FailedPOI records a per-POI failure inside a batched resolution job.
type FailedPOI struct {
	ID       string
	JobID    string
	FailedAt time.Time
	ErrorMsg string
	ErrorCtx string
	POI      json.RawMessage
	Status   string
}

// Context aliases context.Context so ports read uniformly.
type Context = context.Context
