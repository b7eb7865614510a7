package domain

// Queue names. The queue manager rejects anything outside this set so a
// typo can never create an orphan queue.
const (
	QueueFileAnalysis           = "file-analysis-queue"
	QueueDirectoryResolution    = "directory-resolution-queue"
	QueueGlobalResolution       = "global-resolution-queue"
	QueueDirectoryAggregation   = "directory-aggregation-queue"
	QueueRelationshipResolution = "relationship-resolution-queue"
	QueueValidation             = "validation-queue"
	QueueReconciliation         = "reconciliation-queue"
	QueueGraphIngestion         = "graph-ingestion-queue"
	QueueDeadLetters            = "failed-jobs"
)

// AllowedQueues is the fixed queue-name allow-list.
var AllowedQueues = map[string]bool{
	QueueFileAnalysis:           true,
	QueueDirectoryResolution:    true,
	QueueGlobalResolution:       true,
	QueueDirectoryAggregation:   true,
	QueueRelationshipResolution: true,
	QueueValidation:             true,
	QueueReconciliation:         true,
	QueueGraphIngestion:         true,
	QueueDeadLetters:            true,
}

// Task payloads, one per queue.

type FileAnalysisPayload struct {
	RunID    string `json:"run_id"`
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

type DirectoryResolutionPayload struct {
	RunID   string `json:"run_id"`
	DirPath string `json:"dir_path"`
}

type GlobalResolutionPayload struct {
	RunID string `json:"run_id"`
}

// DirectoryAggregationPayload signals one completed file toward its
// directory's completion counter.
type DirectoryAggregationPayload struct {
	RunID           string `json:"run_id"`
	DirPath         string `json:"dir_path"`
	CompletedFileID string `json:"completed_file_id"`
}

// RelationshipResolutionPayload batches a file's POIs so cross-file
// inference has material.
type RelationshipResolutionPayload struct {
	RunID  string `json:"run_id"`
	FileID string `json:"file_id"`
	POIs   []POI  `json:"pois"`
}

type ValidationPayload struct {
	RelHash  string   `json:"rel_hash"`
	RunID    string   `json:"run_id"`
	SourceQN string   `json:"source_qn"`
	TargetQN string   `json:"target_qn"`
	Type     RelType  `json:"type"`
	Evidence Evidence `json:"evidence"`
}

type ReconciliationPayload struct {
	RelHash string `json:"rel_hash"`
}

type GraphIngestionPayload struct {
	RunID string     `json:"run_id"`
	Batch GraphBatch `json:"batch"`
}
