package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/adapter/ai"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// FileAnalyzer is the file-analysis worker. It turns one source file into
// POI rows, deterministic and intra-file evidence events, a
// relationship-resolution batch and a graph node batch. Everything after
// the LLM call lands in one short SQL transaction, so a crash replays the
// job against idempotent upserts.
type FileAnalyzer struct {
	cfg       config.Config
	runs      domain.RunRepository
	files     domain.FileRepository
	store     domain.Store
	dlq       domain.DeadLetterRepository
	extractor *ai.Extractor
	chunker   *ai.Chunker
}

// NewFileAnalyzer constructs a FileAnalyzer.
func NewFileAnalyzer(cfg config.Config, runs domain.RunRepository, files domain.FileRepository, store domain.Store, dlq domain.DeadLetterRepository, extractor *ai.Extractor, chunker *ai.Chunker) *FileAnalyzer {
	return &FileAnalyzer{cfg: cfg, runs: runs, files: files, store: store, dlq: dlq, extractor: extractor, chunker: chunker}
}

// Handle processes one file-analysis job.
func (a *FileAnalyzer) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.analyze")
	ctx, span := tracer.Start(ctx, "analyze.Handle")
	defer span.End()

	var job domain.FileAnalysisPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=analyze.decode: %w", err)
	}
	log := slog.With(slog.String("run_id", job.RunID), slog.String("file_path", job.FilePath))

	run, err := a.runs.Get(ctx, job.RunID)
	if err != nil {
		return err
	}
	if !WithinRoot(run.TargetRoot, job.FilePath) {
		log.Error("file path escapes target root", slog.Bool("security", true))
		return a.skip(ctx, job, fmt.Sprintf("path escapes target root %q", run.TargetRoot))
	}

	info, err := os.Stat(job.FilePath)
	if err != nil {
		return fmt.Errorf("op=analyze.stat: %w", err)
	}
	// At the limit is accepted; one byte over is skipped.
	if info.Size() > a.cfg.FileMaxSizeBytes {
		log.Warn("file exceeds size limit, skipping",
			slog.Int64("size", info.Size()),
			slog.Int64("limit", a.cfg.FileMaxSizeBytes))
		return a.skip(ctx, job, fmt.Sprintf("size %d exceeds limit %d: %v", info.Size(), a.cfg.FileMaxSizeBytes, domain.ErrTooLarge))
	}

	raw, err := os.ReadFile(job.FilePath)
	if err != nil {
		return fmt.Errorf("op=analyze.read: %w", err)
	}
	content := string(raw)

	if err := a.files.UpdateStatus(ctx, job.FileID, domain.FileAnalysing); err != nil {
		return err
	}

	chunks := a.chunker.Split(content)
	merged, failedNames, err := a.extractChunks(ctx, job.FilePath, chunks)
	if err != nil {
		return err
	}

	pois := a.buildPOIs(job, merged)
	runFiles, err := a.runFileSet(ctx, job.RunID)
	if err != nil {
		return err
	}

	candidates := a.buildCandidates(job, merged, pois, failedNames)
	if a.cfg.DeterministicPass {
		candidates = append(candidates, DeterministicFileCandidates(job.RunID, job.FilePath, content, pois, runFiles)...)
	}

	dir := filepath.Dir(job.FilePath)
	err = a.store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.UpsertPOIs(ctx, pois); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, domain.QueueGraphIngestion, domain.GraphIngestionPayload{
			RunID: job.RunID,
			Batch: domain.GraphBatch{Nodes: graphNodes(pois)},
		}); err != nil {
			return err
		}
		for _, c := range candidates {
			if err := tx.AppendOutbox(ctx, domain.QueueValidation, validationEvent(c)); err != nil {
				return err
			}
		}
		if err := tx.AppendOutbox(ctx, domain.QueueRelationshipResolution, domain.RelationshipResolutionPayload{
			RunID:  job.RunID,
			FileID: job.FileID,
			POIs:   pois,
		}); err != nil {
			return err
		}
		if err := tx.UpdateFileStatus(ctx, job.FileID, domain.FileCompleted); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, domain.QueueDirectoryAggregation, domain.DirectoryAggregationPayload{
			RunID:           job.RunID,
			DirPath:         dir,
			CompletedFileID: job.FileID,
		})
	})
	if err != nil {
		return err
	}

	log.Info("file analysed",
		slog.Int("chunks", len(chunks)),
		slog.Int("pois", len(pois)),
		slog.Int("candidates", len(candidates)))
	return nil
}

// skip settles an unprocessable file without retrying: status failed, a
// dead-letter record for the operator, and the aggregation signal so the
// directory still seals.
func (a *FileAnalyzer) skip(ctx domain.Context, job domain.FileAnalysisPayload, reason string) error {
	if _, err := a.dlq.Create(ctx, domain.DeadLetter{
		JobID:    job.FileID,
		Queue:    domain.QueueFileAnalysis,
		FailedAt: time.Now().UTC(),
		ErrorMsg: reason,
		ErrorCtx: job.FilePath,
		Status:   "skipped",
	}); err != nil {
		return err
	}
	return a.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.UpdateFileStatus(ctx, job.FileID, domain.FileFailed); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, domain.QueueDirectoryAggregation, domain.DirectoryAggregationPayload{
			RunID:           job.RunID,
			DirPath:         filepath.Dir(job.FilePath),
			CompletedFileID: job.FileID,
		})
	})
}

// extractChunks runs the model over every chunk and merges the outputs.
// POIs deduplicate by name; relationships by (source, target, type).
func (a *FileAnalyzer) extractChunks(ctx domain.Context, filePath string, chunks []ai.Chunk) (ai.Extraction, []string, error) {
	var merged ai.Extraction
	poiSeen := make(map[string]bool)
	relSeen := make(map[string]bool)
	var failedNames []string
	for _, chunk := range chunks {
		out, err := a.extractor.Extract(ctx, ai.BuildFileAnalysisPrompt(filePath, chunk, len(chunks)))
		if err != nil {
			// ErrSchemaInvalid included: the queue retry counts against
			// the job, not just the LLM call.
			return ai.Extraction{}, nil, err
		}
		for _, p := range out.POIs {
			if !domain.AllowedPOITypes[domain.POIType(p.Type)] {
				failedNames = append(failedNames, p.Name)
				continue
			}
			if poiSeen[p.Name] {
				continue
			}
			poiSeen[p.Name] = true
			merged.POIs = append(merged.POIs, absoluteLines(chunk, p))
		}
		for _, r := range out.Relationships {
			key := r.Source + "\x00" + r.Target + "\x00" + r.Type
			if relSeen[key] {
				continue
			}
			relSeen[key] = true
			merged.Relationships = append(merged.Relationships, r)
		}
	}
	return merged, failedNames, nil
}

// absoluteLines rebases chunk-relative line numbers onto the whole file.
// The prompt asks for absolute numbers, but models sometimes count from
// the top of the chunk; any start line below the chunk's first line can
// only be chunk-relative, since the chunk contains no earlier lines.
func absoluteLines(chunk ai.Chunk, p ai.ExtractedPOI) ai.ExtractedPOI {
	if chunk.StartLine <= 1 || p.StartLine <= 0 || p.StartLine >= chunk.StartLine {
		return p
	}
	offset := chunk.StartLine - 1
	p.StartLine += offset
	if p.EndLine > 0 {
		p.EndLine += offset
	}
	return p
}

// buildPOIs derives qualified names and prepends the file's own POI.
func (a *FileAnalyzer) buildPOIs(job domain.FileAnalysisPayload, out ai.Extraction) []domain.POI {
	pois := []domain.POI{{
		FileID:        job.FileID,
		RunID:         job.RunID,
		Type:          domain.POIFile,
		Name:          filepath.Base(job.FilePath),
		QualifiedName: domain.QualifiedName(job.FilePath, filepath.Base(job.FilePath)),
	}}
	for _, p := range out.POIs {
		pois = append(pois, domain.POI{
			FileID:        job.FileID,
			RunID:         job.RunID,
			Type:          domain.POIType(p.Type),
			Name:          p.Name,
			QualifiedName: domain.QualifiedName(job.FilePath, p.Name),
			Signature:     p.Signature,
			StartLine:     p.StartLine,
			EndLine:       p.EndLine,
		})
	}
	return pois
}

// buildCandidates maps model-reported POI names to qualified names and
// wraps each intra-file relationship into an evidence candidate. Names
// the model invented are dropped with a warning.
func (a *FileAnalyzer) buildCandidates(job domain.FileAnalysisPayload, out ai.Extraction, pois []domain.POI, failedNames []string) []domain.RelationshipCandidate {
	qnByName := make(map[string]string, len(pois))
	for _, p := range pois {
		qnByName[p.Name] = p.QualifiedName
	}
	var candidates []domain.RelationshipCandidate
	for _, r := range out.Relationships {
		srcQN, okS := qnByName[r.Source]
		dstQN, okT := qnByName[r.Target]
		if !okS || !okT {
			slog.Warn("relationship references unknown name, dropping",
				slog.String("file_path", job.FilePath),
				slog.String("source", r.Source),
				slog.String("target", r.Target))
			continue
		}
		c, err := domain.NewCandidate(job.RunID, srcQN, dstQN, domain.RelType(r.Type), domain.PassIntraFile, r.Confidence, r.Explanation)
		if err != nil {
			slog.Warn("invalid relationship candidate, dropping",
				slog.String("file_path", job.FilePath),
				slog.Any("error", err))
			continue
		}
		candidates = append(candidates, c)
	}
	if len(failedNames) > 0 {
		slog.Warn("model reported POIs with disallowed types",
			slog.String("file_path", job.FilePath),
			slog.Int("count", len(failedNames)))
	}
	return candidates
}

func (a *FileAnalyzer) runFileSet(ctx domain.Context, runID string) (map[string]bool, error) {
	records, err := a.files.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(records))
	for _, f := range records {
		set[f.Path] = true
	}
	return set, nil
}

func graphNodes(pois []domain.POI) []domain.GraphNode {
	nodes := make([]domain.GraphNode, 0, len(pois))
	for _, p := range pois {
		nodes = append(nodes, domain.GraphNode{
			QualifiedName: p.QualifiedName,
			Label:         p.Type,
			Properties: map[string]any{
				"name":      p.Name,
				"run_id":    p.RunID,
				// Refactoring deletes match on file_path.
				"file_path": domain.QNPath(p.QualifiedName),
			},
		})
	}
	return nodes
}

// validationEvent wraps a candidate into the validation-queue payload.
func validationEvent(c domain.RelationshipCandidate) domain.ValidationPayload {
	return domain.ValidationPayload{
		RelHash:  c.RelHash,
		RunID:    c.RunID,
		SourceQN: c.SourceQN,
		TargetQN: c.TargetQN,
		Type:     c.Type,
		Evidence: domain.Evidence{Pass: c.Pass, Confidence: c.Confidence, Agrees: c.Agrees},
	}
}
