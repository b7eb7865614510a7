// Package usecase implements the pipeline workers over the domain ports.
package usecase

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// dirsCounterKey is the run-level counter of directories still awaiting
// resolution; when it drains, global resolution becomes runnable.
const dirsCounterKey = "__dirs__"

// Producer discovers the target tree and seeds the pipeline: one run row,
// one file row and one file-analysis job per accepted file, plus the
// per-directory completion counters that gate directory resolution.
type Producer struct {
	cfg     config.Config
	runs    domain.RunRepository
	files   domain.FileRepository
	queue   domain.Queue
	counter domain.AggregationCounter
}

// NewProducer constructs a Producer.
func NewProducer(cfg config.Config, runs domain.RunRepository, files domain.FileRepository, queue domain.Queue, counter domain.AggregationCounter) *Producer {
	return &Producer{cfg: cfg, runs: runs, files: files, queue: queue, counter: counter}
}

// Run walks targetRoot, or takes the explicit path list when given, and
// enqueues a file-analysis job per accepted file. Every path is validated
// against the root before any row or job is created; a single traversal
// attempt aborts the whole run.
func (p *Producer) Run(ctx domain.Context, targetRoot string, explicit []string) (string, error) {
	tracer := otel.Tracer("usecase.producer")
	ctx, span := tracer.Start(ctx, "producer.Run")
	defer span.End()

	root, err := filepath.Abs(targetRoot)
	if err != nil {
		return "", fmt.Errorf("op=producer.run: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("op=producer.run: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("op=producer.run: %q is not a directory: %w", root, domain.ErrInvalidArgument)
	}

	var paths []string
	if len(explicit) > 0 {
		paths, err = p.validateExplicit(root, explicit)
	} else {
		paths, err = p.walk(root)
	}
	if err != nil {
		return "", err
	}
	if len(paths) == 0 {
		return "", fmt.Errorf("op=producer.run: no files matched under %q: %w", root, domain.ErrInvalidArgument)
	}

	runID := ulid.Make().String()
	run := domain.Run{ID: runID, TargetRoot: root, Status: domain.RunActive, CreatedAt: time.Now().UTC()}
	if err := p.runs.Create(ctx, run); err != nil {
		return "", err
	}

	// Counters first: a worker must never complete a file before its
	// directory counter exists.
	byDir := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		byDir[dir] = append(byDir[dir], path)
	}
	for dir, files := range byDir {
		if err := p.counter.Init(ctx, runID, dir, len(files)); err != nil {
			return "", p.fail(ctx, runID, err)
		}
	}
	if err := p.counter.Init(ctx, runID, dirsCounterKey, len(byDir)); err != nil {
		return "", p.fail(ctx, runID, err)
	}

	enqueued := 0
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable file", slog.String("path", path), slog.Any("error", err))
			continue
		}
		fileID, err := p.files.Create(ctx, domain.FileRecord{
			RunID:       runID,
			Path:        path,
			ContentHash: domain.ContentHash(content),
			Status:      domain.FilePending,
		})
		if err != nil {
			return "", p.fail(ctx, runID, err)
		}
		payload, _ := json.Marshal(domain.FileAnalysisPayload{RunID: runID, FileID: fileID, FilePath: path})
		if _, err := p.queue.Enqueue(ctx, domain.QueueFileAnalysis, payload); err != nil {
			return "", p.fail(ctx, runID, err)
		}
		enqueued++
	}

	slog.Info("run seeded",
		slog.String("run_id", runID),
		slog.String("target_root", root),
		slog.Int("files", enqueued),
		slog.Int("directories", len(byDir)))
	return runID, nil
}

// fail marks the run failed and returns the original error; partially
// seeded runs are never left active.
func (p *Producer) fail(ctx domain.Context, runID string, err error) error {
	if uerr := p.runs.UpdateStatus(ctx, runID, domain.RunFailed); uerr != nil {
		slog.Error("failed to mark run failed", slog.String("run_id", runID), slog.Any("error", uerr))
	}
	return fmt.Errorf("op=producer.run: %w", err)
}

func (p *Producer) walk(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." && p.excluded(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if p.excluded(rel) || !p.included(rel) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=producer.walk: %w", err)
	}
	return paths, nil
}

// validateExplicit resolves each supplied path and rejects anything that
// escapes the target root. The whole list is refused on the first
// violation so nothing is enqueued.
func (p *Producer) validateExplicit(root string, explicit []string) ([]string, error) {
	paths := make([]string, 0, len(explicit))
	for _, raw := range explicit {
		path := raw
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)
		if !WithinRoot(root, path) {
			slog.Error("path traversal attempt rejected",
				slog.String("path", raw),
				slog.String("target_root", root),
				slog.Bool("security", true))
			return nil, fmt.Errorf("op=producer.validate: path %q escapes target root: %w", raw, domain.ErrSecurityViolation)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func (p *Producer) included(rel string) bool {
	for _, pat := range p.cfg.IncludePatterns {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func (p *Producer) excluded(rel string) bool {
	for _, pat := range p.cfg.ExcludePatterns {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// WithinRoot reports whether path stays inside root after cleaning. Both
// arguments must be absolute.
func WithinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
