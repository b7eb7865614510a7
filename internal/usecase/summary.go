package usecase

import (
	"log/slog"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// RunReport is the end-of-run account: what reached the graph, what was
// rejected by triangulation, what died.
type RunReport struct {
	RunID          string
	Status         domain.RunStatus
	FilesCompleted int
	FilesSkipped   int
	FilesPending   int
	Committed      int
	Rejected       int
	DeadLetters    int
	OutboxPending  int
}

// Settled reports whether every file has reached a terminal status and
// the outbox has drained.
func (r RunReport) Settled() bool {
	return r.FilesPending == 0 && r.OutboxPending == 0
}

// ExitCode maps the report to a process exit status: non-zero when any
// work was lost.
func (r RunReport) ExitCode() int {
	if r.FilesSkipped > 0 || r.DeadLetters > 0 {
		return 1
	}
	return 0
}

// Reporter assembles run reports and drives the run's terminal status
// transition.
type Reporter struct {
	runs   domain.RunRepository
	files  domain.FileRepository
	rels   domain.RelationshipRepository
	dlq    domain.DeadLetterRepository
	outbox domain.OutboxRepository
}

// NewReporter constructs a Reporter.
func NewReporter(runs domain.RunRepository, files domain.FileRepository, rels domain.RelationshipRepository, dlq domain.DeadLetterRepository, outbox domain.OutboxRepository) *Reporter {
	return &Reporter{runs: runs, files: files, rels: rels, dlq: dlq, outbox: outbox}
}

// Report computes the current run report. When the run has settled it
// also flips the run row to its terminal status: completed when every
// file analysed, failed when any were lost.
func (r *Reporter) Report(ctx domain.Context, runID string) (RunReport, error) {
	run, err := r.runs.Get(ctx, runID)
	if err != nil {
		return RunReport{}, err
	}
	report := RunReport{RunID: runID, Status: run.Status}

	if report.FilesCompleted, err = r.files.CountByStatus(ctx, runID, domain.FileCompleted); err != nil {
		return RunReport{}, err
	}
	if report.FilesSkipped, err = r.files.CountByStatus(ctx, runID, domain.FileFailed); err != nil {
		return RunReport{}, err
	}
	pending, err := r.files.CountByStatus(ctx, runID, domain.FilePending)
	if err != nil {
		return RunReport{}, err
	}
	analysing, err := r.files.CountByStatus(ctx, runID, domain.FileAnalysing)
	if err != nil {
		return RunReport{}, err
	}
	report.FilesPending = pending + analysing

	if report.Committed, err = r.rels.CountByState(ctx, runID, domain.RelValidated); err != nil {
		return RunReport{}, err
	}
	if report.Rejected, err = r.rels.CountByState(ctx, runID, domain.RelRejected); err != nil {
		return RunReport{}, err
	}
	if report.DeadLetters, err = r.dlq.Count(ctx); err != nil {
		return RunReport{}, err
	}
	if report.OutboxPending, err = r.outbox.CountUnpublished(ctx); err != nil {
		return RunReport{}, err
	}

	if report.Settled() && run.Status == domain.RunActive {
		status := domain.RunCompleted
		if report.FilesSkipped > 0 && report.FilesCompleted == 0 {
			status = domain.RunFailed
		}
		if err := r.runs.UpdateStatus(ctx, runID, status); err != nil {
			return RunReport{}, err
		}
		report.Status = status
		slog.Info("run settled",
			slog.String("run_id", runID),
			slog.String("status", string(status)),
			slog.Int("committed", report.Committed),
			slog.Int("rejected", report.Rejected),
			slog.Int("dead_letters", report.DeadLetters),
			slog.Int("skipped", report.FilesSkipped))
	}
	return report, nil
}
