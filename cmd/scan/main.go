// Command scan seeds a run over a target tree and optionally waits for it
// to settle, printing the run report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/codegraph/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/codegraph/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/usecase"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		root = flag.String("root", "", "target tree to scan (defaults to RUN_TARGET_ROOT)")
		wait = flag.Bool("wait", false, "poll until the run settles and print the report")
		poll = flag.Duration("poll", 5*time.Second, "report poll interval with -wait")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	target := *root
	if target == "" {
		target = cfg.TargetRoot
	}
	if target == "" {
		slog.Error("no target root: pass -root or set RUN_TARGET_ROOT")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		slog.Error("store open failed", slog.Any("error", err))
		return 1
	}
	defer func() { _ = db.Close() }()

	runs := sqlite.NewRunRepo(db)
	files := sqlite.NewFileRepo(db)
	dlq := sqlite.NewDeadLetterRepo(db)

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	manager, err := asynqq.NewManager(connectCtx, cfg.RedisURL, asynqq.Options{
		DefaultAttempts: cfg.QueueDefaultAttempts,
		LockDuration:    cfg.QueueLockDuration,
		ConnectInitial:  cfg.QueueConnectInitial,
		ConnectCap:      cfg.QueueConnectCap,
	}, dlq)
	cancel()
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		return 1
	}
	defer func() { _ = manager.Close() }()

	cache := rediscache.New(manager.Redis(), 24*time.Hour)
	producer := usecase.NewProducer(cfg, runs, files, manager, cache)

	runID, err := producer.Run(ctx, target, flag.Args())
	if err != nil {
		slog.Error("run seeding failed", slog.Any("error", err))
		return 1
	}
	fmt.Println(runID)

	if !*wait {
		return 0
	}

	reporter := usecase.NewReporter(runs, files, sqlite.NewRelationshipRepo(db), dlq, sqlite.NewOutboxRepo(db))
	ticker := time.NewTicker(*poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 1
		case <-ticker.C:
			report, err := reporter.Report(ctx, runID)
			if err != nil {
				slog.Error("report failed", slog.Any("error", err))
				return 1
			}
			if !report.Settled() {
				slog.Info("run in progress",
					slog.Int("files_pending", report.FilesPending),
					slog.Int("outbox_pending", report.OutboxPending))
				continue
			}
			fmt.Printf("run %s %s: %d committed, %d rejected, %d dead-lettered, %d skipped\n",
				report.RunID, report.Status, report.Committed, report.Rejected, report.DeadLetters, report.FilesSkipped)
			return report.ExitCode()
		}
	}
}
