// Command worker runs the pipeline: queue consumers for every stage, the
// outbox publisher, the seal sweeper, and the metrics endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/codegraph/internal/adapter/ai"
	"github.com/fairyhunter13/codegraph/internal/adapter/cache/rediscache"
	"github.com/fairyhunter13/codegraph/internal/adapter/graph/neo4jgraph"
	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/adapter/queue/asynqq"
	"github.com/fairyhunter13/codegraph/internal/adapter/repo/sqlite"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
	"github.com/fairyhunter13/codegraph/internal/outbox"
	"github.com/fairyhunter13/codegraph/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}
	if shutdownTracing != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	runs := sqlite.NewRunRepo(db)
	files := sqlite.NewFileRepo(db)
	pois := sqlite.NewPOIRepo(db)
	summaries := sqlite.NewSummaryRepo(db)
	evidence := sqlite.NewEvidenceRepo(db)
	rels := sqlite.NewRelationshipRepo(db)
	dlq := sqlite.NewDeadLetterRepo(db)
	failedPOIs := sqlite.NewFailedPOIRepo(db)
	outboxRepo := sqlite.NewOutboxRepo(db)
	store := sqlite.NewStore(db)

	connectCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	manager, err := asynqq.NewManager(connectCtx, cfg.RedisURL, asynqq.Options{
		DefaultAttempts: cfg.QueueDefaultAttempts,
		LockDuration:    cfg.QueueLockDuration,
		ConnectInitial:  cfg.QueueConnectInitial,
		ConnectCap:      cfg.QueueConnectCap,
		StalledInterval: cfg.QueueStalledInterval,
		ShutdownTimeout: cfg.ShutdownGrace,
		GroupMaxSize:    cfg.GraphBatchSize,
	}, dlq)
	cancel()
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	cache := rediscache.New(manager.Redis(), 24*time.Hour)

	graph, err := neo4jgraph.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = graph.Close(context.Background()) }()
	if err := graph.EnsureConstraints(ctx); err != nil {
		return err
	}

	llm := ai.New(cfg)
	extractor, err := ai.NewExtractor(llm, cfg.LLMMaxAttempts)
	if err != nil {
		return err
	}
	chunker, err := ai.NewChunker(cfg.LLMContextBudget)
	if err != nil {
		return err
	}

	analyzer := usecase.NewFileAnalyzer(cfg, runs, files, store, dlq, extractor, chunker)
	aggregator := usecase.NewDirectoryAggregator(cache, manager)
	relResolver := usecase.NewRelationshipResolver(cfg, pois, store, failedPOIs)
	dirResolver := usecase.NewDirectoryResolver(cfg, pois, store, extractor, cache, manager)
	globalResolver := usecase.NewGlobalResolver(cfg, summaries, pois, store, extractor)
	validator := usecase.NewValidationWorker(cfg, evidence, cache, manager)
	reconciler := usecase.NewReconciler(cfg.Triangulation(), evidence, store)
	ingestor := usecase.NewGraphIngestor(graph, rels)
	sweeper := usecase.NewSealSweeper(cfg, evidence, cache, manager)

	handlers := map[string]asynqq.Handler{
		domain.QueueFileAnalysis:           analyzer.Handle,
		domain.QueueDirectoryAggregation:   aggregator.Handle,
		domain.QueueRelationshipResolution: relResolver.Handle,
		domain.QueueDirectoryResolution:    dirResolver.Handle,
		domain.QueueGlobalResolution:       globalResolver.Handle,
		domain.QueueValidation:             validator.Handle,
		domain.QueueReconciliation:         reconciler.Handle,
		domain.QueueGraphIngestion:         ingestor.Handle,
	}
	if _, err := manager.StartWorkers(handlers, cfg.WorkerConcurrency); err != nil {
		return err
	}

	publisher := outbox.New(outboxRepo, func(ctx domain.Context, topic string, payload []byte) error {
		_, err := manager.Enqueue(ctx, topic, payload)
		return err
	}, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
	go publisher.Run(ctx)
	go sweeper.Run(ctx)

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		slog.Info("metrics listening", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", slog.Any("error", err))
		}
	}()

	slog.Info("worker started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.String("db_path", cfg.DBPath))
	<-ctx.Done()

	slog.Info("shutting down", slog.Duration("grace", cfg.ShutdownGrace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	return nil
}
