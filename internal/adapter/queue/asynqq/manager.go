// Package asynqq is the single gateway to the job queue backend. Every
// queue the pipeline touches goes through the Manager, which enforces the
// fixed queue allow-list, applies default job options, and routes
// exhausted jobs to the dead-letter queue.
package asynqq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Options tune the manager. Zero values fall back to the documented
// defaults.
type Options struct {
	DefaultAttempts int           // total attempts per job (default 3)
	RetryBase       time.Duration // first retry delay (default 1s)
	RetryCap        time.Duration // retry delay cap (default 30s)
	LockDuration    time.Duration // per-job processing deadline (default 30m)
	ConnectInitial  time.Duration // connect backoff start (default 1s)
	ConnectCap      time.Duration // connect backoff cap (default 30s)
	Retention       time.Duration // completed-job retention (default 24h)
	StalledInterval time.Duration // broker health/recovery check period (default 30s)
	ShutdownTimeout time.Duration // in-flight drain window on shutdown (default 30s)
	GroupMaxSize    int           // graph events aggregated per batch (default 500)
	GroupGrace      time.Duration // wait for more graph events before flushing (default 2s)
}

func (o *Options) fill() {
	if o.DefaultAttempts <= 0 {
		o.DefaultAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	if o.RetryCap <= 0 {
		o.RetryCap = 30 * time.Second
	}
	if o.LockDuration <= 0 {
		o.LockDuration = 30 * time.Minute
	}
	if o.ConnectInitial <= 0 {
		o.ConnectInitial = time.Second
	}
	if o.ConnectCap <= 0 {
		o.ConnectCap = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	if o.GroupMaxSize <= 0 {
		o.GroupMaxSize = 500
	}
	if o.GroupGrace < time.Second {
		o.GroupGrace = 2 * time.Second
	}
}

// Manager owns the shared queue connection and all queue handles.
type Manager struct {
	client  *asynq.Client
	conn    asynq.RedisConnOpt
	rdb     *redis.Client
	opts    Options
	dlq     domain.DeadLetterRepository
	servers []*asynq.Server
}

// NewManager connects to the queue backend, retrying with capped
// exponential backoff until ctx expires. Callers bound the wait window
// through the context; exhaustion surfaces as ErrQueueUnavailable.
func NewManager(ctx context.Context, redisURL string, opts Options, dlq domain.DeadLetterRepository) (*Manager, error) {
	opts.fill()
	conn, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.connect: %w", err)
	}
	rOpt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.connect: %w", err)
	}
	rdb := redis.NewClient(rOpt)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = opts.ConnectInitial
	expo.Multiplier = 2
	expo.MaxInterval = opts.ConnectCap
	// The pipeline stalls rather than loses work: retries are unbounded
	// within the caller's context window.
	expo.MaxElapsedTime = 0
	ping := func() error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("queue backend unreachable, retrying", slog.Any("error", err))
			return err
		}
		return nil
	}
	if err := backoff.Retry(ping, backoff.WithContext(expo, ctx)); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=queue.connect: %v: %w", err, domain.ErrQueueUnavailable)
	}

	return &Manager{
		client: asynq.NewClient(conn),
		conn:   conn,
		rdb:    rdb,
		opts:   opts,
		dlq:    dlq,
	}, nil
}

// Redis exposes the shared connection for the cache scripts; the manager
// owns its lifecycle.
func (m *Manager) Redis() *redis.Client { return m.rdb }

// Enqueue submits a payload to a named queue with the default job
// options. Unknown queue names are rejected before touching the backend.
func (m *Manager) Enqueue(ctx domain.Context, queue string, payload []byte) (string, error) {
	if !domain.AllowedQueues[queue] {
		slog.Error("enqueue to unknown queue rejected", slog.String("queue", queue), slog.Bool("security", true))
		return "", fmt.Errorf("op=queue.enqueue: %q: %w", queue, domain.ErrUnknownQueue)
	}
	task := asynq.NewTask(queue, payload)
	taskOpts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(m.opts.DefaultAttempts - 1),
		asynq.Timeout(m.opts.LockDuration),
		asynq.Retention(m.opts.Retention),
	}
	if queue == domain.QueueGraphIngestion {
		// Graph events buffer in a group so reconciled edges land in
		// batched transactions instead of one per relationship.
		taskOpts = append(taskOpts, asynq.Group(graphGroup))
	}
	info, err := m.client.EnqueueContext(ctx, task, taskOpts...)
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(queue).Inc()
	return info.ID, nil
}

// Handler processes one job payload from one queue.
type Handler func(ctx context.Context, payload []byte) error

// graphGroup is the aggregation group for graph-ingestion events.
const graphGroup = "graph-batch"

// aggregateGraphTasks folds buffered graph events into one batch task.
// Deletes, nodes and edges concatenate in arrival order; the combined
// task keeps the queue's type name so the same handler consumes it.
func aggregateGraphTasks(group string, tasks []*asynq.Task) *asynq.Task {
	if len(tasks) == 1 {
		return tasks[0]
	}
	var merged domain.GraphIngestionPayload
	for _, t := range tasks {
		var p domain.GraphIngestionPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			slog.Error("unreadable graph event in aggregation group",
				slog.String("group", group), slog.Any("error", err))
			continue
		}
		if merged.RunID == "" {
			merged.RunID = p.RunID
		}
		merged.Batch.DeleteFiles = append(merged.Batch.DeleteFiles, p.Batch.DeleteFiles...)
		merged.Batch.Nodes = append(merged.Batch.Nodes, p.Batch.Nodes...)
		merged.Batch.Edges = append(merged.Batch.Edges, p.Batch.Edges...)
	}
	payload, _ := json.Marshal(merged)
	return asynq.NewTask(domain.QueueGraphIngestion, payload)
}

// retryDelay is the standard exponential backoff for job retries:
// base doubling per attempt, capped.
func (m *Manager) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	d := m.opts.RetryBase << n
	if d > m.opts.RetryCap {
		d = m.opts.RetryCap
	}
	return d
}

// StartWorkers spawns a consumer over the given queue handlers with the
// specified concurrency. The global failed listener copies exhausted jobs
// to the dead-letter queue — except jobs from the DLQ itself, which would
// recurse.
func (m *Manager) StartWorkers(handlers map[string]Handler, concurrency int) (*asynq.Server, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	queues := make(map[string]int, len(handlers))
	for q := range handlers {
		if !domain.AllowedQueues[q] {
			return nil, fmt.Errorf("op=queue.start_workers: %q: %w", q, domain.ErrUnknownQueue)
		}
		queues[q] = 1
	}

	srv := asynq.NewServer(m.conn, asynq.Config{
		Concurrency:         concurrency,
		Queues:              queues,
		RetryDelayFunc:      m.retryDelay,
		ShutdownTimeout:     m.opts.ShutdownTimeout,
		HealthCheckInterval: m.opts.StalledInterval,
		ErrorHandler:        asynq.ErrorHandlerFunc(m.onJobError),
		GroupAggregator:     asynq.GroupAggregatorFunc(aggregateGraphTasks),
		GroupMaxSize:        m.opts.GroupMaxSize,
		GroupGracePeriod:    m.opts.GroupGrace,
		GroupMaxDelay:       30 * time.Second,
	})

	mux := asynq.NewServeMux()
	for q, h := range handlers {
		queue, handler := q, h
		mux.HandleFunc(queue, func(ctx context.Context, t *asynq.Task) error {
			observability.JobsProcessing.WithLabelValues(queue).Inc()
			defer observability.JobsProcessing.WithLabelValues(queue).Dec()
			if err := handler(ctx, t.Payload()); err != nil {
				observability.JobsFailedTotal.WithLabelValues(queue).Inc()
				return err
			}
			observability.JobsCompletedTotal.WithLabelValues(queue).Inc()
			return nil
		})
	}

	if err := srv.Start(mux); err != nil {
		return nil, fmt.Errorf("op=queue.start_workers: %w", err)
	}
	m.servers = append(m.servers, srv)
	return srv, nil
}

// onJobError fires on every failed attempt; only the final one (retries
// exhausted) is dead-lettered.
func (m *Manager) onJobError(ctx context.Context, task *asynq.Task, err error) {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	if retried < maxRetry {
		return
	}
	if queue == domain.QueueDeadLetters {
		// Never dead-letter the dead-letter queue.
		return
	}
	jobID, _ := asynq.GetTaskID(ctx)
	slog.Error("job exhausted retries, dead-lettering",
		slog.String("queue", queue),
		slog.String("job_id", jobID),
		slog.Any("error", err))
	if m.dlq != nil {
		if _, dbErr := m.dlq.Create(ctx, domain.DeadLetter{
			JobID:    jobID,
			Queue:    queue,
			ErrorMsg: err.Error(),
			Payload:  task.Payload(),
		}); dbErr != nil {
			slog.Error("failed to persist dead letter", slog.Any("error", dbErr))
		}
	}
	if _, qErr := m.Enqueue(ctx, domain.QueueDeadLetters, task.Payload()); qErr != nil {
		slog.Error("failed to publish to dead-letter queue", slog.Any("error", qErr))
	}
	observability.JobsDeadLetteredTotal.WithLabelValues(queue).Inc()
}

// Close drains all workers, then the queue handles, then the shared
// connection.
func (m *Manager) Close() error {
	for _, srv := range m.servers {
		srv.Shutdown()
	}
	var errs []error
	if err := m.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.rdb.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("op=queue.close: %w", errors.Join(errs...))
	}
	return nil
}
