// Package outbox drains pending events from the SQL outbox into the job
// queue. Publishing happens outside the writing transaction, so a crash
// between publish and mark-published redelivers; every consumer is
// idempotent by construction, which makes the duplicate harmless.
package outbox

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// PublishFunc delivers one event payload to one topic.
type PublishFunc func(ctx domain.Context, topic string, payload []byte) error

// Publisher polls the outbox in insertion order and publishes each batch.
type Publisher struct {
	repo     domain.OutboxRepository
	publish  PublishFunc
	interval time.Duration
	batch    int
}

// New constructs a Publisher. Zero interval and batch fall back to the
// documented defaults (500ms, 500).
func New(repo domain.OutboxRepository, publish PublishFunc, interval time.Duration, batch int) *Publisher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batch <= 0 {
		batch = 500
	}
	return &Publisher{repo: repo, publish: publish, interval: interval, batch: batch}
}

// Run polls until ctx is done.
func (p *Publisher) Run(ctx domain.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Drain(ctx); err != nil {
				slog.Error("outbox drain failed", slog.Any("error", err))
			}
		}
	}
}

// Drain publishes one batch of pending events in insertion order,
// marking only the successfully published ones. A publish failure stops
// the batch so ordering is preserved on the next poll.
func (p *Publisher) Drain(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("outbox.publisher")
	ctx, span := tracer.Start(ctx, "outbox.Drain")
	defer span.End()

	events, err := p.repo.ListUnpublished(ctx, p.batch)
	if err != nil {
		return 0, err
	}
	var published []string
	for _, e := range events {
		if err := p.publish(ctx, e.Topic, e.Payload); err != nil {
			slog.Warn("outbox publish failed, will retry",
				slog.String("event_id", e.ID),
				slog.String("topic", e.Topic),
				slog.Any("error", err))
			break
		}
		observability.OutboxPublishedTotal.WithLabelValues(e.Topic).Inc()
		published = append(published, e.ID)
	}
	if len(published) > 0 {
		if err := p.repo.MarkPublished(ctx, published); err != nil {
			return len(published), err
		}
	}
	if pending, err := p.repo.CountUnpublished(ctx); err == nil {
		observability.OutboxPending.Set(float64(pending))
	}
	return len(published), nil
}
