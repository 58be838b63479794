package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
	"github.com/hackgods/booking-arbiter/internal/metrics"
)

// Relay moves committed events from the outbox to a sink. Delivery is at
// least once: a crash between Publish and MarkPublished republishes the
// batch, and consumers deduplicate on the event id.
type Relay struct {
	outbox    booking.Outbox
	sink      Sink
	log       *zap.Logger
	metrics   *metrics.Collector
	batchSize int
	now       func() time.Time
}

func NewRelay(outbox booking.Outbox, sink Sink, batchSize int, log *zap.Logger, m *metrics.Collector) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		outbox:    outbox,
		sink:      sink,
		log:       log,
		metrics:   m,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce publishes pending events batch by batch until the outbox is drained
// or an error occurs. It returns how many events were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	published := 0
	for {
		pending, err := r.outbox.PendingEvents(ctx, r.batchSize)
		if err != nil {
			return published, fmt.Errorf("load pending events: %w", err)
		}
		if len(pending) == 0 {
			return published, nil
		}

		if err := r.sink.Publish(ctx, pending); err != nil {
			r.metrics.IncOutboxFailures()
			return published, fmt.Errorf("publish events: %w", err)
		}

		ids := make([]uuid.UUID, len(pending))
		for i, e := range pending {
			ids[i] = e.ID
		}
		if err := r.outbox.MarkPublished(ctx, ids, r.now()); err != nil {
			r.metrics.IncOutboxFailures()
			return published, fmt.Errorf("mark events published: %w", err)
		}

		published += len(pending)
		r.metrics.AddOutboxPublished(len(pending))

		if len(pending) < r.batchSize {
			return published, nil
		}
	}
}

// Run calls RunOnce immediately and then every interval until ctx ends.
func (r *Relay) Run(ctx context.Context, interval time.Duration) {
	r.runOnce(ctx, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("shutdown signal received, stopping outbox relay")
			return
		case <-ticker.C:
			r.runOnce(ctx, interval)
		}
	}
}

func (r *Relay) runOnce(ctx context.Context, interval time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, 2*interval+10*time.Second)
	defer cancel()

	start := time.Now()
	n, err := r.RunOnce(runCtx)
	if err != nil {
		r.log.Error("outbox relay run failed", zap.Int("published", n), zap.Error(err))
		return
	}
	if n > 0 {
		r.log.Info("outbox relay run complete", zap.Int("published", n), zap.Duration("took", time.Since(start)))
	}
}
