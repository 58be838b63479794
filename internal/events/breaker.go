package events

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
)

type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration
}

// BreakerSink stops calling an unhealthy sink for a while instead of
// stacking up timeouts. While open, Publish fails fast with
// gobreaker.ErrOpenState.
type BreakerSink struct {
	next Sink
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewBreakerSink(next Sink, cfg BreakerConfig, log *zap.Logger) *BreakerSink {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &BreakerSink{next: next, cb: cb}
}

func (b *BreakerSink) Publish(ctx context.Context, events []booking.Event) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Publish(ctx, events)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", b.cb.Name(), err)
	}
	return nil
}

func (b *BreakerSink) State() gobreaker.State {
	return b.cb.State()
}
