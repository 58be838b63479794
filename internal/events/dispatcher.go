package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/booking"
	"github.com/hackgods/booking-arbiter/internal/metrics"
)

// Sink delivers committed booking events to an external collaborator.
type Sink interface {
	Publish(ctx context.Context, events []booking.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []booking.Event) error

func (f SinkFunc) Publish(ctx context.Context, events []booking.Event) error {
	return f(ctx, events)
}

// Dispatcher hands events to a Sink on a background goroutine. Dispatch never
// blocks: when the buffer is full the batch is dropped and counted. Sink
// failures are logged and never reach the caller, whose decision is already
// committed.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	metrics *metrics.Collector
	timeout time.Duration

	// mu guards closed. Dispatch holds it for reading while it sends, so
	// Shutdown never closes batches under a sender.
	mu      sync.RWMutex
	closed  bool
	batches chan []booking.Event
	done    chan struct{}
}

const defaultPublishTimeout = 5 * time.Second

func NewDispatcher(sink Sink, bufferSize int, log *zap.Logger, m *metrics.Collector) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log,
		metrics: m,
		timeout: defaultPublishTimeout,
		batches: make(chan []booking.Event, bufferSize),
		done:    make(chan struct{}),
	}
	go d.worker()
	return d
}

func (d *Dispatcher) Dispatch(events []booking.Event) {
	if len(events) == 0 {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.metrics.IncDispatchDropped()
		d.log.Warn("event dispatcher shut down, dropping events",
			zap.Int("count", len(events)),
			zap.String("type", string(events[0].Type)),
		)
		return
	}

	select {
	case d.batches <- events:
	default:
		d.metrics.IncDispatchDropped()
		d.log.Warn("event dispatch buffer full, dropping events",
			zap.Int("count", len(events)),
			zap.String("type", string(events[0].Type)),
		)
	}
}

// Shutdown stops accepting events and waits up to timeout for the buffer to
// drain. Events dispatched afterwards are dropped; they are still in the
// outbox when the store keeps one. Calling Shutdown again only waits.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.batches)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-time.After(timeout):
		d.log.Warn("event dispatcher shutdown timed out; some events may be lost")
	}
}

func (d *Dispatcher) worker() {
	defer close(d.done)
	for batch := range d.batches {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Publish(ctx, batch); err != nil {
			d.log.Error("failed to publish events",
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// FanOut publishes to every sink and returns the first error.
func FanOut(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, events []booking.Event) error {
		var first error
		for _, s := range sinks {
			if err := s.Publish(ctx, events); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
