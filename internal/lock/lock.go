package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
)

// Locker serializes critical sections per key. Keys are acquired in the
// order given and released in reverse, so callers that always pass keys in
// the same global order cannot deadlock each other.
type Locker interface {
	WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error
}

// Key builds a lock key such as "doctor:<id>".
func Key(kind string, id fmt.Stringer) string {
	return kind + ":" + id.String()
}

// Normalize drops empty and repeated keys while keeping the caller's order.
func Normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// Local is an in-process Locker. Waiting for a key is bounded by wait;
// exceeding it returns ErrNotAcquired.
type Local struct {
	wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *Local {
	return &Local{
		wait:  wait,
		slots: make(map[string]*slot),
	}
}

func (l *Local) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	keys = Normalize(keys)

	acquireCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(held[i])
		}
	}()

	for _, key := range keys {
		if err := l.acquire(acquireCtx, key); err != nil {
			return err
		}
		held = append(held, key)
	}

	return fn(ctx)
}

func (l *Local) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.unref(key, s)
		return fmt.Errorf("%w: %s: %w", ErrNotAcquired, key, ctx.Err())
	}
}

func (l *Local) release(key string) {
	l.mu.Lock()
	s := l.slots[key]
	l.mu.Unlock()
	if s == nil {
		return
	}
	<-s.ch
	l.unref(key, s)
}

func (l *Local) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}
