package redisclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/hackgods/booking-arbiter/internal/lock"
)

// An unreachable Redis must surface as a failed acquisition, never as a run
// of the critical section.
func TestLocker_UnreachableRedisIsNotAcquired(t *testing.T) {
	client := newClient(Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	l := NewLocker(client, time.Second, 200*time.Millisecond, zaptest.NewLogger(t))

	ran := false
	err := l.WithLocks(context.Background(), []string{"doctor:a", "room:b"}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if ran {
		t.Fatal("critical section ran without the lock")
	}
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected lock.ErrNotAcquired, got %v", err)
	}
}

func TestLocker_NoKeysRunsDirectly(t *testing.T) {
	client := newClient(Options{Addr: "127.0.0.1:1"})
	defer client.Close()

	l := NewLocker(client, time.Second, 50*time.Millisecond, zaptest.NewLogger(t))

	ran := false
	err := l.WithLocks(context.Background(), nil, func(ctx context.Context) error {
		ran = true
		if _, ok := ctx.Deadline(); !ok {
			t.Error("critical section must be bounded by the lock ttl")
		}
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("expected fn to run, err=%v ran=%v", err, ran)
	}
}
