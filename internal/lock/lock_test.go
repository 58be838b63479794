package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNormalize(t *testing.T) {
	got := Normalize([]string{"doctor:1", "", "room:2", "doctor:1"})
	want := []string{"doctor:1", "room:2"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestKey(t *testing.T) {
	id := uuid.MustParse("7d1f6c1e-2a4b-4c55-9f3e-0a1b2c3d4e5f")
	if got := Key("room", id); got != "room:7d1f6c1e-2a4b-4c55-9f3e-0a1b2c3d4e5f" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestLocal_MutualExclusion(t *testing.T) {
	l := NewLocal(5 * time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLocks(context.Background(), []string{"doctor:a"}, func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					m := atomic.LoadInt32(&maxInside)
					if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most 1 holder, saw %d", maxInside)
	}
	if len(l.slots) != 0 {
		t.Fatalf("expected slots to be cleaned up, have %d", len(l.slots))
	}
}

func TestLocal_BoundedWait(t *testing.T) {
	l := NewLocal(20 * time.Millisecond)

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithLocks(context.Background(), []string{"room:r"}, func(ctx context.Context) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	start := time.Now()
	err := l.WithLocks(context.Background(), []string{"room:r"}, func(ctx context.Context) error {
		t.Fatal("critical section must not run while the key is held")
		return nil
	})
	close(done)

	if !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("wait was not bounded: %s", elapsed)
	}
}

func TestLocal_DisjointKeysDoNotBlock(t *testing.T) {
	l := NewLocal(time.Second)

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithLocks(context.Background(), []string{"doctor:a"}, func(ctx context.Context) error {
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding
	defer close(done)

	ran := false
	err := l.WithLocks(context.Background(), []string{"doctor:b", "room:x"}, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Fatalf("expected disjoint keys to proceed, err=%v ran=%v", err, ran)
	}
}

func TestLocal_ReleasesOnError(t *testing.T) {
	l := NewLocal(50 * time.Millisecond)
	boom := errors.New("boom")

	err := l.WithLocks(context.Background(), []string{"doctor:a", "room:b"}, func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}

	if err := l.WithLocks(context.Background(), []string{"room:b", "doctor:a"}, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("expected keys to be free again, got %v", err)
	}
}
