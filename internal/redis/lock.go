package redisclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/booking-arbiter/internal/lock"
)

const (
	keyPrefix     = "lock:"
	retryInterval = 15 * time.Millisecond
	releaseWait   = 2 * time.Second
)

// Locker implements lock.Locker with one Redis key per resource. Each key is
// set with SET NX PX and a random token, so only the holder can release it.
// Acquisition retries until wait elapses; the critical section runs under a
// context that ends when the key would expire.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	log    *zap.Logger
}

var _ lock.Locker = (*Locker)(nil)

func NewLocker(client *redis.Client, ttl, wait time.Duration, log *zap.Logger) *Locker {
	return &Locker{
		client: client,
		ttl:    ttl,
		wait:   wait,
		log:    log,
	}
}

func (l *Locker) WithLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	keys = lock.Normalize(keys)
	token := uuid.NewString()

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, l.wait)
	defer cancelAcquire()

	held := make([]string, 0, len(keys))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			l.release(ctx, held[i], token)
		}
	}()

	for _, key := range keys {
		if err := l.acquire(acquireCtx, keyPrefix+key, token); err != nil {
			return fmt.Errorf("%w: %s: %w", lock.ErrNotAcquired, key, err)
		}
		held = append(held, keyPrefix+key)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *Locker) acquire(ctx context.Context, key, token string) error {
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// Jitter keeps contending callers from retrying in lockstep.
		backoff := retryInterval + rand.N(retryInterval)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// release must run even when ctx is already cancelled, otherwise the key
// would block the resource until its TTL.
func (l *Locker) release(ctx context.Context, key, token string) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseWait)
	defer cancel()

	_, err := unlockScript.Run(relCtx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.log.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
	}
}
