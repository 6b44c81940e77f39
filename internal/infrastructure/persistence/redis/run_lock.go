package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// RUN LOCK
// ══════════════════════════════════════════════════════════════════════════════

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockLost is returned by release when the lock expired or was taken over.
var ErrLockLost = errors.New("run lock lost before release")

// RunLock implements matching.RunLocker with SET NX PX and a random token.
type RunLock struct {
	cache   *Cache
	ttl     time.Duration
	retrier *retry.Retrier
}

var _ matching.RunLocker = (*RunLock)(nil)

// NewRunLock creates a lock. ttl <= 0 uses TTLRunLock; it must outlast the
// longest matching transaction.
func NewRunLock(cache *Cache, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = TTLRunLock
	}
	return &RunLock{cache: cache, ttl: ttl, retrier: retry.LockRetrier()}
}

// Acquire takes the lock for key, retrying briefly while it is held.
// Returns matching.ErrRunInProgress if the holder does not let go in time.
func (l *RunLock) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	lockKey := l.cache.Key(PrefixLock, key)
	token := uuid.NewString()

	err := l.retrier.Do(ctx, func(ctx context.Context) error {
		ok, err := l.cache.Client().SetNX(ctx, lockKey, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return retry.Retryable(matching.ErrRunInProgress)
		}
		return nil
	})
	if errors.Is(err, matching.ErrRunInProgress) {
		return nil, matching.ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock %s: %w", key, err)
	}

	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, l.cache.Client(), []string{lockKey}, token).Int()
		if err != nil {
			return fmt.Errorf("failed to release run lock %s: %w", key, err)
		}
		if n == 0 {
			return ErrLockLost
		}
		return nil
	}
	return release, nil
}
