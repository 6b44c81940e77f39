package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATS CACHE
// ══════════════════════════════════════════════════════════════════════════════

// StatsCache implements matching.StatsCache.
// Every filter combination is its own key; invalidation drops them all.
type StatsCache struct {
	cache   *Cache
	ttl     time.Duration
	retrier *retry.Retrier
}

var _ matching.StatsCache = (*StatsCache)(nil)

// NewStatsCache creates a stats cache. ttl <= 0 uses TTLStatsCache.
func NewStatsCache(cache *Cache, ttl time.Duration) *StatsCache {
	if ttl <= 0 {
		ttl = TTLStatsCache
	}
	return &StatsCache{cache: cache, ttl: ttl, retrier: retry.CacheRetrier()}
}

func (s *StatsCache) key(filterKey string) string {
	return s.cache.Key(PrefixStats, filterKey)
}

// GetStats returns nil, nil on a miss.
func (s *StatsCache) GetStats(ctx context.Context, key string) (*matching.Stats, error) {
	var stats matching.Stats
	err := s.cache.Get(ctx, s.key(key), &stats)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats %s: %w", key, err)
	}
	return &stats, nil
}

// SetStats stores a summary under its filter key.
func (s *StatsCache) SetStats(ctx context.Context, key string, stats *matching.Stats) error {
	if err := s.cache.Set(ctx, s.key(key), stats, s.ttl); err != nil {
		return fmt.Errorf("failed to set stats %s: %w", key, err)
	}
	return nil
}

// InvalidateStats drops every cached summary. Transient failures are retried.
func (s *StatsCache) InvalidateStats(ctx context.Context) error {
	pattern := s.key("*")
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		return s.cache.DeleteByPattern(ctx, pattern)
	})
}
