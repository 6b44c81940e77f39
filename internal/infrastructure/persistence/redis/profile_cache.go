package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/student"
	"github.com/alem-hub/peer-tutoring/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// PROFILE CACHE
// ══════════════════════════════════════════════════════════════════════════════

// ProfileCache caches student profiles in front of a ProfileRepository.
// Cache failures never fail a call; the repository stays the source of truth.
// While Redis keeps failing, a circuit breaker skips cache reads and writes.
type ProfileCache struct {
	cache   *Cache
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewProfileCache creates a profile cache. ttl <= 0 uses TTLProfileCache.
func NewProfileCache(cache *Cache, ttl time.Duration, logger *slog.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = TTLProfileCache
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "profile_cache")

	breaker := circuitbreaker.CacheBreaker("redis-profiles",
		func(err error) bool { return errors.Is(err, ErrCacheMiss) },
		func(name string, from, to circuitbreaker.State) {
			logger.Warn("cache circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	)
	return &ProfileCache{cache: cache, ttl: ttl, breaker: breaker, logger: logger}
}

// Breaker exposes the circuit breaker guarding cache access.
func (p *ProfileCache) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// guard runs a cache call through the breaker.
func (p *ProfileCache) guard(ctx context.Context, fn func(context.Context) error) error {
	return p.breaker.Execute(ctx, fn)
}

func (p *ProfileCache) key(id student.StudentID) string {
	return p.cache.Key(PrefixProfile, id.String())
}

// Wrap returns next decorated with the cache.
func (p *ProfileCache) Wrap(next student.ProfileRepository) student.ProfileRepository {
	return &cachedProfiles{cache: p, next: next}
}

// Invalidate drops cached profiles.
func (p *ProfileCache) Invalidate(ctx context.Context, ids ...student.StudentID) error {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, p.key(id))
	}
	return p.cache.Delete(ctx, keys...)
}

type cachedProfiles struct {
	cache *ProfileCache
	next  student.ProfileRepository
}

func (c *cachedProfiles) GetProfile(ctx context.Context, id student.StudentID) (*student.Profile, error) {
	var profile student.Profile
	err := c.cache.guard(ctx, func(ctx context.Context) error {
		return c.cache.cache.Get(ctx, c.cache.key(id), &profile)
	})
	if err == nil {
		return &profile, nil
	}
	c.logFailure("profile cache read failed", err, "student_id", id)

	loaded, err := c.next.GetProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	err = c.cache.guard(ctx, func(ctx context.Context) error {
		return c.cache.cache.Set(ctx, c.cache.key(id), loaded, c.cache.ttl)
	})
	c.logFailure("profile cache write failed", err, "student_id", id)
	return loaded, nil
}

func (c *cachedProfiles) GetProfiles(ctx context.Context, ids []student.StudentID) (map[student.StudentID]student.Profile, error) {
	ids = student.UniqueIDs(ids)
	result := make(map[student.StudentID]student.Profile, len(ids))

	keys := make([]string, len(ids))
	byKey := make(map[string]student.StudentID, len(ids))
	for i, id := range ids {
		keys[i] = c.cache.key(id)
		byKey[keys[i]] = id
	}

	err := c.cache.guard(ctx, func(ctx context.Context) error {
		return c.cache.cache.MGet(ctx, keys, func(key string, data []byte) error {
			var profile student.Profile
			if err := json.Unmarshal(data, &profile); err != nil {
				return err
			}
			result[byKey[key]] = profile
			return nil
		})
	})
	if err != nil {
		c.logFailure("profile cache read failed", err, "count", len(ids))
		result = make(map[student.StudentID]student.Profile, len(ids))
	}

	missing := make([]student.StudentID, 0, len(ids)-len(result))
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := c.next.GetProfiles(ctx, missing)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]interface{}, len(loaded))
	for id, profile := range loaded {
		result[id] = profile
		pairs[c.cache.key(id)] = profile
	}
	err = c.cache.guard(ctx, func(ctx context.Context) error {
		return c.cache.cache.MSet(ctx, pairs, c.cache.ttl)
	})
	c.logFailure("profile cache write failed", err, "count", len(pairs))
	return result, nil
}

func (c *cachedProfiles) SaveProfile(ctx context.Context, profile student.Profile) error {
	if err := c.next.SaveProfile(ctx, profile); err != nil {
		return err
	}
	c.invalidate(ctx, profile.ID)
	return nil
}

func (c *cachedProfiles) UpdateTeachLevel(ctx context.Context, id student.StudentID, level *student.Grade) error {
	if err := c.next.UpdateTeachLevel(ctx, id, level); err != nil {
		return err
	}
	c.invalidate(ctx, id)
	return nil
}

// logFailure logs cache errors. Misses and calls refused by the open
// breaker are expected and logged at debug level.
func (c *cachedProfiles) logFailure(msg string, err error, args ...any) {
	switch {
	case err == nil:
	case errors.Is(err, ErrCacheMiss):
	case circuitbreaker.IsRejected(err):
		c.cache.logger.Debug(msg, append(args, "error", err)...)
	default:
		c.cache.logger.Warn(msg, append(args, "error", err)...)
	}
}

// Invalidation bypasses the breaker: a skipped delete would leave a stale
// profile. A failed delete leaves it cached until the TTL expires.
func (c *cachedProfiles) invalidate(ctx context.Context, id student.StudentID) {
	if err := c.cache.Invalidate(ctx, id); err != nil {
		c.cache.logger.Warn("profile cache invalidation failed", "student_id", id, "error", err)
	}
}
