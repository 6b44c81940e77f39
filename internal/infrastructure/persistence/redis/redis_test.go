package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
	"github.com/alem-hub/peer-tutoring/pkg/circuitbreaker"
)

func TestConfigOptions(t *testing.T) {
	cfg := DefaultConfig()
	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 10, opts.PoolSize)

	cfg.URL = "redis://:secret@cache.internal:6380/2"
	opts, err = cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)

	cfg.URL = "http://nope"
	_, err = cfg.Options()
	assert.Error(t, err)
}

func TestCacheKey(t *testing.T) {
	c := NewCacheWithClient(nil, "pt:")
	assert.Equal(t, "pt:stats:math:*:*", c.Key(PrefixStats, "math:*:*"))
	assert.Equal(t, "pt:profile:42", c.Key(PrefixProfile, student.StudentID(42).String()))
}

func TestProfileCacheSkipsUnreachableRedis(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	backing := &countingProfiles{profiles: map[student.StudentID]student.Profile{
		1: {ID: 1, Grade: 9},
	}}
	pc := NewProfileCache(NewCacheWithClient(client, "pt:"), time.Minute, nil)
	repo := pc.Wrap(backing)
	ctx := context.Background()

	for range 3 {
		p, err := repo.GetProfile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, student.Grade(9), p.Grade)
	}
	assert.Equal(t, 3, backing.reads)
	assert.Equal(t, circuitbreaker.StateOpen, pc.Breaker().State())

	got, err := repo.GetProfiles(ctx, []student.StudentID{1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// ══════════════════════════════════════════════════════════════════════════════
// INTEGRATION (needs a Redis server)
// ══════════════════════════════════════════════════════════════════════════════

func integrationCache(t *testing.T) *Cache {
	t.Helper()
	if os.Getenv("REDIS_INTEGRATION") != "1" {
		t.Skip("set REDIS_INTEGRATION=1 to run Redis integration tests")
	}

	cfg := DefaultConfig()
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.URL = url
	}
	cfg.KeyPrefix = "pt_it_" + uuid.NewString() + ":"

	c, err := NewCache(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.DeleteByPattern(context.Background(), cfg.KeyPrefix+"*")
		_ = c.Close()
	})
	return c
}

func TestStatsCacheIntegration(t *testing.T) {
	c := integrationCache(t)
	ctx := context.Background()
	sc := NewStatsCache(c, time.Minute)

	got, err := sc.GetStats(ctx, "math:*:*")
	require.NoError(t, err)
	assert.Nil(t, got)

	stats := &matching.Stats{
		Filter:          matching.StatsFilter{Subject: "math"},
		PotentialTutors: 3,
		Subjects:        []string{"math"},
		GeneratedAt:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, sc.SetStats(ctx, "math:*:*", stats))
	require.NoError(t, sc.SetStats(ctx, "*:*:*", stats))

	got, err = sc.GetStats(ctx, "math:*:*")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 3, got.PotentialTutors)
	assert.True(t, stats.GeneratedAt.Equal(got.GeneratedAt))

	require.NoError(t, sc.InvalidateStats(ctx))
	for _, key := range []string{"math:*:*", "*:*:*"} {
		got, err = sc.GetStats(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got, key)
	}
}

func TestRunLockIntegration(t *testing.T) {
	c := integrationCache(t)
	ctx := context.Background()
	lock := NewRunLock(c, 5*time.Second)

	release, err := lock.Acquire(ctx, "matching:math/fractions")
	require.NoError(t, err)

	_, err = lock.Acquire(ctx, "matching:math/fractions")
	assert.ErrorIs(t, err, matching.ErrRunInProgress)

	other, err := lock.Acquire(ctx, "matching:math/algebra")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.ErrorIs(t, release(ctx), ErrLockLost)

	again, err := lock.Acquire(ctx, "matching:math/fractions")
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

type countingProfiles struct {
	profiles map[student.StudentID]student.Profile
	reads    int
}

func (r *countingProfiles) GetProfile(_ context.Context, id student.StudentID) (*student.Profile, error) {
	r.reads++
	p, ok := r.profiles[id]
	if !ok {
		return nil, assert.AnError
	}
	return &p, nil
}

func (r *countingProfiles) GetProfiles(_ context.Context, ids []student.StudentID) (map[student.StudentID]student.Profile, error) {
	r.reads++
	out := make(map[student.StudentID]student.Profile)
	for _, id := range ids {
		if p, ok := r.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r *countingProfiles) SaveProfile(_ context.Context, p student.Profile) error {
	r.profiles[p.ID] = p
	return nil
}

func (r *countingProfiles) UpdateTeachLevel(_ context.Context, id student.StudentID, level *student.Grade) error {
	p := r.profiles[id]
	p.TeachLevel = level
	r.profiles[id] = p
	return nil
}

func TestProfileCacheIntegration(t *testing.T) {
	c := integrationCache(t)
	ctx := context.Background()

	backing := &countingProfiles{profiles: map[student.StudentID]student.Profile{
		1: {ID: 1, Grade: 9, Locality: "Almaty"},
		2: {ID: 2, Grade: 10},
	}}
	repo := NewProfileCache(c, time.Minute, nil).Wrap(backing)

	got, err := repo.GetProfiles(ctx, []student.StudentID{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, backing.reads)

	got, err = repo.GetProfiles(ctx, []student.StudentID{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "Almaty", got[1].Locality)
	assert.Equal(t, 1, backing.reads)

	level := student.Grade(7)
	require.NoError(t, repo.UpdateTeachLevel(ctx, 1, &level))

	p, err := repo.GetProfile(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, p.TeachLevel)
	assert.Equal(t, level, *p.TeachLevel)
	assert.Equal(t, 2, backing.reads)
}
