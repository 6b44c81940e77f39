package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/application/orchestrator"
	"github.com/alem-hub/peer-tutoring/internal/application/query"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/memory"
)

func rec(id student.StudentID, subject, chapter string, score float64) performance.Record {
	return performance.Record{StudentID: id, Subject: subject, Chapter: chapter, Score: score, Accuracy: int(score * 10)}
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.NewStore()
	require.NoError(t, s.Performance().Upsert(context.Background(),
		rec(1, "math", "fractions", 9.0),
		rec(2, "math", "fractions", 3.0),
		rec(3, "physics", "optics", 9.5),
		rec(4, "physics", "optics", 2.0),
		rec(5, "chemistry", "acids", 8.0),
	))
	return s
}

type fakeMatcher struct {
	mu       sync.Mutex
	subjects []string
	results  map[string]*orchestrator.BatchResult
	errs     map[string]error
}

func (f *fakeMatcher) MatchAllChapters(_ context.Context, req orchestrator.BatchRequest) (*orchestrator.BatchResult, error) {
	f.mu.Lock()
	f.subjects = append(f.subjects, req.Subject)
	f.mu.Unlock()
	if res, ok := f.results[req.Subject]; ok {
		return res, f.errs[req.Subject]
	}
	return &orchestrator.BatchResult{}, f.errs[req.Subject]
}

func TestRematchJob_WithOrchestrator(t *testing.T) {
	store := seed(t)
	o := orchestrator.New(store, nil, nil, orchestrator.Config{})
	job := NewRematchJob(store, o, nil, DefaultRematchConfig())

	require.NoError(t, job.Run(context.Background()))

	stats := job.LastRunStats()
	require.NotNil(t, stats)
	assert.Equal(t, 3, stats.Subjects)
	assert.Equal(t, 3, stats.Chapters)
	assert.Equal(t, 2, stats.Created)
	assert.Zero(t, stats.Failed)

	// A second run finds the same pairs already stored.
	require.NoError(t, job.Run(context.Background()))
	stats = job.LastRunStats()
	assert.Zero(t, stats.Created)
	assert.Equal(t, 2, stats.Existing)

	total, failed := job.Runs()
	assert.Equal(t, int64(2), total)
	assert.Zero(t, failed)
	assert.Equal(t, 2, job.LastRunSummary()["existing"])
}

func TestRematchJob_ConfiguredSubjects(t *testing.T) {
	m := &fakeMatcher{}
	cfg := DefaultRematchConfig()
	cfg.Subjects = []string{"math", "physics"}
	job := NewRematchJob(seed(t), m, nil, cfg)

	require.NoError(t, job.Run(context.Background()))
	sort.Strings(m.subjects)
	assert.Equal(t, []string{"math", "physics"}, m.subjects)
}

func TestRematchJob_Include(t *testing.T) {
	m := &fakeMatcher{}
	cfg := DefaultRematchConfig()
	cfg.Include = func(subject string) bool { return subject != "physics" }
	job := NewRematchJob(seed(t), m, nil, cfg)

	require.NoError(t, job.Run(context.Background()))
	sort.Strings(m.subjects)
	assert.Equal(t, []string{"chemistry", "math"}, m.subjects)
	assert.Equal(t, 2, job.LastRunStats().Subjects)
}

func TestRematchJob_AllChaptersFailed(t *testing.T) {
	m := &fakeMatcher{results: map[string]*orchestrator.BatchResult{
		"math": {Failed: []orchestrator.ChapterFailure{{Err: errors.New("db down")}}},
	}}
	cfg := DefaultRematchConfig()
	cfg.Subjects = []string{"math"}
	job := NewRematchJob(seed(t), m, nil, cfg)

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, ErrAllChaptersFailed)
	_, failed := job.Runs()
	assert.Equal(t, int64(1), failed)
}

func TestRematchJob_PartialFailureSucceeds(t *testing.T) {
	m := &fakeMatcher{results: map[string]*orchestrator.BatchResult{
		"math": {Chapters: 1, Created: 2, Failed: []orchestrator.ChapterFailure{{Err: errors.New("db down")}}},
	}}
	cfg := DefaultRematchConfig()
	cfg.Subjects = []string{"math"}
	job := NewRematchJob(seed(t), m, nil, cfg)

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, job.LastRunStats().Failed)
}

func TestRematchJob_Cancelled(t *testing.T) {
	m := &fakeMatcher{errs: map[string]error{"math": context.Canceled}}
	cfg := DefaultRematchConfig()
	cfg.Subjects = []string{"math"}
	job := NewRematchJob(seed(t), m, nil, cfg)

	assert.ErrorIs(t, job.Run(context.Background()), context.Canceled)
}

type fakeStats struct {
	mu      sync.Mutex
	queries []query.GetMatchingStatsQuery
	failOn  string
}

func (f *fakeStats) Handle(_ context.Context, q query.GetMatchingStatsQuery) (*matching.Stats, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if q.Subject != "" && q.Subject == f.failOn {
		return nil, errors.New("boom")
	}
	return &matching.Stats{Subjects: []string{"math", "physics"}, Students: 4}, nil
}

func TestStatsRefreshJob(t *testing.T) {
	stats := &fakeStats{failOn: "physics"}
	job := NewStatsRefreshJob(stats, nil, time.Minute)

	require.NoError(t, job.Run(context.Background()))

	require.Len(t, stats.queries, 3)
	for _, q := range stats.queries {
		assert.True(t, q.SkipCache)
	}
	assert.Equal(t, "", stats.queries[0].Subject)
	assert.Equal(t, "math", stats.queries[1].Subject)
	assert.Equal(t, int64(2), job.LastRunSummary()["summaries"])
}

func TestStatsRefreshJob_WithQueryHandler(t *testing.T) {
	store := seed(t)
	cache := &mapCache{data: map[string]*matching.Stats{}}
	h := query.NewGetMatchingStatsHandler(store, cache, matching.DefaultPolicy(), nil)

	require.NoError(t, NewStatsRefreshJob(h, nil, 0).Run(context.Background()))

	assert.Contains(t, cache.data, matching.StatsFilter{}.CacheKey())
	assert.Contains(t, cache.data, matching.StatsFilter{Subject: "physics"}.CacheKey())
	assert.Equal(t, 5, cache.data[matching.StatsFilter{}.CacheKey()].Students)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]*matching.Stats
}

func (c *mapCache) GetStats(_ context.Context, key string) (*matching.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) SetStats(_ context.Context, key string, s *matching.Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = s
	return nil
}

func (c *mapCache) InvalidateStats(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = map[string]*matching.Stats{}
	return nil
}
