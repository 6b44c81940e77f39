package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/memory"
)

func rec(id student.StudentID, subject, chapter string, score float64) performance.Record {
	return performance.Record{StudentID: id, Subject: subject, Chapter: chapter, Score: score, Accuracy: int(score * 10)}
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()

	require.NoError(t, s.Performance().Upsert(ctx,
		rec(1, "math", "fractions", 9.0),
		rec(2, "math", "fractions", 8.0),
		rec(3, "math", "fractions", 3.0),
		rec(4, "math", "fractions", 6.0),
		rec(5, "math", "fractions", 2.0),
		rec(1, "math", "algebra", 9.0),
		rec(6, "math", "algebra", 8.5),
		rec(7, "physics", "optics", 9.5),
	))

	school := int64(1)
	for _, p := range []student.Profile{
		{ID: 1, Grade: 10, Locality: "Almaty", SchoolID: &school},
		{ID: 2, Grade: 10, Locality: "Astana"},
		{ID: 3, Grade: 9, Locality: "almaty", SchoolID: &school},
		{ID: 4, Grade: 9},
		{ID: 5, Grade: 8},
	} {
		require.NoError(t, s.Profiles().SaveProfile(ctx, p))
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// GetStudentMatches
// ─────────────────────────────────────────────────────────────────────────────

func TestGetStudentMatches(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newMatch := func(tutor, learner student.StudentID, chapter string, at time.Time) *matching.Match {
		m, err := matching.NewMatch(matching.NewMatchParams{
			TutorID: tutor, LearnerID: learner, Subject: "math", Chapter: chapter,
			Compatibility: 50, MatchedAt: at,
		})
		require.NoError(t, err)
		return m
	}
	older := newMatch(1, 3, "fractions", base)
	newer := newMatch(1, 5, "fractions", base.Add(time.Hour))
	learning := newMatch(6, 1, "algebra", base.Add(2*time.Hour))
	mustSave(t, store, []*matching.Match{older, newer, learning}...)

	h := NewGetStudentMatchesHandler(store)

	res, err := h.Handle(ctx, GetStudentMatchesQuery{StudentID: 1})
	require.NoError(t, err)
	require.Len(t, res.AsTutor, 2)
	assert.Equal(t, newer.ID, res.AsTutor[0].ID)
	assert.Equal(t, older.ID, res.AsTutor[1].ID)
	require.Len(t, res.AsLearner, 1)
	assert.Equal(t, learning.ID, res.AsLearner[0].ID)
	assert.Equal(t, 3, res.Total())

	res, err = h.Handle(ctx, GetStudentMatchesQuery{StudentID: 1, Role: matching.RoleLearner})
	require.NoError(t, err)
	assert.Empty(t, res.AsTutor)
	assert.Len(t, res.AsLearner, 1)

	_, err = h.Handle(ctx, GetStudentMatchesQuery{StudentID: 1, Role: "mentor"})
	assert.True(t, shared.IsValidation(err))

	res, err = h.Handle(ctx, GetStudentMatchesQuery{StudentID: 42})
	require.NoError(t, err)
	assert.Zero(t, res.Total())
}

func TestGetStudentMatches_StatusFilter(t *testing.T) {
	ctx := context.Background()
	store := seed(t)

	m, err := matching.NewMatch(matching.NewMatchParams{TutorID: 2, LearnerID: 3, Subject: "math", Chapter: "fractions", Compatibility: 70})
	require.NoError(t, err)
	mustSave(t, store, []*matching.Match{m}...)

	h := NewGetStudentMatchesHandler(store)
	res, err := h.Handle(ctx, GetStudentMatchesQuery{StudentID: 3, Status: matching.MatchStatusAccepted})
	require.NoError(t, err)
	assert.Zero(t, res.Total())

	res, err = h.Handle(ctx, GetStudentMatchesQuery{StudentID: 3, Status: matching.MatchStatusPending})
	require.NoError(t, err)
	assert.Len(t, res.AsLearner, 1)
}

// ─────────────────────────────────────────────────────────────────────────────
// GetMatchingStats
// ─────────────────────────────────────────────────────────────────────────────

type mapStatsCache struct {
	mu    sync.Mutex
	items map[string]*matching.Stats
	sets  int
}

func newMapStatsCache() *mapStatsCache {
	return &mapStatsCache{items: make(map[string]*matching.Stats)}
}

func (c *mapStatsCache) GetStats(_ context.Context, key string) (*matching.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items[key], nil
}

func (c *mapStatsCache) SetStats(_ context.Context, key string, stats *matching.Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = stats
	c.sets++
	return nil
}

func (c *mapStatsCache) InvalidateStats(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*matching.Stats)
	return nil
}

func TestGetMatchingStats(t *testing.T) {
	h := NewGetMatchingStatsHandler(seed(t), nil, matching.DefaultPolicy(), nil)
	ctx := context.Background()

	all, err := h.Handle(ctx, GetMatchingStatsQuery{})
	require.NoError(t, err)
	// Tutors: 1, 2, 6, 7. Learners: 3, 5.
	assert.Equal(t, 4, all.PotentialTutors)
	assert.Equal(t, 2, all.PotentialLearners)
	assert.Equal(t, 7, all.Students)
	assert.Equal(t, []string{"math", "physics"}, all.Subjects)
	assert.Equal(t, []performance.ChapterRef{
		{Subject: "math", Chapter: "algebra"},
		{Subject: "math", Chapter: "fractions"},
		{Subject: "physics", Chapter: "optics"},
	}, all.Chapters)

	chapter, err := h.Handle(ctx, GetMatchingStatsQuery{Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)
	assert.Equal(t, 2, chapter.PotentialTutors)
	assert.Equal(t, 2, chapter.PotentialLearners)
	assert.Equal(t, 5, chapter.Students)
	assert.Equal(t, []string{"math"}, chapter.Subjects)

	school := int64(1)
	bySchool, err := h.Handle(ctx, GetMatchingStatsQuery{SchoolID: &school})
	require.NoError(t, err)
	assert.Equal(t, 1, bySchool.PotentialTutors)
	assert.Equal(t, 1, bySchool.PotentialLearners)
	assert.Equal(t, 2, bySchool.Students)
	assert.Equal(t, []string{"math"}, bySchool.Subjects)
	assert.Len(t, bySchool.Chapters, 2)
}

func TestGetMatchingStats_CountsMatches(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	m, err := matching.NewMatch(matching.NewMatchParams{TutorID: 1, LearnerID: 3, Subject: "math", Chapter: "fractions", Compatibility: 78})
	require.NoError(t, err)
	mustSave(t, store, []*matching.Match{m}...)

	h := NewGetMatchingStatsHandler(store, nil, matching.Policy{}, nil)
	stats, err := h.Handle(ctx, GetMatchingStatsQuery{Subject: "math"})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Matches)
}

func TestGetMatchingStats_ReadThroughCache(t *testing.T) {
	ctx := context.Background()
	store := seed(t)
	cache := newMapStatsCache()
	h := NewGetMatchingStatsHandler(store, cache, matching.DefaultPolicy(), nil)

	first, err := h.Handle(ctx, GetMatchingStatsQuery{Subject: "math"})
	require.NoError(t, err)
	assert.Equal(t, 1, cache.sets)

	// New data is invisible until the cache is dropped.
	require.NoError(t, store.Performance().Upsert(ctx, rec(8, "math", "fractions", 1.0)))
	second, err := h.Handle(ctx, GetMatchingStatsQuery{Subject: "math"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, cache.sets)

	require.NoError(t, cache.InvalidateStats(ctx))
	third, err := h.Handle(ctx, GetMatchingStatsQuery{Subject: "math"})
	require.NoError(t, err)
	assert.Equal(t, first.PotentialLearners+1, third.PotentialLearners)

	fresh, err := h.Handle(ctx, GetMatchingStatsQuery{Subject: "math", SkipCache: true})
	require.NoError(t, err)
	assert.NotSame(t, third, fresh)
	assert.Equal(t, 3, cache.sets)
}

func TestStatsFilter_CacheKey(t *testing.T) {
	school := int64(7)
	assert.Equal(t, "*:*:*", matching.StatsFilter{}.CacheKey())
	assert.Equal(t, "math:fractions:7", matching.StatsFilter{Subject: "math", Chapter: "fractions", SchoolID: &school}.CacheKey())

	// A chapter without a subject is ignored.
	assert.Equal(t, "*:*:*", GetMatchingStatsQuery{Chapter: "fractions"}.filter().CacheKey())
}

// ─────────────────────────────────────────────────────────────────────────────
// GetAvailableChapters
// ─────────────────────────────────────────────────────────────────────────────

func TestGetAvailableChapters(t *testing.T) {
	h := NewGetAvailableChaptersHandler(seed(t))
	ctx := context.Background()

	res, err := h.Handle(ctx, GetAvailableChaptersQuery{})
	require.NoError(t, err)
	require.Len(t, res.Subjects, 2)

	math := res.Subjects[0]
	assert.Equal(t, "math", math.Subject)
	assert.Equal(t, 6, math.Students)
	assert.Equal(t, []ChapterDTO{{Chapter: "algebra", Students: 2}, {Chapter: "fractions", Students: 5}}, math.Chapters)

	physics := res.Subjects[1]
	assert.Equal(t, "physics", physics.Subject)
	assert.Equal(t, 1, physics.Students)

	only, err := h.Handle(ctx, GetAvailableChaptersQuery{Subject: "physics"})
	require.NoError(t, err)
	require.Len(t, only.Subjects, 1)
	assert.Equal(t, "optics", only.Subjects[0].Chapters[0].Chapter)

	none, err := h.Handle(ctx, GetAvailableChaptersQuery{Subject: "history"})
	require.NoError(t, err)
	assert.Empty(t, none.Subjects)
}

// ─────────────────────────────────────────────────────────────────────────────
// GetPotentialPartners
// ─────────────────────────────────────────────────────────────────────────────

func partnerIDs(ps []PartnerDTO) []student.StudentID {
	ids := make([]student.StudentID, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.StudentID)
	}
	return ids
}

func TestGetPotentialPartners(t *testing.T) {
	h := NewGetPotentialPartnersHandler(seed(t), matching.DefaultPolicy(), 0)
	ctx := context.Background()

	tutors, err := h.Handle(ctx, GetPotentialPartnersQuery{
		StudentID: 3, Subject: "math", Chapter: "fractions", Role: matching.RoleLearner,
	})
	require.NoError(t, err)
	assert.Equal(t, []student.StudentID{1, 2}, partnerIDs(tutors.Partners))
	// 68 plus the locality bonus.
	assert.InDelta(t, 78.0, tutors.Partners[0].Compatibility, 1e-9)
	assert.InDelta(t, 70.5, tutors.Partners[1].Compatibility, 1e-9)
	assert.InDelta(t, 3.0, tutors.Score, 1e-9)

	learners, err := h.Handle(ctx, GetPotentialPartnersQuery{
		StudentID: 1, Subject: "math", Chapter: "fractions", Role: matching.RoleTutor,
	})
	require.NoError(t, err)
	assert.Equal(t, []student.StudentID{3, 5}, partnerIDs(learners.Partners))
	assert.InDelta(t, 64.5, learners.Partners[1].Compatibility, 1e-9)

	limited, err := h.Handle(ctx, GetPotentialPartnersQuery{
		StudentID: 1, Subject: "math", Chapter: "fractions", Role: matching.RoleTutor, Limit: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, []student.StudentID{3}, partnerIDs(limited.Partners))
}

func TestGetPotentialPartners_Empty(t *testing.T) {
	h := NewGetPotentialPartnersHandler(seed(t), matching.Policy{}, 5)
	ctx := context.Background()

	tests := []struct {
		name  string
		query GetPotentialPartnersQuery
	}{
		{"middle band cannot tutor", GetPotentialPartnersQuery{StudentID: 4, Subject: "math", Chapter: "fractions", Role: matching.RoleTutor}},
		{"tutor does not need help", GetPotentialPartnersQuery{StudentID: 1, Subject: "math", Chapter: "fractions", Role: matching.RoleLearner}},
		{"no record", GetPotentialPartnersQuery{StudentID: 99, Subject: "math", Chapter: "fractions", Role: matching.RoleLearner}},
		{"unknown chapter", GetPotentialPartnersQuery{StudentID: 1, Subject: "math", Chapter: "calculus", Role: matching.RoleTutor}},
		{"no learners in chapter", GetPotentialPartnersQuery{StudentID: 6, Subject: "math", Chapter: "algebra", Role: matching.RoleTutor}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.Handle(ctx, tt.query)
			require.NoError(t, err)
			assert.NotNil(t, res.Partners)
			assert.Empty(t, res.Partners)
		})
	}
}

func TestGetPotentialPartners_Validation(t *testing.T) {
	h := NewGetPotentialPartnersHandler(seed(t), matching.DefaultPolicy(), 0)

	_, err := h.Handle(context.Background(), GetPotentialPartnersQuery{StudentID: 1, Subject: "math", Chapter: "fractions"})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(context.Background(), GetPotentialPartnersQuery{StudentID: 1, Subject: "math", Role: matching.RoleTutor})
	assert.True(t, shared.IsValidation(err))
}

func TestGetHelpBoard(t *testing.T) {
	store := seed(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	score := 3.0

	mine, err := help.NewRequest(help.NewRequestParams{StudentID: 3, Subject: "math", Chapter: "fractions", Score: &score, CreatedAt: at})
	require.NoError(t, err)
	theirs, err := help.NewRequest(help.NewRequestParams{StudentID: 5, Subject: "math", Chapter: "fractions", CreatedAt: at.Add(time.Hour)})
	require.NoError(t, err)
	physics, err := help.NewRequest(help.NewRequestParams{StudentID: 5, Subject: "physics", Chapter: "optics", CreatedAt: at})
	require.NoError(t, err)
	for _, r := range []*help.Request{mine, theirs, physics} {
		require.NoError(t, store.Help().CreateRequest(ctx, r))
	}

	nine := 9.0
	active, err := help.NewOffer(help.NewOfferParams{TutorID: 1, Subject: "math", Chapter: "fractions", Score: &nine})
	require.NoError(t, err)
	retired, err := help.NewOffer(help.NewOfferParams{TutorID: 2, Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)
	retired.Active = false
	require.NoError(t, store.Help().CreateOffer(ctx, active))
	require.NoError(t, store.Help().CreateOffer(ctx, retired))

	h := NewGetHelpBoardHandler(store)

	board, err := h.Handle(ctx, GetHelpBoardQuery{Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)
	require.Len(t, board.Requests, 2)
	assert.Equal(t, theirs.ID, board.Requests[0].ID)
	require.Len(t, board.Offers, 1)
	assert.Equal(t, active.ID, board.Offers[0].ID)

	board, err = h.Handle(ctx, GetHelpBoardQuery{StudentID: 3, IncludeInactive: true})
	require.NoError(t, err)
	require.Len(t, board.Requests, 1)
	assert.Equal(t, mine.ID, board.Requests[0].ID)
	assert.Len(t, board.Offers, 2)

	board, err = h.Handle(ctx, GetHelpBoardQuery{Status: help.RequestStatusInProgress})
	require.NoError(t, err)
	assert.Empty(t, board.Requests)

	_, err = h.Handle(ctx, GetHelpBoardQuery{Status: "lost"})
	assert.True(t, shared.IsValidation(err))
}

func mustSave(t *testing.T, store *memory.Store, matches ...*matching.Match) {
	t.Helper()
	saved, err := store.Matches().SaveAll(context.Background(), matches)
	require.NoError(t, err)
	require.Len(t, saved, len(matches))
}
