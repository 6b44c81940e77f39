package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET MATCHING STATS QUERY
// Сводка по пулу: сколько различных студентов могут быть наставниками и
// учениками, по каким предметам и главам есть данные.
// Результат кешируется (read-through), кеш сбрасывается обработчиком событий.
// ══════════════════════════════════════════════════════════════════════════════

// statsLoadConcurrency - сколько глав загружается одновременно.
const statsLoadConcurrency = 4

// GetMatchingStatsQuery содержит параметры запроса.
type GetMatchingStatsQuery struct {
	// Subject - только этот предмет (опционально).
	Subject string

	// Chapter - только эта глава. Учитывается вместе с Subject.
	Chapter string

	// SchoolID - только студенты этой школы (опционально).
	SchoolID *int64

	// SkipCache - посчитать заново и обновить кеш.
	SkipCache bool
}

func (q GetMatchingStatsQuery) filter() matching.StatsFilter {
	f := matching.StatsFilter{Subject: q.Subject, SchoolID: q.SchoolID}
	if q.Subject != "" {
		f.Chapter = q.Chapter
	}
	return f
}

// GetMatchingStatsHandler обрабатывает запрос сводки.
type GetMatchingStatsHandler struct {
	tx     matching.Transactor
	cache  matching.StatsCache
	policy matching.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewGetMatchingStatsHandler создаёт новый обработчик. cache может быть nil.
func NewGetMatchingStatsHandler(tx matching.Transactor, cache matching.StatsCache, policy matching.Policy, logger *slog.Logger) *GetMatchingStatsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Eligibility == nil {
		policy = matching.DefaultPolicy()
	}
	return &GetMatchingStatsHandler{
		tx:     tx,
		cache:  cache,
		policy: policy,
		logger: logger.With("handler", "get_matching_stats"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle выполняет запрос.
func (h *GetMatchingStatsHandler) Handle(ctx context.Context, q GetMatchingStatsQuery) (*matching.Stats, error) {
	f := q.filter()
	key := f.CacheKey()

	if h.cache != nil && !q.SkipCache {
		cached, err := h.cache.GetStats(ctx, key)
		if err != nil {
			// Кеш недоступен - считаем напрямую.
			h.logger.Warn("stats cache read failed", "key", key, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	stats, err := h.compute(ctx, f)
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		if err := h.cache.SetStats(ctx, key, stats); err != nil {
			h.logger.Warn("stats cache write failed", "key", key, "error", err)
		}
	}
	return stats, nil
}

// chapterStats - вклад одной главы в сводку.
type chapterStats struct {
	tutors   []student.StudentID
	learners []student.StudentID
	students []student.StudentID
	matches  int
}

func (h *GetMatchingStatsHandler) compute(ctx context.Context, f matching.StatsFilter) (*matching.Stats, error) {
	// ─────────────────────────────────────────────────────────────────────────
	// Список глав
	// ─────────────────────────────────────────────────────────────────────────

	var refs []performance.ChapterRef
	err := h.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		var err error
		refs, err = s.Performance().ListChapters(ctx, f.Subject)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}
	if f.Chapter != "" {
		filtered := refs[:0]
		for _, ref := range refs {
			if ref.Chapter == f.Chapter {
				filtered = append(filtered, ref)
			}
		}
		refs = filtered
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Главы загружаются параллельно, каждая в своей транзакции чтения
	// ─────────────────────────────────────────────────────────────────────────

	results := make([]chapterStats, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsLoadConcurrency)

	for i, ref := range refs {
		g.Go(func() error {
			cs, err := h.loadChapter(gctx, ref, f.SchoolID)
			if err != nil {
				return err
			}
			results[i] = cs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Сборка сводки
	// ─────────────────────────────────────────────────────────────────────────

	stats := &matching.Stats{
		Filter:      f,
		Subjects:    []string{},
		Chapters:    []performance.ChapterRef{},
		GeneratedAt: h.now(),
	}
	tutors := make(map[student.StudentID]struct{})
	learners := make(map[student.StudentID]struct{})
	students := make(map[student.StudentID]struct{})
	subjects := make(map[string]struct{})

	for i, cs := range results {
		if len(cs.students) == 0 {
			continue
		}
		stats.Chapters = append(stats.Chapters, refs[i])
		subjects[refs[i].Subject] = struct{}{}
		stats.Matches += cs.matches
		for _, id := range cs.tutors {
			tutors[id] = struct{}{}
		}
		for _, id := range cs.learners {
			learners[id] = struct{}{}
		}
		for _, id := range cs.students {
			students[id] = struct{}{}
		}
	}
	for s := range subjects {
		stats.Subjects = append(stats.Subjects, s)
	}
	sort.Strings(stats.Subjects)

	stats.PotentialTutors = len(tutors)
	stats.PotentialLearners = len(learners)
	stats.Students = len(students)
	return stats, nil
}

func (h *GetMatchingStatsHandler) loadChapter(ctx context.Context, ref performance.ChapterRef, schoolID *int64) (chapterStats, error) {
	var cs chapterStats
	scope := matching.Scope{Subject: ref.Subject, Chapter: ref.Chapter}

	err := h.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		candidates, err := matching.LoadCandidates(ctx, s, scope)
		if err != nil {
			return err
		}
		candidates = matching.PoolFilter{SchoolID: schoolID}.Apply(candidates)

		pools := matching.Partition(candidates, h.policy)
		for _, c := range pools.Tutors {
			cs.tutors = append(cs.tutors, c.StudentID)
		}
		for _, c := range pools.Learners {
			cs.learners = append(cs.learners, c.StudentID)
		}
		for _, c := range candidates {
			cs.students = append(cs.students, c.StudentID)
		}

		cs.matches, err = s.Matches().CountByScope(ctx, scope)
		return err
	})
	if err != nil {
		return chapterStats{}, fmt.Errorf("failed to load chapter %s: %w", scope, err)
	}
	return cs, nil
}
