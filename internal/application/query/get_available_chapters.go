package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET AVAILABLE CHAPTERS QUERY
// Список глав, по которым есть записи успеваемости, сгруппированный по предметам.
// ══════════════════════════════════════════════════════════════════════════════

// GetAvailableChaptersQuery содержит параметры запроса.
type GetAvailableChaptersQuery struct {
	// Subject - только этот предмет. Пустое значение - все предметы.
	Subject string
}

// ChapterDTO - глава с числом студентов.
type ChapterDTO struct {
	Chapter  string `json:"chapter"`
	Students int    `json:"student_count"`
}

// SubjectChaptersDTO - главы одного предмета.
type SubjectChaptersDTO struct {
	Subject  string       `json:"subject"`
	Chapters []ChapterDTO `json:"chapters"`

	// Students - число различных студентов по предмету.
	Students int `json:"student_count"`
}

// GetAvailableChaptersResult - результат запроса.
type GetAvailableChaptersResult struct {
	Subjects []SubjectChaptersDTO `json:"subjects"`
}

// GetAvailableChaptersHandler обрабатывает запрос доступных глав.
type GetAvailableChaptersHandler struct {
	tx matching.Transactor
}

// NewGetAvailableChaptersHandler создаёт новый обработчик.
func NewGetAvailableChaptersHandler(tx matching.Transactor) *GetAvailableChaptersHandler {
	return &GetAvailableChaptersHandler{tx: tx}
}

// Handle выполняет запрос.
func (h *GetAvailableChaptersHandler) Handle(ctx context.Context, q GetAvailableChaptersQuery) (*GetAvailableChaptersResult, error) {
	result := &GetAvailableChaptersResult{Subjects: []SubjectChaptersDTO{}}

	err := h.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		refs, err := s.Performance().ListChapters(ctx, q.Subject)
		if err != nil {
			return fmt.Errorf("failed to list chapters: %w", err)
		}

		// ─────────────────────────────────────────────────────────────────────
		// Группировка по предметам (ListChapters уже отсортирован)
		// ─────────────────────────────────────────────────────────────────────

		index := make(map[string]int)
		for _, ref := range refs {
			i, ok := index[ref.Subject]
			if !ok {
				records, err := s.Performance().ListBySubject(ctx, ref.Subject)
				if err != nil {
					return fmt.Errorf("failed to load subject %s: %w", ref.Subject, err)
				}
				ids := make([]student.StudentID, 0, len(records))
				for _, r := range records {
					ids = append(ids, r.StudentID)
				}
				result.Subjects = append(result.Subjects, SubjectChaptersDTO{
					Subject:  ref.Subject,
					Chapters: []ChapterDTO{},
					Students: len(student.UniqueIDs(ids)),
				})
				i = len(result.Subjects) - 1
				index[ref.Subject] = i
			}

			n, err := s.Performance().CountByChapter(ctx, ref.Subject, ref.Chapter)
			if err != nil {
				return fmt.Errorf("failed to count chapter %s/%s: %w", ref.Subject, ref.Chapter, err)
			}
			result.Subjects[i].Chapters = append(result.Subjects[i].Chapters, ChapterDTO{
				Chapter:  ref.Chapter,
				Students: n,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(result.Subjects, func(i, j int) bool {
		return result.Subjects[i].Subject < result.Subjects[j].Subject
	})
	return result, nil
}
