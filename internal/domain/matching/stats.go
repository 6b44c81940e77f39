package matching

import (
	"context"
	"fmt"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATS
// Сводка по пулу подбора. Считается по записям успеваемости и кешируется.
// ══════════════════════════════════════════════════════════════════════════════

// StatsFilter - параметры сводки. Пустые поля означают "все".
type StatsFilter struct {
	Subject  string `json:"subject,omitempty"`
	Chapter  string `json:"chapter,omitempty"`
	SchoolID *int64 `json:"school_id,omitempty"`
}

// CacheKey возвращает ключ сводки в кеше.
func (f StatsFilter) CacheKey() string {
	school := "*"
	if f.SchoolID != nil {
		school = fmt.Sprintf("%d", *f.SchoolID)
	}
	subject, chapter := f.Subject, f.Chapter
	if subject == "" {
		subject = "*"
	}
	if chapter == "" {
		chapter = "*"
	}
	return subject + ":" + chapter + ":" + school
}

// Stats - сводка по потенциальным наставникам и ученикам.
type Stats struct {
	Filter StatsFilter `json:"filter"`

	// PotentialTutors - число различных студентов, подходящих в наставники
	// хотя бы по одной главе.
	PotentialTutors int `json:"potential_tutors"`

	// PotentialLearners - число различных студентов, подходящих в ученики.
	PotentialLearners int `json:"potential_learners"`

	// Students - число различных студентов с записями.
	Students int `json:"students"`

	// Matches - число сохранённых пар в выбранных главах.
	Matches int `json:"matches"`

	Subjects []string                 `json:"subjects"`
	Chapters []performance.ChapterRef `json:"chapters"`

	GeneratedAt time.Time `json:"generated_at"`
}

// StatsCache хранит готовые сводки.
type StatsCache interface {
	// GetStats возвращает сводку или nil, если её нет в кеше.
	GetStats(ctx context.Context, key string) (*Stats, error)

	// SetStats сохраняет сводку.
	SetStats(ctx context.Context, key string, stats *Stats) error

	// InvalidateStats удаляет все сводки.
	InvalidateStats(ctx context.Context) error
}
