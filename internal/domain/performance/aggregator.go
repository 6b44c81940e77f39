package performance

import (
	"sort"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GRADING OUTPUT (входной поток)
// Результаты проверки оценочных работ приходят из внешнего сервиса.
// Внутренняя логика проверки здесь не рассматривается.
// ══════════════════════════════════════════════════════════════════════════════

// ChapterResult - результат по одной главе в проверенной работе.
type ChapterResult struct {
	ScoreOutOf10   float64 `json:"chapter_score_out_of_10"`
	Accuracy       int     `json:"accuracy_percentage"`
	TotalQuestions int     `json:"total_questions"`
	Correct        int     `json:"correct"`
}

// GradingOutput - результат проверки одной оценочной работы.
type GradingOutput struct {
	// Subject - предмет работы.
	Subject string `json:"subject"`

	// AssessedAt - когда работа была проверена.
	AssessedAt time.Time `json:"assessed_at"`

	// FinalScore - итоговый балл работы по шкале 0-100 (опционально).
	FinalScore *float64 `json:"final_score_out_of_100,omitempty"`

	// Chapters - разбор по главам.
	Chapters map[string]ChapterResult `json:"chapter_analysis"`
}

// ══════════════════════════════════════════════════════════════════════════════
// AGGREGATOR
// ══════════════════════════════════════════════════════════════════════════════

// Aggregator строит записи успеваемости из результатов проверки.
type Aggregator struct {
	now func() time.Time
}

// NewAggregator создаёт агрегатор. now может быть nil.
func NewAggregator(now func() time.Time) *Aggregator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Aggregator{now: now}
}

// Derive строит не более одной записи на (предмет, глава).
// Если глава встречается в нескольких работах, побеждает лучший балл,
// при равенстве - более поздняя проверка. Уровень слабости всегда
// пересчитывается по точности. Результат отсортирован по предмету и главе.
func (a *Aggregator) Derive(studentID student.StudentID, outputs []GradingOutput) []Record {
	type best struct {
		result     ChapterResult
		assessedAt time.Time
	}

	byKey := make(map[ChapterRef]best)
	for _, out := range outputs {
		if out.Subject == "" {
			continue
		}
		for chapter, res := range out.Chapters {
			if chapter == "" {
				continue
			}
			ref := ChapterRef{Subject: out.Subject, Chapter: chapter}
			cur, ok := byKey[ref]
			if !ok ||
				res.ScoreOutOf10 > cur.result.ScoreOutOf10 ||
				(res.ScoreOutOf10 == cur.result.ScoreOutOf10 && out.AssessedAt.After(cur.assessedAt)) {
				byKey[ref] = best{result: res, assessedAt: out.AssessedAt}
			}
		}
	}

	now := a.now()
	records := make([]Record, 0, len(byKey))
	for ref, b := range byKey {
		rec := Record{
			StudentID:          studentID,
			Subject:            ref.Subject,
			Chapter:            ref.Chapter,
			Score:              b.result.ScoreOutOf10,
			Accuracy:           b.result.Accuracy,
			QuestionsAttempted: b.result.TotalQuestions,
			CorrectAnswers:     b.result.Correct,
			LastAssessedAt:     b.assessedAt,
			UpdatedAt:          now,
		}
		if rec.LastAssessedAt.IsZero() {
			rec.LastAssessedAt = now
		}
		rec = rec.Clamp()
		rec.Weakness = ClassifyWeakness(rec.Accuracy)
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Subject != records[j].Subject {
			return records[i].Subject < records[j].Subject
		}
		return records[i].Chapter < records[j].Chapter
	})

	return records
}

// LatestFinalScore возвращает итоговый балл самой поздней работы, где он указан.
func LatestFinalScore(outputs []GradingOutput) (float64, bool) {
	var (
		score  float64
		latest time.Time
		found  bool
	)
	for _, out := range outputs {
		if out.FinalScore == nil {
			continue
		}
		if !found || out.AssessedAt.After(latest) {
			score = *out.FinalScore
			latest = out.AssessedAt
			found = true
		}
	}
	return score, found
}

// FitToTeachLevel вычисляет уровень допуска к обучению по итоговому баллу (0-100):
//
//	>= 85 - класс-2, >= 70 - класс-3, >= 50 - класс-4, иначе допуска нет.
//
// Неизвестный класс считается DefaultGrade. Уровень не опускается ниже 1.
func FitToTeachLevel(finalScore float64, grade student.Grade) *student.Grade {
	g := grade.OrDefault()

	var level student.Grade
	switch {
	case finalScore >= 85:
		level = g - 2
	case finalScore >= 70:
		level = g - 3
	case finalScore >= 50:
		level = g - 4
	default:
		return nil
	}

	if level < student.MinGrade {
		level = student.MinGrade
	}
	return &level
}

// Subjects возвращает отсортированный список предметов без повторов.
func Subjects(records []Record) []string {
	seen := make(map[string]struct{})
	for _, r := range records {
		seen[r.Subject] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for s := range seen {
		result = append(result, s)
	}
	sort.Strings(result)
	return result
}
