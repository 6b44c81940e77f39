// Package performance описывает успеваемость студентов по главам предметов.
// Записи успеваемости - единственный источник данных для подбора пар.
package performance

import (
	"fmt"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONSTANTS
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MinScore - минимальный балл по главе.
	MinScore = 0.0

	// MaxScore - максимальный балл по главе (шкала 0-10).
	MaxScore = 10.0

	// MaxAccuracy - максимальная точность в процентах.
	MaxAccuracy = 100
)

// ══════════════════════════════════════════════════════════════════════════════
// WEAKNESS LEVEL
// ══════════════════════════════════════════════════════════════════════════════

// WeaknessLevel - классификация слабости по главе.
type WeaknessLevel string

const (
	WeaknessNone     WeaknessLevel = "none"
	WeaknessMild     WeaknessLevel = "mild"
	WeaknessModerate WeaknessLevel = "moderate"
	WeaknessSevere   WeaknessLevel = "severe"
)

// IsValid проверяет корректность уровня.
func (w WeaknessLevel) IsValid() bool {
	switch w {
	case WeaknessNone, WeaknessMild, WeaknessModerate, WeaknessSevere:
		return true
	}
	return false
}

// ClassifyWeakness определяет уровень слабости по точности ответов.
// Пороги: >= 85 - none, >= 70 - mild, >= 50 - moderate, иначе severe.
func ClassifyWeakness(accuracy int) WeaknessLevel {
	switch {
	case accuracy >= 85:
		return WeaknessNone
	case accuracy >= 70:
		return WeaknessMild
	case accuracy >= 50:
		return WeaknessModerate
	default:
		return WeaknessSevere
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// RECORD
// ══════════════════════════════════════════════════════════════════════════════

// Key идентифицирует запись: не более одной записи на (студент, предмет, глава).
type Key struct {
	StudentID student.StudentID
	Subject   string
	Chapter   string
}

// String возвращает строковое представление ключа.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%s", k.StudentID, k.Subject, k.Chapter)
}

// Record - успеваемость одного студента по одной главе предмета.
type Record struct {
	StudentID          student.StudentID `json:"student_id"`
	Subject            string            `json:"subject"`
	Chapter            string            `json:"chapter"`
	Score              float64           `json:"score"`
	Accuracy           int               `json:"accuracy_percentage"`
	QuestionsAttempted int               `json:"total_questions_attempted"`
	CorrectAnswers     int               `json:"correct_answers"`
	Weakness           WeaknessLevel     `json:"weakness_level"`
	LastAssessedAt     time.Time         `json:"last_assessed_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Key возвращает ключ уникальности записи.
func (r Record) Key() Key {
	return Key{StudentID: r.StudentID, Subject: r.Subject, Chapter: r.Chapter}
}

// Validate проверяет инварианты записи.
func (r Record) Validate() error {
	if !r.StudentID.IsValid() {
		return shared.WrapError("performance", "Validate", shared.ErrInvalidID,
			"invalid student id", fmt.Errorf("student_id=%d", r.StudentID))
	}
	if r.Subject == "" || r.Chapter == "" {
		return shared.NewDomainError("performance", "Validate", shared.ErrEmptyValue,
			"subject and chapter are required")
	}
	if r.Score < MinScore || r.Score > MaxScore {
		return shared.ErrInvalidScore
	}
	if r.Accuracy < 0 || r.Accuracy > MaxAccuracy {
		return shared.ErrInvalidAccuracy
	}
	if r.CorrectAnswers < 0 || r.QuestionsAttempted < 0 || r.CorrectAnswers > r.QuestionsAttempted {
		return shared.NewDomainError("performance", "Validate", shared.ErrValueOutOfRange,
			"correct answers must be between 0 and questions attempted")
	}
	return nil
}

// Clamp возвращает копию записи с баллом и точностью, приведёнными к допустимым диапазонам.
func (r Record) Clamp() Record {
	r.Score = ClampScore(r.Score)
	if r.Accuracy < 0 {
		r.Accuracy = 0
	}
	if r.Accuracy > MaxAccuracy {
		r.Accuracy = MaxAccuracy
	}
	return r
}

// ClampScore приводит балл к диапазону [0, 10].
func ClampScore(score float64) float64 {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ChapterRef - пара (предмет, глава), по которой есть хотя бы одна запись.
type ChapterRef struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter"`
}
