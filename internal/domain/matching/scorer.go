package matching

import (
	"math"

	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// WEIGHTS
// ══════════════════════════════════════════════════════════════════════════════

// Weights - коэффициенты формулы совместимости.
type Weights struct {
	// GapFactor - множитель компонента разрыва в баллах.
	GapFactor float64 `json:"gap_factor"`

	// ExpertiseMax - максимальный вклад уровня наставника.
	ExpertiseMax float64 `json:"expertise_max"`

	// NeedMax - максимальный вклад потребности ученика.
	NeedMax float64 `json:"need_max"`

	// LocalityBonus - бонус за совпадение населённого пункта (подбор по главе).
	LocalityBonus float64 `json:"locality_bonus"`

	// OverlapPerChapter - бонус за каждую общую главу (подбор по предмету).
	OverlapPerChapter float64 `json:"overlap_per_chapter"`

	// OverlapBonusCap - потолок бонуса за общие главы.
	OverlapBonusCap float64 `json:"overlap_bonus_cap"`
}

// DefaultWeights возвращает веса по умолчанию.
func DefaultWeights() Weights {
	return Weights{
		GapFactor:         0.5,
		ExpertiseMax:      25,
		NeedMax:           15,
		LocalityBonus:     10,
		OverlapPerChapter: 2,
		OverlapBonusCap:   10,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCORER
// ══════════════════════════════════════════════════════════════════════════════

const (
	// MinCompatibility - нижняя граница оценки совместимости.
	MinCompatibility = 0.0

	// MaxCompatibility - верхняя граница оценки совместимости.
	MaxCompatibility = 100.0
)

// BonusMode определяет, какой бонус начисляется. Бонусы взаимоисключающие.
type BonusMode int

const (
	// BonusLocality - +LocalityBonus при совпадении населённого пункта.
	BonusLocality BonusMode = iota

	// BonusOverlap - бонус за количество общих глав.
	BonusOverlap
)

// ScoreContext - дополнительные данные для оценки пары.
type ScoreContext struct {
	TutorGrade      student.Grade
	LearnerGrade    student.Grade
	SameLocality    bool
	OverlapChapters int
	Bonus           BonusMode

	// GradeCutoff - обнулять оценку, если оба класса известны и класс
	// наставника ниже класса ученика.
	GradeCutoff bool
}

// Scorer вычисляет совместимость пары "наставник - ученик" в диапазоне [0, 100].
type Scorer struct {
	weights Weights
}

// NewScorer создаёт оценщик с заданными весами.
func NewScorer(w Weights) *Scorer {
	return &Scorer{weights: w}
}

// Weights возвращает веса оценщика.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Score вычисляет совместимость.
//
//	gap = tutor - learner
//	gap < 2        -> gap*10
//	2 <= gap <= 5  -> 20 + (gap-2)*20
//	gap > 5        -> max(0, 80 - (gap-5)*10)
//	total = gap_score*GapFactor + tutor/10*ExpertiseMax + (10-learner)/10*NeedMax + bonus
//
// Баллы вне [0, 10] приводятся к диапазону.
func (s *Scorer) Score(tutorScore, learnerScore float64, ctx ScoreContext) float64 {
	if ctx.GradeCutoff && ctx.TutorGrade.IsKnown() && ctx.LearnerGrade.IsKnown() &&
		ctx.TutorGrade < ctx.LearnerGrade {
		return MinCompatibility
	}

	tutorScore = performance.ClampScore(tutorScore)
	learnerScore = performance.ClampScore(learnerScore)

	w := s.weights
	total := gapScore(tutorScore-learnerScore)*w.GapFactor +
		tutorScore/performance.MaxScore*w.ExpertiseMax +
		(performance.MaxScore-learnerScore)/performance.MaxScore*w.NeedMax +
		s.bonus(ctx)

	return math.Max(MinCompatibility, math.Min(MaxCompatibility, total))
}

func (s *Scorer) bonus(ctx ScoreContext) float64 {
	switch ctx.Bonus {
	case BonusOverlap:
		if ctx.OverlapChapters <= 0 {
			return 0
		}
		return math.Min(s.weights.OverlapBonusCap, float64(ctx.OverlapChapters)*s.weights.OverlapPerChapter)
	default:
		if ctx.SameLocality {
			return s.weights.LocalityBonus
		}
		return 0
	}
}

func gapScore(gap float64) float64 {
	switch {
	case gap < 2.0:
		return gap * 10
	case gap <= 5.0:
		return 20 + (gap-2.0)*20
	default:
		return math.Max(0, 80-(gap-5.0)*10)
	}
}
