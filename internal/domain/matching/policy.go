// Package matching реализует подбор пар "наставник - ученик" внутри главы
// или предмета: оценку совместимости, списки предпочтений и асимметричный
// алгоритм Гейла-Шепли с ограничениями ёмкости с обеих сторон.
package matching

import (
	"fmt"
	"strings"

	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrNotEligible - по области подбора нет ни одной записи успеваемости.
	ErrNotEligible = shared.NewDomainError("matching", "SelectPool", shared.ErrNotFound,
		"no performance records for matching scope")

	// ErrSelfMatch - наставник и ученик совпадают.
	ErrSelfMatch = shared.NewDomainError("matching", "NewMatch", shared.ErrInvalidInput,
		"tutor and learner cannot be the same student")

	// ErrMatchNotFound - пара не найдена.
	ErrMatchNotFound = shared.NewDomainError("matching", "Find", shared.ErrNotFound, "match not found")

	// ErrInvalidStatus - неизвестный статус пары.
	ErrInvalidStatus = shared.NewDomainError("matching", "ParseStatus", shared.ErrInvalidInput, "invalid match status")

	// ErrInvalidTransition - переход из финального статуса.
	ErrInvalidTransition = shared.NewDomainError("matching", "ChangeStatus", shared.ErrStateTransition,
		"match status is final")

	// ErrInvalidScope - некорректная область подбора.
	ErrInvalidScope = shared.NewDomainError("matching", "Validate", shared.ErrInvalidInput, "subject is required")

	// ErrUnknownPolicy - неизвестная политика допуска.
	ErrUnknownPolicy = shared.NewDomainError("matching", "Policy", shared.ErrInvalidInput, "unknown eligibility policy")

	// ErrRunInProgress - подбор по этой области уже выполняется.
	ErrRunInProgress = shared.NewDomainError("matching", "Lock", shared.ErrLocked, "matching run already in progress")

	// ErrStatusChanged - статус пары изменился с момента чтения.
	ErrStatusChanged = shared.NewDomainError("matching", "UpdateStatus", shared.ErrConcurrentModification,
		"match status was changed concurrently")

	// ErrNotParticipant - студент не участвует в паре.
	ErrNotParticipant = shared.NewDomainError("matching", "ChangeStatus", shared.ErrForbidden,
		"student is not a participant of the match")
)

// ══════════════════════════════════════════════════════════════════════════════
// SCOPE & MODE
// ══════════════════════════════════════════════════════════════════════════════

// Scope - область подбора: одна глава предмета или весь предмет.
type Scope struct {
	Subject string `json:"subject"`
	Chapter string `json:"chapter,omitempty"`
}

// IsSubjectWide возвращает true для подбора по всему предмету.
func (s Scope) IsSubjectWide() bool {
	return s.Chapter == ""
}

// Validate проверяет область подбора.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.Subject) == "" {
		return ErrInvalidScope
	}
	return nil
}

// String возвращает "subject/chapter" или "subject/*".
func (s Scope) String() string {
	if s.IsSubjectWide() {
		return s.Subject + "/*"
	}
	return s.Subject + "/" + s.Chapter
}

// MeetingMode - формат встреч.
type MeetingMode string

const (
	// MeetingOnline - без географических ограничений.
	MeetingOnline MeetingMode = "online"

	// MeetingPhysical - очные встречи, нужна близость.
	MeetingPhysical MeetingMode = "physical"
)

// IsValid проверяет корректность формата.
func (m MeetingMode) IsValid() bool {
	return m == MeetingOnline || m == MeetingPhysical
}

// OrDefault возвращает online для пустого значения.
func (m MeetingMode) OrDefault() MeetingMode {
	if m == "" {
		return MeetingOnline
	}
	return m
}

// ══════════════════════════════════════════════════════════════════════════════
// POLICY PARAMETERS
// ══════════════════════════════════════════════════════════════════════════════

// Thresholds - пороги разделения на наставников и учеников (шкала 0-10).
type Thresholds struct {
	Tutor   float64 `json:"tutor"`
	Learner float64 `json:"learner"`
}

// DefaultThresholds возвращает пороги по умолчанию: 7.0 и 5.0.
func DefaultThresholds() Thresholds {
	return Thresholds{Tutor: 7.0, Learner: 5.0}
}

// Capacity - ограничения на количество пар с каждой стороны.
type Capacity struct {
	PerTutor   int `json:"per_tutor"`
	PerLearner int `json:"per_learner"`
}

// DefaultCapacity возвращает ёмкость по умолчанию: 3 ученика на наставника, 2 наставника на ученика.
func DefaultCapacity() Capacity {
	return Capacity{PerTutor: 3, PerLearner: 2}
}

// DefaultMaxDistanceKm - радиус для очных встреч по умолчанию.
const DefaultMaxDistanceKm = 10.0

// Policy объединяет все параметры одного запуска подбора.
type Policy struct {
	Thresholds    Thresholds
	Capacity      Capacity
	MaxDistanceKm float64
	Eligibility   EligibilityPolicy
	Weights       Weights
}

// DefaultPolicy возвращает политику по умолчанию со строгим фильтром по классу.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds:    DefaultThresholds(),
		Capacity:      DefaultCapacity(),
		MaxDistanceKm: DefaultMaxDistanceKm,
		Eligibility:   StrictGradeFilter{},
		Weights:       DefaultWeights(),
	}
}

// Validate проверяет согласованность параметров.
func (p Policy) Validate() error {
	if p.Thresholds.Learner < performance.MinScore || p.Thresholds.Tutor > performance.MaxScore ||
		p.Thresholds.Learner >= p.Thresholds.Tutor {
		return fmt.Errorf("invalid thresholds: learner=%.2f tutor=%.2f", p.Thresholds.Learner, p.Thresholds.Tutor)
	}
	if p.Capacity.PerTutor < 1 || p.Capacity.PerLearner < 1 {
		return fmt.Errorf("invalid capacity: per_tutor=%d per_learner=%d", p.Capacity.PerTutor, p.Capacity.PerLearner)
	}
	if p.MaxDistanceKm <= 0 {
		return fmt.Errorf("invalid max distance: %.2f", p.MaxDistanceKm)
	}
	if p.Eligibility == nil {
		return ErrUnknownPolicy
	}
	return nil
}

// WithEligibility возвращает копию политики с другой политикой допуска.
func (p Policy) WithEligibility(e EligibilityPolicy) Policy {
	p.Eligibility = e
	return p
}

// ══════════════════════════════════════════════════════════════════════════════
// ELIGIBILITY POLICIES
// Две политики допуска по классу существуют одновременно и выбираются по имени.
// ══════════════════════════════════════════════════════════════════════════════

const (
	// PolicyStrictGrade - имя строгой политики.
	PolicyStrictGrade = "strict_grade_filter"

	// PolicyTeachingEligibility - имя политики по уровню допуска к обучению.
	PolicyTeachingEligibility = "teaching_eligibility_filter"
)

// EligibilityPolicy решает, кто попадает в пулы и какие пары допустимы.
type EligibilityPolicy interface {
	// Name возвращает имя политики.
	Name() string

	// IsTutor - может ли кандидат быть наставником.
	IsTutor(c Candidate, t Thresholds) bool

	// IsLearner - может ли кандидат быть учеником.
	IsLearner(c Candidate, t Thresholds) bool

	// Eligible - допустима ли пара (без учёта географии).
	Eligible(tutor, learner Candidate) bool

	// ApplyGradeCutoff - обнулять ли оценку, если класс наставника ниже класса ученика.
	ApplyGradeCutoff() bool
}

// StrictGradeFilter - пулы по порогам, пара с наставником младше ученика получает 0.
type StrictGradeFilter struct{}

// Name implements EligibilityPolicy.
func (StrictGradeFilter) Name() string { return PolicyStrictGrade }

// IsTutor implements EligibilityPolicy.
func (StrictGradeFilter) IsTutor(c Candidate, t Thresholds) bool { return c.Score >= t.Tutor }

// IsLearner implements EligibilityPolicy.
func (StrictGradeFilter) IsLearner(c Candidate, t Thresholds) bool { return c.Score <= t.Learner }

// Eligible implements EligibilityPolicy.
func (StrictGradeFilter) Eligible(tutor, learner Candidate) bool {
	return tutor.StudentID != learner.StudentID
}

// ApplyGradeCutoff implements EligibilityPolicy.
func (StrictGradeFilter) ApplyGradeCutoff() bool { return true }

// TeachingEligibilityFilter - наставником может быть любой, у кого балл выше
// порога ученика и есть уровень допуска; помощь может получить любой с баллом
// ниже максимального. Пара допустима, если уровень допуска наставника не ниже
// класса ученика и балл наставника выше балла ученика.
type TeachingEligibilityFilter struct{}

// Name implements EligibilityPolicy.
func (TeachingEligibilityFilter) Name() string { return PolicyTeachingEligibility }

// IsTutor implements EligibilityPolicy.
func (TeachingEligibilityFilter) IsTutor(c Candidate, t Thresholds) bool {
	return c.Score > t.Learner && c.TeachLevel != nil
}

// IsLearner implements EligibilityPolicy.
func (TeachingEligibilityFilter) IsLearner(c Candidate, _ Thresholds) bool {
	return c.Score < performance.MaxScore
}

// Eligible implements EligibilityPolicy.
func (TeachingEligibilityFilter) Eligible(tutor, learner Candidate) bool {
	if tutor.StudentID == learner.StudentID || tutor.TeachLevel == nil {
		return false
	}
	return tutor.Score > learner.Score && *tutor.TeachLevel >= learner.Grade.OrDefault()
}

// ApplyGradeCutoff implements EligibilityPolicy.
func (TeachingEligibilityFilter) ApplyGradeCutoff() bool { return false }

// EligibilityPolicyByName возвращает политику по имени. Пустое имя - строгая политика.
func EligibilityPolicyByName(name string) (EligibilityPolicy, error) {
	switch strings.TrimSpace(name) {
	case "", PolicyStrictGrade:
		return StrictGradeFilter{}, nil
	case PolicyTeachingEligibility:
		return TeachingEligibilityFilter{}, nil
	default:
		return nil, shared.WrapError("matching", "Policy", shared.ErrInvalidInput,
			"unknown eligibility policy", fmt.Errorf("%q", name))
	}
}
