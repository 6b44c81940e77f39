package query

import (
	"context"
	"errors"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET POTENTIAL PARTNERS QUERY
// Возвращает возможных наставников для ученика или возможных учеников для
// наставника в одной главе, отсортированных по совместимости.
// Алгоритм подбора не запускается и ничего не сохраняется.
// ══════════════════════════════════════════════════════════════════════════════

// DefaultPotentialLimit - количество партнёров по умолчанию.
const DefaultPotentialLimit = 10

// GetPotentialPartnersQuery содержит параметры запроса.
type GetPotentialPartnersQuery struct {
	// ─────────────────────────────────────────────────────────────────────────
	// Обязательные параметры
	// ─────────────────────────────────────────────────────────────────────────

	StudentID student.StudentID `validate:"required,gt=0"`
	Subject   string            `validate:"required"`
	Chapter   string            `validate:"required"`

	// Role - роль, в которой выступает сам студент:
	// tutor - ищем учеников, learner - ищем наставников.
	Role matching.Role `validate:"required,oneof=tutor learner"`

	// ─────────────────────────────────────────────────────────────────────────
	// Опциональные параметры
	// ─────────────────────────────────────────────────────────────────────────

	// Limit - максимальное количество результатов (0 - по умолчанию).
	Limit int `validate:"gte=0,lte=100"`

	// MeetingMode - формат встречи, влияет на географический фильтр.
	MeetingMode matching.MeetingMode `validate:"omitempty,oneof=online physical"`
}

// PartnerDTO - потенциальный партнёр.
type PartnerDTO struct {
	StudentID     student.StudentID `json:"student_id"`
	Score         float64           `json:"score"`
	Accuracy      int               `json:"accuracy_percentage"`
	Compatibility float64           `json:"compatibility_score"`
	Grade         student.Grade     `json:"grade,omitempty"`
	Locality      string            `json:"locality,omitempty"`
}

// GetPotentialPartnersResult - результат запроса.
type GetPotentialPartnersResult struct {
	StudentID student.StudentID `json:"student_id"`
	Role      matching.Role     `json:"role"`
	Score     float64           `json:"score"`
	Partners  []PartnerDTO      `json:"partners"`
}

// GetPotentialPartnersHandler обрабатывает запрос.
type GetPotentialPartnersHandler struct {
	tx           matching.Transactor
	policy       matching.Policy
	defaultLimit int
}

// NewGetPotentialPartnersHandler создаёт новый обработчик.
// defaultLimit <= 0 заменяется на DefaultPotentialLimit.
func NewGetPotentialPartnersHandler(tx matching.Transactor, policy matching.Policy, defaultLimit int) *GetPotentialPartnersHandler {
	if policy.Eligibility == nil {
		policy = matching.DefaultPolicy()
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultPotentialLimit
	}
	return &GetPotentialPartnersHandler{tx: tx, policy: policy, defaultLimit: defaultLimit}
}

// Handle выполняет запрос. Если у студента нет записи по главе или он не
// подходит для запрошенной роли, возвращается пустой список.
func (h *GetPotentialPartnersHandler) Handle(ctx context.Context, q GetPotentialPartnersQuery) (*GetPotentialPartnersResult, error) {
	if err := validate.Struct("GetPotentialPartners", q); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit == 0 {
		limit = h.defaultLimit
	}
	scope := matching.Scope{Subject: q.Subject, Chapter: q.Chapter}

	result := &GetPotentialPartnersResult{
		StudentID: q.StudentID,
		Role:      q.Role,
		Partners:  []PartnerDTO{},
	}

	var candidates []matching.Candidate
	err := h.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		var err error
		candidates, err = matching.LoadCandidates(ctx, s, scope)
		return err
	})
	if errors.Is(err, matching.ErrNotEligible) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Выделяем самого студента и проверяем допуск к роли
	// ─────────────────────────────────────────────────────────────────────────

	var (
		self   matching.Candidate
		found  bool
		others = make([]matching.Candidate, 0, len(candidates))
	)
	for _, c := range candidates {
		if c.StudentID == q.StudentID {
			self, found = c, true
			continue
		}
		others = append(others, c)
	}
	if !found {
		return result, nil
	}
	result.Score = self.Score

	pools := matching.Partition(others, h.policy)
	counterparts := pools.Tutors
	if q.Role == matching.RoleTutor {
		if !h.policy.Eligibility.IsTutor(self, h.policy.Thresholds) {
			return result, nil
		}
		counterparts = pools.Learners
	} else if !h.policy.Eligibility.IsLearner(self, h.policy.Thresholds) {
		return result, nil
	}

	builder := matching.NewPreferenceBuilder(h.policy, scope, q.MeetingMode.OrDefault())
	ranked := builder.RankFor(self, counterparts, q.Role, limit)

	byID := make(map[student.StudentID]matching.Candidate, len(counterparts))
	for _, c := range counterparts {
		byID[c.StudentID] = c
	}
	for _, e := range ranked {
		c := byID[e.Counterpart]
		result.Partners = append(result.Partners, PartnerDTO{
			StudentID:     c.StudentID,
			Score:         c.Score,
			Accuracy:      c.Accuracy,
			Compatibility: e.Score,
			Grade:         c.Grade,
			Locality:      c.Location.Locality,
		})
	}
	return result, nil
}
