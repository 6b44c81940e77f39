package matching

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// MATCH STATUS
// ══════════════════════════════════════════════════════════════════════════════

// MatchStatus - статус пары.
type MatchStatus string

const (
	// MatchStatusPending - пара создана, ждёт ответа.
	MatchStatusPending MatchStatus = "pending"

	// MatchStatusAccepted - пара принята.
	MatchStatusAccepted MatchStatus = "accepted"

	// MatchStatusRejected - пара отклонена.
	MatchStatusRejected MatchStatus = "rejected"

	// MatchStatusCompleted - обучение завершено.
	MatchStatusCompleted MatchStatus = "completed"
)

// IsValid проверяет валидность статуса.
func (s MatchStatus) IsValid() bool {
	switch s {
	case MatchStatusPending, MatchStatusAccepted, MatchStatusRejected, MatchStatusCompleted:
		return true
	}
	return false
}

// IsFinal проверяет, является ли статус финальным.
func (s MatchStatus) IsFinal() bool {
	return s == MatchStatusRejected || s == MatchStatusCompleted
}

// ParseMatchStatus разбирает статус из строки.
func ParseMatchStatus(s string) (MatchStatus, error) {
	status := MatchStatus(s)
	if !status.IsValid() {
		return "", shared.WrapError("matching", "ParseStatus", shared.ErrInvalidInput,
			"invalid match status", fmt.Errorf("%q", s))
	}
	return status, nil
}

// Role - роль студента в паре.
type Role string

const (
	RoleTutor   Role = "tutor"
	RoleLearner Role = "learner"
	RoleAny     Role = "any"
)

// ══════════════════════════════════════════════════════════════════════════════
// MATCH ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Match - сохранённая пара "наставник - ученик".
// После создания участники, область и баллы не меняются;
// меняются только статус и отметки времени.
type Match struct {
	ID            string            `json:"id"`
	TutorID       student.StudentID `json:"tutor_id"`
	LearnerID     student.StudentID `json:"learner_id"`
	Subject       string            `json:"subject"`
	Chapter       string            `json:"chapter"`
	MeetingMode   MeetingMode       `json:"meeting_type"`
	TutorScore    float64           `json:"tutor_score"`
	LearnerScore  float64           `json:"learner_score"`
	Compatibility float64           `json:"compatibility_score"`
	TutorRank     int               `json:"tutor_preference_rank"`
	LearnerRank   int               `json:"learner_preference_rank"`
	Status        MatchStatus       `json:"status"`
	MatchedAt     time.Time         `json:"matched_at"`
	AcceptedAt    *time.Time        `json:"accepted_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// NewMatchParams - параметры для создания пары.
type NewMatchParams struct {
	ID            string
	TutorID       student.StudentID
	LearnerID     student.StudentID
	Subject       string
	Chapter       string
	MeetingMode   MeetingMode
	TutorScore    float64
	LearnerScore  float64
	Compatibility float64
	TutorRank     int
	LearnerRank   int
	MatchedAt     time.Time
}

// NewMatch создаёт пару в статусе pending.
func NewMatch(params NewMatchParams) (*Match, error) {
	if !params.TutorID.IsValid() || !params.LearnerID.IsValid() {
		return nil, shared.WrapError("matching", "NewMatch", shared.ErrInvalidID,
			"invalid participant id", fmt.Errorf("tutor=%d learner=%d", params.TutorID, params.LearnerID))
	}
	if params.TutorID == params.LearnerID {
		return nil, ErrSelfMatch
	}
	if err := (Scope{Subject: params.Subject, Chapter: params.Chapter}).Validate(); err != nil {
		return nil, err
	}
	mode := params.MeetingMode.OrDefault()
	if !mode.IsValid() {
		return nil, shared.WrapError("matching", "NewMatch", shared.ErrInvalidInput,
			"invalid meeting mode", fmt.Errorf("%q", params.MeetingMode))
	}
	if params.Compatibility < MinCompatibility || params.Compatibility > MaxCompatibility {
		return nil, shared.NewDomainError("matching", "NewMatch", shared.ErrValueOutOfRange,
			"compatibility must be between 0 and 100")
	}

	id := params.ID
	if id == "" {
		id = uuid.NewString()
	}
	matchedAt := params.MatchedAt
	if matchedAt.IsZero() {
		matchedAt = time.Now().UTC()
	}

	return &Match{
		ID:            id,
		TutorID:       params.TutorID,
		LearnerID:     params.LearnerID,
		Subject:       params.Subject,
		Chapter:       params.Chapter,
		MeetingMode:   mode,
		TutorScore:    params.TutorScore,
		LearnerScore:  params.LearnerScore,
		Compatibility: params.Compatibility,
		TutorRank:     params.TutorRank,
		LearnerRank:   params.LearnerRank,
		Status:        MatchStatusPending,
		MatchedAt:     matchedAt,
	}, nil
}

// Scope возвращает область подбора пары.
func (m *Match) Scope() Scope {
	return Scope{Subject: m.Subject, Chapter: m.Chapter}
}

// Involves проверяет, участвует ли студент в паре.
func (m *Match) Involves(id student.StudentID) bool {
	return m.TutorID == id || m.LearnerID == id
}

// RoleOf возвращает роль студента в паре.
func (m *Match) RoleOf(id student.StudentID) (Role, bool) {
	switch id {
	case m.TutorID:
		return RoleTutor, true
	case m.LearnerID:
		return RoleLearner, true
	}
	return "", false
}

// ChangeStatus переводит пару в новый статус.
// Повторная установка того же статуса ничего не меняет. Из финального
// статуса выйти нельзя. Отметки времени принятия и завершения
// выставляются только при первом переходе.
func (m *Match) ChangeStatus(status MatchStatus, now time.Time) (changed bool, err error) {
	if !status.IsValid() {
		return false, ErrInvalidStatus
	}
	if status == m.Status {
		return false, nil
	}
	if m.Status.IsFinal() {
		return false, ErrInvalidTransition
	}

	switch status {
	case MatchStatusAccepted:
		if m.AcceptedAt == nil {
			m.AcceptedAt = &now
		}
	case MatchStatusCompleted:
		if m.CompletedAt == nil {
			m.CompletedAt = &now
		}
	}

	m.Status = status
	return true, nil
}
