// Package help содержит доску взаимопомощи: запросы учеников на помощь
// по главе и предложения наставников помочь.
package help

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// DefaultMaxStudents - сколько учеников наставник берёт по умолчанию.
const DefaultMaxStudents = 3

var (
	// ErrRequestNotFound - запрос на помощь не найден.
	ErrRequestNotFound = shared.NewDomainError("help", "Find", shared.ErrNotFound, "help request not found")

	// ErrRequestNotOpen - запрос уже принят, выполнен или отменён.
	ErrRequestNotOpen = shared.NewDomainError("help", "Accept", shared.ErrStateTransition,
		"help request is no longer open")

	// ErrRequestChanged - запрос изменён параллельно.
	ErrRequestChanged = shared.NewDomainError("help", "UpdateRequest", shared.ErrConcurrentModification,
		"help request was changed concurrently")

	// ErrBelowTutorThreshold - балл студента ниже порога наставника.
	ErrBelowTutorThreshold = shared.NewDomainError("help", "Qualify", shared.ErrForbidden,
		"score is below the tutoring threshold")

	// ErrOwnRequest - студент не может принять собственный запрос.
	ErrOwnRequest = shared.NewDomainError("help", "Accept", shared.ErrInvalidInput,
		"cannot accept own help request")
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST STATUS & URGENCY
// ══════════════════════════════════════════════════════════════════════════════

// RequestStatus - статус запроса на помощь.
type RequestStatus string

const (
	RequestStatusOpen       RequestStatus = "open"
	RequestStatusInProgress RequestStatus = "in_progress"
	RequestStatusFulfilled  RequestStatus = "fulfilled"
	RequestStatusCancelled  RequestStatus = "cancelled"
)

// IsValid проверяет валидность статуса.
func (s RequestStatus) IsValid() bool {
	switch s {
	case RequestStatusOpen, RequestStatusInProgress, RequestStatusFulfilled, RequestStatusCancelled:
		return true
	}
	return false
}

// Urgency - срочность запроса.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// OrDefault возвращает normal для пустого значения.
func (u Urgency) OrDefault() Urgency {
	if u == "" {
		return UrgencyNormal
	}
	return u
}

// IsValid проверяет валидность срочности.
func (u Urgency) IsValid() bool {
	switch u {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return true
	}
	return false
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Request - запрос ученика на помощь по главе.
type Request struct {
	ID          string             `json:"id"`
	StudentID   student.StudentID  `json:"student_id"`
	Subject     string             `json:"subject"`
	Chapter     string             `json:"chapter"`
	Description string             `json:"description,omitempty"`
	Urgency     Urgency            `json:"urgency"`
	Score       *float64           `json:"student_score,omitempty"`
	Status      RequestStatus      `json:"status"`
	MatchedWith *student.StudentID `json:"matched_with,omitempty"`
	MatchID     string             `json:"match_id,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	FulfilledAt *time.Time         `json:"fulfilled_at,omitempty"`
}

// NewRequestParams - параметры для создания запроса.
type NewRequestParams struct {
	StudentID   student.StudentID
	Subject     string
	Chapter     string
	Description string
	Urgency     Urgency
	Score       *float64
	CreatedAt   time.Time
}

// NewRequest создаёт открытый запрос.
func NewRequest(params NewRequestParams) (*Request, error) {
	if !params.StudentID.IsValid() {
		return nil, shared.WrapError("help", "NewRequest", shared.ErrInvalidID,
			"invalid student id", fmt.Errorf("%d", params.StudentID))
	}
	if err := validateChapter("NewRequest", params.Subject, params.Chapter); err != nil {
		return nil, err
	}
	urgency := params.Urgency.OrDefault()
	if !urgency.IsValid() {
		return nil, shared.WrapError("help", "NewRequest", shared.ErrInvalidInput,
			"invalid urgency", fmt.Errorf("%q", params.Urgency))
	}

	at := orNow(params.CreatedAt)
	return &Request{
		ID:          uuid.NewString(),
		StudentID:   params.StudentID,
		Subject:     params.Subject,
		Chapter:     params.Chapter,
		Description: strings.TrimSpace(params.Description),
		Urgency:     urgency,
		Score:       params.Score,
		Status:      RequestStatusOpen,
		CreatedAt:   at,
		UpdatedAt:   at,
	}, nil
}

// Accept закрепляет открытый запрос за наставником и созданной парой.
func (r *Request) Accept(tutorID student.StudentID, matchID string, at time.Time) error {
	if r.Status != RequestStatusOpen {
		return ErrRequestNotOpen
	}
	if tutorID == r.StudentID {
		return ErrOwnRequest
	}
	r.Status = RequestStatusInProgress
	r.MatchedWith = &tutorID
	r.MatchID = matchID
	r.UpdatedAt = orNow(at)
	return nil
}

// Fulfill отмечает принятый запрос выполненным.
func (r *Request) Fulfill(at time.Time) error {
	if r.Status != RequestStatusInProgress {
		return shared.NewDomainError("help", "Fulfill", shared.ErrStateTransition,
			"only an accepted help request can be fulfilled")
	}
	at = orNow(at)
	r.Status = RequestStatusFulfilled
	r.UpdatedAt = at
	r.FulfilledAt = &at
	return nil
}

// Cancel отменяет запрос, который ещё никто не принял.
func (r *Request) Cancel(at time.Time) error {
	if r.Status != RequestStatusOpen {
		return ErrRequestNotOpen
	}
	r.Status = RequestStatusCancelled
	r.UpdatedAt = orNow(at)
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// OFFER ENTITY
// ══════════════════════════════════════════════════════════════════════════════

// Offer - предложение наставника помочь по главе.
type Offer struct {
	ID              string            `json:"id"`
	TutorID         student.StudentID `json:"tutor_id"`
	Subject         string            `json:"subject"`
	Chapter         string            `json:"chapter"`
	Description     string            `json:"description,omitempty"`
	Availability    string            `json:"availability,omitempty"`
	Score           *float64          `json:"tutor_score,omitempty"`
	MaxStudents     int               `json:"max_students"`
	Active          bool              `json:"is_active"`
	CurrentStudents int               `json:"current_students"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NewOfferParams - параметры для создания предложения.
type NewOfferParams struct {
	TutorID      student.StudentID
	Subject      string
	Chapter      string
	Description  string
	Availability string
	Score        *float64
	MaxStudents  int
	CreatedAt    time.Time
}

// NewOffer создаёт активное предложение без учеников.
func NewOffer(params NewOfferParams) (*Offer, error) {
	if !params.TutorID.IsValid() {
		return nil, shared.WrapError("help", "NewOffer", shared.ErrInvalidID,
			"invalid tutor id", fmt.Errorf("%d", params.TutorID))
	}
	if err := validateChapter("NewOffer", params.Subject, params.Chapter); err != nil {
		return nil, err
	}
	maxStudents := params.MaxStudents
	if maxStudents == 0 {
		maxStudents = DefaultMaxStudents
	}
	if maxStudents < 1 {
		return nil, shared.NewDomainError("help", "NewOffer", shared.ErrValueOutOfRange,
			"max students must be positive")
	}

	at := orNow(params.CreatedAt)
	return &Offer{
		ID:           uuid.NewString(),
		TutorID:      params.TutorID,
		Subject:      params.Subject,
		Chapter:      params.Chapter,
		Description:  strings.TrimSpace(params.Description),
		Availability: strings.TrimSpace(params.Availability),
		Score:        params.Score,
		MaxStudents:  maxStudents,
		Active:       true,
		CreatedAt:    at,
		UpdatedAt:    at,
	}, nil
}

// HasCapacity сообщает, может ли наставник взять ещё одного ученика.
func (o *Offer) HasCapacity() bool {
	return o.Active && o.CurrentStudents < o.MaxStudents
}

// ══════════════════════════════════════════════════════════════════════════════
// FILTERS
// ══════════════════════════════════════════════════════════════════════════════

// RequestFilter - условия выборки запросов. Пустые поля не фильтруют.
type RequestFilter struct {
	StudentID student.StudentID
	Subject   string
	Chapter   string
	Status    RequestStatus
}

// Matches проверяет, подходит ли запрос под фильтр.
func (f RequestFilter) Matches(r *Request) bool {
	return (f.StudentID == 0 || r.StudentID == f.StudentID) &&
		(f.Subject == "" || r.Subject == f.Subject) &&
		(f.Chapter == "" || r.Chapter == f.Chapter) &&
		(f.Status == "" || r.Status == f.Status)
}

// OfferFilter - условия выборки предложений.
type OfferFilter struct {
	Subject    string
	Chapter    string
	ActiveOnly bool
}

// Matches проверяет, подходит ли предложение под фильтр.
func (f OfferFilter) Matches(o *Offer) bool {
	return (f.Subject == "" || o.Subject == f.Subject) &&
		(f.Chapter == "" || o.Chapter == f.Chapter) &&
		(!f.ActiveOnly || o.Active)
}

func validateChapter(op, subject, chapter string) error {
	if subject == "" || chapter == "" {
		return shared.NewDomainError("help", op, shared.ErrInvalidInput, "subject and chapter are required")
	}
	return nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
