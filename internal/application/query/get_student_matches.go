// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET STUDENT MATCHES QUERY
// Возвращает сохранённые пары студента, разделённые по роли.
// ══════════════════════════════════════════════════════════════════════════════

// GetStudentMatchesQuery содержит параметры запроса.
type GetStudentMatchesQuery struct {
	// StudentID - студент, чьи пары нужны.
	StudentID student.StudentID `validate:"required,gt=0"`

	// Role - фильтр по роли. Пустое значение - обе роли.
	Role matching.Role `validate:"omitempty,oneof=tutor learner any"`

	// Status - фильтр по статусу (опционально).
	Status matching.MatchStatus `validate:"omitempty,oneof=pending accepted rejected completed"`
}

// GetStudentMatchesResult - пары студента.
type GetStudentMatchesResult struct {
	StudentID student.StudentID `json:"student_id"`

	// AsTutor - пары, где студент наставник. Новые первыми.
	AsTutor []*matching.Match `json:"as_tutor"`

	// AsLearner - пары, где студент ученик. Новые первыми.
	AsLearner []*matching.Match `json:"as_learner"`
}

// Total возвращает общее количество пар.
func (r *GetStudentMatchesResult) Total() int {
	return len(r.AsTutor) + len(r.AsLearner)
}

// GetStudentMatchesHandler обрабатывает запрос пар студента.
type GetStudentMatchesHandler struct {
	tx matching.Transactor
}

// NewGetStudentMatchesHandler создаёт новый обработчик.
func NewGetStudentMatchesHandler(tx matching.Transactor) *GetStudentMatchesHandler {
	return &GetStudentMatchesHandler{tx: tx}
}

// Handle выполняет запрос.
func (h *GetStudentMatchesHandler) Handle(ctx context.Context, q GetStudentMatchesQuery) (*GetStudentMatchesResult, error) {
	if err := validate.Struct("GetStudentMatches", q); err != nil {
		return nil, err
	}
	role := q.Role
	if role == "" {
		role = matching.RoleAny
	}

	var matches []*matching.Match
	err := h.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		var err error
		matches, err = s.Matches().ListByStudent(ctx, q.StudentID, role)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list matches: %w", err)
	}

	result := &GetStudentMatchesResult{
		StudentID: q.StudentID,
		AsTutor:   []*matching.Match{},
		AsLearner: []*matching.Match{},
	}
	for _, m := range matches {
		if q.Status != "" && m.Status != q.Status {
			continue
		}
		// Порядок ListByStudent сохраняется в обоих списках.
		if m.TutorID == q.StudentID {
			result.AsTutor = append(result.AsTutor, m)
		} else {
			result.AsLearner = append(result.AsLearner, m)
		}
	}
	return result, nil
}
