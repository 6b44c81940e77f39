package query

import (
	"context"
	"fmt"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET HELP BOARD QUERY
// Возвращает запросы на помощь и предложения наставников.
// Студент видит только свои запросы; предложения видны всем.
// ══════════════════════════════════════════════════════════════════════════════

// GetHelpBoardQuery содержит параметры запроса.
type GetHelpBoardQuery struct {
	// StudentID - если задан, возвращаются только запросы этого студента.
	StudentID student.StudentID `validate:"gte=0"`

	Subject string
	Chapter string

	// Status - фильтр запросов по статусу (опционально).
	Status help.RequestStatus `validate:"omitempty,oneof=open in_progress fulfilled cancelled"`

	// IncludeInactive - показывать неактивные предложения.
	IncludeInactive bool
}

// GetHelpBoardResult - содержимое доски.
type GetHelpBoardResult struct {
	Requests []*help.Request `json:"requests"`
	Offers   []*help.Offer   `json:"offers"`
}

// GetHelpBoardHandler обрабатывает запрос доски взаимопомощи.
type GetHelpBoardHandler struct {
	tx matching.Transactor
}

// NewGetHelpBoardHandler создаёт новый обработчик.
func NewGetHelpBoardHandler(tx matching.Transactor) *GetHelpBoardHandler {
	return &GetHelpBoardHandler{tx: tx}
}

// Handle выполняет запрос.
func (h *GetHelpBoardHandler) Handle(ctx context.Context, q GetHelpBoardQuery) (*GetHelpBoardResult, error) {
	if err := validate.Struct("GetHelpBoard", q); err != nil {
		return nil, err
	}

	result := &GetHelpBoardResult{}
	err := h.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		var err error
		result.Requests, err = s.Help().ListRequests(ctx, help.RequestFilter{
			StudentID: q.StudentID,
			Subject:   q.Subject,
			Chapter:   q.Chapter,
			Status:    q.Status,
		})
		if err != nil {
			return err
		}
		result.Offers, err = s.Help().ListOffers(ctx, help.OfferFilter{
			Subject:    q.Subject,
			Chapter:    q.Chapter,
			ActiveOnly: !q.IncludeInactive,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load help board: %w", err)
	}
	return result, nil
}
