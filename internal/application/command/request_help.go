package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELP COMMAND
// Posts an open help request for one chapter. The student's current chapter
// score is copied onto the request when a record exists.
// ══════════════════════════════════════════════════════════════════════════════

// RequestHelpCommand contains the data to post a help request.
type RequestHelpCommand struct {
	StudentID   student.StudentID `validate:"required,gt=0"`
	Subject     string            `validate:"required"`
	Chapter     string            `validate:"required"`
	Description string            `validate:"max=2000"`
	Urgency     help.Urgency      `validate:"omitempty,oneof=low normal high urgent"`

	// CorrelationID for tracing.
	CorrelationID string
}

// RequestHelpHandler handles the RequestHelpCommand.
type RequestHelpHandler struct {
	tx        matching.Transactor
	publisher shared.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewRequestHelpHandler creates a new RequestHelpHandler.
func NewRequestHelpHandler(tx matching.Transactor, publisher shared.EventPublisher, logger *slog.Logger) *RequestHelpHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestHelpHandler{
		tx:        tx,
		publisher: publisher,
		logger:    logger.With("handler", "request_help"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the request help command.
func (h *RequestHelpHandler) Handle(ctx context.Context, cmd RequestHelpCommand) (*help.Request, error) {
	if err := validate.Struct("RequestHelp", cmd); err != nil {
		return nil, err
	}

	var req *help.Request
	err := h.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		rec, err := chapterRecord(ctx, s, cmd.StudentID, cmd.Subject, cmd.Chapter)
		if err != nil {
			return err
		}

		req, err = help.NewRequest(help.NewRequestParams{
			StudentID:   cmd.StudentID,
			Subject:     cmd.Subject,
			Chapter:     cmd.Chapter,
			Description: cmd.Description,
			Urgency:     cmd.Urgency,
			Score:       scoreOf(rec),
			CreatedAt:   h.now(),
		})
		if err != nil {
			return err
		}
		return s.Help().CreateRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("help requested",
		"request_id", req.ID,
		"student_id", req.StudentID,
		"subject", req.Subject,
		"chapter", req.Chapter,
		"urgency", req.Urgency,
	)
	if h.publisher != nil {
		event := shared.NewHelpPostedEvent(shared.EventHelpRequested, req.ID, int64(req.StudentID), req.Subject, req.Chapter)
		if cmd.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		if err := h.publisher.Publish(event); err != nil {
			h.logger.Warn("failed to publish event", "error", err)
		}
	}

	return req, nil
}

// chapterRecord returns the student's record for one chapter, or nil.
func chapterRecord(ctx context.Context, s matching.Store, id student.StudentID, subject, chapter string) (*performance.Record, error) {
	records, err := s.Performance().ListByStudent(ctx, id, subject)
	if err != nil {
		return nil, fmt.Errorf("failed to load performance records: %w", err)
	}
	for i := range records {
		if records[i].Chapter == chapter {
			return &records[i], nil
		}
	}
	return nil, nil
}

func scoreOf(rec *performance.Record) *float64 {
	if rec == nil {
		return nil
	}
	score := rec.Score
	return &score
}
