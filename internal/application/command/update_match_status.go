package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// UPDATE MATCH STATUS COMMAND
// Moves a match through pending -> accepted -> completed, or to rejected.
// ══════════════════════════════════════════════════════════════════════════════

// UpdateMatchStatusCommand contains the data to change a match status.
type UpdateMatchStatusCommand struct {
	// MatchID is the match to update.
	MatchID string `validate:"required"`

	// Status is the new status.
	Status matching.MatchStatus `validate:"required,oneof=pending accepted rejected completed"`

	// ActorID is the student performing the change.
	ActorID student.StudentID `validate:"required_unless=ActorIsStaff true"`

	// ActorIsStaff lets staff change any match.
	ActorIsStaff bool

	// CorrelationID for tracing.
	CorrelationID string
}

// UpdateMatchStatusResult contains the updated match.
type UpdateMatchStatusResult struct {
	Match     *matching.Match
	OldStatus matching.MatchStatus
	Changed   bool
}

// UpdateMatchStatusHandler handles the UpdateMatchStatusCommand.
type UpdateMatchStatusHandler struct {
	tx        matching.Transactor
	publisher shared.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewUpdateMatchStatusHandler creates a new UpdateMatchStatusHandler.
func NewUpdateMatchStatusHandler(tx matching.Transactor, publisher shared.EventPublisher, logger *slog.Logger) *UpdateMatchStatusHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpdateMatchStatusHandler{
		tx:        tx,
		publisher: publisher,
		logger:    logger.With("handler", "update_match_status"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the update match status command.
func (h *UpdateMatchStatusHandler) Handle(ctx context.Context, cmd UpdateMatchStatusCommand) (*UpdateMatchStatusResult, error) {
	if err := validate.Struct("UpdateMatchStatus", cmd); err != nil {
		return nil, err
	}

	var result *UpdateMatchStatusResult
	err := h.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		m, err := s.Matches().GetByID(ctx, cmd.MatchID)
		if err != nil {
			return err
		}
		if !cmd.ActorIsStaff && !m.Involves(cmd.ActorID) {
			return matching.ErrNotParticipant
		}

		old := m.Status
		changed, err := m.ChangeStatus(cmd.Status, h.now())
		if err != nil {
			return err
		}
		result = &UpdateMatchStatusResult{Match: m, OldStatus: old, Changed: changed}
		if !changed {
			return nil
		}
		if err := s.Matches().UpdateStatus(ctx, m, old); err != nil {
			return fmt.Errorf("failed to update match status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		h.logger.Info("match status changed",
			"match_id", cmd.MatchID,
			"old_status", result.OldStatus,
			"new_status", cmd.Status,
			"actor_id", cmd.ActorID,
		)
		if h.publisher != nil {
			event := shared.NewMatchStatusChangedEvent(cmd.MatchID, string(result.OldStatus), string(cmd.Status), int64(cmd.ActorID))
			if cmd.CorrelationID != "" {
				event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
			}
			if err := h.publisher.Publish(event); err != nil {
				h.logger.Warn("failed to publish event", "error", err)
			}
		}
	}

	return result, nil
}
