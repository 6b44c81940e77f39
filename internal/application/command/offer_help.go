package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// OFFER HELP COMMAND
// Posts a tutor's offer to help in one chapter. A student whose recorded
// chapter score is below the tutor threshold cannot offer; a student without
// a record can.
// ══════════════════════════════════════════════════════════════════════════════

// OfferHelpCommand contains the data to post a help offer.
type OfferHelpCommand struct {
	TutorID      student.StudentID `validate:"required,gt=0"`
	Subject      string            `validate:"required"`
	Chapter      string            `validate:"required"`
	Description  string            `validate:"max=2000"`
	Availability string            `validate:"max=500"`
	MaxStudents  int               `validate:"gte=0,lte=20"`

	// CorrelationID for tracing.
	CorrelationID string
}

// OfferHelpHandler handles the OfferHelpCommand.
type OfferHelpHandler struct {
	tx        matching.Transactor
	policy    matching.Policy
	publisher shared.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewOfferHelpHandler creates a new OfferHelpHandler.
func NewOfferHelpHandler(tx matching.Transactor, policy matching.Policy, publisher shared.EventPublisher, logger *slog.Logger) *OfferHelpHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &OfferHelpHandler{
		tx:        tx,
		policy:    policy,
		publisher: publisher,
		logger:    logger.With("handler", "offer_help"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the offer help command.
func (h *OfferHelpHandler) Handle(ctx context.Context, cmd OfferHelpCommand) (*help.Offer, error) {
	if err := validate.Struct("OfferHelp", cmd); err != nil {
		return nil, err
	}

	var offer *help.Offer
	err := h.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		rec, err := chapterRecord(ctx, s, cmd.TutorID, cmd.Subject, cmd.Chapter)
		if err != nil {
			return err
		}
		if rec != nil && rec.Score < h.policy.Thresholds.Tutor {
			return fmt.Errorf("%w: score %.1f, threshold %.1f", help.ErrBelowTutorThreshold, rec.Score, h.policy.Thresholds.Tutor)
		}

		offer, err = help.NewOffer(help.NewOfferParams{
			TutorID:      cmd.TutorID,
			Subject:      cmd.Subject,
			Chapter:      cmd.Chapter,
			Description:  cmd.Description,
			Availability: cmd.Availability,
			Score:        scoreOf(rec),
			MaxStudents:  cmd.MaxStudents,
			CreatedAt:    h.now(),
		})
		if err != nil {
			return err
		}
		return s.Help().CreateOffer(ctx, offer)
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("help offered",
		"offer_id", offer.ID,
		"tutor_id", offer.TutorID,
		"subject", offer.Subject,
		"chapter", offer.Chapter,
		"max_students", offer.MaxStudents,
	)
	if h.publisher != nil {
		event := shared.NewHelpPostedEvent(shared.EventHelpOffered, offer.ID, int64(offer.TutorID), offer.Subject, offer.Chapter)
		if cmd.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		if err := h.publisher.Publish(event); err != nil {
			h.logger.Warn("failed to publish event", "error", err)
		}
	}

	return offer, nil
}
