// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/application/validate"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD PERFORMANCE COMMAND
// Ingests grading output for a student: derives per-chapter performance
// records and refreshes the student's teaching-eligibility level.
// ══════════════════════════════════════════════════════════════════════════════

// RecordPerformanceCommand contains grading output for one student.
type RecordPerformanceCommand struct {
	// StudentID is the student whose work was graded.
	StudentID student.StudentID `validate:"required,gt=0"`

	// Grade updates the student's grade when set.
	Grade student.Grade `validate:"gte=0,lte=12"`

	// Outputs are the graded assessments.
	Outputs []performance.GradingOutput `validate:"required,min=1"`

	// CorrelationID for tracing.
	CorrelationID string
}

// RecordPerformanceResult contains the outcome of the ingest.
type RecordPerformanceResult struct {
	// Records are the derived performance records that were stored.
	Records []performance.Record

	// Subjects touched by this ingest.
	Subjects []string

	// TeachLevel is the refreshed teaching-eligibility level.
	// nil when the student is not eligible or no final score was present.
	TeachLevel *student.Grade

	// TeachLevelChanged is true when the profile's level was updated.
	TeachLevelChanged bool
}

// RecordPerformanceHandler handles the RecordPerformanceCommand.
type RecordPerformanceHandler struct {
	tx         matching.Transactor
	aggregator *performance.Aggregator
	publisher  shared.EventPublisher
	logger     *slog.Logger
}

// NewRecordPerformanceHandler creates a new RecordPerformanceHandler.
func NewRecordPerformanceHandler(
	tx matching.Transactor,
	aggregator *performance.Aggregator,
	publisher shared.EventPublisher,
	logger *slog.Logger,
) *RecordPerformanceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if aggregator == nil {
		aggregator = performance.NewAggregator(nil)
	}
	return &RecordPerformanceHandler{
		tx:         tx,
		aggregator: aggregator,
		publisher:  publisher,
		logger:     logger.With("handler", "record_performance"),
	}
}

// Handle executes the record performance command.
func (h *RecordPerformanceHandler) Handle(ctx context.Context, cmd RecordPerformanceCommand) (*RecordPerformanceResult, error) {
	if err := validate.Struct("RecordPerformance", cmd); err != nil {
		return nil, err
	}

	records := h.aggregator.Derive(cmd.StudentID, cmd.Outputs)
	result := &RecordPerformanceResult{
		Records:  records,
		Subjects: performance.Subjects(records),
	}

	err := h.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		profile, err := s.Profiles().GetProfile(ctx, cmd.StudentID)
		if err != nil && !shared.IsNotFound(err) {
			return fmt.Errorf("failed to load profile: %w", err)
		}
		if profile == nil {
			profile = &student.Profile{ID: cmd.StudentID}
		}

		if cmd.Grade.IsKnown() && cmd.Grade != profile.Grade {
			profile.Grade = cmd.Grade
			profile.UpdatedAt = time.Now().UTC()
			if err := s.Profiles().SaveProfile(ctx, *profile); err != nil {
				return fmt.Errorf("failed to save profile: %w", err)
			}
		}

		if len(records) > 0 {
			if err := s.Performance().Upsert(ctx, records...); err != nil {
				return fmt.Errorf("failed to upsert performance records: %w", err)
			}
		}

		finalScore, ok := performance.LatestFinalScore(cmd.Outputs)
		if !ok {
			result.TeachLevel = profile.TeachLevel
			return nil
		}

		level := performance.FitToTeachLevel(finalScore, profile.Grade)
		result.TeachLevel = level
		if sameLevel(level, profile.TeachLevel) {
			return nil
		}
		if err := s.Profiles().UpdateTeachLevel(ctx, cmd.StudentID, level); err != nil {
			return fmt.Errorf("failed to update teach level: %w", err)
		}
		result.TeachLevelChanged = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("performance recorded",
		"student_id", cmd.StudentID,
		"records", len(records),
		"subjects", result.Subjects,
		"teach_level_changed", result.TeachLevelChanged,
	)

	if h.publisher != nil {
		var level *int
		if result.TeachLevel != nil {
			v := int(*result.TeachLevel)
			level = &v
		}
		event := shared.NewPerformanceRecordedEvent(int64(cmd.StudentID), result.Subjects, len(records), level)
		if cmd.CorrelationID != "" {
			event.BaseEvent = event.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		}
		if err := h.publisher.Publish(event); err != nil {
			h.logger.Warn("failed to publish event", "error", err)
		}
	}

	return result, nil
}

func sameLevel(a, b *student.Grade) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
