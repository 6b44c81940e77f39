package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
)

// BatchRequest runs CreateMatches for every chapter of a subject,
// or of every subject when Subject is empty.
type BatchRequest struct {
	Subject     string
	MeetingMode matching.MeetingMode `validate:"omitempty,oneof=online physical"`
	Filter      matching.PoolFilter
	Policy      string `validate:"omitempty,oneof=strict_grade_filter teaching_eligibility_filter"`
}

// ChapterFailure records a chapter whose run failed.
type ChapterFailure struct {
	Chapter performance.ChapterRef
	Err     error
}

// BatchResult summarizes a batch run. It is returned even when the batch
// stops early, so callers see partial progress.
type BatchResult struct {
	Chapters int
	Created  int
	Existing int

	// Skipped are chapters whose run lock was held by another run.
	Skipped []performance.ChapterRef

	// Failed are chapters whose run returned an error.
	Failed []ChapterFailure

	Duration time.Duration
}

// MatchAllChapters creates matches chapter by chapter. A failed chapter does
// not stop the batch. Cancellation is checked before and after each chapter;
// a cancelled batch returns the partial result together with the context error.
func (o *Orchestrator) MatchAllChapters(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	start := time.Now()
	result := &BatchResult{}

	var chapters []performance.ChapterRef
	err := o.tx.WithinReadTx(ctx, func(ctx context.Context, s matching.Store) error {
		var err error
		chapters, err = s.Performance().ListChapters(ctx, req.Subject)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list chapters: %w", err)
	}

	for _, ref := range chapters {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		created, err := o.CreateMatches(ctx, FindRequest{
			Subject:     ref.Subject,
			Chapter:     ref.Chapter,
			MeetingMode: req.MeetingMode,
			Filter:      req.Filter,
			Policy:      req.Policy,
		})
		switch {
		case err == nil:
			result.Chapters++
			result.Created += len(created.Created)
			result.Existing += len(created.Existing)
		case errors.Is(err, matching.ErrRunInProgress):
			result.Skipped = append(result.Skipped, ref)
		case ctx.Err() != nil:
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
			o.logger.Error("chapter matching failed",
				"subject", ref.Subject,
				"chapter", ref.Chapter,
				"error", err,
			)
			result.Failed = append(result.Failed, ChapterFailure{Chapter: ref, Err: err})
		}

		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}
	}

	result.Duration = time.Since(start)
	o.logger.Info("batch matching completed",
		"subject", req.Subject,
		"chapters", result.Chapters,
		"created", result.Created,
		"existing", result.Existing,
		"skipped", len(result.Skipped),
		"failed", len(result.Failed),
		"duration", result.Duration,
	)
	return result, nil
}
