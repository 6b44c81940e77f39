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
// ACCEPT HELP REQUEST COMMAND
// A qualified tutor takes an open help request. The pair is scored like a
// direct connection and stored as a pending match; the request moves to
// in_progress and points at that match. A learner without a chapter record
// is scored as 0.
// ══════════════════════════════════════════════════════════════════════════════

// AcceptHelpRequestCommand contains the data to accept a help request.
type AcceptHelpRequestCommand struct {
	RequestID   string               `validate:"required"`
	TutorID     student.StudentID    `validate:"required,gt=0"`
	MeetingMode matching.MeetingMode `validate:"omitempty,oneof=online physical"`

	// CorrelationID for tracing.
	CorrelationID string
}

// AcceptHelpRequestResult contains the updated request and its match.
type AcceptHelpRequestResult struct {
	Request *help.Request
	Match   *matching.Match

	// MatchCreated is false when the pair already had a match in the chapter.
	MatchCreated bool
}

// AcceptHelpRequestHandler handles the AcceptHelpRequestCommand.
type AcceptHelpRequestHandler struct {
	tx        matching.Transactor
	policy    matching.Policy
	publisher shared.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewAcceptHelpRequestHandler creates a new AcceptHelpRequestHandler.
func NewAcceptHelpRequestHandler(tx matching.Transactor, policy matching.Policy, publisher shared.EventPublisher, logger *slog.Logger) *AcceptHelpRequestHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AcceptHelpRequestHandler{
		tx:        tx,
		policy:    policy,
		publisher: publisher,
		logger:    logger.With("handler", "accept_help_request"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the accept help request command.
func (h *AcceptHelpRequestHandler) Handle(ctx context.Context, cmd AcceptHelpRequestCommand) (*AcceptHelpRequestResult, error) {
	if err := validate.Struct("AcceptHelpRequest", cmd); err != nil {
		return nil, err
	}

	var result *AcceptHelpRequestResult
	err := h.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		req, err := s.Help().GetRequest(ctx, cmd.RequestID)
		if err != nil {
			return err
		}
		if req.Status != help.RequestStatusOpen {
			return help.ErrRequestNotOpen
		}
		if req.StudentID == cmd.TutorID {
			return help.ErrOwnRequest
		}

		tutorRec, err := chapterRecord(ctx, s, cmd.TutorID, req.Subject, req.Chapter)
		if err != nil {
			return err
		}
		if tutorRec == nil || tutorRec.Score < h.policy.Thresholds.Tutor {
			return fmt.Errorf("%w: tutor %d in %s/%s", help.ErrBelowTutorThreshold, cmd.TutorID, req.Subject, req.Chapter)
		}

		learnerRec, err := chapterRecord(ctx, s, req.StudentID, req.Subject, req.Chapter)
		if err != nil {
			return err
		}
		if learnerRec == nil {
			learnerRec = &performance.Record{StudentID: req.StudentID, Subject: req.Subject, Chapter: req.Chapter}
		}

		m, created, err := h.pendingMatch(ctx, s, *tutorRec, *learnerRec, cmd.MeetingMode.OrDefault())
		if err != nil {
			return err
		}

		if err := req.Accept(cmd.TutorID, m.ID, h.now()); err != nil {
			return err
		}
		if err := s.Help().UpdateRequest(ctx, req, help.RequestStatusOpen); err != nil {
			return err
		}
		result = &AcceptHelpRequestResult{Request: req, Match: m, MatchCreated: created}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("help request accepted",
		"request_id", result.Request.ID,
		"match_id", result.Match.ID,
		"tutor_id", result.Match.TutorID,
		"learner_id", result.Match.LearnerID,
		"match_created", result.MatchCreated,
	)
	h.publish(cmd, result)

	return result, nil
}

// pendingMatch returns the pair's match in the chapter, creating it if needed.
func (h *AcceptHelpRequestHandler) pendingMatch(ctx context.Context, s matching.Store, tutorRec, learnerRec performance.Record, mode matching.MeetingMode) (*matching.Match, bool, error) {
	existing, err := s.Matches().FindExisting(ctx, tutorRec.StudentID, learnerRec.StudentID, tutorRec.Subject, tutorRec.Chapter)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check existing match: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	profiles, err := s.Profiles().GetProfiles(ctx, []student.StudentID{tutorRec.StudentID, learnerRec.StudentID})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load student profiles: %w", err)
	}
	pair := matching.NewChapterCandidates([]performance.Record{tutorRec, learnerRec}, profiles)
	byID := map[student.StudentID]matching.Candidate{pair[0].StudentID: pair[0], pair[1].StudentID: pair[1]}
	tutor, learner := byID[tutorRec.StudentID], byID[learnerRec.StudentID]

	scorer := matching.NewScorer(h.policy.Weights)
	compatibility := scorer.Score(tutor.Score, learner.Score, matching.ScoreContext{
		TutorGrade:   tutor.Grade,
		LearnerGrade: learner.Grade,
		SameLocality: tutor.Location.SameLocality(learner.Location),
		Bonus:        matching.BonusLocality,
	})

	m, err := matching.NewMatch(matching.NewMatchParams{
		TutorID:       tutor.StudentID,
		LearnerID:     learner.StudentID,
		Subject:       tutorRec.Subject,
		Chapter:       tutorRec.Chapter,
		MeetingMode:   mode,
		TutorScore:    tutor.Score,
		LearnerScore:  learner.Score,
		Compatibility: compatibility,
		MatchedAt:     h.now(),
	})
	if err != nil {
		return nil, false, err
	}
	created, raced, err := matching.SaveMatches(ctx, s.Matches(), []*matching.Match{m})
	if err != nil {
		return nil, false, fmt.Errorf("failed to save match: %w", err)
	}
	if len(created) == 0 {
		return raced[0], false, nil
	}
	return created[0], true, nil
}

func (h *AcceptHelpRequestHandler) publish(cmd AcceptHelpRequestCommand, result *AcceptHelpRequestResult) {
	if h.publisher == nil {
		return
	}
	m := result.Match
	events := []shared.Event{}
	if result.MatchCreated {
		created := shared.NewMatchesCreatedEvent(m.Subject, m.Chapter, 1, 0, []string{m.ID})
		created.BaseEvent = created.BaseEvent.WithCorrelationID(cmd.CorrelationID)
		events = append(events, created)
	}
	accepted := shared.NewHelpRequestAcceptedEvent(result.Request.ID, m.ID, int64(m.TutorID), int64(m.LearnerID), result.MatchCreated)
	accepted.BaseEvent = accepted.BaseEvent.WithCorrelationID(cmd.CorrelationID)
	events = append(events, accepted)

	for _, event := range events {
		if err := h.publisher.Publish(event); err != nil {
			h.logger.Warn("failed to publish event", "event_type", event.EventType(), "error", err)
		}
	}
}
