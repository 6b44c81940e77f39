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
// CONNECT PEERS COMMAND
// Creates a match between a student and a chosen peer outside a matching run.
// The student with the higher chapter score becomes the tutor; on a tie the
// peer tutors.
// ══════════════════════════════════════════════════════════════════════════════

// ConnectPeersCommand contains the data to connect two students.
type ConnectPeersCommand struct {
	StudentID   student.StudentID    `validate:"required,gt=0"`
	PeerID      student.StudentID    `validate:"required,gt=0,nefield=StudentID"`
	Subject     string               `validate:"required"`
	Chapter     string               `validate:"required"`
	MeetingMode matching.MeetingMode `validate:"omitempty,oneof=online physical"`

	// CorrelationID for tracing.
	CorrelationID string
}

// ConnectPeersResult contains the created or existing match.
type ConnectPeersResult struct {
	Match   *matching.Match
	Created bool
}

// ConnectPeersHandler handles the ConnectPeersCommand.
type ConnectPeersHandler struct {
	tx        matching.Transactor
	policy    matching.Policy
	publisher shared.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewConnectPeersHandler creates a new ConnectPeersHandler.
func NewConnectPeersHandler(tx matching.Transactor, policy matching.Policy, publisher shared.EventPublisher, logger *slog.Logger) *ConnectPeersHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectPeersHandler{
		tx:        tx,
		policy:    policy,
		publisher: publisher,
		logger:    logger.With("handler", "connect_peers"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the connect peers command.
func (h *ConnectPeersHandler) Handle(ctx context.Context, cmd ConnectPeersCommand) (*ConnectPeersResult, error) {
	if cmd.StudentID != 0 && cmd.StudentID == cmd.PeerID {
		return nil, matching.ErrSelfMatch
	}
	if err := validate.Struct("ConnectPeers", cmd); err != nil {
		return nil, err
	}

	scope := matching.Scope{Subject: cmd.Subject, Chapter: cmd.Chapter}
	mode := cmd.MeetingMode.OrDefault()
	var result *ConnectPeersResult

	err := h.tx.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		records, err := s.Performance().ListByChapter(ctx, scope.Subject, scope.Chapter)
		if err != nil {
			return fmt.Errorf("failed to load performance records: %w", err)
		}

		var own, peer *performance.Record
		for i := range records {
			switch records[i].StudentID {
			case cmd.StudentID:
				own = &records[i]
			case cmd.PeerID:
				peer = &records[i]
			}
		}
		if own == nil || peer == nil {
			return shared.WrapError("matching", "ConnectPeers", shared.ErrNotFound,
				"both students need performance in the chapter", fmt.Errorf("scope %s", scope))
		}

		tutorRec, learnerRec := *peer, *own
		if own.Score > peer.Score {
			tutorRec, learnerRec = *own, *peer
		}

		existing, err := s.Matches().FindExisting(ctx, tutorRec.StudentID, learnerRec.StudentID, scope.Subject, scope.Chapter)
		if err != nil {
			return fmt.Errorf("failed to check existing match: %w", err)
		}
		if existing != nil {
			result = &ConnectPeersResult{Match: existing}
			return nil
		}

		profiles, err := s.Profiles().GetProfiles(ctx, []student.StudentID{tutorRec.StudentID, learnerRec.StudentID})
		if err != nil {
			return fmt.Errorf("failed to load student profiles: %w", err)
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
			Subject:       scope.Subject,
			Chapter:       scope.Chapter,
			MeetingMode:   mode,
			TutorScore:    tutor.Score,
			LearnerScore:  learner.Score,
			Compatibility: compatibility,
			MatchedAt:     h.now(),
		})
		if err != nil {
			return err
		}
		created, raced, err := matching.SaveMatches(ctx, s.Matches(), []*matching.Match{m})
		if err != nil {
			return fmt.Errorf("failed to save match: %w", err)
		}
		if len(created) == 0 {
			result = &ConnectPeersResult{Match: raced[0]}
			return nil
		}
		result = &ConnectPeersResult{Match: created[0], Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Created {
		h.logger.Info("peers connected",
			"match_id", result.Match.ID,
			"tutor_id", result.Match.TutorID,
			"learner_id", result.Match.LearnerID,
			"scope", scope.String(),
		)
		if h.publisher != nil {
			event := shared.NewMatchesCreatedEvent(scope.Subject, scope.Chapter, 1, 0, []string{result.Match.ID})
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
