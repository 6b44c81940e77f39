package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/help"
	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/memory"
)

func helpStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	require.NoError(t, store.Performance().Upsert(context.Background(),
		performance.Record{StudentID: 1, Subject: "math", Chapter: "fractions", Score: 3, Accuracy: 30},
		performance.Record{StudentID: 2, Subject: "math", Chapter: "fractions", Score: 8, Accuracy: 80},
		performance.Record{StudentID: 3, Subject: "math", Chapter: "fractions", Score: 6, Accuracy: 60},
		performance.Record{StudentID: 4, Subject: "math", Chapter: "fractions", Score: 9, Accuracy: 90},
	))
	return store
}

func TestRequestHelp(t *testing.T) {
	ctx := context.Background()
	store := helpStore(t)
	pub := &capturePublisher{}
	h := NewRequestHelpHandler(store, pub, nil)

	req, err := h.Handle(ctx, RequestHelpCommand{StudentID: 1, Subject: "math", Chapter: "fractions", Description: "denominators", CorrelationID: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, help.RequestStatusOpen, req.Status)
	assert.Equal(t, help.UrgencyNormal, req.Urgency)
	require.NotNil(t, req.Score)
	assert.InDelta(t, 3.0, *req.Score, 1e-9)

	stored, err := store.Help().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, "denominators", stored.Description)

	// No record in the chapter: the request carries no score.
	other, err := h.Handle(ctx, RequestHelpCommand{StudentID: 9, Subject: "math", Chapter: "fractions", Urgency: help.UrgencyUrgent})
	require.NoError(t, err)
	assert.Nil(t, other.Score)

	require.Len(t, pub.events, 2)
	assert.Equal(t, shared.EventHelpRequested, pub.events[0].EventType())
	posted, ok := pub.events[0].(shared.HelpPostedEvent)
	require.True(t, ok)
	assert.Equal(t, "c-1", posted.CorrelationID)
	assert.Equal(t, req.ID, posted.PostID)

	_, err = h.Handle(ctx, RequestHelpCommand{StudentID: 1, Subject: "math"})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, RequestHelpCommand{StudentID: 1, Subject: "math", Chapter: "fractions", Urgency: "whenever"})
	assert.True(t, shared.IsValidation(err))
}

func TestOfferHelp(t *testing.T) {
	ctx := context.Background()
	store := helpStore(t)
	pub := &capturePublisher{}
	h := NewOfferHelpHandler(store, matching.DefaultPolicy(), pub, nil)

	offer, err := h.Handle(ctx, OfferHelpCommand{TutorID: 4, Subject: "math", Chapter: "fractions", Availability: "weekends"})
	require.NoError(t, err)
	assert.Equal(t, help.DefaultMaxStudents, offer.MaxStudents)
	assert.True(t, offer.Active)
	require.NotNil(t, offer.Score)
	assert.InDelta(t, 9.0, *offer.Score, 1e-9)

	_, err = h.Handle(ctx, OfferHelpCommand{TutorID: 3, Subject: "math", Chapter: "fractions"})
	assert.ErrorIs(t, err, help.ErrBelowTutorThreshold)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	// Without a record the offer is accepted and carries no score.
	unscored, err := h.Handle(ctx, OfferHelpCommand{TutorID: 7, Subject: "math", Chapter: "fractions", MaxStudents: 1})
	require.NoError(t, err)
	assert.Nil(t, unscored.Score)
	assert.Equal(t, 1, unscored.MaxStudents)

	offers, err := store.Help().ListOffers(ctx, help.OfferFilter{Subject: "math", Chapter: "fractions", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, offer.ID, offers[0].ID)

	require.Len(t, pub.events, 2)
	assert.Equal(t, shared.EventHelpOffered, pub.events[0].EventType())

	_, err = h.Handle(ctx, OfferHelpCommand{TutorID: 4, Subject: "math", Chapter: "fractions", MaxStudents: 50})
	assert.True(t, shared.IsValidation(err))
}

func TestAcceptHelpRequest(t *testing.T) {
	ctx := context.Background()
	store := helpStore(t)
	pub := &capturePublisher{}
	policy := matching.DefaultPolicy()
	requests := NewRequestHelpHandler(store, nil, nil)
	h := NewAcceptHelpRequestHandler(store, policy, pub, nil)

	req, err := requests.Handle(ctx, RequestHelpCommand{StudentID: 1, Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)

	_, err = h.Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 3})
	assert.ErrorIs(t, err, help.ErrBelowTutorThreshold)

	_, err = h.Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 8})
	assert.ErrorIs(t, err, help.ErrBelowTutorThreshold)

	_, err = h.Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 1})
	assert.ErrorIs(t, err, help.ErrOwnRequest)

	res, err := h.Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 2, CorrelationID: "c-9"})
	require.NoError(t, err)
	assert.True(t, res.MatchCreated)
	assert.Equal(t, help.RequestStatusInProgress, res.Request.Status)
	require.NotNil(t, res.Request.MatchedWith)
	assert.Equal(t, student.StudentID(2), *res.Request.MatchedWith)
	assert.Equal(t, res.Match.ID, res.Request.MatchID)

	m := res.Match
	assert.Equal(t, student.StudentID(2), m.TutorID)
	assert.Equal(t, student.StudentID(1), m.LearnerID)
	assert.Equal(t, matching.MatchStatusPending, m.Status)
	assert.Equal(t, matching.MeetingOnline, m.MeetingMode)
	// Same pair and scores as a direct connection: gap 5 gives 40 + 20 + 10.5.
	want := matching.NewScorer(policy.Weights).Score(8, 3, matching.ScoreContext{Bonus: matching.BonusLocality})
	assert.InDelta(t, want, m.Compatibility, 1e-9)
	assert.InDelta(t, 70.5, m.Compatibility, 1e-9)

	stored, err := store.Matches().GetByID(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, stored.ID)

	storedReq, err := store.Help().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, help.RequestStatusInProgress, storedReq.Status)
	assert.Equal(t, m.ID, storedReq.MatchID)

	_, err = h.Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 4})
	assert.ErrorIs(t, err, help.ErrRequestNotOpen)
	assert.True(t, shared.IsConflict(err))

	_, err = h.Handle(ctx, AcceptHelpRequestCommand{RequestID: "missing", TutorID: 2})
	assert.ErrorIs(t, err, help.ErrRequestNotFound)

	_, err = h.Handle(ctx, AcceptHelpRequestCommand{TutorID: 2})
	assert.True(t, shared.IsValidation(err))

	require.Len(t, pub.events, 2)
	assert.Equal(t, shared.EventMatchesCreated, pub.events[0].EventType())
	accepted, ok := pub.events[1].(shared.HelpRequestAcceptedEvent)
	require.True(t, ok)
	assert.Equal(t, req.ID, accepted.RequestID)
	assert.Equal(t, m.ID, accepted.MatchID)
	assert.True(t, accepted.MatchCreated)
	assert.Equal(t, "c-9", accepted.CorrelationID)
}

func TestAcceptHelpRequest_ReusesExistingMatch(t *testing.T) {
	ctx := context.Background()
	store := helpStore(t)
	pub := &capturePublisher{}
	existing := saveMatch(t, store, 2, 1)

	req, err := NewRequestHelpHandler(store, nil, nil).Handle(ctx, RequestHelpCommand{StudentID: 1, Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)

	res, err := NewAcceptHelpRequestHandler(store, matching.DefaultPolicy(), pub, nil).
		Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 2})
	require.NoError(t, err)
	assert.False(t, res.MatchCreated)
	assert.Equal(t, existing.ID, res.Match.ID)
	assert.Equal(t, existing.ID, res.Request.MatchID)

	n, err := store.Matches().CountByScope(ctx, matching.Scope{Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, pub.events, 1)
	assert.Equal(t, shared.EventHelpRequestAccepted, pub.events[0].EventType())
}

func TestAcceptHelpRequest_LearnerWithoutRecord(t *testing.T) {
	ctx := context.Background()
	store := helpStore(t)

	req, err := NewRequestHelpHandler(store, nil, nil).Handle(ctx, RequestHelpCommand{StudentID: 9, Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)

	res, err := NewAcceptHelpRequestHandler(store, matching.DefaultPolicy(), nil, nil).
		Handle(ctx, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 4, MeetingMode: matching.MeetingPhysical})
	require.NoError(t, err)
	assert.Zero(t, res.Match.LearnerScore)
	assert.Equal(t, matching.MeetingPhysical, res.Match.MeetingMode)
	// Gap 9: 40*0.5 + 22.5 + 15.
	assert.InDelta(t, 57.5, res.Match.Compatibility, 1e-9)
}

func TestAcceptHelpRequest_CancelledLeavesRequestOpen(t *testing.T) {
	ctx := context.Background()
	store := helpStore(t)

	req, err := NewRequestHelpHandler(store, nil, nil).Handle(ctx, RequestHelpCommand{StudentID: 1, Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = NewAcceptHelpRequestHandler(store, matching.DefaultPolicy(), nil, nil).
		Handle(cancelled, AcceptHelpRequestCommand{RequestID: req.ID, TutorID: 2})
	require.Error(t, err)

	stored, err := store.Help().GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, help.RequestStatusOpen, stored.Status)
	assert.Empty(t, stored.MatchID)

	n, err := store.Matches().CountByScope(ctx, matching.Scope{Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)
	assert.Zero(t, n)
}
