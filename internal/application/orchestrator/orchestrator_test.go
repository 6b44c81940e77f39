package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/performance"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/internal/domain/student"
	"github.com/alem-hub/peer-tutoring/internal/infrastructure/persistence/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type busyLocker struct {
	busy map[string]bool
}

func (l busyLocker) Acquire(_ context.Context, key string) (func(context.Context) error, error) {
	if l.busy[key] {
		return nil, matching.ErrRunInProgress
	}
	return func(context.Context) error { return nil }, nil
}

func rec(id student.StudentID, subject, chapter string, score float64) performance.Record {
	return performance.Record{StudentID: id, Subject: subject, Chapter: chapter, Score: score, Accuracy: int(score * 10)}
}

func seed(t *testing.T) *memory.Store {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()

	require.NoError(t, s.Performance().Upsert(ctx,
		rec(1, "math", "fractions", 9.0),
		rec(2, "math", "fractions", 8.0),
		rec(3, "math", "fractions", 3.0),
		rec(4, "math", "fractions", 6.0),
		rec(5, "math", "fractions", 2.0),
		rec(1, "math", "algebra", 9.0),
		rec(6, "math", "algebra", 8.5),
		rec(7, "physics", "optics", 9.5),
	))

	for _, p := range []student.Profile{
		{ID: 1, Grade: 10, Locality: "Almaty"},
		{ID: 2, Grade: 10, Locality: "Astana"},
		{ID: 3, Grade: 9, Locality: "almaty"},
		{ID: 4, Grade: 9},
		{ID: 5, Grade: 8},
	} {
		require.NoError(t, s.Profiles().SaveProfile(ctx, p))
	}
	return s
}

func TestFindMatches(t *testing.T) {
	o := New(seed(t), nil, nil, Config{Policy: matching.DefaultPolicy()})

	res, err := o.FindMatches(context.Background(), FindRequest{Subject: "math", Chapter: "fractions"})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Tutors)
	assert.Equal(t, 2, res.Learners)
	assert.Equal(t, 1, res.Excluded)
	assert.Equal(t, matching.PolicyStrictGrade, res.Policy)
	require.Len(t, res.Pairings, 4)

	for _, p := range res.Pairings {
		assert.NotEqual(t, student.StudentID(4), p.TutorID)
		assert.NotEqual(t, student.StudentID(4), p.LearnerID)
	}
}

func TestFindMatches_NotEligible(t *testing.T) {
	o := New(seed(t), nil, nil, Config{})

	_, err := o.FindMatches(context.Background(), FindRequest{Subject: "math", Chapter: "calculus"})
	assert.ErrorIs(t, err, matching.ErrNotEligible)
	assert.True(t, IsNotEligible(err))
}

func TestFindMatches_EmptyPool(t *testing.T) {
	o := New(seed(t), nil, nil, Config{})

	res, err := o.FindMatches(context.Background(), FindRequest{Subject: "physics", Chapter: "optics"})
	require.NoError(t, err)
	assert.Empty(t, res.Pairings)
	assert.Equal(t, 1, res.Tutors)
	assert.Zero(t, res.Learners)
}

func TestFindMatches_Validation(t *testing.T) {
	o := New(seed(t), nil, nil, Config{})
	ctx := context.Background()

	_, err := o.FindMatches(ctx, FindRequest{Chapter: "fractions"})
	assert.True(t, shared.IsValidation(err))

	_, err = o.FindMatches(ctx, FindRequest{Subject: "math", MeetingMode: "hologram"})
	assert.True(t, shared.IsValidation(err))

	_, err = o.FindMatches(ctx, FindRequest{Subject: "math", Policy: "anything_goes"})
	assert.True(t, shared.IsValidation(err))
}

func TestFindMatches_PhysicalReference(t *testing.T) {
	o := New(seed(t), nil, nil, Config{})

	res, err := o.FindMatches(context.Background(), FindRequest{
		Subject:     "math",
		Chapter:     "fractions",
		MeetingMode: matching.MeetingPhysical,
		Location:    &student.Location{Locality: "ALMATY"},
	})
	require.NoError(t, err)

	// Only students 1 and 3 are in Almaty.
	assert.Equal(t, 1, res.Tutors)
	assert.Equal(t, 1, res.Learners)
	require.Len(t, res.Pairings, 1)
	assert.Equal(t, student.StudentID(1), res.Pairings[0].TutorID)
	assert.Equal(t, student.StudentID(3), res.Pairings[0].LearnerID)
	// 68 plus the locality bonus.
	assert.InDelta(t, 78.0, res.Pairings[0].Score, 1e-9)
}

func TestFindMatches_PolicyOverride(t *testing.T) {
	s := seed(t)
	ctx := context.Background()
	level := student.Grade(9)
	require.NoError(t, s.Profiles().UpdateTeachLevel(ctx, 4, &level))

	o := New(s, nil, nil, Config{})
	res, err := o.FindMatches(ctx, FindRequest{
		Subject: "math",
		Chapter: "fractions",
		Policy:  matching.PolicyTeachingEligibility,
	})
	require.NoError(t, err)
	assert.Equal(t, matching.PolicyTeachingEligibility, res.Policy)

	// Only student 4 has a teaching level; it can teach 3 and 5.
	assert.Equal(t, 1, res.Tutors)
	require.NotEmpty(t, res.Pairings)
	for _, p := range res.Pairings {
		assert.Equal(t, student.StudentID(4), p.TutorID)
	}
}

func TestCreateMatches_Idempotent(t *testing.T) {
	store := seed(t)
	pub := &recordingPublisher{}
	o := New(store, nil, pub, Config{})
	ctx := context.Background()
	req := FindRequest{Subject: "math", Chapter: "fractions"}

	first, err := o.CreateMatches(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.Created, 4)
	assert.Empty(t, first.Existing)

	for _, m := range first.Created {
		assert.Equal(t, matching.MatchStatusPending, m.Status)
		assert.Equal(t, "fractions", m.Chapter)
		assert.NotEqual(t, m.TutorID, m.LearnerID)
		assert.Greater(t, m.TutorScore, m.LearnerScore)
	}

	second, err := o.CreateMatches(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Existing, 4)
	assert.ElementsMatch(t, matchIDs(first.Created), matchIDs(second.Existing))

	n, err := store.Matches().CountByScope(ctx, req.Scope())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	require.Len(t, pub.events, 1)
	assert.Equal(t, shared.EventMatchesCreated, pub.events[0].EventType())
}

// lateWriterTx hides records committed by a concurrent run from the first
// FindExisting check, the way a read-committed transaction can miss them.
type lateWriterTx struct {
	*memory.Store
	checked map[string]bool
}

func (l *lateWriterTx) WithinTx(ctx context.Context, fn func(context.Context, matching.Store) error) error {
	return l.Store.WithinTx(ctx, func(ctx context.Context, s matching.Store) error {
		return fn(ctx, lateWriterStore{Store: s, checked: l.checked})
	})
}

type lateWriterStore struct {
	matching.Store
	checked map[string]bool
}

func (s lateWriterStore) Matches() matching.MatchRepository {
	return lateWriterMatches{MatchRepository: s.Store.Matches(), checked: s.checked}
}

type lateWriterMatches struct {
	matching.MatchRepository
	checked map[string]bool
}

func (m lateWriterMatches) FindExisting(ctx context.Context, tutorID, learnerID student.StudentID, subject, chapter string) (*matching.Match, error) {
	key := fmt.Sprintf("%d/%d/%s/%s", tutorID, learnerID, subject, chapter)
	if !m.checked[key] {
		m.checked[key] = true
		return nil, nil
	}
	return m.MatchRepository.FindExisting(ctx, tutorID, learnerID, subject, chapter)
}

func TestCreateMatches_ConcurrentRunRecordIsExisting(t *testing.T) {
	store := seed(t)
	ctx := context.Background()
	req := FindRequest{Subject: "math", Chapter: "fractions"}

	found, err := New(store, nil, nil, Config{}).FindMatches(ctx, req)
	require.NoError(t, err)
	require.Len(t, found.Pairings, 4)

	p := found.Pairings[0]
	rival, err := matching.NewMatch(matching.NewMatchParams{
		TutorID: p.TutorID, LearnerID: p.LearnerID, Subject: "math", Chapter: "fractions", Compatibility: p.Score,
	})
	require.NoError(t, err)
	_, err = store.Matches().SaveAll(ctx, []*matching.Match{rival})
	require.NoError(t, err)

	pub := &recordingPublisher{}
	o := New(&lateWriterTx{Store: store, checked: map[string]bool{}}, nil, pub, Config{})
	res, err := o.CreateMatches(ctx, req)
	require.NoError(t, err)

	require.Len(t, res.Existing, 1)
	assert.Equal(t, rival.ID, res.Existing[0].ID)
	require.Len(t, res.Created, 3)
	for _, m := range res.Created {
		stored, err := store.Matches().GetByID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, m.ID, stored.ID)
	}

	require.Len(t, pub.events, 1)
	created, ok := pub.events[0].(shared.MatchesCreatedEvent)
	require.True(t, ok)
	assert.NotContains(t, created.MatchIDs, rival.ID)
	assert.Len(t, created.MatchIDs, 3)
}

func TestCreateMatches_RunInProgress(t *testing.T) {
	locker := busyLocker{busy: map[string]bool{"matching:math/fractions": true}}
	o := New(seed(t), locker, nil, Config{})

	_, err := o.CreateMatches(context.Background(), FindRequest{Subject: "math", Chapter: "fractions"})
	assert.ErrorIs(t, err, matching.ErrRunInProgress)
}

func TestMatchAllChapters(t *testing.T) {
	locker := busyLocker{busy: map[string]bool{"matching:math/algebra": true}}
	o := New(seed(t), locker, nil, Config{})

	res, err := o.MatchAllChapters(context.Background(), BatchRequest{})
	require.NoError(t, err)

	// fractions and optics run, algebra is locked.
	assert.Equal(t, 2, res.Chapters)
	assert.Equal(t, 4, res.Created)
	assert.Equal(t, []performance.ChapterRef{{Subject: "math", Chapter: "algebra"}}, res.Skipped)
	assert.Empty(t, res.Failed)
}

type cancelOnPublish struct {
	cancel context.CancelFunc
}

func (p cancelOnPublish) Publish(shared.Event) error {
	p.cancel()
	return nil
}

func TestMatchAllChapters_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o := New(seed(t), nil, cancelOnPublish{cancel: cancel}, Config{})

	// algebra yields nothing, fractions publishes and cancels, optics never runs.
	res, err := o.MatchAllChapters(ctx, BatchRequest{})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Chapters)
	assert.Equal(t, 4, res.Created)

	_, err = o.MatchAllChapters(ctx, BatchRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindSubjectMatches(t *testing.T) {
	o := New(seed(t), nil, nil, Config{})
	ctx := context.Background()

	tutor, err := o.FindSubjectMatches(ctx, SubjectMatchRequest{StudentID: 1})
	require.NoError(t, err)
	require.Len(t, tutor.CanTutor, 1)
	assert.Empty(t, tutor.NeedsHelp)

	math := tutor.CanTutor[0]
	assert.Equal(t, "math", math.Subject)
	assert.InDelta(t, 9.0, math.Score, 1e-9)
	require.Len(t, math.Partners, 2)
	assert.Equal(t, student.StudentID(3), math.Partners[0].StudentID)
	assert.Equal(t, student.StudentID(5), math.Partners[1].StudentID)
	assert.Equal(t, 1, math.Partners[0].SharedChapters)
	// 68 plus 2 for one shared chapter.
	assert.InDelta(t, 70.0, math.Partners[0].Compatibility, 1e-9)

	learner, err := o.FindSubjectMatches(ctx, SubjectMatchRequest{StudentID: 3, Limit: 1})
	require.NoError(t, err)
	assert.Empty(t, learner.CanTutor)
	require.Len(t, learner.NeedsHelp, 1)
	require.Len(t, learner.NeedsHelp[0].Partners, 1)
	assert.Equal(t, student.StudentID(2), learner.NeedsHelp[0].Partners[0].StudentID)

	nobody, err := o.FindSubjectMatches(ctx, SubjectMatchRequest{StudentID: 99})
	require.NoError(t, err)
	assert.Empty(t, nobody.CanTutor)
	assert.Empty(t, nobody.NeedsHelp)
}
