package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
)

func validParams() NewMatchParams {
	return NewMatchParams{
		TutorID:       1,
		LearnerID:     2,
		Subject:       "math",
		Chapter:       "fractions",
		TutorScore:    9,
		LearnerScore:  3,
		Compatibility: 68,
	}
}

func TestNewMatch(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(p *NewMatchParams)
		wantErr error
	}{
		{"valid", func(p *NewMatchParams) {}, nil},
		{"subject wide", func(p *NewMatchParams) { p.Chapter = "" }, nil},
		{"self match", func(p *NewMatchParams) { p.LearnerID = p.TutorID }, ErrSelfMatch},
		{"invalid tutor", func(p *NewMatchParams) { p.TutorID = 0 }, shared.ErrInvalidID},
		{"no subject", func(p *NewMatchParams) { p.Subject = " " }, ErrInvalidScope},
		{"bad mode", func(p *NewMatchParams) { p.MeetingMode = "teleport" }, shared.ErrInvalidInput},
		{"compatibility out of range", func(p *NewMatchParams) { p.Compatibility = 101 }, shared.ErrValueOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.modify(&p)

			m, err := NewMatch(p)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, m)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, m.ID)
			assert.Equal(t, MatchStatusPending, m.Status)
			assert.Equal(t, MeetingOnline, m.MeetingMode)
			assert.False(t, m.MatchedAt.IsZero())
		})
	}
}

func TestMatch_ChangeStatus(t *testing.T) {
	m, err := NewMatch(validParams())
	require.NoError(t, err)

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t2.Add(time.Hour)

	changed, err := m.ChangeStatus(MatchStatusAccepted, t1)
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, m.AcceptedAt)
	assert.Equal(t, t1, *m.AcceptedAt)

	// Same status is a no-op.
	changed, err = m.ChangeStatus(MatchStatusAccepted, t2)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, t1, *m.AcceptedAt)

	// Back to pending and accepted again keeps the first acceptance time.
	_, err = m.ChangeStatus(MatchStatusPending, t2)
	require.NoError(t, err)
	_, err = m.ChangeStatus(MatchStatusAccepted, t2)
	require.NoError(t, err)
	assert.Equal(t, t1, *m.AcceptedAt)

	_, err = m.ChangeStatus(MatchStatusCompleted, t3)
	require.NoError(t, err)
	require.NotNil(t, m.CompletedAt)
	assert.Equal(t, t3, *m.CompletedAt)

	_, err = m.ChangeStatus(MatchStatusPending, t3)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.True(t, shared.IsConflict(err))
	assert.Equal(t, MatchStatusCompleted, m.Status)

	_, err = m.ChangeStatus("unknown", t3)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestMatch_RejectedIsFinal(t *testing.T) {
	m, err := NewMatch(validParams())
	require.NoError(t, err)

	_, err = m.ChangeStatus(MatchStatusRejected, time.Now())
	require.NoError(t, err)
	assert.Nil(t, m.AcceptedAt)

	_, err = m.ChangeStatus(MatchStatusAccepted, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMatch_Roles(t *testing.T) {
	m, err := NewMatch(validParams())
	require.NoError(t, err)

	role, ok := m.RoleOf(1)
	assert.True(t, ok)
	assert.Equal(t, RoleTutor, role)

	role, ok = m.RoleOf(2)
	assert.True(t, ok)
	assert.Equal(t, RoleLearner, role)

	assert.False(t, m.Involves(3))
	assert.Equal(t, "matching:math/fractions", RunLockKey(m.Scope()))
}

func TestParseMatchStatus(t *testing.T) {
	s, err := ParseMatchStatus("completed")
	require.NoError(t, err)
	assert.True(t, s.IsFinal())

	_, err = ParseMatchStatus("archived")
	assert.True(t, shared.IsValidation(err))
}
