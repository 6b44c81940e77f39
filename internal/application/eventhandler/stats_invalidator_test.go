package eventhandler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/matching"
	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
)

type countingCache struct {
	invalidations int
	err           error
}

func (c *countingCache) GetStats(context.Context, string) (*matching.Stats, error) { return nil, nil }
func (c *countingCache) SetStats(context.Context, string, *matching.Stats) error   { return nil }
func (c *countingCache) InvalidateStats(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("no deadline")
	}
	c.invalidations++
	return c.err
}

type recordingSubscriber struct {
	handlers map[shared.EventType]shared.EventHandler
}

func (s *recordingSubscriber) Subscribe(t shared.EventType, h shared.EventHandler) error {
	if s.handlers == nil {
		s.handlers = make(map[shared.EventType]shared.EventHandler)
	}
	s.handlers[t] = h
	return nil
}

func (s *recordingSubscriber) SubscribeAll(shared.EventHandler) error { return nil }

func TestStatsInvalidator_Register(t *testing.T) {
	cache := &countingCache{}
	h := NewStatsInvalidator(cache, nil)

	sub := &recordingSubscriber{}
	require.NoError(t, h.Register(sub))
	require.Len(t, sub.handlers, 3)

	require.NoError(t, sub.handlers[shared.EventMatchesCreated](shared.NewMatchesCreatedEvent("math", "fractions", 1, 0, nil)))
	require.NoError(t, sub.handlers[shared.EventPerformanceRecorded](shared.NewPerformanceRecordedEvent(7, []string{"math"}, 2, nil)))
	assert.Equal(t, 2, cache.invalidations)
}

func TestStatsInvalidator_Errors(t *testing.T) {
	cache := &countingCache{err: errors.New("redis down")}
	h := NewStatsInvalidator(cache, nil)

	err := h.Handle(shared.NewMatchStatusChangedEvent("m1", "pending", "accepted", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestStatsInvalidator_NilCache(t *testing.T) {
	h := NewStatsInvalidator(nil, nil)
	assert.NoError(t, h.Handle(shared.NewMatchesCreatedEvent("math", "", 0, 0, nil)))
}
