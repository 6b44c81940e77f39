package messaging

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/peer-tutoring/internal/domain/shared"
	"github.com/alem-hub/peer-tutoring/pkg/retry"
)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: false})
}

func TestInMemoryEventBus_SyncDelivery(t *testing.T) {
	bus := syncBus()

	var typed, all int
	require.NoError(t, bus.Subscribe(shared.EventMatchesCreated, func(shared.Event) error {
		typed++
		return nil
	}))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		all++
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewMatchesCreatedEvent("math", "fractions", 2, 0, nil)))
	require.NoError(t, bus.Publish(shared.NewMatchStatusChangedEvent("m1", "pending", "accepted", 1)))

	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalPublished)
	assert.Equal(t, int64(1), snap.Published[shared.EventMatchesCreated])
	assert.Equal(t, int64(3), snap.HandlerExecutions)
	assert.Zero(t, snap.HandlerFailures)
}

func TestInMemoryEventBus_HandlerErrorsDoNotReachPublisher(t *testing.T) {
	bus := syncBus()

	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		return errors.New("boom")
	}))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		panic("kaboom")
	}))

	require.NoError(t, bus.Publish(shared.NewPerformanceRecordedEvent(1, []string{"math"}, 1, nil)))
	assert.Equal(t, int64(2), bus.Metrics().Snapshot().HandlerFailures)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := Chain(func(shared.Event) error { panic("oops") }, RecoveryMiddleware(syncBus().logger))

	err := h(shared.NewMatchStatusChangedEvent("m1", "pending", "accepted", 1))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHandlerPanic)
	assert.Contains(t, err.Error(), "oops")
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next shared.EventHandler) shared.EventHandler {
			return func(e shared.Event) error {
				order = append(order, name)
				return next(e)
			}
		}
	}

	h := Chain(func(shared.Event) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), mw("inner"))

	require.NoError(t, h(shared.NewMatchesCreatedEvent("math", "", 0, 0, nil)))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestRetryMiddleware(t *testing.T) {
	r := retry.New(retry.WithMaxAttempts(3), retry.WithInitialDelay(time.Millisecond), retry.WithJitter(0))

	var calls int
	h := Chain(func(shared.Event) error {
		calls++
		if calls < 3 {
			return retry.Retryable(errors.New("redis down"))
		}
		return nil
	}, RetryMiddleware(r))

	require.NoError(t, h(shared.NewMatchesCreatedEvent("math", "", 0, 0, nil)))
	assert.Equal(t, 3, calls)

	calls = 0
	h = Chain(func(shared.Event) error {
		calls++
		return retry.Permanent(errors.New("bad payload"))
	}, RetryMiddleware(r))
	assert.EqualError(t, h(shared.NewMatchesCreatedEvent("math", "", 0, 0, nil)), "bad payload")
	assert.Equal(t, 1, calls)
}

func TestInMemoryEventBus_AsyncCloseWaits(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var handled atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		time.Sleep(10 * time.Millisecond)
		handled.Add(1)
		return nil
	}))

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(shared.NewMatchesCreatedEvent("math", "", i, 0, nil)))
	}
	require.NoError(t, bus.Close())
	assert.Equal(t, int32(5), handled.Load())

	select {
	case <-bus.Done():
	default:
		t.Fatal("Done not closed")
	}

	assert.ErrorIs(t, bus.Publish(shared.NewMatchesCreatedEvent("math", "", 0, 0, nil)), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventMatchesCreated, func(shared.Event) error { return nil }), ErrEventBusClosed)
	assert.NoError(t, bus.Close())
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	assert.Error(t, bus.Subscribe(shared.EventMatchesCreated, nil))
	assert.Error(t, bus.SubscribeAll(nil))
	assert.Error(t, bus.Publish(nil))
}

// ══════════════════════════════════════════════════════════════════════════════
// REDIS BRIDGE
// ══════════════════════════════════════════════════════════════════════════════

// fakeBroker is an in-process stand-in for a Redis server.
type fakeBroker struct {
	mu   sync.Mutex
	subs map[string][]chan PubSubMessage
	fail bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subs: make(map[string][]chan PubSubMessage)}
}

func (f *fakeBroker) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	for _, ch := range f.subs[channel] {
		ch <- PubSubMessage{Payload: payload}
	}
	return nil
}

func (f *fakeBroker) Subscribe(_ context.Context, channel string) (<-chan PubSubMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan PubSubMessage, 16)
	f.subs[channel] = append(f.subs[channel], ch)
	return ch, nil
}

func newBridge(t *testing.T, broker *fakeBroker, id string) *RedisEventBus {
	t.Helper()
	bus, err := NewRedisEventBus(RedisEventBusConfig{
		Client:         broker,
		InstanceID:     id,
		LocalBusConfig: InMemoryEventBusConfig{AsyncMode: false},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisEventBus_FansOutToOtherInstances(t *testing.T) {
	broker := newFakeBroker()
	a := newBridge(t, broker, "worker-a")
	b := newBridge(t, broker, "worker-b")

	var localA atomic.Int32
	require.NoError(t, a.Subscribe(shared.EventMatchesCreated, func(shared.Event) error {
		localA.Add(1)
		return nil
	}))

	received := make(chan shared.Event, 1)
	require.NoError(t, b.Subscribe(shared.EventMatchesCreated, func(e shared.Event) error {
		received <- e
		return nil
	}))

	require.NoError(t, a.Publish(shared.NewMatchesCreatedEvent("math", "fractions", 3, 1, nil)))

	select {
	case e := <-received:
		assert.Equal(t, shared.EventMatchesCreated, e.EventType())
		assert.Equal(t, "math/fractions", e.AggregateID())
		assert.Equal(t, float64(3), e.Payload()["created"])

		remote, ok := e.(*RemoteEvent)
		require.True(t, ok)
		assert.Equal(t, "worker-a", remote.Origin())
	case <-time.After(time.Second):
		t.Fatal("remote event not delivered")
	}

	// Own event is delivered once, not again from the channel.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), localA.Load())
}

func TestRedisEventBus_LocalDeliveryWhenRedisFails(t *testing.T) {
	broker := newFakeBroker()
	broker.fail = true
	bus := newBridge(t, broker, "")
	assert.NotEmpty(t, bus.InstanceID())

	var handled int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		handled++
		return nil
	}))
	require.NoError(t, bus.Publish(shared.NewMatchStatusChangedEvent("m1", "pending", "accepted", 1)))
	assert.Equal(t, 1, handled)
}

func TestRedisEventBus_Close(t *testing.T) {
	bus := newBridge(t, newFakeBroker(), "worker-a")
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(shared.NewMatchesCreatedEvent("math", "", 0, 0, nil)), ErrEventBusClosed)
}

func TestNewRedisEventBus_RequiresClient(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}
