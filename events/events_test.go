package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func waitFor(t *testing.T, rec *Recorder, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return rec.Len() >= n }, time.Second, 5*time.Millisecond)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	first := NewRecorder()
	second := NewRecorder()
	subFirst := eb.Subscribe(StateChanged, first)
	eb.Subscribe(StateChanged, second)
	assert.True(t, eb.HasSubscribers(StateChanged))
	assert.False(t, eb.HasSubscribers(TaskCreated))

	assert.True(t, eb.Unsubscribe(subFirst))
	assert.False(t, eb.Unsubscribe(subFirst))
	assert.False(t, eb.Unsubscribe(Subscription{eventType: StateChanged, id: 99}))

	require.NoError(t, eb.Publish(context.Background(), Event{Type: StateChanged, InstanceID: "1"}))
	waitFor(t, second, 1)
	assert.Zero(t, first.Len())
}

func TestUnsubscribeSameHandlerTwice(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	rec := NewRecorder()
	a := eb.Subscribe(TaskCreated, rec)
	b := eb.Subscribe(TaskCreated, rec)

	require.True(t, eb.Unsubscribe(a))
	assert.True(t, eb.HasSubscribers(TaskCreated))
	require.True(t, eb.Unsubscribe(b))
	assert.False(t, eb.HasSubscribers(TaskCreated))
}

func TestPublishAssignsSequence(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	rec := NewRecorder()
	eb.Subscribe(All, rec)

	types := []string{WorkflowStarted, TaskCreated, TaskCompleted, StateChanged, WorkflowCompleted}
	for _, typ := range types {
		require.NoError(t, eb.Publish(context.Background(), Event{Type: typ, InstanceID: "7"}))
	}
	waitFor(t, rec, len(types))

	assert.Equal(t, types, rec.Types())
	events := rec.Events()
	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestPublishKeepsTimestamp(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	rec := NewRecorder()
	eb.Subscribe(Escalated, rec)
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, eb.Publish(context.Background(), Event{Type: Escalated, InstanceID: "1", Timestamp: at}))
	waitFor(t, rec, 1)
	assert.Equal(t, at, rec.Events()[0].Timestamp)
}

func TestPublishErrors(t *testing.T) {
	t.Run("NoHandler", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		assert.Equal(t, ErrNoHandler, eb.Publish(context.Background(), Event{Type: StateChanged}))
	})

	t.Run("Cancelled", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		eb.Subscribe(StateChanged, NewRecorder())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, eb.Publish(ctx, Event{Type: StateChanged}), context.Canceled)
	})

	t.Run("Closed", func(t *testing.T) {
		eb := NewEventBus()
		eb.Subscribe(StateChanged, NewRecorder())
		eb.Stop()
		eb.Stop()
		assert.Equal(t, ErrBusClosed, eb.Publish(context.Background(), Event{Type: StateChanged}))
		assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: StateChanged}))
	})

	t.Run("Full", func(t *testing.T) {
		eb := NewEventBus(WithBufferSize(1))
		defer eb.Stop()

		release := make(chan struct{})
		started := make(chan struct{}, 1)
		eb.SubscribeFunc(StateChanged, func(ctx context.Context, event Event) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		})

		require.NoError(t, eb.Publish(context.Background(), Event{Type: StateChanged}))
		<-started
		require.NoError(t, eb.Publish(context.Background(), Event{Type: StateChanged}))
		assert.Equal(t, ErrChannelFull, eb.Publish(context.Background(), Event{Type: StateChanged}))
		close(release)
	})
}

func TestPublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	assert.Equal(t, []error{ErrNoHandler}, eb.PublishSync(context.Background(), Event{Type: TaskCancelled}))

	rec := NewRecorder()
	eb.Subscribe(TaskCancelled, rec)
	eb.SubscribeFunc(All, func(ctx context.Context, event Event) error {
		return errors.New("audit sink down")
	})

	errs := eb.PublishSync(context.Background(), Event{Type: TaskCancelled, InstanceID: "3"})
	require.Len(t, errs, 1)
	assert.EqualError(t, errs[0], "audit sink down")
	require.Equal(t, 1, rec.Len())
	assert.NotZero(t, rec.Events()[0].Sequence)
}

func TestHandlerFailuresAreReported(t *testing.T) {
	reported := make(chan error, 2)
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		reported <- err
	}))
	defer eb.Stop()

	eb.SubscribeFunc(Escalated, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	eb.SubscribeFunc(Escalated, func(ctx context.Context, event Event) error {
		return errors.New("mailer offline")
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: Escalated, InstanceID: "1"}))

	var msgs []string
	for i := 0; i < 2; i++ {
		select {
		case err := <-reported:
			msgs = append(msgs, err.Error())
		case <-time.After(time.Second):
			t.Fatal("handler failure was not reported")
		}
	}
	assert.ElementsMatch(t, []string{"handler panicked: boom", "mailer offline"}, msgs)
}

func TestDefaultErrorHandlerLogs(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	eb := NewEventBus(WithLogger(zap.New(core)))

	eb.SubscribeFunc(WorkflowError, func(ctx context.Context, event Event) error {
		return errors.New("sink failed")
	})
	require.NoError(t, eb.Publish(context.Background(), Event{Type: WorkflowError, InstanceID: "42"}))
	eb.Stop()

	entries := logs.FilterMessage("Event handler failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, WorkflowError, fields["event"])
	assert.Equal(t, "42", fields["instance_id"])
}

func TestStopDeliversQueuedEvents(t *testing.T) {
	eb := NewEventBus()
	rec := NewRecorder()
	eb.Subscribe(StateChanged, rec)

	for i := 0; i < 5; i++ {
		require.NoError(t, eb.Publish(context.Background(), Event{Type: StateChanged, InstanceID: "1"}))
	}
	eb.Stop()
	assert.Equal(t, 5, rec.Len())
}

func TestForInstance(t *testing.T) {
	eb := NewEventBus()

	rec := NewRecorder()
	eb.Subscribe(All, ForInstance("a", rec))
	var mu sync.Mutex
	total := 0
	eb.SubscribeFunc(All, func(ctx context.Context, event Event) error {
		mu.Lock()
		total++
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"a", "b", "a", "c"} {
		require.NoError(t, eb.Publish(context.Background(), Event{Type: StateChanged, InstanceID: id}))
	}
	eb.Stop()

	assert.Equal(t, 2, rec.Len())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, total)
}
