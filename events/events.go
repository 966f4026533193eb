// Package events carries workflow lifecycle notifications from the
// orchestrator to observers. Delivery is asynchronous and best-effort.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrBusClosed   = errors.New("event bus is closed")
	ErrChannelFull = errors.New("event channel is full")
	ErrNoHandler   = errors.New("no handlers registered for event type")
)

// Instance lifecycle event types.
const (
	WorkflowStarted   = "workflow_started"
	StateChanged      = "state_changed"
	WorkflowCompleted = "workflow_completed"
	WorkflowAborted   = "workflow_aborted"
	WorkflowError     = "workflow_error"
	TaskCreated       = "task_created"
	TaskCompleted     = "task_completed"
	TaskCancelled     = "task_cancelled"
	TaskReassigned    = "task_reassigned"
	Escalated         = "escalated"

	// All subscribes a handler to every event type.
	All = "*"
)

// Event is one lifecycle notification. Sequence is assigned by the bus in
// publish order and is unique per bus.
type Event struct {
	Type       string
	InstanceID string
	Sequence   uint64
	Timestamp  time.Time
	Data       map[string]interface{}
}

// EventHandler receives events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// ForInstance wraps h so that it only sees events of one instance.
func ForInstance(instanceID string, h EventHandler) EventHandler {
	return EventHandlerFunc(func(ctx context.Context, event Event) error {
		if event.InstanceID != instanceID {
			return nil
		}
		return h.Handle(ctx, event)
	})
}

// Subscription identifies a registered handler for Unsubscribe.
type Subscription struct {
	eventType string
	id        uint64
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to subscribers from a single dispatch goroutine,
// so events reach a handler in publish order. Handlers of one event run
// concurrently.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]subscriber
	nextID   uint64

	sequence   atomic.Uint64
	eventCh    chan Event
	errHandler func(event Event, err error)
	logger     *zap.Logger
	wg         sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the queue length. Publish fails with ErrChannelFull
// once it is reached.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler replaces the default handler-error logger.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.errHandler = handler
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *zap.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus starts a bus with a queue of 100 events whose handler errors
// are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscriber),
		eventCh:  make(chan Event, 100),
		logger:   zap.NewNop(),
	}
	eb.errHandler = eb.logError
	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.dispatch()
	return eb
}

// Subscribe registers handler for eventType, or for every type with All.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{id: eb.nextID, handler: handler})
	return Subscription{eventType: eventType, id: eb.nextID}
}

// SubscribeFunc registers a function handler.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

// Unsubscribe removes a subscription. It reports whether it was still
// registered.
func (eb *EventBus) Unsubscribe(sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[sub.eventType]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		subs = append(subs[:i:i], subs[i+1:]...)
		if len(subs) == 0 {
			delete(eb.handlers, sub.eventType)
		} else {
			eb.handlers[sub.eventType] = subs
		}
		return true
	}
	return false
}

// HasSubscribers reports whether an event of eventType would be delivered.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0 || len(eb.handlers[All]) > 0
}

// handlersFor returns the handlers of eventType followed by wildcard handlers.
func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	handlers := make([]EventHandler, 0, len(eb.handlers[eventType])+len(eb.handlers[All]))
	for _, s := range eb.handlers[eventType] {
		handlers = append(handlers, s.handler)
	}
	if eventType != All {
		for _, s := range eb.handlers[All] {
			handlers = append(handlers, s.handler)
		}
	}
	return handlers
}

func (eb *EventBus) stamp(event *Event) {
	event.Sequence = eb.sequence.Add(1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
}

// Publish queues event for asynchronous delivery. It never waits for a
// handler.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Held across the send so Stop cannot close the channel underneath it.
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	eb.stamp(&event)
	select {
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers event on the caller's goroutine and returns every
// handler error. Delivery is bounded by a 5 second timeout.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.handlersFor(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}
	eb.stamp(&event)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return eb.deliver(ctx, handlers, event)
}

// Stop closes the bus and waits until queued events are delivered.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) dispatch() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}
		for _, err := range eb.deliver(context.Background(), handlers, event) {
			eb.errHandler(event, err)
		}
	}
}

func (eb *EventBus) deliver(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errCh <- fmt.Errorf("handler panicked: %v", r)
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("Event handler failed",
		zap.String("event", event.Type),
		zap.String("instance_id", event.InstanceID),
		zap.Uint64("sequence", event.Sequence),
		zap.Error(err))
}

// Recorder is a handler that keeps every event it sees.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Handle(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events ordered by Sequence.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	out := append([]Event(nil), r.events...)
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Types returns the recorded event types ordered by Sequence.
func (r *Recorder) Types() []string {
	events := r.Events()
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
