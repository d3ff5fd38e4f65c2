package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Run lifecycle event types.
const (
	RunStarted     = "run.started"
	RunResumed     = "run.resumed"
	RunSuspended   = "run.suspended"
	RunCompleted   = "run.completed"
	RunBailed      = "run.bailed"
	RunFailed      = "run.failed"
	StepCompleted  = "step.completed"
	StepFailed     = "step.failed"
	AllEventsTopic = "*"
)

// Event is a run lifecycle notification.
type Event struct {
	ID         string
	Type       string
	RunID      string
	WorkflowID string
	StepID     string
	Time       time.Time
	Data       map[string]interface{}
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(eventType, runID, workflowID string, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		RunID:      runID,
		WorkflowID: workflowID,
		Time:       time.Now(),
		Data:       data,
	}
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type subscription struct {
	id      string
	handler EventHandler
}

// EventBus delivers events to subscribers on a background goroutine.
// Handlers subscribed to AllEventsTopic receive every event.
type EventBus struct {
	handlers     map[string][]subscription
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
	logger       *slog.Logger
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.eventCh = make(chan Event, size)
		}
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		if logger != nil {
			eb.logger = logger
		}
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100; handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers: make(map[string][]subscription),
		eventCh:  make(chan Event, 100),
		logger:   slog.Default(),
	}
	eb.errHandler = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe registers handler for eventType and returns a function that
// removes the subscription.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) (unsubscribe func()) {
	sub := subscription{id: uuid.NewString(), handler: handler}

	eb.mu.Lock()
	eb.handlers[eventType] = append(eb.handlers[eventType], sub)
	eb.mu.Unlock()

	return func() { eb.unsubscribe(eventType, sub.id) }
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) (unsubscribe func()) {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

func (eb *EventBus) unsubscribe(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[eventType]
	for i, s := range subs {
		if s.id == id {
			eb.handlers[eventType] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(eb.handlers[eventType]) == 0 {
		delete(eb.handlers, eventType)
	}
}

// HasSubscribers checks if any handler would receive an event of eventType.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	return len(eb.handlersFor(eventType)) > 0
}

func (eb *EventBus) handlersFor(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []EventHandler
	for _, s := range eb.handlers[eventType] {
		out = append(out, s.handler)
	}
	if eventType != AllEventsTopic {
		for _, s := range eb.handlers[AllEventsTopic] {
			out = append(out, s.handler)
		}
	}
	return out
}

// Publish queues an event for asynchronous delivery.
// Returns an error if the context is canceled, the bus is closed, no handler
// is subscribed or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}

	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync delivers an event on the caller's goroutine and returns all
// handler errors. Delivery is bounded by a 5-second timeout unless ctx
// expires sooner.
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

	timeoutCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for completion.
// Queued events are discarded.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		for len(eb.eventCh) > 0 {
			<-eb.eventCh
		}
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.handlersFor(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs handlers concurrently and collects their errors.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
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
	eb.logger.Error("event handler failed",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
		slog.String("run_id", event.RunID),
		slog.String("error", err.Error()),
	)
}
