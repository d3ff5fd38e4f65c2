package workflow

import (
	"log/slog"
	"time"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/schema"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithValidator replaces the schema validator used at every stage boundary.
func WithValidator(v schema.Validator) Option {
	return func(e *Engine) {
		if v != nil {
			e.validator = v
		}
	}
}

// WithEventBus publishes lifecycle events to bus instead of an engine-owned
// one. The engine does not stop a bus it was given.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
			e.ownsBus = false
		}
	}
}

// WithEventBufferSize sizes the engine-owned event bus.
func WithEventBufferSize(size int) Option {
	return func(e *Engine) {
		e.eventBuffer = size
	}
}

// WithCacheTTL sets how long terminal runs stay in the in-process cache.
// Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		e.cacheTTL = ttl
	}
}

// StartOption configures a single Start call.
type StartOption func(*startOptions)

type startOptions struct {
	initialState    interface{}
	hasInitialState bool
}

// WithInitialState seeds the run's shared state instead of the zero value
// of the workflow's state schema.
func WithInitialState(state interface{}) StartOption {
	return func(o *startOptions) {
		o.initialState = state
		o.hasInitialState = true
	}
}
