package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/schema"
	"github.com/songzhibin97/stepflow/storage"
	"github.com/songzhibin97/stepflow/tracing"
	"github.com/songzhibin97/stepflow/types"
)

const defaultCacheTTL = 10 * time.Minute

// cacheCodec encodes terminal snapshots held in the engine cache.
var cacheCodec storage.Codec = storage.JSONCodec{}

// Engine runs committed workflows, suspends them into a RunStore and resumes
// them later, possibly from another process sharing the store.
type Engine struct {
	workflows map[string]*Workflow
	mu        sync.RWMutex

	generate  generator.Generator
	store     storage.RunStore
	validator schema.Validator
	logger    *slog.Logger

	eventBus    *events.EventBus
	ownsBus     bool
	eventBuffer int

	// terminal caches finished runs; their snapshots never change again.
	terminal *cache.Cache
	cacheTTL time.Duration

	stopped atomic.Bool
}

// NewEngine creates an Engine with the given run ID generator and store. A
// nil store means an in-memory store.
func NewEngine(generate generator.Generator, store storage.RunStore, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStore(nil)
	}

	e := &Engine{
		workflows: make(map[string]*Workflow),
		generate:  generate,
		store:     store,
		validator: schema.NewValidator(nil),
		logger:    slog.Default(),
		ownsBus:   true,
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithBufferSize(e.eventBuffer), events.WithLogger(e.logger))
	}
	if e.cacheTTL > 0 {
		e.terminal = cache.New(e.cacheTTL, 2*e.cacheTTL)
	}
	return e, nil
}

// Register makes a committed workflow startable by its id.
func (e *Engine) Register(wf *Workflow) error {
	if wf == nil || len(wf.stages) == 0 {
		return &UsageError{Op: "register", Reason: "workflow is nil or not committed"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[wf.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrWorkflowExists, wf.ID())
	}
	e.workflows[wf.ID()] = wf
	return nil
}

// Workflow returns a registered workflow.
func (e *Engine) Workflow(id string) (*Workflow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	return wf, ok
}

// Workflows returns the registered workflows ordered by id.
func (e *Engine) Workflows() []*Workflow {
	e.mu.RLock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, wf)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (e *Engine) lookup(id string) (*Workflow, error) {
	wf, ok := e.Workflow(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return wf, nil
}

// SubscribeEvent subscribes a handler to a lifecycle event type, or to
// events.AllEventsTopic. The returned function removes the subscription.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) func() {
	return e.eventBus.Subscribe(eventType, handler)
}

// Start validates input and runs the workflow until it completes, bails,
// fails or suspends. A failing step is reported through the Result, not the
// error; the error covers problems with the call itself.
func (e *Engine) Start(ctx context.Context, workflowID string, input interface{}, opts ...StartOption) (*types.Result, error) {
	if e.stopped.Load() {
		return nil, ErrEngineStopped
	}
	ctx, span := tracing.StartSpan(ctx, "stepflow.start", tracing.AttrWorkflowID.String(workflowID))
	res, err := e.start(ctx, workflowID, input, opts...)
	if res != nil {
		span.SetAttributes(tracing.AttrRunID.String(res.RunID), tracing.AttrOutcome.String(string(res.Status)))
	}
	tracing.EndSpan(span, err)
	return res, err
}

func (e *Engine) start(ctx context.Context, workflowID string, input interface{}, opts ...StartOption) (*types.Result, error) {
	wf, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}

	validated, err := e.validator.Validate(wf.cfg.InputSchema, input)
	if err != nil {
		return nil, fmt.Errorf("input of workflow %q: %w", workflowID, err)
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	state, err := e.initialState(wf, o)
	if err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	run := types.RunState{
		WorkflowID: wf.ID(),
		Status:     types.StatusPending,
		Frames: []types.Frame{{
			WorkflowID: wf.ID(),
			Input:      validated,
			LastOutput: validated,
			Results:    make(map[string]interface{}),
			State:      state,
		}},
		InitData:  validated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := run.Transition(types.StatusRunning); err != nil {
		return nil, err
	}
	run.Version = 1
	if err := e.create(ctx, &run); err != nil {
		return nil, err
	}

	e.logger.Info("run started", slog.String("run_id", run.RunID), slog.String("workflow_id", run.WorkflowID))
	e.publish(ctx, events.RunStarted, &run, "", nil)
	return e.drive(ctx, wf, &run, nil, false)
}

// create stores a fresh run under a new ID. A clash with an existing run,
// e.g. from another process using the same snowflake machine id, is retried
// once with the next ID.
func (e *Engine) create(ctx context.Context, run *types.RunState) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		id, genErr := e.generate.NextID()
		if genErr != nil {
			return fmt.Errorf("failed to generate ID: %w", genErr)
		}
		run.RunID = strconv.FormatUint(id, 10)
		err = e.store.CompareAndSwap(ctx, *run, 0)
		if !errors.Is(err, storage.ErrConflict) {
			break
		}
		e.logger.Warn("run id already taken", slog.String("run_id", run.RunID))
	}
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

func (e *Engine) initialState(wf *Workflow, o startOptions) (interface{}, error) {
	if wf.cfg.StateSchema == nil {
		if o.hasInitialState {
			return nil, &UsageError{Op: "start", Reason: fmt.Sprintf("workflow %q declares no state schema", wf.ID())}
		}
		return nil, nil
	}

	state := o.initialState
	if !o.hasInitialState {
		state = schema.Zero(wf.cfg.StateSchema)
	}
	v, err := e.validator.Validate(wf.cfg.StateSchema, state)
	if err != nil {
		return nil, fmt.Errorf("initial state of workflow %q: %w", wf.ID(), err)
	}
	return v, nil
}

// Resume re-executes the suspended step with resumeData and continues the
// run. Concurrent resumes of one run are serialized by the store; every
// caller but the first gets ErrConflict.
func (e *Engine) Resume(ctx context.Context, runID string, resumeData interface{}) (*types.Result, error) {
	if e.stopped.Load() {
		return nil, ErrEngineStopped
	}
	ctx, span := tracing.StartSpan(ctx, "stepflow.resume", tracing.AttrRunID.String(runID))
	res, err := e.resume(ctx, runID, resumeData)
	if res != nil {
		span.SetAttributes(tracing.AttrWorkflowID.String(res.WorkflowID), tracing.AttrOutcome.String(string(res.Status)))
	}
	tracing.EndSpan(span, err)
	return res, err
}

func (e *Engine) resume(ctx context.Context, runID string, resumeData interface{}) (*types.Result, error) {
	if run, ok := e.cached(runID); ok {
		return nil, &UsageError{Op: "resume", RunID: runID, Reason: fmt.Sprintf("run is %s, not suspended", run.Status)}
	}

	run, err := e.store.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			return nil, &UsageError{Op: "resume", RunID: runID, Reason: "unknown run", Err: err}
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}

	switch run.Status {
	case types.StatusSuspended:
	case types.StatusRunning:
		return nil, fmt.Errorf("%w: run %s is already running", storage.ErrConflict, runID)
	default:
		return nil, &UsageError{Op: "resume", RunID: runID, Reason: fmt.Sprintf("run is %s, not suspended", run.Status)}
	}

	wf, err := e.lookup(run.WorkflowID)
	if err != nil {
		return nil, err
	}
	step, err := pendingStep(wf, run.Frames)
	if err != nil {
		return nil, &UsageError{Op: "resume", RunID: runID, Reason: "snapshot does not match the workflow definition", Err: err}
	}

	var validated interface{}
	if step.ResumeSchema == nil {
		if resumeData != nil {
			return nil, &UsageError{Op: "resume", RunID: runID, StepID: step.ID, Reason: "step declares no resume schema"}
		}
	} else {
		validated, err = e.validator.Validate(step.ResumeSchema, resumeData)
		if err != nil {
			return nil, fmt.Errorf("resume data for step %q: %w", step.ID, err)
		}
	}

	expected := run.Version
	if err := run.Transition(types.StatusRunning); err != nil {
		return nil, err
	}
	run.SuspendPayload = nil
	run.SuspendedPath = nil
	run.Version++
	run.UpdatedAt = time.Now().UnixMilli()
	if err := e.store.CompareAndSwap(ctx, run, expected); err != nil {
		return nil, fmt.Errorf("failed to claim run %s: %w", runID, err)
	}

	e.logger.Info("run resumed", slog.String("run_id", runID), slog.String("workflow_id", run.WorkflowID), slog.String("step", step.ID))
	e.publish(ctx, events.RunResumed, &run, step.ID, nil)
	return e.drive(ctx, wf, &run, validated, true)
}

// pendingStep walks the frame stack down to the step a suspended run is
// waiting in.
func pendingStep(wf *Workflow, frames []types.Frame) (*Step, error) {
	current := wf
	for depth, frame := range frames {
		if frame.WorkflowID != current.ID() {
			return nil, fmt.Errorf("frame %d belongs to %q, expected %q", depth, frame.WorkflowID, current.ID())
		}
		if frame.Position < 0 || frame.Position >= len(current.stages) {
			return nil, fmt.Errorf("frame %d position %d out of range", depth, frame.Position)
		}
		stage := current.stages[frame.Position].stage
		if depth == len(frames)-1 {
			step, ok := stage.(*Step)
			if !ok {
				return nil, fmt.Errorf("stage %q is a %s, not a step", stage.StageID(), stage.kind())
			}
			return step, nil
		}
		nested, ok := stage.(*Workflow)
		if !ok {
			return nil, fmt.Errorf("stage %q is a %s, not a workflow", stage.StageID(), stage.kind())
		}
		current = nested
	}
	return nil, errors.New("run has no frames")
}

func (e *Engine) drive(ctx context.Context, wf *Workflow, run *types.RunState, resumeData interface{}, resuming bool) (*types.Result, error) {
	r := &runner{
		engine:     e,
		top:        wf,
		run:        run,
		resumeData: resumeData,
		resuming:   resuming,
		logger: e.logger.With(
			slog.String("run_id", run.RunID),
			slog.String("workflow_id", run.WorkflowID),
		),
	}
	out, h := r.execWorkflow(ctx, wf, 0, &stateCell{frame: 0, schema: wf.cfg.StateSchema})
	return e.finish(ctx, r, out, h)
}

// finish records how the run ended. It persists even when ctx is already
// cancelled so a run is never left Running in the store.
func (e *Engine) finish(ctx context.Context, r *runner, out interface{}, h *halt) (*types.Result, error) {
	run := r.run
	ctx = context.WithoutCancel(ctx)

	var (
		next      types.Status
		eventType string
		data      map[string]interface{}
		stepID    string
	)
	switch {
	case h == nil:
		next, eventType = types.StatusCompleted, events.RunCompleted
		run.Output = out
		data = map[string]interface{}{"output": out}
	case h.kind == OutcomeSuspend:
		next, eventType = types.StatusSuspended, events.RunSuspended
		run.SuspendPayload = h.value
		run.SuspendedPath = h.path
		stepID = h.path[len(h.path)-1]
		data = map[string]interface{}{"payload": h.value, "path": h.path}
	case h.kind == OutcomeBail:
		next, eventType = types.StatusBailed, events.RunBailed
		run.Output = h.value
		data = map[string]interface{}{"output": h.value}
	default:
		next, eventType = types.StatusFailed, events.RunFailed
		run.Error = h.err.Error()
		var stepErr *StepError
		if errors.As(h.err, &stepErr) {
			stepID = stepErr.StepID
			e.publish(ctx, events.StepFailed, run, stepID, map[string]interface{}{"error": run.Error})
		}
		data = map[string]interface{}{"error": run.Error}
	}

	expected := run.Version
	if err := run.Transition(next); err != nil {
		return nil, err
	}
	run.Version++
	run.UpdatedAt = time.Now().UnixMilli()
	if err := e.store.CompareAndSwap(ctx, *run, expected); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("failed to save run %s: %w", run.RunID, err)
		}
		return e.failUnsaved(ctx, r, expected, err)
	}
	if next.Terminal() {
		e.remember(*run)
	}

	r.logger.Info("run "+string(next), slog.String("step", stepID))
	e.publish(ctx, eventType, run, stepID, data)

	res := &types.Result{
		RunID:          run.RunID,
		WorkflowID:     run.WorkflowID,
		Status:         run.Status,
		Output:         run.Output,
		SuspendPayload: run.SuspendPayload,
		SuspendedPath:  run.SuspendedPath,
		Error:          run.Error,
	}
	if h != nil && h.kind == OutcomeFail {
		res.Err = h.err
	}
	return res, nil
}

// failUnsaved stores a minimal Failed snapshot after the full one could not
// be saved, e.g. because a value in it cannot be encoded. The claimed run
// would otherwise stay Running in the store.
func (e *Engine) failUnsaved(ctx context.Context, r *runner, expected int64, saveErr error) (*types.Result, error) {
	run := r.run
	cause := fmt.Errorf("failed to save run %s: %w", run.RunID, saveErr)

	failed := types.RunState{
		RunID:      run.RunID,
		WorkflowID: run.WorkflowID,
		Status:     types.StatusRunning,
		InitData:   run.InitData,
		Error:      cause.Error(),
		Version:    expected + 1,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  time.Now().UnixMilli(),
	}
	if err := failed.Transition(types.StatusFailed); err != nil {
		return nil, err
	}
	if err := e.store.CompareAndSwap(ctx, failed, expected); err != nil {
		return nil, errors.Join(cause, fmt.Errorf("failed to mark run %s failed: %w", run.RunID, err))
	}
	*run = failed
	e.remember(failed)

	r.logger.Error("run failed: snapshot not saved", slog.String("error", saveErr.Error()))
	e.publish(ctx, events.RunFailed, run, "", map[string]interface{}{"error": failed.Error})

	return &types.Result{
		RunID:      failed.RunID,
		WorkflowID: failed.WorkflowID,
		Status:     failed.Status,
		Error:      failed.Error,
		Err:        cause,
	}, nil
}

// remember caches a terminal run as encoded bytes so neither Results nor
// GetRun callers share maps with the cache.
func (e *Engine) remember(run types.RunState) {
	if e.terminal == nil {
		return
	}
	data, err := cacheCodec.Marshal(run)
	if err != nil {
		e.logger.Warn("failed to cache run", slog.String("run_id", run.RunID), slog.String("error", err.Error()))
		return
	}
	e.terminal.SetDefault(run.RunID, data)
}

func (e *Engine) cached(runID string) (types.RunState, bool) {
	if e.terminal == nil {
		return types.RunState{}, false
	}
	v, ok := e.terminal.Get(runID)
	if !ok {
		return types.RunState{}, false
	}
	run, err := cacheCodec.Unmarshal(v.([]byte))
	if err != nil {
		e.terminal.Delete(runID)
		return types.RunState{}, false
	}
	return run, true
}

// GetRun returns the latest snapshot of a run.
func (e *Engine) GetRun(ctx context.Context, runID string) (types.RunState, error) {
	if run, ok := e.cached(runID); ok {
		return run, nil
	}
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		return types.RunState{}, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	if run.Status.Terminal() {
		e.remember(run)
	}
	return run, nil
}

// GetStatus returns the current status of a run.
func (e *Engine) GetStatus(ctx context.Context, runID string) (types.Status, error) {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Delete removes a suspended or finished run. Running runs cannot be
// deleted.
func (e *Engine) Delete(ctx context.Context, runID string) error {
	run, err := e.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status == types.StatusRunning {
		return &UsageError{Op: "delete", RunID: runID, Reason: "run is running"}
	}
	if err := e.store.Delete(ctx, runID); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	if e.terminal != nil {
		e.terminal.Delete(runID)
	}
	return nil
}

// ClearTerminal removes every completed, bailed and failed run from the store
// and the terminal cache.
func (e *Engine) ClearTerminal(ctx context.Context) (int, error) {
	cleaner, ok := e.store.(storage.Cleaner)
	if !ok {
		return 0, &UsageError{Op: "clear", Reason: fmt.Sprintf("store %T cannot clear terminal runs", e.store)}
	}
	n, err := cleaner.ClearTerminal(ctx)
	if err != nil {
		return n, fmt.Errorf("failed to clear terminal runs: %w", err)
	}
	if e.terminal != nil {
		e.terminal.Flush()
	}
	e.logger.Info("cleared terminal runs", slog.Int("count", n))
	return n, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, run *types.RunState, stepID string, data map[string]interface{}) {
	if !e.eventBus.HasSubscribers(eventType) {
		return
	}
	event := events.NewEvent(eventType, run.RunID, run.WorkflowID, data)
	event.StepID = stepID
	if err := e.eventBus.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish event",
			slog.String("event_type", eventType),
			slog.String("run_id", run.RunID),
			slog.String("error", err.Error()),
		)
	}
}

// Stop rejects further Start and Resume calls and stops the engine-owned
// event bus.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if e.stopped.Swap(true) {
		return nil
	}
	if e.ownsBus {
		e.eventBus.Stop()
	}
	return nil
}
