package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/songzhibin97/stepflow/schema"
)

// RunContext is handed to a step for a single invocation. It is built from
// the run snapshot and discarded when the step returns; nothing done through
// it is visible to the run unless the step ends with Continue.
type RunContext interface {
	Helpers

	WorkflowID() string
	StepID() string

	// Input returns the step input validated against the step's input schema.
	Input() interface{}
	// Bind decodes the input into target, a pointer to a struct or map.
	Bind(target interface{}) error

	// State returns the shared state as of the last SetState call in this
	// invocation, or as it was when the step started.
	State() interface{}
	BindState(target interface{}) error
	// SetState replaces the shared state. Object states are merged
	// shallowly into the current state. The result is validated against the
	// step's state schema immediately and applied only on Continue.
	SetState(state interface{}) error

	// ResumeData returns the validated resume payload. The boolean is true
	// only when the step is being re-executed by Engine.Resume.
	ResumeData() (interface{}, bool)
	Resumed() bool
	BindResume(target interface{}) error

	// Suspend pauses the run with payload. It fails with a UsageError when
	// the step declares no suspend schema.
	Suspend(payload interface{}) (Outcome, error)
	// Bail ends the whole run successfully with value.
	Bail(value interface{}) (Outcome, error)

	Logger() *slog.Logger
}

type helpers struct {
	runID    string
	initData interface{}
	results  map[string]interface{}
}

func (h *helpers) RunID() string { return h.runID }

func (h *helpers) InitData() interface{} {
	v, _ := schema.Normalize(h.initData)
	return v
}

func (h *helpers) StepResult(stageID string) (interface{}, bool) {
	v, ok := h.results[stageID]
	if !ok {
		return nil, false
	}
	v, _ = schema.Normalize(v)
	return v, true
}

func (h *helpers) StepResultOf(stage Stage) (interface{}, bool) {
	if stage == nil {
		return nil, false
	}
	return h.StepResult(stage.StageID())
}

type runContext struct {
	helpers

	workflowID string
	step       *Step
	validator  schema.Validator
	logger     *slog.Logger

	input      interface{}
	state      interface{}
	stateSet   bool
	resumeData interface{}
	resumed    bool

	// bailSchema is the top-level output schema, used when the step
	// declares no bail schema of its own.
	bailSchema *schema.Schema
}

func (rc *runContext) WorkflowID() string   { return rc.workflowID }
func (rc *runContext) StepID() string       { return rc.step.ID }
func (rc *runContext) Input() interface{}   { return rc.input }
func (rc *runContext) Resumed() bool        { return rc.resumed }
func (rc *runContext) Logger() *slog.Logger { return rc.logger }

func (rc *runContext) Bind(target interface{}) error {
	return bind(rc.input, target)
}

func (rc *runContext) State() interface{} {
	v, _ := schema.Normalize(rc.state)
	return v
}

func (rc *runContext) BindState(target interface{}) error {
	return bind(rc.state, target)
}

func (rc *runContext) SetState(state interface{}) error {
	if rc.step.StateSchema == nil {
		return &UsageError{Op: "setState", RunID: rc.runID, StepID: rc.step.ID, Reason: "step declares no state schema"}
	}
	next, err := schema.Normalize(state)
	if err != nil {
		return &schema.ValidationError{Reason: err.Error()}
	}
	next = mergeState(rc.state, next)
	if _, err := rc.validator.Validate(rc.step.StateSchema, next); err != nil {
		return fmt.Errorf("state of step %q: %w", rc.step.ID, err)
	}
	rc.state = next
	rc.stateSet = true
	return nil
}

func (rc *runContext) ResumeData() (interface{}, bool) {
	return rc.resumeData, rc.resumed
}

func (rc *runContext) BindResume(target interface{}) error {
	if !rc.resumed {
		return errors.New("step is not being resumed")
	}
	return bind(rc.resumeData, target)
}

func (rc *runContext) Suspend(payload interface{}) (Outcome, error) {
	if rc.step.SuspendSchema == nil {
		return Outcome{}, &UsageError{Op: "suspend", RunID: rc.runID, StepID: rc.step.ID, Reason: "step declares no suspend schema"}
	}
	if payload == nil {
		return Outcome{}, &schema.ValidationError{Reason: "suspend payload is required"}
	}
	v, err := rc.validator.Validate(rc.step.SuspendSchema, payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("suspend payload of step %q: %w", rc.step.ID, err)
	}
	return Outcome{kind: OutcomeSuspend, value: v}, nil
}

func (rc *runContext) Bail(value interface{}) (Outcome, error) {
	s := rc.step.BailSchema
	if s == nil {
		s = rc.bailSchema
	}
	v, err := rc.validator.Validate(s, value)
	if err != nil {
		return Outcome{}, fmt.Errorf("bail value of step %q: %w", rc.step.ID, err)
	}
	return Outcome{kind: OutcomeBail, value: v}, nil
}

// mergeState overlays next onto base when both are objects.
func mergeState(base, next interface{}) interface{} {
	bm, ok := base.(map[string]interface{})
	if !ok {
		return next
	}
	nm, ok := next.(map[string]interface{})
	if !ok {
		return next
	}
	out := make(map[string]interface{}, len(bm)+len(nm))
	for k, v := range bm {
		out[k] = v
	}
	for k, v := range nm {
		out[k] = v
	}
	return out
}

func bind(value, target interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to decode into %T: %w", target, err)
	}
	return nil
}
