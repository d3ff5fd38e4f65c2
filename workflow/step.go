package workflow

import (
	"context"

	"github.com/songzhibin97/stepflow/schema"
)

// Stage is one entry of a workflow's stage sequence. The set of stages is
// closed: *Step, *Transform and a committed *Workflow.
type Stage interface {
	StageID() string
	kind() string
	inputSchema() *schema.Schema
	outputSchema() *schema.Schema
}

// Stage kinds as they appear in logs and spans.
const (
	KindStep      = "step"
	KindTransform = "transform"
	KindWorkflow  = "workflow"
)

// ExecuteFunc is a step body. Returning a non-nil error is the same as
// returning Fail(err).
//
// On resume the body is called again from the top with ResumeData
// populated, so everything before a Suspend call runs twice and must be
// idempotent.
type ExecuteFunc func(ctx context.Context, rc RunContext) (Outcome, error)

// Step is the atomic unit of work. A step must not be modified once it has
// been added to a draft.
type Step struct {
	ID          string
	Description string

	InputSchema  *schema.Schema
	OutputSchema *schema.Schema

	// StateSchema is the step's view of the shared state. Steps without one
	// cannot call SetState.
	StateSchema *schema.Schema

	// ResumeSchema validates the payload passed to Engine.Resume.
	ResumeSchema *schema.Schema

	// SuspendSchema validates the payload given to RunContext.Suspend.
	// Steps without one cannot suspend.
	SuspendSchema *schema.Schema

	// BailSchema validates the value given to RunContext.Bail. When nil the
	// top-level workflow's output schema is used.
	BailSchema *schema.Schema

	Execute ExecuteFunc
}

// StageID returns the step id.
func (s *Step) StageID() string { return s.ID }

func (s *Step) kind() string                 { return KindStep }
func (s *Step) inputSchema() *schema.Schema  { return s.InputSchema }
func (s *Step) outputSchema() *schema.Schema { return s.OutputSchema }

// OutcomeKind tells the engine how a step ended.
type OutcomeKind int

const (
	OutcomeContinue OutcomeKind = iota
	OutcomeSuspend
	OutcomeBail
	OutcomeFail
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeSuspend:
		return "suspend"
	case OutcomeBail:
		return "bail"
	case OutcomeFail:
		return "fail"
	}
	return "unknown"
}

// Outcome is the result of one step invocation. Suspend and Bail outcomes
// are only produced by the RunContext, which validates their payloads.
type Outcome struct {
	kind  OutcomeKind
	value interface{}
	err   error
}

// Continue completes the step normally with output.
func Continue(output interface{}) Outcome {
	return Outcome{kind: OutcomeContinue, value: output}
}

// Fail ends the run with err as the cause.
func Fail(err error) Outcome {
	return Outcome{kind: OutcomeFail, err: err}
}

// Kind reports how the step ended.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Value is the output, suspend payload or bail value.
func (o Outcome) Value() interface{} { return o.value }

// Err is the cause of a Fail outcome.
func (o Outcome) Err() error { return o.err }

// Helpers is the read-only view of a run available to transforms. RunContext
// extends it for steps.
type Helpers interface {
	RunID() string
	// InitData returns the validated input of the top-level run.
	InitData() interface{}
	// StepResult returns the output of a stage that already ran in the
	// current workflow scope. The boolean is false when it has not run.
	StepResult(stageID string) (interface{}, bool)
	StepResultOf(stage Stage) (interface{}, bool)
}

// TransformFunc reshapes the previous stage's output into the next stage's
// input.
type TransformFunc func(ctx context.Context, input interface{}, h Helpers) (interface{}, error)

// Transform is a pure mapping stage. It cannot suspend, bail or touch state;
// an error from Fn fails the run like a step error.
type Transform struct {
	ID string
	Fn TransformFunc

	// OutputSchema, when set, is checked against the next stage at build
	// time and validated at run time.
	OutputSchema *schema.Schema
}

// NewTransform returns a transform stage with the given id.
func NewTransform(id string, fn TransformFunc) *Transform {
	return &Transform{ID: id, Fn: fn}
}

// StageID returns the transform id.
func (t *Transform) StageID() string { return t.ID }

func (t *Transform) kind() string                 { return KindTransform }
func (t *Transform) inputSchema() *schema.Schema  { return nil }
func (t *Transform) outputSchema() *schema.Schema { return t.OutputSchema }
