package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/stepflow/schema"
)

// MaxNestingDepth bounds how deeply committed workflows may be nested.
const MaxNestingDepth = 32

// Config describes a workflow's identity and contracts.
type Config struct {
	ID           string
	Description  string
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	StateSchema  *schema.Schema
}

type stageEntry struct {
	stage Stage
	// sharesState marks a nested workflow whose state is seeded from and
	// written back into the enclosing workflow's state.
	sharesState bool
}

// Draft accumulates stages until Commit. Errors are collected and reported
// by Err and Commit, so calls can be chained.
type Draft struct {
	cfg       Config
	stages    []stageEntry
	ids       map[string]struct{}
	maps      int
	committed bool
	errs      []error
}

// New starts a draft workflow.
func New(cfg Config) *Draft {
	d := &Draft{cfg: cfg, ids: make(map[string]struct{})}
	if cfg.ID == "" {
		d.fail("", "workflow id is required")
	}
	return d
}

func (d *Draft) fail(stageID, format string, args ...interface{}) *Draft {
	d.errs = append(d.errs, &BuildError{
		WorkflowID: d.cfg.ID,
		StageID:    stageID,
		Reason:     fmt.Sprintf(format, args...),
	})
	return d
}

// Err returns every build error recorded so far.
func (d *Draft) Err() error {
	return errors.Join(d.errs...)
}

// Then appends a step, transform or committed workflow.
func (d *Draft) Then(stage Stage) *Draft {
	if d.committed {
		return d.fail("", "draft is already committed")
	}
	if stage == nil {
		return d.fail("", "stage is nil")
	}

	id := stage.StageID()
	if id == "" {
		return d.fail("", "%s stage has no id", stage.kind())
	}
	if _, dup := d.ids[id]; dup {
		return d.fail(id, "duplicate stage id")
	}

	entry := stageEntry{stage: stage}
	switch s := stage.(type) {
	case *Step:
		if s.Execute == nil {
			return d.fail(id, "step has no execute function")
		}
		if s.StateSchema != nil {
			if d.cfg.StateSchema == nil {
				return d.fail(id, "step declares a state schema but the workflow does not")
			}
			if err := schema.Compatible(d.cfg.StateSchema, s.StateSchema); err != nil {
				return d.fail(id, "workflow state is not compatible with step state: %v", err)
			}
		}
	case *Transform:
		if s.Fn == nil {
			return d.fail(id, "transform has no function")
		}
	case *Workflow:
		if len(s.stages) == 0 {
			return d.fail(id, "nested workflow is not committed")
		}
		if depth := s.depth() + 1; depth > MaxNestingDepth {
			return d.fail(id, "nesting depth %d exceeds %d", depth, MaxNestingDepth)
		}
		entry.sharesState = s.cfg.StateSchema != nil && d.cfg.StateSchema != nil &&
			schema.Compatible(d.cfg.StateSchema, s.cfg.StateSchema) == nil
	default:
		return d.fail(id, "unsupported stage type %T", stage)
	}

	if err := schema.Compatible(d.lastOutput(), stage.inputSchema()); err != nil {
		return d.fail(id, "input is not compatible with the previous output: %v", err)
	}

	d.ids[id] = struct{}{}
	d.stages = append(d.stages, entry)
	return d
}

// Map appends a transform with a generated id.
func (d *Draft) Map(fn TransformFunc) *Draft {
	if d.committed {
		return d.fail("", "draft is already committed")
	}
	d.maps++
	return d.Then(NewTransform(fmt.Sprintf("map-%d", d.maps), fn))
}

// Commit seals the draft. The draft rejects every further call.
func (d *Draft) Commit() (*Workflow, error) {
	if d.committed {
		return nil, &BuildError{WorkflowID: d.cfg.ID, Reason: "draft is already committed"}
	}
	d.committed = true

	if len(d.stages) == 0 && len(d.errs) == 0 {
		d.fail("", "workflow has no stages")
	}
	if len(d.stages) > 0 {
		if err := schema.Compatible(d.lastOutput(), d.cfg.OutputSchema); err != nil {
			d.fail(d.stages[len(d.stages)-1].stage.StageID(), "output is not compatible with the workflow output: %v", err)
		}
	}
	if len(d.errs) > 0 {
		return nil, d.Err()
	}

	stages := make([]stageEntry, len(d.stages))
	copy(stages, d.stages)
	return &Workflow{cfg: d.cfg, stages: stages}, nil
}

func (d *Draft) lastOutput() *schema.Schema {
	if len(d.stages) == 0 {
		return d.cfg.InputSchema
	}
	return d.stages[len(d.stages)-1].stage.outputSchema()
}

// Workflow is a committed, immutable workflow definition. It can be
// registered with an Engine or nested inside another draft.
type Workflow struct {
	cfg    Config
	stages []stageEntry
}

// ID returns the workflow id, unique within an Engine.
func (w *Workflow) ID() string { return w.cfg.ID }

// Description returns the human readable summary from the Config.
func (w *Workflow) Description() string { return w.cfg.Description }

// InputSchema validates run input; nil accepts anything.
func (w *Workflow) InputSchema() *schema.Schema { return w.cfg.InputSchema }

// OutputSchema validates the final output and, by default, bail values.
func (w *Workflow) OutputSchema() *schema.Schema { return w.cfg.OutputSchema }

// StateSchema describes the shared state; nil means the workflow has none.
func (w *Workflow) StateSchema() *schema.Schema { return w.cfg.StateSchema }

// StageID returns the workflow id so a workflow can be nested as a stage.
func (w *Workflow) StageID() string { return w.cfg.ID }

func (w *Workflow) kind() string                 { return KindWorkflow }
func (w *Workflow) inputSchema() *schema.Schema  { return w.cfg.InputSchema }
func (w *Workflow) outputSchema() *schema.Schema { return w.cfg.OutputSchema }

// Stages returns a copy of the stage sequence.
func (w *Workflow) Stages() []Stage {
	out := make([]Stage, len(w.stages))
	for i, e := range w.stages {
		out[i] = e.stage
	}
	return out
}

// SharesState reports whether the nested workflow at position i runs on the
// enclosing workflow's state.
func (w *Workflow) SharesState(i int) bool {
	return i >= 0 && i < len(w.stages) && w.stages[i].sharesState
}

func (w *Workflow) depth() int {
	deepest := 0
	for _, e := range w.stages {
		if nested, ok := e.stage.(*Workflow); ok {
			if d := nested.depth(); d > deepest {
				deepest = d
			}
		}
	}
	return deepest + 1
}
