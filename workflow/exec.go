package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/songzhibin97/stepflow/events"
	"github.com/songzhibin97/stepflow/schema"
	"github.com/songzhibin97/stepflow/tracing"
	"github.com/songzhibin97/stepflow/types"
)

// runner executes one Start or Resume call against a run snapshot. Frame i
// of the snapshot belongs to the workflow executing at nesting depth i.
type runner struct {
	engine *Engine
	top    *Workflow
	run    *types.RunState
	logger *slog.Logger

	// resumeData goes to the first step executed, which on resume is the
	// step the run was suspended in.
	resumeData interface{}
	resuming   bool
}

// halt describes why a workflow stopped before its last stage.
type halt struct {
	kind  OutcomeKind
	value interface{}
	err   error
	// path is the stage id path to the suspended step, outermost first.
	path []string
}

// stateCell is the state slot of one frame. A cell with a parent writes
// every committed value through to it.
type stateCell struct {
	frame  int
	schema *schema.Schema
	parent *stateCell
}

func (r *runner) failure(stageID string, err error) *halt {
	return &halt{kind: OutcomeFail, err: &StepError{RunID: r.run.RunID, StepID: stageID, Err: err}}
}

// commitState validates state for cell and every ancestor it shares with,
// then applies it. Nothing is applied unless every level validates.
func (r *runner) commitState(cell *stateCell, state interface{}) error {
	v, err := r.engine.validator.Validate(cell.schema, state)
	if err != nil {
		return fmt.Errorf("state of workflow %q: %w", r.run.Frames[cell.frame].WorkflowID, err)
	}
	if cell.parent != nil {
		merged := mergeState(r.run.Frames[cell.parent.frame].State, v)
		if err := r.commitState(cell.parent, merged); err != nil {
			return err
		}
	}
	r.run.Frames[cell.frame].State = v
	return nil
}

func (r *runner) execWorkflow(ctx context.Context, wf *Workflow, depth int, cell *stateCell) (interface{}, *halt) {
	if r.run.Frames[depth].Results == nil {
		r.run.Frames[depth].Results = make(map[string]interface{})
	}

	for pos := r.run.Frames[depth].Position; pos < len(wf.stages); pos++ {
		r.run.Frames[depth].Position = pos
		entry := wf.stages[pos]
		id := entry.stage.StageID()
		if err := ctx.Err(); err != nil {
			return nil, r.failure(id, err)
		}

		input := r.run.Frames[depth].LastOutput
		stageCtx, span := tracing.StartSpan(ctx, "stage "+id,
			tracing.AttrRunID.String(r.run.RunID),
			tracing.AttrWorkflowID.String(wf.ID()),
			tracing.AttrStageID.String(id),
			tracing.AttrStageKind.String(entry.stage.kind()),
			tracing.AttrDepth.Int(depth),
		)
		r.logger.Debug("executing stage", slog.String("stage", id), slog.String("kind", entry.stage.kind()), slog.Int("depth", depth))

		var (
			out interface{}
			h   *halt
		)
		switch s := entry.stage.(type) {
		case *Step:
			out, h = r.execStep(stageCtx, wf, depth, s, input, cell)
		case *Transform:
			out, h = r.execTransform(stageCtx, depth, s, input)
		case *Workflow:
			out, h = r.execNested(stageCtx, depth, s, entry.sharesState, input, cell)
		}

		var spanErr error
		outcome := OutcomeContinue
		if h != nil {
			outcome, spanErr = h.kind, h.err
		}
		span.SetAttributes(tracing.AttrOutcome.String(outcome.String()))
		tracing.EndSpan(span, spanErr)
		if h != nil {
			return nil, h
		}

		frame := &r.run.Frames[depth]
		frame.Results[id] = out
		frame.LastOutput = out
	}
	r.run.Frames[depth].Position = len(wf.stages)

	output, err := r.engine.validator.Validate(wf.cfg.OutputSchema, r.run.Frames[depth].LastOutput)
	if err != nil {
		return nil, r.failure(wf.ID(), fmt.Errorf("output of workflow %q: %w", wf.ID(), err))
	}
	return output, nil
}

func (r *runner) execStep(ctx context.Context, wf *Workflow, depth int, step *Step, input interface{}, cell *stateCell) (interface{}, *halt) {
	v := r.engine.validator
	in, err := v.Validate(step.InputSchema, input)
	if err != nil {
		return nil, r.failure(step.ID, fmt.Errorf("input of step %q: %w", step.ID, err))
	}

	frame := r.run.Frames[depth]
	rc := &runContext{
		helpers: helpers{
			runID:    r.run.RunID,
			initData: r.run.InitData,
			results:  frame.Results,
		},
		workflowID: wf.ID(),
		step:       step,
		validator:  v,
		logger:     r.logger.With(slog.String("step", step.ID)),
		input:      in,
		state:      frame.State,
		bailSchema: r.top.cfg.OutputSchema,
	}
	if r.resuming {
		rc.resumeData, rc.resumed = r.resumeData, true
		r.resumeData, r.resuming = nil, false
	}

	outcome, err := r.invoke(ctx, step, rc)
	if err != nil {
		return nil, r.failure(step.ID, err)
	}

	switch outcome.kind {
	case OutcomeContinue:
		out, err := v.Validate(step.OutputSchema, outcome.value)
		if err != nil {
			return nil, r.failure(step.ID, fmt.Errorf("output of step %q: %w", step.ID, err))
		}
		if rc.stateSet {
			if err := r.commitState(cell, rc.state); err != nil {
				return nil, r.failure(step.ID, err)
			}
		}
		r.engine.publish(ctx, events.StepCompleted, r.run, step.ID, map[string]interface{}{"output": out})
		return out, nil
	case OutcomeSuspend:
		return nil, &halt{kind: OutcomeSuspend, value: outcome.value, path: []string{step.ID}}
	case OutcomeBail:
		return nil, &halt{kind: OutcomeBail, value: outcome.value}
	default:
		err := outcome.err
		if err == nil {
			err = errors.New("step failed without an error")
		}
		return nil, r.failure(step.ID, err)
	}
}

func (r *runner) invoke(ctx context.Context, step *Step, rc *runContext) (outcome Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("step panicked",
				slog.String("step", step.ID),
				slog.Any("panic", p),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic occurred: %v", p)
		}
	}()
	return step.Execute(ctx, rc)
}

func (r *runner) execTransform(ctx context.Context, depth int, t *Transform, input interface{}) (interface{}, *halt) {
	h := &helpers{
		runID:    r.run.RunID,
		initData: r.run.InitData,
		results:  r.run.Frames[depth].Results,
	}

	out, err := func() (out interface{}, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic occurred: %v", p)
			}
		}()
		return t.Fn(ctx, input, h)
	}()
	if err != nil {
		return nil, r.failure(t.ID, err)
	}

	if t.OutputSchema != nil {
		out, err = r.engine.validator.Validate(t.OutputSchema, out)
	} else {
		out, err = schema.Normalize(out)
	}
	if err != nil {
		return nil, r.failure(t.ID, fmt.Errorf("output of transform %q: %w", t.ID, err))
	}
	return out, nil
}

func (r *runner) execNested(ctx context.Context, depth int, nested *Workflow, shares bool, input interface{}, cell *stateCell) (interface{}, *halt) {
	childDepth := depth + 1

	// A frame already exists when resuming into the nested workflow.
	if len(r.run.Frames) <= childDepth {
		in, err := r.engine.validator.Validate(nested.cfg.InputSchema, input)
		if err != nil {
			return nil, r.failure(nested.ID(), fmt.Errorf("input of workflow %q: %w", nested.ID(), err))
		}
		state, err := r.nestedState(nested, shares, r.run.Frames[depth].State)
		if err != nil {
			return nil, r.failure(nested.ID(), err)
		}
		r.run.Frames = append(r.run.Frames, types.Frame{
			WorkflowID:  nested.ID(),
			Input:       in,
			LastOutput:  in,
			Results:     make(map[string]interface{}),
			State:       state,
			SharesState: shares,
		})
	}

	child := &stateCell{frame: childDepth, schema: nested.cfg.StateSchema}
	if r.run.Frames[childDepth].SharesState {
		child.parent = cell
	}

	out, h := r.execWorkflow(ctx, nested, childDepth, child)
	if h != nil {
		if h.kind == OutcomeSuspend {
			h.path = append([]string{nested.ID()}, h.path...)
		}
		return nil, h
	}
	r.run.Frames = r.run.Frames[:childDepth]
	return out, nil
}

// nestedState seeds a nested workflow's state: its view of the parent state
// when shared, otherwise the zero value of its own schema.
func (r *runner) nestedState(nested *Workflow, shares bool, parent interface{}) (interface{}, error) {
	if nested.cfg.StateSchema == nil {
		return nil, nil
	}
	seed := schema.Zero(nested.cfg.StateSchema)
	if shares {
		seed = parent
	}
	v, err := r.engine.validator.Validate(nested.cfg.StateSchema, seed)
	if err != nil {
		return nil, fmt.Errorf("state of workflow %q: %w", nested.ID(), err)
	}
	return v, nil
}
