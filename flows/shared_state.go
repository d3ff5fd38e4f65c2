package flows

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/stepflow/schema"
	"github.com/songzhibin97/stepflow/workflow"
)

var (
	testInput    = schema.Object(schema.Fields{"test": schema.String()})
	resultOutput = schema.Object(schema.Fields{"result": schema.String()})
	sharedState  = schema.Object(schema.Fields{"sharedValue": schema.String()})
)

type sharedValue struct {
	SharedValue string `json:"sharedValue"`
}

func nestedStep() *workflow.Step {
	return &workflow.Step{
		ID:           "nested-step",
		InputSchema:  testInput,
		OutputSchema: resultOutput,
		StateSchema:  sharedState,
		Execute: func(ctx context.Context, rc workflow.RunContext) (workflow.Outcome, error) {
			var in struct {
				Test string `json:"test"`
			}
			if err := rc.Bind(&in); err != nil {
				return workflow.Outcome{}, err
			}
			rc.Logger().Debug("nested step input", "test", in.Test)
			if err := rc.SetState(map[string]interface{}{"sharedValue": "modified-by-nested-step-shared"}); err != nil {
				return workflow.Outcome{}, err
			}
			return workflow.Continue(map[string]interface{}{
				"result": fmt.Sprintf("modified-by-nested-step(%s)", in.Test),
			}), nil
		},
	}
}

func nestedStep2() *workflow.Step {
	return &workflow.Step{
		ID:           "nested-step2",
		InputSchema:  resultOutput,
		OutputSchema: resultOutput,
		StateSchema:  sharedState,
		Execute: func(ctx context.Context, rc workflow.RunContext) (workflow.Outcome, error) {
			prior, ok := rc.StepResult("nested-step")
			if !ok {
				return workflow.Outcome{}, errors.New("nested-step has not run")
			}
			var state sharedValue
			if err := rc.BindState(&state); err != nil {
				return workflow.Outcome{}, err
			}
			return workflow.Continue(map[string]interface{}{
				"result": fmt.Sprintf("Received: %v, Shared Value: %s",
					prior.(map[string]interface{})["result"], state.SharedValue),
			}), nil
		},
	}
}

// Nested builds the workflow nested inside Parent. It declares the same
// state schema as its parent, so its state changes reach the parent.
func Nested() (*workflow.Workflow, error) {
	first := nestedStep()
	return workflow.New(workflow.Config{
		ID:           NestedWorkflowID,
		InputSchema:  testInput,
		OutputSchema: resultOutput,
		StateSchema:  sharedState,
	}).
		Then(first).
		Map(func(ctx context.Context, input interface{}, h workflow.Helpers) (interface{}, error) {
			if _, ok := h.StepResultOf(first); !ok {
				return nil, errors.New("nested-step has not run")
			}
			return input, nil
		}).
		Then(nestedStep2()).
		Commit()
}

func parentStep() *workflow.Step {
	return &workflow.Step{
		ID:           "parent-step",
		InputSchema:  testInput,
		OutputSchema: resultOutput,
		StateSchema:  sharedState,
		Execute: func(ctx context.Context, rc workflow.RunContext) (workflow.Outcome, error) {
			if err := rc.SetState(map[string]interface{}{"sharedValue": "modified-by-parent"}); err != nil {
				return workflow.Outcome{}, err
			}
			return workflow.Continue(map[string]interface{}{"result": "modified-by-parent"}), nil
		},
	}
}

// Parent builds the parent workflow: a step that sets shared state, a
// transform that appends "map -map" to its output, then Nested.
func Parent() (*workflow.Workflow, error) {
	nested, err := Nested()
	if err != nil {
		return nil, err
	}
	return workflow.New(workflow.Config{
		ID:           ParentWorkflowID,
		InputSchema:  testInput,
		OutputSchema: resultOutput,
		StateSchema:  sharedState,
	}).
		Then(parentStep()).
		Map(func(ctx context.Context, input interface{}, h workflow.Helpers) (interface{}, error) {
			out, ok := input.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("unexpected input %T", input)
			}
			return map[string]interface{}{"test": fmt.Sprintf("%v", out["result"]) + "map -map"}, nil
		}).
		Then(nested).
		Commit()
}

// Register adds every reference workflow to e.
func Register(e *workflow.Engine) error {
	approval, err := Approval()
	if err != nil {
		return err
	}
	parent, err := Parent()
	if err != nil {
		return err
	}
	for _, wf := range []*workflow.Workflow{approval, parent} {
		if err := e.Register(wf); err != nil {
			return err
		}
	}
	return nil
}
