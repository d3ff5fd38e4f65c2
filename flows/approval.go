// Package flows holds the reference workflows: a human approval gate that
// suspends until a decision arrives, and a parent workflow that threads
// shared state through a nested workflow.
package flows

import (
	"context"
	"fmt"

	"github.com/songzhibin97/stepflow/schema"
	"github.com/songzhibin97/stepflow/workflow"
)

// Workflow ids.
const (
	ApprovalWorkflowID = "suspend-workflow"
	ParentWorkflowID   = "parent-workflow"
	NestedWorkflowID   = "nested-workflow"
)

var (
	approvalInput  = schema.Object(schema.Fields{"userEmail": schema.String().Check(`value contains "@"`)})
	approvalOutput = schema.Object(schema.Fields{"output": schema.String()})
	approvalResume = schema.Object(schema.Fields{"approved": schema.Bool()})
	reasonPayload  = schema.Object(schema.Fields{"reason": schema.String()})
)

type approvalIn struct {
	UserEmail string `json:"userEmail"`
}

type approvalDecision struct {
	Approved bool `json:"approved"`
}

// ApprovalStep suspends until resumed with a decision. A rejection bails
// the run; an approval sends the email.
func ApprovalStep() *workflow.Step {
	return &workflow.Step{
		ID:            "step1",
		Description:   "Send an email once a human approves it",
		InputSchema:   approvalInput,
		OutputSchema:  approvalOutput,
		ResumeSchema:  approvalResume,
		SuspendSchema: reasonPayload,
		BailSchema:    reasonPayload,
		Execute: func(ctx context.Context, rc workflow.RunContext) (workflow.Outcome, error) {
			var in approvalIn
			if err := rc.Bind(&in); err != nil {
				return workflow.Outcome{}, err
			}

			if !rc.Resumed() {
				rc.Logger().Info("waiting for approval", "user_email", in.UserEmail)
				return rc.Suspend(map[string]interface{}{"reason": "Human approval required."})
			}

			var decision approvalDecision
			if err := rc.BindResume(&decision); err != nil {
				return workflow.Outcome{}, err
			}
			if !decision.Approved {
				return rc.Bail(map[string]interface{}{"reason": "User not approved."})
			}
			return workflow.Continue(map[string]interface{}{
				"output": fmt.Sprintf("Email sent to %s", in.UserEmail),
			}), nil
		},
	}
}

// Approval builds the approval workflow.
func Approval() (*workflow.Workflow, error) {
	return workflow.New(workflow.Config{
		ID:           ApprovalWorkflowID,
		Description:  "Human-in-the-loop email approval",
		InputSchema:  approvalInput,
		OutputSchema: approvalOutput,
	}).
		Then(ApprovalStep()).
		Commit()
}
