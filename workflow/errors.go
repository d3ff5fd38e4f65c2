package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/stepflow/storage"
)

// Standard error definitions
var (
	ErrBuild            = errors.New("workflow build error")
	ErrUsage            = errors.New("workflow usage error")
	ErrStep             = errors.New("step execution failed")
	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already registered")
	ErrEngineStopped    = errors.New("engine is stopped")

	// ErrRunNotFound and ErrConflict are the store's sentinels, re-exported so
	// callers of the engine need not import storage.
	ErrRunNotFound = storage.ErrRunNotFound
	ErrConflict    = storage.ErrConflict
)

// BuildError reports misuse while composing a workflow: duplicate stage ids,
// incompatible adjacent shapes, mutation after commit.
type BuildError struct {
	WorkflowID string
	StageID    string
	Reason     string
}

func (e *BuildError) Error() string {
	if e.StageID == "" {
		return fmt.Sprintf("build workflow %q: %s", e.WorkflowID, e.Reason)
	}
	return fmt.Sprintf("build workflow %q: stage %q: %s", e.WorkflowID, e.StageID, e.Reason)
}

func (e *BuildError) Is(target error) bool { return target == ErrBuild }

// UsageError reports an engine or capability call that is not allowed in the
// current situation, such as resuming a run that is not suspended.
type UsageError struct {
	Op     string
	RunID  string
	StepID string
	Reason string
	Err    error
}

func (e *UsageError) Error() string {
	msg := e.Op
	if e.RunID != "" {
		msg += " run " + e.RunID
	}
	if e.StepID != "" {
		msg += " step " + e.StepID
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *UsageError) Is(target error) bool { return target == ErrUsage }

func (e *UsageError) Unwrap() error { return e.Err }

// StepError carries the cause of a run that ended Failed.
type StepError struct {
	RunID  string
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q of run %s failed: %v", e.StepID, e.RunID, e.Err)
}

func (e *StepError) Is(target error) bool { return target == ErrStep }

func (e *StepError) Unwrap() error { return e.Err }
