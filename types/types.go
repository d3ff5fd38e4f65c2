package types

import "fmt"

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusBailed    Status = "bailed"
	StatusFailed    Status = "failed"
)

// transitions is the complete run state graph.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning},
	StatusRunning:   {StatusSuspended, StatusCompleted, StatusBailed, StatusFailed},
	StatusSuspended: {StatusRunning},
}

// CanTransition reports whether the state graph has an edge from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBailed || s == StatusFailed
}

// Frame is one level of the position stack. Frames[0] of a RunState is the
// top-level workflow; each further frame is a nested workflow entered from
// the stage at the previous frame's Position.
type Frame struct {
	WorkflowID  string                 `json:"workflow_id" msgpack:"workflow_id"`
	Position    int                    `json:"position" msgpack:"position"`
	Input       interface{}            `json:"input,omitempty" msgpack:"input,omitempty"`
	LastOutput  interface{}            `json:"last_output,omitempty" msgpack:"last_output,omitempty"`
	Results     map[string]interface{} `json:"results,omitempty" msgpack:"results,omitempty"`
	State       interface{}            `json:"state,omitempty" msgpack:"state,omitempty"`
	SharesState bool                   `json:"shares_state,omitempty" msgpack:"shares_state,omitempty"`
}

// RunState is the persisted snapshot of a run.
type RunState struct {
	RunID          string      `json:"run_id" msgpack:"run_id"`
	WorkflowID     string      `json:"workflow_id" msgpack:"workflow_id"`
	Status         Status      `json:"status" msgpack:"status"`
	Frames         []Frame     `json:"frames" msgpack:"frames"`
	InitData       interface{} `json:"init_data,omitempty" msgpack:"init_data,omitempty"`
	Output         interface{} `json:"output,omitempty" msgpack:"output,omitempty"`
	SuspendPayload interface{} `json:"suspend_payload,omitempty" msgpack:"suspend_payload,omitempty"`
	SuspendedPath  []string    `json:"suspended_path,omitempty" msgpack:"suspended_path,omitempty"`
	Error          string      `json:"error,omitempty" msgpack:"error,omitempty"`
	Version        int64       `json:"version" msgpack:"version"`
	CreatedAt      int64       `json:"created_at" msgpack:"created_at"`
	UpdatedAt      int64       `json:"updated_at" msgpack:"updated_at"`
}

// Transition moves the run to next, rejecting edges outside the state graph.
func (r *RunState) Transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("illegal status transition %s -> %s", r.Status, next)
	}
	r.Status = next
	return nil
}

// SharedState returns the top-level shared state.
func (r *RunState) SharedState() interface{} {
	if len(r.Frames) == 0 {
		return nil
	}
	return r.Frames[0].State
}

// Result is what the engine hands back from Start and Resume.
type Result struct {
	RunID          string      `json:"run_id"`
	WorkflowID     string      `json:"workflow_id"`
	Status         Status      `json:"status"`
	Output         interface{} `json:"output,omitempty"`
	SuspendPayload interface{} `json:"suspend_payload,omitempty"`
	SuspendedPath  []string    `json:"suspended_path,omitempty"`
	Err            error       `json:"-"`
	Error          string      `json:"error,omitempty"`
}
