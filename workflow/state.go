package workflow

import (
	"time"

	"github.com/BaSui01/workdeck/types"
)

// Status is the engine-level lifecycle of a workflow run.
// idle -> planning -> executing <-> reflecting -> done; error and cancelled
// are terminal and reachable from any non-terminal status.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPlanning   Status = "planning"
	StatusExecuting  Status = "executing"
	StatusReflecting Status = "reflecting"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the run has ended.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusCancelled
}

// NextAction is a reflection verdict's directive for the run.
type NextAction string

const (
	// ActionContinue accepts the step outcome and proceeds.
	ActionContinue NextAction = "continue"
	// ActionRetry re-runs the step's exchange once.
	ActionRetry NextAction = "retry"
	// ActionReplan replaces the remaining not-yet-started steps.
	ActionReplan NextAction = "replan"
	// ActionAbort ends the run with an error.
	ActionAbort NextAction = "abort"
)

// StepReflection is the model's self-assessment of a completed step.
type StepReflection struct {
	Assessment string     `json:"assessment"`
	NextAction NextAction `json:"next_action"`
	Comment    string     `json:"comment,omitempty"`
}

// StepRecord is the durable execution record of one step attempt. Records are
// appended in execution order; a step re-planned and re-run gets a new record.
type StepRecord struct {
	PlanStepID     string             `json:"plan_step_id"`
	ExecutionIndex int                `json:"execution_index"`
	Description    string             `json:"description"`
	Status         StepStatus         `json:"status"`
	ToolCalls      []types.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults    []types.ToolResult `json:"tool_results,omitempty"`
	Answer         string             `json:"answer,omitempty"`
	Error          string             `json:"error,omitempty"`
	Branch         string             `json:"branch,omitempty"`
	Reflection     *StepReflection    `json:"reflection,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at,omitempty"`
	DurationMs     int64              `json:"duration_ms,omitempty"`
}

// State is the complete serializable record of a run. Snapshots of it are
// emitted on the event stream and persisted, so an observer can resume
// following a run from the latest snapshot plus subsequent events.
type State struct {
	ID               string       `json:"id"`
	Status           Status       `json:"status"`
	Goal             string       `json:"goal,omitempty"`
	Plan             *Plan        `json:"plan,omitempty"`
	Steps            []StepRecord `json:"steps,omitempty"`
	CurrentStepIndex int          `json:"current_step_index"`
	FinalAnswer      string       `json:"final_answer,omitempty"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      time.Time    `json:"completed_at,omitempty"`
	DurationMs       int64        `json:"duration_ms,omitempty"`
}

// Clone returns a deep copy safe to hand to observers while the engine keeps
// mutating its own copy.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Plan = s.Plan.Clone()
	if len(s.Steps) > 0 {
		out.Steps = make([]StepRecord, len(s.Steps))
		copy(out.Steps, s.Steps)
		for i := range out.Steps {
			if len(out.Steps[i].ToolCalls) > 0 {
				calls := make([]types.ToolCall, len(out.Steps[i].ToolCalls))
				copy(calls, out.Steps[i].ToolCalls)
				out.Steps[i].ToolCalls = calls
			}
			if len(out.Steps[i].ToolResults) > 0 {
				results := make([]types.ToolResult, len(out.Steps[i].ToolResults))
				copy(results, out.Steps[i].ToolResults)
				out.Steps[i].ToolResults = results
			}
			if out.Steps[i].Reflection != nil {
				r := *out.Steps[i].Reflection
				out.Steps[i].Reflection = &r
			}
		}
	}
	return &out
}
