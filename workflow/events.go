package workflow

import (
	"time"

	"github.com/BaSui01/workdeck/types"
)

// EventType identifies one kind of workflow stream event.
type EventType string

const (
	// EventWorkflowStart opens the stream; always the first event.
	EventWorkflowStart EventType = "workflow_start"
	// EventPlan carries the accepted plan, or a mid-run adjustment.
	EventPlan EventType = "plan"
	// EventStepStart announces a step beginning execution.
	EventStepStart EventType = "step_start"
	// EventToolCall announces a tool invocation within a step.
	EventToolCall EventType = "tool_call"
	// EventToolResult carries the result of the matching tool call.
	EventToolResult EventType = "tool_result"
	// EventStepEnd carries a step's terminal status.
	EventStepEnd EventType = "step_end"
	// EventReflection carries a step's self-assessment verdict.
	EventReflection EventType = "reflection"
	// EventMessage carries a chunk of the streamed final answer.
	EventMessage EventType = "message"
	// EventStateSnapshot carries a full State copy for resumption.
	EventStateSnapshot EventType = "state_snapshot"
	// EventError reports a run-level failure.
	EventError EventType = "error"
	// EventCancelled reports that the run was cancelled.
	EventCancelled EventType = "cancelled"
	// EventWorkflowEnd closes the stream; always the last event.
	EventWorkflowEnd EventType = "workflow_end"
)

// Event is one entry on a run's ordered event stream. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type       EventType `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	Timestamp  time.Time `json:"timestamp"`

	// EventPlan.
	Plan         *Plan `json:"plan,omitempty"`
	IsAdjustment bool  `json:"is_adjustment,omitempty"`

	// Step-scoped events.
	StepID      string `json:"step_id,omitempty"`
	StepIndex   int    `json:"step_index,omitempty"`
	Description string `json:"description,omitempty"`

	// EventToolCall / EventToolResult.
	Call   *types.ToolCall   `json:"call,omitempty"`
	Result *types.ToolResult `json:"result,omitempty"`

	// EventStepEnd and EventWorkflowEnd.
	Status     string `json:"status,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// EventReflection.
	Reflection *StepReflection `json:"reflection,omitempty"`

	// EventMessage. Done marks the last chunk of the final answer.
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`

	// EventError and EventCancelled.
	Message     string `json:"message,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// EventStateSnapshot.
	State *State `json:"state,omitempty"`
}
