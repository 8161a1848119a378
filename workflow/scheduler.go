package workflow

import (
	"fmt"
)

// StepStatus is the scheduler-side lifecycle of one plan step. Transitions are
// forward-only: pending -> running -> {completed, failed}, or
// pending -> skipped. There is no transition out of a terminal status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// Scheduler is a pure state machine over a validated plan. It tracks step
// statuses and resolved branch values and answers which steps may run next.
// It performs no I/O and knows nothing about models or tools; the engine owns
// all side effects. Not safe for concurrent use; the engine serializes access.
type Scheduler struct {
	order    []string
	steps    map[string]PlanStep
	status   map[string]StepStatus
	branches map[string]string
}

// NewScheduler builds a scheduler over a plan that has passed Validate.
// Every step starts pending.
func NewScheduler(plan *Plan) *Scheduler {
	s := &Scheduler{
		order:    make([]string, 0, len(plan.Steps)),
		steps:    make(map[string]PlanStep, len(plan.Steps)),
		status:   make(map[string]StepStatus, len(plan.Steps)),
		branches: make(map[string]string),
	}
	for _, step := range plan.Steps {
		s.order = append(s.order, step.ID)
		s.steps[step.ID] = step
		s.status[step.ID] = StepPending
	}
	return s
}

// Status returns the current status of a step.
func (s *Scheduler) Status(id string) StepStatus {
	return s.status[id]
}

// Statuses returns a snapshot of every step status.
func (s *Scheduler) Statuses() map[string]StepStatus {
	out := make(map[string]StepStatus, len(s.status))
	for id, st := range s.status {
		out[id] = st
	}
	return out
}

// depsSatisfied reports whether every dependency of the step has completed.
// A failed or skipped dependency never satisfies; such dependents stay
// pending until the engine declares the run stuck.
func (s *Scheduler) depsSatisfied(step PlanStep) bool {
	for _, dep := range step.DependsOn {
		if s.status[dep] != StepCompleted {
			return false
		}
	}
	return true
}

// branchState classifies a step's branch gate: unresolved (condition step not
// finished), open (resolved and matching), or closed (resolved and not
// matching).
type branchState int

const (
	branchOpen branchState = iota
	branchUnresolved
	branchClosed
)

func (s *Scheduler) branchOf(step PlanStep) branchState {
	bc := step.BranchCondition
	if bc == nil {
		return branchOpen
	}
	if s.status[bc.ConditionStepID] != StepCompleted {
		return branchUnresolved
	}
	resolved, ok := s.branches[bc.ConditionStepID]
	if !ok {
		return branchUnresolved
	}
	if resolved == bc.Branch {
		return branchOpen
	}
	return branchClosed
}

// ReadySteps returns the ids of all pending steps whose dependencies have
// completed and whose branch gate, if any, is open. Order follows the plan's
// step order so sequential execution is deterministic.
func (s *Scheduler) ReadySteps() []string {
	var ready []string
	for _, id := range s.order {
		if s.status[id] != StepPending {
			continue
		}
		step := s.steps[id]
		if !s.depsSatisfied(step) {
			continue
		}
		if s.branchOf(step) != branchOpen {
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

// SkippableSteps returns pending steps whose dependencies have completed but
// whose branch gate resolved to a different branch. The engine marks these
// skipped rather than running them.
func (s *Scheduler) SkippableSteps() []string {
	var skippable []string
	for _, id := range s.order {
		if s.status[id] != StepPending {
			continue
		}
		step := s.steps[id]
		if !s.depsSatisfied(step) {
			continue
		}
		if s.branchOf(step) == branchClosed {
			skippable = append(skippable, id)
		}
	}
	return skippable
}

// ShouldSkip reports whether the step carries a branch condition whose branch
// does not match the resolved value in conditionResults. Steps without a
// branch condition, or whose condition is unresolved, are never skippable.
func (s *Scheduler) ShouldSkip(id string, conditionResults map[string]string) bool {
	step, ok := s.steps[id]
	if !ok || step.BranchCondition == nil {
		return false
	}
	resolved, ok := conditionResults[step.BranchCondition.ConditionStepID]
	if !ok {
		return false
	}
	return resolved != step.BranchCondition.Branch
}

// SetBranchResult records the branch a condition step resolved to. Call after
// the condition step completes; gated steps become ready or skippable on the
// next query.
func (s *Scheduler) SetBranchResult(conditionStepID, branch string) {
	s.branches[conditionStepID] = branch
}

// BranchResult returns the resolved branch for a condition step, if any.
func (s *Scheduler) BranchResult(conditionStepID string) (string, bool) {
	b, ok := s.branches[conditionStepID]
	return b, ok
}

func (s *Scheduler) transition(id string, from, to StepStatus) {
	cur, ok := s.status[id]
	if !ok {
		panic(fmt.Sprintf("scheduler: unknown step %q", id))
	}
	if cur != from {
		panic(fmt.Sprintf("scheduler: step %q is %s, cannot move %s -> %s", id, cur, from, to))
	}
	s.status[id] = to
}

// MarkRunning moves a pending step to running. Panics on any other current
// status: a transition the engine never issues is a programming error, not a
// runtime condition.
func (s *Scheduler) MarkRunning(id string) { s.transition(id, StepPending, StepRunning) }

// MarkCompleted moves a running step to completed.
func (s *Scheduler) MarkCompleted(id string) { s.transition(id, StepRunning, StepCompleted) }

// MarkFailed moves a running step to failed.
func (s *Scheduler) MarkFailed(id string) { s.transition(id, StepRunning, StepFailed) }

// MarkSkipped moves a pending step to skipped.
func (s *Scheduler) MarkSkipped(id string) { s.transition(id, StepPending, StepSkipped) }

// RunningCount returns the number of steps currently running.
func (s *Scheduler) RunningCount() int {
	n := 0
	for _, st := range s.status {
		if st == StepRunning {
			n++
		}
	}
	return n
}

// Finished reports whether every step has reached a terminal status.
func (s *Scheduler) Finished() bool {
	for _, st := range s.status {
		if !st.Terminal() {
			return false
		}
	}
	return true
}

// Stuck reports that no further progress is possible: nothing is running,
// nothing is ready or skippable, yet pending steps remain. This happens when
// a failed or skipped step leaves dependents waiting on a completion that
// will never come; the engine finalizes with degraded results.
func (s *Scheduler) Stuck() bool {
	if s.Finished() || s.RunningCount() > 0 {
		return false
	}
	return len(s.ReadySteps()) == 0 && len(s.SkippableSteps()) == 0
}

// CompletedSteps returns the ids of completed steps in plan order.
func (s *Scheduler) CompletedSteps() []string {
	var out []string
	for _, id := range s.order {
		if s.status[id] == StepCompleted {
			out = append(out, id)
		}
	}
	return out
}

// PendingSteps returns the ids of pending steps in plan order.
func (s *Scheduler) PendingSteps() []string {
	var out []string
	for _, id := range s.order {
		if s.status[id] == StepPending {
			out = append(out, id)
		}
	}
	return out
}
