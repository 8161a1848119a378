// Package workflow implements the agentic workflow orchestrator: a planner
// that decomposes a request into a dependency graph of steps, a pure scheduler
// over that graph, and an engine that drives one tool-calling exchange per
// step while streaming ordered progress events.
package workflow

import (
	"fmt"

	"github.com/BaSui01/workdeck/types"
)

// StepType distinguishes plain action steps from branching condition steps.
type StepType string

const (
	// StepTypeAction executes one agent exchange.
	StepTypeAction StepType = "action"
	// StepTypeCondition resolves to a branch value that gates downstream steps.
	StepTypeCondition StepType = "condition"
)

// BranchCondition gates a step on the outcome of a condition step: the step is
// eligible only if the named condition step resolved to the named branch.
type BranchCondition struct {
	ConditionStepID string `json:"condition_step_id"`
	Branch          string `json:"branch"`
}

// PlanStep is one node in the model-authored task breakdown.
type PlanStep struct {
	ID              string           `json:"id"`
	Description     string           `json:"description"`
	ExpectedTools   []string         `json:"expected_tools,omitempty"`
	DependsOn       []string         `json:"depends_on,omitempty"`
	SuccessCriteria string           `json:"success_criteria,omitempty"`
	StepType        StepType         `json:"step_type,omitempty"`
	BranchCondition *BranchCondition `json:"branch_condition,omitempty"`
}

// Type returns the step type, defaulting to action.
func (s PlanStep) Type() StepType {
	if s.StepType == "" {
		return StepTypeAction
	}
	return s.StepType
}

// Plan is the model-authored multi-step breakdown of a goal. Produced once per
// run; mid-run adjustments replace the remaining, not-yet-started steps only.
type Plan struct {
	Goal     string     `json:"goal"`
	Steps    []PlanStep `json:"steps"`
	MaxSteps int        `json:"max_steps,omitempty"`
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (PlanStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{Goal: p.Goal, MaxSteps: p.MaxSteps}
	out.Steps = make([]PlanStep, len(p.Steps))
	copy(out.Steps, p.Steps)
	for i := range out.Steps {
		if len(out.Steps[i].ExpectedTools) > 0 {
			tools := make([]string, len(out.Steps[i].ExpectedTools))
			copy(tools, out.Steps[i].ExpectedTools)
			out.Steps[i].ExpectedTools = tools
		}
		if len(out.Steps[i].DependsOn) > 0 {
			deps := make([]string, len(out.Steps[i].DependsOn))
			copy(deps, out.Steps[i].DependsOn)
			out.Steps[i].DependsOn = deps
		}
		if out.Steps[i].BranchCondition != nil {
			bc := *out.Steps[i].BranchCondition
			out.Steps[i].BranchCondition = &bc
		}
	}
	return out
}

// Validate rejects plans the scheduler cannot execute: duplicate or empty step
// ids, dangling dependency or branch references, branch conditions pointing at
// non-condition steps, and dependency cycles. A plan that fails validation is
// never executed.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return types.NewError(types.ErrPlanning, "plan has no steps")
	}
	if p.MaxSteps > 0 && len(p.Steps) > p.MaxSteps {
		return types.NewError(types.ErrPlanning,
			fmt.Sprintf("plan has %d steps, exceeding the limit of %d", len(p.Steps), p.MaxSteps))
	}

	byID := make(map[string]PlanStep, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return types.NewError(types.ErrPlanning, "plan step has empty id")
		}
		if _, dup := byID[s.ID]; dup {
			return types.NewError(types.ErrPlanning, fmt.Sprintf("duplicate step id: %s", s.ID))
		}
		byID[s.ID] = s
	}

	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return types.NewError(types.ErrPlanning, fmt.Sprintf("step %s depends on itself", s.ID))
			}
			if _, ok := byID[dep]; !ok {
				return types.NewError(types.ErrPlanning,
					fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep))
			}
		}
		if bc := s.BranchCondition; bc != nil {
			cond, ok := byID[bc.ConditionStepID]
			if !ok {
				return types.NewError(types.ErrPlanning,
					fmt.Sprintf("step %s references unknown condition step %s", s.ID, bc.ConditionStepID))
			}
			if cond.Type() != StepTypeCondition {
				return types.NewError(types.ErrPlanning,
					fmt.Sprintf("step %s branches on %s, which is not a condition step", s.ID, bc.ConditionStepID))
			}
			if bc.Branch == "" {
				return types.NewError(types.ErrPlanning,
					fmt.Sprintf("step %s has a branch condition with no branch value", s.ID))
			}
		}
	}

	return p.checkAcyclic()
}

// checkAcyclic runs Kahn's algorithm over the dependency edges. Branch
// condition references count as edges too: a gated step can only run after its
// condition step.
func (p *Plan) checkAcyclic() error {
	indegree := make(map[string]int, len(p.Steps))
	dependents := make(map[string][]string, len(p.Steps))
	for _, s := range p.Steps {
		indegree[s.ID] += 0
		for _, dep := range s.DependsOn {
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
		if s.BranchCondition != nil && !containsString(s.DependsOn, s.BranchCondition.ConditionStepID) {
			indegree[s.ID]++
			dependents[s.BranchCondition.ConditionStepID] = append(dependents[s.BranchCondition.ConditionStepID], s.ID)
		}
	}

	queue := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(p.Steps) {
		return types.NewError(types.ErrPlanning, "plan contains a dependency cycle")
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
