package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/workdeck/types"
)

func TestPlanValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		plan    *Plan
		wantErr string
	}{
		{
			name:    "empty plan",
			plan:    &Plan{Goal: "g"},
			wantErr: "no steps",
		},
		{
			name: "valid chain",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a"},
				{ID: "b", DependsOn: []string{"a"}},
			}},
		},
		{
			name: "duplicate id",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a"}, {ID: "a"},
			}},
			wantErr: "duplicate step id",
		},
		{
			name: "empty id",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: ""},
			}},
			wantErr: "empty id",
		},
		{
			name: "dangling dependency",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a", DependsOn: []string{"ghost"}},
			}},
			wantErr: "unknown step ghost",
		},
		{
			name: "self dependency",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a", DependsOn: []string{"a"}},
			}},
			wantErr: "depends on itself",
		},
		{
			name: "two-node cycle",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a", DependsOn: []string{"b"}},
				{ID: "b", DependsOn: []string{"a"}},
			}},
			wantErr: "cycle",
		},
		{
			name: "branch references unknown condition",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a", BranchCondition: &BranchCondition{ConditionStepID: "ghost", Branch: "true"}},
			}},
			wantErr: "unknown condition step",
		},
		{
			name: "branch references non-condition step",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a"},
				{ID: "b", BranchCondition: &BranchCondition{ConditionStepID: "a", Branch: "true"}},
			}},
			wantErr: "not a condition step",
		},
		{
			name: "branch with empty value",
			plan: &Plan{Goal: "g", Steps: []PlanStep{
				{ID: "a", StepType: StepTypeCondition},
				{ID: "b", BranchCondition: &BranchCondition{ConditionStepID: "a"}},
			}},
			wantErr: "no branch value",
		},
		{
			name: "exceeds max steps",
			plan: &Plan{Goal: "g", MaxSteps: 1, Steps: []PlanStep{
				{ID: "a"}, {ID: "b"},
			}},
			wantErr: "exceeding the limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, types.ErrPlanning, types.GetErrorCode(err))
		})
	}
}

func TestPlanCloneIsDeep(t *testing.T) {
	t.Parallel()
	plan := branchPlan()
	clone := plan.Clone()

	clone.Steps[1].DependsOn[0] = "mutated"
	clone.Steps[1].BranchCondition.Branch = "mutated"

	assert.Equal(t, "cond", plan.Steps[1].DependsOn[0])
	assert.Equal(t, "true", plan.Steps[1].BranchCondition.Branch)
}

func TestPlanStepLookup(t *testing.T) {
	t.Parallel()
	plan := linearPlan()
	step, ok := plan.Step("b")
	require.True(t, ok)
	assert.Equal(t, "second", step.Description)
	_, ok = plan.Step("missing")
	assert.False(t, ok)
}
