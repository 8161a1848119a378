package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearPlan() *Plan {
	return &Plan{
		Goal: "linear",
		Steps: []PlanStep{
			{ID: "a", Description: "first"},
			{ID: "b", Description: "second", DependsOn: []string{"a"}},
			{ID: "c", Description: "third", DependsOn: []string{"b"}},
		},
	}
}

func diamondPlan() *Plan {
	return &Plan{
		Goal: "diamond",
		Steps: []PlanStep{
			{ID: "a", Description: "root"},
			{ID: "b", Description: "left", DependsOn: []string{"a"}},
			{ID: "c", Description: "right", DependsOn: []string{"a"}},
			{ID: "d", Description: "join", DependsOn: []string{"b", "c"}},
		},
	}
}

func branchPlan() *Plan {
	return &Plan{
		Goal: "branching",
		Steps: []PlanStep{
			{ID: "cond", Description: "decide", StepType: StepTypeCondition},
			{ID: "yes", Description: "true path", DependsOn: []string{"cond"},
				BranchCondition: &BranchCondition{ConditionStepID: "cond", Branch: "true"}},
			{ID: "no", Description: "false path", DependsOn: []string{"cond"},
				BranchCondition: &BranchCondition{ConditionStepID: "cond", Branch: "false"}},
		},
	}
}

func complete(t *testing.T, s *Scheduler, id string) {
	if t != nil {
		t.Helper()
	}
	s.MarkRunning(id)
	s.MarkCompleted(id)
}

func TestSchedulerLinearChain(t *testing.T) {
	t.Parallel()
	plan := linearPlan()
	require.NoError(t, plan.Validate())
	s := NewScheduler(plan)

	assert.Equal(t, []string{"a"}, s.ReadySteps())
	complete(t, s, "a")
	assert.Equal(t, []string{"b"}, s.ReadySteps())
	assert.False(t, s.Finished())
	complete(t, s, "b")
	assert.Equal(t, []string{"c"}, s.ReadySteps())
	complete(t, s, "c")
	assert.Empty(t, s.ReadySteps())
	assert.True(t, s.Finished())
}

func TestSchedulerDiamond(t *testing.T) {
	t.Parallel()
	plan := diamondPlan()
	require.NoError(t, plan.Validate())
	s := NewScheduler(plan)

	assert.Equal(t, []string{"a"}, s.ReadySteps())
	complete(t, s, "a")
	assert.ElementsMatch(t, []string{"b", "c"}, s.ReadySteps())

	// D needs both branches, not just one.
	complete(t, s, "b")
	assert.Equal(t, []string{"c"}, s.ReadySteps())
	complete(t, s, "c")
	assert.Equal(t, []string{"d"}, s.ReadySteps())
	complete(t, s, "d")
	assert.True(t, s.Finished())
}

func TestSchedulerBranchSkip(t *testing.T) {
	t.Parallel()
	plan := branchPlan()
	require.NoError(t, plan.Validate())
	s := NewScheduler(plan)

	assert.Equal(t, []string{"cond"}, s.ReadySteps())
	s.MarkRunning("cond")
	s.SetBranchResult("cond", "true")
	s.MarkCompleted("cond")

	// Once the condition resolves, the matching branch is ready and the other
	// is skippable, simultaneously.
	assert.Equal(t, []string{"yes"}, s.ReadySteps())
	assert.Equal(t, []string{"no"}, s.SkippableSteps())

	assert.False(t, s.ShouldSkip("yes", map[string]string{"cond": "true"}))
	assert.True(t, s.ShouldSkip("no", map[string]string{"cond": "true"}))
	assert.False(t, s.ShouldSkip("no", map[string]string{}))
	assert.False(t, s.ShouldSkip("cond", map[string]string{"cond": "true"}))

	s.MarkSkipped("no")
	complete(t, s, "yes")
	assert.True(t, s.Finished())
}

func TestSchedulerBranchUnresolvedNotReady(t *testing.T) {
	t.Parallel()
	s := NewScheduler(branchPlan())
	s.MarkRunning("cond")
	s.MarkCompleted("cond")

	// Condition completed but no branch recorded: gated steps stay pending.
	assert.Empty(t, s.ReadySteps())
	assert.Empty(t, s.SkippableSteps())
}

func TestSchedulerFailedDependencyBlocksForever(t *testing.T) {
	t.Parallel()
	s := NewScheduler(linearPlan())

	s.MarkRunning("a")
	s.MarkFailed("a")

	assert.Empty(t, s.ReadySteps())
	assert.False(t, s.Finished())
	assert.Equal(t, []string{"b", "c"}, s.PendingSteps())
	assert.True(t, s.Stuck())
}

func TestSchedulerFinishedMixedTerminal(t *testing.T) {
	t.Parallel()
	s := NewScheduler(branchPlan())
	s.MarkRunning("cond")
	s.SetBranchResult("cond", "false")
	s.MarkCompleted("cond")
	s.MarkSkipped("yes")
	s.MarkRunning("no")
	s.MarkFailed("no")

	assert.True(t, s.Finished())
	assert.False(t, s.Stuck())
}

func TestSchedulerInvalidTransitionPanics(t *testing.T) {
	t.Parallel()
	s := NewScheduler(linearPlan())

	assert.Panics(t, func() { s.MarkCompleted("a") }, "completing a pending step")
	assert.Panics(t, func() { s.MarkRunning("unknown") }, "unknown id")

	s.MarkRunning("a")
	assert.Panics(t, func() { s.MarkRunning("a") }, "double running")
	assert.Panics(t, func() { s.MarkSkipped("a") }, "skipping a running step")

	s.MarkCompleted("a")
	assert.Panics(t, func() { s.MarkFailed("a") }, "failing a completed step")
}

func TestSchedulerRunningCount(t *testing.T) {
	t.Parallel()
	s := NewScheduler(diamondPlan())
	assert.Equal(t, 0, s.RunningCount())
	complete(t, s, "a")
	s.MarkRunning("b")
	s.MarkRunning("c")
	assert.Equal(t, 2, s.RunningCount())
	s.MarkCompleted("b")
	assert.Equal(t, 1, s.RunningCount())
}
