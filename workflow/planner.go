package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/workdeck/llm"
	"github.com/BaSui01/workdeck/types"
)

// Planner asks the model to decompose a goal into a validated Plan, and to
// revise the remaining steps of a plan mid-run.
type Planner struct {
	provider llm.Provider
	model    string
	cache    *llm.CompletionCache
	logger   *zap.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(provider llm.Provider, model string, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		provider: provider,
		model:    model,
		logger:   logger.With(zap.String("component", "planner")),
	}
}

// WithCache caches planning completions. Planning prompts are deterministic
// for a given goal and tool set, so repeated runs skip the backend round-trip.
func (p *Planner) WithCache(cache *llm.CompletionCache) *Planner {
	p.cache = cache
	return p
}

const planFormatPrompt = `Respond with a single JSON object and nothing else:
{
  "goal": "<restated goal>",
  "steps": [
    {
      "id": "step-1",
      "description": "<what to do>",
      "expected_tools": ["<tool name>"],
      "depends_on": ["<earlier step id>"],
      "success_criteria": "<how to judge success>",
      "step_type": "action"
    }
  ]
}
Rules:
- Step ids must be unique. depends_on may only reference earlier steps.
- Use step_type "condition" for a step whose only job is to decide a branch;
  its answer must be the branch value (for example "true" or "false").
- A step taken only on one branch carries
  "branch_condition": {"condition_step_id": "<id>", "branch": "<value>"}.
- Keep the plan minimal: no steps beyond what the goal needs.`

// BuildPlan asks the model for a plan of at most maxSteps steps that achieves
// the goal with the named tools. The raw reply is parsed leniently (code
// fences stripped, first balanced JSON object taken) and then validated
// strictly; one retry is attempted before giving up. Errors carry the
// PLANNING_INVALID code and abort the run before any step executes.
func (p *Planner) BuildPlan(ctx context.Context, goal string, history []types.Message, toolNames []string, maxSteps int) (*Plan, error) {
	sys := fmt.Sprintf(
		"You are a planning assistant. Break the user's request into at most %d concrete steps.\nAvailable tools: %s\n\n%s",
		maxSteps, strings.Join(toolNames, ", "), planFormatPrompt)

	msgs := make([]types.Message, 0, len(history)+2)
	msgs = append(msgs, types.NewSystemMessage(sys))
	msgs = append(msgs, types.CloneMessages(history)...)
	msgs = append(msgs, types.NewUserMessage(goal))

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrCancelled, "planning cancelled").WithCause(err)
		}
		plan, err := p.requestPlan(ctx, msgs, maxSteps)
		if err == nil {
			plan.Goal = goal
			p.logger.Info("plan accepted",
				zap.Int("steps", len(plan.Steps)),
				zap.Int("attempt", attempt+1),
			)
			return plan, nil
		}
		lastErr = err
		p.logger.Warn("plan rejected, retrying", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return nil, types.NewError(types.ErrPlanning, "planning failed after retry").WithCause(lastErr)
}

func (p *Planner) requestPlan(ctx context.Context, msgs []types.Message, maxSteps int) (*Plan, error) {
	req := &llm.ChatRequest{
		Model:    p.model,
		Messages: msgs,
	}

	var cacheKey string
	if p.cache != nil {
		cacheKey = llm.Key(req)
		if cached, err := p.cache.Get(ctx, cacheKey); err == nil {
			return p.planFromResponse(cached, maxSteps)
		}
	}

	resp, err := p.provider.Completion(ctx, req)
	if err != nil {
		return nil, err
	}
	if p.cache != nil {
		p.cache.Put(ctx, cacheKey, resp)
	}
	return p.planFromResponse(resp, maxSteps)
}

func (p *Planner) planFromResponse(resp *llm.ChatResponse, maxSteps int) (*Plan, error) {
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	plan.MaxSteps = maxSteps
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// ReviseRemaining asks the model to replace the not-yet-started steps of a
// running plan. Completed step records are summarized as context; the revised
// steps may depend on completed steps but must not reuse their ids. The
// returned plan is the merged, validated whole.
func (p *Planner) ReviseRemaining(ctx context.Context, plan *Plan, completed []StepRecord, reason string) (*Plan, error) {
	done := make(map[string]bool, len(completed))
	var summary strings.Builder
	for _, rec := range completed {
		if rec.Status != StepCompleted {
			continue
		}
		done[rec.PlanStepID] = true
		fmt.Fprintf(&summary, "- %s (%s): %s\n", rec.PlanStepID, rec.Description, firstLine(rec.Answer))
	}

	kept := make([]PlanStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		if done[s.ID] {
			kept = append(kept, s)
		}
	}

	sys := fmt.Sprintf(
		"You are revising a running plan. These steps are already done and must not change:\n%s\nReason for revision: %s\n\nProduce replacement steps for the remaining work. Revised steps may list completed step ids in depends_on but must use new ids.\n\n%s",
		summary.String(), reason, planFormatPrompt)

	resp, err := p.provider.Completion(ctx, &llm.ChatRequest{
		Model: p.model,
		Messages: []types.Message{
			types.NewSystemMessage(sys),
			types.NewUserMessage(plan.Goal),
		},
	})
	if err != nil {
		return nil, types.NewError(types.ErrPlanning, "plan revision failed").WithCause(err)
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return nil, err
	}
	revised, err := ParsePlan(choice.Message.Content)
	if err != nil {
		return nil, types.NewError(types.ErrPlanning, "plan revision unparseable").WithCause(err)
	}

	merged := &Plan{Goal: plan.Goal, MaxSteps: plan.MaxSteps, Steps: kept}
	for _, s := range revised.Steps {
		if done[s.ID] {
			return nil, types.NewError(types.ErrPlanning,
				fmt.Sprintf("revision reuses completed step id %s", s.ID))
		}
		merged.Steps = append(merged.Steps, s)
	}
	if merged.MaxSteps > 0 && len(merged.Steps) > merged.MaxSteps {
		// A revision may legitimately need more room than the original cap.
		merged.MaxSteps = len(merged.Steps)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// ParsePlan extracts a Plan from a model reply: code fences are stripped and
// the first balanced JSON object is decoded. Validation is the caller's job.
func ParsePlan(text string) (*Plan, error) {
	raw := extractPlanJSON(text)
	if raw == "" {
		return nil, types.NewError(types.ErrPlanning, "no JSON plan found in model reply")
	}
	var plan Plan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, types.NewError(types.ErrPlanning, "plan JSON malformed").WithCause(err)
	}
	return &plan, nil
}

func extractPlanJSON(text string) string {
	text = strings.TrimSpace(text)
	if m := rePlanFence.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

var rePlanFence = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
