package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/workdeck/llm"
	"github.com/BaSui01/workdeck/types"
)

// Reflector asks the model to judge a completed step against its success
// criteria and issue a directive for the rest of the run.
type Reflector struct {
	provider llm.Provider
	model    string
	logger   *zap.Logger
}

// NewReflector creates a Reflector.
func NewReflector(provider llm.Provider, model string, logger *zap.Logger) *Reflector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reflector{
		provider: provider,
		model:    model,
		logger:   logger.With(zap.String("component", "reflector")),
	}
}

const reflectionPrompt = `Assess whether the step outcome satisfies its success criteria.
Respond with a single JSON object and nothing else:
{"assessment": "<one sentence>", "next_action": "continue|retry|replan|abort", "comment": "<optional detail>"}
Choose "continue" when the outcome is acceptable, "retry" when one more attempt
at the same step would likely fix it, "replan" when the remaining plan no
longer fits, and "abort" only when the goal is unachievable.`

// Reflect returns the model's verdict on a step. Errors are returned as-is;
// the engine degrades a failed reflection to continue rather than failing the
// run over a meta-judgment.
func (r *Reflector) Reflect(ctx context.Context, goal string, rec *StepRecord, criteria string) (*StepReflection, error) {
	if criteria == "" {
		criteria = "the step's description was accomplished"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nStep: %s\nSuccess criteria: %s\nStatus: %s\n",
		goal, rec.Description, criteria, rec.Status)
	if rec.Answer != "" {
		fmt.Fprintf(&b, "Step answer:\n%s\n", rec.Answer)
	}
	for _, tr := range rec.ToolResults {
		status := "ok"
		if tr.IsError() {
			status = "error: " + tr.Error
		}
		fmt.Fprintf(&b, "Tool %s -> %s\n", tr.Name, status)
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "Step error: %s\n", rec.Error)
	}

	resp, err := r.provider.Completion(ctx, &llm.ChatRequest{
		Model: r.model,
		Messages: []types.Message{
			types.NewSystemMessage(reflectionPrompt),
			types.NewUserMessage(b.String()),
		},
	})
	if err != nil {
		return nil, err
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return nil, err
	}

	verdict, err := parseReflection(choice.Message.Content)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("reflection verdict",
		zap.String("step", rec.PlanStepID),
		zap.String("next_action", string(verdict.NextAction)),
	)
	return verdict, nil
}

func parseReflection(text string) (*StepReflection, error) {
	raw := extractPlanJSON(text)
	if raw == "" {
		return nil, fmt.Errorf("no JSON verdict in reflection reply")
	}
	var verdict StepReflection
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, fmt.Errorf("reflection verdict malformed: %w", err)
	}
	switch verdict.NextAction {
	case ActionContinue, ActionRetry, ActionReplan, ActionAbort:
	case "":
		verdict.NextAction = ActionContinue
	default:
		// Unknown directives degrade to continue instead of derailing the run.
		verdict.NextAction = ActionContinue
	}
	return &verdict, nil
}
