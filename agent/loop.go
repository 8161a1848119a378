// Package agent implements the tool-calling loop that drives one
// conversational exchange with a model backend: ask the model, execute the
// tools it requests, feed results back, repeat until a final answer or the
// iteration cap.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/workdeck/llm"
	"github.com/BaSui01/workdeck/tools"
	"github.com/BaSui01/workdeck/types"
)

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Model is the backend model identifier.
	Model string
	// MaxIterations bounds the ask-model/execute-tools cycle. Default 8.
	MaxIterations int
	// Planning requests a best-effort planning turn before the main loop.
	Planning bool
	// TokenBudget trims the transcript before each exchange when positive.
	TokenBudget int
	// Temperature passed through to the backend.
	Temperature float32
	// EnabledTools filters the registry view offered to the model.
	// Nil offers every enabled tool.
	EnabledTools []string
}

// Turn is one completed iteration of the loop, emitted as it finishes so
// callers can stream intermediate tool activity.
type Turn struct {
	Index       int                `json:"index"`
	Message     types.Message      `json:"message"`
	ToolCalls   []types.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []types.ToolResult `json:"tool_results,omitempty"`
	Final       bool               `json:"final"`
	Answer      string             `json:"answer,omitempty"`
	TokensUsed  int                `json:"tokens_used,omitempty"`
}

// Result is the terminal record of one Run.
type Result struct {
	Answer     string          `json:"answer"`
	Turns      []Turn          `json:"turns"`
	Messages   []types.Message `json:"messages"`
	TokensUsed int             `json:"tokens_used"`
	// Exhausted is set when the iteration cap was hit and the answer came from
	// the forced zero-tool exchange. Not an error.
	Exhausted bool `json:"exhausted,omitempty"`
}

// Loop drives tool-calling exchanges against one provider and registry view.
// Call ids are minted from an instance-scoped counter so concurrent runs never
// collide.
type Loop struct {
	provider llm.Provider
	registry *tools.Registry
	cfg      LoopConfig
	logger   *zap.Logger
	idPrefix string
	seq      atomic.Uint64

	encoder *tiktoken.Tiktoken
}

// NewLoop creates a Loop.
func NewLoop(provider llm.Provider, registry *tools.Registry, cfg LoopConfig, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	l := &Loop{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "agent_loop")),
		idPrefix: uuid.NewString()[:8],
	}
	if cfg.TokenBudget > 0 {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			l.logger.Warn("tokenizer unavailable, using byte estimate", zap.Error(err))
		} else {
			l.encoder = enc
		}
	}
	return l
}

// mintCallID returns a call id unique within this Loop instance.
func (l *Loop) mintCallID() string {
	return fmt.Sprintf("call_%s_%d", l.idPrefix, l.seq.Add(1))
}

// Run drives the exchange to completion. emit, when non-nil, receives each
// Turn as it completes. Cancellation is checked at loop entry and before every
// tool execution and yields a CANCELLED error, never a partial answer.
func (l *Loop) Run(ctx context.Context, messages []types.Message, emit func(Turn)) (*Result, error) {
	transcript := types.CloneMessages(messages)
	result := &Result{}

	schemas := l.registry.List(l.cfg.EnabledTools)
	names := make([]string, 0, len(schemas))
	for _, s := range schemas {
		names = append(names, s.Name)
	}
	native := l.provider.SupportsNativeFunctionCalling()

	// Backends without structured tool calling get the tool inventory as
	// prompt context; their replies go through the embedded-call parser.
	if !native && len(schemas) > 0 {
		transcript = append(transcript, types.NewSystemMessage(renderToolPrompt(schemas)))
	}

	if l.cfg.Planning {
		l.planningTurn(ctx, &transcript)
	}

	for i := 0; i < l.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrCancelled, "agent loop cancelled").WithCause(err)
		}

		l.trimToBudget(&transcript)

		req := &llm.ChatRequest{
			Model:       l.cfg.Model,
			Messages:    transcript,
			Temperature: l.cfg.Temperature,
		}
		if native {
			req.Tools = schemas
		}

		resp, err := l.provider.Completion(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, types.NewError(types.ErrCancelled, "agent loop cancelled").WithCause(ctx.Err())
			}
			return nil, fmt.Errorf("model call failed at iteration %d: %w", i+1, err)
		}
		choice, err := llm.FirstChoice(resp)
		if err != nil {
			return nil, err
		}
		result.TokensUsed += resp.Usage.TotalTokens

		calls := choice.Message.ToolCalls
		if len(calls) == 0 && !native {
			calls = tools.ParseEmbeddedCalls(choice.Message.Content, names)
		}
		for j := range calls {
			if calls[j].ID == "" {
				calls[j].ID = l.mintCallID()
			}
		}

		turn := Turn{
			Index:      i,
			Message:    choice.Message,
			TokensUsed: resp.Usage.TotalTokens,
		}

		if len(calls) == 0 {
			turn.Final = true
			turn.Answer = choice.Message.Content
			transcript = append(transcript, choice.Message)
			result.Answer = turn.Answer
			result.Turns = append(result.Turns, turn)
			result.Messages = transcript
			if emit != nil {
				emit(turn)
			}
			l.logger.Debug("loop completed",
				zap.Int("iterations", i+1),
				zap.String("finish_reason", choice.FinishReason),
			)
			return result, nil
		}

		assistantMsg := choice.Message.WithToolCalls(calls)
		transcript = append(transcript, assistantMsg)
		turn.ToolCalls = calls

		// Sequential, in request order, so results are fed back in the same
		// order the model asked for them.
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return nil, types.NewError(types.ErrCancelled, "agent loop cancelled before tool execution").WithCause(err)
			}
			res := l.registry.Execute(ctx, call)
			turn.ToolResults = append(turn.ToolResults, res)
			transcript = append(transcript, res.ToMessage())
		}

		result.Turns = append(result.Turns, turn)
		if emit != nil {
			emit(turn)
		}
	}

	// Iteration cap hit: force one last exchange with zero tools offered so the
	// backend cannot request more and must answer. Guarantees the loop always
	// terminates with an answer or an explicit cancellation/error.
	return l.forcedAnswer(ctx, transcript, result, emit)
}

func (l *Loop) forcedAnswer(ctx context.Context, transcript []types.Message, result *Result, emit func(Turn)) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewError(types.ErrCancelled, "agent loop cancelled").WithCause(err)
	}

	l.logger.Warn("max iterations reached, forcing final answer",
		zap.Int("max", l.cfg.MaxIterations),
	)

	transcript = append(transcript, types.NewUserMessage(
		"You have used all available tool invocations. Provide your final answer now based on the results gathered so far."))
	l.trimToBudget(&transcript)

	resp, err := l.provider.Completion(ctx, &llm.ChatRequest{
		Model:       l.cfg.Model,
		Messages:    transcript,
		Temperature: l.cfg.Temperature,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "agent loop cancelled").WithCause(ctx.Err())
		}
		return nil, types.NewError(types.ErrExhausted,
			fmt.Sprintf("max iterations reached (%d) and forced answer failed", l.cfg.MaxIterations)).WithCause(err)
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil {
		return nil, err
	}

	transcript = append(transcript, choice.Message)
	turn := Turn{
		Index:      len(result.Turns),
		Message:    choice.Message,
		Final:      true,
		Answer:     choice.Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
	}
	result.TokensUsed += resp.Usage.TotalTokens
	result.Turns = append(result.Turns, turn)
	result.Answer = turn.Answer
	result.Messages = transcript
	result.Exhausted = true
	if emit != nil {
		emit(turn)
	}
	return result, nil
}

// planningTurn asks the model for a short numbered plan and appends it to the
// transcript as context. Best effort: failure never aborts the loop.
func (l *Loop) planningTurn(ctx context.Context, transcript *[]types.Message) {
	msgs := append(types.CloneMessages(*transcript), types.NewUserMessage(
		"Before answering, write a short numbered plan of the concrete steps you will take. Output only the plan."))

	resp, err := l.provider.Completion(ctx, &llm.ChatRequest{
		Model:       l.cfg.Model,
		Messages:    msgs,
		Temperature: l.cfg.Temperature,
	})
	if err != nil {
		l.logger.Warn("planning turn failed, continuing without plan", zap.Error(err))
		return
	}
	choice, err := llm.FirstChoice(resp)
	if err != nil || strings.TrimSpace(choice.Message.Content) == "" {
		return
	}
	*transcript = append(*transcript, types.NewAssistantMessage("Plan:\n"+choice.Message.Content))
}

// trimToBudget drops the oldest non-system messages until the transcript fits
// the token budget. Tool messages bound to a dropped assistant message are
// dropped with it so the backend never sees an orphaned tool result.
func (l *Loop) trimToBudget(transcript *[]types.Message) {
	if l.cfg.TokenBudget <= 0 {
		return
	}
	msgs := *transcript
	for len(msgs) > 2 && l.countTokens(msgs) > l.cfg.TokenBudget {
		idx := -1
		for i, m := range msgs {
			if m.Role != types.RoleSystem {
				idx = i
				break
			}
		}
		// Nothing droppable, or only the latest exchange remains.
		if idx < 0 || idx >= len(msgs)-1 {
			break
		}
		end := idx + 1
		for end < len(msgs)-1 && msgs[end].Role == types.RoleTool {
			end++
		}
		msgs = append(msgs[:idx], msgs[end:]...)
	}
	*transcript = msgs
}

func (l *Loop) countTokens(msgs []types.Message) int {
	total := 0
	for _, m := range msgs {
		if l.encoder != nil {
			total += len(l.encoder.Encode(m.Content, nil, nil))
		} else {
			total += len(m.Content) / 4
		}
		total += 4 // per-message framing overhead
	}
	return total
}

// renderToolPrompt describes the available tools for backends without native
// function calling.
func renderToolPrompt(schemas []types.ToolSchema) string {
	var b strings.Builder
	b.WriteString("You can call the following tools. To call one, reply with a JSON object ")
	b.WriteString(`{"tool": "<name>", "arguments": {...}} and nothing else.` + "\n\nAvailable tools:\n")
	for _, s := range schemas {
		fmt.Fprintf(&b, "- %s: %s\n  parameters: %s\n", s.Name, s.Description, string(s.Parameters))
	}
	return b.String()
}

// IsCancelled reports whether an error from Run represents cancellation.
func IsCancelled(err error) bool {
	return types.IsCancelled(err) || errors.Is(err, context.Canceled)
}
