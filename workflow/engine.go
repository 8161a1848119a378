package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/workdeck/agent"
	"github.com/BaSui01/workdeck/internal/metrics"
	"github.com/BaSui01/workdeck/llm"
	"github.com/BaSui01/workdeck/tools"
	"github.com/BaSui01/workdeck/types"
)

// Request describes one workflow run.
type Request struct {
	// Message is the user's goal.
	Message string `json:"message"`
	// Model overrides the engine's default model when set.
	Model string `json:"model,omitempty"`
	// ConversationHistory seeds the run with prior context.
	ConversationHistory []types.Message `json:"conversation_history,omitempty"`
	// EnabledTools filters the registry view. Nil offers every enabled tool.
	EnabledTools []string `json:"enabled_tools,omitempty"`
	// MaxSteps caps the plan size. Zero uses the engine default.
	MaxSteps int `json:"max_steps,omitempty"`
	// EnablePlanning asks the model for a multi-step plan. When false the run
	// executes a single synthetic step covering the whole request.
	EnablePlanning bool `json:"enable_planning,omitempty"`
	// EnableReflection runs a self-assessment exchange after each step.
	EnableReflection bool `json:"enable_reflection,omitempty"`
}

// EngineConfig holds tunables shared by every run of an Engine.
type EngineConfig struct {
	// Model is the default backend model.
	Model string
	// MaxSteps is the default plan size cap. Default 8.
	MaxSteps int
	// MaxConcurrentSteps bounds how many ready steps run at once. Default 1,
	// which executes the ready set sequentially in plan order.
	MaxConcurrentSteps int
	// StepTokenBudget trims each step's transcript when positive.
	StepTokenBudget int
	// Temperature passed through to the backend.
	Temperature float32
	// EventBuffer is the event channel capacity. Default 64.
	EventBuffer int
}

// Store persists run state snapshots. Implementations must be safe for
// concurrent use across engines.
type Store interface {
	SaveState(ctx context.Context, state *State) error
}

// Engine orchestrates one workflow run: planning, scheduling, per-step agent
// exchanges, reflection, and finalization, all reported on an ordered event
// stream. An Engine is single-use; construct a new one per run.
type Engine struct {
	provider  llm.Provider
	registry  *tools.Registry
	planner   *Planner
	reflector *Reflector
	cfg       EngineConfig
	logger    *zap.Logger
	tracer    trace.Tracer
	store     Store
	metrics   *metrics.Collector
	planCache *llm.CompletionCache

	started atomic.Bool
	cancel  context.CancelFunc
	schedMu sync.Mutex

	mu      sync.RWMutex
	state   *State
	history []types.Message
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithStore enables state persistence.
func WithStore(store Store) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithMetrics enables metrics collection.
func WithMetrics(collector *metrics.Collector) EngineOption {
	return func(e *Engine) { e.metrics = collector }
}

// WithPlanCache caches planning completions across runs.
func WithPlanCache(cache *llm.CompletionCache) EngineOption {
	return func(e *Engine) { e.planCache = cache }
}

// NewEngine creates an Engine over a provider and tool registry.
func NewEngine(provider llm.Provider, registry *tools.Registry, cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 8
	}
	if cfg.MaxConcurrentSteps <= 0 {
		cfg.MaxConcurrentSteps = 1
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	e := &Engine{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		logger:   zap.NewNop(),
		tracer:   otel.Tracer("github.com/BaSui01/workdeck/workflow"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("component", "workflow_engine"))
	e.planner = NewPlanner(provider, cfg.Model, e.logger)
	if e.planCache != nil {
		e.planner = e.planner.WithCache(e.planCache)
	}
	e.reflector = NewReflector(provider, cfg.Model, e.logger)
	return e
}

// Run starts the workflow and returns its event stream. The channel is closed
// after the workflow_end event. Run may be called once per Engine.
func (e *Engine) Run(ctx context.Context, req Request) (<-chan Event, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, types.NewError(types.ErrInvalidState, "engine already ran; construct a new one per run")
	}
	if req.Model == "" {
		req.Model = e.cfg.Model
	}
	if req.MaxSteps <= 0 {
		req.MaxSteps = e.cfg.MaxSteps
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	now := time.Now()
	e.mu.Lock()
	e.state = &State{
		ID:        uuid.NewString(),
		Status:    StatusIdle,
		Goal:      req.Message,
		StartedAt: now,
	}
	e.history = append(types.CloneMessages(req.ConversationHistory), types.NewUserMessage(req.Message))
	e.mu.Unlock()

	events := make(chan Event, e.cfg.EventBuffer)
	go func() {
		defer cancel()
		defer close(events)
		e.run(runCtx, req, events)
	}()
	return events, nil
}

// Cancel signals the run to stop at its next checkpoint. Safe to call from
// any goroutine, any number of times.
func (e *Engine) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// State returns a snapshot of the run state, safe to read while the run is
// still mutating its own copy.
func (e *Engine) State() *State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Clone()
}

func (e *Engine) emit(events chan<- Event, ev Event) {
	ev.WorkflowID = e.state.ID
	ev.Timestamp = time.Now()
	events <- ev
}

func (e *Engine) setStatus(s Status) {
	e.mu.Lock()
	e.state.Status = s
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	snapshot := e.State()
	if err := e.store.SaveState(context.WithoutCancel(ctx), snapshot); err != nil {
		e.logger.Warn("state persistence failed",
			zap.String("workflow_id", snapshot.ID),
			zap.Error(types.NewError(types.ErrStatePersist, "save failed").WithCause(err)),
		)
	}
}

// stepDirective is a reflection verdict's effect on the run.
type stepDirective int

const (
	directiveNone stepDirective = iota
	directiveReplan
	directiveAbort
)

func (e *Engine) run(ctx context.Context, req Request, events chan<- Event) {
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.id", e.state.ID),
			attribute.String("workflow.model", req.Model),
		))
	defer span.End()

	if e.metrics != nil {
		e.metrics.RunStarted()
	}
	e.emit(events, Event{Type: EventWorkflowStart})

	// Planning.
	e.setStatus(StatusPlanning)
	e.persist(ctx)
	plan, err := e.buildPlan(ctx, req)
	if err != nil {
		if types.IsCancelled(err) || ctx.Err() != nil {
			e.finishCancelled(ctx, events, nil)
			return
		}
		e.finishError(ctx, events, fmt.Sprintf("planning failed: %v", err))
		return
	}
	e.mu.Lock()
	e.state.Plan = plan
	e.mu.Unlock()
	e.emit(events, Event{Type: EventPlan, Plan: plan.Clone()})
	e.persist(ctx)

	// Execution.
	e.setStatus(StatusExecuting)
	sched := NewScheduler(plan)
	if finished := e.executeLoop(ctx, req, sched, events); !finished {
		return
	}

	// Finalization. A stuck scheduler finalizes with whatever completed.
	e.finishDone(ctx, req, sched, events)
}

// buildPlan produces the run's plan: model-authored when planning is enabled,
// otherwise a single synthetic step covering the whole request.
func (e *Engine) buildPlan(ctx context.Context, req Request) (*Plan, error) {
	if !req.EnablePlanning {
		plan := &Plan{
			Goal:     req.Message,
			MaxSteps: req.MaxSteps,
			Steps: []PlanStep{{
				ID:          "step-1",
				Description: req.Message,
			}},
		}
		return plan, plan.Validate()
	}
	e.mu.RLock()
	history := types.CloneMessages(e.history[:len(e.history)-1])
	e.mu.RUnlock()
	return e.planner.BuildPlan(ctx, req.Message, history, e.registry.ListNames(req.EnabledTools), req.MaxSteps)
}

// executeLoop drives the scheduler until it finishes or sticks. Returns false
// when the run already reached a terminal state (cancelled or aborted) and
// emitted its closing events.
func (e *Engine) executeLoop(ctx context.Context, req Request, sched *Scheduler, events chan<- Event) bool {
	for {
		if ctx.Err() != nil {
			e.finishCancelled(ctx, events, sched)
			return false
		}

		for _, id := range sched.SkippableSteps() {
			sched.MarkSkipped(id)
			step := sched.steps[id]
			e.emit(events, Event{
				Type:        EventStepEnd,
				StepID:      id,
				Description: step.Description,
				Status:      string(StepSkipped),
			})
			if e.metrics != nil {
				e.metrics.StepFinished(string(StepSkipped), 0)
			}
		}

		if sched.Finished() {
			return true
		}
		ready := sched.ReadySteps()
		if len(ready) == 0 {
			e.logger.Warn("no runnable steps remain, finalizing with partial results",
				zap.Strings("pending", sched.PendingSteps()),
			)
			return true
		}

		var directive stepDirective
		if e.cfg.MaxConcurrentSteps > 1 && len(ready) > 1 {
			directive = e.runConcurrent(ctx, req, sched, ready, events)
		} else {
			directive = e.runStep(ctx, req, sched, ready[0], events)
		}

		if ctx.Err() != nil {
			e.finishCancelled(ctx, events, sched)
			return false
		}
		switch directive {
		case directiveAbort:
			e.finishError(ctx, events, "run aborted by reflection verdict")
			return false
		case directiveReplan:
			if !e.replan(ctx, events, &sched) {
				// Revision failed; carry on with the current plan.
				e.setStatus(StatusExecuting)
			}
		}
		e.persist(ctx)
	}
}

// runConcurrent fans the ready set out over an errgroup bounded by
// MaxConcurrentSteps. Scheduler transitions happen on this goroutine only;
// workers execute exchanges and report outcomes back. Reflection directives
// are collected and applied after the batch: abort wins over replan.
func (e *Engine) runConcurrent(ctx context.Context, req Request, sched *Scheduler, ready []string, events chan<- Event) stepDirective {
	type outcome struct {
		id        string
		directive stepDirective
	}
	results := make([]outcome, len(ready))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrentSteps)
	for _, id := range ready {
		sched.MarkRunning(id)
	}
	for i, id := range ready {
		i, id := i, id
		g.Go(func() error {
			d := e.executeStep(gctx, req, sched, id, events, true)
			results[i] = outcome{id: id, directive: d}
			return nil
		})
	}
	_ = g.Wait()

	final := directiveNone
	for _, out := range results {
		if out.directive == directiveAbort {
			return directiveAbort
		}
		if out.directive == directiveReplan {
			final = directiveReplan
		}
	}
	return final
}

// runStep executes one ready step sequentially.
func (e *Engine) runStep(ctx context.Context, req Request, sched *Scheduler, id string, events chan<- Event) stepDirective {
	sched.MarkRunning(id)
	return e.executeStep(ctx, req, sched, id, events, false)
}

// executeStep drives one plan step through a single agent exchange, records
// the outcome, optionally reflects on it, and applies the scheduler
// transition. When concurrent is set, scheduler mutations go through e.mu's
// critical sections the coordinating caller already serializes; state and
// branch writes are locked here.
func (e *Engine) executeStep(ctx context.Context, req Request, sched *Scheduler, id string, events chan<- Event, concurrent bool) stepDirective {
	step, _ := e.statePlanStep(id)

	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.id", id),
			attribute.String("step.type", string(step.Type())),
		))
	defer span.End()

	start := time.Now()
	e.mu.Lock()
	rec := StepRecord{
		PlanStepID:     id,
		ExecutionIndex: len(e.state.Steps),
		Description:    step.Description,
		Status:         StepRunning,
		StartedAt:      start,
	}
	e.state.Steps = append(e.state.Steps, rec)
	recIdx := len(e.state.Steps) - 1
	e.state.CurrentStepIndex = recIdx
	seed := types.CloneMessages(e.history)
	e.mu.Unlock()

	e.emit(events, Event{
		Type:        EventStepStart,
		StepID:      id,
		StepIndex:   recIdx,
		Description: step.Description,
	})

	res, err := e.stepExchange(ctx, req, step, seed, id, recIdx, events)
	if err != nil {
		if agent.IsCancelled(err) || ctx.Err() != nil {
			e.closeStepRecord(recIdx, StepFailed, "", "cancelled before completion", start)
			e.markStep(sched, id, StepFailed, concurrent)
			return directiveNone
		}
		e.logger.Warn("step failed", zap.String("step", id), zap.Error(err))
		e.closeStepRecord(recIdx, StepFailed, "", err.Error(), start)
		e.markStep(sched, id, StepFailed, concurrent)
		e.emit(events, Event{
			Type:       EventStepEnd,
			StepID:     id,
			StepIndex:  recIdx,
			Status:     string(StepFailed),
			DurationMs: time.Since(start).Milliseconds(),
		})
		if e.metrics != nil {
			e.metrics.StepFinished(string(StepFailed), time.Since(start))
		}
		return directiveNone
	}

	// Attach the exchange's activity to the record.
	e.mu.Lock()
	for _, turn := range res.Turns {
		e.state.Steps[recIdx].ToolCalls = append(e.state.Steps[recIdx].ToolCalls, turn.ToolCalls...)
		e.state.Steps[recIdx].ToolResults = append(e.state.Steps[recIdx].ToolResults, turn.ToolResults...)
	}
	e.state.Steps[recIdx].Answer = res.Answer
	e.mu.Unlock()

	// Condition steps resolve a branch from their answer.
	if step.Type() == StepTypeCondition {
		branch := parseBranch(res.Answer)
		e.mu.Lock()
		e.state.Steps[recIdx].Branch = branch
		e.mu.Unlock()
		e.setBranch(sched, id, branch, concurrent)
	}

	directive := directiveNone
	if req.EnableReflection {
		directive = e.reflectOnStep(ctx, req, step, id, recIdx, events)
	}

	// A retry verdict may have replaced the answer; the record holds the
	// current one.
	e.closeStepRecord(recIdx, StepCompleted, "", "", start)
	e.markStep(sched, id, StepCompleted, concurrent)
	e.mu.RLock()
	finalAnswer := e.state.Steps[recIdx].Answer
	e.mu.RUnlock()
	e.appendHistory(types.NewAssistantMessage(
		fmt.Sprintf("Step %s (%s) result:\n%s", id, step.Description, finalAnswer)))

	e.emit(events, Event{
		Type:       EventStepEnd,
		StepID:     id,
		StepIndex:  recIdx,
		Status:     string(StepCompleted),
		DurationMs: time.Since(start).Milliseconds(),
	})
	if e.metrics != nil {
		e.metrics.StepFinished(string(StepCompleted), time.Since(start))
		e.metrics.TokensUsed(req.Model, res.TokensUsed)
	}
	return directive
}

// stepExchange runs the agent loop for one step: one model round-trip plus
// whatever tool calls it requested, then the forced answer if needed.
func (e *Engine) stepExchange(ctx context.Context, req Request, step PlanStep, seed []types.Message, id string, recIdx int, events chan<- Event) (*agent.Result, error) {
	loop := agent.NewLoop(e.provider, e.registry, agent.LoopConfig{
		Model:         req.Model,
		MaxIterations: 1,
		TokenBudget:   e.cfg.StepTokenBudget,
		Temperature:   e.cfg.Temperature,
		EnabledTools:  req.EnabledTools,
	}, e.logger)

	var instruction strings.Builder
	fmt.Fprintf(&instruction, "Execute this step of the plan: %s", step.Description)
	if step.SuccessCriteria != "" {
		fmt.Fprintf(&instruction, "\nSuccess criteria: %s", step.SuccessCriteria)
	}
	if len(step.ExpectedTools) > 0 {
		fmt.Fprintf(&instruction, "\nExpected tools: %s", strings.Join(step.ExpectedTools, ", "))
	}
	if step.Type() == StepTypeCondition {
		instruction.WriteString("\nThis is a condition step: your final answer must be only the branch value.")
	}
	messages := append(seed, types.NewUserMessage(instruction.String()))

	return loop.Run(ctx, messages, func(turn agent.Turn) {
		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			e.emit(events, Event{
				Type:      EventToolCall,
				StepID:    id,
				StepIndex: recIdx,
				Call:      &call,
			})
			if i < len(turn.ToolResults) {
				result := turn.ToolResults[i]
				e.emit(events, Event{
					Type:      EventToolResult,
					StepID:    id,
					StepIndex: recIdx,
					Result:    &result,
				})
				if e.metrics != nil {
					e.metrics.ToolExecuted(result.Name, result.IsError(), result.Duration)
				}
			}
		}
	})
}

// reflectOnStep runs the post-step self-assessment. Failures degrade to
// continue; a meta-judgment never fails the run. Retry verdicts re-run the
// step's exchange once in place.
func (e *Engine) reflectOnStep(ctx context.Context, req Request, step PlanStep, id string, recIdx int, events chan<- Event) stepDirective {
	e.setStatus(StatusReflecting)
	defer e.setStatus(StatusExecuting)

	e.mu.RLock()
	recCopy := e.state.Steps[recIdx]
	goal := e.state.Goal
	e.mu.RUnlock()

	verdict, err := e.reflector.Reflect(ctx, goal, &recCopy, step.SuccessCriteria)
	if err != nil {
		if ctx.Err() != nil {
			return directiveNone
		}
		// One transparent retry, then degrade to continue.
		verdict, err = e.reflector.Reflect(ctx, goal, &recCopy, step.SuccessCriteria)
		if err != nil {
			e.logger.Warn("reflection failed, continuing", zap.String("step", id), zap.Error(err))
			return directiveNone
		}
	}

	e.mu.Lock()
	e.state.Steps[recIdx].Reflection = verdict
	e.mu.Unlock()
	e.emit(events, Event{
		Type:       EventReflection,
		StepID:     id,
		StepIndex:  recIdx,
		Reflection: verdict,
	})
	if e.metrics != nil {
		e.metrics.ReflectionVerdict(string(verdict.NextAction))
	}

	switch verdict.NextAction {
	case ActionAbort:
		return directiveAbort
	case ActionReplan:
		return directiveReplan
	case ActionRetry:
		e.retryStep(ctx, req, step, id, recIdx, events, verdict)
	}
	return directiveNone
}

// retryStep re-runs the step's exchange once with the verdict as feedback.
// A failed retry keeps the original outcome; retry never fails a completed
// step.
func (e *Engine) retryStep(ctx context.Context, req Request, step PlanStep, id string, recIdx int, events chan<- Event, verdict *StepReflection) {
	e.mu.RLock()
	seed := types.CloneMessages(e.history)
	e.mu.RUnlock()
	seed = append(seed, types.NewAssistantMessage(
		fmt.Sprintf("Previous attempt at this step was judged insufficient: %s", verdict.Assessment)))

	res, err := e.stepExchange(ctx, req, step, seed, id, recIdx, events)
	if err != nil {
		e.logger.Warn("step retry failed, keeping original outcome",
			zap.String("step", id), zap.Error(err))
		return
	}
	e.mu.Lock()
	for _, turn := range res.Turns {
		e.state.Steps[recIdx].ToolCalls = append(e.state.Steps[recIdx].ToolCalls, turn.ToolCalls...)
		e.state.Steps[recIdx].ToolResults = append(e.state.Steps[recIdx].ToolResults, turn.ToolResults...)
	}
	e.state.Steps[recIdx].Answer = res.Answer
	e.mu.Unlock()
}

// replan replaces the remaining not-yet-started steps and swaps in a fresh
// scheduler with completed history replayed. Returns false when revision
// failed and the current plan should continue.
func (e *Engine) replan(ctx context.Context, events chan<- Event, sched **Scheduler) bool {
	e.setStatus(StatusPlanning)
	e.mu.RLock()
	plan := e.state.Plan
	completed := make([]StepRecord, len(e.state.Steps))
	copy(completed, e.state.Steps)
	e.mu.RUnlock()

	revised, err := e.planner.ReviseRemaining(ctx, plan, completed, "reflection recommended replanning")
	if err != nil {
		e.logger.Warn("plan revision failed, keeping current plan", zap.Error(err))
		return false
	}

	next := NewScheduler(revised)
	for id, status := range (*sched).Statuses() {
		if _, ok := revised.Step(id); !ok {
			continue
		}
		switch status {
		case StepCompleted:
			next.MarkRunning(id)
			next.MarkCompleted(id)
		case StepFailed:
			next.MarkRunning(id)
			next.MarkFailed(id)
		case StepSkipped:
			next.MarkSkipped(id)
		}
	}
	for condID, branch := range (*sched).branches {
		if _, ok := revised.Step(condID); ok {
			next.SetBranchResult(condID, branch)
		}
	}

	e.mu.Lock()
	e.state.Plan = revised
	e.mu.Unlock()
	*sched = next

	e.emit(events, Event{Type: EventPlan, Plan: revised.Clone(), IsAdjustment: true})
	e.setStatus(StatusExecuting)
	return true
}

// finishDone finalizes the run: one streaming exchange synthesizes the final
// answer from accumulated step results, emitted as incremental message events
// with the last one flagged done.
func (e *Engine) finishDone(ctx context.Context, req Request, sched *Scheduler, events chan<- Event) {
	answer := e.streamFinalAnswer(ctx, req, events)
	if ctx.Err() != nil {
		e.finishCancelled(ctx, events, sched)
		return
	}
	if answer == "" {
		answer = e.fallbackAnswer()
		e.emit(events, Event{Type: EventMessage, Content: answer})
	}
	e.emit(events, Event{Type: EventMessage, Done: true})

	now := time.Now()
	e.mu.Lock()
	e.state.Status = StatusDone
	e.state.FinalAnswer = answer
	e.state.CompletedAt = now
	e.state.DurationMs = now.Sub(e.state.StartedAt).Milliseconds()
	durationMs := e.state.DurationMs
	e.mu.Unlock()

	e.persist(ctx)
	e.emit(events, Event{Type: EventStateSnapshot, State: e.State()})
	e.emit(events, Event{Type: EventWorkflowEnd, Status: string(StatusDone), DurationMs: durationMs})
	if e.metrics != nil {
		e.metrics.RunFinished(string(StatusDone), time.Duration(durationMs)*time.Millisecond)
	}
	e.logger.Info("workflow done",
		zap.String("workflow_id", e.state.ID),
		zap.Int64("duration_ms", durationMs),
	)
}

// streamFinalAnswer issues the finalization exchange over the streaming
// endpoint with no tools offered, forwarding each delta as a message event.
// Any failure degrades to the non-streaming fallback answer.
func (e *Engine) streamFinalAnswer(ctx context.Context, req Request, events chan<- Event) string {
	e.mu.RLock()
	msgs := types.CloneMessages(e.history)
	e.mu.RUnlock()
	msgs = append(msgs, types.NewUserMessage(
		"Synthesize a single user-facing answer to the original request from the step results above. Answer directly; do not describe the steps."))

	chunks, err := e.provider.Stream(ctx, &llm.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: e.cfg.Temperature,
	})
	if err != nil {
		e.logger.Warn("finalization stream failed, falling back to step summary", zap.Error(err))
		return ""
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Err != nil {
			e.logger.Warn("finalization stream error", zap.Error(chunk.Err))
			break
		}
		if chunk.Delta.Content == "" {
			continue
		}
		b.WriteString(chunk.Delta.Content)
		e.emit(events, Event{Type: EventMessage, Content: chunk.Delta.Content})
	}
	return b.String()
}

// fallbackAnswer assembles a degraded final answer from step records when the
// finalization exchange produced nothing.
func (e *Engine) fallbackAnswer() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var b strings.Builder
	for _, rec := range e.state.Steps {
		if rec.Status == StepCompleted && rec.Answer != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(rec.Answer)
		}
	}
	if b.Len() == 0 {
		return "The workflow finished without producing results."
	}
	return b.String()
}

// finishError ends the run with a run-level error.
func (e *Engine) finishError(ctx context.Context, events chan<- Event, msg string) {
	now := time.Now()
	e.mu.Lock()
	e.state.Status = StatusError
	e.state.ErrorMessage = msg
	e.state.CompletedAt = now
	e.state.DurationMs = now.Sub(e.state.StartedAt).Milliseconds()
	durationMs := e.state.DurationMs
	e.mu.Unlock()

	e.persist(ctx)
	e.emit(events, Event{Type: EventError, Message: msg, Recoverable: false})
	e.emit(events, Event{Type: EventStateSnapshot, State: e.State()})
	e.emit(events, Event{Type: EventWorkflowEnd, Status: string(StatusError), DurationMs: durationMs})
	if e.metrics != nil {
		e.metrics.RunFinished(string(StatusError), time.Duration(durationMs)*time.Millisecond)
	}
	e.logger.Error("workflow failed", zap.String("workflow_id", e.state.ID), zap.String("error", msg))
}

// finishCancelled ends the run after external cancellation. In-flight steps
// are marked failed with a cancellation reason so the final snapshot never
// shows a running step.
func (e *Engine) finishCancelled(ctx context.Context, events chan<- Event, sched *Scheduler) {
	if sched != nil {
		for id, status := range sched.Statuses() {
			if status == StepRunning {
				sched.MarkFailed(id)
			}
		}
	}
	now := time.Now()
	e.mu.Lock()
	for i := range e.state.Steps {
		if e.state.Steps[i].Status == StepRunning {
			e.state.Steps[i].Status = StepFailed
			e.state.Steps[i].Error = "cancelled before completion"
			e.state.Steps[i].CompletedAt = now
		}
	}
	e.state.Status = StatusCancelled
	e.state.ErrorMessage = "run cancelled"
	e.state.CompletedAt = now
	e.state.DurationMs = now.Sub(e.state.StartedAt).Milliseconds()
	durationMs := e.state.DurationMs
	e.mu.Unlock()

	e.persist(ctx)
	e.emit(events, Event{Type: EventCancelled, Message: "run cancelled"})
	e.emit(events, Event{Type: EventStateSnapshot, State: e.State()})
	e.emit(events, Event{Type: EventWorkflowEnd, Status: string(StatusCancelled), DurationMs: durationMs})
	if e.metrics != nil {
		e.metrics.RunFinished(string(StatusCancelled), time.Duration(durationMs)*time.Millisecond)
	}
	e.logger.Info("workflow cancelled", zap.String("workflow_id", e.state.ID))
}

// statePlanStep looks a step up in the current plan.
func (e *Engine) statePlanStep(id string) (PlanStep, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Plan.Step(id)
}

func (e *Engine) appendHistory(msg types.Message) {
	e.mu.Lock()
	e.history = append(e.history, msg)
	e.mu.Unlock()
}

// closeStepRecord finalizes a step record's terminal fields.
func (e *Engine) closeStepRecord(recIdx int, status StepStatus, answer, errMsg string, start time.Time) {
	now := time.Now()
	e.mu.Lock()
	rec := &e.state.Steps[recIdx]
	rec.Status = status
	if answer != "" {
		rec.Answer = answer
	}
	if errMsg != "" {
		rec.Error = errMsg
	}
	rec.CompletedAt = now
	rec.DurationMs = now.Sub(start).Milliseconds()
	e.mu.Unlock()
}

// markStep applies a terminal scheduler transition. Concurrent workers route
// through a mutex-guarded path; the sequential path owns the scheduler
// outright.
func (e *Engine) markStep(sched *Scheduler, id string, status StepStatus, concurrent bool) {
	apply := func() {
		switch status {
		case StepCompleted:
			sched.MarkCompleted(id)
		case StepFailed:
			sched.MarkFailed(id)
		}
	}
	if concurrent {
		e.schedMu.Lock()
		apply()
		e.schedMu.Unlock()
		return
	}
	apply()
}

func (e *Engine) setBranch(sched *Scheduler, id, branch string, concurrent bool) {
	if concurrent {
		e.schedMu.Lock()
		sched.SetBranchResult(id, branch)
		e.schedMu.Unlock()
		return
	}
	sched.SetBranchResult(id, branch)
}

// parseBranch extracts a branch value from a condition step's answer: a JSON
// {"branch": ...} object wins, then a bare true/false token, then the first
// word of the answer.
func parseBranch(answer string) string {
	if raw := extractPlanJSON(answer); raw != "" {
		var obj struct {
			Branch string `json:"branch"`
		}
		if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj.Branch != "" {
			return obj.Branch
		}
	}
	lower := strings.ToLower(answer)
	if strings.Contains(lower, "true") && !strings.Contains(lower, "false") {
		return "true"
	}
	if strings.Contains(lower, "false") && !strings.Contains(lower, "true") {
		return "false"
	}
	fields := strings.Fields(strings.Trim(answer, " .\n\t\"'"))
	if len(fields) > 0 {
		return strings.ToLower(strings.Trim(fields[0], ".,:;\"'"))
	}
	return "true"
}
