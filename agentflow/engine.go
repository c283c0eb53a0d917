package agentflow

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/patternflow/agentflow/condition"
	"github.com/patternflow/agentflow/emit"
	"github.com/patternflow/agentflow/template"
)

// Executor runs a Spec under one of the seven patterns, threading context
// between stages, enforcing the shared concurrency bound and token
// budget, and persisting checkpoints so paused or failed runs can resume.
// One Executor owns one AgentCache and one CheckpointManager; both are
// safe to reuse across many sequential Run/Resume calls.
type Executor struct {
	cfg         *executorConfig
	cache       *AgentCache
	checkpoints *CheckpointManager
}

// NewExecutor builds an Executor. WithSessionStore and
// WithModelClientFactory are required; every other option has a sensible
// default.
func NewExecutor(opts ...Option) (*Executor, error) {
	cfg, err := newExecutorConfig(opts)
	if err != nil {
		return nil, err
	}
	cache, err := NewAgentCache(cfg.clientFactory)
	if err != nil {
		return nil, err
	}
	return &Executor{
		cfg:         cfg,
		cache:       cache,
		checkpoints: NewCheckpointManager(cfg.store, cfg.strictResume),
	}, nil
}

// Close releases every pooled model client. Callers that build one
// long-lived Executor for a process should defer Close once at shutdown.
func (e *Executor) Close() error {
	return e.cache.Close()
}

// runCtx is the per-run working state threaded through every pattern
// executor function. It is never shared across concurrent runs — each
// Run/Resume call builds its own.
type runCtx struct {
	ctx         context.Context
	exec        *Executor
	spec        *Spec
	session     *SessionState
	data        *Context
	scheduler   *Scheduler
	budget      *BudgetEnforcer
	cost        *CostTracker
	rng         *rand.Rand
	hitlAnswers map[string]string // stageRef -> response, seeded on resume
}

// checkpoint persists the run's progress so far: pattern state, token
// usage, and last response. Called after every stage result is merged
// into rc.data (not only at a HITL pause), so a crash mid-pattern loses at
// most the in-flight stage, never completed ones.
func (rc *runCtx) checkpoint() error {
	return rc.exec.checkpoints.SaveRunning(rc.ctx, rc.session, rc.patternStateSnapshot(), rc.budget.Used(), rc.data.LastResponse)
}

// hitlPauseSignal is returned internally by pattern executors to unwind to
// Run/Resume when a non-interactive HITL gate is hit; it is not a failure.
type hitlPauseSignal struct {
	pause PausedHITL
}

func (h *hitlPauseSignal) Error() string { return "paused at hitl gate: " + h.pause.StageRef }

// Run starts a fresh session executing spec with the given input
// variables.
func (e *Executor) Run(ctx context.Context, spec *Spec, variables map[string]any) (*RunResult, error) {
	session, err := e.checkpoints.Create(ctx, spec, variables)
	if err != nil {
		return errResult(err, ""), err
	}
	return e.run(ctx, spec, session, NewContext(spec.Name, variables), nil)
}

// Resume continues a paused or previously-checkpointed session, validating
// session.SpecHash against spec per the checkpoint manager's compatibility
// policy. hitlResponse, if non-nil, answers the gate the session is paused
// at.
func (e *Executor) Resume(ctx context.Context, spec *Spec, sessionID string, hitlResponse *string) (*RunResult, error) {
	session, err := e.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return errResult(err, sessionID), err
	}
	if err := e.checkpoints.CheckCompatibility(session, spec); err != nil {
		return errResult(err, sessionID), err
	}

	data, err := restoreContext(spec.Name, session.Variables, session.PatternState)
	if err != nil {
		restoreErr := &SessionError{Kind: SessionIOFailure, Err: err}
		return errResult(restoreErr, sessionID), restoreErr
	}
	var answers map[string]string
	if session.PausedHITL != nil && hitlResponse != nil {
		answers = map[string]string{session.PausedHITL.StageRef: *hitlResponse}
		data.SetHITLResponse(*hitlResponse)
	}
	session.Status = StatusRunning
	return e.run(ctx, spec, session, data, answers)
}

func errResult(err error, sessionID string) *RunResult {
	return &RunResult{Success: false, ExitCode: exitCode(err), SessionID: sessionID, Error: err}
}

func (e *Executor) run(ctx context.Context, spec *Spec, session *SessionState, data *Context, hitlAnswers map[string]string) (*RunResult, error) {
	start := time.Now()

	rc := &runCtx{
		ctx:         ctx,
		exec:        e,
		spec:        spec,
		session:     session,
		data:        data,
		scheduler:   NewScheduler(spec.Runtime.effectiveMaxParallel(), e.cfg.metrics, session.SessionID),
		budget:      NewBudgetEnforcer(spec.Runtime.Budgets.MaxTokens),
		cost:        NewCostTracker(session.SessionID, "USD"),
		rng:         rand.New(rand.NewSource(seedFromSessionID(session.SessionID))), //nolint:gosec // jitter determinism, not security
		hitlAnswers: hitlAnswers,
	}

	e.cfg.emitter.Emit(emit.Event{RunID: session.SessionID, Msg: string(HookWorkflowStart)})
	e.cfg.hooks.Fire(HookEvent{Name: HookWorkflowStart, SessionID: session.SessionID})

	runErr := dispatchPattern(rc, spec.Pattern)

	var pause *hitlPauseSignal
	if errors.As(runErr, &pause) {
		if err := rc.checkpoint(); err != nil {
			return errResult(err, session.SessionID), err
		}
		if err := e.checkpoints.SavePaused(ctx, session, pause.pause); err != nil {
			return errResult(err, session.SessionID), err
		}
		e.cfg.hooks.Fire(HookEvent{Name: HookHITLPause, SessionID: session.SessionID, StageRef: pause.pause.StageRef})
		return &RunResult{
			Success:          false,
			ExitCode:         19,
			LastResponse:     data.LastResponse,
			DurationSeconds:  time.Since(start).Seconds(),
			SessionID:        session.SessionID,
			TokenUsage:       rc.budget.Used(),
			CostUSD:          rc.cost.GetTotalCost(),
			ExecutionContext: data,
		}, nil
	}

	if runErr != nil {
		_ = e.checkpoints.SaveTerminal(ctx, session, StatusFailed, runErr)
		e.cfg.hooks.Fire(HookEvent{Name: HookError, SessionID: session.SessionID, Err: runErr})
		return &RunResult{
			Success:          false,
			ExitCode:         exitCode(runErr),
			LastResponse:     data.LastResponse,
			DurationSeconds:  time.Since(start).Seconds(),
			SessionID:        session.SessionID,
			TokenUsage:       rc.budget.Used(),
			CostUSD:          rc.cost.GetTotalCost(),
			ExecutionContext: data,
			Error:            runErr,
		}, runErr
	}

	artifacts, artErr := WriteArtifacts(spec.Outputs.Artifacts, spec.OutputDir, data)
	if artErr != nil {
		_ = e.checkpoints.SaveTerminal(ctx, session, StatusFailed, artErr)
		return &RunResult{
			Success:         false,
			ExitCode:        exitCode(artErr),
			LastResponse:    data.LastResponse,
			DurationSeconds: time.Since(start).Seconds(),
			SessionID:       session.SessionID,
			TokenUsage:      rc.budget.Used(),
			CostUSD:         rc.cost.GetTotalCost(),
			Error:           artErr,
		}, artErr
	}

	if err := e.checkpoints.SaveTerminal(ctx, session, StatusCompleted, nil); err != nil {
		return errResult(err, session.SessionID), err
	}
	e.cfg.hooks.Fire(HookEvent{Name: HookWorkflowComplete, SessionID: session.SessionID})
	e.cfg.emitter.Emit(emit.Event{RunID: session.SessionID, Msg: string(HookWorkflowComplete)})

	return &RunResult{
		Success:          true,
		ExitCode:         0,
		LastResponse:     data.LastResponse,
		DurationSeconds:  time.Since(start).Seconds(),
		ArtifactsWritten: artifacts,
		SessionID:        session.SessionID,
		TokenUsage:       rc.budget.Used(),
		CostUSD:          rc.cost.GetTotalCost(),
		ExecutionContext: data,
	}, nil
}

// patternStateSnapshot is a minimal, pattern-agnostic snapshot sufficient
// to resume: the full Context, since every pattern executor's resume
// logic re-derives "what's already done" from which Context entries are
// populated rather than from a separate progress cursor.
func (rc *runCtx) patternStateSnapshot() any {
	return rc.data
}

// dispatchPattern is the exhaustive switch over the seven Pattern
// variants; any new implementation of the Pattern interface added outside
// this file cannot reach here (patternKind is unexported), so the default
// branch is unreachable in practice and only guards against a future
// variant added without updating this switch.
func dispatchPattern(rc *runCtx, pattern Pattern) error {
	switch p := pattern.(type) {
	case Chain:
		return runChain(rc, p)
	case Workflow:
		return runWorkflow(rc, p)
	case Routing:
		return runRouting(rc, p)
	case Parallel:
		return runParallel(rc, p)
	case EvaluatorOptimizer:
		return runEvaluatorOptimizer(rc, p)
	case OrchestratorWorkers:
		return runOrchestratorWorkers(rc, p)
	case Graph:
		return runGraph(rc, p)
	default:
		return &CapabilityError{Feature: fmt.Sprintf("pattern %T", pattern)}
	}
}

// renderTemplate renders tmpl against rc's current context snapshot,
// wrapping any template-package error into the engine's RenderError.
func renderTemplate(rc *runCtx, stageRef, tmpl string) (string, error) {
	out, err := template.Render(tmpl, rc.data.snapshot())
	if err != nil {
		var sec *template.SecurityViolation
		violation := errors.As(err, &sec)
		return "", &RenderError{Reason: err.Error(), Violation: violation, TemplateRef: stageRef}
	}
	return out, nil
}

// evaluateEdge renders the edge's "when" expression (nil means the
// unconditional default edge) and evaluates it through the condition
// package.
func evaluateEdge(rc *runCtx, stageRef string, when *string) (bool, error) {
	if when == nil {
		return true, nil
	}
	rendered, err := renderTemplate(rc, stageRef, *when)
	if err != nil {
		return false, err
	}
	ok, err := condition.Evaluate(rendered)
	if err != nil {
		return false, &ConditionError{Expr: rendered, Reason: err.Error()}
	}
	return ok, nil
}

// runStage dispatches a single Stage (AgentStep or HITLGate), returning
// its StepResult. stageRef identifies the stage for error messages and
// idempotency/resume lookups (e.g. "steps[2]", "tasks.analysis").
func runStage(rc *runCtx, stageRef string, stage Stage) (StepResult, error) {
	switch s := stage.(type) {
	case AgentStep:
		return runAgentStep(rc, stageRef, s)
	case HITLGate:
		return runHITLGate(rc, stageRef, s)
	default:
		return StepResult{}, &CapabilityError{Feature: fmt.Sprintf("stage %T", stage)}
	}
}

func runAgentStep(rc *runCtx, stageRef string, step AgentStep) (StepResult, error) {
	rc.exec.cfg.hooks.Fire(HookEvent{Name: HookStepStart, SessionID: rc.session.SessionID, StageRef: stageRef})

	input, err := renderTemplate(rc, stageRef, step.InputTemplate)
	if err != nil {
		return StepResult{}, NewStageError(KindRender, stageRef, err)
	}

	var overrides *StageOverrides
	if step.ToolOverrides != nil {
		overrides = &StageOverrides{ToolOverrides: step.ToolOverrides}
	}
	agent, err := rc.exec.cache.GetOrBuildAgent(rc.spec, step.AgentID, overrides)
	if err != nil {
		return StepResult{}, NewStageError(KindCapability, stageRef, err)
	}

	if err := rc.budget.CheckBeforeCall(); err != nil {
		return StepResult{}, NewStageError(KindBudget, stageRef, err)
	}

	toolSpecs := resolveToolSpecs(rc.spec, agent.Resolved.Tools)

	callStart := time.Now()
	result, err := invokeWithRetry(rc.ctx.Done(), rc.exec.cfg.retryPolicy, rc.rng, func(attempt int) {
		incrementRetries(rc.exec.cfg.metrics, rc.session.SessionID, stageRef, "transient")
	}, func(attempt int) (InvokeResult, error) {
		return agent.Client.Invoke(rc.ctx, agent.Resolved, input, toolSpecs)
	})
	if err != nil {
		recordStepLatency(rc.exec.cfg.metrics, rc.session.SessionID, stageRef, time.Since(callStart), "error")
		var permanent *PermanentError
		if errors.As(err, &permanent) {
			return StepResult{}, NewStageError(KindPermanent, stageRef, err)
		}
		return StepResult{}, NewStageError(KindTransient, stageRef, err)
	}
	recordStepLatency(rc.exec.cfg.metrics, rc.session.SessionID, stageRef, time.Since(callStart), "success")
	rc.budget.Record(result.TokenUsage)
	_ = rc.cost.RecordLLMCall(agent.Resolved.Model, result.TokenUsage.PromptTokens, result.TokenUsage.CompletionTokens, stageRef)

	rc.exec.cfg.hooks.Fire(HookEvent{Name: HookStepComplete, SessionID: rc.session.SessionID, StageRef: stageRef, Response: result.Response})

	return StepResult{Response: result.Response, Tokens: result.TokenUsage, Status: "ok"}, nil
}

func resolveToolSpecs(spec *Spec, names []string) []ToolSpec {
	if len(names) == 0 {
		return nil
	}
	out := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		if t, ok := spec.Tools[name]; ok {
			out = append(out, t)
		}
	}
	return out
}

// runHITLGate either answers from rc.hitlAnswers (resume path), invokes
// the configured interactive handler, or signals a pause by returning
// *hitlPauseSignal — the typed Paused result instead of a panic/exception.
func runHITLGate(rc *runCtx, stageRef string, gate HITLGate) (StepResult, error) {
	promptRendered, err := renderTemplate(rc, stageRef, gate.PromptTemplate)
	if err != nil {
		return StepResult{}, NewStageError(KindRender, stageRef, err)
	}
	var contextDisplay string
	if gate.ContextDisplayTemplate != "" {
		contextDisplay, err = renderTemplate(rc, stageRef, gate.ContextDisplayTemplate)
		if err != nil {
			return StepResult{}, NewStageError(KindRender, stageRef, err)
		}
	}

	if answer, ok := rc.hitlAnswers[stageRef]; ok {
		rc.data.SetHITLResponse(answer)
		return StepResult{Response: answer, Status: "hitl_response"}, nil
	}

	if rc.exec.cfg.hitlHandler != nil {
		answer, err := rc.exec.cfg.hitlHandler(rc.ctx, HITLState{
			StageRef:        stageRef,
			Prompt:          promptRendered,
			ContextDisplay:  contextDisplay,
			DefaultResponse: gate.DefaultResponse,
		})
		if err != nil {
			return StepResult{}, NewStageError(KindHITL, stageRef, err)
		}
		rc.data.SetHITLResponse(answer)
		return StepResult{Response: answer, Status: "hitl_response"}, nil
	}

	return StepResult{}, &hitlPauseSignal{pause: PausedHITL{
		StageRef:        stageRef,
		PromptRendered:  promptRendered,
		ContextDisplay:  contextDisplay,
		DefaultResponse: gate.DefaultResponse,
	}}
}

// seedFromSessionID derives a deterministic RNG seed from the session id
// so retry jitter timing replays identically across a pause/resume cycle.
func seedFromSessionID(sessionID string) int64 {
	var h int64 = 1469598103934665603 // FNV offset basis
	for _, b := range []byte(sessionID) {
		h ^= int64(b)
		h *= 1099511628211 // FNV prime
	}
	if h < 0 {
		h = -h
	}
	return h
}
