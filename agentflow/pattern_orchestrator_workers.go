package agentflow

import (
	"context"
	"fmt"

	"github.com/patternflow/agentflow/template"
)

// defaultOrchestratorRounds bounds the decomposition loop when a Spec
// leaves limits.max_rounds unset: the orchestrator gets exactly one
// chance to decompose before workers run.
const defaultOrchestratorRounds = 1

// runOrchestratorWorkers repeatedly asks the orchestrator stage to
// decompose the remaining work into a JSON task list, fans each task out
// to a fresh worker invocation (bounded by the shared scheduler), and
// stops when the orchestrator returns no further tasks or max_rounds is
// reached. A failing worker is skipped or fails the whole round per
// worker_failure_mode. An optional reduce stage and writeup stage run
// once every round has completed.
func runOrchestratorWorkers(rc *runCtx, pattern OrchestratorWorkers) error {
	maxRounds := pattern.Limits.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultOrchestratorRounds
	}
	maxWorkers := pattern.Limits.MaxWorkers // <= 0: no cap on a round's tasks beyond its decomposition

	for round := len(rc.data.Rounds); round < maxRounds; round++ {
		tasks, err := decomposeRound(rc, pattern, round)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			break
		}
		if maxWorkers > 0 && len(tasks) > maxWorkers {
			tasks = tasks[:maxWorkers]
		}

		roundResult, err := runWorkerRound(rc, pattern, round, tasks)
		if err != nil {
			return err
		}
		rc.data.AppendRound(roundResult)
		for _, w := range roundResult.Workers {
			rc.data.AppendWorker(w)
		}
		if err := rc.checkpoint(); err != nil {
			return err
		}
	}

	if pattern.ReduceReview != nil && rc.data.Reduce == nil && rc.data.Writeup == nil {
		if _, err := runHITLGate(rc, "reduce_review", *pattern.ReduceReview); err != nil {
			return err
		}
	}

	if pattern.Reduce != nil && rc.data.Reduce == nil {
		result, err := runStage(rc, "reduce", *pattern.Reduce)
		if err != nil {
			return err
		}
		rc.data.SetReduce(result)
		if err := rc.checkpoint(); err != nil {
			return err
		}
	}

	if pattern.Writeup != nil && rc.data.Writeup == nil {
		result, err := runStage(rc, "writeup", *pattern.Writeup)
		if err != nil {
			return err
		}
		rc.data.SetWriteup(result)
		if err := rc.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// decomposeRound runs the orchestrator stage and extracts its task list,
// optionally routing the decomposition through a human reviewer before
// workers are spawned.
func decomposeRound(rc *runCtx, pattern OrchestratorWorkers, round int) ([]orchestratorTask, error) {
	stageRef := fmt.Sprintf("orchestrator[%d]", round)

	var rawTasks []orchestratorTask
	_, err := parseWithClarificationRetries(defaultRoutingRetries, func(clarification string) (string, error) {
		stage := pattern.Orchestrator
		if clarification != "" {
			if step, ok := stage.(AgentStep); ok {
				step.InputTemplate = step.InputTemplate + "\n\n" + clarification
				stage = step
			}
		}
		result, err := runStage(rc, stageRef, stage)
		if err != nil {
			return "", err
		}
		return result.Response, nil
	}, func(body string) error {
		rawTasks = nil
		return extractJSON(body, &rawTasks)
	})
	if err != nil {
		return nil, NewStageError(KindParse, stageRef, err)
	}

	if pattern.DecompositionReview != nil {
		if _, err := runHITLGate(rc, fmt.Sprintf("decomposition_review[%d]", round), *pattern.DecompositionReview); err != nil {
			return nil, err
		}
	}

	return rawTasks, nil
}

// runWorkerRound fans tasks out to worker_template invocations, one per
// task, bounded by the shared scheduler.
func runWorkerRound(rc *runCtx, pattern OrchestratorWorkers, round int, tasks []orchestratorTask) (RoundResult, error) {
	jobs := make([]Task[*WorkerResult], len(tasks))
	for i, t := range tasks {
		i, t := i, t
		jobs[i] = Task[*WorkerResult]{
			ID: fmt.Sprintf("round%d.worker%d", round, i),
			Fn: func(ctx context.Context) (*WorkerResult, error) {
				stageRef := fmt.Sprintf("workers[%d].%d", round, i)
				input, err := renderWorkerInput(rc, pattern.WorkerTemplate, t)
				if err != nil {
					if pattern.failureMode() == WorkerFailureFail {
						return nil, NewStageError(KindRender, stageRef, err)
					}
					return nil, nil
				}
				result, err := invokeWorker(rc, stageRef, pattern.WorkerTemplate.AgentID, input)
				if err != nil {
					if pattern.failureMode() == WorkerFailureFail {
						return nil, err
					}
					return nil, nil
				}
				wr := WorkerResult{StepResult: result, Index: len(rc.data.Workers) + i}
				return &wr, nil
			},
		}
	}

	results, err := RunBounded(rc.ctx, rc.scheduler, jobs)
	if err != nil {
		return RoundResult{}, err
	}

	round0 := RoundResult{}
	for _, r := range results {
		if r != nil {
			round0.Workers = append(round0.Workers, *r)
		}
	}
	return round0, nil
}

// renderWorkerInput renders worker_template.input_template with the
// decomposed task's fields (task, plus any orchestrator-supplied extra
// variables) layered over the run's normal template scope.
func renderWorkerInput(rc *runCtx, wt WorkerTemplate, t orchestratorTask) (string, error) {
	scope := rc.data.snapshot()
	taskScope := map[string]any{"task": t.Task}
	for k, v := range t.Extra {
		taskScope[k] = v
	}
	scope["task"] = taskScope
	out, err := template.Render(wt.InputTemplate, scope)
	if err != nil {
		return "", err
	}
	return out, nil
}

// invokeWorker builds and invokes a fresh agent call for one decomposed
// task, bypassing runAgentStep's own template rendering since the input
// is already rendered by renderWorkerInput.
func invokeWorker(rc *runCtx, stageRef string, agentID AgentID, input string) (StepResult, error) {
	agent, err := rc.exec.cache.GetOrBuildAgent(rc.spec, agentID, nil)
	if err != nil {
		return StepResult{}, NewStageError(KindCapability, stageRef, err)
	}
	if err := rc.budget.CheckBeforeCall(); err != nil {
		return StepResult{}, NewStageError(KindBudget, stageRef, err)
	}
	toolSpecs := resolveToolSpecs(rc.spec, agent.Resolved.Tools)

	result, err := invokeWithRetry(rc.ctx.Done(), rc.exec.cfg.retryPolicy, rc.rng, nil, func(attempt int) (InvokeResult, error) {
		return agent.Client.Invoke(rc.ctx, agent.Resolved, input, toolSpecs)
	})
	if err != nil {
		return StepResult{}, NewStageError(KindTransient, stageRef, err)
	}
	rc.budget.Record(result.TokenUsage)
	_ = rc.cost.RecordLLMCall(agent.Resolved.Model, result.TokenUsage.PromptTokens, result.TokenUsage.CompletionTokens, stageRef)
	return StepResult{Response: result.Response, Tokens: result.TokenUsage, Status: "ok"}, nil
}
