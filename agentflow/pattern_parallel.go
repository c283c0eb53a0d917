package agentflow

import (
	"context"
	"strconv"
)

// runParallel fans every branch's step sequence out concurrently (bounded
// by the shared scheduler), fails fast on the first branch error, and
// then runs the optional reduce stage once every branch has produced a
// result.
func runParallel(rc *runCtx, pattern Parallel) error {
	pending := make([]Branch, 0, len(pattern.Branches))
	for _, b := range pattern.Branches {
		if _, done := rc.data.Branches[b.ID]; !done {
			pending = append(pending, b)
		}
	}

	if len(pending) > 0 {
		tasks := make([]Task[BranchResult], len(pending))
		for i, branch := range pending {
			branch := branch
			tasks[i] = Task[BranchResult]{
				ID: string(branch.ID),
				Fn: func(ctx context.Context) (BranchResult, error) {
					rc.exec.cfg.hooks.Fire(HookEvent{Name: HookBranchStart, SessionID: rc.session.SessionID, StageRef: string(branch.ID)})
					result, err := runBranchSteps(rc, branch)
					if err != nil {
						return BranchResult{}, err
					}
					rc.exec.cfg.hooks.Fire(HookEvent{Name: HookBranchComplete, SessionID: rc.session.SessionID, StageRef: string(branch.ID)})
					return BranchResult{StepResult: result, BranchID: branch.ID}, nil
				},
			}
		}

		results, runErr := RunBounded(rc.ctx, rc.scheduler, tasks)
		for _, r := range results {
			if err := rc.data.SetBranch(r.BranchID, r); err != nil {
				incrementMergeConflicts(rc.exec.cfg.metrics, rc.session.SessionID, "branch_state_divergence")
				return err
			}
		}
		if err := rc.checkpoint(); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
	}

	if pattern.Reduce != nil && rc.data.Reduce == nil {
		result, err := runStage(rc, "reduce", *pattern.Reduce)
		if err != nil {
			return err
		}
		rc.data.SetReduce(result)
	}
	return nil
}

// runBranchSteps runs one branch's own internal step chain, sequentially,
// returning the last step's result as the branch's result. Each step's
// result is recorded in rc.data.BranchSteps, keyed by branch id + index, as
// soon as it completes, so a resume after a mid-branch pause or crash skips
// the steps already executed instead of re-invoking their agents.
func runBranchSteps(rc *runCtx, branch Branch) (StepResult, error) {
	var last StepResult
	for i, stage := range branch.Steps {
		stageRef := string(branch.ID) + "[" + strconv.Itoa(i) + "]"
		if prior, done := rc.data.BranchStep(stageRef); done {
			last = prior
			continue
		}
		result, err := runStage(rc, stageRef, stage)
		if err != nil {
			return StepResult{}, err
		}
		if err := rc.data.SetBranchStep(stageRef, result); err != nil {
			return StepResult{}, err
		}
		last = result
	}
	return last, nil
}
