package agentflow

import "fmt"

// runChain executes every step in declaration order, each step's input
// template rendered against the context left behind by every prior step.
// The first failing step aborts the chain; nothing after it runs.
func runChain(rc *runCtx, pattern Chain) error {
	for i, stage := range pattern.Steps {
		if i < len(rc.data.Steps) {
			// Already executed before a prior pause/crash; resume picks up
			// from the first step without a recorded result.
			continue
		}
		stageRef := fmt.Sprintf("steps[%d]", i)
		rc.exec.cfg.hooks.Fire(HookEvent{Name: HookNodeStart, SessionID: rc.session.SessionID, StageRef: stageRef})

		result, err := runStage(rc, stageRef, stage)
		if err != nil {
			return err
		}
		rc.data.AppendStep(result)
		if err := rc.checkpoint(); err != nil {
			return err
		}

		rc.exec.cfg.hooks.Fire(HookEvent{Name: HookNodeComplete, SessionID: rc.session.SessionID, StageRef: stageRef})
	}
	return nil
}
