package agentflow

import (
	"context"
	"fmt"
)

// runWorkflow executes a task DAG: at each round, every task whose
// dependencies have all completed is submitted concurrently (bounded by
// the shared scheduler), and the next round's ready set is computed from
// what just finished. Ties within a round are broken lexicographically by
// task id so the submission order — and therefore the Steps/Tasks
// population order templates observe — is deterministic and testable.
func runWorkflow(rc *runCtx, pattern Workflow) error {
	if err := validateWorkflowTopology(pattern); err != nil {
		return err
	}

	byID := make(map[TaskID]WorkflowTask, len(pattern.Tasks))
	for _, t := range pattern.Tasks {
		byID[t.ID] = t
	}

	remaining := make(map[TaskID]bool, len(pattern.Tasks))
	for _, t := range pattern.Tasks {
		if _, done := rc.data.Tasks[t.ID]; !done {
			remaining[t.ID] = true
		}
	}

	for len(remaining) > 0 {
		var readyIDs []string
		for id := range remaining {
			if dependenciesSatisfied(byID[id], rc.data) {
				readyIDs = append(readyIDs, string(id))
			}
		}
		if len(readyIDs) == 0 {
			return ErrNoProgress
		}
		readyIDs = lexicographicOrder(readyIDs)

		tasks := make([]Task[TaskResult], len(readyIDs))
		for i, idStr := range readyIDs {
			id := TaskID(idStr)
			wt := byID[id]
			tasks[i] = Task[TaskResult]{
				ID: idStr,
				Fn: func(ctx context.Context) (TaskResult, error) {
					stageRef := fmt.Sprintf("tasks.%s", wt.ID)
					rc.exec.cfg.hooks.Fire(HookEvent{Name: HookTaskStart, SessionID: rc.session.SessionID, StageRef: stageRef})
					result, err := runStage(rc, stageRef, wt.Stage)
					if err != nil {
						return TaskResult{}, err
					}
					rc.exec.cfg.hooks.Fire(HookEvent{Name: HookTaskComplete, SessionID: rc.session.SessionID, StageRef: stageRef})
					return TaskResult{StepResult: result, TaskID: wt.ID}, nil
				},
			}
		}

		results, runErr := RunBounded(rc.ctx, rc.scheduler, tasks)
		for _, r := range results {
			if err := rc.data.SetTask(r.TaskID, r); err != nil {
				incrementMergeConflicts(rc.exec.cfg.metrics, rc.session.SessionID, "task_state_divergence")
				return err
			}
			delete(remaining, r.TaskID)
		}
		if err := rc.checkpoint(); err != nil {
			return err
		}
		if runErr != nil {
			return runErr
		}
	}
	return nil
}

// validateWorkflowTopology checks every DependsOn reference names a
// declared task and that the dependency graph is acyclic, via a Kahn's-
// algorithm pass over in-degrees.
func validateWorkflowTopology(pattern Workflow) error {
	byID := make(map[TaskID]WorkflowTask, len(pattern.Tasks))
	for _, t := range pattern.Tasks {
		byID[t.ID] = t
	}
	inDegree := make(map[TaskID]int, len(pattern.Tasks))
	dependents := make(map[TaskID][]TaskID)
	for _, t := range pattern.Tasks {
		if _, ok := inDegree[t.ID]; !ok {
			inDegree[t.ID] = 0
		}
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &GraphError{Kind: GraphNoSuchNode, Node: NodeID(dep)}
			}
			inDegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []TaskID
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if visited != len(pattern.Tasks) {
		return &GraphError{Kind: WorkflowCycle}
	}
	return nil
}

func dependenciesSatisfied(t WorkflowTask, data *Context) bool {
	for _, dep := range t.DependsOn {
		if _, ok := data.Tasks[dep]; !ok {
			return false
		}
	}
	return true
}
