package agentflow

import (
	"fmt"
	"strings"
)

// graphNodeStagePrefix tags a graph node's stageRef so a resumed run can
// recover which node it paused inside of from the session's PausedHITL
// record.
const graphNodeStagePrefix = "nodes."

// runGraph walks nodes starting at start_node, running each node's stage
// and then evaluating its edges in declaration order: the first edge
// whose "when" expression renders and evaluates true (or has no "when",
// the unconditional default) is taken. A node with no matching edge ends
// the walk. max_iterations bounds total node visits, the only defense
// against a cycle with no converging condition.
func runGraph(rc *runCtx, pattern Graph) error {
	current := pattern.StartNode
	if resumeNode, ok := resumeGraphNode(rc); ok {
		current = resumeNode
	}

	maxIterations := pattern.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1000
	}

	for visits := len(rc.data.Nodes); visits < maxIterations; visits++ {
		node, ok := pattern.Nodes[current]
		if !ok {
			return &GraphError{Kind: GraphNoSuchNode, Node: current}
		}

		stageRef := graphNodeStagePrefix + string(current)
		rc.exec.cfg.hooks.Fire(HookEvent{Name: HookNodeStart, SessionID: rc.session.SessionID, StageRef: stageRef})
		result, err := runStage(rc, stageRef, node.Stage)
		if err != nil {
			return err
		}
		rc.data.SetNode(current, NodeResult{StepResult: result, NodeID: current})
		if err := rc.checkpoint(); err != nil {
			return err
		}
		rc.exec.cfg.hooks.Fire(HookEvent{Name: HookNodeComplete, SessionID: rc.session.SessionID, StageRef: stageRef})

		next, terminal, err := firstMatchingEdge(rc, stageRef, node.Edges)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
		current = next
	}
	return &GraphError{Kind: GraphCycleLimit, Node: current}
}

// firstMatchingEdge evaluates node.Edges in declaration order, returning
// the destination of the first edge whose condition holds. No matching
// edge means the walk ends at this node.
func firstMatchingEdge(rc *runCtx, stageRef string, edges []Edge) (next NodeID, terminal bool, err error) {
	for i, edge := range edges {
		ok, err := evaluateEdge(rc, fmt.Sprintf("%s.edges[%d]", stageRef, i), edge.When)
		if err != nil {
			return "", false, err
		}
		if ok {
			return edge.To, false, nil
		}
	}
	return "", true, nil
}

// resumeGraphNode recovers the node a paused run should resume at from
// the session's last recorded pause point.
func resumeGraphNode(rc *runCtx) (NodeID, bool) {
	if rc.session == nil || rc.session.PausedHITL == nil {
		return "", false
	}
	ref := rc.session.PausedHITL.StageRef
	if rest, ok := strings.CutPrefix(ref, graphNodeStagePrefix); ok {
		return NodeID(rest), true
	}
	return "", false
}
