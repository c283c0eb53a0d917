package agentflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// StepResult is the outcome of a single agent-step or HITL-gate execution,
// addressed from templates as e.g. steps[2].response.
type StepResult struct {
	Response string     `json:"response"`
	Tokens   TokenUsage `json:"tokens"`
	Status   string     `json:"status"` // "ok", "hitl_response"
}

// TaskResult is a workflow-DAG task's outcome, addressed as tasks.analysis.
type TaskResult struct {
	StepResult
	TaskID TaskID `json:"task_id"`
}

// BranchResult is a parallel-pattern branch's outcome.
type BranchResult struct {
	StepResult
	BranchID BranchID `json:"branch_id"`
}

// NodeResult is a graph-pattern node's outcome; re-entry overwrites it
// (graph node results are not append-only across revisits, only the last
// visit is addressable).
type NodeResult struct {
	StepResult
	NodeID NodeID `json:"node_id"`
}

// RouterResult is the routing pattern's chosen-route record.
type RouterResult struct {
	ChosenRoute RouteID `json:"chosen_route"`
	Response    string  `json:"response"`
}

// IterationResult is one evaluator-optimizer loop iteration.
type IterationResult struct {
	Response   string  `json:"response"`
	Evaluation string  `json:"evaluation"`
	Score      float64 `json:"score"`
	Number     int     `json:"number"`
}

// WorkerResult is one orchestrator-workers worker's outcome.
type WorkerResult struct {
	StepResult
	Index int `json:"index"`
}

// RoundResult groups the workers spawned in one orchestrator round.
type RoundResult struct {
	Workers []WorkerResult `json:"workers"`
}

// TokenUsage accumulates prompt/completion token counts.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (t TokenUsage) Total() int { return t.PromptTokens + t.CompletionTokens }

func (t *TokenUsage) Add(other TokenUsage) {
	t.PromptTokens += other.PromptTokens
	t.CompletionTokens += other.CompletionTokens
}

// Context is the append-only, namespaced state every template and
// condition is rendered against. Every SetX method refuses to overwrite an
// existing key with a different value, which is what makes context
// monotonicity (every read of a key, once assigned, is stable for the rest
// of the run) a property of the type rather than a convention executors
// must remember to uphold.
type Context struct {
	mu sync.RWMutex

	Variables    map[string]any
	SpecName     string
	LastResponse string
	HITLResponse string

	Steps    []StepResult
	Tasks    map[TaskID]TaskResult
	Branches map[BranchID]BranchResult
	Reduce   *StepResult
	Router   *RouterResult
	Nodes    map[NodeID]NodeResult

	Workers    []WorkerResult
	Rounds     []RoundResult
	Writeup    *StepResult
	Iteration  *IterationResult
	Iterations []IterationResult

	// BranchSteps records each parallel-pattern branch's internal step
	// results, keyed by "branchID[index]", so a branch with more than one
	// step (e.g. a HITL gate followed by an agent step) can resume partway
	// through without re-invoking the steps it already completed.
	BranchSteps map[string]StepResult
}

// NewContext builds an empty Context seeded with the caller-supplied input
// variables and the spec's name.
func NewContext(specName string, variables map[string]any) *Context {
	if variables == nil {
		variables = map[string]any{}
	}
	return &Context{
		Variables:   variables,
		SpecName:    specName,
		Tasks:       map[TaskID]TaskResult{},
		Branches:    map[BranchID]BranchResult{},
		Nodes:       map[NodeID]NodeResult{},
		BranchSteps: map[string]StepResult{},
	}
}

// restoreContext rebuilds a Context from a checkpointed PatternState
// snapshot (see CheckpointManager.SaveRunning), falling back to a fresh
// Context when raw is empty (a session paused before its first checkpoint).
func restoreContext(specName string, variables map[string]any, raw []byte) (*Context, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return NewContext(specName, variables), nil
	}
	c := NewContext(specName, variables)
	if err := json.Unmarshal(raw, c); err != nil {
		return nil, err
	}
	if c.Tasks == nil {
		c.Tasks = map[TaskID]TaskResult{}
	}
	if c.Branches == nil {
		c.Branches = map[BranchID]BranchResult{}
	}
	if c.Nodes == nil {
		c.Nodes = map[NodeID]NodeResult{}
	}
	if c.BranchSteps == nil {
		c.BranchSteps = map[string]StepResult{}
	}
	return c, nil
}

// errMonotonicity is returned (wrapped) when a Set call would overwrite an
// existing, different value for a key.
func errMonotonicity(namespace string, key any) error {
	return fmt.Errorf("context monotonicity violation: %s[%v] already set", namespace, key)
}

// AppendStep appends a step result; steps are positional and dense, so
// this is always safe to call in execution order and never needs a
// monotonicity check beyond "never truncate". A HITL gate's response does
// not become last_response — that namespace tracks only the most recent
// agent response, which a template or condition can still reach via
// hitl_response when it needs the human's literal answer.
func (c *Context) AppendStep(r StepResult) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Steps = append(c.Steps, r)
	if r.Status != "hitl_response" {
		c.LastResponse = r.Response
	}
	return len(c.Steps) - 1
}

func (c *Context) SetTask(id TaskID, r TaskResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.Tasks[id]; ok && !reflect.DeepEqual(existing, r) {
		return errMonotonicity("tasks", id)
	}
	c.Tasks[id] = r
	c.LastResponse = r.Response
	return nil
}

func (c *Context) SetBranch(id BranchID, r BranchResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.Branches[id]; ok && !reflect.DeepEqual(existing, r) {
		return errMonotonicity("branches", id)
	}
	c.Branches[id] = r
	return nil
}

// BranchStep looks up a previously recorded in-branch step result by its
// "branchID[index]" stage ref.
func (c *Context) BranchStep(stageRef string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.BranchSteps[stageRef]
	return r, ok
}

// SetBranchStep records one in-branch step's result, keyed by its
// "branchID[index]" stage ref.
func (c *Context) SetBranchStep(stageRef string, r StepResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.BranchSteps[stageRef]; ok && !reflect.DeepEqual(existing, r) {
		return errMonotonicity("branch_steps", stageRef)
	}
	c.BranchSteps[stageRef] = r
	return nil
}

func (c *Context) SetReduce(r StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Reduce = &r
	c.LastResponse = r.Response
}

func (c *Context) SetRouter(r RouterResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Router = &r
	c.LastResponse = r.Response
}

// SetNode overwrites a graph node's result on every visit; the graph
// pattern is explicitly exempt from the dense-monotonicity rule for nodes
// because cycles mean a node may legitimately execute more than once.
func (c *Context) SetNode(id NodeID, r NodeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Nodes[id] = r
	c.LastResponse = r.Response
}

func (c *Context) AppendWorker(r WorkerResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workers = append(c.Workers, r)
	c.LastResponse = r.Response
}

func (c *Context) AppendRound(r RoundResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Rounds = append(c.Rounds, r)
}

func (c *Context) SetWriteup(r StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Writeup = &r
	c.LastResponse = r.Response
}

func (c *Context) SetIteration(r IterationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Iteration = &r
	c.Iterations = append(c.Iterations, r)
	c.LastResponse = r.Response
}

func (c *Context) SetHITLResponse(response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.HITLResponse = response
}

// snapshot is used by the template renderer: a read-consistent plain-value
// view safe to range over without holding the context lock.
func (c *Context) snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := map[string]any{
		"variables":     c.Variables,
		"spec":          map[string]any{"name": c.SpecName},
		"last_response": c.LastResponse,
		"hitl_response": c.HITLResponse,
		"steps":         c.Steps,
	}
	if len(c.Tasks) > 0 {
		out["tasks"] = c.Tasks
	}
	if len(c.Branches) > 0 {
		out["branches"] = c.Branches
	}
	if c.Reduce != nil {
		out["reduce"] = *c.Reduce
	}
	if c.Router != nil {
		out["router"] = *c.Router
	}
	if len(c.Nodes) > 0 {
		out["nodes"] = c.Nodes
	}
	if len(c.Workers) > 0 {
		out["workers"] = c.Workers
	}
	if len(c.Rounds) > 0 {
		out["rounds"] = c.Rounds
	}
	if c.Writeup != nil {
		out["writeup"] = *c.Writeup
	}
	if c.Iteration != nil {
		out["iteration"] = *c.Iteration
	}
	if len(c.Iterations) > 0 {
		out["iterations"] = c.Iterations
	}
	return out
}
