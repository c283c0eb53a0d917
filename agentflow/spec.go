package agentflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// AgentID, RouteID, TaskID, BranchID and NodeID are the string identifier
// types used to address stages and their results inside a Context. They are
// distinct types (rather than all being bare strings) so a misplaced task id
// where a node id is expected is a compile error, not a runtime surprise.
type (
	AgentID  string
	RouteID  string
	TaskID   string
	BranchID string
	NodeID   string
)

// SamplingParams carries the provider-agnostic generation knobs. Fields left
// at zero value use the provider adapter's own default.
type SamplingParams struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

// RuntimeConfig names the LLM provider/model/connection a Spec runs
// against, along with concurrency and budget defaults.
type RuntimeConfig struct {
	Provider    string          `json:"provider"`
	Model       string          `json:"model"`
	Region      string          `json:"region,omitempty"`
	Host        string          `json:"host,omitempty"`
	Sampling    SamplingParams  `json:"sampling,omitempty"`
	MaxParallel int             `json:"max_parallel,omitempty"`
	Budgets     Budgets         `json:"budgets,omitempty"`
	Extra       json.RawMessage `json:"extra,omitempty"`
}

// Budgets bounds resource consumption for a single run.
type Budgets struct {
	MaxTokens int `json:"max_tokens,omitempty"`
}

// effectiveMaxParallel returns MaxParallel, defaulting to 5 per the
// concurrency model (a single semaphore shared by every fan-out in a run).
func (r RuntimeConfig) effectiveMaxParallel() int {
	if r.MaxParallel > 0 {
		return r.MaxParallel
	}
	return 5
}

// fingerprint returns the canonical cache key for pooling model clients:
// hash(provider, model, region, host, sampling).
func (r RuntimeConfig) fingerprint() string {
	return canonicalHash(struct {
		Provider string         `json:"provider"`
		Model    string         `json:"model"`
		Region   string         `json:"region"`
		Host     string         `json:"host"`
		Sampling SamplingParams `json:"sampling"`
	}{r.Provider, r.Model, r.Region, r.Host, r.Sampling})
}

// AgentDef declares one named agent: its system prompt, tool bindings, and
// an optional model override (falling back to the Spec's RuntimeConfig).
type AgentDef struct {
	SystemPrompt  string   `json:"system_prompt"`
	Tools         []string `json:"tools,omitempty"`
	ModelOverride string   `json:"model_override,omitempty"`
}

// ToolSpec is the declarative description of a tool bindable to an agent:
// either a pre-registered callable (looked up by allowlisted name) or an
// HTTP executor configuration.
type ToolSpec struct {
	Kind        string            `json:"kind"` // "callable" or "http"
	Name        string            `json:"name"`
	Method      string            `json:"method,omitempty"`
	URLTemplate string            `json:"url_template,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	BodyTemplate string           `json:"body_template,omitempty"`
}

// ArtifactSpec declares one output file to render and write on completion.
type ArtifactSpec struct {
	PathTemplate    string `json:"path_template"`
	ContentTemplate string `json:"content_template"`
	ForceOverwrite  bool   `json:"force_overwrite,omitempty"`
}

// Spec is the full, validated workflow description the engine executes.
// Loading/parsing YAML or JSON into a Spec, and JSON-Schema validation of
// the result, are the caller's responsibility; the engine only consumes an
// already-valid value.
type Spec struct {
	Name    string              `json:"name"`
	Runtime RuntimeConfig       `json:"runtime"`
	Agents  map[AgentID]AgentDef `json:"agents"`
	Tools   map[string]ToolSpec `json:"tools,omitempty"`
	Pattern Pattern             `json:"pattern"`
	Outputs struct {
		Artifacts []ArtifactSpec `json:"artifacts,omitempty"`
	} `json:"outputs"`
	OutputDir string `json:"output_dir,omitempty"`
}

// Hash returns the Spec's stable content fingerprint, used by the
// checkpoint manager to detect whether a resumed session's spec has
// drifted from the one it was created against.
func (s *Spec) Hash() string {
	return canonicalHash(s)
}

// canonicalHash produces a SHA-256 hex digest over the deterministic JSON
// encoding of v (map keys sorted), used uniformly for Spec hashes, agent
// config fingerprints, and runtime config fingerprints so that the cache
// keys by content rather than by object identity.
func canonicalHash(v any) string {
	b, err := canonicalJSON(v)
	if err != nil {
		// Canonicalization of our own well-formed types cannot fail in
		// practice; a zero-length input still hashes to a stable value.
		b = []byte{}
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON re-marshals v through a generic map so that struct field
// order never leaks into the byte stream — only key/value content does.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte{'['}
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}

// Pattern is the discriminated union of the seven orchestration shapes a
// Spec can declare. Implementations are exhaustively dispatched in
// engine.go; patternKind is unexported so no type outside this module can
// satisfy Pattern, keeping the switch in dispatchPattern total.
type Pattern interface {
	patternKind() string
}

type Chain struct {
	Steps []Stage `json:"steps"`
}

func (Chain) patternKind() string { return "chain" }

type WorkflowTask struct {
	ID        TaskID   `json:"id"`
	Stage     Stage    `json:"stage"`
	DependsOn []TaskID `json:"depends_on,omitempty"`
}

type Workflow struct {
	Tasks []WorkflowTask `json:"tasks"`
}

func (Workflow) patternKind() string { return "workflow" }

type Routing struct {
	Router       Stage            `json:"router"`
	Routes       map[RouteID][]Stage `json:"routes"`
	ReviewRouter *HITLGate        `json:"review_router,omitempty"`
	MaxRetries   int              `json:"max_retries,omitempty"`
}

func (Routing) patternKind() string { return "routing" }

type Branch struct {
	ID    BranchID `json:"id"`
	Steps []Stage  `json:"steps"`
}

type Parallel struct {
	Branches []Branch `json:"branches"`
	Reduce   *Stage   `json:"reduce,omitempty"`
}

func (Parallel) patternKind() string { return "parallel" }

type AcceptCriteria struct {
	MinScore      float64 `json:"min_score"`
	MaxIterations int     `json:"max_iterations"`
}

type EvaluatorOptimizer struct {
	Producer     Stage          `json:"producer"`
	Evaluator    Stage          `json:"evaluator"`
	Accept       AcceptCriteria `json:"accept"`
	RevisePrompt string         `json:"revise_prompt"`
}

func (EvaluatorOptimizer) patternKind() string { return "evaluator_optimizer" }

type OrchestratorLimits struct {
	MaxWorkers int `json:"max_workers"`
	MaxRounds  int `json:"max_rounds,omitempty"`
}

// WorkerFailureMode controls orchestrator-workers error policy (C9 §4.9.6):
// "skip" excludes a failing worker from the result set (default), "fail"
// fails the entire round.
type WorkerFailureMode string

const (
	WorkerFailureSkip WorkerFailureMode = "skip"
	WorkerFailureFail WorkerFailureMode = "fail"
)

type WorkerTemplate struct {
	AgentID       AgentID `json:"agent_id"`
	InputTemplate string  `json:"input_template"`
}

type OrchestratorWorkers struct {
	Orchestrator        Stage             `json:"orchestrator"`
	Limits              OrchestratorLimits `json:"limits"`
	WorkerTemplate      WorkerTemplate    `json:"worker_template"`
	WorkerFailureMode   WorkerFailureMode `json:"worker_failure_mode,omitempty"`
	Reduce              *Stage            `json:"reduce,omitempty"`
	Writeup             *Stage            `json:"writeup,omitempty"`
	ReduceReview        *HITLGate         `json:"reduce_review,omitempty"`
	DecompositionReview *HITLGate         `json:"decomposition_review,omitempty"`
}

func (OrchestratorWorkers) patternKind() string { return "orchestrator_workers" }

func (o OrchestratorWorkers) failureMode() WorkerFailureMode {
	if o.WorkerFailureMode == "" {
		return WorkerFailureSkip
	}
	return o.WorkerFailureMode
}

type Edge struct {
	To   NodeID  `json:"to"`
	When *string `json:"when,omitempty"`
}

type GraphNode struct {
	Stage Stage  `json:"stage"`
	Edges []Edge `json:"edges,omitempty"`
}

type Graph struct {
	StartNode     NodeID              `json:"start_node"`
	Nodes         map[NodeID]GraphNode `json:"nodes"`
	MaxIterations int                 `json:"max_iterations"`
}

func (Graph) patternKind() string { return "graph" }

// Stage is the discriminated union of the two addressable units inside a
// pattern: an LLM agent invocation, or a human-in-the-loop gate.
type Stage interface {
	stageKind() string
}

type AgentStep struct {
	AgentID       AgentID           `json:"agent_id"`
	InputTemplate string            `json:"input_template"`
	PerStepVars   map[string]string `json:"per_step_vars,omitempty"`
	ToolOverrides []string          `json:"tool_overrides,omitempty"`
}

func (AgentStep) stageKind() string { return "agent_step" }

type HITLGate struct {
	PromptTemplate         string        `json:"prompt_template"`
	ContextDisplayTemplate string        `json:"context_display_template,omitempty"`
	DefaultResponse        string        `json:"default_response,omitempty"`
	Timeout                time.Duration `json:"timeout,omitempty"`
}

func (HITLGate) stageKind() string { return "hitl_gate" }
