package agentflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for exit-code mapping and retry policy.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRender
	KindCondition
	KindTransient
	KindPermanent
	KindParse
	KindBudget
	KindSession
	KindHITL
	KindArtifact
	KindGraphCycle
	KindCapability
)

func (k ErrorKind) String() string {
	switch k {
	case KindRender:
		return "render_error"
	case KindCondition:
		return "condition_error"
	case KindTransient:
		return "transient_error"
	case KindPermanent:
		return "permanent_error"
	case KindParse:
		return "parse_error"
	case KindBudget:
		return "budget_error"
	case KindSession:
		return "session_error"
	case KindHITL:
		return "hitl_error"
	case KindArtifact:
		return "artifact_error"
	case KindGraphCycle:
		return "graph_error"
	case KindCapability:
		return "capability_error"
	default:
		return "unknown_error"
	}
}

// StageError wraps a failure with the stage identity it occurred at (e.g.
// "steps[2]", "tasks.analysis", "nodes.review") so callers can locate the
// failure inside a run without parsing the message.
type StageError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError builds a StageError, the standard wrapper every pattern
// executor uses before returning a failure to the engine.
func NewStageError(kind ErrorKind, stage string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Err: err}
}

// RenderError is raised by the template renderer: undefined variable,
// malformed template grammar, or a security violation (dunder access,
// disallowed filter/function name).
type RenderError struct {
	Reason      string
	Violation   bool
	TemplateRef string
}

func (e *RenderError) Error() string {
	if e.Violation {
		return fmt.Sprintf("security violation rendering %q: %s", e.TemplateRef, e.Reason)
	}
	return fmt.Sprintf("render error in %q: %s", e.TemplateRef, e.Reason)
}

// ConditionError is raised by the condition evaluator for a malformed or
// disallowed graph edge expression.
type ConditionError struct {
	Expr   string
	Reason string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition error in %q: %s", e.Expr, e.Reason)
}

// TransientError wraps a provider failure the retry enforcer should retry:
// network faults, rate limiting, 5xx responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a provider failure that must not be retried: 4xx
// (other than 429), schema violations, content-policy rejections.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// ParseError is raised when an agent's output fails structured extraction
// (routing's route field, evaluator's score, orchestrator's task list)
// after the retry-with-clarification budget is exhausted.
type ParseError struct {
	Target  string
	Raw     string
	Retries int
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error extracting %s after %d retries", e.Target, e.Retries)
}

// BudgetErrorKind distinguishes which budget was exceeded.
type BudgetErrorKind int

const (
	BudgetExceeded BudgetErrorKind = iota
)

// BudgetError is raised when cumulative token usage would exceed
// runtime.budgets.max_tokens; the offending call is never submitted.
type BudgetError struct {
	Kind      BudgetErrorKind
	Used      int
	Requested int
	Limit     int
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("token budget exceeded: used=%d requested=%d limit=%d", e.Used, e.Requested, e.Limit)
}

// SessionErrorKind distinguishes session-store failure modes.
type SessionErrorKind int

const (
	SessionNotFound SessionErrorKind = iota
	SessionIOFailure
	SessionSpecChanged
)

// SessionError wraps a session-store or resume-compatibility failure.
type SessionError struct {
	Kind SessionErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session error: %v", e.Err)
	}
	return "session error"
}
func (e *SessionError) Unwrap() error { return e.Err }

// HITLErrorKind distinguishes human-in-the-loop failure modes.
type HITLErrorKind int

const (
	HITLInvalidResponse HITLErrorKind = iota
)

// HITLError is raised when a human response cannot be interpreted, most
// commonly an unrecognized router-review response.
type HITLError struct {
	Kind     HITLErrorKind
	Response string
}

func (e *HITLError) Error() string {
	return fmt.Sprintf("invalid hitl response %q", e.Response)
}

// ArtifactErrorKind distinguishes artifact-writer failure modes.
type ArtifactErrorKind int

const (
	ArtifactOverwrite ArtifactErrorKind = iota
	ArtifactIOFailure
	ArtifactPathEscape
)

// ArtifactError is raised by the artifact writer.
type ArtifactError struct {
	Kind ArtifactErrorKind
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("artifact error writing %q: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("artifact error writing %q", e.Path)
}
func (e *ArtifactError) Unwrap() error { return e.Err }

// GraphErrorKind distinguishes graph-pattern failure modes.
type GraphErrorKind int

const (
	GraphCycleLimit GraphErrorKind = iota
	GraphNoSuchNode
	WorkflowCycle
)

// GraphError is raised by the graph and workflow pattern executors.
type GraphError struct {
	Kind GraphErrorKind
	Node NodeID
}

func (e *GraphError) Error() string {
	switch e.Kind {
	case GraphCycleLimit:
		return fmt.Sprintf("graph exceeded max_iterations at node %q", e.Node)
	case WorkflowCycle:
		return "workflow task graph contains a dependency cycle"
	default:
		return fmt.Sprintf("graph references unknown node %q", e.Node)
	}
}

// CapabilityError is raised before a run starts when the spec requires a
// feature this engine build does not support.
type CapabilityError struct {
	Feature string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("unsupported feature: %s", e.Feature)
}

// RoutingErrorKind distinguishes routing-pattern failure modes.
type RoutingErrorKind int

const (
	RoutingNoMatch RoutingErrorKind = iota
)

// RoutingError is raised when no route matches a router's chosen id and no
// "else" route exists.
type RoutingError struct {
	Kind  RoutingErrorKind
	Route RouteID
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route matches %q and no else route is defined", e.Route)
}

// ErrNoProgress signals a workflow DAG that cannot make further progress:
// some task's dependency graph is malformed (a dangling dependency not
// caught by the upfront topology check) and no task is ready to run.
var ErrNoProgress = errors.New("workflow has no ready tasks but is not complete")

// exitCode maps a classified error to the process exit code contract.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var (
		budgetErr     *BudgetError
		sessionErr    *SessionError
		hitlErr       *HITLError
		artifactErr   *ArtifactError
		capabilityErr *CapabilityError
		stageErr      *StageError
	)
	switch {
	case errors.As(err, &budgetErr):
		return 20
	case errors.As(err, &sessionErr):
		return 17
	case errors.As(err, &hitlErr):
		return 17
	case errors.As(err, &artifactErr):
		return 12
	case errors.As(err, &capabilityErr):
		return 18
	case errors.As(err, &stageErr):
		switch stageErr.Kind {
		case KindBudget:
			return 20
		case KindSession, KindHITL:
			return 17
		case KindArtifact:
			return 12
		case KindCapability:
			return 18
		case KindTransient, KindPermanent:
			return 10
		default:
			return 70
		}
	default:
		return 70
	}
}
