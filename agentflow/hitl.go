package agentflow

import (
	"context"
	"strings"
)

// HITLState is what an interactive HITLHandler is given to produce a
// response: the rendered prompt, optional context display, and whether
// this gate is a router-review (which constrains the accepted grammar).
type HITLState struct {
	StageRef        string
	Prompt          string
	ContextDisplay  string
	DefaultResponse string
	IsRouterReview  bool
	AvailableRoutes []RouteID // populated only for router-review gates
}

// HITLHandler is supplied by the caller for interactive (in-process)
// resumption; the executor invokes it synchronously at a HITL gate rather
// than pausing and returning exit code 19.
type HITLHandler func(ctx context.Context, state HITLState) (string, error)

// HITLOutcome distinguishes the typed result a HITL encounter produces —
// mirroring the Paused | Completed | Failed re-architecture note instead
// of signaling pause through a panic/exception.
type HITLOutcome int

const (
	HITLAnswered HITLOutcome = iota
	HITLPaused
)

// routerReviewResponse is the parsed form of a router-review HITL answer:
// either "approved" (keep the router's chosen route) or "route:<id>"
// (override). Any other text is a HITLError{InvalidResponse}.
type routerReviewResponse struct {
	Approved bool
	Override RouteID
}

func parseRouterReviewResponse(raw string) (routerReviewResponse, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "approved") {
		return routerReviewResponse{Approved: true}, nil
	}
	if rest, ok := strings.CutPrefix(trimmed, "route:"); ok && rest != "" {
		return routerReviewResponse{Override: RouteID(rest)}, nil
	}
	return routerReviewResponse{}, &HITLError{Kind: HITLInvalidResponse, Response: raw}
}
