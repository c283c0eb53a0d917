package agentflow

import "fmt"

// defaultRoutingRetries bounds the router's JSON-extraction clarification
// loop when a Spec leaves max_retries unset.
const defaultRoutingRetries = 2

// elseRoute is the catch-all route id a Routing pattern may declare to
// handle a chosen route with no matching entry.
const elseRoute = RouteID("else")

// runRouting invokes the router stage, extracts its chosen route as JSON
// (retrying with a clarification prompt on parse failure), optionally
// submits the decision to a human reviewer who may approve or override
// it, then runs the chosen route's step sequence like a chain.
func runRouting(rc *runCtx, pattern Routing) error {
	if rc.data.Router == nil {
		chosen, rawResponse, err := decideRoute(rc, pattern)
		if err != nil {
			return err
		}

		if pattern.ReviewRouter != nil {
			reviewed, err := reviewRoute(rc, *pattern.ReviewRouter, chosen)
			if err != nil {
				return err
			}
			chosen = reviewed
		}

		rc.data.SetRouter(RouterResult{ChosenRoute: chosen, Response: rawResponse})
		if err := rc.checkpoint(); err != nil {
			return err
		}
	}

	route := rc.data.Router.ChosenRoute
	steps, ok := pattern.Routes[route]
	if !ok {
		steps, ok = pattern.Routes[elseRoute]
		if !ok {
			return &RoutingError{Kind: RoutingNoMatch, Route: route}
		}
	}

	for i, stage := range steps {
		if i < len(rc.data.Steps) {
			continue
		}
		stageRef := fmt.Sprintf("routes.%s[%d]", route, i)
		result, err := runStage(rc, stageRef, stage)
		if err != nil {
			return err
		}
		rc.data.AppendStep(result)
		if err := rc.checkpoint(); err != nil {
			return err
		}
	}
	return nil
}

// decideRoute runs the router stage and extracts its {"route": "..."}
// decision, retrying with an appended clarification prompt up to
// max_retries times if the response does not parse.
func decideRoute(rc *runCtx, pattern Routing) (RouteID, string, error) {
	maxRetries := pattern.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultRoutingRetries
	}

	var decision routerDecision
	raw, err := parseWithClarificationRetries(maxRetries, func(clarification string) (string, error) {
		stage := pattern.Router
		if clarification != "" {
			if step, ok := stage.(AgentStep); ok {
				step.InputTemplate = step.InputTemplate + "\n\n" + clarification
				stage = step
			}
		}
		result, err := runStage(rc, "router", stage)
		if err != nil {
			return "", err
		}
		return result.Response, nil
	}, func(body string) error {
		decision = routerDecision{}
		return extractJSON(body, &decision)
	})
	if err != nil {
		return "", raw, NewStageError(KindParse, "router", err)
	}
	return decision.Route, raw, nil
}

// reviewRoute submits the router's decision to a human-in-the-loop gate
// that may approve it verbatim or override it with "route:<id>", per the
// router-review HITL grammar.
func reviewRoute(rc *runCtx, gate HITLGate, chosen RouteID) (RouteID, error) {
	result, err := runHITLGate(rc, "review_router", gate)
	if err != nil {
		return "", err
	}
	decision, err := parseRouterReviewResponse(result.Response)
	if err != nil {
		return "", err
	}
	if decision.Approved {
		return chosen, nil
	}
	return decision.Override, nil
}
