package agentflow

import "fmt"

// runEvaluatorOptimizer alternates a producer stage and an evaluator stage
// until the evaluator's extracted score meets accept.min_score or
// accept.max_iterations is reached, whichever comes first. Each iteration
// after the first renders the producer's input through revise_prompt,
// which has access to the prior iteration's response and evaluation text.
func runEvaluatorOptimizer(rc *runCtx, pattern EvaluatorOptimizer) error {
	start := 0
	if rc.data.Iteration != nil {
		start = len(rc.data.Iterations)
		if accepted(pattern.Accept, rc.data.Iteration.Score) {
			return nil
		}
	}

	maxIterations := pattern.Accept.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	for n := start; n < maxIterations; n++ {
		producerStage := pattern.Producer
		if n > 0 {
			producerStage = withRevisedInput(pattern.Producer, pattern.RevisePrompt)
		}

		stageRef := fmt.Sprintf("producer[%d]", n)
		produced, err := runStage(rc, stageRef, producerStage)
		if err != nil {
			return err
		}

		evalStageRef := fmt.Sprintf("evaluator[%d]", n)
		var verdict evaluatorVerdict
		evaluatedResponse, err := parseWithClarificationRetries(defaultRoutingRetries, func(clarification string) (string, error) {
			evalStage := pattern.Evaluator
			if clarification != "" {
				if step, ok := evalStage.(AgentStep); ok {
					step.InputTemplate = step.InputTemplate + "\n\n" + clarification
					evalStage = step
				}
			}
			result, err := runStage(rc, evalStageRef, evalStage)
			if err != nil {
				return "", err
			}
			return result.Response, nil
		}, func(body string) error {
			verdict = evaluatorVerdict{}
			return extractJSON(body, &verdict)
		})
		if err != nil {
			return NewStageError(KindParse, evalStageRef, err)
		}

		rc.data.SetIteration(IterationResult{
			Response:   produced.Response,
			Evaluation: evaluatedResponse,
			Score:      verdict.Score,
			Number:     n,
		})
		if err := rc.checkpoint(); err != nil {
			return err
		}

		if accepted(pattern.Accept, verdict.Score) {
			return nil
		}
	}
	return nil
}

func accepted(criteria AcceptCriteria, score float64) bool {
	return score >= criteria.MinScore
}

// withRevisedInput returns a copy of stage with revisePrompt appended to
// its input template, used for every producer retry after the first.
// Non-AgentStep stages (a HITL gate producer is nonsensical but not
// forbidden by the type system) are returned unchanged.
func withRevisedInput(stage Stage, revisePrompt string) Stage {
	step, ok := stage.(AgentStep)
	if !ok {
		return stage
	}
	step.InputTemplate = step.InputTemplate + "\n\n" + revisePrompt
	return step
}
