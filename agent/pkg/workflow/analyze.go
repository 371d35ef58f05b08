package workflow

import (
	"context"
	"fmt"
)

// analyzerResponse is the expected JSON response from the error analyzer.
type analyzerResponse struct {
	Analysis     string `json:"analysis"`
	Action       string `json:"action"`
	SuggestedSQL string `json:"suggested_sql"`
}

// analyzeError decides what to do about a failed execution. The retry
// ceiling is enforced before the model is consulted, so the loop
// terminates no matter what the model recommends. This step never fails
// the turn.
func (e *Engine) analyzeError(ctx context.Context, s RunState) RunState {
	if s.ErrorMsg == "" {
		s.AnalysisAction = ActionEnd
		return s
	}

	if s.RetryCount >= e.cfg.MaxRetries {
		s.AnalysisAction = ActionFail
		s.FinalResponse = fmt.Sprintf("Failed after %d attempts: %s", e.cfg.MaxRetries, s.ErrorMsg)
		e.log.Warn("workflow: retry ceiling reached", "max_retries", e.cfg.MaxRetries, "error", s.ErrorMsg)
		return s
	}

	systemPrompt := buildSystemPrompt(e.cfg.Clock.Now(), e.cfg.Prompts.GetPrompt(PromptAnalyzeError))
	userPrompt := fmt.Sprintf("SQL query:\n%s\n\nError:\n%s", s.SQLQuery, s.ErrorMsg)

	response, err := e.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		e.log.Warn("workflow: error analysis failed", "error", err)
		s.AnalysisAction = ActionFail
		s.FinalResponse = fmt.Sprintf("An unexpected error occurred: %s", s.ErrorMsg)
		return s
	}

	// A reply we cannot decode falls through the switch below as an
	// unrecognized action and resolves to fail.
	var parsed analyzerResponse
	if err := parseJSONResponse(response, &parsed); err != nil {
		e.log.Warn("workflow: analyzer parse failed", "error", err)
	}
	s.Analysis = parsed.Analysis

	switch AnalysisAction(parsed.Action) {
	case ActionRetry:
		s.AnalysisAction = ActionRetry
		if parsed.SuggestedSQL != "" {
			s.SQLQuery = cleanSQL(parsed.SuggestedSQL)
		}
		delay := retryDelay(s.RetryCount)
		e.log.Info("workflow: retrying after backoff", "delay", delay, "retry_count", s.RetryCount)
		e.cfg.Clock.Sleep(delay)
	case ActionRephrase:
		s.AnalysisAction = ActionRephrase
	case ActionAskUser:
		s.AnalysisAction = ActionAskUser
		s.FinalResponse = fmt.Sprintf("Error: %s. Could you please clarify your question?", s.ErrorMsg)
	default:
		s.AnalysisAction = ActionFail
		s.FinalResponse = fmt.Sprintf("Unable to process your request: %s", s.ErrorMsg)
	}

	e.log.Info("workflow: error analyzed", "action", s.AnalysisAction, "retry_count", s.RetryCount)
	return s
}
