package workflow

import (
	"context"
	"fmt"
)

// classifyResponse is the expected JSON response from the classify step.
type classifyResponse struct {
	Intent    string `json:"intent"`
	Rephrased string `json:"rephrased"`
}

// classify routes the turn by intent. Any model or parsing failure defaults
// the intent to general with the raw input as the rephrased prompt; this
// step never fails the turn.
func (e *Engine) classify(ctx context.Context, s RunState) RunState {
	systemPrompt := buildSystemPrompt(e.cfg.Clock.Now(), e.cfg.Prompts.GetPrompt(PromptClassify))
	userPrompt := buildHistoryText(s.Messages) + fmt.Sprintf("Message to classify: %s", s.UserPrompt)

	response, err := e.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
	if err != nil {
		e.log.Warn("workflow: classify failed, defaulting to general", "error", err)
		s.Intent = IntentGeneral
		s.RephrasedPrompt = s.UserPrompt
		return s
	}

	var parsed classifyResponse
	if err := parseJSONResponse(response, &parsed); err != nil {
		e.log.Warn("workflow: classify parse failed, defaulting to general", "error", err)
		s.Intent = IntentGeneral
		s.RephrasedPrompt = s.UserPrompt
		return s
	}

	switch Intent(parsed.Intent) {
	case IntentGreeting, IntentGeneral, IntentDataQuery:
		s.Intent = Intent(parsed.Intent)
	default:
		e.log.Warn("workflow: classify returned unknown intent, defaulting to general", "intent", parsed.Intent)
		s.Intent = IntentGeneral
	}

	s.RephrasedPrompt = parsed.Rephrased
	if s.RephrasedPrompt == "" {
		s.RephrasedPrompt = s.UserPrompt
	}

	e.log.Debug("workflow: classified", "intent", s.Intent, "rephrased", truncateString(s.RephrasedPrompt, 200))
	return s
}
