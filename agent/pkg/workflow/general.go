package workflow

import (
	"context"
	"fmt"
	"strings"
)

// general produces a conversational response without touching the
// warehouse. On model failure it falls back to a canned reply chosen by
// keyword matching on the input; this step never fails the turn.
func (e *Engine) general(ctx context.Context, s RunState) RunState {
	base := e.cfg.Prompts.GetPrompt(PromptGeneral)
	if e.cfg.FormatContext != "" {
		base += "\n\n# Output Formatting\n\n" + e.cfg.FormatContext
	}
	systemPrompt := buildSystemPrompt(e.cfg.Clock.Now(), base)
	userPrompt := buildHistoryText(s.Messages) + fmt.Sprintf("User message: %s", s.UserPrompt)

	response, err := e.cfg.LLM.Complete(ctx, systemPrompt, userPrompt)
	if err != nil || strings.TrimSpace(response) == "" {
		e.log.Warn("workflow: general response failed, using canned fallback", "error", err)
		s.FinalResponse = cannedGeneralResponse(s.UserPrompt)
		return s
	}

	s.FinalResponse = strings.TrimSpace(response)
	return s
}

// cannedGeneralResponse is the deterministic fallback when the model is
// unavailable.
func cannedGeneralResponse(input string) string {
	lower := strings.ToLower(input)
	for _, greeting := range []string{"hi", "hello", "hey"} {
		if strings.Contains(lower, greeting) {
			return "Hello! I'm your incident data assistant. How can I help you with incident or problem data today?"
		}
	}
	return "I can help you query and analyze your incident and problem data. What would you like to know?"
}
