package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// generateResponse is the expected JSON response from the generate step.
type generateResponse struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// generateSQL asks the model for a SQL candidate. On failure it records
// error_msg and leaves any previously installed SQL in place, so a
// suggested replacement from the analyzer survives a failed regeneration
// and still gets executed.
func (e *Engine) generateSQL(ctx context.Context, s RunState) RunState {
	base := renderTemplate(e.cfg.Prompts.GetPrompt(PromptGenerateSQL), map[string]string{
		"SCHEMA": s.RelevantSchemas,
	})
	systemPrompt := buildSystemPrompt(e.cfg.Clock.Now(), base)
	userPrompt := fmt.Sprintf("Question: %s", s.RephrasedPrompt)

	// The system prompt (template + schema) is large and identical across
	// retries, so mark it cacheable.
	response, err := e.cfg.LLM.Complete(ctx, systemPrompt, userPrompt, WithCacheControl())
	if err != nil {
		e.log.Warn("workflow: sql generation failed", "error", err)
		s.ErrorMsg = fmt.Sprintf("Failed to generate SQL query: %v", err)
		return s
	}

	sql, err := parseGenerateResponse(response)
	if err != nil {
		e.log.Warn("workflow: sql extraction failed", "error", err)
		s.ErrorMsg = fmt.Sprintf("Failed to generate SQL query: %v", err)
		return s
	}

	s.SQLQuery = sql
	e.log.Debug("workflow: generated sql", "sql", truncateString(sql, 200))
	return s
}

// parseGenerateResponse extracts SQL from the model reply, whatever shape
// it arrives in: structured JSON, a fenced code block, or bare SQL.
func parseGenerateResponse(response string) (string, error) {
	response = strings.TrimSpace(response)

	// First, try to parse as JSON
	if jsonStr := extractJSON(response); jsonStr != "" {
		var parsed generateResponse
		if err := json.Unmarshal([]byte(jsonStr), &parsed); err == nil && parsed.SQL != "" {
			return cleanSQL(parsed.SQL), nil
		}
	}

	// Fall back to extracting SQL from code blocks
	if sql := extractSQLFromCodeBlocks(response); sql != "" {
		return sql, nil
	}

	// Last resort: treat the whole response as SQL if it looks like SQL
	if looksLikeSQL(response) {
		return cleanSQL(response), nil
	}

	return "", fmt.Errorf("could not extract SQL from response")
}
