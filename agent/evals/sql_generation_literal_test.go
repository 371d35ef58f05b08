//go:build evals

package evals_test

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"testing"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// TestQuarry_Agent_Evals_Anthropic_SQLGenerationLiteral checks that SQL
// generation produces exactly what was asked: no extra columns, no invented
// groupings, and filter values copied literally from the question.
func TestQuarry_Agent_Evals_Anthropic_SQLGenerationLiteral(t *testing.T) {
	t.Parallel()
	requireAPIKey(t)

	ctx := context.Background()
	systemPrompt := buildGeneratePrompt(t)

	llmClient := workflow.NewAnthropicLLMClientWithName(anthropic.ModelClaudeHaiku4_5, 1024, "sql-gen-eval")

	testCases := []struct {
		name           string
		prompt         string
		mustContain    []string
		mustNotContain []string
	}{
		{
			name:   "simple count returns only a count",
			prompt: "Question: count the number of incidents",
			mustContain: []string{
				"count",
				"incidents",
			},
			mustNotContain: []string{
				"group by", // no breakdown unless asked
				"priority",
				"category",
				"join",
			},
		},
		{
			name:   "simple list adds no extra columns",
			prompt: "Question: list problem numbers",
			mustContain: []string{
				"number",
				"problems",
			},
			mustNotContain: []string{
				"short_description",
				"incidents",
				"join",
			},
		},
		{
			name:   "filter value survives literally",
			prompt: "Question: how many incidents are in category 'Network'?",
			mustContain: []string{
				"count",
				"incidents",
				"network",
			},
			mustNotContain: []string{
				"group by",
				"problems",
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			response, err := llmClient.Complete(ctx, systemPrompt, tc.prompt)
			require.NoError(t, err)

			sql := extractSQL(response)
			t.Logf("Generated SQL: %s", sql)
			require.NotEmpty(t, sql, "Should have extracted SQL from response")

			sqlLower := strings.ToLower(sql)
			for _, must := range tc.mustContain {
				require.Contains(t, sqlLower, strings.ToLower(must),
					"SQL should contain %q", must)
			}
			for _, mustNot := range tc.mustNotContain {
				require.NotContains(t, sqlLower, strings.ToLower(mustNot),
					"SQL should NOT contain %q (not requested)", mustNot)
			}
		})
	}
}

// buildGeneratePrompt composes the engine's SQL generation prompt with a
// fixed schema, plus strict output instructions so the checks stay literal.
func buildGeneratePrompt(t *testing.T) string {
	t.Helper()

	prompts, err := workflow.LoadPrompts()
	require.NoError(t, err)

	schema := `incidents:
  - number (String)
  - short_description (String)
  - state (LowCardinality(String)) [sample values: New, In Progress, On Hold, Resolved, Closed]
  - priority (LowCardinality(String)) [sample values: 1 - Critical, 2 - High, 3 - Moderate, 4 - Low]
  - category (LowCardinality(String)) [sample values: Network, Software, Hardware, Database]
  - opened_at (DateTime('UTC'))
  - reopen_count (UInt32)

problems:
  - number (String)
  - short_description (String)
  - state (LowCardinality(String))
  - priority (LowCardinality(String))
  - known_error (LowCardinality(String)) [sample values: Yes, No]
  - first_reported_at (DateTime('UTC'))`

	base := strings.ReplaceAll(prompts.GetPrompt(workflow.PromptGenerateSQL), "{{SCHEMA}}", schema)

	return base + `

## FINAL INSTRUCTIONS (MUST FOLLOW)

1. Include ONLY the columns, filters, and aggregates the user explicitly asked for.
2. Do NOT add groupings, orderings, or extra context columns beyond the request.`
}

var (
	sqlBlockRe     = regexp.MustCompile("(?s)```sql\\s*\\n?(.*?)\\n?```")
	genericBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
)

// extractSQL pulls the SQL out of a generation response: the JSON contract
// first, then fenced code blocks, then the raw text.
func extractSQL(response string) string {
	response = strings.TrimSpace(response)

	candidate := response
	if matches := genericBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		candidate = strings.TrimSpace(matches[1])
	}
	var parsed struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(candidate), &parsed); err == nil && parsed.SQL != "" {
		return strings.TrimSpace(parsed.SQL)
	}

	if matches := sqlBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	if matches := genericBlockRe.FindStringSubmatch(response); len(matches) > 1 {
		return strings.TrimSpace(matches[1])
	}
	return response
}
