//go:build evals

package evals_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// TestQuarry_Agent_Evals_Anthropic_IntentRouting runs the example questions
// that must NOT produce SQL: greetings and general-knowledge questions are
// answered conversationally, and off-topic questions are deflected without
// claiming warehouse data.
func TestQuarry_Agent_Evals_Anthropic_IntentRouting(t *testing.T) {
	t.Parallel()
	requireAPIKey(t)

	ctx := context.Background()
	_, dbName := setupEvalWarehouse(t)

	if testing.Short() {
		t.Log("Skipping workflow execution in short mode")
		return
	}

	eng := setupEngine(t, dbName)

	t.Run("greeting", func(t *testing.T) {
		result := eng.RunTurn(ctx, "Hi there!", "eval:intents")
		t.Logf("Workflow response:\n%s", result.FinalResponse)

		require.Equal(t, workflow.IntentGreeting, result.Intent)
		require.Empty(t, result.SQLQuery, "Greetings must not hit the warehouse")
		require.NotEmpty(t, result.FinalResponse)
	})

	t.Run("general knowledge", func(t *testing.T) {
		result := eng.RunTurn(ctx, "How many days in a year?", "eval:intents")
		t.Logf("Workflow response:\n%s", result.FinalResponse)

		require.Equal(t, workflow.IntentGeneral, result.Intent)
		require.Empty(t, result.SQLQuery)
		require.Contains(t, result.FinalResponse, "365")
	})

	t.Run("off topic", func(t *testing.T) {
		question := "What's the weather like?"
		result := eng.RunTurn(ctx, question, "eval:intents")
		t.Logf("Workflow response:\n%s", result.FinalResponse)

		require.Equal(t, workflow.IntentGeneral, result.Intent)
		require.Empty(t, result.SQLQuery)

		// The agent has no weather data and must not invent any.
		responseLower := strings.ToLower(result.FinalResponse)
		require.False(t, strings.Contains(responseLower, "°") || strings.Contains(responseLower, "degrees"),
			"Response must not fabricate a weather report")

		ok, err := evaluateResponse(t, ctx, question, result.FinalResponse, Expectation{
			Description:   "a deflection",
			ExpectedValue: "the assistant explains it cannot answer weather questions from incident/problem data",
			Rationale:     "the warehouse only holds IT service desk records",
		})
		require.NoError(t, err)
		require.True(t, ok, "Evaluator rejected the response")
	})
}
