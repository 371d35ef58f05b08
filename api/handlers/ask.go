package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/metrics"
)

// AskRequest is an incoming question for the assistant.
type AskRequest struct {
	Question string `json:"question"`
	UserID   string `json:"user_id"`
}

// AskResponse is the finished turn returned to the client.
type AskResponse struct {
	Question  string `json:"question"`
	Answer    string `json:"answer"`
	SQL       string `json:"sql,omitempty"`
	Intent    string `json:"intent"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// TurnRunner runs one assistant turn. The default implementation builds a
// workflow engine per request; tests substitute a stub.
type TurnRunner interface {
	RunTurn(ctx context.Context, question, userID string) (workflow.TurnResult, error)
}

var turnRunner TurnRunner = engineRunner{}

// SetTurnRunner replaces the turn runner (for testing).
func SetTurnRunner(r TurnRunner) {
	turnRunner = r
}

// engineRunner assembles a fresh workflow engine against the global
// connection pool and the shared history store.
type engineRunner struct{}

func (engineRunner) RunTurn(ctx context.Context, question, userID string) (workflow.TurnResult, error) {
	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return workflow.TurnResult{}, fmt.Errorf("failed to load prompts: %w", err)
	}

	eng, err := workflow.New(workflow.Config{
		Logger:        slog.Default(),
		LLM:           workflow.NewAnthropicLLMClient(anthropic.ModelClaudeHaiku4_5, 4096),
		Querier:       NewDBQuerier(),
		SchemaFetcher: NewDBSchemaFetcher(),
		Prompts:       prompts,
		History:       store,
		MaxTokens:     4096,
	})
	if err != nil {
		return workflow.TurnResult{}, fmt.Errorf("failed to initialize workflow: %w", err)
	}

	return eng.RunTurn(ctx, question, userID), nil
}

// Ask runs a full assistant turn. Workflow-internal failures resolve into
// the turn's answer text, never a 500.
func Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	question := strings.TrimSpace(req.Question)
	if question == "" {
		http.Error(w, "Question is required", http.StatusBadRequest)
		return
	}

	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		slog.Error("ANTHROPIC_API_KEY is not set")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AskResponse{
			Question: question,
			Error:    "AI service is not configured. Please contact the administrator.",
		})
		return
	}

	start := time.Now()
	result, err := turnRunner.RunTurn(r.Context(), question, req.UserID)
	elapsed := time.Since(start)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(AskResponse{
			Question:  question,
			Error:     internalError("Failed to process question", err),
			ElapsedMs: elapsed.Milliseconds(),
		})
		return
	}

	metrics.RecordTurn(string(result.Intent), elapsed)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(AskResponse{
		Question:  question,
		Answer:    result.FinalResponse,
		SQL:       result.SQLQuery,
		Intent:    string(result.Intent),
		ElapsedMs: elapsed.Milliseconds(),
	})
}
