package bot

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	"github.com/quarrylabs/quarry/api/handlers"
)

// TurnRunner runs one assistant turn for the bot.
type TurnRunner interface {
	RunTurn(ctx context.Context, question, userID string) (workflow.TurnResult, error)
}

// WorkflowRunner runs turns by invoking the agent workflow in-process,
// without going through HTTP. It shares the API server's connection pool and
// history store, so Slack threads and web conversations behave the same way.
type WorkflowRunner struct {
	log     *slog.Logger
	history workflow.HistoryStore
}

// NewWorkflowRunner creates a runner backed by the given history store.
func NewWorkflowRunner(log *slog.Logger, history workflow.HistoryStore) *WorkflowRunner {
	return &WorkflowRunner{log: log, history: history}
}

// RunTurn assembles a workflow engine and runs a single turn.
func (r *WorkflowRunner) RunTurn(ctx context.Context, question, userID string) (workflow.TurnResult, error) {
	if os.Getenv("ANTHROPIC_API_KEY") == "" {
		return workflow.TurnResult{}, fmt.Errorf("ANTHROPIC_API_KEY is required")
	}

	prompts, err := workflow.LoadPrompts()
	if err != nil {
		return workflow.TurnResult{}, fmt.Errorf("failed to load prompts: %w", err)
	}

	eng, err := workflow.New(workflow.Config{
		Logger:        r.log,
		LLM:           workflow.NewAnthropicLLMClient(anthropic.ModelClaudeHaiku4_5, 4096),
		Querier:       handlers.NewDBQuerier(),
		SchemaFetcher: handlers.NewDBSchemaFetcher(),
		Prompts:       prompts,
		History:       r.history,
		MaxTokens:     4096,
	})
	if err != nil {
		return workflow.TurnResult{}, fmt.Errorf("failed to initialize workflow: %w", err)
	}

	return eng.RunTurn(ctx, question, userID), nil
}
