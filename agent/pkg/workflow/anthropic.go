package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
)

// AnthropicLLMClient implements LLMClient using the Anthropic Messages API.
// Credentials come from the environment (ANTHROPIC_API_KEY).
type AnthropicLLMClient struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	name      string
}

// NewAnthropicLLMClient creates a new Anthropic-based LLM client.
func NewAnthropicLLMClient(model anthropic.Model, maxTokens int64) *AnthropicLLMClient {
	return NewAnthropicLLMClientWithName(model, maxTokens, "workflow")
}

// NewAnthropicLLMClientWithName tags the client's log lines with a caller
// name so concurrent callers stay distinguishable in shared logs.
func NewAnthropicLLMClientWithName(model anthropic.Model, maxTokens int64, name string) *AnthropicLLMClient {
	return &AnthropicLLMClient{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
		name:      name,
	}
}

// Complete sends a prompt to Claude and returns the response text.
func (c *AnthropicLLMClient) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	options := CompleteOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	systemBlock := anthropic.TextBlockParam{Text: systemPrompt}
	if options.CacheSystemPrompt {
		// The cacheable prefix is the static SQL context plus schema, which
		// is well past the 1024-token caching minimum. 5-minute TTL.
		systemBlock.CacheControl = anthropic.NewCacheControlEphemeralParam()
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    []anthropic.TextBlockParam{systemBlock},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API error: %w", err)
	}

	slog.Debug("anthropic call completed",
		"client", c.name,
		"model", c.model,
		"stopReason", msg.StopReason,
		"duration", time.Since(start),
	)

	for _, block := range msg.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}

	return "", fmt.Errorf("no text content in response")
}
