package workflow

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
)

// Context keys for turn tracing
type ctxKeySessionID struct{}
type ctxKeyTurnID struct{}

// ContextWithTurnIDs adds session and turn IDs to a context for tracing.
func ContextWithTurnIDs(ctx context.Context, sessionID, turnID string) context.Context {
	ctx = context.WithValue(ctx, ctxKeySessionID{}, sessionID)
	ctx = context.WithValue(ctx, ctxKeyTurnID{}, turnID)
	return ctx
}

// SessionIDFromContext extracts the session ID from context, if present.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeySessionID{}).(string)
	return id, ok
}

// TurnIDFromContext extracts the turn ID from context, if present.
func TurnIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyTurnID{}).(string)
	return id, ok
}

// Intent is the routing classification for a user turn.
type Intent string

const (
	IntentUnclassified Intent = "unclassified"
	IntentGreeting     Intent = "greeting"
	IntentGeneral      Intent = "general"
	IntentDataQuery    Intent = "data_query"
)

// AnalysisAction is the error analyzer's decision about what to do next.
type AnalysisAction string

const (
	// ActionNone means the analyzer has not run yet this turn.
	ActionNone     AnalysisAction = ""
	ActionRetry    AnalysisAction = "retry"
	ActionRephrase AnalysisAction = "rephrase"
	ActionAskUser  AnalysisAction = "ask_user"
	ActionFail     AnalysisAction = "fail"
	ActionEnd      AnalysisAction = "end"
)

// Exchange is one completed user/assistant turn.
type Exchange struct {
	User string // the user's question
	Bot  string // the assistant's answer
	SQL  string // SQL executed for this turn, if any
}

// RunState is the record threaded through one turn of the workflow.
// Steps take a RunState by value and return the updated value; the
// engine owns the single live copy for the duration of the turn.
type RunState struct {
	UserPrompt      string
	Intent          Intent
	RephrasedPrompt string
	RelevantSchemas string
	SQLQuery        string
	Results         string
	FinalResponse   string
	ErrorMsg        string // empty means no pending execution error
	Analysis        string
	AnalysisAction  AnalysisAction
	RetryCount      int
	Messages        []Exchange
}

// TurnResult is what RunTurn hands back to the caller.
type TurnResult struct {
	FinalResponse string
	SQLQuery      string
	Intent        Intent
}

// CompleteOptions holds options for LLM completion.
type CompleteOptions struct {
	CacheSystemPrompt bool // Enable prompt caching for the system prompt
}

// CompleteOption is a functional option for Complete.
type CompleteOption func(*CompleteOptions)

// WithCacheControl enables prompt caching for the system prompt.
// This marks the system prompt as cacheable, reducing costs for
// repeated calls with the same system prompt prefix.
func WithCacheControl() CompleteOption {
	return func(o *CompleteOptions) {
		o.CacheSystemPrompt = true
	}
}

// LLMClient is the interface for interacting with an LLM.
type LLMClient interface {
	// Complete sends a prompt and returns the response text.
	// Options can be passed to control caching behavior.
	Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error)
}

// Querier executes SQL queries.
type Querier interface {
	// Query executes a SQL query and returns formatted results.
	Query(ctx context.Context, sql string) (QueryResult, error)
}

// SchemaFetcher retrieves database schema information.
type SchemaFetcher interface {
	// FetchSchema returns a formatted string describing the database schema.
	FetchSchema(ctx context.Context) (string, error)
}

// PromptsProvider provides access to prompt templates.
type PromptsProvider interface {
	// GetPrompt returns the prompt content for the given name.
	GetPrompt(name string) string
}

// HistoryStore is the slice of conversation persistence the engine touches.
// It is read once at turn entry and written once at turn exit; everything
// else (feedback, clearing, retention) belongs to the full store.
type HistoryStore interface {
	// LoadRecent returns at most n most recent exchanges for the user,
	// oldest first.
	LoadRecent(ctx context.Context, userID string, n int) ([]Exchange, error)

	// Append records a finished exchange for the user.
	Append(ctx context.Context, userID string, ex Exchange) error
}

// QueryErrorKind classifies execution failures. The workflow treats every
// kind the same; metrics and logs keep the distinction.
type QueryErrorKind string

const (
	QueryErrorNone       QueryErrorKind = ""
	QueryErrorInvalid    QueryErrorKind = "invalid_query"
	QueryErrorTransient  QueryErrorKind = "transient"
	QueryErrorUnexpected QueryErrorKind = "unexpected"
)

// QueryResult holds the result of a query execution.
type QueryResult struct {
	SQL       string
	Columns   []string
	Rows      []map[string]any
	Count     int
	Error     string
	ErrorKind QueryErrorKind
	Formatted string // Human-readable formatted result
}

// Config holds the configuration for the workflow engine.
type Config struct {
	Logger        *slog.Logger
	Clock         clockwork.Clock
	LLM           LLMClient
	Querier       Querier
	SchemaFetcher SchemaFetcher
	Prompts       PromptsProvider
	History       HistoryStore // Optional; turns run with empty history when nil

	// FormatContext is optional formatting guidance appended to
	// conversational prompts (e.g. Slack formatting guidelines).
	FormatContext string

	MaxTokens int64
	// MaxRetries is the execution attempt ceiling per turn. The analyzer
	// forces a fail once retry_count reaches it, regardless of what the
	// model recommends.
	MaxRetries int
	// HistoryWindow is how many recent exchanges are replayed into a new
	// turn's prompts. Older history stays in the store.
	HistoryWindow int
}

func (c *Config) Validate() error {
	if c.LLM == nil {
		return errors.New("llm client is required")
	}
	if c.Querier == nil {
		return errors.New("querier is required")
	}
	if c.SchemaFetcher == nil {
		return errors.New("schema fetcher is required")
	}
	if c.Prompts == nil {
		return errors.New("prompts provider is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 3
	}
	return nil
}
