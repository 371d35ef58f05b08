package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM returns canned responses in call order. A response with an
// "ERROR:" prefix simulates an API failure instead.
type scriptedLLM struct {
	responses []string
	calls     []llmCall
}

type llmCall struct {
	system string
	user   string
}

func (m *scriptedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	i := len(m.calls)
	m.calls = append(m.calls, llmCall{system: systemPrompt, user: userPrompt})
	if i >= len(m.responses) {
		return "", fmt.Errorf("unscripted LLM call %d: %s", i, truncateString(userPrompt, 80))
	}
	resp := m.responses[i]
	if msg, ok := strings.CutPrefix(resp, "ERROR:"); ok {
		return "", errors.New(msg)
	}
	return resp, nil
}

// funcLLM routes every call through a single function, for scenarios whose
// call count is not fixed up front.
type funcLLM struct {
	fn    func(call int, systemPrompt, userPrompt string) (string, error)
	calls int
}

func (m *funcLLM) Complete(ctx context.Context, systemPrompt, userPrompt string, opts ...CompleteOption) (string, error) {
	m.calls++
	return m.fn(m.calls, systemPrompt, userPrompt)
}

// scriptedQuerier records every SQL it receives and replays canned results.
type scriptedQuerier struct {
	results []QueryResult
	sqls    []string
}

func (q *scriptedQuerier) Query(ctx context.Context, sql string) (QueryResult, error) {
	i := len(q.sqls)
	q.sqls = append(q.sqls, sql)
	if i >= len(q.results) {
		return QueryResult{SQL: sql, Error: "unscripted query"}, nil
	}
	r := q.results[i]
	r.SQL = sql
	return r, nil
}

type panicQuerier struct{}

func (panicQuerier) Query(ctx context.Context, sql string) (QueryResult, error) {
	panic("querier exploded")
}

type staticSchema struct {
	schema string
	err    error
}

func (s staticSchema) FetchSchema(ctx context.Context) (string, error) {
	return s.schema, s.err
}

// memHistory is a minimal in-memory HistoryStore for engine tests.
type memHistory struct {
	exchanges map[string][]Exchange
}

func (h *memHistory) LoadRecent(ctx context.Context, userID string, n int) ([]Exchange, error) {
	all := h.exchanges[userID]
	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (h *memHistory) Append(ctx context.Context, userID string, ex Exchange) error {
	if h.exchanges == nil {
		h.exchanges = map[string][]Exchange{}
	}
	h.exchanges[userID] = append(h.exchanges[userID], ex)
	return nil
}

const testSchema = `incidents:
  - number (String)
  - state (String) values: New, In Progress, Resolved, Closed
  - priority (String) values: 1 - Critical, 2 - High, 3 - Moderate, 4 - Low`

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	if cfg.Prompts == nil {
		p, err := LoadPrompts()
		require.NoError(t, err)
		cfg.Prompts = p
	}
	if cfg.SchemaFetcher == nil {
		cfg.SchemaFetcher = staticSchema{schema: testSchema}
	}
	if cfg.Querier == nil {
		cfg.Querier = &scriptedQuerier{}
	}
	eng, err := New(cfg)
	require.NoError(t, err)
	return eng
}

func TestRunTurn_GreetingSkipsWarehouse(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "greeting", "rephrased": "hi"}`,
		"Hello! How can I help with your incident data?",
	}}
	q := &scriptedQuerier{}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	result := eng.RunTurn(context.Background(), "hi there", "u1")

	assert.Equal(t, IntentGreeting, result.Intent)
	assert.Equal(t, "Hello! How can I help with your incident data?", result.FinalResponse)
	assert.Empty(t, result.SQLQuery)
	assert.Empty(t, q.sqls, "greeting turns must not touch the warehouse")
	assert.Len(t, llm.calls, 2)
}

func TestRunTurn_DataQueryHappyPath(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "How many open incidents are there?"}`,
		"```sql\nSELECT count() AS total FROM open_incidents;\n```",
	}}
	q := &scriptedQuerier{results: []QueryResult{{
		Columns: []string{"total"},
		Rows:    []map[string]any{{"total": float64(42)}},
		Count:   1,
	}}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	result := eng.RunTurn(context.Background(), "how many open incidents?", "u1")

	require.Equal(t, []string{"SELECT count() AS total FROM open_incidents"}, q.sqls,
		"fences and trailing semicolons must be stripped before execution")
	assert.Equal(t, IntentDataQuery, result.Intent)
	assert.Equal(t, "SELECT count() AS total FROM open_incidents", result.SQLQuery)
	assert.Contains(t, result.FinalResponse, "Results for 'how many open incidents?'")
	assert.Contains(t, result.FinalResponse, "42")
	// Clean execution resolves the analyzer without another model call.
	assert.Len(t, llm.calls, 2)
}

func TestRunTurn_DataQuerySendsRephrasedQuestion(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "How many incidents were opened in the last 7 days?"}`,
		`{"sql": "SELECT count() FROM incidents WHERE opened_at >= now() - INTERVAL 7 DAY", "explanation": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{{
		Columns: []string{"count()"},
		Rows:    []map[string]any{{"count()": float64(5)}},
		Count:   1,
	}}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	eng.RunTurn(context.Background(), "incidents this week?", "u1")

	require.Len(t, llm.calls, 2)
	assert.Equal(t, "Question: How many incidents were opened in the last 7 days?", llm.calls[1].user)
	assert.Contains(t, llm.calls[1].system, testSchema, "generation prompt must carry the live schema")
}

func TestRunTurn_NoRows(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "incidents opened today"}`,
		`{"sql": "SELECT number FROM incidents WHERE opened_at >= today()", "explanation": "today's incidents"}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{{Columns: []string{"number"}, Count: 0}}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	result := eng.RunTurn(context.Background(), "incidents opened today", "u1")

	assert.Equal(t, "No data found matching your query.", result.FinalResponse)
	assert.Len(t, llm.calls, 2)
}

func TestRunTurn_RetryRegeneratesQuery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "count by priority"}`,
		`{"sql": "SELECT prioritee, count() FROM incidents GROUP BY prioritee", "explanation": ""}`,
		`{"analysis": "The column is named priority.", "action": "retry", "suggested_sql": ""}`,
		`{"sql": "SELECT priority, count() AS total FROM incidents GROUP BY priority", "explanation": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{
		{Error: "Query failed: Code: 47. DB::Exception: Unknown identifier prioritee"},
		{Columns: []string{"priority", "total"}, Rows: []map[string]any{{"priority": "1 - Critical", "total": float64(7)}}, Count: 1},
	}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q, Clock: clock})

	resultCh := make(chan TurnResult, 1)
	go func() { resultCh <- eng.RunTurn(context.Background(), "count by priority", "u1") }()

	// First failure backs off 2^1 seconds before regenerating.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	result := <-resultCh
	require.Len(t, q.sqls, 2)
	assert.Equal(t, "SELECT priority, count() AS total FROM incidents GROUP BY priority", q.sqls[1])
	assert.Contains(t, result.FinalResponse, "1 - Critical")
}

func TestRunTurn_SuggestedQuerySurvivesFailedRegeneration(t *testing.T) {
	clock := clockwork.NewFakeClock()
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "list critical incidents"}`,
		`{"sql": "SELECT * FROM incident", "explanation": ""}`,
		`{"analysis": "Table is incidents, not incident.", "action": "retry", "suggested_sql": "SELECT number FROM incidents LIMIT 5;"}`,
		"ERROR:api overloaded",
	}}
	q := &scriptedQuerier{results: []QueryResult{
		{Error: "Query failed: Code: 60. DB::Exception: Unknown table incident"},
		{Columns: []string{"number"}, Rows: []map[string]any{{"number": "INC0012345"}}, Count: 1},
	}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q, Clock: clock})

	resultCh := make(chan TurnResult, 1)
	go func() { resultCh <- eng.RunTurn(context.Background(), "list critical incidents", "u1") }()

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	result := <-resultCh
	require.Len(t, q.sqls, 2)
	assert.Equal(t, "SELECT number FROM incidents LIMIT 5", q.sqls[1],
		"analyzer's suggestion should execute when regeneration fails")
	assert.Equal(t, "SELECT number FROM incidents LIMIT 5", result.SQLQuery)
	assert.Contains(t, result.FinalResponse, "INC0012345")
}

func TestRunTurn_RetryCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "weekly incident trend"}`,
		`{"sql": "SELECT 1", "explanation": ""}`,
		`{"analysis": "Transient failure.", "action": "retry", "suggested_sql": ""}`,
		`{"sql": "SELECT 1", "explanation": ""}`,
		`{"analysis": "Transient failure.", "action": "retry", "suggested_sql": ""}`,
		`{"sql": "SELECT 1", "explanation": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{
		{Error: "Code: 159. DB::Exception: Timeout exceeded"},
		{Error: "Code: 159. DB::Exception: Timeout exceeded"},
		{Error: "Code: 159. DB::Exception: Timeout exceeded"},
	}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q, Clock: clock, MaxRetries: 3})

	resultCh := make(chan TurnResult, 1)
	go func() { resultCh <- eng.RunTurn(context.Background(), "weekly incident trend", "u1") }()

	// Two backoff sleeps; the third failure hits the ceiling before the
	// analyzer consults the model again.
	for i := 0; i < 2; i++ {
		clock.BlockUntil(1)
		clock.Advance(16 * time.Second)
	}

	result := <-resultCh
	assert.Equal(t, "Failed after 3 attempts: Code: 159. DB::Exception: Timeout exceeded", result.FinalResponse)
	assert.Len(t, q.sqls, 3)
	assert.Len(t, llm.calls, 6)
}

func TestRunTurn_RephraseRoutesBackThroughGeneration(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "mean time to resolve"}`,
		`{"sql": "SELECT avg(resolved_at - opened_at) FROM incident", "explanation": ""}`,
		`{"analysis": "Wrong table name.", "action": "rephrase", "suggested_sql": ""}`,
		`{"sql": "SELECT avg(resolved_at - opened_at) AS mttr FROM incidents", "explanation": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{
		{Error: "Code: 60. DB::Exception: Unknown table incident"},
		{Columns: []string{"mttr"}, Rows: []map[string]any{{"mttr": float64(3600)}}, Count: 1},
	}}
	// No clock-advancing goroutine: a rephrase must not sleep, or this
	// test deadlocks on the fake clock.
	eng := newTestEngine(t, Config{LLM: llm, Querier: q, Clock: clockwork.NewFakeClock()})

	result := eng.RunTurn(context.Background(), "mean time to resolve", "u1")

	require.Len(t, q.sqls, 2)
	assert.Contains(t, result.FinalResponse, "3600")
}

func TestRunTurn_AskUser(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "show me the thing"}`,
		`{"sql": "SELECT thing FROM incidents", "explanation": ""}`,
		`{"analysis": "The question is ambiguous.", "action": "ask_user", "suggested_sql": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{{Error: "Code: 47. DB::Exception: Unknown identifier thing"}}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	result := eng.RunTurn(context.Background(), "show me the thing", "u1")

	assert.Equal(t, "Error: Code: 47. DB::Exception: Unknown identifier thing. Could you please clarify your question?", result.FinalResponse)
	assert.Len(t, q.sqls, 1)
}

func TestRunTurn_UnparseableClassificationDefaultsToGeneral(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"this does not look like json at all",
		"I can help with incident and problem data.",
	}}
	q := &scriptedQuerier{}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	result := eng.RunTurn(context.Background(), "what can you do?", "u1")

	assert.Equal(t, IntentGeneral, result.Intent)
	assert.Equal(t, "I can help with incident and problem data.", result.FinalResponse)
	assert.Empty(t, q.sqls)
}

func TestRunTurn_ModelOutageFallsBackToCannedReply(t *testing.T) {
	llm := &scriptedLLM{responses: []string{"ERROR:connection reset", "ERROR:connection reset"}}
	eng := newTestEngine(t, Config{LLM: llm})

	result := eng.RunTurn(context.Background(), "hello?", "u1")

	assert.Equal(t, IntentGeneral, result.Intent)
	assert.Contains(t, result.FinalResponse, "Hello! I'm your incident data assistant")
}

func TestRunTurn_PanicResolvesToFallback(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "count incidents"}`,
		`{"sql": "SELECT count() FROM incidents", "explanation": ""}`,
	}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: panicQuerier{}})

	result := eng.RunTurn(context.Background(), "count incidents", "u1")

	assert.Equal(t, "Sorry, I couldn't process your request.", result.FinalResponse)
	assert.Empty(t, result.SQLQuery)
}

func TestRunTurn_HistoryPersistsAndFeedsClassification(t *testing.T) {
	store := &memHistory{}
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "count open incidents"}`,
		`{"sql": "SELECT count() AS total FROM open_incidents", "explanation": ""}`,
		`{"intent": "data_query", "rephrased": "count open problems"}`,
		`{"sql": "SELECT count() AS total FROM problems WHERE state != 'Closed'", "explanation": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{
		{Columns: []string{"total"}, Rows: []map[string]any{{"total": float64(12)}}, Count: 1},
		{Columns: []string{"total"}, Rows: []map[string]any{{"total": float64(3)}}, Count: 1},
	}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q, History: store})

	first := eng.RunTurn(context.Background(), "how many open incidents?", "u1")
	require.Contains(t, first.FinalResponse, "12")

	require.Len(t, store.exchanges["u1"], 1)
	saved := store.exchanges["u1"][0]
	assert.Equal(t, "how many open incidents?", saved.User)
	assert.Equal(t, first.FinalResponse, saved.Bot)
	assert.Equal(t, "SELECT count() AS total FROM open_incidents", saved.SQL)

	eng.RunTurn(context.Background(), "and problems?", "u1")

	require.Len(t, llm.calls, 4)
	assert.Contains(t, llm.calls[2].user, "Previous conversation:")
	assert.Contains(t, llm.calls[2].user, "User: how many open incidents?")
	assert.Len(t, store.exchanges["u1"], 2)
}

// failingHistory loads nothing and rejects every append.
type failingHistory struct{}

func (failingHistory) LoadRecent(ctx context.Context, userID string, n int) ([]Exchange, error) {
	return nil, errors.New("history database unavailable")
}

func (failingHistory) Append(ctx context.Context, userID string, ex Exchange) error {
	return errors.New("history database unavailable")
}

func TestRunTurn_HistoryStoreFailureDoesNotFailTurn(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		`{"intent": "data_query", "rephrased": "count incidents"}`,
		`{"sql": "SELECT count() AS total FROM incidents", "explanation": ""}`,
	}}
	q := &scriptedQuerier{results: []QueryResult{{
		Columns: []string{"total"},
		Rows:    []map[string]any{{"total": float64(9)}},
		Count:   1,
	}}}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q, History: failingHistory{}})

	result := eng.RunTurn(context.Background(), "count incidents", "u1")

	assert.Equal(t, IntentDataQuery, result.Intent)
	assert.Contains(t, result.FinalResponse, "9")
}

func TestRunTurn_StepBudgetStopsGenerationLoop(t *testing.T) {
	// Generation failing before any SQL is installed never increments the
	// retry count, so a rephrase cycle alone cannot terminate. The step
	// budget has to cut it off.
	llm := &funcLLM{fn: func(call int, systemPrompt, userPrompt string) (string, error) {
		switch {
		case strings.HasPrefix(userPrompt, "Message to classify:"):
			return `{"intent": "data_query", "rephrased": "count incidents"}`, nil
		case strings.HasPrefix(userPrompt, "Question:"):
			return "", errors.New("api overloaded")
		default:
			return `{"analysis": "Try again.", "action": "rephrase", "suggested_sql": ""}`, nil
		}
	}}
	q := &scriptedQuerier{}
	eng := newTestEngine(t, Config{LLM: llm, Querier: q})

	result := eng.RunTurn(context.Background(), "count incidents", "u1")

	assert.Equal(t, "Sorry, I couldn't process your request.", result.FinalResponse)
	assert.Empty(t, q.sqls)
	assert.Less(t, llm.calls, 60)
}

func TestAnalyzeError(t *testing.T) {
	ctx := context.Background()

	t.Run("clean run resolves to end", func(t *testing.T) {
		eng := newTestEngine(t, Config{LLM: &scriptedLLM{}})
		s := eng.analyzeError(ctx, RunState{})
		assert.Equal(t, ActionEnd, s.AnalysisAction)
	})

	t.Run("ceiling precedes model consultation", func(t *testing.T) {
		llm := &scriptedLLM{}
		eng := newTestEngine(t, Config{LLM: llm, MaxRetries: 3})
		s := eng.analyzeError(ctx, RunState{ErrorMsg: "Code: 159. Timeout", RetryCount: 3})
		assert.Equal(t, ActionFail, s.AnalysisAction)
		assert.Equal(t, "Failed after 3 attempts: Code: 159. Timeout", s.FinalResponse)
		assert.Empty(t, s.Analysis)
		assert.Empty(t, llm.calls)
	})

	t.Run("model outage", func(t *testing.T) {
		eng := newTestEngine(t, Config{LLM: &scriptedLLM{responses: []string{"ERROR:overloaded"}}})
		s := eng.analyzeError(ctx, RunState{ErrorMsg: "boom", SQLQuery: "SELECT 1"})
		assert.Equal(t, ActionFail, s.AnalysisAction)
		assert.Equal(t, "An unexpected error occurred: boom", s.FinalResponse)
	})

	t.Run("undecodable reply resolves to fail", func(t *testing.T) {
		eng := newTestEngine(t, Config{LLM: &scriptedLLM{responses: []string{"not json"}}})
		s := eng.analyzeError(ctx, RunState{ErrorMsg: "boom", SQLQuery: "SELECT 1"})
		assert.Equal(t, ActionFail, s.AnalysisAction)
		assert.Equal(t, "Unable to process your request: boom", s.FinalResponse)
	})

	t.Run("unknown action resolves to fail", func(t *testing.T) {
		eng := newTestEngine(t, Config{LLM: &scriptedLLM{responses: []string{`{"analysis": "needs a human", "action": "escalate"}`}}})
		s := eng.analyzeError(ctx, RunState{ErrorMsg: "boom", SQLQuery: "SELECT 1"})
		assert.Equal(t, ActionFail, s.AnalysisAction)
		assert.Equal(t, "needs a human", s.Analysis)
	})
}

func TestNextStep(t *testing.T) {
	tests := []struct {
		name  string
		from  stepName
		state RunState
		want  stepName
	}{
		{"data query goes to retrieve", stepClassify, RunState{Intent: IntentDataQuery}, stepRetrieve},
		{"greeting goes to general", stepClassify, RunState{Intent: IntentGreeting}, stepGeneral},
		{"general goes to general", stepClassify, RunState{Intent: IntentGeneral}, stepGeneral},
		{"general wraps up", stepGeneral, RunState{}, stepUpdateHistory},
		{"retry loops to generation", stepErrorAnalyzer, RunState{AnalysisAction: ActionRetry}, stepGenerateSQL},
		{"rephrase loops to generation", stepErrorAnalyzer, RunState{AnalysisAction: ActionRephrase}, stepGenerateSQL},
		{"fail wraps up", stepErrorAnalyzer, RunState{AnalysisAction: ActionFail}, stepUpdateHistory},
		{"ask_user wraps up", stepErrorAnalyzer, RunState{AnalysisAction: ActionAskUser}, stepUpdateHistory},
		{"clean analysis wraps up", stepErrorAnalyzer, RunState{AnalysisAction: ActionEnd}, stepUpdateHistory},
		{"history is terminal", stepUpdateHistory, RunState{}, stepEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextStep(tt.from, tt.state); got != tt.want {
				t.Errorf("nextStep(%s) = %s, want %s", tt.from, got, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		return Config{
			LLM:           &scriptedLLM{},
			Querier:       &scriptedQuerier{},
			SchemaFetcher: staticSchema{},
			Prompts:       &Prompts{},
		}
	}

	t.Run("defaults are filled", func(t *testing.T) {
		cfg := base()
		require.NoError(t, cfg.Validate())
		assert.NotNil(t, cfg.Logger)
		assert.NotNil(t, cfg.Clock)
		assert.Equal(t, int64(4096), cfg.MaxTokens)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 3, cfg.HistoryWindow)
	})

	t.Run("missing llm", func(t *testing.T) {
		cfg := base()
		cfg.LLM = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing querier", func(t *testing.T) {
		cfg := base()
		cfg.Querier = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing schema fetcher", func(t *testing.T) {
		cfg := base()
		cfg.SchemaFetcher = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing prompts", func(t *testing.T) {
		cfg := base()
		cfg.Prompts = nil
		assert.Error(t, cfg.Validate())
	})
}
