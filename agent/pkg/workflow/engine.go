package workflow

import (
	"context"
	"fmt"
	"log/slog"
)

// Step names, used in the transition table and trace logs.
type stepName string

const (
	stepClassify      stepName = "classify"
	stepGeneral       stepName = "general"
	stepRetrieve      stepName = "retrieve"
	stepGenerateSQL   stepName = "generate_sql"
	stepExecute       stepName = "execute"
	stepErrorAnalyzer stepName = "error_analyzer"
	stepUpdateHistory stepName = "update_history"
	stepEnd           stepName = "end"
)

// transition is one edge of the workflow graph: leaving from, the first
// entry whose predicate accepts the state decides the next step.
type transition struct {
	from stepName
	when func(RunState) bool
	to   stepName
}

func always(RunState) bool { return true }

// transitions is the whole workflow graph. Order matters: for a given from
// step the first matching predicate wins. Retry and rephrase both route
// back through generate_sql, which is why an analyzer-suggested query only
// reaches execution when the regeneration pass itself fails.
var transitions = []transition{
	{stepClassify, func(s RunState) bool { return s.Intent == IntentDataQuery }, stepRetrieve},
	{stepClassify, always, stepGeneral},
	{stepGeneral, always, stepUpdateHistory},
	{stepRetrieve, always, stepGenerateSQL},
	{stepGenerateSQL, always, stepExecute},
	{stepExecute, always, stepErrorAnalyzer},
	{stepErrorAnalyzer, func(s RunState) bool {
		return s.AnalysisAction == ActionRetry || s.AnalysisAction == ActionRephrase
	}, stepGenerateSQL},
	{stepErrorAnalyzer, always, stepUpdateHistory},
	{stepUpdateHistory, always, stepEnd},
}

// maxTurnSteps bounds the dispatch loop. The retry ceiling terminates the
// generate/execute/analyze cycle in normal operation; this guard covers
// the one cycle that does not touch the retry count (generation failing
// with no SQL installed yet).
const maxTurnSteps = 50

// fallbackResponse is surfaced when a turn cannot produce anything better.
const fallbackResponse = "Sorry, I couldn't process your request."

// stepFunc advances the run state by one step. Steps take the state by
// value and return the updated value; no step observes steps downstream
// of it.
type stepFunc func(context.Context, RunState) RunState

// Engine runs the query-resolution workflow: classify intent, retrieve
// schema context, generate SQL, execute it, and diagnose failures until
// the turn resolves.
type Engine struct {
	cfg   Config
	log   *slog.Logger
	steps map[stepName]stepFunc
}

// New creates a workflow engine from the config, filling defaults.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}
	e := &Engine{cfg: cfg, log: cfg.Logger}
	e.steps = map[stepName]stepFunc{
		stepClassify:      e.classify,
		stepGeneral:       e.general,
		stepRetrieve:      e.retrieve,
		stepGenerateSQL:   e.generateSQL,
		stepExecute:       e.execute,
		stepErrorAnalyzer: e.analyzeError,
		stepUpdateHistory: e.updateHistory,
	}
	return e, nil
}

// RunTurn executes one full turn: load recent history, walk the state
// machine from classify to the terminal step, persist the finished
// exchange. It never returns an error; every failure mode resolves into a
// populated FinalResponse.
func (e *Engine) RunTurn(ctx context.Context, userPrompt, userID string) (result TurnResult) {
	state := RunState{
		UserPrompt: userPrompt,
		Intent:     IntentUnclassified,
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("workflow: turn panicked", "panic", r, "user_id", userID)
			result = TurnResult{
				FinalResponse: fallbackResponse,
				SQLQuery:      state.SQLQuery,
				Intent:        state.Intent,
			}
		}
	}()

	loaded := e.loadHistory(ctx, userID)
	state.Messages = loaded

	state = e.run(ctx, state)

	// The turn's answer stands even if persistence fails.
	if len(state.Messages) > len(loaded) {
		e.persistExchange(ctx, userID, state.Messages[len(state.Messages)-1])
	}

	final := state.FinalResponse
	if final == "" {
		final = fallbackResponse
	}
	return TurnResult{
		FinalResponse: final,
		SQLQuery:      state.SQLQuery,
		Intent:        state.Intent,
	}
}

// run walks the state machine from classify to the terminal step.
func (e *Engine) run(ctx context.Context, state RunState) RunState {
	current := stepClassify
	for n := 0; current != stepEnd; n++ {
		if n >= maxTurnSteps {
			e.log.Error("workflow: step budget exhausted", "step", current, "retry_count", state.RetryCount)
			if state.FinalResponse == "" {
				state.FinalResponse = fallbackResponse
			}
			state = e.updateHistory(ctx, state)
			break
		}
		step := e.steps[current]
		e.log.Debug("workflow: step", "step", current)
		state = step(ctx, state)
		current = nextStep(current, state)
	}
	return state
}

// nextStep picks the first transition out of from whose predicate accepts
// the state.
func nextStep(from stepName, state RunState) stepName {
	for _, t := range transitions {
		if t.from == from && t.when(state) {
			return t.to
		}
	}
	return stepEnd
}

// updateHistory appends the finished exchange to the turn's message
// sequence. This is the terminal step of every turn.
func (e *Engine) updateHistory(_ context.Context, s RunState) RunState {
	bot := s.FinalResponse
	if bot == "" {
		bot = "No response generated"
	}
	s.Messages = append(s.Messages, Exchange{
		User: s.UserPrompt,
		Bot:  bot,
		SQL:  s.SQLQuery,
	})
	return s
}

// loadHistory pulls the recent exchange window for prompt context. A store
// failure degrades to an empty history rather than failing the turn.
func (e *Engine) loadHistory(ctx context.Context, userID string) []Exchange {
	if e.cfg.History == nil || userID == "" {
		return nil
	}
	messages, err := e.cfg.History.LoadRecent(ctx, userID, e.cfg.HistoryWindow)
	if err != nil {
		e.log.Warn("workflow: history load failed, starting empty", "error", err, "user_id", userID)
		return nil
	}
	return messages
}

// persistExchange appends the turn's final exchange to the store. Store
// failures are logged only.
func (e *Engine) persistExchange(ctx context.Context, userID string, ex Exchange) {
	if e.cfg.History == nil || userID == "" {
		return
	}
	if err := e.cfg.History.Append(ctx, userID, ex); err != nil {
		e.log.Warn("workflow: history append failed", "error", err, "user_id", userID)
	}
}
