package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// noDataResponse is the canonical answer for a query that returned no rows.
const noDataResponse = "No data found matching your query."

// execute runs the current SQL candidate through the querier. An execution
// failure sets error_msg and counts against the retry budget; this step
// never fails the turn.
func (e *Engine) execute(ctx context.Context, s RunState) RunState {
	if strings.TrimSpace(s.SQLQuery) == "" {
		s.ErrorMsg = "No SQL query to execute"
		return s
	}

	result, err := e.cfg.Querier.Query(ctx, s.SQLQuery)
	if err == nil && result.Error != "" {
		// Queriers report query-level failures inside the result.
		err = errors.New(result.Error)
	}
	if err != nil {
		s.ErrorMsg = err.Error()
		s.RetryCount++
		e.log.Warn("workflow: query failed", "error", err, "retry_count", s.RetryCount)
		return s
	}

	if result.Count == 0 {
		s.Results = "No data found"
		s.FinalResponse = noDataResponse
		s.ErrorMsg = ""
		return s
	}

	s.Results = formatResults(result)
	s.FinalResponse = fmt.Sprintf("Results for '%s':\n%s", s.UserPrompt, s.Results)
	s.ErrorMsg = ""
	e.log.Debug("workflow: query succeeded", "rows", result.Count)
	return s
}
