package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// HTTPQuerier executes SQL against the ClickHouse HTTP interface. Query
// failures are reported inside QueryResult.Error so the error analyzer can
// see them; the error return is reserved for bugs in the querier itself.
type HTTPQuerier struct {
	log        *slog.Logger
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

func NewHTTPQuerier(log *slog.Logger, baseURL, username, password string) *HTTPQuerier {
	return &HTTPQuerier{
		log:      log,
		baseURL:  baseURL,
		username: username,
		password: password,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type clickhouseResponse struct {
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Data []map[string]any `json:"data"`
	Rows int              `json:"rows"`
}

func (q *HTTPQuerier) Query(ctx context.Context, sql string) (QueryResult, error) {
	result := QueryResult{SQL: sql}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL, strings.NewReader(sql+" FORMAT JSON"))
	if err != nil {
		result.Error = fmt.Sprintf("Failed to build request: %v", err)
		result.ErrorKind = QueryErrorUnexpected
		return result, nil
	}
	req.Header.Set("Content-Type", "text/plain")
	if q.username != "" {
		req.SetBasicAuth(q.username, q.password)
	}

	start := time.Now()
	resp, err := q.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to connect to database: %v", err)
		result.ErrorKind = QueryErrorTransient
		if !isTransientNetError(err) {
			result.ErrorKind = QueryErrorUnexpected
		}
		return result, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Error = fmt.Sprintf("Failed to read response: %v", err)
		result.ErrorKind = QueryErrorTransient
		return result, nil
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		result.Error = fmt.Sprintf("Query failed: %s", msg)
		result.ErrorKind = categorizeQueryError(resp.StatusCode, msg)
		q.log.Debug("workflow: query rejected",
			"status", resp.StatusCode,
			"kind", result.ErrorKind,
			"duration", time.Since(start),
		)
		return result, nil
	}

	var chResp clickhouseResponse
	if err := json.Unmarshal(body, &chResp); err != nil {
		result.Error = fmt.Sprintf("Failed to parse response: %v", err)
		result.ErrorKind = QueryErrorUnexpected
		return result, nil
	}

	for _, m := range chResp.Meta {
		result.Columns = append(result.Columns, m.Name)
	}
	result.Rows = chResp.Data
	result.Count = chResp.Rows
	if result.Count == 0 {
		result.Count = len(chResp.Data)
	}
	SanitizeRows(result.Rows)
	result.Formatted = formatQuerierResult(result)

	q.log.Debug("workflow: query executed",
		"rows", result.Count,
		"duration", time.Since(start),
	)
	return result, nil
}

// chErrorCode matches the numeric code ClickHouse embeds in error text. The
// HTTP interface writes "Code: 62. DB::Exception: ..."; the native driver
// writes "code: 62, message: ...".
var chErrorCode = regexp.MustCompile(`(?i)code:\s*(\d+)`)

// ClassifyQueryError maps a database error message to a QueryErrorKind using
// the numeric code ClickHouse embeds in its error text, falling back to
// common network failure strings. Both the HTTP and native queriers report
// errors through this so retry behavior stays consistent.
func ClassifyQueryError(msg string) QueryErrorKind {
	if m := chErrorCode.FindStringSubmatch(msg); m != nil {
		switch m[1] {
		case "47", "60", "62", "81", "215", "352": // unknown identifier/table/database, syntax, missing columns, ambiguous
			return QueryErrorInvalid
		case "159", "160", "201", "202", "203", "209": // timeouts, quota, too many queries, socket timeout
			return QueryErrorTransient
		}
	}
	lower := strings.ToLower(msg)
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "context deadline exceeded"} {
		if strings.Contains(lower, s) {
			return QueryErrorTransient
		}
	}
	return QueryErrorUnexpected
}

func categorizeQueryError(status int, body string) QueryErrorKind {
	if kind := ClassifyQueryError(body); kind != QueryErrorUnexpected {
		return kind
	}
	switch {
	case status == http.StatusBadRequest:
		return QueryErrorInvalid
	case status == http.StatusTooManyRequests,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return QueryErrorTransient
	}
	return QueryErrorUnexpected
}

func isTransientNetError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// formatQuerierResult renders a compact plain-text table for logs and the
// console. The workflow's own formatter handles user-facing rendering.
func formatQuerierResult(result QueryResult) string {
	if result.Count == 0 {
		return "Query returned no results."
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d rows:\n\n", result.Count))
	sb.WriteString(strings.Join(result.Columns, " | "))
	sb.WriteString("\n")

	maxRows := 50
	for i, row := range result.Rows {
		if i >= maxRows {
			sb.WriteString(fmt.Sprintf("... and %d more rows\n", result.Count-maxRows))
			break
		}
		values := make([]string, 0, len(result.Columns))
		for _, col := range result.Columns {
			values = append(values, FormatValue(row[col]))
		}
		sb.WriteString(strings.Join(values, " | "))
		sb.WriteString("\n")
	}
	return sb.String()
}
