package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// HTTPSchemaFetcher reads live schema from ClickHouse over HTTP. The
// formatted output is spliced into the SQL generation prompt, so it lists
// exact table names first and column detail after.
type HTTPSchemaFetcher struct {
	ClickhouseURL string
	Database      string // defaults to "default" if empty
	Username      string // optional
	Password      string // optional
}

// NewHTTPSchemaFetcher creates a fetcher against the default database with no auth.
func NewHTTPSchemaFetcher(clickhouseURL string) *HTTPSchemaFetcher {
	return &HTTPSchemaFetcher{
		ClickhouseURL: clickhouseURL,
		Database:      "default",
	}
}

// NewHTTPSchemaFetcherWithAuth creates a fetcher with basic auth credentials.
func NewHTTPSchemaFetcherWithAuth(clickhouseURL, database, username, password string) *HTTPSchemaFetcher {
	if database == "" {
		database = "default"
	}
	return &HTTPSchemaFetcher{
		ClickhouseURL: clickhouseURL,
		Database:      database,
		Username:      username,
		Password:      password,
	}
}

// FetchSchema retrieves table columns and view definitions from ClickHouse.
func (f *HTTPSchemaFetcher) FetchSchema(ctx context.Context) (string, error) {
	columns, err := f.fetchColumns(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch columns: %w", err)
	}

	views, err := f.fetchViews(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch views: %w", err)
	}

	// Categorical columns get sample values so the model writes filters
	// against real labels instead of guessing.
	f.enrichWithSampleValues(ctx, columns)

	return formatSchema(columns, views), nil
}

type columnInfo struct {
	Table        string   `json:"table"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	SampleValues []string `json:"-"` // populated separately for categorical columns
}

type viewInfo struct {
	Name     string `json:"name"`
	AsSelect string `json:"as_select"`
}

// doQuery executes a query against ClickHouse and returns the response body.
func (f *HTTPSchemaFetcher) doQuery(ctx context.Context, query string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", f.ClickhouseURL+"/?query="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, err
	}
	if f.Username != "" {
		req.SetBasicAuth(f.Username, f.Password)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("clickhouse error: %s", string(body))
	}

	return body, nil
}

// Loader staging tables and goose bookkeeping are internal and never valid
// targets for generated SQL, so both queries filter them out.
func (f *HTTPSchemaFetcher) fetchColumns(ctx context.Context) ([]columnInfo, error) {
	query := fmt.Sprintf(`
		SELECT
			table,
			name,
			type
		FROM system.columns
		WHERE database = '%s'
		  AND table NOT LIKE 'stg_%%'
		  AND table NOT LIKE 'goose_db_version%%'
		ORDER BY table, position
		FORMAT JSON
	`, f.Database)

	body, err := f.doQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []columnInfo `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	return result.Data, nil
}

func (f *HTTPSchemaFetcher) fetchViews(ctx context.Context) ([]viewInfo, error) {
	query := fmt.Sprintf(`
		SELECT
			name,
			as_select
		FROM system.tables
		WHERE database = '%s'
		  AND engine = 'View'
		  AND name NOT LIKE 'stg_%%'
		FORMAT JSON
	`, f.Database)

	body, err := f.doQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []viewInfo `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	return result.Data, nil
}

// isCategoricalType returns true if the column type should have sample values displayed.
func isCategoricalType(colType string) bool {
	t := strings.ToLower(colType)
	if strings.Contains(t, "enum") {
		return true
	}
	if strings.Contains(t, "lowcardinality") && strings.Contains(t, "string") {
		return true
	}
	if t == "string" || t == "nullable(string)" {
		return true
	}
	return false
}

// shouldSkipColumn returns true for columns whose values are free text or
// high cardinality, where samples would be noise.
func shouldSkipColumn(colName string) bool {
	name := strings.ToLower(colName)
	skipSuffixes := []string{"_id", "_key", "_at", "_on", "_time", "_date", "_notes", "_description"}
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	skipContains := []string{"description", "notes", "comment"}
	for _, sub := range skipContains {
		if strings.Contains(name, sub) {
			return true
		}
	}
	skipExact := []string{"number", "sys_id", "caller_id", "assigned_to", "opened_by", "resolved_by", "closed_by"}
	for _, exact := range skipExact {
		if name == exact {
			return true
		}
	}
	return false
}

// enrichWithSampleValues fetches distinct values for categorical columns.
func (f *HTTPSchemaFetcher) enrichWithSampleValues(ctx context.Context, columns []columnInfo) {
	tableColumns := make(map[string][]*columnInfo)
	for i := range columns {
		col := &columns[i]
		if isCategoricalType(col.Type) && !shouldSkipColumn(col.Name) {
			tableColumns[col.Table] = append(tableColumns[col.Table], col)
		}
	}

	for table, cols := range tableColumns {
		for _, col := range cols {
			samples, err := f.fetchColumnSamples(ctx, table, col.Name)
			// More than 15 distinct values means the column is not really
			// categorical, so leave it undecorated.
			if err == nil && len(samples) > 0 && len(samples) <= 15 {
				col.SampleValues = samples
			}
		}
	}
}

// fetchColumnSamples returns distinct values for a column. The limit of 20
// is just above the inclusion threshold so high cardinality is detectable.
func (f *HTTPSchemaFetcher) fetchColumnSamples(ctx context.Context, table, column string) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT DISTINCT %s
		FROM %s
		WHERE %s IS NOT NULL AND %s != ''
		LIMIT 20
		FORMAT JSON
	`, column, table, column, column)

	body, err := f.doQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	var result struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}

	samples := make([]string, 0, len(result.Data))
	for _, row := range result.Data {
		if val, ok := row[column]; ok {
			if s, ok := val.(string); ok && s != "" {
				samples = append(samples, s)
			}
		}
	}

	return samples, nil
}

func formatSchema(columns []columnInfo, views []viewInfo) string {
	viewDefs := make(map[string]string)
	for _, v := range views {
		viewDefs[v.Name] = v.AsSelect
	}

	tableSet := make(map[string]bool)
	for _, col := range columns {
		tableSet[col.Table] = true
	}

	var viewNames, tableNames []string
	for table := range tableSet {
		if _, ok := viewDefs[table]; ok {
			viewNames = append(viewNames, table)
		} else {
			tableNames = append(tableNames, table)
		}
	}
	sort.Strings(viewNames)
	sort.Strings(tableNames)

	var sb strings.Builder

	sb.WriteString("## AVAILABLE TABLES (use ONLY these exact names)\n\n")

	if len(viewNames) > 0 {
		sb.WriteString("Views (pre-filtered, prefer these when they match the question):\n")
		for _, t := range viewNames {
			sb.WriteString("  - " + t + "\n")
		}
		sb.WriteString("\n")
	}

	if len(tableNames) > 0 {
		sb.WriteString("Base tables (complete record history):\n")
		for _, t := range tableNames {
			sb.WriteString("  - " + t + "\n")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("---\n\n## TABLE DETAILS\n\n")

	currentTable := ""
	for _, col := range columns {
		if col.Table != currentTable {
			if currentTable != "" {
				if def, ok := viewDefs[currentTable]; ok {
					sb.WriteString("  Definition: " + def + "\n")
				}
				sb.WriteString("\n")
			}
			currentTable = col.Table
			if _, isView := viewDefs[col.Table]; isView {
				sb.WriteString(col.Table + " (VIEW):\n")
			} else {
				sb.WriteString(col.Table + ":\n")
			}
		}

		colLine := "  - " + col.Name + " (" + col.Type + ")"
		if len(col.SampleValues) > 0 {
			colLine += " values: " + strings.Join(col.SampleValues, ", ")
		}
		sb.WriteString(colLine + "\n")
	}

	if def, ok := viewDefs[currentTable]; ok {
		sb.WriteString("  Definition: " + def + "\n")
	}

	return sb.String()
}
