package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// maxDisplayRows bounds how many result rows are rendered into an answer.
const maxDisplayRows = 100

// formatResults renders query output as a markdown table, capped at
// maxDisplayRows with a note carrying the true row count.
func formatResults(result QueryResult) string {
	shown := result.Rows
	truncated := len(shown) > maxDisplayRows
	if truncated {
		shown = shown[:maxDisplayRows]
	}

	var sb strings.Builder
	sb.WriteString(strings.Join(result.Columns, " | "))
	sb.WriteString("\n")
	seps := make([]string, len(result.Columns))
	for i := range seps {
		seps[i] = "---"
	}
	sb.WriteString(strings.Join(seps, " | "))

	for _, row := range shown {
		values := make([]string, len(result.Columns))
		for i, col := range result.Columns {
			values[i] = FormatValue(row[col])
		}
		sb.WriteString("\n")
		sb.WriteString(strings.Join(values, " | "))
	}

	if truncated {
		sb.WriteString(fmt.Sprintf("\n\n(Showing first %d rows of %d total)", maxDisplayRows, result.Count))
	}
	return sb.String()
}

// FormatValue renders a single cell for human-readable output, unwrapping
// pointers (ClickHouse nullable and decimal columns scan as pointers).
func FormatValue(v any) string {
	if v == nil {
		return "NULL"
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float32:
		return FormatValue(float64(t))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "NULL"
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "NULL"
		}
		return FormatValue(rv.Elem().Interface())
	}
	return fmt.Sprintf("%v", v)
}

// SanitizeRows replaces NaN/Inf float values with nil in place so rows can
// be JSON-encoded.
func SanitizeRows(rows []map[string]any) {
	for _, row := range rows {
		for k, v := range row {
			switch t := v.(type) {
			case float64:
				if math.IsNaN(t) || math.IsInf(t, 0) {
					row[k] = nil
				}
			case float32:
				f := float64(t)
				if math.IsNaN(f) || math.IsInf(f, 0) {
					row[k] = nil
				}
			case *float64:
				if t != nil && (math.IsNaN(*t) || math.IsInf(*t, 0)) {
					row[k] = nil
				}
			case *float32:
				if t != nil {
					f := float64(*t)
					if math.IsNaN(f) || math.IsInf(f, 0) {
						row[k] = nil
					}
				}
			}
		}
	}
}
