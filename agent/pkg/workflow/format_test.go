package workflow

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func TestFormatResults(t *testing.T) {
	t.Run("small result renders every row", func(t *testing.T) {
		result := QueryResult{
			Columns: []string{"number", "priority"},
			Rows: []map[string]any{
				{"number": "INC0010001", "priority": "1 - Critical"},
				{"number": "INC0010002", "priority": "3 - Moderate"},
			},
			Count: 2,
		}

		got := formatResults(result)
		want := "number | priority\n--- | ---\nINC0010001 | 1 - Critical\nINC0010002 | 3 - Moderate"
		if got != want {
			t.Errorf("formatResults() =\n%s\nwant:\n%s", got, want)
		}
	})

	t.Run("large result is capped with a note", func(t *testing.T) {
		rows := make([]map[string]any, 150)
		for i := range rows {
			rows[i] = map[string]any{"n": float64(i)}
		}
		result := QueryResult{Columns: []string{"n"}, Rows: rows, Count: 150}

		got := formatResults(result)
		if !strings.Contains(got, "(Showing first 100 rows of 150 total)") {
			t.Errorf("formatResults() missing truncation note:\n%s", truncateString(got, 300))
		}
		// One newline after the header, one before each of the 100 rows,
		// and two ahead of the note.
		if lines := strings.Count(got, "\n"); lines != 103 {
			t.Errorf("formatResults() rendered %d newlines, want 103", lines)
		}
		if strings.Contains(got, "\n100\n") {
			t.Error("formatResults() rendered a row past the cap")
		}
	})

	t.Run("missing cell renders as NULL", func(t *testing.T) {
		result := QueryResult{
			Columns: []string{"a", "b"},
			Rows:    []map[string]any{{"a": "x"}},
			Count:   1,
		}
		got := formatResults(result)
		if !strings.HasSuffix(got, "x | NULL") {
			t.Errorf("formatResults() = %q", got)
		}
	})
}

func TestFormatValue(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	f := 2.5
	var nilF *float64

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "NULL"},
		{"string", "open", "open"},
		{"bytes", []byte("raw"), "raw"},
		{"time", ts, "2026-03-14T09:26:53Z"},
		{"int", 42, "42"},
		{"float", 2.5, "2.5"},
		{"float without exponent", 1e6, "1000000"},
		{"nan", math.NaN(), "NULL"},
		{"positive inf", math.Inf(1), "NULL"},
		{"float32 nan", float32(math.NaN()), "NULL"},
		{"pointer", &f, "2.5"},
		{"nil pointer", nilF, "NULL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatValue(tt.in); got != tt.want {
				t.Errorf("FormatValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeRows(t *testing.T) {
	bad := math.NaN()
	rows := []map[string]any{
		{"ok": 1.5, "nan": math.NaN(), "inf": math.Inf(-1)},
		{"ptr": &bad, "f32": float32(math.Inf(1))},
	}

	SanitizeRows(rows)

	if rows[0]["ok"] != 1.5 {
		t.Errorf("SanitizeRows() clobbered a finite value: %v", rows[0]["ok"])
	}
	if rows[0]["nan"] != nil || rows[0]["inf"] != nil {
		t.Errorf("SanitizeRows() left non-finite values: %v", rows[0])
	}
	if rows[1]["ptr"] != nil || rows[1]["f32"] != nil {
		t.Errorf("SanitizeRows() left non-finite values: %v", rows[1])
	}

	// json.Marshal rejects NaN and Inf, so this is the real invariant.
	for _, row := range rows {
		if _, err := json.Marshal(row); err != nil {
			t.Errorf("sanitized row still not encodable: %v", err)
		}
	}
}
