package workflow

import (
	"strings"
	"testing"
	"time"
)

func TestLoadPrompts(t *testing.T) {
	p, err := LoadPrompts()
	if err != nil {
		t.Fatalf("LoadPrompts() error = %v", err)
	}

	for name, content := range map[string]string{
		"classify":      p.Classify,
		"general":       p.General,
		"generate_sql":  p.GenerateSQL,
		"analyze_error": p.AnalyzeError,
		"sql_context":   p.SQLContext,
		"slack":         p.Slack,
	} {
		if strings.TrimSpace(content) == "" {
			t.Errorf("prompt %s is empty", name)
		}
	}

	// SQL_CONTEXT is spliced into the generation prompt at load time.
	if strings.Contains(p.GenerateSQL, "{{SQL_CONTEXT}}") {
		t.Error("GenerateSQL still contains the SQL_CONTEXT slot")
	}
	if !strings.Contains(p.GenerateSQL, p.SQLContext) {
		t.Error("GenerateSQL does not embed the SQL context")
	}
	// The schema slot is filled per turn, so it must survive loading.
	if !strings.Contains(p.GenerateSQL, "{{SCHEMA}}") {
		t.Error("GenerateSQL lost the SCHEMA slot")
	}
}

func TestGetPrompt(t *testing.T) {
	p := &Prompts{
		Classify:     "c",
		General:      "g",
		GenerateSQL:  "gs",
		AnalyzeError: "ae",
		Slack:        "s",
	}

	tests := []struct {
		name string
		want string
	}{
		{PromptClassify, "c"},
		{PromptGeneral, "g"},
		{PromptGenerateSQL, "gs"},
		{PromptAnalyzeError, "ae"},
		{PromptSlack, "s"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := p.GetPrompt(tt.name); got != tt.want {
			t.Errorf("GetPrompt(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRenderTemplate(t *testing.T) {
	tmpl := "Schema:\n{{SCHEMA}}\n\nHistory:\n{{HISTORY}}"

	got := renderTemplate(tmpl, map[string]string{"SCHEMA": "incidents (number String)"})
	if !strings.Contains(got, "incidents (number String)") {
		t.Errorf("renderTemplate() did not substitute SCHEMA: %q", got)
	}
	if strings.Contains(got, "{{") {
		t.Errorf("renderTemplate() left an unfilled slot: %q", got)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	now := time.Date(2026, 7, 4, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))

	got := buildSystemPrompt(now, "Answer questions about incidents.")

	// 23:30 EST is already July 5 in UTC.
	want := "Today's date: 2026-07-05 (UTC)\n\nAnswer questions about incidents."
	if got != want {
		t.Errorf("buildSystemPrompt() = %q, want %q", got, want)
	}
}

func TestBuildHistoryText(t *testing.T) {
	if got := buildHistoryText(nil); got != "" {
		t.Errorf("buildHistoryText(nil) = %q, want empty", got)
	}

	long := strings.Repeat("a", 600)
	got := buildHistoryText([]Exchange{
		{User: "how many incidents?", Bot: "42"},
		{User: "list them", Bot: long},
	})

	if !strings.HasPrefix(got, "Previous conversation:\n") {
		t.Errorf("buildHistoryText() = %q", got)
	}
	if !strings.Contains(got, "User: how many incidents?\nAssistant: 42\n") {
		t.Errorf("buildHistoryText() missing first exchange: %q", got)
	}
	if strings.Contains(got, long) {
		t.Error("buildHistoryText() did not truncate a long assistant answer")
	}
	if !strings.Contains(got, strings.Repeat("a", 500)+"...") {
		t.Error("buildHistoryText() truncation marker missing")
	}
}
