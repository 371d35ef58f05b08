package workflow

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/agent/pkg/workflow/prompts"
)

// Prompt names understood by GetPrompt.
const (
	PromptClassify     = "classify"
	PromptGeneral      = "general"
	PromptGenerateSQL  = "generate_sql"
	PromptAnalyzeError = "analyze_error"
	PromptSlack        = "slack"
)

// Prompts contains the workflow prompt templates loaded from embedded files.
type Prompts struct {
	Classify     string // Intent classification (entry step)
	General      string // Conversational responses (no data query)
	GenerateSQL  string // SQL generation, composed with SQL_CONTEXT at load
	AnalyzeError string // Failed-query diagnosis
	SQLContext   string // Shared warehouse/domain context
	Slack        string // Slack-specific formatting guidelines
}

// GetPrompt returns the prompt content for the given name.
// This implements the PromptsProvider interface.
func (p *Prompts) GetPrompt(name string) string {
	switch name {
	case PromptClassify:
		return p.Classify
	case PromptGeneral:
		return p.General
	case PromptGenerateSQL:
		return p.GenerateSQL
	case PromptAnalyzeError:
		return p.AnalyzeError
	case PromptSlack:
		return p.Slack
	default:
		return ""
	}
}

// LoadPrompts loads all workflow prompts from the embedded filesystem.
func LoadPrompts() (*Prompts, error) {
	p := &Prompts{}

	var err error

	// Load SQL_CONTEXT first (shared content)
	if p.SQLContext, err = loadPrompt("SQL_CONTEXT.md"); err != nil {
		return nil, fmt.Errorf("failed to load SQL_CONTEXT: %w", err)
	}

	if p.Classify, err = loadPrompt("CLASSIFY.md"); err != nil {
		return nil, fmt.Errorf("failed to load CLASSIFY: %w", err)
	}
	if p.General, err = loadPrompt("GENERAL.md"); err != nil {
		return nil, fmt.Errorf("failed to load GENERAL: %w", err)
	}
	if p.AnalyzeError, err = loadPrompt("ANALYZE_ERROR.md"); err != nil {
		return nil, fmt.Errorf("failed to load ANALYZE_ERROR: %w", err)
	}

	// Load generate prompt and compose with SQL_CONTEXT
	rawGenerate, err := loadPrompt("GENERATE_SQL.md")
	if err != nil {
		return nil, fmt.Errorf("failed to load GENERATE_SQL: %w", err)
	}
	p.GenerateSQL = strings.ReplaceAll(rawGenerate, "{{SQL_CONTEXT}}", p.SQLContext)

	if p.Slack, err = loadPrompt("SLACK.md"); err != nil {
		return nil, fmt.Errorf("failed to load SLACK: %w", err)
	}

	return p, nil
}

func loadPrompt(path string) (string, error) {
	data, err := prompts.PromptsFS.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// slotPattern matches {{SLOT}} tokens left unfilled after rendering.
var slotPattern = regexp.MustCompile(`\{\{[A-Z0-9_]+\}\}`)

// renderTemplate substitutes {{NAME}} slots into a template. Slots without
// a binding render as empty text.
func renderTemplate(tmpl string, slots map[string]string) string {
	out := tmpl
	for k, v := range slots {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return strings.TrimSpace(slotPattern.ReplaceAllString(out, ""))
}

// buildHistoryText renders recent exchanges for inclusion in a user prompt.
// Long assistant answers are truncated to save context.
func buildHistoryText(messages []Exchange) string {
	if len(messages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, ex := range messages {
		b.WriteString(fmt.Sprintf("User: %s\n", ex.User))
		b.WriteString(fmt.Sprintf("Assistant: %s\n", truncateString(ex.Bot, 500)))
	}
	b.WriteString("\n")
	return b.String()
}

// buildSystemPrompt prepends the current date so the model knows what
// "today" is.
func buildSystemPrompt(now time.Time, basePrompt string) string {
	return fmt.Sprintf("Today's date: %s (UTC)\n\n%s", now.UTC().Format("2006-01-02"), basePrompt)
}
