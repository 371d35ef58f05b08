package handlers

import (
	"encoding/json"
	"net/http"
	"os"

	appconfig "github.com/quarrylabs/quarry/api/config"
)

// PublicConfig holds configuration that is safe to expose to the frontend
type PublicConfig struct {
	SentryDSN         string          `json:"sentryDsn,omitempty"`
	SentryEnvironment string          `json:"sentryEnvironment,omitempty"`
	SlackEnabled      bool            `json:"slackEnabled,omitempty"`
	Features          map[string]bool `json:"features"`
}

// GetConfig returns public configuration for the frontend
func GetConfig(w http.ResponseWriter, r *http.Request) {
	sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
	if sentryEnv == "" {
		sentryEnv = "development"
	}

	slackEnabled := os.Getenv("SLACK_BOT_TOKEN") != ""

	// Feature flags the UI keys off
	features := map[string]bool{
		"durableHistory": appconfig.PgPool != nil,
		"slack":          slackEnabled,
	}

	config := PublicConfig{
		SentryDSN:         os.Getenv("SENTRY_DSN_WEB"),
		SentryEnvironment: sentryEnv,
		SlackEnabled:      slackEnabled,
		Features:          features,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(config)
}
