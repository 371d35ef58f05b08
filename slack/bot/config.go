// Package bot implements the Quarry Slack bot: it answers DMs and channel
// mentions by running assistant turns against the warehouse in-process.
package bot

import (
	"fmt"
	"os"
	"strings"
)

// Mode selects how the bot receives events from Slack.
type Mode string

const (
	// ModeSocket receives events over a Socket Mode websocket.
	ModeSocket Mode = "socket"
	// ModeHTTP receives events on the API server's /slack/events route.
	ModeHTTP Mode = "http"
)

// Config holds the bot's runtime configuration.
type Config struct {
	Mode          Mode
	BotToken      string
	AppToken      string
	SigningSecret string
	WebBaseURL    string
}

// LoadFromEnv builds the bot config from environment variables.
// SLACK_APP_TOKEN selects socket mode; without it the bot serves HTTP events
// and needs SLACK_SIGNING_SECRET to verify request signatures.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		BotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		AppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		WebBaseURL:    os.Getenv("WEB_BASE_URL"),
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if !strings.HasPrefix(cfg.BotToken, "xoxb-") {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN must be a bot token (xoxb-...)")
	}

	if cfg.AppToken != "" {
		if !strings.HasPrefix(cfg.AppToken, "xapp-") {
			return nil, fmt.Errorf("SLACK_APP_TOKEN must be an app-level token (xapp-...)")
		}
		cfg.Mode = ModeSocket
		return cfg, nil
	}

	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("SLACK_SIGNING_SECRET is required in HTTP events mode")
	}
	cfg.Mode = ModeHTTP
	return cfg, nil
}
