package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/slack-go/slack"
)

// Client wraps the Slack API client with the small surface the bot needs.
type Client struct {
	api *slack.Client
	log *slog.Logger

	mu        sync.RWMutex
	botUserID string
}

// NewClient creates a Slack client. appToken may be empty in HTTP events mode.
func NewClient(botToken, appToken string, log *slog.Logger) *Client {
	var opts []slack.Option
	if appToken != "" {
		opts = append(opts, slack.OptionAppLevelToken(appToken))
	}
	return &Client{
		api: slack.New(botToken, opts...),
		log: log,
	}
}

// API exposes the underlying client for socket mode wiring.
func (c *Client) API() *slack.Client {
	return c.api
}

// Initialize runs an auth test and records the bot's own user ID, which
// mention detection depends on.
func (c *Client) Initialize(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth test: %w", err)
	}

	c.mu.Lock()
	c.botUserID = resp.UserID
	c.mu.Unlock()

	c.log.Info("slack auth ok", "bot_user_id", resp.UserID, "team", resp.Team)
	return resp.UserID, nil
}

// BotUserID returns the bot's user ID, or empty before Initialize succeeds.
func (c *Client) BotUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.botUserID
}

// IsBotMentioned reports whether the text contains a mention of the bot.
func (c *Client) IsBotMentioned(text string) bool {
	id := c.BotUserID()
	return id != "" && strings.Contains(text, "<@"+id+">")
}

// StripMention removes the bot's mention token so the workflow sees a plain
// question.
func (c *Client) StripMention(text string) string {
	id := c.BotUserID()
	if id != "" {
		text = strings.ReplaceAll(text, "<@"+id+">", "")
	}
	return strings.TrimSpace(text)
}

// CheckRootMessageMentioned fetches a thread's root message and reports
// whether it mentions the given user. Used to answer replies in threads the
// bot was mentioned in before a restart wiped the active-thread cache.
func (c *Client) CheckRootMessageMentioned(ctx context.Context, channel, threadTS, userID string) (bool, error) {
	msgs, _, _, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
		ChannelID: channel,
		Timestamp: threadTS,
		Limit:     1,
		Inclusive: true,
	})
	if err != nil {
		return false, fmt.Errorf("fetch thread root: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	return strings.Contains(msgs[0].Text, "<@"+userID+">"), nil
}

// PostMessage posts text to a channel, threading under threadTS when set.
// Returns the posted message's timestamp.
func (c *Client) PostMessage(ctx context.Context, channel, threadTS, text string) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if threadTS != "" {
		opts = append(opts, slack.MsgOptionTS(threadTS))
	}
	_, ts, err := c.api.PostMessageContext(ctx, channel, opts...)
	if err != nil {
		return "", fmt.Errorf("post message: %w", err)
	}
	return ts, nil
}

// UpdateMessage replaces the text of a previously posted message.
func (c *Client) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	_, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

// VerifySlackSignature checks an Events API request against the app's signing
// secret.
func VerifySlackSignature(r *http.Request, body []byte, signingSecret string) bool {
	if signingSecret == "" {
		return false
	}
	v, err := slack.NewSecretsVerifier(r.Header, signingSecret)
	if err != nil {
		return false
	}
	if _, err := v.Write(body); err != nil {
		return false
	}
	return v.Ensure() == nil
}

// TruncateString shortens s to at most n runes for log previews.
func TruncateString(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
