package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/slack-go/slack/slackevents"
	"github.com/snormore/slackmd"
)

const (
	respondedMaxAge = 1 * time.Hour

	thinkingMessage = ":mag: Looking at the warehouse..."
	errorMessage    = "Something went wrong while answering. Please try again."
)

// ConversationKey derives the history key for a message. Channel threads get
// their own key so each thread is a separate conversation; DMs share one key
// per channel.
func ConversationKey(channel, threadTS string) string {
	if threadTS == "" {
		return "slack:" + channel
	}
	return "slack:" + channel + ":" + threadTS
}

// Processor turns Slack messages into assistant answers. It posts a
// placeholder reply immediately and edits it once the turn finishes, so the
// user sees the bot working instead of silence.
type Processor struct {
	runner     TurnRunner
	convs      *Manager
	log        *slog.Logger
	webBaseURL string
	clock      clockwork.Clock

	respondedMu sync.RWMutex
	responded   map[string]time.Time
}

// NewProcessor creates a message processor.
func NewProcessor(runner TurnRunner, convs *Manager, log *slog.Logger, webBaseURL string) *Processor {
	return &Processor{
		runner:     runner,
		convs:      convs,
		log:        log,
		webBaseURL: webBaseURL,
		clock:      clockwork.NewRealClock(),
		responded:  make(map[string]time.Time),
	}
}

// HasResponded reports whether this message was already answered.
func (p *Processor) HasResponded(messageKey string) bool {
	p.respondedMu.RLock()
	defer p.respondedMu.RUnlock()

	at, ok := p.responded[messageKey]
	if !ok {
		return false
	}
	return p.clock.Now().Sub(at) <= respondedMaxAge
}

// MarkResponded records that this message is being answered. Callers mark
// before spawning the processing goroutine so a retried event cannot race in.
func (p *Processor) MarkResponded(messageKey string) {
	p.respondedMu.Lock()
	defer p.respondedMu.Unlock()
	p.responded[messageKey] = p.clock.Now()
}

// StartCleanup expires old responded entries in the background until ctx is
// done.
func (p *Processor) StartCleanup(ctx context.Context) {
	go func() {
		ticker := p.clock.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				p.cleanupResponded()
			}
		}
	}()
}

func (p *Processor) cleanupResponded() {
	now := p.clock.Now()
	p.respondedMu.Lock()
	defer p.respondedMu.Unlock()

	for key, at := range p.responded {
		if now.Sub(at) > respondedMaxAge {
			delete(p.responded, key)
		}
	}
}

// ProcessMessage runs a full assistant turn for one Slack message and replies
// in the right place: the mention's thread for channels, inline for DMs.
func (p *Processor) ProcessMessage(ctx context.Context, client *Client, ev *slackevents.MessageEvent, messageKey, eventID string, isChannel bool) {
	question := client.StripMention(ev.Text)
	if question == "" {
		p.log.Debug("nothing left after stripping mention", "channel", ev.Channel, "ts", ev.TimeStamp)
		return
	}

	threadTS := ev.ThreadTimeStamp
	if isChannel && threadTS == "" {
		// A top-level mention roots a new thread under itself.
		threadTS = ev.TimeStamp
	}
	userKey := ConversationKey(ev.Channel, threadTS)

	p.log.Info("processing message",
		"channel", ev.Channel,
		"thread_ts", threadTS,
		"user_key", userKey,
		"event_id", eventID,
		"question_preview", TruncateString(question, 100),
	)

	placeholderTS, err := client.PostMessage(ctx, ev.Channel, threadTS, thinkingMessage)
	if err != nil {
		p.log.Error("failed to post placeholder", "channel", ev.Channel, "error", err)
		return
	}

	start := p.clock.Now()
	result, err := p.runner.RunTurn(ctx, question, userKey)
	elapsed := p.clock.Now().Sub(start)
	if err != nil {
		p.log.Error("turn failed", "channel", ev.Channel, "event_id", eventID, "error", err)
		RecordTurn("error", elapsed)
		if updateErr := client.UpdateMessage(ctx, ev.Channel, placeholderTS, errorMessage); updateErr != nil {
			p.log.Error("failed to update placeholder with error", "channel", ev.Channel, "error", updateErr)
		}
		return
	}

	RecordTurn(string(result.Intent), elapsed)

	answer := slackmd.Convert(result.FinalResponse)
	if p.webBaseURL != "" && result.SQLQuery != "" {
		answer += "\n\n_Ask follow-ups or inspect the SQL at " + p.webBaseURL + "_"
	}

	if err := client.UpdateMessage(ctx, ev.Channel, placeholderTS, answer); err != nil {
		p.log.Error("failed to update placeholder with answer", "channel", ev.Channel, "error", err)
		// The placeholder is stuck; post the answer as a fresh message so the
		// user still gets it.
		if _, postErr := client.PostMessage(ctx, ev.Channel, threadTS, answer); postErr != nil {
			p.log.Error("failed to post answer", "channel", ev.Channel, "error", postErr)
		}
	}

	p.log.Info("message answered",
		"channel", ev.Channel,
		"thread_ts", threadTS,
		"intent", result.Intent,
		"elapsed", elapsed,
	)
}
