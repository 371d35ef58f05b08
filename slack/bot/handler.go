package bot

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const processedEventsMaxAge = 1 * time.Hour

// isTeamAllowed checks the optional workspace allowlist. With
// SLACK_ALLOWED_TEAM_IDS unset, all teams are allowed.
func isTeamAllowed(teamID string) bool {
	allowed := os.Getenv("SLACK_ALLOWED_TEAM_IDS")
	if allowed == "" {
		return true
	}
	for _, id := range strings.Split(allowed, ",") {
		if strings.TrimSpace(id) == teamID {
			return true
		}
	}
	return false
}

// EventHandler receives Slack events, deduplicates retries, and routes
// messages to the processor.
type EventHandler struct {
	client      *Client
	processor   *Processor
	convManager *Manager
	log         *slog.Logger

	// Slack redelivers events it thinks timed out; processed IDs are kept
	// for an hour so retries are answered exactly once.
	processedEvents   map[string]time.Time
	processedEventsMu sync.RWMutex

	// Graceful shutdown coordination.
	inFlightOps  sync.WaitGroup
	shuttingDown sync.RWMutex
	acceptingNew bool
}

// NewEventHandler creates an event handler.
func NewEventHandler(client *Client, processor *Processor, convManager *Manager, log *slog.Logger) *EventHandler {
	return &EventHandler{
		client:          client,
		processor:       processor,
		convManager:     convManager,
		log:             log,
		processedEvents: make(map[string]time.Time),
		acceptingNew:    true,
	}
}

// StartCleanup expires old dedup entries in the background until ctx is done.
func (h *EventHandler) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.cleanup()
			}
		}
	}()
}

// StopAcceptingNew stops accepting new events and returns a function that
// blocks until in-flight message processing finishes.
func (h *EventHandler) StopAcceptingNew() func() {
	h.shuttingDown.Lock()
	h.acceptingNew = false
	h.shuttingDown.Unlock()
	h.log.Info("stopped accepting new events, waiting for in-flight operations")
	return h.inFlightOps.Wait
}

func (h *EventHandler) isAcceptingNew() bool {
	h.shuttingDown.RLock()
	defer h.shuttingDown.RUnlock()
	return h.acceptingNew
}

func (h *EventHandler) cleanup() {
	now := time.Now()
	h.processedEventsMu.Lock()
	for id, at := range h.processedEvents {
		if now.Sub(at) > processedEventsMaxAge {
			delete(h.processedEvents, id)
		}
	}
	h.processedEventsMu.Unlock()
}

// markProcessed records an event ID before processing starts so a redelivery
// racing in cannot be answered twice. Returns false if already seen.
func (h *EventHandler) markProcessed(eventID string) bool {
	if eventID == "" {
		return true
	}

	h.processedEventsMu.Lock()
	defer h.processedEventsMu.Unlock()

	if _, seen := h.processedEvents[eventID]; seen {
		return false
	}
	h.processedEvents[eventID] = time.Now()
	return true
}

// HandleEvent routes one Events API event.
func (h *EventHandler) HandleEvent(ctx context.Context, e slackevents.EventsAPIEvent, eventID string) {
	h.log.Debug("event received", "type", e.Type, "inner_type", e.InnerEvent.Type, "team_id", e.TeamID)
	EventsReceivedTotal.WithLabelValues(e.Type, e.InnerEvent.Type).Inc()

	if !isTeamAllowed(e.TeamID) {
		h.log.Warn("ignoring event from disallowed team", "team_id", e.TeamID)
		return
	}

	if e.Type != slackevents.CallbackEvent {
		return
	}

	if ev, ok := e.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
		h.handleAppMention(ev, eventID)
		return
	}
	if ev, ok := e.InnerEvent.Data.(*slackevents.MessageEvent); ok {
		h.handleMessageEvent(ctx, ev, eventID)
	}
}

// handleAppMention handles a channel mention of the bot.
func (h *EventHandler) handleAppMention(ev *slackevents.AppMentionEvent, eventID string) {
	h.log.Info("app mention",
		"user", ev.User,
		"channel", ev.Channel,
		"ts", ev.TimeStamp,
		"thread_ts", ev.ThreadTimeStamp,
		"text_preview", TruncateString(ev.Text, 100),
	)

	// A top-level mention roots an active thread; a mention inside an
	// existing thread does not re-root it.
	if ev.ThreadTimeStamp == "" {
		h.convManager.MarkThreadActive(ev.Channel, ev.TimeStamp)
	}

	msgEv := &slackevents.MessageEvent{
		Type:            "message",
		User:            ev.User,
		Text:            ev.Text,
		TimeStamp:       ev.TimeStamp,
		ThreadTimeStamp: ev.ThreadTimeStamp,
		Channel:         ev.Channel,
		EventTimeStamp:  ev.EventTimeStamp,
	}

	messageKey := fmt.Sprintf("%s:%s", msgEv.Channel, msgEv.TimeStamp)
	if h.processor.HasResponded(messageKey) {
		h.log.Info("skipping already answered mention", "message_ts", msgEv.TimeStamp, "event_id", eventID)
		MessagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}
	h.processor.MarkResponded(messageKey)

	MessagesProcessedTotal.WithLabelValues("channel", "false", "true").Inc()

	// Background context so shutdown cancellation does not cut off an
	// in-flight turn; the WaitGroup covers shutdown coordination.
	h.inFlightOps.Add(1)
	go func() {
		defer h.inFlightOps.Done()
		h.processor.ProcessMessage(context.Background(), h.client, msgEv, messageKey, eventID, true)
	}()
}

// handleMessageEvent handles DMs and channel messages.
func (h *EventHandler) handleMessageEvent(ctx context.Context, ev *slackevents.MessageEvent, eventID string) {
	if ev.SubType != "" {
		// Edits, joins, deletions.
		MessagesIgnoredTotal.WithLabelValues("subtype").Inc()
		return
	}
	if ev.BotID != "" {
		// Never answer bots, including ourselves.
		MessagesIgnoredTotal.WithLabelValues("bot_message").Inc()
		return
	}
	txt := strings.TrimSpace(ev.Text)
	if txt == "" {
		MessagesIgnoredTotal.WithLabelValues("empty").Inc()
		return
	}

	isDM := ev.ChannelType == "im"
	isChannel := ev.ChannelType == "channel" || ev.ChannelType == "group" || ev.ChannelType == "mpim"

	switch {
	case isChannel:
		botMentioned := h.client.IsBotMentioned(ev.Text)

		// A mentioned top-level message also arrives as app_mention, which
		// handles it; answering here too would double-reply.
		if botMentioned && ev.ThreadTimeStamp == "" {
			return
		}

		inActiveThread := false
		if ev.ThreadTimeStamp != "" {
			inActiveThread = h.convManager.IsThreadActive(ev.Channel, ev.ThreadTimeStamp)

			// Not in the cache: the bot may have restarted since the
			// mention. Check the thread root directly.
			if !inActiveThread && h.client.BotUserID() != "" {
				rootMentioned, err := h.client.CheckRootMessageMentioned(ctx, ev.Channel, ev.ThreadTimeStamp, h.client.BotUserID())
				if err != nil {
					h.log.Warn("failed to check thread root for mention", "thread_ts", ev.ThreadTimeStamp, "error", err)
				} else if rootMentioned {
					h.convManager.MarkThreadActive(ev.Channel, ev.ThreadTimeStamp)
					inActiveThread = true
				}
			}
		}

		if !botMentioned && !inActiveThread {
			MessagesIgnoredTotal.WithLabelValues("not_mentioned").Inc()
			return
		}

		h.log.Info("channel message",
			"user", ev.User,
			"channel", ev.Channel,
			"ts", ev.TimeStamp,
			"thread_ts", ev.ThreadTimeStamp,
			"mentioned", botMentioned,
			"event_id", eventID,
		)

	case isDM:
		h.log.Info("dm",
			"user", ev.User,
			"channel", ev.Channel,
			"ts", ev.TimeStamp,
			"event_id", eventID,
		)

	default:
		MessagesIgnoredTotal.WithLabelValues("unknown_channel_type").Inc()
		return
	}

	messageKey := fmt.Sprintf("%s:%s", ev.Channel, ev.TimeStamp)
	if h.processor.HasResponded(messageKey) {
		h.log.Info("skipping already answered message", "message_ts", ev.TimeStamp, "event_id", eventID)
		MessagesIgnoredTotal.WithLabelValues("already_responded").Inc()
		return
	}
	h.processor.MarkResponded(messageKey)

	channelType := ev.ChannelType
	if channelType == "" {
		channelType = "unknown"
	}
	MessagesProcessedTotal.WithLabelValues(channelType, fmt.Sprintf("%v", isDM), fmt.Sprintf("%v", isChannel)).Inc()

	h.inFlightOps.Add(1)
	go func() {
		defer h.inFlightOps.Done()
		h.processor.ProcessMessage(context.Background(), h.client, ev, messageKey, eventID, isChannel)
	}()
}

// HandleSocketMode consumes events from a Socket Mode connection until ctx is
// done or the connection closes.
func (h *EventHandler) HandleSocketMode(ctx context.Context, client *socketmode.Client) error {
	h.log.Info("bot running in socket mode")

	for {
		select {
		case <-ctx.Done():
			h.log.Info("shutting down socket mode handler")
			return ctx.Err()
		case evt, ok := <-client.Events:
			if !ok {
				h.log.Info("socket mode events channel closed")
				return nil
			}
			if !h.isAcceptingNew() {
				return ctx.Err()
			}

			switch evt.Type {
			case socketmode.EventTypeConnecting:
				h.log.Info("socket mode connecting")
			case socketmode.EventTypeConnected:
				h.log.Info("socket mode connected")
			case socketmode.EventTypeConnectionError:
				h.log.Error("socket mode connection error", "error", evt.Data)
			case socketmode.EventTypeEventsAPI:
				e, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					h.log.Warn("unexpected socket mode payload", "data_type", fmt.Sprintf("%T", evt.Data))
					continue
				}

				envelopeID := evt.Request.EnvelopeID
				if !h.markProcessed(envelopeID) {
					h.log.Info("skipping duplicate event",
						"envelope_id", envelopeID,
						"retry_attempt", evt.Request.RetryAttempt,
						"retry_reason", evt.Request.RetryReason,
					)
					EventsDuplicateTotal.Inc()
					client.Ack(*evt.Request)
					continue
				}

				client.Ack(*evt.Request)
				h.HandleEvent(context.Background(), e, envelopeID)
			}
		}
	}
}

// HandleHTTP serves the Events API endpoint: verifies the signature, answers
// the URL verification challenge, deduplicates, and processes asynchronously
// so Slack gets its response within the 3 second deadline.
func (h *EventHandler) HandleHTTP(w http.ResponseWriter, r *http.Request, signingSecret string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.log.Error("failed to read event body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if !VerifySlackSignature(r, body, signingSecret) {
		h.log.Warn("invalid slack signature")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var challenge struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(body, &challenge); err == nil && challenge.Type == "url_verification" {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge.Challenge))
		return
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		h.log.Error("failed to parse event", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// HTTP deliveries have no envelope ID; message events dedupe on
	// channel:timestamp, everything else on a content hash.
	var eventID string
	if event.Type == slackevents.CallbackEvent {
		if msgEv, ok := event.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			eventID = fmt.Sprintf("%s:%s", msgEv.Channel, msgEv.TimeStamp)
		} else {
			data, _ := json.Marshal(event.InnerEvent.Data)
			eventID = fmt.Sprintf("%x", sha256.Sum256(data))
		}
	} else {
		data, _ := json.Marshal(event)
		eventID = fmt.Sprintf("%x", sha256.Sum256(data))
	}

	if !h.markProcessed(eventID) {
		h.log.Info("skipping duplicate event", "event_id", eventID)
		EventsDuplicateTotal.Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	if !h.isAcceptingNew() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}

	w.WriteHeader(http.StatusOK)

	go h.HandleEvent(context.Background(), event, eventID)
}
