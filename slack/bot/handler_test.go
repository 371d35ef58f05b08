package bot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
	quarrytesting "github.com/quarrylabs/quarry/utils/pkg/testing"
)

const testSigningSecret = "shared-secret"

type nopRunner struct{}

func (nopRunner) RunTurn(ctx context.Context, question, userID string) (workflow.TurnResult, error) {
	return workflow.TurnResult{}, nil
}

func newTestHandler() *EventHandler {
	log := quarrytesting.NewLogger()
	client := newTestClient("U0BOT")
	convs := NewManager(log)
	processor := NewProcessor(nopRunner{}, convs, log, "")
	return NewEventHandler(client, processor, convs, log)
}

func TestMarkProcessed(t *testing.T) {
	h := newTestHandler()

	assert.True(t, h.markProcessed("Ev12345"))
	assert.False(t, h.markProcessed("Ev12345"))
	assert.True(t, h.markProcessed("Ev67890"))

	// Events without an ID are never deduplicated.
	assert.True(t, h.markProcessed(""))
	assert.True(t, h.markProcessed(""))
}

func TestHandleHTTP_URLVerification(t *testing.T) {
	h := newTestHandler()

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	w := httptest.NewRecorder()
	h.HandleHTTP(w, signEventRequest(testSigningSecret, body), testSigningSecret)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abc123", w.Body.String())
}

func TestHandleHTTP_InvalidSignature(t *testing.T) {
	h := newTestHandler()

	body := []byte(`{"type":"url_verification","challenge":"abc123"}`)
	w := httptest.NewRecorder()
	h.HandleHTTP(w, signEventRequest("wrong-secret", body), testSigningSecret)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleHTTP_MethodNotAllowed(t *testing.T) {
	h := newTestHandler()

	w := httptest.NewRecorder()
	h.HandleHTTP(w, httptest.NewRequest(http.MethodGet, "/slack/events", nil), testSigningSecret)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// editEventBody builds an event_callback around a message edit. Edits are
// ignored by the handler before any Slack API call, which keeps the test
// offline.
func editEventBody(ts string) []byte {
	return []byte(fmt.Sprintf(`{
		"token": "tok",
		"team_id": "T123",
		"type": "event_callback",
		"event": {
			"type": "message",
			"subtype": "message_changed",
			"channel": "C123",
			"channel_type": "channel",
			"ts": %q,
			"event_ts": %q
		}
	}`, ts, ts))
}

func TestHandleHTTP_DuplicateDelivery(t *testing.T) {
	h := newTestHandler()
	body := editEventBody("1700000000.000100")

	w := httptest.NewRecorder()
	h.HandleHTTP(w, signEventRequest(testSigningSecret, body), testSigningSecret)
	require.Equal(t, http.StatusOK, w.Code)

	before := testutil.ToFloat64(EventsDuplicateTotal)

	// Slack redelivers the exact same payload when it thinks the first
	// delivery timed out.
	w = httptest.NewRecorder()
	h.HandleHTTP(w, signEventRequest(testSigningSecret, body), testSigningSecret)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(EventsDuplicateTotal))
}

func TestHandleHTTP_ShuttingDown(t *testing.T) {
	h := newTestHandler()
	wait := h.StopAcceptingNew()
	wait()

	w := httptest.NewRecorder()
	h.HandleHTTP(w, signEventRequest(testSigningSecret, editEventBody("1700000001.000200")), testSigningSecret)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "shutting down")
}
