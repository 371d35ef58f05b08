// Package history persists per-user conversation exchanges and feedback.
// The workflow engine consumes the narrow load/append slice of the Store
// interface; the API and Slack surfaces use the rest.
package history

import (
	"context"
	"time"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// Labels recorded when the user leaves a field blank, so downstream
// reporting never deals with empty strings.
const (
	NoFeedback = "user did not provide feedback like or dislike"
	NoComments = "user did not provide comments"
)

// FeedbackEntry is one recorded reaction to an answer.
type FeedbackEntry struct {
	Query     string    `json:"query"`
	Feedback  string    `json:"feedback"`
	Comments  string    `json:"comments"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists conversation exchanges and feedback keyed by user ID.
// Implementations must be safe for concurrent use.
type Store interface {
	workflow.HistoryStore

	// History returns every stored exchange for the user, oldest first.
	History(ctx context.Context, userID string) ([]workflow.Exchange, error)

	// Clear removes the user's conversation history. Feedback is kept.
	Clear(ctx context.Context, userID string) error

	// RecordFeedback stores a like/dislike entry for the given query text.
	RecordFeedback(ctx context.Context, userID, query, feedback string) error

	// RecordComment attaches a comment to the newest feedback entry with
	// the same query text, or creates a new entry when none exists.
	RecordComment(ctx context.Context, userID, query, comment string) error

	// Feedback returns the user's feedback entries, oldest first.
	Feedback(ctx context.Context, userID string) ([]FeedbackEntry, error)
}
