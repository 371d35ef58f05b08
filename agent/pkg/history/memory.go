package history

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/quarrylabs/quarry/agent/pkg/workflow"
)

// DefaultMaxExchanges bounds per-user retention in the memory store.
const DefaultMaxExchanges = 50

// MemoryStore keeps conversations and feedback in process memory. It backs
// the console, unit tests, and any deployment that runs without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	maxExchanges  int
	clock         clockwork.Clock
	conversations map[string][]workflow.Exchange
	feedback      map[string][]FeedbackEntry
}

// NewMemoryStore creates a memory store with default retention.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

// NewMemoryStoreWithClock creates a memory store with an injected clock for
// deterministic timestamps.
func NewMemoryStoreWithClock(clock clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		maxExchanges:  DefaultMaxExchanges,
		clock:         clock,
		conversations: make(map[string][]workflow.Exchange),
		feedback:      make(map[string][]FeedbackEntry),
	}
}

// LoadRecent returns the last n exchanges for the user, oldest first.
func (s *MemoryStore) LoadRecent(ctx context.Context, userID string, n int) ([]workflow.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.conversations[userID]
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]workflow.Exchange, len(all))
	copy(out, all)
	return out, nil
}

// Append stores a finished exchange, trimming the oldest entries beyond the
// retention bound.
func (s *MemoryStore) Append(ctx context.Context, userID string, ex workflow.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := append(s.conversations[userID], ex)
	if len(msgs) > s.maxExchanges {
		msgs = msgs[len(msgs)-s.maxExchanges:]
	}
	s.conversations[userID] = msgs
	return nil
}

// History returns every stored exchange for the user, oldest first.
func (s *MemoryStore) History(ctx context.Context, userID string) ([]workflow.Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.conversations[userID]
	out := make([]workflow.Exchange, len(all))
	copy(out, all)
	return out, nil
}

// Clear removes the user's conversation history.
func (s *MemoryStore) Clear(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conversations, userID)
	return nil
}

// RecordFeedback stores a like/dislike entry for the given query text.
func (s *MemoryStore) RecordFeedback(ctx context.Context, userID, query, feedback string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feedback == "" {
		feedback = NoFeedback
	}
	now := s.clock.Now().UTC()
	s.feedback[userID] = append(s.feedback[userID], FeedbackEntry{
		Query:     query,
		Feedback:  feedback,
		Comments:  NoComments,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return nil
}

// RecordComment updates the newest entry matching the query text, creating
// a new one when the user comments on an answer they never rated.
func (s *MemoryStore) RecordComment(ctx context.Context, userID, query, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	entries := s.feedback[userID]
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Query == query {
			entries[i].Comments = comment
			entries[i].UpdatedAt = now
			return nil
		}
	}
	s.feedback[userID] = append(entries, FeedbackEntry{
		Query:     query,
		Feedback:  NoFeedback,
		Comments:  comment,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return nil
}

// Feedback returns the user's feedback entries, oldest first.
func (s *MemoryStore) Feedback(ctx context.Context, userID string) ([]FeedbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.feedback[userID]
	out := make([]FeedbackEntry, len(all))
	copy(out, all)
	return out, nil
}
