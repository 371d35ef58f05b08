package bot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// activeThreadMaxAge bounds how long a mentioned thread keeps answering
// replies without a fresh mention.
const activeThreadMaxAge = 24 * time.Hour

// Manager tracks which channel threads the bot participates in. A thread
// becomes active when its root message mentions the bot; replies in active
// threads are answered without another mention.
type Manager struct {
	log   *slog.Logger
	clock clockwork.Clock

	mu            sync.RWMutex
	activeThreads map[string]time.Time
}

// NewManager creates a thread manager.
func NewManager(log *slog.Logger) *Manager {
	return NewManagerWithClock(log, clockwork.NewRealClock())
}

// NewManagerWithClock creates a thread manager with an injected clock for
// deterministic expiry tests.
func NewManagerWithClock(log *slog.Logger, clock clockwork.Clock) *Manager {
	return &Manager{
		log:           log,
		clock:         clock,
		activeThreads: make(map[string]time.Time),
	}
}

func threadKey(channel, threadTS string) string {
	return channel + ":" + threadTS
}

// MarkThreadActive records that the bot owns this thread.
func (m *Manager) MarkThreadActive(channel, threadTS string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeThreads[threadKey(channel, threadTS)] = m.clock.Now()
}

// IsThreadActive reports whether the thread is active and not expired.
func (m *Manager) IsThreadActive(channel, threadTS string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	marked, ok := m.activeThreads[threadKey(channel, threadTS)]
	if !ok {
		return false
	}
	return m.clock.Now().Sub(marked) <= activeThreadMaxAge
}

// StartCleanup expires stale threads in the background until ctx is done.
func (m *Manager) StartCleanup(ctx context.Context) {
	go func() {
		ticker := m.clock.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				m.cleanup()
			}
		}
	}()
}

func (m *Manager) cleanup() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, marked := range m.activeThreads {
		if now.Sub(marked) > activeThreadMaxAge {
			delete(m.activeThreads, key)
		}
	}
}
