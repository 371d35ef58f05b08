package handlers

import (
	"github.com/quarrylabs/quarry/agent/pkg/history"
)

// store is the conversation history store shared by the ask, conversations,
// and feedback handlers. main swaps in the Postgres store when DATABASE_URL
// is set; the memory default means the API never runs without one.
var store history.Store = history.NewMemoryStore()

// SetStore replaces the history store. Called from main at startup and from
// tests.
func SetStore(s history.Store) {
	store = s
}
