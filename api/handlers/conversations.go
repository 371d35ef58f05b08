package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ConversationEntry is one stored exchange returned to the client.
type ConversationEntry struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	SQL      string `json:"sql,omitempty"`
}

// ConversationsResponse wraps a user's stored history.
type ConversationsResponse struct {
	UserID    string              `json:"user_id"`
	Exchanges []ConversationEntry `json:"exchanges"`
}

// GetConversations returns the user's full stored history, oldest first.
// This is the whole retained window, not just the slice the engine feeds
// back into classification.
func GetConversations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	exchanges, err := store.History(r.Context(), userID)
	if err != nil {
		http.Error(w, internalError("Failed to load conversations", err), http.StatusInternalServerError)
		return
	}

	resp := ConversationsResponse{
		UserID:    userID,
		Exchanges: make([]ConversationEntry, 0, len(exchanges)),
	}
	for _, ex := range exchanges {
		resp.Exchanges = append(resp.Exchanges, ConversationEntry{
			Question: ex.User,
			Answer:   ex.Bot,
			SQL:      ex.SQL,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ClearConversations deletes the user's stored history. Feedback entries are
// kept.
func ClearConversations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	if err := store.Clear(r.Context(), userID); err != nil {
		http.Error(w, internalError("Failed to clear conversations", err), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
