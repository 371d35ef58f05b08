package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/quarrylabs/quarry/agent/pkg/history"
)

// FeedbackRequest records a like/dislike reaction to an answer.
type FeedbackRequest struct {
	UserID   string `json:"user_id"`
	Query    string `json:"query"`
	Feedback string `json:"feedback"`
}

// CommentRequest attaches free-form comments to a previous reaction.
type CommentRequest struct {
	UserID  string `json:"user_id"`
	Query   string `json:"query"`
	Comment string `json:"comment"`
}

// FeedbackResponse wraps a user's recorded feedback entries.
type FeedbackResponse struct {
	UserID  string                  `json:"user_id"`
	Entries []history.FeedbackEntry `json:"entries"`
}

// StatusResponse acknowledges a write.
type StatusResponse struct {
	Status string `json:"status"`
}

func writeStatusOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(StatusResponse{Status: "ok"})
}

// PostFeedback records a feedback entry. Store failures are logged and do
// not fail the request: losing a reaction is better than surfacing an error
// for one.
func PostFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		http.Error(w, "user_id and query are required", http.StatusBadRequest)
		return
	}

	if err := store.RecordFeedback(r.Context(), req.UserID, req.Query, req.Feedback); err != nil {
		slog.Error("failed to record feedback", "error", err, "user_id", req.UserID)
	}
	writeStatusOK(w)
}

// PostFeedbackComment updates the newest feedback entry matching the query
// text, or creates one when the user comments without reacting first. Store
// failures are logged only.
func PostFeedbackComment(w http.ResponseWriter, r *http.Request) {
	var req CommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Query) == "" {
		http.Error(w, "user_id and query are required", http.StatusBadRequest)
		return
	}

	if err := store.RecordComment(r.Context(), req.UserID, req.Query, req.Comment); err != nil {
		slog.Error("failed to record feedback comment", "error", err, "user_id", req.UserID)
	}
	writeStatusOK(w)
}

// GetFeedback returns the user's feedback entries, oldest first.
func GetFeedback(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		http.Error(w, "User ID is required", http.StatusBadRequest)
		return
	}

	entries, err := store.Feedback(r.Context(), userID)
	if err != nil {
		http.Error(w, internalError("Failed to load feedback", err), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.FeedbackEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(FeedbackResponse{UserID: userID, Entries: entries})
}
