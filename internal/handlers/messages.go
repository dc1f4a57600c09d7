package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/eldtechnologies/plaza/internal/models"
)

const (
	defaultMessageLimit = 10
	maxMessageLimit     = 100
)

// MessagesResponse lists live chat records, newest first.
type MessagesResponse struct {
	Messages []models.ChatMessage `json:"messages"`
}

// PostMessageRequest posts a chat on behalf of an existing identity.
type PostMessageRequest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ListMessages returns recent chat records that have not expired.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultMessageLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		l, err := strconv.Atoi(s)
		if err != nil || l <= 0 {
			h.Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = l
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}

	messages, err := h.store.RecentChatMessages(r.Context(), limit)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, MessagesResponse{Messages: messages})
}

// PostMessage runs a chat through the same path as a WebSocket chat event.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.ID = sanitizeText(req.ID)
	if req.ID == "" {
		h.Error(w, http.StatusBadRequest, "id is required")
		return
	}

	msg, err := h.hub.Processor().HandleChat(r.Context(), req.ID, sanitizeText(req.Message))
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusCreated, msg)
}
