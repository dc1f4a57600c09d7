package handlers

import (
	"net/http"
	"time"
)

const statsPreviewSize = 5

// MessagePreview is a recent chat record in the stats response.
type MessagePreview struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// StatsResponse summarises the live state.
type StatsResponse struct {
	Users          int              `json:"users"`
	Throttled      int              `json:"throttled"`
	Connections    int              `json:"connections"`
	LastActivity   string           `json:"lastActivity,omitempty"`
	RecentMessages []MessagePreview `json:"recentMessages"`
}

// Stats returns roster and chat counters for dashboards.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	roster, err := h.hub.Roster(ctx)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	recent, err := h.store.RecentChatMessages(ctx, statsPreviewSize)
	if err != nil {
		h.StoreError(w, err)
		return
	}

	resp := StatsResponse{
		Users:          len(roster),
		Connections:    h.hub.ConnectionCount(),
		RecentMessages: make([]MessagePreview, 0, len(recent)),
	}
	for _, p := range roster {
		if p.ChatThrottled {
			resp.Throttled++
		}
	}
	for _, m := range recent {
		resp.RecentMessages = append(resp.RecentMessages, MessagePreview{
			ID:        m.ID,
			UserID:    m.UserID,
			Message:   m.Message,
			Timestamp: m.CreatedAt,
		})
	}
	if len(recent) > 0 {
		resp.LastActivity = time.UnixMilli(recent[0].CreatedAt).UTC().Format(time.RFC3339)
	}

	h.JSON(w, http.StatusOK, resp)
}
