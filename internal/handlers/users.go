package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/eldtechnologies/plaza/internal/models"
)

// UsersResponse lists the current roster.
type UsersResponse struct {
	Users []models.Presence `json:"users"`
	Count int               `json:"count"`
}

// ListUsers returns every presence record.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	roster, err := h.hub.Roster(r.Context())
	if err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, UsersResponse{Users: roster, Count: len(roster)})
}

// ClearUsers removes every presence record (admin).
func (h *Handler) ClearUsers(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.ClearUsers(r.Context()); err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DeleteUser removes one presence record (admin).
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existed, err := h.hub.DeleteUser(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if !existed {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok", "id": id})
}

// Reset clears presence and chat records and cancels pending timers (admin).
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	if err := h.hub.ResetAll(r.Context()); err != nil {
		h.StoreError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
