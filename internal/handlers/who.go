package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Who returns the presence record for one identity.
func (h *Handler) Who(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	presence, err := h.store.GetPresence(r.Context(), id)
	if err != nil {
		h.StoreError(w, err)
		return
	}
	if presence == nil {
		h.Error(w, http.StatusNotFound, "user not found")
		return
	}

	h.JSON(w, http.StatusOK, presence)
}
