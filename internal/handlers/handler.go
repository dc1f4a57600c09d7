package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/plaza/internal/realtime"
	"github.com/eldtechnologies/plaza/internal/store"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	hub    *realtime.Hub
	store  store.Store
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(hub *realtime.Hub, st store.Store, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		store:  st,
		logger: logger.With().Str("component", "handlers").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}

// StoreError maps a core error to a response. Store outages become 503.
func (h *Handler) StoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrUnavailable):
		h.logger.Warn().Err(err).Msg("store unavailable")
		h.Error(w, http.StatusServiceUnavailable, store.ErrUnavailable.Error())
	case errors.Is(err, realtime.ErrMalformedEvent):
		h.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, realtime.ErrUnknownIdentity):
		h.Error(w, http.StatusNotFound, "user not found")
	case errors.Is(err, realtime.ErrThrottled):
		h.Error(w, http.StatusTooManyRequests, "chat throttled, try again later")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}

// sanitizeText trims and removes control characters.
func sanitizeText(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
