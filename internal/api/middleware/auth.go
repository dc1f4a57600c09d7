package middleware

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/eldtechnologies/plaza/internal/metrics"
)

// AdminAuth guards administrative routes with a shared token checked against
// a bcrypt hash.
type AdminAuth struct {
	hash   []byte
	open   bool
	logger zerolog.Logger
}

// NewAdminAuth creates the admin guard. With an empty hash the routes are
// open when allowOpen is set and refused otherwise.
func NewAdminAuth(tokenHash string, allowOpen bool, logger zerolog.Logger) *AdminAuth {
	a := &AdminAuth{
		hash:   []byte(tokenHash),
		open:   tokenHash == "" && allowOpen,
		logger: logger.With().Str("component", "admin_auth").Logger(),
	}
	if a.open {
		a.logger.Warn().Msg("ADMIN_TOKEN_HASH not set; admin routes are open")
	}
	return a
}

// adminToken extracts the token from "Authorization: Bearer" or X-Admin-Token.
func adminToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token"))
}

// RequireAdmin rejects requests without a valid admin token.
func (a *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.open {
			next.ServeHTTP(w, r)
			return
		}
		if len(a.hash) == 0 {
			writeJSONError(w, http.StatusForbidden, "admin routes disabled")
			return
		}

		token := adminToken(r)
		if token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing admin token")
			return
		}
		if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
			metrics.BlockedRequests.WithLabelValues("bad_admin_token").Inc()
			a.logger.Warn().
				Str("event", "admin_auth_failed").
				Str("ip", RealIP(r)).
				Str("endpoint", r.URL.Path).
				Msg("invalid admin token")
			writeJSONError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}

		next.ServeHTTP(w, r)
	})
}
