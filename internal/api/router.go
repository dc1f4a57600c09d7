package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/plaza/internal/api/middleware"
	"github.com/eldtechnologies/plaza/internal/config"
	"github.com/eldtechnologies/plaza/internal/handlers"
	"github.com/eldtechnologies/plaza/internal/realtime"
	"github.com/eldtechnologies/plaza/internal/store"
)

// Deps are the collaborators the router wires into handlers.
type Deps struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  store.Store
	Hub    *realtime.Hub
	// RateLimit enables the Redis-backed limiter when non-nil.
	RateLimit *redis.Client
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(8 * 1024)) // 8KB max body
	r.Use(middleware.RequireJSON)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(d.Logger))
	r.Use(chimw.Recoverer)

	if d.RateLimit != nil {
		limiter := middleware.NewRateLimiter(d.RateLimit, d.Logger, middleware.RateLimiterConfig{
			Whitelist:        d.Config.RateLimitWhitelist,
			AutoBlockEnabled: d.Config.AutoBlockEnabled,
		})
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.Config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(d.Hub, d.Store, d.Logger)
	admin := middleware.NewAdminAuth(d.Config.AdminTokenHash, d.Config.IsDevelopment(), d.Logger)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/ws", d.Hub.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", h.Root)
		r.Get("/stats", h.Stats)
		r.Get("/users", h.ListUsers)
		r.Get("/users/{id}", h.Who)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.PostMessage)

		r.Group(func(r chi.Router) {
			r.Use(admin.RequireAdmin)

			r.Post("/reset", h.Reset)
			r.Delete("/users", h.ClearUsers)
			r.Delete("/users/{id}", h.DeleteUser)
		})
	})

	return r
}
