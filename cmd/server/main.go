package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/plaza/internal/api"
	"github.com/eldtechnologies/plaza/internal/config"
	"github.com/eldtechnologies/plaza/internal/realtime"
	"github.com/eldtechnologies/plaza/internal/store"
	"github.com/eldtechnologies/plaza/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	shutdownTracing, err := telemetry.Setup(ctx, "plaza", cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	st, limiterClient, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend()).Msg("state store connection failed")
	}
	defer st.Close()
	logger.Info().Str("backend", st.Backend()).Msg("connected to state store")

	hub := realtime.NewHub(st, realtime.SettingsFromConfig(cfg), realtime.WithLogger(logger))
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	go hub.Run(runCtx)

	router := api.NewRouter(api.Deps{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Hub:       hub,
		RateLimit: limiterClient,
	})

	// No WriteTimeout: WebSocket sessions set their own deadlines.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting Plaza server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are invisible to srv.Shutdown, so the hub
	// closes them first.
	stopRun()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("hub close timed out")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// openStore connects the configured backend. The Redis client is returned
// separately for the HTTP rate limiter; it is nil for the SQL backends.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, *redis.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.StoreBackend() {
	case config.BackendRedis:
		s, err := store.NewRedisStore(connectCtx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Client(), nil
	case config.BackendPostgres:
		s, err := store.NewPostgresStore(connectCtx, cfg.DatabaseURL)
		return s, nil, err
	default:
		s, err := store.NewSQLiteStore(connectCtx, cfg.SQLitePath)
		return s, nil, err
	}
}
