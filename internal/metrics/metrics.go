package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plaza_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plaza_connections_active",
			Help: "Currently open WebSocket connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plaza_connections_total",
			Help: "Total WebSocket connections accepted",
		},
	)

	// Event metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_events_processed_total",
			Help: "Inbound events by type and outcome",
		},
		[]string{"type", "outcome"}, // outcome: "ok", "malformed", "unavailable", "rejected"
	)

	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_broadcasts_total",
			Help: "Broadcast events by type",
		},
		[]string{"type"},
	)

	DeliveriesSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plaza_deliveries_skipped_total",
			Help: "Broadcast deliveries skipped because the connection was closed or its buffer was full",
		},
	)

	// Chat metrics
	ChatMessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plaza_chat_messages_posted_total",
			Help: "Total chat messages accepted",
		},
	)

	ChatThrottles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plaza_chat_throttles_total",
			Help: "Times an identity entered the chat throttle",
		},
	)

	ChatExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plaza_chat_messages_expired_total",
			Help: "Chat messages removed by their expiry timer",
		},
	)

	AdminActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_admin_actions_total",
			Help: "Administrative operations",
		},
		[]string{"action"},
	)

	// Rate limit metrics
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_rate_limit_hits_total",
			Help: "Total rate limit hits",
		},
		[]string{"endpoint"},
	)

	BlockedRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_blocked_requests_total",
			Help: "Total blocked requests",
		},
		[]string{"reason"},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "plaza_store_latency_seconds",
			Help:    "State store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"backend", "op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plaza_store_errors_total",
			Help: "State store operations that failed",
		},
		[]string{"backend", "op"},
	)
)
