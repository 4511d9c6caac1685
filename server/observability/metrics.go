package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Streaming Gateway ===

	// StreamConnections tracks live websocket connections by handshake state.
	StreamConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "promptlens_stream_connections",
		Help: "Current number of streaming connections",
	}, []string{"state"}) // pending, subscribed

	// StreamHandshakes counts handshake outcomes.
	StreamHandshakes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlens_stream_handshakes_total",
		Help: "Streaming handshakes by outcome",
	}, []string{"result"}) // subscribed, rejected, timeout, abandoned

	// StreamUpgradeRejections counts upgrades refused before the handshake.
	StreamUpgradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlens_stream_upgrade_rejections_total",
		Help: "Websocket upgrades refused by the gateway",
	}, []string{"reason"}) // max_connections, upgrade_failed

	// StreamIgnoredMessages counts client frames dropped by the state machine.
	StreamIgnoredMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlens_stream_ignored_messages_total",
		Help: "Client messages ignored by the streaming gateway",
	}, []string{"state"})

	// === Broadcast Bridge ===

	// BroadcastRecords counts records handed to the bridge.
	BroadcastRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlens_broadcast_records_total",
		Help: "Telemetry records handed to the broadcast bridge",
	})

	// BroadcastDeliveries counts per-connection delivery attempts by result.
	BroadcastDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlens_broadcast_deliveries_total",
		Help: "Per-connection broadcast deliveries (best-effort)",
	}, []string{"result"}) // ok, failed

	// BroadcastFanoutDuration tracks the time to fan one record out.
	BroadcastFanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "promptlens_broadcast_fanout_duration_seconds",
		Help:    "Time to deliver one record to all matching connections",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~1.6s
	})

	// === Token Codec ===

	TokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlens_tokens_issued_total",
		Help: "Subscription tokens issued",
	})

	TokenValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlens_token_validations_total",
		Help: "Subscription token validations by result",
	}, []string{"result"}) // ok, malformed, bad_signature, expired, revoked, error

	// === Ingestion & API ===

	LogsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlens_logs_ingested_total",
		Help: "Telemetry records persisted through the ingestion API",
	})

	// APIRateLimited tracks API requests rejected by rate limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptlens_api_rate_limited_total",
		Help: "API requests rejected by rate limiter",
	}, []string{"endpoint"}) // socket_token, ingest

	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlens_idempotent_replays_total",
		Help: "Ingestion requests answered from the idempotency cache",
	})

	IdempotentConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptlens_idempotent_conflicts_total",
		Help: "Ingestion requests rejected because the same key was still in flight",
	})

	// === Store ===

	// StoreLatency tracks store operation latency by backend and operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promptlens_store_latency_seconds",
		Help:    "Store operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	}, []string{"backend", "op"})
)
