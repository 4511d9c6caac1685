package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/auth"
	"github.com/itskum47/promptlens/server/idempotency"
	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/middleware"
	"github.com/itskum47/promptlens/server/observability"
	"github.com/itskum47/promptlens/server/ratelimit"
	"github.com/itskum47/promptlens/server/store"
	"github.com/itskum47/promptlens/server/streaming"
)

// maxIngestBody bounds a single telemetry record upload.
const maxIngestBody = 1 << 20

type API struct {
	store     store.Store
	codec     *auth.Codec
	publisher streaming.Publisher
	gateway   *streaming.Gateway
	registry  *streaming.Registry

	idempotency idempotency.Backend

	tokenLimiter  *ratelimit.TokenBucketLimiter
	ingestLimiter *ratelimit.TokenBucketLimiter

	logger zerolog.Logger
}

type APIDeps struct {
	Store         store.Store
	Codec         *auth.Codec
	Publisher     streaming.Publisher
	Gateway       *streaming.Gateway
	Registry      *streaming.Registry
	Idempotency   idempotency.Backend
	TokenLimiter  *ratelimit.TokenBucketLimiter
	IngestLimiter *ratelimit.TokenBucketLimiter
}

func NewAPI(d APIDeps) *API {
	return &API{
		store:         d.Store,
		codec:         d.Codec,
		publisher:     d.Publisher,
		gateway:       d.Gateway,
		registry:      d.Registry,
		idempotency:   d.Idempotency,
		tokenLimiter:  d.TokenLimiter,
		ingestLimiter: d.IngestLimiter,
		logger:        logging.WithComponent("api"),
	}
}

// Routes returns the full HTTP surface, CORS and request logging included.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()
	withKey := middleware.APIKeyMiddleware(a.store)
	byTenant := func(r *http.Request) string {
		id, _ := middleware.GetTenantFromContext(r.Context())
		return id
	}
	tokenLimit := ratelimit.Middleware(a.tokenLimiter, "socket_token", byTenant)
	ingestLimit := ratelimit.Middleware(a.ingestLimiter, "ingest", byTenant)

	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /tenants/{tenantId}/socket-token",
		withKey(tokenLimit(http.HandlerFunc(a.handleIssueSocketToken))))
	mux.Handle("POST /tenants/{tenantId}/socket-token/revoke",
		withKey(http.HandlerFunc(a.handleRevokeSocketToken)))

	mux.Handle("POST /api/logs", withKey(ingestLimit(a.withIdempotency(a.handleCreateLog))))
	mux.Handle("GET /api/logs", withKey(http.HandlerFunc(a.handleListLogs)))

	mux.Handle(a.gateway.Path(), a.gateway)

	return middleware.CORSMiddleware(middleware.RequestLogger(mux))
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": a.gateway.Active(),
		"subscribed":  a.registry.Count(),
	})
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response for a repeated
// X-Idempotency-Key from the same workspace. A duplicate that arrives while
// the first request is still running gets 409. Server errors are not cached.
func (a *API) withIdempotency(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientKey := r.Header.Get(idempotency.Header)
		tenantID, err := middleware.GetTenantFromContext(r.Context())
		if clientKey == "" || err != nil {
			next(w, r)
			return
		}
		key := idempotency.Key(tenantID, clientKey)

		resp, err := a.idempotency.Begin(r.Context(), key)
		switch {
		case errors.Is(err, idempotency.ErrInFlight):
			observability.IdempotentConflicts.Inc()
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Request with this idempotency key is in progress", http.StatusConflict)
			return
		case err != nil:
			a.logger.Error().Err(err).Str("workspace_id", tenantID).Msg("idempotency lookup failed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		case resp != nil:
			observability.IdempotentReplays.Inc()
			for k, v := range resp.Headers {
				for _, val := range v {
					w.Header().Add(k, val)
				}
			}
			w.Header().Set("X-Idempotent-Replay", "true")
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		// The outcome is recorded even if the client has gone away.
		ctx := context.WithoutCancel(r.Context())
		if rec.statusCode >= http.StatusInternalServerError {
			err = a.idempotency.Abort(ctx, key)
		} else {
			err = a.idempotency.Complete(ctx, key, idempotency.Response{
				StatusCode: rec.statusCode,
				Body:       rec.body,
				Headers:    rec.Header().Clone(),
			})
		}
		if err != nil {
			a.logger.Warn().Err(err).Str("workspace_id", tenantID).Msg("failed to record idempotent response")
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
