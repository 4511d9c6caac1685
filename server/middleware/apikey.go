package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/store"
)

const (
	// APIKeyHeader carries the raw SDK key. Authorization: Bearer is accepted too.
	APIKeyHeader = "X-API-Key"

	APIKeyContextKey TenantContextKey = "api_key"
)

// APIKeyResolver looks up a raw API key.
type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, rawKey string) (*store.APIKey, error)
}

// APIKeyMiddleware authenticates requests by API key and injects the key and
// its workspace into the context.
func APIKeyMiddleware(resolver APIKeyResolver) func(http.Handler) http.Handler {
	logger := logging.WithComponent("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, problem := extractAPIKey(r)
			if problem != "" {
				http.Error(w, problem, http.StatusUnauthorized)
				return
			}

			key, err := resolver.ResolveAPIKey(r.Context(), raw)
			switch {
			case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrKeyDisabled):
				http.Error(w, "Invalid API key", http.StatusUnauthorized)
				return
			case err != nil:
				logger.Error().Err(err).Msg("api key lookup failed")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			ctx := WithTenant(r.Context(), key.WorkspaceID)
			ctx = context.WithValue(ctx, APIKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractAPIKey returns the raw key, or a client-facing problem.
func extractAPIKey(r *http.Request) (key, problem string) {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key, ""
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", "Missing " + APIKeyHeader + " header"
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", "Invalid Authorization format. Expected 'Bearer <api key>'"
	}
	return parts[1], ""
}

// GetAPIKeyFromContext retrieves the authenticated key.
func GetAPIKeyFromContext(ctx context.Context) (*store.APIKey, error) {
	key, ok := ctx.Value(APIKeyContextKey).(*store.APIKey)
	if !ok || key == nil {
		return nil, fmt.Errorf("api key not found in context")
	}
	return key, nil
}
