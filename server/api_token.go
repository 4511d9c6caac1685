package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/itskum47/promptlens/server/auth"
	"github.com/itskum47/promptlens/server/middleware"
	"github.com/itskum47/promptlens/server/observability"
	"github.com/itskum47/promptlens/server/store"
)

type socketTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// authorizeTenant checks that the path workspace exists and that the caller's
// API key belongs to it. It writes the error response and returns false when
// either does not hold.
func (a *API) authorizeTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.PathValue("tenantId")
	key, err := middleware.GetAPIKeyFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return "", false
	}

	if _, err := a.store.GetWorkspace(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Workspace not found", http.StatusNotFound)
			return "", false
		}
		a.logger.Error().Err(err).Str("workspace_id", tenantID).Msg("workspace lookup failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return "", false
	}

	if key.WorkspaceID != tenantID {
		a.logger.Warn().
			Str("workspace_id", tenantID).
			Str("key_prefix", key.KeyPrefix).
			Msg("api key used against another workspace")
		http.Error(w, "API key does not belong to this workspace", http.StatusForbidden)
		return "", false
	}
	return tenantID, true
}

func (a *API) handleIssueSocketToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.authorizeTenant(w, r)
	if !ok {
		return
	}

	token, claims, err := a.codec.Issue(tenantID)
	if err != nil {
		a.logger.Error().Err(err).Str("workspace_id", tenantID).Msg("failed to issue socket token")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	observability.TokensIssued.Inc()
	a.logger.Debug().Str("workspace_id", tenantID).Str("token_id", claims.TokenID).Msg("socket token issued")

	writeJSON(w, http.StatusOK, socketTokenResponse{Token: token, ExpiresAt: claims.ExpiresAt})
}

func (a *API) handleRevokeSocketToken(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := a.authorizeTenant(w, r)
	if !ok {
		return
	}

	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	claims, err := a.codec.Validate(r.Context(), req.Token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			http.Error(w, "Invalid or expired token", http.StatusBadRequest)
			return
		}
		a.logger.Error().Err(err).Msg("token validation failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if claims.WorkspaceID != tenantID {
		http.Error(w, "Token does not belong to this workspace", http.StatusForbidden)
		return
	}

	if _, err := a.codec.Revoke(r.Context(), req.Token); err != nil {
		a.logger.Error().Err(err).Str("workspace_id", tenantID).Msg("failed to revoke socket token")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.logger.Info().Str("workspace_id", tenantID).Str("token_id", claims.TokenID).Msg("socket token revoked")
	w.WriteHeader(http.StatusNoContent)
}
