package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/itskum47/promptlens/server/middleware"
	"github.com/itskum47/promptlens/server/observability"
	"github.com/itskum47/promptlens/server/store"
)

const maxListLimit = 500

// handleCreateLog persists one record and hands it to the broadcast layer.
// The broadcast outcome never changes the response.
func (a *API) handleCreateLog(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var rec store.TelemetryLog
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody)).Decode(&rec); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if rec.Model == "" {
		http.Error(w, "model is required", http.StatusBadRequest)
		return
	}
	if rec.PromptTokens < 0 || rec.CompletionTokens < 0 || rec.TotalTokens < 0 || rec.LatencyMs < 0 || rec.Cost < 0 {
		http.Error(w, "token counts, cost and latency must not be negative", http.StatusBadRequest)
		return
	}
	// Ids are server-owned.
	rec.ID = ""

	stored, err := a.store.CreateLog(r.Context(), tenantID, &rec)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "Workspace not found", http.StatusNotFound)
			return
		}
		a.logger.Error().Err(err).Str("workspace_id", tenantID).Msg("failed to persist telemetry record")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	observability.LogsIngested.Inc()

	if err := a.publisher.Publish(r.Context(), stored.WorkspaceID, stored); err != nil {
		a.logger.Warn().Err(err).Str("workspace_id", stored.WorkspaceID).Str("log_id", stored.ID).Msg("broadcast publish failed")
	}

	writeJSON(w, http.StatusCreated, stored)
}

func (a *API) handleListLogs(w http.ResponseWriter, r *http.Request) {
	tenantID, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	limit := store.DefaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	logs, err := a.store.ListLogs(r.Context(), tenantID, limit)
	if err != nil {
		a.logger.Error().Err(err).Str("workspace_id", tenantID).Msg("failed to list telemetry records")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if logs == nil {
		logs = []*store.TelemetryLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
