package store

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Workspace is a tenant. Every API key, record and stream is scoped to one.
type Workspace struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// APIKey authenticates SDK clients. Only the SHA-256 of the raw key is stored.
type APIKey struct {
	ID          string     `json:"id" db:"id"`
	WorkspaceID string     `json:"workspaceId" db:"workspace_id"`
	Name        string     `json:"name" db:"name"`
	KeyHash     string     `json:"-" db:"key_hash"`
	KeyPrefix   string     `json:"keyPrefix" db:"key_prefix"`
	IsActive    bool       `json:"isActive" db:"is_active"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty" db:"expires_at"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
}

// Usable reports whether the key may authenticate at t.
func (k *APIKey) Usable(t time.Time) bool {
	if !k.IsActive {
		return false
	}
	return k.ExpiresAt == nil || t.Before(*k.ExpiresAt)
}

// TelemetryLog is one model invocation reported by an SDK client. The stream
// layer forwards it verbatim.
type TelemetryLog struct {
	ID               string            `json:"id" db:"id"`
	WorkspaceID      string            `json:"workspaceId" db:"workspace_id"`
	ProjectID        string            `json:"projectId,omitempty" db:"project_id"`
	Model            string            `json:"model" db:"model"`
	Provider         string            `json:"provider,omitempty" db:"provider"`
	Prompt           string            `json:"prompt" db:"prompt"`
	Response         string            `json:"response" db:"response"`
	PromptTokens     int               `json:"promptTokens" db:"prompt_tokens"`
	CompletionTokens int               `json:"completionTokens" db:"completion_tokens"`
	TotalTokens      int               `json:"totalTokens" db:"total_tokens"`
	Cost             float64           `json:"cost" db:"cost"`
	LatencyMs        int64             `json:"latencyMs" db:"latency_ms"`
	Status           string            `json:"status" db:"status"`               // "success", "error"
	Metadata         map[string]string `json:"metadata,omitempty" db:"metadata"` // JSONB in Postgres
	Timestamp        time.Time         `json:"timestamp" db:"created_at"`
}

// HashAPIKey returns the lookup hash for a raw API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix is the displayable head of a raw key.
func KeyPrefix(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return raw[:8]
}

// prepare fills server-owned fields before a record is persisted.
func (t *TelemetryLog) prepare(workspaceID string, now time.Time) {
	t.WorkspaceID = workspaceID
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Status == "" {
		t.Status = "success"
	}
	if t.TotalTokens == 0 {
		t.TotalTokens = t.PromptTokens + t.CompletionTokens
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now
	}
	// Millisecond precision survives every backend unchanged.
	t.Timestamp = t.Timestamp.UTC().Truncate(time.Millisecond)
}

func copyLog(t *TelemetryLog) *TelemetryLog {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
