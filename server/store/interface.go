package store

import (
	"context"
	"errors"
)

// DefaultListLimit applies when ListLogs is called with limit <= 0.
const DefaultListLimit = 50

var (
	ErrNotFound    = errors.New("not found")
	ErrKeyDisabled = errors.New("api key inactive or expired")
)

// Store is the persistence collaborator of the streaming core. It abstracts
// over memory (dev), Postgres (durable) and Redis (fast, bounded history).
type Store interface {
	// Workspace Operations
	UpsertWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error)

	// API Key Operations
	// CreateAPIKey stores key, which must carry KeyHash and WorkspaceID.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	// ResolveAPIKey maps a raw key to its record. Unknown keys return
	// ErrNotFound; inactive or expired keys return ErrKeyDisabled.
	ResolveAPIKey(ctx context.Context, rawKey string) (*APIKey, error)

	// Telemetry Operations
	// CreateLog persists rec under workspaceID and returns the stored record.
	CreateLog(ctx context.Context, workspaceID string, rec *TelemetryLog) (*TelemetryLog, error)
	// ListLogs returns up to limit records, most recent first.
	ListLogs(ctx context.Context, workspaceID string, limit int) ([]*TelemetryLog, error)

	Close() error
}
