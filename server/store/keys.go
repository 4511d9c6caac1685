package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceWorkspace Resource = "workspace"
	ResourceLogs      Resource = "logs"
)

// TenantKey constructs a fully qualified Redis key for a workspace resource.
// Format: promptlens:workspaces:{workspaceID}:{resource}
func TenantKey(workspaceID string, resource Resource) string {
	return fmt.Sprintf("promptlens:workspaces:%s:%s", workspaceID, resource)
}

// APIKeyKey is keyed by hash so lookups never need the raw key.
// Format: promptlens:apikeys:{hash}
func APIKeyKey(hash string) string {
	return "promptlens:apikeys:" + hash
}

// RevokedTokenKey marks a denylisted subscription token.
// Format: promptlens:revoked:{tokenID}
func RevokedTokenKey(tokenID string) string {
	return "promptlens:revoked:" + tokenID
}

// IdempotencyLockKey is held while the first request for a key executes.
// Format: promptlens:idempotency:lock:{key}
func IdempotencyLockKey(key string) string {
	return "promptlens:idempotency:lock:" + key
}

// IdempotencyResultKey caches the finished response for a key.
// Format: promptlens:idempotency:result:{key}
func IdempotencyResultKey(key string) string {
	return "promptlens:idempotency:result:" + key
}
