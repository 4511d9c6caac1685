package middleware

import (
	"context"
	"fmt"
)

// TenantContextKey is a strict type for context keys to prevent collisions.
type TenantContextKey string

const (
	// TenantKey is the context key for the authenticated workspace id.
	TenantKey TenantContextKey = "tenant_id"
)

// WithTenant stores the workspace id in ctx.
func WithTenant(ctx context.Context, workspaceID string) context.Context {
	return context.WithValue(ctx, TenantKey, workspaceID)
}

// GetTenantFromContext safely retrieves the workspace id from the context.
func GetTenantFromContext(ctx context.Context) (string, error) {
	val := ctx.Value(TenantKey)
	if val == nil {
		return "", fmt.Errorf("tenant_id not found in context")
	}

	tenantID, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("tenant_id in context is not a string")
	}

	return tenantID, nil
}
