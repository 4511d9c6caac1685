package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryDenylist is a process-local Denylist. Entries are dropped by Cleanup
// once the token they block has expired.
type MemoryDenylist struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemoryDenylist() *MemoryDenylist {
	return &MemoryDenylist{entries: make(map[string]time.Time)}
}

func (d *MemoryDenylist) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[tokenID] = expiresAt
	return nil
}

func (d *MemoryDenylist) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[tokenID]
	return ok, nil
}

// Cleanup removes entries whose token expired at or before now and reports
// how many were removed.
func (d *MemoryDenylist) Cleanup(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, exp := range d.entries {
		if !now.Before(exp) {
			delete(d.entries, id)
			removed++
		}
	}
	return removed
}

func (d *MemoryDenylist) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}
