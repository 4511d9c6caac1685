package agent

import (
	"sync"

	"github.com/itskum47/promptlens/server/store"
)

// DefaultCacheSize is how many records the agent keeps for display.
const DefaultCacheSize = 100

// RecordCache holds the most recent records of one workspace, newest first.
// A record id seen twice (seeded and then streamed) is kept once.
type RecordCache struct {
	mu      sync.RWMutex
	size    int
	records []store.TelemetryLog
}

func NewRecordCache(size int) *RecordCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &RecordCache{size: size}
}

// Prepend puts rec at the head, evicting the oldest record past capacity.
func (c *RecordCache) Prepend(rec store.TelemetryLog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.ID != "" {
		for i := range c.records {
			if c.records[i].ID == rec.ID {
				c.records = append(c.records[:i], c.records[i+1:]...)
				break
			}
		}
	}
	c.records = append([]store.TelemetryLog{rec}, c.records...)
	if len(c.records) > c.size {
		c.records = c.records[:c.size]
	}
}

// Seed replaces the contents with recs, which must be newest first.
func (c *RecordCache) Seed(recs []store.TelemetryLog) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(recs) > c.size {
		recs = recs[:c.size]
	}
	c.records = append([]store.TelemetryLog(nil), recs...)
}

// Snapshot returns a copy of the cached records, newest first.
func (c *RecordCache) Snapshot() []store.TelemetryLog {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]store.TelemetryLog(nil), c.records...)
}

func (c *RecordCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}
