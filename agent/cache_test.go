package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/itskum47/promptlens/server/store"
)

func ids(recs []store.TelemetryLog) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}

func TestRecordCacheNewestFirst(t *testing.T) {
	c := NewRecordCache(3)
	for _, id := range []string{"r1", "r2", "r3", "r4"} {
		c.Prepend(store.TelemetryLog{ID: id})
	}
	assert.Equal(t, []string{"r4", "r3", "r2"}, ids(c.Snapshot()))
	assert.Equal(t, 3, c.Len())
}

func TestRecordCacheDedupes(t *testing.T) {
	c := NewRecordCache(5)
	c.Seed([]store.TelemetryLog{{ID: "r2"}, {ID: "r1"}})
	c.Prepend(store.TelemetryLog{ID: "r2", Model: "updated"})

	snap := c.Snapshot()
	assert.Equal(t, []string{"r2", "r1"}, ids(snap))
	assert.Equal(t, "updated", snap[0].Model)
}

func TestRecordCacheSeedTruncates(t *testing.T) {
	c := NewRecordCache(2)
	c.Seed([]store.TelemetryLog{{ID: "r3"}, {ID: "r2"}, {ID: "r1"}})
	assert.Equal(t, []string{"r3", "r2"}, ids(c.Snapshot()))
}

func TestRecordCacheSnapshotIsCopy(t *testing.T) {
	c := NewRecordCache(0)
	c.Prepend(store.TelemetryLog{ID: "r1"})
	snap := c.Snapshot()
	snap[0].ID = "mutated"
	assert.Equal(t, "r1", c.Snapshot()[0].ID)
}
