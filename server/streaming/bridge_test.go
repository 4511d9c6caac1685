package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/promptlens/server/store"
)

func sampleRecord(id, workspaceID string) *store.TelemetryLog {
	return &store.TelemetryLog{
		ID:               id,
		WorkspaceID:      workspaceID,
		Model:            "gpt-4",
		Provider:         "openai",
		Prompt:           "hello",
		Response:         "hi there",
		PromptTokens:     10,
		CompletionTokens: 20,
		TotalTokens:      30,
		Cost:             0.0015,
		LatencyMs:        250,
		Status:           "success",
		Metadata:         map[string]string{"env": "prod"},
		Timestamp:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestBridgeBroadcastScenario(t *testing.T) {
	r := NewRegistry()
	b := NewBridge(r)
	c1, c2, c3 := newFakeSink(), newFakeSink(), newFakeSink()
	r.Add(Entry{Sink: c1, WorkspaceID: "W1"})
	r.Add(Entry{Sink: c2, WorkspaceID: "W1"})
	r.Add(Entry{Sink: c3, WorkspaceID: "W2"})

	rec := sampleRecord("r1", "W1")
	b.OnRecordPersisted(rec)

	want, err := json.Marshal(rec)
	require.NoError(t, err)

	for _, c := range []*fakeSink{c1, c2} {
		msgs := c.messages()
		require.Len(t, msgs, 1)
		m := decode(t, msgs[0])
		assert.Equal(t, TypeNewLog, m.Type)
		assert.JSONEq(t, string(want), string(m.Data))

		var got store.TelemetryLog
		require.NoError(t, json.Unmarshal(m.Data, &got))
		assert.Equal(t, *rec, got)
	}
	assert.Empty(t, c3.messages())
	assert.Equal(t, c1.messages(), c2.messages(), "identical bytes to every receiver")
}

func TestBridgeSendFailureIsIsolated(t *testing.T) {
	r := NewRegistry()
	b := NewBridge(r)
	broken, healthy := newFakeSink(), newFakeSink()
	broken.failSend = true
	r.Add(Entry{Sink: broken, WorkspaceID: "W1"})
	r.Add(Entry{Sink: healthy, WorkspaceID: "W1"})

	assert.NotPanics(t, func() { b.OnRecordPersisted(sampleRecord("r1", "W1")) })

	assert.False(t, broken.IsOpen())
	assert.Len(t, healthy.messages(), 1)

	b.OnRecordPersisted(sampleRecord("r2", "W1"))
	assert.Len(t, healthy.messages(), 2)
	assert.Equal(t, 1, broken.closes, "closed sinks are skipped")
}

func TestBridgePreservesOrder(t *testing.T) {
	r := NewRegistry()
	b := NewBridge(r)
	c := newFakeSink()
	r.Add(Entry{Sink: c, WorkspaceID: "W1"})

	for _, id := range []string{"r1", "r2", "r3"} {
		b.OnRecordPersisted(sampleRecord(id, "W1"))
	}

	msgs := c.messages()
	require.Len(t, msgs, 3)
	for i, id := range []string{"r1", "r2", "r3"} {
		var rec store.TelemetryLog
		require.NoError(t, json.Unmarshal(decode(t, msgs[i]).Data, &rec))
		assert.Equal(t, id, rec.ID)
	}
}

func TestBridgeNilRecord(t *testing.T) {
	b := NewBridge(NewRegistry())
	assert.NotPanics(t, func() { b.OnRecordPersisted(nil) })
}

func TestBridgePublish(t *testing.T) {
	r := NewRegistry()
	b := NewBridge(r)
	c := newFakeSink()
	r.Add(Entry{Sink: c, WorkspaceID: "W1"})

	require.NoError(t, b.Publish(context.Background(), "W1", sampleRecord("r1", "W1")))
	require.NoError(t, b.Publish(context.Background(), "W1", map[string]string{"hello": "world"}))
	require.NoError(t, b.Publish(context.Background(), "W2", sampleRecord("r2", "W2")))

	msgs := c.messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"hello":"world"}`, string(decode(t, msgs[1]).Data))

	assert.Error(t, b.Publish(context.Background(), "W1", make(chan int)))
	assert.NoError(t, b.Close())
}

func TestMultiPublisher(t *testing.T) {
	r := NewRegistry()
	c := newFakeSink()
	r.Add(Entry{Sink: c, WorkspaceID: "W1"})

	pub := MultiPublisher{NewBridge(r), NewLogPublisher()}
	require.NoError(t, pub.Publish(context.Background(), "W1", sampleRecord("r1", "W1")))
	assert.Len(t, c.messages(), 1)

	assert.Error(t, pub.Publish(context.Background(), "W1", make(chan int)))
	assert.NoError(t, pub.Close())
}
