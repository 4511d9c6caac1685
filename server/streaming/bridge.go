package streaming

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/observability"
	"github.com/itskum47/promptlens/server/store"
)

// Bridge turns persisted records into new_log broadcasts. Delivery is best
// effort: a sink that fails a send is closed and the caller never sees it.
type Bridge struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewBridge(registry *Registry) *Bridge {
	return &Bridge{
		registry: registry,
		logger:   logging.WithComponent("bridge"),
	}
}

// OnRecordPersisted broadcasts record to every sink of its workspace.
func (b *Bridge) OnRecordPersisted(record *store.TelemetryLog) {
	if record == nil {
		return
	}
	b.broadcast(record.WorkspaceID, record)
}

// Publish implements Publisher with topic as the workspace id.
func (b *Bridge) Publish(ctx context.Context, topic string, payload interface{}) error {
	if rec, ok := payload.(*store.TelemetryLog); ok {
		b.OnRecordPersisted(rec)
		return nil
	}
	_, err := b.fanout(topic, payload)
	return err
}

func (b *Bridge) Close() error { return nil }

func (b *Bridge) broadcast(workspaceID string, record any) {
	delivered, err := b.fanout(workspaceID, record)
	if err != nil {
		b.logger.Error().Err(err).Str("workspace_id", workspaceID).Msg("failed to encode broadcast")
		return
	}
	b.logger.Debug().Str("workspace_id", workspaceID).Int("delivered", delivered).Msg("record broadcast")
}

// fanout encodes the frame once and sends the same bytes to each sink.
func (b *Bridge) fanout(workspaceID string, record any) (int, error) {
	data, err := EncodeNewLog(record)
	if err != nil {
		return 0, err
	}

	observability.BroadcastRecords.Inc()
	start := time.Now()
	defer func() {
		observability.BroadcastFanoutDuration.Observe(time.Since(start).Seconds())
	}()

	delivered := 0
	b.registry.ForEachMatching(workspaceID, func(s Sink) {
		if err := s.Send(data); err != nil {
			observability.BroadcastDeliveries.WithLabelValues("failed").Inc()
			b.logger.Warn().Err(err).
				Str("conn_id", s.ID()).
				Str("workspace_id", workspaceID).
				Msg("broadcast send failed, closing connection")
			s.Close()
			return
		}
		observability.BroadcastDeliveries.WithLabelValues("ok").Inc()
		delivered++
	})
	return delivered, nil
}
