package streaming

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/observability"
)

// Entry binds an authenticated sink to its workspace.
type Entry struct {
	Sink        Sink
	WorkspaceID string
}

// Registry holds the authenticated connections of this process. One mutex
// covers Add, Remove and ForEachMatching so a broadcast sees a consistent set
// and broadcasts to a workspace are serialized.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry // by Sink.ID
	logger  zerolog.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logging.WithComponent("registry"),
	}
}

// Add registers e. Adding a sink that is already present replaces its entry.
func (r *Registry) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.Sink.ID()
	if _, ok := r.entries[id]; !ok {
		observability.StreamConnections.WithLabelValues("subscribed").Inc()
	}
	r.entries[id] = e
	r.logger.Debug().
		Str("conn_id", id).
		Str("workspace_id", e.WorkspaceID).
		Int("total", len(r.entries)).
		Msg("connection registered")
}

// Remove drops s. Removing an absent sink is a no-op.
func (r *Registry) Remove(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := s.ID()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	observability.StreamConnections.WithLabelValues("subscribed").Dec()
	r.logger.Debug().Str("conn_id", id).Int("total", len(r.entries)).Msg("connection unregistered")
}

// ForEachMatching calls fn for every open sink registered to workspaceID.
// fn runs with the registry locked and must not call back into it.
func (r *Registry) ForEachMatching(workspaceID string, fn func(Sink)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.WorkspaceID == workspaceID && e.Sink.IsOpen() {
			fn(e.Sink)
		}
	}
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) CountByWorkspace(workspaceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if e.WorkspaceID == workspaceID {
			n++
		}
	}
	return n
}

// CloseAll closes every registered sink and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.logger.Info().Int("connections", len(r.entries)).Msg("closing all stream connections")
	for id, e := range r.entries {
		e.Sink.Close()
		delete(r.entries, id)
		observability.StreamConnections.WithLabelValues("subscribed").Dec()
	}
}
