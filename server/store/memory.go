package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore holds workspaces, keys and records in process memory.
// It implements the Store interface.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]*Workspace
	apiKeys    map[string]*APIKey // by KeyHash
	logs       map[string][]*TelemetryLog
	now        func() time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]*Workspace),
		apiKeys:    make(map[string]*APIKey),
		logs:       make(map[string][]*TelemetryLog),
		now:        time.Now,
	}
}

// --- Workspace Operations ---

func (s *MemoryStore) UpsertWorkspace(ctx context.Context, ws *Workspace) error {
	if ws.ID == "" {
		return errors.New("workspace id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws.CreatedAt.IsZero() {
		ws.CreatedAt = s.now().UTC()
	}
	c := *ws
	s.workspaces[ws.ID] = &c
	return nil
}

func (s *MemoryStore) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.workspaces[workspaceID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *ws
	return &c, nil
}

// --- API Key Operations ---

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.KeyHash == "" || key.WorkspaceID == "" {
		return errors.New("api key hash and workspace id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[key.WorkspaceID]; !ok {
		return ErrNotFound
	}
	if key.ID == "" {
		key.ID = newID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.now().UTC()
	}
	c := *key
	s.apiKeys[key.KeyHash] = &c
	return nil
}

func (s *MemoryStore) ResolveAPIKey(ctx context.Context, rawKey string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[HashAPIKey(rawKey)]
	if !ok {
		return nil, ErrNotFound
	}
	if !key.Usable(s.now()) {
		return nil, ErrKeyDisabled
	}
	c := *key
	return &c, nil
}

// --- Telemetry Operations ---

func (s *MemoryStore) CreateLog(ctx context.Context, workspaceID string, rec *TelemetryLog) (*TelemetryLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return nil, ErrNotFound
	}
	stored := copyLog(rec)
	stored.prepare(workspaceID, s.now())
	s.logs[workspaceID] = append(s.logs[workspaceID], stored)
	return copyLog(stored), nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, workspaceID string, limit int) ([]*TelemetryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.logs[workspaceID]
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > len(all) {
		limit = len(all)
	}
	result := make([]*TelemetryLog, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, copyLog(all[i]))
	}
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }
