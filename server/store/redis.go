package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/promptlens/server/observability"
)

// DefaultRedisLogRetention bounds the per-workspace history kept in Redis.
const DefaultRedisLogRetention = 1000

// RedisStore implements the Store interface using Redis. Records live in a
// capped list per workspace, newest at the head.
type RedisStore struct {
	client    *redis.Client
	retention int64
}

func NewRedisStore(addr string, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client without pinging it.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, retention: DefaultRedisLogRetention}
}

// SetRetention changes how many records are kept per workspace.
func (s *RedisStore) SetRetention(n int) {
	if n > 0 {
		s.retention = int64(n)
	}
}

// Client exposes the underlying client so the denylist can share it.
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func observeRedis(op string) func() {
	start := time.Now()
	return func() {
		observability.StoreLatency.WithLabelValues("redis", op).Observe(time.Since(start).Seconds())
	}
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, 0).Err()
}

// --- Workspace Operations ---

func (s *RedisStore) UpsertWorkspace(ctx context.Context, ws *Workspace) error {
	defer observeRedis("upsert_workspace")()
	if ws.ID == "" {
		return errors.New("workspace id is required")
	}

	var existing Workspace
	switch err := s.getJSON(ctx, TenantKey(ws.ID, ResourceWorkspace), &existing); {
	case err == nil:
		ws.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrNotFound):
		if ws.CreatedAt.IsZero() {
			ws.CreatedAt = time.Now().UTC()
		}
	default:
		return err
	}
	return s.setJSON(ctx, TenantKey(ws.ID, ResourceWorkspace), ws)
}

func (s *RedisStore) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	defer observeRedis("get_workspace")()
	var ws Workspace
	if err := s.getJSON(ctx, TenantKey(workspaceID, ResourceWorkspace), &ws); err != nil {
		return nil, err
	}
	return &ws, nil
}

// --- API Key Operations ---

// redisAPIKey carries the hash, which APIKey hides from JSON.
type redisAPIKey struct {
	APIKey
	KeyHash string `json:"keyHash"`
}

func (s *RedisStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	defer observeRedis("create_api_key")()
	if key.KeyHash == "" || key.WorkspaceID == "" {
		return errors.New("api key hash and workspace id are required")
	}
	exists, err := s.client.Exists(ctx, TenantKey(key.WorkspaceID, ResourceWorkspace)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if key.ID == "" {
		key.ID = newID()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	return s.setJSON(ctx, APIKeyKey(key.KeyHash), redisAPIKey{APIKey: *key, KeyHash: key.KeyHash})
}

func (s *RedisStore) ResolveAPIKey(ctx context.Context, rawKey string) (*APIKey, error) {
	defer observeRedis("resolve_api_key")()
	var rk redisAPIKey
	if err := s.getJSON(ctx, APIKeyKey(HashAPIKey(rawKey)), &rk); err != nil {
		return nil, err
	}
	key := rk.APIKey
	key.KeyHash = rk.KeyHash
	if !key.Usable(time.Now()) {
		return nil, ErrKeyDisabled
	}
	return &key, nil
}

// --- Telemetry Operations ---

func (s *RedisStore) CreateLog(ctx context.Context, workspaceID string, rec *TelemetryLog) (*TelemetryLog, error) {
	defer observeRedis("create_log")()

	exists, err := s.client.Exists(ctx, TenantKey(workspaceID, ResourceWorkspace)).Result()
	if err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	l := copyLog(rec)
	l.prepare(workspaceID, time.Now())
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}

	key := TenantKey(workspaceID, ResourceLogs)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, s.retention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("append log: %w", err)
	}
	return l, nil
}

func (s *RedisStore) ListLogs(ctx context.Context, workspaceID string, limit int) ([]*TelemetryLog, error) {
	defer observeRedis("list_logs")()
	if limit <= 0 {
		limit = DefaultListLimit
	}
	items, err := s.client.LRange(ctx, TenantKey(workspaceID, ResourceLogs), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	logs := make([]*TelemetryLog, 0, len(items))
	for _, item := range items {
		var l TelemetryLog
		if err := json.Unmarshal([]byte(item), &l); err != nil {
			return nil, fmt.Errorf("decode log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, nil
}
