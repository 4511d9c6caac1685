package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/itskum47/promptlens/server/observability"
)

// Schema is applied by EnsureSchema. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workspaces (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS api_keys (
	id           TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	name         TEXT NOT NULL DEFAULT '',
	key_hash     TEXT NOT NULL UNIQUE,
	key_prefix   TEXT NOT NULL DEFAULT '',
	is_active    BOOLEAN NOT NULL DEFAULT TRUE,
	expires_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS telemetry_logs (
	id                TEXT PRIMARY KEY,
	workspace_id      TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	project_id        TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL,
	provider          TEXT NOT NULL DEFAULT '',
	prompt            TEXT NOT NULL DEFAULT '',
	response          TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens      INTEGER NOT NULL DEFAULT 0,
	cost              DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms        BIGINT NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT 'success',
	metadata          JSONB,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS telemetry_logs_workspace_created
	ON telemetry_logs (workspace_id, created_at DESC);
`

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func observePG(op string) func() {
	start := time.Now()
	return func() {
		observability.StoreLatency.WithLabelValues("postgres", op).Observe(time.Since(start).Seconds())
	}
}

// mapPGError turns a foreign key violation (unknown workspace) into ErrNotFound.
func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}

// --- Workspace Operations ---

func (s *PostgresStore) UpsertWorkspace(ctx context.Context, ws *Workspace) error {
	defer observePG("upsert_workspace")()
	if ws.ID == "" {
		return errors.New("workspace id is required")
	}
	query := `
		INSERT INTO workspaces (id, name, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
		RETURNING created_at
	`
	return s.pool.QueryRow(ctx, query, ws.ID, ws.Name).Scan(&ws.CreatedAt)
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (*Workspace, error) {
	defer observePG("get_workspace")()
	query := `SELECT id, name, created_at FROM workspaces WHERE id = $1`
	var ws Workspace
	err := s.pool.QueryRow(ctx, query, workspaceID).Scan(&ws.ID, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// --- API Key Operations ---

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	defer observePG("create_api_key")()
	if key.KeyHash == "" || key.WorkspaceID == "" {
		return errors.New("api key hash and workspace id are required")
	}
	if key.ID == "" {
		key.ID = newID()
	}
	query := `
		INSERT INTO api_keys (id, workspace_id, name, key_hash, key_prefix, is_active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (key_hash) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			expires_at = EXCLUDED.expires_at
		RETURNING id, created_at
	`
	err := s.pool.QueryRow(ctx, query,
		key.ID, key.WorkspaceID, key.Name, key.KeyHash, key.KeyPrefix, key.IsActive, key.ExpiresAt,
	).Scan(&key.ID, &key.CreatedAt)
	return mapPGError(err)
}

func (s *PostgresStore) ResolveAPIKey(ctx context.Context, rawKey string) (*APIKey, error) {
	defer observePG("resolve_api_key")()
	query := `
		SELECT id, workspace_id, name, key_hash, key_prefix, is_active, expires_at, created_at
		FROM api_keys WHERE key_hash = $1
	`
	var k APIKey
	err := s.pool.QueryRow(ctx, query, HashAPIKey(rawKey)).Scan(
		&k.ID, &k.WorkspaceID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.IsActive, &k.ExpiresAt, &k.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !k.Usable(time.Now()) {
		return nil, ErrKeyDisabled
	}
	return &k, nil
}

// --- Telemetry Operations ---

const logColumns = `id, workspace_id, project_id, model, provider, prompt, response,
	prompt_tokens, completion_tokens, total_tokens, cost, latency_ms, status,
	COALESCE(metadata, '{}'::jsonb), created_at`

func scanLog(row pgx.Row) (*TelemetryLog, error) {
	var l TelemetryLog
	err := row.Scan(
		&l.ID, &l.WorkspaceID, &l.ProjectID, &l.Model, &l.Provider, &l.Prompt, &l.Response,
		&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &l.Cost, &l.LatencyMs, &l.Status,
		&l.Metadata, &l.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if len(l.Metadata) == 0 {
		l.Metadata = nil
	}
	l.Timestamp = l.Timestamp.UTC()
	return &l, nil
}

func (s *PostgresStore) CreateLog(ctx context.Context, workspaceID string, rec *TelemetryLog) (*TelemetryLog, error) {
	defer observePG("create_log")()

	l := copyLog(rec)
	l.prepare(workspaceID, time.Now())

	query := `
		INSERT INTO telemetry_logs (id, workspace_id, project_id, model, provider, prompt, response,
			prompt_tokens, completion_tokens, total_tokens, cost, latency_ms, status, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING ` + logColumns
	stored, err := scanLog(s.pool.QueryRow(ctx, query,
		l.ID, l.WorkspaceID, l.ProjectID, l.Model, l.Provider, l.Prompt, l.Response,
		l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.Cost, l.LatencyMs, l.Status,
		l.Metadata, l.Timestamp,
	))
	if err != nil {
		return nil, mapPGError(err)
	}
	return stored, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, workspaceID string, limit int) ([]*TelemetryLog, error) {
	defer observePG("list_logs")()
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := `SELECT ` + logColumns + ` FROM telemetry_logs
		WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, query, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*TelemetryLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
