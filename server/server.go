package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/auth"
	"github.com/itskum47/promptlens/server/idempotency"
	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/ratelimit"
	"github.com/itskum47/promptlens/server/store"
	"github.com/itskum47/promptlens/server/streaming"
)

const (
	shutdownTimeout = 10 * time.Second
	janitorInterval = time.Minute
)

// Server wires the store, codec, stream layer and HTTP API together.
type Server struct {
	cfg       Config
	store     store.Store
	codec     *auth.Codec
	registry  *streaming.Registry
	bridge    *streaming.Bridge
	publisher streaming.Publisher
	gateway   *streaming.Gateway
	api       *API
	http      *http.Server

	memDenylist    *auth.MemoryDenylist
	memIdempotency *idempotency.Store

	logger zerolog.Logger
}

// NewServer builds every component from cfg. cfg must already be valid.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	logger := logging.WithComponent("server")

	s, redisStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	var denylist auth.Denylist
	var memDenylist *auth.MemoryDenylist
	if redisStore != nil {
		denylist = store.NewRedisDenylist(redisStore.Client())
	} else {
		memDenylist = auth.NewMemoryDenylist()
		denylist = memDenylist
	}

	codec, err := auth.NewCodec([]byte(cfg.Token.Secret),
		auth.WithTTL(cfg.Token.TTL),
		auth.WithDenylist(denylist),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := seedWorkspaces(ctx, s, cfg.Seed); err != nil {
		s.Close()
		return nil, err
	}

	registry := streaming.NewRegistry()
	bridge := streaming.NewBridge(registry)
	var publisher streaming.Publisher = bridge
	if cfg.Stream.LogEvents {
		publisher = streaming.MultiPublisher{bridge, streaming.NewLogPublisher()}
	}
	gateway := streaming.NewGateway(cfg.GatewayConfig(), registry, codec)
	var idem idempotency.Backend
	var memIdem *idempotency.Store
	if redisStore != nil {
		idem = idempotency.NewRedisBackend(redisStore, idempotency.DefaultTTL)
		logger.Info().Msg("using redis idempotency store")
	} else {
		memIdem = idempotency.NewStore()
		idem = memIdem
	}

	api := NewAPI(APIDeps{
		Store:         s,
		Codec:         codec,
		Publisher:     publisher,
		Gateway:       gateway,
		Registry:      registry,
		Idempotency:   idem,
		TokenLimiter:  ratelimit.NewTokenBucketLimiter(cfg.RateLimit.TokenRPS, cfg.RateLimit.TokenBurst),
		IngestLimiter: ratelimit.NewTokenBucketLimiter(cfg.RateLimit.IngestRPS, cfg.RateLimit.IngestBurst),
	})

	srv := &Server{
		cfg:            cfg,
		store:          s,
		codec:          codec,
		registry:       registry,
		bridge:         bridge,
		publisher:      publisher,
		gateway:        gateway,
		api:            api,
		memDenylist:    memDenylist,
		memIdempotency: memIdem,
		logger:         logger,
	}
	srv.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv, nil
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, *store.RedisStore, error) {
	logger := logging.WithComponent("store")
	switch cfg.Driver {
	case DriverPostgres:
		pg, err := store.NewPostgresStore(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, fmt.Errorf("failed to apply schema: %w", err)
		}
		logger.Info().Msg("using postgres store")
		return pg, nil, nil
	case DriverRedis:
		rs, err := store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis store")
		return rs, rs, nil
	default:
		logger.Info().Msg("using in-memory store (ephemeral)")
		return store.NewMemoryStore(), nil, nil
	}
}

func seedWorkspaces(ctx context.Context, s store.Store, seeds []SeedWorkspace) error {
	for _, seed := range seeds {
		if err := s.UpsertWorkspace(ctx, &store.Workspace{ID: seed.WorkspaceID, Name: seed.Name}); err != nil {
			return fmt.Errorf("seed workspace %s: %w", seed.WorkspaceID, err)
		}
		for _, raw := range seed.APIKeys {
			err := s.CreateAPIKey(ctx, &store.APIKey{
				WorkspaceID: seed.WorkspaceID,
				Name:        "seed",
				KeyHash:     store.HashAPIKey(raw),
				KeyPrefix:   store.KeyPrefix(raw),
				IsActive:    true,
			})
			if err != nil {
				return fmt.Errorf("seed api key for %s: %w", seed.WorkspaceID, err)
			}
		}
	}
	return nil
}

// Handler exposes the routed API, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go s.runJanitor(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", s.cfg.ListenAddr).
			Str("stream_path", s.gateway.Path()).
			Str("store", s.cfg.Store.Driver).
			Msg("PromptLens server listening")
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Hijacked stream connections are not tracked by http.Server.
	s.registry.CloseAll()
	s.gateway.CloseAll()
	err := s.http.Shutdown(shutdownCtx)
	s.publisher.Close()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// runJanitor drops expired denylist and idempotency entries.
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := 0
			if s.memIdempotency != nil {
				removed += s.memIdempotency.Cleanup()
			}
			if s.memDenylist != nil {
				removed += s.memDenylist.Cleanup(now)
			}
			if removed > 0 {
				s.logger.Debug().Int("removed", removed).Msg("janitor pass")
			}
		}
	}
}
