package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/itskum47/promptlens/server/auth"
	"github.com/itskum47/promptlens/server/streaming"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	ListenAddr string          `yaml:"listen_addr"`
	Token      TokenConfig     `yaml:"token"`
	Stream     StreamConfig    `yaml:"stream"`
	Store      StoreConfig     `yaml:"store"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Log        LogConfig       `yaml:"log"`
	Seed       []SeedWorkspace `yaml:"seed"`
}

type TokenConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

type StreamConfig struct {
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	MaxConnections   int           `yaml:"max_connections"`
	LogEvents        bool          `yaml:"log_events"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	PostgresURL   string `yaml:"postgres_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

type RateLimitConfig struct {
	TokenRPS    float64 `yaml:"token_rps"`
	TokenBurst  int     `yaml:"token_burst"`
	IngestRPS   float64 `yaml:"ingest_rps"`
	IngestBurst int     `yaml:"ingest_burst"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SeedWorkspace is created at startup, with its raw API keys, if missing.
type SeedWorkspace struct {
	WorkspaceID string   `yaml:"workspace_id"`
	Name        string   `yaml:"name"`
	APIKeys     []string `yaml:"api_keys"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: ":8080",
		Token: TokenConfig{
			TTL: auth.DefaultTTL,
		},
		Stream: StreamConfig{
			Path:             streaming.DefaultPath,
			HandshakeTimeout: streaming.DefaultHandshakeTimeout,
			PingInterval:     streaming.DefaultPingInterval,
			PongWait:         streaming.DefaultPongWait,
			WriteTimeout:     streaming.DefaultWriteTimeout,
			MaxConnections:   streaming.DefaultMaxConnections,
		},
		Store: StoreConfig{
			Driver:    DriverMemory,
			RedisAddr: "localhost:6379",
		},
		RateLimit: RateLimitConfig{
			TokenRPS:    5,
			TokenBurst:  10,
			IngestRPS:   100,
			IngestBurst: 200,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig layers the YAML file at path (optional) and PROMPTLENS_*
// environment variables over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	str("PROMPTLENS_LISTEN_ADDR", &c.ListenAddr)
	str("PROMPTLENS_TOKEN_SECRET", &c.Token.Secret)
	str("PROMPTLENS_STORE_DRIVER", &c.Store.Driver)
	str("PROMPTLENS_POSTGRES_URL", &c.Store.PostgresURL)
	str("PROMPTLENS_REDIS_ADDR", &c.Store.RedisAddr)
	str("PROMPTLENS_REDIS_PASSWORD", &c.Store.RedisPassword)
	str("PROMPTLENS_LOG_LEVEL", &c.Log.Level)

	if v := getenv("PROMPTLENS_TOKEN_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROMPTLENS_TOKEN_TTL: %w", err)
		}
		c.Token.TTL = d
	}
	if v := getenv("PROMPTLENS_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROMPTLENS_REDIS_DB: %w", err)
		}
		c.Store.RedisDB = n
	}
	if v := getenv("PROMPTLENS_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROMPTLENS_MAX_CONNECTIONS: %w", err)
		}
		c.Stream.MaxConnections = n
	}
	if v := getenv("PROMPTLENS_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PROMPTLENS_LOG_JSON: %w", err)
		}
		c.Log.JSON = b
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Token.Secret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("token.secret must be at least %d bytes (set PROMPTLENS_TOKEN_SECRET)", auth.MinSecretLength))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("token.ttl must be positive"))
	}
	if !strings.HasPrefix(c.Stream.Path, "/") {
		errs = append(errs, errors.New("stream.path must start with /"))
	}
	if c.Stream.MaxConnections <= 0 {
		errs = append(errs, errors.New("stream.max_connections must be positive"))
	}
	if c.Stream.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("stream.handshake_timeout must not be negative"))
	}

	limits := []struct {
		name  string
		rps   float64
		burst int
	}{
		{"token", c.RateLimit.TokenRPS, c.RateLimit.TokenBurst},
		{"ingest", c.RateLimit.IngestRPS, c.RateLimit.IngestBurst},
	}
	for _, l := range limits {
		if l.rps <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s_rps must be positive", l.name))
		}
		if l.burst <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s_burst must be positive", l.name))
		}
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres driver"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	for i, s := range c.Seed {
		if s.WorkspaceID == "" {
			errs = append(errs, fmt.Errorf("seed[%d].workspace_id is required", i))
		}
	}
	return errors.Join(errs...)
}

// GatewayConfig maps the stream section onto the gateway's settings.
func (c *Config) GatewayConfig() streaming.GatewayConfig {
	return streaming.GatewayConfig{
		Path:             c.Stream.Path,
		HandshakeTimeout: c.Stream.HandshakeTimeout,
		PingInterval:     c.Stream.PingInterval,
		PongWait:         c.Stream.PongWait,
		WriteTimeout:     c.Stream.WriteTimeout,
		MaxConnections:   c.Stream.MaxConnections,
	}
}
