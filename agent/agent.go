// Package agent is the client side of the live stream: it obtains a socket
// token with an API key, subscribes over a websocket and keeps a bounded,
// newest-first cache of the records the server pushes.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/store"
	"github.com/itskum47/promptlens/server/streaming"
)

var (
	// ErrTokenRequest means the token endpoint answered with a non-2xx status.
	// The agent does not retry it.
	ErrTokenRequest = errors.New("socket token request failed")

	// ErrSubscriptionRejected means the server answered subscribe with an error.
	ErrSubscriptionRejected = errors.New("subscription rejected")
)

const (
	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

type Config struct {
	// BaseURL is the server's HTTP origin, e.g. http://localhost:8080.
	BaseURL     string
	WorkspaceID string
	// APIKey authenticates the token request. Without one Run does nothing.
	APIKey     string
	StreamPath string

	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	CacheSize int

	// Reconnect starts a new session, with a fresh token, after one ends.
	Reconnect  bool
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// SeedLimit > 0 fills the cache from GET /api/logs before streaming.
	SeedLimit int

	OnRecord func(store.TelemetryLog)
	// OnSeed receives the seeded records, newest first.
	OnSeed        func([]store.TelemetryLog)
	OnStateChange func(connected bool)
}

type Agent struct {
	cfg       Config
	base      *url.URL
	cache     *RecordCache
	connected atomic.Bool
	stateMu   sync.Mutex
	logger    zerolog.Logger
}

func New(cfg Config) (*Agent, error) {
	if cfg.WorkspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported scheme: %q", base.Scheme)
	}

	if cfg.StreamPath == "" {
		cfg.StreamPath = streaming.DefaultPath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = max(DefaultMaxBackoff, cfg.MinBackoff)
	}

	return &Agent{
		cfg:    cfg,
		base:   base,
		cache:  NewRecordCache(cfg.CacheSize),
		logger: logging.WithWorkspace("agent", cfg.WorkspaceID),
	}, nil
}

// Connected reports whether the current session has been acknowledged.
func (a *Agent) Connected() bool { return a.connected.Load() }

// Records returns the cached records, newest first.
func (a *Agent) Records() []store.TelemetryLog { return a.cache.Snapshot() }

// Run streams until ctx is cancelled, the server ends the session (without
// Reconnect), or the token endpoint refuses the key. Cancellation is not an
// error.
func (a *Agent) Run(ctx context.Context) error {
	if a.cfg.APIKey == "" {
		a.logger.Warn().Msg("no API key configured, live stream disabled")
		return nil
	}

	if a.cfg.SeedLimit > 0 {
		if err := a.seed(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("failed to seed recent records")
		}
	}

	backoff := a.cfg.MinBackoff
	for {
		subscribed, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrTokenRequest) || !a.cfg.Reconnect {
			return err
		}

		if subscribed {
			backoff = a.cfg.MinBackoff
		}
		wait := backoff + time.Duration(rand.Int64N(int64(backoff)/5+1))
		a.logger.Info().Err(err).Dur("retry_in", wait).Msg("stream session ended, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

// session runs one token, dial, subscribe and read cycle. subscribed reports
// whether the server acknowledged the subscription.
func (a *Agent) session(ctx context.Context) (subscribed bool, err error) {
	token, err := a.requestToken(ctx)
	if err != nil {
		return false, err
	}

	conn, _, err := a.cfg.Dialer.DialContext(ctx, a.streamURL(), nil)
	if err != nil {
		return false, fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	defer a.setConnected(false)

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	if err := conn.WriteMessage(websocket.TextMessage, streaming.EncodeSubscribe(token)); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return subscribed, nil
			}
			return subscribed, fmt.Errorf("stream read: %w", err)
		}

		var msg streaming.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			a.logger.Debug().Err(err).Msg("ignoring undecodable frame")
			continue
		}

		switch msg.Type {
		case streaming.TypeConnected:
			a.logger.Debug().Str("message", msg.Message).Msg("stream opened")
		case streaming.TypeSubscribed:
			subscribed = true
			a.setConnected(true)
			a.logger.Info().Msg("live stream subscribed")
		case streaming.TypeNewLog:
			var rec store.TelemetryLog
			if err := json.Unmarshal(msg.Data, &rec); err != nil {
				a.logger.Warn().Err(err).Msg("ignoring malformed record")
				continue
			}
			a.cache.Prepend(rec)
			if a.cfg.OnRecord != nil {
				a.cfg.OnRecord(rec)
			}
		case streaming.TypeError:
			a.logger.Warn().Str("message", msg.Message).Msg("server rejected subscription")
			return subscribed, fmt.Errorf("%w: %s", ErrSubscriptionRejected, msg.Message)
		}
	}
}

func (a *Agent) setConnected(v bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	if a.connected.Swap(v) != v && a.cfg.OnStateChange != nil {
		a.cfg.OnStateChange(v)
	}
}

func (a *Agent) requestToken(ctx context.Context) (string, error) {
	u := a.base.JoinPath("tenants", a.cfg.WorkspaceID, "socket-token")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-API-Key", a.cfg.APIKey)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrTokenRequest, resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
		return "", fmt.Errorf("%w: malformed response", ErrTokenRequest)
	}
	return body.Token, nil
}

func (a *Agent) seed(ctx context.Context) error {
	u := a.base.JoinPath("api", "logs")
	u.RawQuery = url.Values{"limit": {strconv.Itoa(a.cfg.SeedLimit)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", a.cfg.APIKey)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("list logs: status %d", resp.StatusCode)
	}

	var recs []store.TelemetryLog
	if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
		return fmt.Errorf("decode logs: %w", err)
	}
	a.cache.Seed(recs)
	if a.cfg.OnSeed != nil {
		a.cfg.OnSeed(recs)
	}
	a.logger.Debug().Int("records", len(recs)).Msg("cache seeded")
	return nil
}

// streamURL converts the base origin to ws(s) and appends the stream path.
func (a *Agent) streamURL() string {
	u := *a.base
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + a.cfg.StreamPath
	u.RawQuery = ""
	return u.String()
}
