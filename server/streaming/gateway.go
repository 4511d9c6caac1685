package streaming

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/itskum47/promptlens/server/auth"
	"github.com/itskum47/promptlens/server/logging"
	"github.com/itskum47/promptlens/server/observability"
)

const (
	DefaultPath             = "/ws"
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPongWait         = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxConnections   = 200

	maxMessageSize = 8 << 10
)

type GatewayConfig struct {
	Path string
	// HandshakeTimeout bounds the time from accept to a successful
	// subscribe. Zero disables it.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteTimeout     time.Duration
	MaxConnections   int
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Path:             DefaultPath,
		HandshakeTimeout: DefaultHandshakeTimeout,
		PingInterval:     DefaultPingInterval,
		PongWait:         DefaultPongWait,
		WriteTimeout:     DefaultWriteTimeout,
		MaxConnections:   DefaultMaxConnections,
	}
}

// TokenValidator is the part of auth.Codec the gateway needs.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// Gateway accepts stream connections and runs each through the subscribe
// handshake before registering it for broadcasts.
type Gateway struct {
	cfg       GatewayConfig
	registry  *Registry
	validator TokenValidator
	upgrader  websocket.Upgrader
	active    atomic.Int64
	logger    zerolog.Logger

	// conns holds every accepted connection, subscribed or not.
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

func NewGateway(cfg GatewayConfig, registry *Registry, validator TokenValidator) *Gateway {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Gateway{
		cfg:       cfg,
		registry:  registry,
		validator: validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		logger: logging.WithComponent("gateway"),
		conns:  make(map[*Conn]struct{}),
	}
}

func (g *Gateway) Path() string { return g.cfg.Path }

// Active returns the number of open connections, authenticated or not.
func (g *Gateway) Active() int { return int(g.active.Load()) }

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if n := g.active.Add(1); n > int64(g.cfg.MaxConnections) {
		g.active.Add(-1)
		observability.StreamUpgradeRejections.WithLabelValues("max_connections").Inc()
		g.logger.Warn().Int("max", g.cfg.MaxConnections).Msg("stream connection rejected: max connections reached")
		http.Error(w, "Too many stream connections", http.StatusServiceUnavailable)
		return
	}
	defer g.active.Add(-1)

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.StreamUpgradeRejections.WithLabelValues("upgrade_failed").Inc()
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	ws.SetReadLimit(maxMessageSize)

	conn := NewConn(ws, g.cfg.WriteTimeout)
	g.track(conn)
	defer g.untrack(conn)
	defer conn.Close()

	g.serve(r.Context(), conn, ws)
}

// CloseAll closes every accepted connection, including those still in the
// handshake. Their read loops then exit and deregister.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.conns) > 0 {
		g.logger.Info().Int("connections", len(g.conns)).Msg("closing accepted stream connections")
	}
	for c := range g.conns {
		c.Close()
	}
}

func (g *Gateway) track(c *Conn) {
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *Conn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// serve drives one connection until it closes.
func (g *Gateway) serve(ctx context.Context, conn *Conn, ws *websocket.Conn) {
	logger := g.logger.With().Str("conn_id", conn.ID()).Logger()
	logger.Debug().Msg("stream client connected")

	observability.StreamConnections.WithLabelValues("pending").Inc()
	pending := true
	leavePending := func() {
		if pending {
			pending = false
			observability.StreamConnections.WithLabelValues("pending").Dec()
		}
	}
	defer leavePending()

	validate := func(token string) (string, error) {
		claims, err := g.validator.Validate(ctx, token)
		observability.TokenValidations.WithLabelValues(validationResult(err)).Inc()
		if err != nil {
			return "", err
		}
		return claims.WorkspaceID, nil
	}

	if err := conn.Send(encodeGreeting()); err != nil {
		logger.Debug().Err(err).Msg("greeting failed")
		return
	}

	var handshakeDeadline time.Time
	if g.cfg.HandshakeTimeout > 0 {
		handshakeDeadline = time.Now().Add(g.cfg.HandshakeTimeout)
	}
	ws.SetReadDeadline(handshakeDeadline)

	state := Connected()
	stopKeepalive := func() {}
	defer func() { stopKeepalive() }()

	step := func(ev SessionEvent) bool {
		prev := state
		var actions []Action
		state, actions = Next(state, ev, validate)
		if _, ok := ev.(MessageReceived); ok && len(actions) == 0 && state == prev {
			observability.StreamIgnoredMessages.WithLabelValues(prev.Kind.String()).Inc()
		}
		if prev.Kind != state.Kind {
			g.onTransition(logger, prev, state, ev)
			if state.Kind != StateConnected {
				leavePending()
			}
		}
		return g.apply(logger, conn, actions)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if state.Kind == StateConnected && isTimeout(err) {
				step(HandshakeExpired{})
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("stream connection error")
			}
			step(TransportClosed{})
			return
		}

		wasAuthenticated := state.Registered()
		if closed := step(MessageReceived{Data: data}); closed {
			step(TransportClosed{})
			return
		}
		if !wasAuthenticated && state.Registered() {
			stopKeepalive = g.startKeepalive(logger, conn, ws)
		}
	}
}

func (g *Gateway) apply(logger zerolog.Logger, conn *Conn, actions []Action) (closed bool) {
	for _, a := range actions {
		switch a := a.(type) {
		case SendMessage:
			if err := conn.Send(a.Payload); err != nil {
				logger.Debug().Err(err).Msg("stream send failed")
			}
		case Register:
			g.registry.Add(Entry{Sink: conn, WorkspaceID: a.WorkspaceID})
		case Deregister:
			g.registry.Remove(conn)
		case CloseTransport:
			conn.Close()
			closed = true
		}
	}
	return closed
}

func (g *Gateway) onTransition(logger zerolog.Logger, from, to State, ev SessionEvent) {
	switch to.Kind {
	case StateAuthenticated:
		observability.StreamHandshakes.WithLabelValues("subscribed").Inc()
		logger.Info().Str("workspace_id", to.WorkspaceID).Msg("stream client subscribed")
	case StateRejected:
		result := "rejected"
		if _, ok := ev.(HandshakeExpired); ok {
			result = "timeout"
		}
		observability.StreamHandshakes.WithLabelValues(result).Inc()
		logger.Info().Str("reason", to.Reason).Msg("stream subscribe rejected")
	case StateClosed:
		if from.Kind == StateConnected {
			observability.StreamHandshakes.WithLabelValues("abandoned").Inc()
		}
		logger.Debug().Str("from", from.String()).Msg("stream client disconnected")
	}
}

// startKeepalive moves the connection from the handshake deadline to
// ping/pong liveness. The returned func stops the pinger.
func (g *Gateway) startKeepalive(logger zerolog.Logger, conn *Conn, ws *websocket.Conn) func() {
	if g.cfg.PongWait > 0 {
		ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
		ws.SetPongHandler(func(string) error {
			ws.SetReadDeadline(time.Now().Add(g.cfg.PongWait))
			return nil
		})
	} else {
		ws.SetReadDeadline(time.Time{})
	}

	if g.cfg.PingInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(g.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					logger.Debug().Err(err).Msg("stream ping failed")
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func validationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	case errors.Is(err, auth.ErrMalformedToken):
		return "malformed"
	default:
		return "error"
	}
}
