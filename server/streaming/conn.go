package streaming

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnClosed is returned by Send after Close.
var ErrConnClosed = errors.New("connection closed")

// Sink is one broadcast destination.
type Sink interface {
	ID() string
	IsOpen() bool
	Send(data []byte) error
	Close() error
}

// Conn adapts a websocket connection to Sink. gorilla allows a single
// concurrent writer, so data frames go through mu; control frames use
// WriteControl, which may run alongside.
type Conn struct {
	id           string
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	open      atomic.Bool
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		writeTimeout: writeTimeout,
	}
	c.open.Store(true)
	return c
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) IsOpen() bool { return c.open.Load() }

// Send writes one text frame, bounded by the write timeout.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open.Load() {
		return ErrConnClosed
	}
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a keepalive control frame.
func (c *Conn) Ping() error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	return c.ws.WriteControl(websocket.PingMessage, nil, c.deadline())
}

// Close sends a normal close frame and releases the socket. It is safe to
// call more than once and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, c.deadline())
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) deadline() time.Time {
	if c.writeTimeout > 0 {
		return time.Now().Add(c.writeTimeout)
	}
	return time.Now().Add(5 * time.Second)
}
