// Package idempotency caches responses by client-supplied key so a retried
// ingestion request is answered without being applied twice.
package idempotency

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached response is replayed.
	DefaultTTL = time.Hour
	// DefaultLockTTL bounds how long an unfinished request holds its key.
	DefaultLockTTL = 30 * time.Second
)

// Header is the request header carrying the client key.
const Header = "X-Idempotency-Key"

// ErrInFlight means another request with the same key has not finished.
var ErrInFlight = errors.New("idempotent request in progress")

type Response struct {
	StatusCode int
	Body       []byte
	Headers    map[string][]string
}

// Backend is a two-phase idempotency store. Begin either returns the cached
// response, returns ErrInFlight, or claims the key (nil, nil). A claimed key
// must be finished with Complete or Abort.
type Backend interface {
	Begin(ctx context.Context, key string) (*Response, error)
	Complete(ctx context.Context, key string, resp Response) error
	Abort(ctx context.Context, key string) error
}

// Store is the in-process Backend.
type Store struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	lockTTL time.Duration
	now     func() time.Time
}

type entry struct {
	resp      *Response // nil while locked
	timestamp time.Time
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithLockTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]entry),
		ttl:     DefaultTTL,
		lockTTL: DefaultLockTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key scopes a client key to its workspace so tenants cannot collide.
func Key(workspaceID, clientKey string) string {
	return workspaceID + "\x00" + clientKey
}

func (s *Store) Begin(_ context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && !s.expired(e, now) {
		if e.resp == nil {
			return nil, ErrInFlight
		}
		resp := *e.resp
		return &resp, nil
	}
	s.entries[key] = entry{timestamp: now}
	return nil, nil
}

func (s *Store) Complete(_ context.Context, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{resp: &resp, timestamp: s.now()}
	return nil
}

func (s *Store) Abort(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.resp == nil {
		delete(s.entries, key)
	}
	return nil
}

// Cleanup drops expired results and stale locks and returns how many were
// removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	now := s.now()
	for k, e := range s.entries {
		if s.expired(e, now) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

func (s *Store) expired(e entry, now time.Time) bool {
	ttl := s.ttl
	if e.resp == nil {
		ttl = s.lockTTL
	}
	return now.Sub(e.timestamp) > ttl
}
