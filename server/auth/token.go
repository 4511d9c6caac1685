package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL bounds how long a leaked subscription token stays usable.
const DefaultTTL = 24 * time.Hour

// MinSecretLength is enforced at construction so a weak secret fails startup.
const MinSecretLength = 32

var (
	ErrInvalidToken   = errors.New("invalid subscription token")
	ErrMalformedToken = fmt.Errorf("%w: malformed", ErrInvalidToken)
	ErrBadSignature   = fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	ErrTokenExpired   = fmt.Errorf("%w: expired", ErrInvalidToken)
	ErrTokenRevoked   = fmt.Errorf("%w: revoked", ErrInvalidToken)

	ErrWeakSecret = fmt.Errorf("token secret must be at least %d bytes", MinSecretLength)
)

// Claims is what a valid token resolves to.
type Claims struct {
	TokenID     string
	WorkspaceID string
	ExpiresAt   time.Time
}

// payload is the signed part of the envelope. Field order is the canonical
// serialization order.
type payload struct {
	TokenID     string `json:"tokenId"`
	WorkspaceID string `json:"workspaceId"`
	ExpiresAt   int64  `json:"expiresAt"` // unix milliseconds
}

type envelope struct {
	Payload   payload `json:"payload"`
	Signature string  `json:"signature"`
}

// Denylist records revoked token ids until the tokens would have expired anyway.
type Denylist interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Codec issues and validates workspace subscription tokens. Validation is
// stateless unless a Denylist is configured.
type Codec struct {
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
	denylist Denylist
}

type Option func(*Codec)

func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

func WithDenylist(d Denylist) Option {
	return func(c *Codec) { c.denylist = d }
}

func NewCodec(secret []byte, opts ...Option) (*Codec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	c := &Codec{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Codec) TTL() time.Duration { return c.ttl }

// Issue mints a token scoped to workspaceID.
func (c *Codec) Issue(workspaceID string) (string, *Claims, error) {
	if workspaceID == "" {
		return "", nil, errors.New("workspace id is required")
	}

	p := payload{
		TokenID:     uuid.NewString(),
		WorkspaceID: workspaceID,
		ExpiresAt:   c.now().Add(c.ttl).UnixMilli(),
	}
	sig, err := c.sign(p)
	if err != nil {
		return "", nil, err
	}

	raw, err := json.Marshal(envelope{Payload: p, Signature: sig})
	if err != nil {
		return "", nil, fmt.Errorf("encode token: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), p.claims(), nil
}

// Validate returns the claims of a well-formed, correctly signed, unexpired
// token. Any failure wraps ErrInvalidToken.
func (c *Codec) Validate(ctx context.Context, token string) (*Claims, error) {
	env, err := decodeEnvelope(token)
	if err != nil {
		return nil, err
	}

	// 1. Verify signature
	expected, err := c.sign(env.Payload)
	if err != nil {
		return nil, ErrMalformedToken
	}
	if !hmac.Equal([]byte(env.Signature), []byte(expected)) {
		return nil, ErrBadSignature
	}

	// 2. Validate claims
	if env.Payload.WorkspaceID == "" || env.Payload.TokenID == "" {
		return nil, ErrMalformedToken
	}
	if c.now().UnixMilli() >= env.Payload.ExpiresAt {
		return nil, ErrTokenExpired
	}

	// 3. Revocation
	if c.denylist != nil {
		revoked, err := c.denylist.IsRevoked(ctx, env.Payload.TokenID)
		if err != nil {
			return nil, fmt.Errorf("check denylist: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	return env.Payload.claims(), nil
}

// Revoke denylists a valid token for the rest of its lifetime.
func (c *Codec) Revoke(ctx context.Context, token string) (*Claims, error) {
	if c.denylist == nil {
		return nil, errors.New("token revocation is not configured")
	}
	claims, err := c.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := c.denylist.Revoke(ctx, claims.TokenID, claims.ExpiresAt); err != nil {
		return nil, fmt.Errorf("revoke token: %w", err)
	}
	return claims, nil
}

func (c *Codec) sign(p payload) (string, error) {
	msg, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return computeHMAC(msg, c.secret), nil
}

// decodeEnvelope rejects anything that is not byte-for-byte the encoding Issue
// would have produced, so case-folded keys or padded JSON cannot alias a
// signed token.
func decodeEnvelope(token string) (*envelope, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(token)
	if err != nil {
		return nil, ErrMalformedToken
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, ErrMalformedToken
	}

	canonical, err := json.Marshal(env)
	if err != nil || !bytes.Equal(canonical, raw) {
		return nil, ErrMalformedToken
	}
	return &env, nil
}

func (p payload) claims() *Claims {
	return &Claims{
		TokenID:     p.TokenID,
		WorkspaceID: p.WorkspaceID,
		ExpiresAt:   time.UnixMilli(p.ExpiresAt),
	}
}

func computeHMAC(message, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(message)
	return hex.EncodeToString(h.Sum(nil))
}
