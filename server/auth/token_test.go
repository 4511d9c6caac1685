package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-for-subscription-tokens-0123456789")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCodec(t *testing.T, opts ...Option) (*Codec, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	codec, err := NewCodec(testSecret, append([]Option{WithClock(clock.Now), WithTTL(time.Hour)}, opts...)...)
	require.NoError(t, err)
	return codec, clock
}

func TestNewCodecRejectsWeakSecret(t *testing.T) {
	_, err := NewCodec(nil)
	assert.ErrorIs(t, err, ErrWeakSecret)

	_, err = NewCodec([]byte("short"))
	assert.ErrorIs(t, err, ErrWeakSecret)
}

func TestIssueValidateRoundTrip(t *testing.T) {
	codec, clock := newTestCodec(t)

	token, issued, err := codec.Issue("W1")
	require.NoError(t, err)
	assert.Equal(t, "W1", issued.WorkspaceID)
	assert.Equal(t, clock.t.Add(time.Hour), issued.ExpiresAt)
	assert.NotEmpty(t, issued.TokenID)

	claims, err := codec.Validate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, issued, claims)
}

func TestDefaultTTLIs24Hours(t *testing.T) {
	codec, err := NewCodec(testSecret)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, codec.TTL())
}

func TestIssueRequiresWorkspace(t *testing.T) {
	codec, _ := newTestCodec(t)
	_, _, err := codec.Issue("")
	assert.Error(t, err)
}

func TestValidateExpiryBoundary(t *testing.T) {
	codec, clock := newTestCodec(t)
	start := clock.t

	token, _, err := codec.Issue("W1")
	require.NoError(t, err)

	clock.t = start.Add(time.Hour - time.Millisecond)
	_, err = codec.Validate(context.Background(), token)
	assert.NoError(t, err, "valid until the last millisecond before expiresAt")

	clock.t = start.Add(time.Hour)
	_, err = codec.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired, "expiresAt itself is already expired")

	clock.t = start.Add(time.Hour + time.Millisecond)
	_, err = codec.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsEverySingleCharacterChange(t *testing.T) {
	codec, _ := newTestCodec(t)
	token, _, err := codec.Issue("W1")
	require.NoError(t, err)

	for i := 0; i < len(token); i++ {
		replacement := byte('A')
		if token[i] == 'A' {
			replacement = 'B'
		}
		tampered := token[:i] + string(replacement) + token[i+1:]

		_, err := codec.Validate(context.Background(), tampered)
		if !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("tampered token at index %d validated: %q", i, tampered)
		}
	}
}

func TestValidateRejectsForgedPayload(t *testing.T) {
	codec, _ := newTestCodec(t)
	token, _, err := codec.Issue("W1")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(token)
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal(raw, &env))

	env.Payload.WorkspaceID = "W2"
	forged, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = codec.Validate(context.Background(), base64.StdEncoding.EncodeToString(forged))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidateRejectsOtherSecret(t *testing.T) {
	codec, _ := newTestCodec(t)
	token, _, err := codec.Issue("W1")
	require.NoError(t, err)

	other, err := NewCodec([]byte(strings.Repeat("x", MinSecretLength)))
	require.NoError(t, err)
	_, err = other.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidateMalformedInputs(t *testing.T) {
	codec, _ := newTestCodec(t)
	b64 := func(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not base64", "%%%not-base64%%%"},
		{"base64 of garbage", b64("hello world")},
		{"json array", b64(`[1,2,3]`)},
		{"missing signature", b64(`{"payload":{"tokenId":"t","workspaceId":"W1","expiresAt":99999999999999}}`)},
		{"unknown field", b64(`{"payload":{"tokenId":"t","workspaceId":"W1","expiresAt":1},"signature":"","extra":1}`)},
		{"wrong types", b64(`{"payload":"W1","signature":5}`)},
		{"case folded keys", b64(`{"Payload":{"tokenId":"t","workspaceId":"W1","expiresAt":1},"signature":"00"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				_, err := codec.Validate(context.Background(), tt.token)
				assert.ErrorIs(t, err, ErrInvalidToken)
			})
		})
	}
}

func TestRevokedTokenIsRejected(t *testing.T) {
	denylist := NewMemoryDenylist()
	codec, clock := newTestCodec(t, WithDenylist(denylist))

	token, _, err := codec.Issue("W1")
	require.NoError(t, err)
	other, _, err := codec.Issue("W1")
	require.NoError(t, err)

	claims, err := codec.Revoke(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "W1", claims.WorkspaceID)

	_, err = codec.Validate(context.Background(), token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	_, err = codec.Validate(context.Background(), other)
	assert.NoError(t, err, "revocation is per token, not per workspace")

	assert.Equal(t, 0, denylist.Cleanup(clock.t))
	assert.Equal(t, 1, denylist.Cleanup(clock.t.Add(time.Hour)))
	assert.Equal(t, 0, denylist.Len())
}

func TestRevokeWithoutDenylist(t *testing.T) {
	codec, _ := newTestCodec(t)
	token, _, err := codec.Issue("W1")
	require.NoError(t, err)

	_, err = codec.Revoke(context.Background(), token)
	assert.Error(t, err)
}
