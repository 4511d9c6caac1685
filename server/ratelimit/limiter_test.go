package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketPerKey(t *testing.T) {
	l := NewTokenBucketLimiter(0.001, 2)

	assert.True(t, l.Allow("W1"))
	assert.True(t, l.Allow("W1"))
	assert.False(t, l.Allow("W1"))

	assert.True(t, l.Allow("W2"), "buckets are independent")
	assert.Equal(t, 2, l.Len())
}

func TestReserveReportsDelay(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1)

	ok, delay := l.Reserve("k")
	assert.True(t, ok)
	assert.Zero(t, delay)

	ok, delay = l.Reserve("k")
	assert.False(t, ok)
	assert.Greater(t, delay.Nanoseconds(), int64(0))
}

func TestMiddleware(t *testing.T) {
	l := NewTokenBucketLimiter(0.001, 1)
	h := Middleware(l, "test", func(r *http.Request) string { return r.Header.Get("X-Key") })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }),
	)

	do := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if key != "" {
			req.Header.Set("X-Key", key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do("a").Code)
	limited := do("a")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.NotEmpty(t, limited.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do("b").Code)
	assert.Equal(t, http.StatusOK, do("").Code, "no key, no limit")
	assert.Equal(t, http.StatusOK, do("").Code)
}
