package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/promptlens/server/idempotency"
	"github.com/itskum47/promptlens/server/middleware"
	"github.com/itskum47/promptlens/server/streaming"
)

const (
	keyW1 = "pl_w1_test_key"
	keyW2 = "pl_w2_test_key"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Token.Secret = strings.Repeat("s", 32)
	cfg.Seed = []SeedWorkspace{
		{WorkspaceID: "W1", Name: "One", APIKeys: []string{keyW1}},
		{WorkspaceID: "W2", Name: "Two", APIKeys: []string{keyW2}},
	}
	return cfg
}

func newTestServer(t *testing.T, mutate func(*Config)) (*httptest.Server, *Server) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	srv, err := NewServer(context.Background(), cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.registry.CloseAll()
		ts.Close()
	})
	return ts, srv
}

func doRequest(t *testing.T, method, url, apiKey string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func issueToken(t *testing.T, ts *httptest.Server, workspaceID, apiKey string) string {
	t.Helper()
	resp, body := doRequest(t, http.MethodPost, ts.URL+"/tenants/"+workspaceID+"/socket-token", apiKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out socketTokenResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func dialStream(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Equal(t, streaming.TypeConnected, readFrame(t, conn).Type)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) streaming.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m streaming.Message
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func subscribeStream(t *testing.T, ts *httptest.Server, workspaceID, apiKey string) *websocket.Conn {
	t.Helper()
	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, streaming.EncodeSubscribe(issueToken(t, ts, workspaceID, apiKey))))
	msg := readFrame(t, conn)
	require.Equal(t, streaming.TypeSubscribed, msg.Type)
	require.Equal(t, workspaceID, msg.WorkspaceID)
	return conn
}

func TestSocketTokenEndpoint(t *testing.T) {
	ts, srv := newTestServer(t, nil)

	tests := []struct {
		name      string
		workspace string
		apiKey    string
		status    int
	}{
		{"ok", "W1", keyW1, http.StatusOK},
		{"missing key", "W1", "", http.StatusUnauthorized},
		{"unknown key", "W1", "pl_bogus", http.StatusUnauthorized},
		{"unknown workspace", "W404", keyW1, http.StatusNotFound},
		{"other workspace", "W2", keyW1, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, ts.URL+"/tenants/"+tt.workspace+"/socket-token", tt.apiKey, nil, nil)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			if tt.status != http.StatusOK {
				return
			}
			var out socketTokenResponse
			require.NoError(t, json.Unmarshal(body, &out))
			claims, err := srv.codec.Validate(context.Background(), out.Token)
			require.NoError(t, err)
			assert.Equal(t, "W1", claims.WorkspaceID)
			assert.WithinDuration(t, claims.ExpiresAt, out.ExpiresAt, time.Millisecond)
		})
	}
}

func TestSocketTokenBearerAuth(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/tenants/W1/socket-token", "", nil,
		map[string]string{"Authorization": "Bearer " + keyW1})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSocketTokenRateLimited(t *testing.T) {
	ts, _ := newTestServer(t, func(c *Config) {
		c.RateLimit.TokenRPS = 0.001
		c.RateLimit.TokenBurst = 1
	})

	issueToken(t, ts, "W1", keyW1)
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/tenants/W1/socket-token", keyW1, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Buckets are per workspace.
	issueToken(t, ts, "W2", keyW2)
}

func TestIngestBroadcastsToSubscribers(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	c1 := subscribeStream(t, ts, "W1", keyW1)
	c2 := subscribeStream(t, ts, "W1", keyW1)
	other := subscribeStream(t, ts, "W2", keyW2)
	idle := dialStream(t, ts)

	payload := []byte(`{"model":"gpt-4","prompt":"hi","response":"hello","promptTokens":3,"completionTokens":4,"cost":0.01,"latencyMs":42,"metadata":{"env":"test"}}`)
	resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW1, payload, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var stored map[string]any
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, "W1", stored["workspaceId"])
	assert.EqualValues(t, 7, stored["totalTokens"])

	for _, c := range []*websocket.Conn{c1, c2} {
		msg := readFrame(t, c)
		assert.Equal(t, streaming.TypeNewLog, msg.Type)
		assert.JSONEq(t, strings.TrimSpace(string(body)), string(msg.Data))
	}

	for _, c := range []*websocket.Conn{other, idle} {
		c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, data, err := c.ReadMessage()
		assert.Error(t, err, "unexpected frame: %s", data)
	}
}

func TestIngestIdempotentReplay(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	conn := subscribeStream(t, ts, "W1", keyW1)

	payload := []byte(`{"model":"gpt-4"}`)
	headers := map[string]string{"X-Idempotency-Key": "req-42"}

	first, firstBody := doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW1, payload, headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	second, secondBody := doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW1, payload, headers)
	require.Equal(t, http.StatusCreated, second.StatusCode)

	assert.Equal(t, firstBody, secondBody)
	assert.Equal(t, "true", second.Header.Get("X-Idempotent-Replay"))

	assert.Equal(t, streaming.TypeNewLog, readFrame(t, conn).Type)
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "replay must not broadcast again")

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/logs", keyW1, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []map[string]any
	require.NoError(t, json.Unmarshal(body, &logs))
	assert.Len(t, logs, 1)

	// The same client key from another workspace is a different request.
	third, _ := doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW2, payload, headers)
	assert.Equal(t, http.StatusCreated, third.StatusCode)
	assert.Empty(t, third.Header.Get("X-Idempotent-Replay"))
}

func TestIngestValidation(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not json", `{`, http.StatusBadRequest},
		{"missing model", `{"prompt":"x"}`, http.StatusBadRequest},
		{"negative tokens", `{"model":"m","promptTokens":-1}`, http.StatusBadRequest},
		{"ok", `{"model":"m"}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW1, []byte(tt.body), nil)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
		})
	}

	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/logs", "", []byte(`{"model":"m"}`), nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestListLogs(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	for _, model := range []string{"a", "b", "c"} {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW1, []byte(`{"model":"`+model+`"}`), nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	doRequest(t, http.MethodPost, ts.URL+"/api/logs", keyW2, []byte(`{"model":"other"}`), nil)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/logs?limit=2", keyW1, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs []struct {
		Model string `json:"model"`
	}
	require.NoError(t, json.Unmarshal(body, &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].Model)
	assert.Equal(t, "b", logs[1].Model)

	resp, _ = doRequest(t, http.MethodGet, ts.URL+"/api/logs?limit=zero", keyW1, nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRevokeSocketToken(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	token := issueToken(t, ts, "W1", keyW1)

	body, _ := json.Marshal(map[string]string{"token": token})
	resp, _ := doRequest(t, http.MethodPost, ts.URL+"/tenants/W2/socket-token/revoke", keyW2, body, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "token from another workspace")

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/tenants/W1/socket-token/revoke", keyW1, body, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	conn := dialStream(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, streaming.EncodeSubscribe(token)))
	msg := readFrame(t, conn)
	assert.Equal(t, streaming.TypeError, msg.Type)

	resp, _ = doRequest(t, http.MethodPost, ts.URL+"/tenants/W1/socket-token/revoke", keyW1, []byte(`{"token":"junk"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	subscribeStream(t, ts, "W1", keyW1)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/health", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status     string `json:"status"`
		Subscribed int    `json:"subscribed"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Subscribed)

	resp, body = doRequest(t, http.MethodGet, ts.URL+"/metrics", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "promptlens_stream_handshakes_total")
}

func keyedRequest(workspaceID, clientKey string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/logs", nil)
	req.Header.Set(idempotency.Header, clientKey)
	return req.WithContext(middleware.WithTenant(req.Context(), workspaceID))
}

func TestIdempotencyInFlightDuplicate(t *testing.T) {
	a := NewAPI(APIDeps{Idempotency: idempotency.NewStore()})

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h := a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": "r1"})
	})

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.ServeHTTP(first, keyedRequest("W1", "dup"))
	}()
	<-entered

	dup := httptest.NewRecorder()
	h.ServeHTTP(dup, keyedRequest("W1", "dup"))
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "1", dup.Header().Get("Retry-After"))

	close(release)
	<-done
	require.Equal(t, http.StatusCreated, first.Code)

	replay := httptest.NewRecorder()
	h.ServeHTTP(replay, keyedRequest("W1", "dup"))
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, first.Body.String(), replay.Body.String())
	assert.Equal(t, int32(1), calls.Load(), "handler ran once")
}

func TestIdempotencyServerErrorNotCached(t *testing.T) {
	a := NewAPI(APIDeps{Idempotency: idempotency.NewStore()})

	var calls atomic.Int32
	h := a.withIdempotency(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": "r2"})
	})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, keyedRequest("W1", "retry"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, keyedRequest("W1", "retry"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Idempotent-Replay"))
	assert.Equal(t, int32(2), calls.Load())
}
