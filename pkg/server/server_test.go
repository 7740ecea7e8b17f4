package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/J1aDong/codexproxy/pkg/logging"
	"github.com/J1aDong/codexproxy/pkg/runtimeconfig"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

func newTestServer(t *testing.T, targetURL string) (*ProxyServer, *runtimeconfig.Handle) {
	t.Helper()
	tracer, err := logging.NewTracer(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Close() })

	handle := runtimeconfig.NewHandle(runtimeconfig.Config{
		TargetURL:                        targetURL,
		APIKey:                           "test-key",
		Context:                          transform.Context{Converter: "anthropic"},
		IgnoreProbeRequests:              true,
		AllowCountTokensFallbackEstimate: true,
	})
	s := New(0, handle, 0, logging.NewLogger(false), tracer, false)
	return s, handle
}

func doRequest(t *testing.T, s *ProxyServer, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("x-api-key", "client-key")
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)
	return w
}

func TestHandleMessages_ProbeShortCircuitsNonStream(t *testing.T) {
	s, _ := newTestServer(t, "https://example.invalid/v1/messages")
	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"count"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages", body)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "message", resp["type"])
	assert.Equal(t, probeMessageID, resp["id"])
}

func TestHandleMessages_ProbeShortCircuitsStream(t *testing.T) {
	s, _ := newTestServer(t, "https://example.invalid/v1/messages")
	body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"foo"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "event: message_start")
	assert.Contains(t, w.Body.String(), "event: message_stop")
}

func TestHandleMessages_MissingAPIKeyUnauthorized(t *testing.T) {
	s, _ := newTestServer(t, "https://example.invalid/v1/messages")
	handle := runtimeconfig.NewHandle(runtimeconfig.Config{
		TargetURL: "https://example.invalid/v1/messages",
		Context:   transform.Context{Converter: "anthropic"},
	})
	s.handle = handle

	req := httptest.NewRequest(http.MethodPost, "/messages", strings.NewReader(`{"model":"m","messages":[]}`))
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleMessages_StreamsUpstreamSSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"role\":\"assistant\",\"model\":\"claude-sonnet-4\",\"usage\":{}}}\n\n")
		flusher.Flush()
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, upstream.URL)
	body := `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hello there"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages", body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "message_start")
	assert.Contains(t, w.Body.String(), "message_stop")
}

func TestHandleMessages_AggregatesNonStream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		frames := []string{
			`event: message_start
data: {"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"claude-sonnet-4","usage":{}}}

`,
			`event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

`,
			`event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}

`,
			`event: content_block_stop
data: {"type":"content_block_stop","index":0}

`,
			`event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":1}}

`,
			`event: message_stop
data: {"type":"message_stop"}

`,
		}
		for _, f := range frames {
			io.WriteString(w, f)
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, upstream.URL)
	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello there"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages", body)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "end_turn", resp["stop_reason"])
	content := resp["content"].([]any)
	require.Len(t, content, 1)
	block := content[0].(map[string]any)
	assert.Equal(t, "hi", block["text"])
}

func TestHandleMessages_UpstreamErrorStatusPassesThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"rate_limit","reset_seconds":5}}`))
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, upstream.URL)
	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello there"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages", body)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	seconds, cooling := s.cooldowns.Check("claude-sonnet-4")
	assert.True(t, cooling)
	assert.GreaterOrEqual(t, seconds, 1)
}

func TestHandleMessages_LocalCooldownReturns429WithRetryAfter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should not be called while the model is cooling down")
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, upstream.URL)
	s.cooldowns.Set("claude-sonnet-4", 30)

	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello there"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages", body)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestHandleCountTokens_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/count_tokens")
		_, _ = w.Write([]byte(`{"input_tokens":17}`))
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, upstream.URL)
	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages/count_tokens", body)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.EqualValues(t, 17, resp["input_tokens"])
}

func TestHandleCountTokens_FallbackEstimateOnUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	s, _ := newTestServer(t, upstream.URL)
	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello world"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages/count_tokens", body)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Greater(t, resp["input_tokens"], float64(0))
}

func TestHandleCountTokens_FailsClosedWhenFallbackDisabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	s, handle := newTestServer(t, upstream.URL)
	handle.ApplyUpdate(runtimeconfig.Update{AllowCountTokensFallbackEstimate: boolPtr(false)})

	body := `{"model":"claude-sonnet-4","stream":false,"messages":[{"role":"user","content":"hello"}]}`
	w := doRequest(t, s, http.MethodPost, "/messages/count_tokens", body)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func boolPtr(b bool) *bool { return &b }

func TestNotFoundForUnknownPath(t *testing.T) {
	s, _ := newTestServer(t, "https://example.invalid")
	w := doRequest(t, s, http.MethodGet, "/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartShutsDownOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t, "https://example.invalid")
	s.port = 0 // port 0 lets Start bind an ephemeral port

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	s.httpServer = nil
	go func() {
		errCh <- s.Start(ctx)
	}()
	// give ListenAndServe a moment to bind before cancelling
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
