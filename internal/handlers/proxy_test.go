package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-proxy-go/internal/config"
	"github.com/Davincible/claude-proxy-go/internal/providers"
	"github.com/Davincible/claude-proxy-go/internal/upstream"
)

// stubInvoker replays a canned upstream response and records the call.
type stubInvoker struct {
	lastCall   upstream.Call
	statusCode int
	header     http.Header
	body       string
	err        error
}

func (s *stubInvoker) Do(_ context.Context, call upstream.Call) (*http.Response, error) {
	s.lastCall = call

	if s.err != nil {
		return nil, s.err
	}

	header := s.header
	if header == nil {
		header = http.Header{"Content-Type": []string{"application/json"}}
	}

	return &http.Response{
		StatusCode: s.statusCode,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(s.body)),
	}, nil
}

func newTestHandler(t *testing.T, invoker upstream.Invoker) *ProxyHandler {
	t.Helper()

	t.Setenv("CCP_PREFERRED_PROVIDER", "")
	t.Setenv("CCP_BIG_MODEL", "")
	t.Setenv("CCP_SMALL_MODEL", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	manager := config.NewManager(t.TempDir())
	require.NoError(t, manager.Save(&config.Config{
		Providers: []config.Provider{
			{Name: "openai", APIKey: "sk-test"},
		},
		Router: config.RouterConfig{
			PreferredProvider: "openai",
			BigModel:          "gpt-4.1",
			SmallModel:        "gpt-4.1-mini",
			LongContext:       "openai/gpt-4.1-long",
		},
	}))
	_, err := manager.Load()
	require.NoError(t, err)

	registry := providers.NewRegistry()
	registry.Initialize(nil)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return NewProxyHandler(manager, registry, invoker, logger)
}

func TestProxy_NonStreaming(t *testing.T) {
	invoker := &stubInvoker{
		statusCode: http.StatusOK,
		body: `{
			"id": "chatcmpl-1",
			"model": "gpt-4.1",
			"choices": [{"message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 4, "completion_tokens": 2}
		}`,
	}
	handler := newTestHandler(t, invoker)

	body := `{"model": "claude-sonnet-4", "max_tokens": 100, "messages": [{"role": "user", "content": "hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	// Auth and translation were applied on the way out.
	assert.Equal(t, "Bearer sk-test", invoker.lastCall.Header.Get("Authorization"))
	assert.Contains(t, invoker.lastCall.URL, "chat/completions")

	var sent map[string]any
	require.NoError(t, json.Unmarshal(invoker.lastCall.Body, &sent))
	assert.Equal(t, "gpt-4.1", sent["model"])
	assert.Equal(t, float64(100), sent["max_completion_tokens"])

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "message", result["type"])
	assert.Equal(t, "end_turn", result["stop_reason"])
}

func TestProxy_UnknownAlias(t *testing.T) {
	handler := newTestHandler(t, &stubInvoker{statusCode: http.StatusOK})

	body := `{"model": "mystery-9000", "messages": []}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "error", result["type"])
	assert.Equal(t, "invalid_request_error", result["error"].(map[string]any)["type"])
}

func TestProxy_MissingModel(t *testing.T) {
	handler := newTestHandler(t, &stubInvoker{statusCode: http.StatusOK})

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"messages": []}`))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProxy_UpstreamFailure(t *testing.T) {
	handler := newTestHandler(t, &stubInvoker{err: io.ErrUnexpectedEOF})

	body := `{"model": "claude-sonnet-4", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "api_error", result["error"].(map[string]any)["type"])
}

func TestProxy_UpstreamErrorStatusPreserved(t *testing.T) {
	invoker := &stubInvoker{
		statusCode: http.StatusTooManyRequests,
		body:       `{"error": {"message": "slow down", "type": "rate_limit_exceeded"}}`,
	}
	handler := newTestHandler(t, invoker)

	body := `{"model": "claude-sonnet-4", "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	errObj := result["error"].(map[string]any)
	assert.Equal(t, "rate_limit_error", errObj["type"])
	assert.Equal(t, "slow down", errObj["message"])
}

func TestProxy_UnsupportedContentBlock(t *testing.T) {
	handler := newTestHandler(t, &stubInvoker{statusCode: http.StatusOK})

	body := `{"model": "claude-sonnet-4", "messages": [
		{"role": "user", "content": [{"type": "document", "source": {}}]}
	]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no openai representation")
}

func TestProxy_Streaming(t *testing.T) {
	streamBody := strings.Join([]string{
		`data: {"id":"chatcmpl-1","model":"gpt-4.1","choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"id":"chatcmpl-1","model":"gpt-4.1","choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: {"id":"chatcmpl-1","model":"gpt-4.1","choices":[{"delta":{},"finish_reason":"stop"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	invoker := &stubInvoker{
		statusCode: http.StatusOK,
		header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		body:       streamBody,
	}
	handler := newTestHandler(t, invoker)

	body := `{"model": "claude-sonnet-4", "stream": true, "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := rec.Body.String()
	assert.Contains(t, events, "event: message_start")
	assert.Contains(t, events, `"text":"Hel"`)
	assert.Contains(t, events, `"text":"lo"`)
	assert.Contains(t, events, "event: message_stop")
	assert.NotContains(t, events, "[DONE]")
}

func TestProxy_StreamTruncationAborts(t *testing.T) {
	// Upstream dies mid-message: no terminal events may be fabricated.
	streamBody := strings.Join([]string{
		`data: {"id":"chatcmpl-1","model":"gpt-4.1","choices":[{"delta":{"role":"assistant","content":"partial"}}]}`,
		``,
	}, "\n")

	invoker := &stubInvoker{
		statusCode: http.StatusOK,
		header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		body:       streamBody,
	}
	handler := newTestHandler(t, invoker)

	body := `{"model": "claude-sonnet-4", "stream": true, "messages": [{"role": "user", "content": "hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	events := rec.Body.String()
	assert.Contains(t, events, `"text":"partial"`)
	assert.Contains(t, events, "event: content_block_stop")
	assert.NotContains(t, events, "event: message_delta")
	assert.NotContains(t, events, "event: message_stop")
}

func TestProxy_LongContextEscalation(t *testing.T) {
	invoker := &stubInvoker{
		statusCode: http.StatusOK,
		body:       `{"id":"c1","model":"gpt-4.1-long","choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`,
	}
	handler := newTestHandler(t, invoker)

	// Push the token count over the configured threshold.
	padding := strings.Repeat("lorem ipsum dolor sit amet ", 20000)
	body := `{"model": "claude-sonnet-4", "messages": [{"role": "user", "content": "` + padding + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var sent map[string]any
	require.NoError(t, json.Unmarshal(invoker.lastCall.Body, &sent))
	assert.Equal(t, "gpt-4.1-long", sent["model"])
}

func TestHealthHandler(t *testing.T) {
	registry := providers.NewRegistry()
	registry.Initialize(nil)

	handler := NewHealthHandler(registry, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "ok", result["status"])
	assert.Len(t, result["providers"].([]any), 3)
}
