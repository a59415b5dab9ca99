package providers

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Initialize(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize(nil)

	for _, family := range []string{"openai", "gemini", "anthropic"} {
		provider, ok := registry.Get(family)
		require.True(t, ok, family)
		assert.Equal(t, family, provider.Name())
		assert.True(t, provider.SupportsStreaming())
	}

	_, ok := registry.Get("mystery")
	assert.False(t, ok)

	assert.Len(t, registry.List(), 3)
}

func TestRegistry_EndpointOverride(t *testing.T) {
	registry := NewRegistry()
	registry.Initialize(map[string]Settings{
		"openai": {Endpoint: "http://localhost:8000/v1/chat/completions"},
	})

	provider, ok := registry.Get("openai")
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8000/v1/chat/completions", provider.RequestURL("gpt-4.1", false))
}

func TestAnthropic_Passthrough(t *testing.T) {
	p := NewAnthropicProvider(Settings{})

	request := []byte(`{"model":"claude-sonnet-4","messages":[]}`)
	out, err := p.TransformRequest(request)
	require.NoError(t, err)
	assert.Equal(t, request, out)

	response := []byte(`{"id":"msg_1","type":"message","content":[]}`)
	out, err = p.TransformResponse(response)
	require.NoError(t, err)
	assert.Equal(t, response, out)
}

func TestAnthropic_ApplyAuth(t *testing.T) {
	p := NewAnthropicProvider(Settings{})

	header := http.Header{}
	p.ApplyAuth(header, "sk-ant-test")
	assert.Equal(t, "sk-ant-test", header.Get("x-api-key"))
	assert.Equal(t, "2023-06-01", header.Get("anthropic-version"))
}

func TestAnthropic_StreamPassthroughTerminal(t *testing.T) {
	p := NewAnthropicProvider(Settings{})
	state := NewStreamState()

	events, err := p.TransformStream([]byte(`{"type":"message_start","message":{"id":"msg_1"}}`), state)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(events), "event: message_start\ndata: "))
	assert.False(t, state.Done())

	events, err = p.TransformStream([]byte(`{"type":"message_stop"}`), state)
	require.NoError(t, err)
	assert.Contains(t, string(events), "event: message_stop")
	assert.True(t, state.Done())

	// Nothing after the terminal event.
	events, err = p.TransformStream([]byte(`{"type":"ping"}`), state)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestIsStreamingHeader(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "text/event-stream; charset=utf-8")
	assert.True(t, isStreamingHeader(header))

	header = http.Header{}
	header.Set("Content-Type", "application/json")
	assert.False(t, isStreamingHeader(header))

	header = http.Header{}
	header.Set("Transfer-Encoding", "chunked")
	assert.True(t, isStreamingHeader(header))
}

func TestConvertToolIDs(t *testing.T) {
	assert.Equal(t, "toolu_abc", ConvertToolCallID("call_abc"))
	assert.Equal(t, "toolu_abc", ConvertToolCallID("toolu_abc"))
	assert.Equal(t, "toolu_raw", ConvertToolCallID("raw"))

	assert.Equal(t, "call_abc", ConvertToolUseID("toolu_abc"))
	assert.Equal(t, "call_abc", ConvertToolUseID("call_abc"))

	// Round trip is stable.
	assert.Equal(t, "toolu_9", ConvertToolCallID(ConvertToolUseID("toolu_9")))
}

func TestErrorTypeForStatus(t *testing.T) {
	assert.Equal(t, ErrTypeInvalidRequest, ErrorTypeForStatus(400))
	assert.Equal(t, ErrTypeAuthentication, ErrorTypeForStatus(401))
	assert.Equal(t, ErrTypeRequestTooLarge, ErrorTypeForStatus(413))
	assert.Equal(t, ErrTypeRateLimit, ErrorTypeForStatus(429))
	assert.Equal(t, ErrTypeOverloaded, ErrorTypeForStatus(529))
	assert.Equal(t, ErrTypeInvalidRequest, ErrorTypeForStatus(422))
	assert.Equal(t, ErrTypeAPI, ErrorTypeForStatus(500))
}
