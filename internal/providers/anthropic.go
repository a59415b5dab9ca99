package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"

// AnthropicProvider is the passthrough family: requests already speak the
// origin protocol, so translation is the identity on both directions. Only
// routing, authentication and error classification apply.
type AnthropicProvider struct {
	endpoint string
}

func NewAnthropicProvider(s Settings) *AnthropicProvider {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultAnthropicEndpoint
	}

	return &AnthropicProvider{endpoint: endpoint}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) SupportsStreaming() bool { return true }

func (p *AnthropicProvider) RequestURL(_ string, _ bool) string {
	return p.endpoint
}

func (p *AnthropicProvider) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("x-api-key", apiKey)
	}

	if header.Get("anthropic-version") == "" {
		header.Set("anthropic-version", "2023-06-01")
	}
}

func (p *AnthropicProvider) IsStreaming(header http.Header) bool {
	return isStreamingHeader(header)
}

func (p *AnthropicProvider) TransformRequest(request []byte) ([]byte, error) {
	return request, nil
}

func (p *AnthropicProvider) TransformResponse(response []byte) ([]byte, error) {
	return response, nil
}

// TransformStream re-emits the upstream event verbatim, recovering the event
// name from the payload's type field. The state still tracks terminality so
// the caller can distinguish a finished stream from a truncated one.
func (p *AnthropicProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	if state.Done() {
		return nil, nil
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(chunk, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic stream chunk: %w", err)
	}

	if envelope.Type == "message_stop" {
		state.MarkFinished()
	}

	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", envelope.Type, chunk), nil
}

func (p *AnthropicProvider) TransformError(status int, body []byte) []byte {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
		// Already in the origin error shape; forward untouched.
		return body
	}

	return NewErrorResponse(ErrorTypeForStatus(status), upstreamErrorMessage(body))
}
