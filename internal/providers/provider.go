// Package providers translates between the Anthropic wire protocol and the
// wire protocols of the backend families the proxy can route to. Each family
// implements the same translation capability; everything family-specific
// lives behind the Provider interface instead of scattered conditionals.
package providers

import (
	"net/http"
	"strings"

	"github.com/Davincible/claude-proxy-go/internal/schema"
)

// Provider is one backend family's translation implementation. Providers are
// configured once at startup and are safe for concurrent use: all per-call
// state lives in the request payloads and the StreamState.
type Provider interface {
	Name() string
	SupportsStreaming() bool

	// RequestURL builds the upstream URL for a call to the given model.
	RequestURL(model string, stream bool) string

	// ApplyAuth sets the family's authentication header on an upstream call.
	ApplyAuth(header http.Header, apiKey string)

	// TransformRequest converts an Anthropic-format request body into the
	// family's native request body.
	TransformRequest(request []byte) ([]byte, error)

	// TransformResponse converts a complete, non-streaming backend response
	// into an Anthropic-format response body.
	TransformResponse(response []byte) ([]byte, error)

	// TransformStream converts one backend stream chunk into zero or more
	// Anthropic SSE events, advancing the per-call state.
	TransformStream(chunk []byte, state *StreamState) ([]byte, error)

	// TransformError converts an upstream failure into an Anthropic-shaped
	// error payload, preserving the backend's message as the detail.
	TransformError(status int, body []byte) []byte

	// IsStreaming reports whether the upstream response headers indicate an
	// event stream.
	IsStreaming(header http.Header) bool
}

// Settings carry the per-family knobs resolved from configuration at
// startup: an endpoint override and the sanitizer rule set.
type Settings struct {
	Endpoint    string
	SchemaRules schema.Rules
}

// Registry holds the configured provider instances, keyed by family name.
// It is populated once at startup and read-only afterwards.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(provider Provider) {
	r.providers[provider.Name()] = provider
}

func (r *Registry) Get(family string) (Provider, bool) {
	provider, exists := r.providers[family]
	return provider, exists
}

func (r *Registry) List() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}

	return names
}

// Initialize registers the built-in backend families. The settings map is
// keyed by family name; missing entries get the family defaults.
func (r *Registry) Initialize(settings map[string]Settings) {
	r.Register(NewOpenAIProvider(settingsFor(settings, "openai")))
	r.Register(NewGeminiProvider(settingsFor(settings, "gemini")))
	r.Register(NewAnthropicProvider(settingsFor(settings, "anthropic")))
}

func settingsFor(all map[string]Settings, family string) Settings {
	if all == nil {
		return Settings{SchemaRules: schema.RulesFor(family)}
	}

	s, ok := all[family]
	if !ok {
		return Settings{SchemaRules: schema.RulesFor(family)}
	}

	return s
}

// isStreamingHeader is the shared streaming detection all families use:
// an event-stream content type or chunked transfer encoding.
func isStreamingHeader(header http.Header) bool {
	for _, ct := range header.Values("Content-Type") {
		if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "stream") {
			return true
		}
	}

	for _, te := range header.Values("Transfer-Encoding") {
		if te == "chunked" {
			return true
		}
	}

	return false
}
