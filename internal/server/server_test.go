package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davincible/claude-proxy-go/internal/config"
)

func TestProviderSettings(t *testing.T) {
	cfg := &config.Config{
		Providers: []config.Provider{
			{Name: "openai", APIBase: "http://localhost:8000/v1/chat/completions"},
		},
		Sanitizer: map[string]config.SanitizerRules{
			"gemini": {
				RemoveKeywords: []string{"additionalProperties"},
				KeepAllFormats: true,
			},
		},
	}

	settings := providerSettings(cfg)

	openai, ok := settings["openai"]
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8000/v1/chat/completions", openai.Endpoint)

	gemini, ok := settings["gemini"]
	require.True(t, ok)
	assert.Equal(t, []string{"additionalProperties"}, gemini.SchemaRules.RemoveKeywords)
	assert.True(t, gemini.SchemaRules.KeepAllFormats)

	// Anthropic gets the built-in defaults untouched.
	anthropic, ok := settings["anthropic"]
	require.True(t, ok)
	assert.Empty(t, anthropic.Endpoint)
	assert.Empty(t, anthropic.SchemaRules.RemoveKeywords)
}
