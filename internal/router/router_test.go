package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Resolve_CapabilityTiers(t *testing.T) {
	r := New(Preferences{
		PreferredFamily: FamilyOpenAI,
		BigModel:        "gpt-4.1",
		SmallModel:      "gpt-4.1-mini",
	})

	tests := []struct {
		alias    string
		expected BackendTarget
	}{
		{"claude-sonnet-4-20250514", BackendTarget{Family: FamilyOpenAI, ModelID: "gpt-4.1"}},
		{"claude-opus-4-20250514", BackendTarget{Family: FamilyOpenAI, ModelID: "gpt-4.1"}},
		{"claude-3-5-haiku-20241022", BackendTarget{Family: FamilyOpenAI, ModelID: "gpt-4.1-mini"}},
		{"HAIKU", BackendTarget{Family: FamilyOpenAI, ModelID: "gpt-4.1-mini"}},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			target, err := r.Resolve(tt.alias)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, target)
		})
	}
}

func TestRouter_Resolve_PreferredFamilyPrefix(t *testing.T) {
	r := New(Preferences{
		PreferredFamily: FamilyGemini,
		BigModel:        "gemini-2.5-pro",
		SmallModel:      "gemini-2.0-flash",
	})

	target, err := r.Resolve("claude-sonnet-4")
	require.NoError(t, err)

	assert.Equal(t, FamilyGemini, target.Family)
	assert.Equal(t, "gemini/", target.Prefix())
	assert.Equal(t, "gemini/gemini-2.5-pro", target.String())
}

func TestRouter_Resolve_ExplicitAliasWins(t *testing.T) {
	r := New(Preferences{
		PreferredFamily: FamilyOpenAI,
		BigModel:        "gpt-4.1",
		Aliases: map[string]string{
			"claude-sonnet-4": "gemini/gemini-2.5-pro",
		},
	})

	target, err := r.Resolve("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, BackendTarget{Family: FamilyGemini, ModelID: "gemini-2.5-pro"}, target)
}

func TestRouter_Resolve_UnknownAlias(t *testing.T) {
	r := New(Preferences{PreferredFamily: FamilyOpenAI})

	_, err := r.Resolve("mystery-model")
	require.Error(t, err)

	var unknownErr *UnknownAliasError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "mystery-model", unknownErr.Alias)
}

func TestRouter_Resolve_DefaultFallback(t *testing.T) {
	r := New(Preferences{
		PreferredFamily: FamilyOpenAI,
		Default:         "openai/gpt-4.1-mini",
	})

	target, err := r.Resolve("mystery-model")
	require.NoError(t, err)
	assert.Equal(t, BackendTarget{Family: FamilyOpenAI, ModelID: "gpt-4.1-mini"}, target)
}

func TestRouter_ParseTarget_SlashModelIDs(t *testing.T) {
	r := New(Preferences{
		PreferredFamily: FamilyOpenAI,
		// OpenRouter-style ID: the leading segment is not a backend family.
		BigModel: "meta-llama/llama-3.1-70b",
	})

	target, err := r.Resolve("claude-sonnet-4")
	require.NoError(t, err)
	assert.Equal(t, BackendTarget{Family: FamilyOpenAI, ModelID: "meta-llama/llama-3.1-70b"}, target)
}

func TestRouter_ResolveLongContext(t *testing.T) {
	r := New(Preferences{PreferredFamily: FamilyOpenAI})
	_, ok := r.ResolveLongContext()
	assert.False(t, ok)

	r = New(Preferences{
		PreferredFamily: FamilyOpenAI,
		LongContext:     "gemini/gemini-2.5-pro",
	})

	target, ok := r.ResolveLongContext()
	require.True(t, ok)
	assert.Equal(t, "gemini/gemini-2.5-pro", target.String())
}
