package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_StrictFamilyDropsFormatAndAdditionalProperties(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{
				"type":   "string",
				"format": "date-time",
			},
		},
		"additionalProperties": false,
	}

	result := Sanitize(input, RulesFor("gemini"))

	expected := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{
				"type": "string",
			},
		},
	}
	assert.Equal(t, expected, result)
}

func TestSanitize_PreservesRequiredAndEnum(t *testing.T) {
	input := map[string]any{
		"type":     "object",
		"required": []any{"unit", "location"},
		"properties": map[string]any{
			"unit": map[string]any{
				"type": "string",
				"enum": []any{"celsius", "fahrenheit"},
			},
			"location": map[string]any{
				"type":      "string",
				"minLength": float64(1),
			},
		},
	}

	result := Sanitize(input, RulesFor("gemini"))

	assert.Equal(t, []any{"unit", "location"}, result["required"])

	props := result["properties"].(map[string]any)
	unit := props["unit"].(map[string]any)
	assert.Equal(t, []any{"celsius", "fahrenheit"}, unit["enum"])

	location := props["location"].(map[string]any)
	assert.NotContains(t, location, "minLength", "constraint keywords are dropped, never tightened")
}

func TestSanitize_Idempotent(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":    "string",
				"format":  "uri",
				"pattern": "^https://",
			},
			"filters": map[string]any{
				"type": "array",
				"items": map[string]any{
					"anyOf": []any{
						map[string]any{"type": "string"},
						map[string]any{"type": "number"},
					},
				},
				"maxItems": float64(10),
			},
		},
		"additionalProperties": false,
		"$schema":              "http://json-schema.org/draft-07/schema#",
	}

	for _, family := range []string{"gemini", "openai", "anthropic"} {
		rules := RulesFor(family)
		once := Sanitize(input, rules)
		twice := Sanitize(once, rules)
		assert.Equal(t, once, twice, "sanitize must be idempotent for family %s", family)
	}
}

func TestSanitize_MalformedSubtreeDegradesToPermissive(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"good": map[string]any{"type": "string"},
			"bad":  "not a schema",
		},
	}

	result := Sanitize(input, RulesFor("gemini"))

	props, ok := result["properties"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"type": "string"}, props["good"])
	assert.Equal(t, map[string]any{}, props["bad"], "malformed subtree becomes the empty, all-accepting schema")
}

func TestSanitize_NonObjectRootDegradesToPermissive(t *testing.T) {
	assert.Equal(t, map[string]any{}, Sanitize(nil, RulesFor("gemini")))
	assert.Equal(t, map[string]any{}, Sanitize("bogus", RulesFor("gemini")))
	assert.Equal(t, map[string]any{}, Sanitize([]any{"a"}, RulesFor("openai")))
}

func TestSanitize_PropertyNamedFormatIsNotAKeyword(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"format": map[string]any{
				"type": "string",
				"enum": []any{"json", "yaml"},
			},
		},
	}

	result := Sanitize(input, RulesFor("gemini"))

	props := result["properties"].(map[string]any)
	require.Contains(t, props, "format", "property names must never be treated as schema keywords")

	format := props["format"].(map[string]any)
	assert.Equal(t, []any{"json", "yaml"}, format["enum"])
}

func TestSanitize_CompositionKeywordsDroppedForStrictFamily(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string"},
					map[string]any{"type": "integer"},
				},
			},
		},
	}

	result := Sanitize(input, RulesFor("gemini"))

	props := result["properties"].(map[string]any)
	value := props["value"].(map[string]any)
	assert.NotContains(t, value, "anyOf")
}

func TestSanitize_OpenAIKeepsCompositionAndFormats(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"when": map[string]any{"type": "string", "format": "date-time"},
			"id": map[string]any{
				"oneOf": []any{
					map[string]any{"type": "string"},
					map[string]any{"type": "integer"},
				},
			},
		},
		"$schema": "http://json-schema.org/draft-07/schema#",
	}

	result := Sanitize(input, RulesFor("openai"))

	assert.NotContains(t, result, "$schema")

	props := result["properties"].(map[string]any)
	when := props["when"].(map[string]any)
	assert.Equal(t, "date-time", when["format"])

	id := props["id"].(map[string]any)
	assert.Len(t, id["oneOf"], 2)
}

func TestSanitize_NestedArrays(t *testing.T) {
	input := map[string]any{
		"type": "array",
		"items": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tags": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string", "format": "hostname"},
					"uniqueItems": true,
				},
			},
			"additionalProperties": false,
		},
	}

	result := Sanitize(input, RulesFor("gemini"))

	items := result["items"].(map[string]any)
	assert.NotContains(t, items, "additionalProperties")

	tags := items["properties"].(map[string]any)["tags"].(map[string]any)
	assert.NotContains(t, tags, "uniqueItems")
	assert.Equal(t, map[string]any{"type": "string"}, tags["items"])
}
