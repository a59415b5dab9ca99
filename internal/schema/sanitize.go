// Package schema normalizes JSON-Schema-like tool parameter definitions into
// the subset a backend family accepts. Sanitization only ever widens a schema:
// every value the original schema accepted is still accepted afterwards, so a
// model following the sanitized schema can never produce a tool call the
// original tool would have rejected on structural grounds.
package schema

import "slices"

// Rules describe the schema grammar of one backend family.
//
// RemoveKeywords are stripped wherever they appear as schema keywords.
// Constraint keywords listed here are dropped, never tightened, which keeps
// sanitization monotonic. Format hints survive only when listed in
// AllowedFormats, unless KeepAllFormats is set.
type Rules struct {
	RemoveKeywords []string
	AllowedFormats []string
	KeepAllFormats bool
}

// defaultRules holds the compiled-in per-family rule sets. Families evolve
// their grammars over time, so deployments can override these through the
// sanitizer section of the configuration file.
var defaultRules = map[string]Rules{
	// Gemini's function-declaration grammar is a narrow OpenAPI-style subset.
	"gemini": {
		RemoveKeywords: []string{
			"additionalProperties", "patternProperties", "unevaluatedProperties",
			"allOf", "anyOf", "oneOf", "not", "if", "then", "else",
			"$schema", "$id", "$ref", "$defs", "definitions",
			"pattern", "minLength", "maxLength",
			"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum", "multipleOf",
			"minItems", "maxItems", "uniqueItems", "minProperties", "maxProperties",
			"const", "default", "examples", "title", "deprecated",
		},
	},
	// OpenAI-compatible endpoints take near-full JSON Schema; only the
	// metadata keywords some gateways choke on are stripped.
	"openai": {
		RemoveKeywords: []string{"$schema", "$id"},
		KeepAllFormats: true,
	},
	// Anthropic requests pass through untranslated.
	"anthropic": {
		KeepAllFormats: true,
	},
}

// RulesFor returns the default rule set for a backend family. Unknown
// families get an empty rule set, which leaves schemas untouched.
func RulesFor(family string) Rules {
	if r, ok := defaultRules[family]; ok {
		return r
	}

	return Rules{KeepAllFormats: true}
}

// keywords whose values are themselves schemas (or collections of schemas)
// and therefore need recursive treatment. Everything else is copied verbatim,
// which is what keeps required lists and enum value sets byte-exact.
const (
	kwProperties  = "properties"
	kwItems       = "items"
	kwPrefixItems = "prefixItems"
	kwFormat      = "format"
)

var schemaListKeywords = []string{"allOf", "anyOf", "oneOf", kwPrefixItems}

var schemaMapKeywords = []string{kwProperties, "$defs", "definitions"}

// Sanitize rewrites node into the subset r accepts. Structurally malformed
// subtrees degrade to the empty schema (which accepts everything) instead of
// failing the request. Sanitize is idempotent: applying it twice with the
// same rules yields the same tree.
func Sanitize(node any, r Rules) map[string]any {
	m, ok := node.(map[string]any)
	if !ok {
		// Not an object where a schema was expected. The most permissive
		// accepting schema is the empty one.
		return map[string]any{}
	}

	out := make(map[string]any, len(m))

	for key, value := range m {
		if slices.Contains(r.RemoveKeywords, key) {
			continue
		}

		switch {
		case key == kwFormat:
			if format, ok := value.(string); ok {
				if r.KeepAllFormats || slices.Contains(r.AllowedFormats, format) {
					out[key] = format
				}
			}
		case slices.Contains(schemaMapKeywords, key):
			props, ok := value.(map[string]any)
			if !ok {
				continue // malformed property map, dropping it widens
			}

			sanitized := make(map[string]any, len(props))
			for name, sub := range props {
				// Property names are data, not keywords. A property that
				// happens to be called "format" keeps its name.
				sanitized[name] = Sanitize(sub, r)
			}

			out[key] = sanitized
		case key == kwItems:
			switch items := value.(type) {
			case []any:
				sanitized := make([]any, len(items))
				for i, sub := range items {
					sanitized[i] = Sanitize(sub, r)
				}

				out[key] = sanitized
			default:
				out[key] = Sanitize(items, r)
			}
		case slices.Contains(schemaListKeywords, key):
			subs, ok := value.([]any)
			if !ok {
				continue
			}

			sanitized := make([]any, len(subs))
			for i, sub := range subs {
				sanitized[i] = Sanitize(sub, r)
			}

			out[key] = sanitized
		default:
			// Includes "type", "description", "enum" and "required": those
			// drive tool argument generation and are preserved exactly.
			out[key] = value
		}
	}

	return out
}
