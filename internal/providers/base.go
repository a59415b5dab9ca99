package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
	RoleSystem    = "system"
	RoleTool      = "tool"

	ContentTypeText       = "text"
	ContentTypeToolUse    = "tool_use"
	ContentTypeToolResult = "tool_result"
	ContentTypeImage      = "image"

	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
	StopReasonStopSeq   = "stop_sequence"

	ErrTypeInvalidRequest  = "invalid_request_error"
	ErrTypeAuthentication  = "authentication_error"
	ErrTypePermission      = "permission_error"
	ErrTypeNotFound        = "not_found_error"
	ErrTypeRequestTooLarge = "request_too_large"
	ErrTypeRateLimit       = "rate_limit_error"
	ErrTypeOverloaded      = "overloaded_error"
	ErrTypeAPI             = "api_error"
)

// UnsupportedContentError marks a content block with no reasonable
// representation in the target backend family. It is fatal for the request.
type UnsupportedContentError struct {
	BlockType string
	Family    string
}

func (e *UnsupportedContentError) Error() string {
	return fmt.Sprintf("content block type %q has no %s representation", e.BlockType, e.Family)
}

// ConvertStopReason maps an OpenAI-style finish reason onto the Anthropic
// stop-reason vocabulary. Reasons outside the known set fall back to
// end_turn rather than failing the response.
func ConvertStopReason(reason string) *string {
	mapping := map[string]string{
		"stop":           StopReasonEndTurn,
		"length":         StopReasonMaxTokens,
		"tool_calls":     StopReasonToolUse,
		"function_call":  StopReasonToolUse,
		"content_filter": StopReasonStopSeq,
		"null":           StopReasonEndTurn,
		"":               StopReasonEndTurn,
	}

	if anthropicReason, exists := mapping[reason]; exists {
		return &anthropicReason
	}

	fallback := StopReasonEndTurn

	return &fallback
}

// ErrorTypeForStatus maps an upstream HTTP status class onto the Anthropic
// error-type vocabulary. Unclassified failures surface as api_error, never
// as a success.
func ErrorTypeForStatus(status int) string {
	switch status {
	case 400:
		return ErrTypeInvalidRequest
	case 401:
		return ErrTypeAuthentication
	case 403:
		return ErrTypePermission
	case 404:
		return ErrTypeNotFound
	case 413:
		return ErrTypeRequestTooLarge
	case 429:
		return ErrTypeRateLimit
	case 503, 529:
		return ErrTypeOverloaded
	}

	if status >= 400 && status < 500 {
		return ErrTypeInvalidRequest
	}

	return ErrTypeAPI
}

// NewErrorResponse builds an Anthropic-shaped error payload.
func NewErrorResponse(errType, message string) []byte {
	body, err := json.Marshal(map[string]any{
		"type": "error",
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"api_error","message":"failed to encode error"}}`)
	}

	return body
}

// NewToolUseID mints a fresh identifier for a tool-use block when the
// backend did not supply one. The origin protocol requires every tool-use
// block to carry an identifier a later tool-result can reference.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewMessageID mints a response identifier for backends whose wire format
// carries none.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ConvertToolCallID normalizes a backend call identifier into the origin
// protocol's toolu_ namespace.
func ConvertToolCallID(callID string) string {
	if strings.HasPrefix(callID, "toolu_") {
		return callID
	}

	if rest, ok := strings.CutPrefix(callID, "call_"); ok {
		return "toolu_" + rest
	}

	return "toolu_" + callID
}

// ConvertToolUseID is the inverse direction: an origin tool-use identifier
// rendered in the OpenAI call_ namespace, keeping the tool-result linkage
// stable across the round trip.
func ConvertToolUseID(toolUseID string) string {
	if strings.HasPrefix(toolUseID, "call_") {
		return toolUseID
	}

	if rest, ok := strings.CutPrefix(toolUseID, "toolu_"); ok {
		return "call_" + rest
	}

	return "call_" + toolUseID
}

// RemoveFieldsRecursively strips the named keys from nested JSON structures.
// Used to drop origin-protocol-only fields (cache_control and friends) that
// stricter backends reject.
func RemoveFieldsRecursively(data any, fieldsToRemove []string) any {
	switch v := data.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))

		for key, value := range v {
			removed := false

			for _, field := range fieldsToRemove {
				if key == field {
					removed = true
					break
				}
			}

			if !removed {
				result[key] = RemoveFieldsRecursively(value, fieldsToRemove)
			}
		}

		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = RemoveFieldsRecursively(item, fieldsToRemove)
		}

		return result
	default:
		return v
	}
}

// Anthropic response shapes shared by the translating families.
type anthropicResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Role         string             `json:"role,omitempty"`
	Model        string             `json:"model,omitempty"`
	Content      []anthropicContent `json:"content,omitempty"`
	StopReason   *string            `json:"stop_reason,omitempty"`
	StopSequence *string            `json:"stop_sequence,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicContent struct {
	Type      string  `json:"type"`
	Text      *string `json:"text,omitempty"`
	ID        *string `json:"id,omitempty"`
	Name      *string `json:"name,omitempty"`
	Input     any     `json:"input,omitempty"`
	ToolUseID *string `json:"tool_use_id,omitempty"`
	Content   any     `json:"content,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// upstreamErrorMessage pulls the human-readable detail out of a backend
// error body, falling back to the raw payload when the shape is unknown.
func upstreamErrorMessage(body []byte) string {
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}

	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error.Message != "" {
			return payload.Error.Message
		}

		if payload.Message != "" {
			return payload.Message
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}

	if msg == "" {
		msg = "upstream request failed"
	}

	return msg
}

// flattenContentText joins the text of an Anthropic content value, which may
// be a bare string or an array of content blocks.
func flattenContentText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var sb strings.Builder

		for _, block := range v {
			blockMap, ok := block.(map[string]any)
			if !ok {
				continue
			}

			if text, ok := blockMap["text"].(string); ok {
				sb.WriteString(text)
			}
		}

		return sb.String()
	default:
		return ""
	}
}
