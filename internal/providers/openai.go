package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Davincible/claude-proxy-go/internal/schema"
)

// openAIMaxStopSequences is the chat-completions limit on stop strings.
// Stop-sequence lists longer than this are truncated deterministically: the
// leading sequences survive, the tail is dropped.
const openAIMaxStopSequences = 4

const defaultOpenAIEndpoint = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider translates for the OpenAI chat-completions family, which
// also covers OpenAI-compatible gateways (OpenRouter, NVIDIA, local
// runtimes) sharing the same wire protocol.
type OpenAIProvider struct {
	endpoint string
	rules    schema.Rules
}

func NewOpenAIProvider(s Settings) *OpenAIProvider {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}

	return &OpenAIProvider{endpoint: endpoint, rules: s.SchemaRules}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) SupportsStreaming() bool { return true }

func (p *OpenAIProvider) RequestURL(_ string, _ bool) string {
	return p.endpoint
}

func (p *OpenAIProvider) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("Authorization", "Bearer "+apiKey)
	}
}

func (p *OpenAIProvider) IsStreaming(header http.Header) bool {
	return isStreamingHeader(header)
}

func (p *OpenAIProvider) TransformRequest(request []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic request: %w", err)
	}

	cleaned, ok := RemoveFieldsRecursively(req, []string{"cache_control", "metadata"}).(map[string]any)
	if !ok {
		return nil, errors.New("request body is not a JSON object")
	}

	// The system instruction has no root-level slot here; it becomes a
	// synthetic leading system turn.
	if system, hasSystem := cleaned["system"]; hasSystem {
		systemMessage := map[string]any{
			"role":    RoleSystem,
			"content": flattenContentText(system),
		}

		if messages, ok := cleaned["messages"].([]any); ok {
			cleaned["messages"] = append([]any{systemMessage}, messages...)
		} else {
			cleaned["messages"] = []any{systemMessage}
		}

		delete(cleaned, "system")
	}

	if messages, ok := cleaned["messages"].([]any); ok {
		transformed, err := p.transformMessages(messages)
		if err != nil {
			return nil, err
		}

		cleaned["messages"] = transformed
	}

	if tools, ok := cleaned["tools"].([]any); ok {
		transformed := p.transformTools(tools)
		if len(transformed) == 0 {
			delete(cleaned, "tools")
			delete(cleaned, "tool_choice")
		} else {
			cleaned["tools"] = transformed
		}
	}

	if maxTokens, hasMaxTokens := cleaned["max_tokens"]; hasMaxTokens {
		cleaned["max_completion_tokens"] = maxTokens
		delete(cleaned, "max_tokens")
	}

	if stops, ok := cleaned["stop_sequences"].([]any); ok {
		if len(stops) > openAIMaxStopSequences {
			stops = stops[:openAIMaxStopSequences]
		}

		cleaned["stop"] = stops
		delete(cleaned, "stop_sequences")
	}

	// No equivalent sampling parameter exists.
	delete(cleaned, "top_k")

	return json.Marshal(cleaned)
}

// transformMessages rewrites Anthropic turns into chat-completions messages.
// Assistant tool-use blocks become tool_calls; user tool-result blocks become
// role:"tool" messages carrying the originating call identifier, emitted in
// block order ahead of the remaining user content.
func (p *OpenAIProvider) transformMessages(messages []any) ([]any, error) {
	result := make([]any, 0, len(messages))

	for _, message := range messages {
		msgMap, ok := message.(map[string]any)
		if !ok {
			result = append(result, message)
			continue
		}

		role, _ := msgMap["role"].(string)
		content, isBlocks := msgMap["content"].([]any)

		if !isBlocks {
			result = append(result, message)
			continue
		}

		switch role {
		case RoleAssistant:
			result = append(result, p.transformAssistantMessage(content))
		case RoleUser:
			expanded, err := p.transformUserMessage(content)
			if err != nil {
				return nil, err
			}

			result = append(result, expanded...)
		default:
			result = append(result, message)
		}
	}

	return result, nil
}

func (p *OpenAIProvider) transformAssistantMessage(content []any) map[string]any {
	transformed := map[string]any{"role": RoleAssistant}

	var (
		text      string
		toolCalls []any
	)

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		switch blockMap["type"] {
		case ContentTypeText:
			if t, ok := blockMap["text"].(string); ok {
				text += t
			}
		case ContentTypeToolUse:
			id, _ := blockMap["id"].(string)
			name, _ := blockMap["name"].(string)

			var arguments string
			if input := blockMap["input"]; input != nil {
				if inputBytes, err := json.Marshal(input); err == nil {
					arguments = string(inputBytes)
				}
			}

			toolCalls = append(toolCalls, map[string]any{
				"id":   ConvertToolUseID(id),
				"type": "function",
				"function": map[string]any{
					"name":      name,
					"arguments": arguments,
				},
			})
		}
	}

	transformed["content"] = text
	if len(toolCalls) > 0 {
		transformed["tool_calls"] = toolCalls
	}

	return transformed
}

func (p *OpenAIProvider) transformUserMessage(content []any) ([]any, error) {
	var (
		expanded []any
		parts    []any
		textOnly = true
	)

	for _, block := range content {
		blockMap, ok := block.(map[string]any)
		if !ok {
			continue
		}

		blockType, _ := blockMap["type"].(string)

		switch blockType {
		case ContentTypeToolResult:
			toolUseID, _ := blockMap["tool_use_id"].(string)
			expanded = append(expanded, map[string]any{
				"role":         RoleTool,
				"tool_call_id": ConvertToolUseID(toolUseID),
				"content":      toolResultText(blockMap["content"]),
			})
		case ContentTypeText:
			if text, ok := blockMap["text"].(string); ok {
				parts = append(parts, map[string]any{"type": "text", "text": text})
			}
		case ContentTypeImage:
			url, ok := imageURL(blockMap["source"])
			if !ok {
				return nil, &UnsupportedContentError{BlockType: blockType, Family: p.Name()}
			}

			parts = append(parts, map[string]any{
				"type":      "image_url",
				"image_url": map[string]any{"url": url},
			})
			textOnly = false
		default:
			return nil, &UnsupportedContentError{BlockType: blockType, Family: p.Name()}
		}
	}

	if len(parts) > 0 {
		userMessage := map[string]any{"role": RoleUser}

		if textOnly {
			var text string
			for _, part := range parts {
				text += part.(map[string]any)["text"].(string)
			}

			userMessage["content"] = text
		} else {
			userMessage["content"] = parts
		}

		expanded = append(expanded, userMessage)
	}

	return expanded, nil
}

// toolResultText renders a tool-result payload the way the tool message slot
// expects: a plain string, JSON-encoding structured payloads.
func toolResultText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case nil:
		return ""
	case []any:
		return flattenContentText(v)
	default:
		if encoded, err := json.Marshal(v); err == nil {
			return string(encoded)
		}

		return ""
	}
}

// imageURL converts an Anthropic image source into an image_url value.
func imageURL(source any) (string, bool) {
	src, ok := source.(map[string]any)
	if !ok {
		return "", false
	}

	switch src["type"] {
	case "base64":
		mediaType, _ := src["media_type"].(string)
		data, _ := src["data"].(string)

		if data == "" {
			return "", false
		}

		return "data:" + mediaType + ";base64," + data, true
	case "url":
		url, _ := src["url"].(string)
		return url, url != ""
	default:
		return "", false
	}
}

// transformTools converts tool definitions into function declarations,
// running every parameter schema through the sanitizer first.
func (p *OpenAIProvider) transformTools(tools []any) []any {
	transformed := make([]any, 0, len(tools))

	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}

		// Already in function form: still sanitize the parameters.
		if toolMap["type"] == "function" {
			if function, ok := toolMap["function"].(map[string]any); ok {
				if params, hasParams := function["parameters"]; hasParams {
					function["parameters"] = schema.Sanitize(params, p.rules)
				}

				transformed = append(transformed, toolMap)
			}

			continue
		}

		name, hasName := toolMap["name"].(string)
		if !hasName {
			continue
		}

		function := map[string]any{"name": name}

		if description, ok := toolMap["description"].(string); ok {
			function["description"] = description
		}

		if inputSchema, ok := toolMap["input_schema"]; ok {
			function["parameters"] = schema.Sanitize(inputSchema, p.rules)
		}

		transformed = append(transformed, map[string]any{
			"type":     "function",
			"function": function,
		})
	}

	return transformed
}

// Chat-completions response shapes.
type openAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Error   *openAIError   `json:"error,omitempty"`
	Choices []openAIChoice `json:"choices,omitempty"`
	Usage   *openAIUsage   `json:"usage,omitempty"`
}

type openAIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type openAIChoice struct {
	Message      *openAIMessage `json:"message,omitempty"`
	Delta        *openAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason,omitempty"`
}

type openAIMessage struct {
	Role         string              `json:"role,omitempty"`
	Content      *string             `json:"content,omitempty"`
	ToolCalls    []openAIToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *openAIFunctionCall `json:"function_call,omitempty"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (p *OpenAIProvider) TransformResponse(response []byte) ([]byte, error) {
	var resp openAIResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal openai response: %w", err)
	}

	if resp.Error != nil {
		return json.Marshal(anthropicResponse{
			ID:    resp.ID,
			Type:  "error",
			Model: resp.Model,
			Error: &anthropicError{
				Type:    mapOpenAIErrorType(resp.Error.Type),
				Message: resp.Error.Message,
			},
		})
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in openai response")
	}

	choice := resp.Choices[0]

	message := choice.Message
	if message == nil {
		message = choice.Delta
	}

	if message == nil {
		return nil, errors.New("no message content in openai choice")
	}

	content, err := p.convertMessageContent(message)
	if err != nil {
		return nil, err
	}

	out := anthropicResponse{
		ID:      resp.ID,
		Type:    "message",
		Role:    RoleAssistant,
		Model:   resp.Model,
		Content: content,
		// Zero usage when the backend reports none: counts are never
		// fabricated, the handler flags the response as unknown-usage.
		Usage: &anthropicUsage{},
	}

	if choice.FinishReason != nil {
		out.StopReason = ConvertStopReason(*choice.FinishReason)
	} else {
		out.StopReason = ConvertStopReason("")
	}

	if resp.Usage != nil {
		out.Usage = &anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return json.Marshal(out)
}

func (p *OpenAIProvider) convertMessageContent(message *openAIMessage) ([]anthropicContent, error) {
	var content []anthropicContent

	if message.Content != nil && *message.Content != "" {
		content = append(content, anthropicContent{
			Type: ContentTypeText,
			Text: message.Content,
		})
	}

	for _, toolCall := range message.ToolCalls {
		block, err := toolUseBlock(toolCall.ID, toolCall.Function)
		if err != nil {
			return nil, err
		}

		content = append(content, block)
	}

	// Legacy function_call records carry no identifier; mint one.
	if message.FunctionCall != nil {
		block, err := toolUseBlock(NewToolUseID(), *message.FunctionCall)
		if err != nil {
			return nil, err
		}

		content = append(content, block)
	}

	if len(content) == 0 {
		emptyText := ""
		content = append(content, anthropicContent{
			Type: ContentTypeText,
			Text: &emptyText,
		})
	}

	return content, nil
}

func toolUseBlock(callID string, function openAIFunctionCall) (anthropicContent, error) {
	input := map[string]any{}
	if function.Arguments != "" {
		if err := json.Unmarshal([]byte(function.Arguments), &input); err != nil {
			return anthropicContent{}, fmt.Errorf("parse tool call arguments: %w", err)
		}
	}

	if callID == "" {
		callID = NewToolUseID()
	}

	id := ConvertToolCallID(callID)
	name := function.Name

	return anthropicContent{
		Type:  ContentTypeToolUse,
		ID:    &id,
		Name:  &name,
		Input: input,
	}, nil
}

func (p *OpenAIProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var raw map[string]any
	if err := json.Unmarshal(chunk, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal openai stream chunk: %w", err)
	}

	id, _ := raw["id"].(string)
	model, _ := raw["model"].(string)

	choices, ok := raw["choices"].([]any)
	if !ok || len(choices) == 0 {
		return nil, nil
	}

	firstChoice, ok := choices[0].(map[string]any)
	if !ok {
		return nil, nil
	}

	events := state.EnsureMessageStart(id, model, startUsage(raw))

	if delta, ok := firstChoice["delta"].(map[string]any); ok {
		if toolCalls, ok := delta["tool_calls"].([]any); ok {
			for _, toolCall := range toolCalls {
				tcMap, ok := toolCall.(map[string]any)
				if !ok {
					continue
				}

				callIndex := 0
				if idx, ok := tcMap["index"].(float64); ok {
					callIndex = int(idx)
				}

				callID, _ := tcMap["id"].(string)

				var name, arguments string
				if function, ok := tcMap["function"].(map[string]any); ok {
					name, _ = function["name"].(string)
					arguments, _ = function["arguments"].(string)
				}

				events = append(events, state.AppendToolCall(callIndex, callID, name, arguments)...)
			}
		} else if content, ok := delta["content"].(string); ok {
			events = append(events, state.AppendText(content)...)
		}
	}

	if reason, ok := firstChoice["finish_reason"].(string); ok && reason != "" {
		var usage map[string]any
		if rawUsage, ok := raw["usage"].(map[string]any); ok {
			usage = convertOpenAIUsage(rawUsage)
		}

		events = append(events, state.Finish(ConvertStopReason(reason), usage)...)
	}

	return events, nil
}

func (p *OpenAIProvider) TransformError(status int, body []byte) []byte {
	return NewErrorResponse(ErrorTypeForStatus(status), upstreamErrorMessage(body))
}

// startUsage extracts input token counts available on the first chunk.
func startUsage(chunk map[string]any) map[string]any {
	rawUsage, ok := chunk["usage"].(map[string]any)
	if !ok {
		return nil
	}

	usage := map[string]any{
		"input_tokens":  0,
		"output_tokens": 1,
	}

	if promptTokens, ok := rawUsage["prompt_tokens"]; ok {
		usage["input_tokens"] = promptTokens
	}

	return usage
}

func convertOpenAIUsage(usage map[string]any) map[string]any {
	converted := make(map[string]any)

	if promptTokens, ok := usage["prompt_tokens"]; ok {
		converted["input_tokens"] = promptTokens
	}

	if completionTokens, ok := usage["completion_tokens"]; ok {
		converted["output_tokens"] = completionTokens
	}

	if promptDetails, ok := usage["prompt_tokens_details"].(map[string]any); ok {
		if cachedTokens, ok := promptDetails["cached_tokens"]; ok {
			converted["cache_read_input_tokens"] = cachedTokens
		}
	}

	return converted
}

// mapOpenAIErrorType passes through error types already in the origin
// vocabulary and buckets the rest.
func mapOpenAIErrorType(openaiType string) string {
	known := map[string]bool{
		ErrTypeInvalidRequest: true,
		ErrTypeAuthentication: true,
		ErrTypePermission:     true,
		ErrTypeNotFound:       true,
		ErrTypeRateLimit:      true,
		ErrTypeOverloaded:     true,
		ErrTypeAPI:            true,
	}

	if known[openaiType] {
		return openaiType
	}

	switch openaiType {
	case "insufficient_quota", "rate_limit_exceeded":
		return ErrTypeRateLimit
	case "invalid_api_key":
		return ErrTypeAuthentication
	default:
		return ErrTypeAPI
	}
}
