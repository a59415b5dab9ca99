package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Davincible/claude-proxy-go/internal/schema"
)

// geminiMaxStopSequences is the generateContent limit on stop sequences.
const geminiMaxStopSequences = 5

const defaultGeminiEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"

// GeminiProvider translates for the Google Gemini generateContent family.
type GeminiProvider struct {
	endpoint string
	rules    schema.Rules
}

func NewGeminiProvider(s Settings) *GeminiProvider {
	endpoint := strings.TrimSuffix(s.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultGeminiEndpoint
	}

	return &GeminiProvider{endpoint: endpoint, rules: s.SchemaRules}
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) SupportsStreaming() bool { return true }

// RequestURL embeds the model in the path; streaming selects the SSE method.
func (p *GeminiProvider) RequestURL(model string, stream bool) string {
	if stream {
		return p.endpoint + "/" + model + ":streamGenerateContent?alt=sse"
	}

	return p.endpoint + "/" + model + ":generateContent"
}

func (p *GeminiProvider) ApplyAuth(header http.Header, apiKey string) {
	if apiKey != "" {
		header.Set("x-goog-api-key", apiKey)
	}
}

func (p *GeminiProvider) IsStreaming(header http.Header) bool {
	return isStreamingHeader(header)
}

func (p *GeminiProvider) TransformRequest(request []byte) ([]byte, error) {
	var req map[string]any
	if err := json.Unmarshal(request, &req); err != nil {
		return nil, fmt.Errorf("unmarshal anthropic request: %w", err)
	}

	cleaned, ok := RemoveFieldsRecursively(req, []string{"cache_control", "metadata"}).(map[string]any)
	if !ok {
		return nil, errors.New("request body is not a JSON object")
	}

	out := map[string]any{}

	if system, hasSystem := cleaned["system"]; hasSystem {
		if text := flattenContentText(system); text != "" {
			out["systemInstruction"] = map[string]any{
				"parts": []any{map[string]any{"text": text}},
			}
		}
	}

	messages, _ := cleaned["messages"].([]any)

	// Tool results arrive by identifier only; the declaring function name has
	// to be recovered from the earlier assistant turn that minted the call.
	toolNames := collectToolNames(messages)

	contents, err := p.transformContents(messages, toolNames)
	if err != nil {
		return nil, err
	}

	out["contents"] = contents

	if tools, ok := cleaned["tools"].([]any); ok {
		declarations := p.transformTools(tools)
		if len(declarations) > 0 {
			out["tools"] = []any{map[string]any{"functionDeclarations": declarations}}
		}
	}

	generationConfig := map[string]any{}

	if maxTokens, ok := cleaned["max_tokens"]; ok {
		generationConfig["maxOutputTokens"] = maxTokens
	}

	if temperature, ok := cleaned["temperature"]; ok {
		generationConfig["temperature"] = temperature
	}

	if topP, ok := cleaned["top_p"]; ok {
		generationConfig["topP"] = topP
	}

	if topK, ok := cleaned["top_k"]; ok {
		generationConfig["topK"] = topK
	}

	if stops, ok := cleaned["stop_sequences"].([]any); ok && len(stops) > 0 {
		if len(stops) > geminiMaxStopSequences {
			stops = stops[:geminiMaxStopSequences]
		}

		generationConfig["stopSequences"] = stops
	}

	if len(generationConfig) > 0 {
		out["generationConfig"] = generationConfig
	}

	return json.Marshal(out)
}

// collectToolNames indexes tool-use block names by their identifier across
// the whole conversation.
func collectToolNames(messages []any) map[string]string {
	names := make(map[string]string)

	for _, message := range messages {
		msgMap, ok := message.(map[string]any)
		if !ok {
			continue
		}

		blocks, ok := msgMap["content"].([]any)
		if !ok {
			continue
		}

		for _, block := range blocks {
			blockMap, ok := block.(map[string]any)
			if !ok || blockMap["type"] != ContentTypeToolUse {
				continue
			}

			id, _ := blockMap["id"].(string)
			name, _ := blockMap["name"].(string)

			if id != "" && name != "" {
				names[id] = name
			}
		}
	}

	return names
}

func (p *GeminiProvider) transformContents(messages []any, toolNames map[string]string) ([]any, error) {
	contents := make([]any, 0, len(messages))

	for _, message := range messages {
		msgMap, ok := message.(map[string]any)
		if !ok {
			continue
		}

		role, _ := msgMap["role"].(string)

		geminiRole := "user"
		if role == RoleAssistant {
			geminiRole = "model"
		}

		var parts []any

		switch content := msgMap["content"].(type) {
		case string:
			if content != "" {
				parts = append(parts, map[string]any{"text": content})
			}
		case []any:
			for _, block := range content {
				blockMap, ok := block.(map[string]any)
				if !ok {
					continue
				}

				part, err := p.transformPart(blockMap, toolNames)
				if err != nil {
					return nil, err
				}

				if part != nil {
					parts = append(parts, part)
				}
			}
		}

		if len(parts) == 0 {
			continue
		}

		contents = append(contents, map[string]any{
			"role":  geminiRole,
			"parts": parts,
		})
	}

	return contents, nil
}

func (p *GeminiProvider) transformPart(block map[string]any, toolNames map[string]string) (map[string]any, error) {
	blockType, _ := block["type"].(string)

	switch blockType {
	case ContentTypeText:
		text, _ := block["text"].(string)
		if text == "" {
			return nil, nil
		}

		return map[string]any{"text": text}, nil
	case ContentTypeToolUse:
		name, _ := block["name"].(string)

		args, ok := block["input"].(map[string]any)
		if !ok {
			args = map[string]any{}
		}

		return map[string]any{
			"functionCall": map[string]any{
				"name": name,
				"args": args,
			},
		}, nil
	case ContentTypeToolResult:
		toolUseID, _ := block["tool_use_id"].(string)

		name := toolNames[toolUseID]
		if name == "" {
			name = toolUseID
		}

		return map[string]any{
			"functionResponse": map[string]any{
				"name": name,
				"response": map[string]any{
					"result": toolResultText(block["content"]),
				},
			},
		}, nil
	case ContentTypeImage:
		src, ok := block["source"].(map[string]any)
		if !ok || src["type"] != "base64" {
			return nil, &UnsupportedContentError{BlockType: blockType, Family: p.Name()}
		}

		mediaType, _ := src["media_type"].(string)
		data, _ := src["data"].(string)

		return map[string]any{
			"inlineData": map[string]any{
				"mimeType": mediaType,
				"data":     data,
			},
		}, nil
	default:
		return nil, &UnsupportedContentError{BlockType: blockType, Family: p.Name()}
	}
}

func (p *GeminiProvider) transformTools(tools []any) []any {
	declarations := make([]any, 0, len(tools))

	for _, tool := range tools {
		toolMap, ok := tool.(map[string]any)
		if !ok {
			continue
		}

		name, hasName := toolMap["name"].(string)
		if !hasName {
			continue
		}

		declaration := map[string]any{"name": name}

		if description, ok := toolMap["description"].(string); ok {
			declaration["description"] = description
		}

		if inputSchema, ok := toolMap["input_schema"]; ok {
			declaration["parameters"] = schema.Sanitize(inputSchema, p.rules)
		}

		declarations = append(declarations, declaration)
	}

	return declarations
}

// generateContent response shapes.
type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates,omitempty"`
	UsageMetadata *geminiUsage      `json:"usageMetadata,omitempty"`
	ModelVersion  string            `json:"modelVersion,omitempty"`
	Error         *geminiError      `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts,omitempty"`
	Role  string       `json:"role,omitempty"`
}

type geminiPart struct {
	Text         string              `json:"text,omitempty"`
	FunctionCall *geminiFunctionCall `json:"functionCall,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (p *GeminiProvider) TransformResponse(response []byte) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal gemini response: %w", err)
	}

	if resp.Error != nil {
		return json.Marshal(anthropicResponse{
			Type: "error",
			Error: &anthropicError{
				Type:    errorTypeForGeminiStatus(resp.Error.Status, resp.Error.Code),
				Message: resp.Error.Message,
			},
		})
	}

	if len(resp.Candidates) == 0 {
		return nil, errors.New("no candidates in gemini response")
	}

	candidate := resp.Candidates[0]

	var (
		content []anthropicContent
		sawTool bool
	)

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				id := NewToolUseID()
				name := part.FunctionCall.Name

				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}

				content = append(content, anthropicContent{
					Type:  ContentTypeToolUse,
					ID:    &id,
					Name:  &name,
					Input: args,
				})
				sawTool = true

				continue
			}

			if part.Text != "" {
				text := part.Text
				content = append(content, anthropicContent{
					Type: ContentTypeText,
					Text: &text,
				})
			}
		}
	}

	if len(content) == 0 {
		emptyText := ""
		content = append(content, anthropicContent{
			Type: ContentTypeText,
			Text: &emptyText,
		})
	}

	out := anthropicResponse{
		ID:         NewMessageID(), // no response id on this wire; mint one
		Type:       "message",
		Role:       RoleAssistant,
		Model:      resp.ModelVersion,
		Content:    content,
		StopReason: convertGeminiFinishReason(candidate.FinishReason, sawTool),
		Usage:      &anthropicUsage{},
	}

	if resp.UsageMetadata != nil {
		out.Usage = &anthropicUsage{
			InputTokens:  resp.UsageMetadata.PromptTokenCount,
			OutputTokens: resp.UsageMetadata.CandidatesTokenCount,
		}
	}

	return json.Marshal(out)
}

func (p *GeminiProvider) TransformStream(chunk []byte, state *StreamState) ([]byte, error) {
	var resp geminiResponse
	if err := json.Unmarshal(chunk, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal gemini stream chunk: %w", err)
	}

	if resp.Error != nil {
		return nil, fmt.Errorf("gemini stream error: %s", resp.Error.Message)
	}

	if len(resp.Candidates) == 0 {
		return nil, nil
	}

	candidate := resp.Candidates[0]

	messageID := state.MessageID
	if messageID == "" {
		messageID = NewMessageID()
	}

	events := state.EnsureMessageStart(messageID, resp.ModelVersion, nil)

	sawTool := false

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.FunctionCall != nil {
				// Function calls arrive whole here, never fragmented, so each
				// one is a fresh block: declare it, stream its arguments as a
				// single fragment and let the next position close it.
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}

				argsJSON, err := json.Marshal(args)
				if err != nil {
					return nil, fmt.Errorf("marshal function call args: %w", err)
				}

				events = append(events, state.AppendToolCall(
					state.BlockCount(), NewToolUseID(), part.FunctionCall.Name, string(argsJSON),
				)...)
				sawTool = true

				continue
			}

			if part.Text != "" {
				events = append(events, state.AppendText(part.Text)...)
			}
		}
	}

	if candidate.FinishReason != "" {
		var usage map[string]any
		if resp.UsageMetadata != nil {
			usage = map[string]any{
				"input_tokens":  resp.UsageMetadata.PromptTokenCount,
				"output_tokens": resp.UsageMetadata.CandidatesTokenCount,
			}
		}

		events = append(events, state.Finish(
			convertGeminiFinishReason(candidate.FinishReason, sawTool), usage,
		)...)
	}

	return events, nil
}

func (p *GeminiProvider) TransformError(status int, body []byte) []byte {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != nil {
		return NewErrorResponse(
			errorTypeForGeminiStatus(resp.Error.Status, resp.Error.Code),
			resp.Error.Message,
		)
	}

	// Some deployments wrap the error object in a one-element array.
	var list []geminiResponse
	if err := json.Unmarshal(body, &list); err == nil && len(list) > 0 && list[0].Error != nil {
		return NewErrorResponse(
			errorTypeForGeminiStatus(list[0].Error.Status, list[0].Error.Code),
			list[0].Error.Message,
		)
	}

	return NewErrorResponse(ErrorTypeForStatus(status), upstreamErrorMessage(body))
}

// convertGeminiFinishReason maps the finishReason vocabulary onto stop
// reasons. A turn that produced a function call ends as tool_use even though
// the backend reports plain STOP.
func convertGeminiFinishReason(reason string, sawToolCall bool) *string {
	var mapped string

	switch reason {
	case "STOP", "":
		mapped = StopReasonEndTurn
		if sawToolCall {
			mapped = StopReasonToolUse
		}
	case "MAX_TOKENS":
		mapped = StopReasonMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		mapped = StopReasonStopSeq
	default:
		mapped = StopReasonEndTurn
	}

	return &mapped
}

// errorTypeForGeminiStatus maps the canonical status vocabulary onto the
// Anthropic error types, falling back to the HTTP code mapping.
func errorTypeForGeminiStatus(status string, code int) string {
	switch status {
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return ErrTypeInvalidRequest
	case "UNAUTHENTICATED":
		return ErrTypeAuthentication
	case "PERMISSION_DENIED":
		return ErrTypePermission
	case "NOT_FOUND":
		return ErrTypeNotFound
	case "RESOURCE_EXHAUSTED":
		return ErrTypeRateLimit
	case "UNAVAILABLE":
		return ErrTypeOverloaded
	case "INTERNAL", "DEADLINE_EXCEEDED", "UNKNOWN":
		return ErrTypeAPI
	}

	return ErrorTypeForStatus(code)
}
