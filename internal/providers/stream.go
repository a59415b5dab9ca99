package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StreamState reassembles one backend event stream into an ordered Anthropic
// event sequence. One instance is created per in-flight streaming call and is
// owned exclusively by that call; chunks from different calls never touch the
// same state.
//
// Block indices are assigned in first-seen order, increase monotonically and
// are never reused. At most one block is open at a time: a delta for a new
// logical position implicitly closes the block that is currently open, which
// also covers backends that never close an exhausted position themselves.
type StreamState struct {
	MessageID        string
	Model            string
	MessageStartSent bool

	blocks    map[int]*ContentBlockState
	nextIndex int
	openIndex int
	finished  bool
	aborted   bool
}

// ContentBlockState tracks a single content block while it streams.
// Arguments accumulates tool-call argument fragments as an opaque string;
// the buffer is only ever parsed as JSON by the consumer after the block
// closes, never mid-stream.
type ContentBlockState struct {
	Type          string
	ToolCallID    string
	ToolCallIndex int
	ToolName      string
	Arguments     string
	StartSent     bool
	StopSent      bool
}

func NewStreamState() *StreamState {
	return &StreamState{
		blocks:    make(map[int]*ContentBlockState),
		openIndex: -1,
	}
}

// Done reports whether the stream reached a terminal state. Once true, no
// further events will ever be emitted.
func (s *StreamState) Done() bool {
	return s.finished || s.aborted
}

// Aborted reports whether the stream was torn down before completion.
func (s *StreamState) Aborted() bool {
	return s.aborted
}

// EnsureMessageStart records the response identity from the first chunk and
// emits the message_start event exactly once, before any content.
func (s *StreamState) EnsureMessageStart(messageID, model string, usage map[string]any) []byte {
	if s.Done() {
		return nil
	}

	if s.MessageID == "" {
		s.MessageID = messageID
	}

	if s.Model == "" {
		s.Model = model
	}

	if s.MessageStartSent {
		return nil
	}

	s.MessageStartSent = true

	if usage == nil {
		usage = map[string]any{
			"input_tokens":  0,
			"output_tokens": 1,
		}
	}

	return formatSSEEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            s.MessageID,
			"type":          "message",
			"role":          "assistant",
			"model":         s.Model,
			"content":       []any{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         usage,
		},
	})
}

// AppendText feeds a text fragment for the message's current text position.
// The first fragment after a non-text block (or at stream start) opens a new
// block at the next free index; closed text blocks are never reopened.
func (s *StreamState) AppendText(text string) []byte {
	if s.Done() || text == "" {
		return nil
	}

	var events []byte

	if s.openIndex < 0 || s.blocks[s.openIndex].Type != ContentTypeText {
		events = append(events, s.closeOpenBlock()...)
		events = append(events, s.openTextBlock()...)
	}

	events = append(events, formatSSEEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": map[string]any{
			"type": "text_delta",
			"text": text,
		},
	})...)

	return events
}

// AppendToolCall feeds one delta of a backend tool call, identified by the
// backend's own call position. The first delta for a position must carry the
// call identifier; later deltas carry argument fragments that are
// concatenated in arrival order.
func (s *StreamState) AppendToolCall(callIndex int, callID, name, argsFragment string) []byte {
	if s.Done() {
		return nil
	}

	if s.openIndex >= 0 {
		open := s.blocks[s.openIndex]
		if open.Type == ContentTypeToolUse && open.ToolCallIndex == callIndex {
			if name != "" && open.ToolName == "" {
				open.ToolName = name
			}

			return s.appendToolArguments(open, argsFragment)
		}
	}

	events := s.closeOpenBlock()

	if callID == "" {
		// Fragment for a position that never opened. Without an identifier
		// there is no block to declare; drop it rather than fabricate one.
		return events
	}

	index := s.nextIndex
	s.nextIndex++
	block := &ContentBlockState{
		Type:          ContentTypeToolUse,
		ToolCallID:    callID,
		ToolCallIndex: callIndex,
		ToolName:      name,
	}
	s.blocks[index] = block
	s.openIndex = index

	events = append(events, formatSSEEvent("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type":  ContentTypeToolUse,
			"id":    ConvertToolCallID(callID),
			"name":  block.ToolName,
			"input": map[string]any{},
		},
	})...)
	block.StartSent = true

	return append(events, s.appendToolArguments(block, argsFragment)...)
}

func (s *StreamState) appendToolArguments(block *ContentBlockState, fragment string) []byte {
	if fragment == "" {
		return nil
	}

	// Some OpenAI-compatible gateways resend the cumulative argument string
	// instead of the increment; only the new suffix is forwarded.
	if strings.HasPrefix(fragment, block.Arguments) && block.Arguments != "" {
		fragment = fragment[len(block.Arguments):]
		if fragment == "" {
			return nil
		}

		block.Arguments += fragment
	} else {
		block.Arguments += fragment
	}

	return formatSSEEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": s.openIndex,
		"delta": map[string]any{
			"type":         "input_json_delta",
			"partial_json": fragment,
		},
	})
}

// Finish closes any open block and emits the terminal message_delta and
// message_stop pair. The state accepts no further chunks afterwards.
func (s *StreamState) Finish(stopReason *string, usage map[string]any) []byte {
	if s.Done() {
		return nil
	}

	events := s.closeOpenBlock()

	messageDelta := map[string]any{
		"type": "message_delta",
		"delta": map[string]any{
			"stop_reason":   stopReason,
			"stop_sequence": nil,
		},
	}
	if len(usage) > 0 {
		messageDelta["usage"] = usage
	}

	events = append(events, formatSSEEvent("message_delta", messageDelta)...)
	events = append(events, formatSSEEvent("message_stop", map[string]any{
		"type": "message_stop",
	})...)

	s.finished = true

	return events
}

// MarkFinished records that the backend itself delivered the terminal event,
// without synthesizing one. Used by the passthrough family.
func (s *StreamState) MarkFinished() {
	s.finished = true
}

// Abort tears the stream down after a client disconnect or backend failure.
// The currently open block gets a best-effort close; partial tool argument
// buffers are discarded with the state, and no terminal success event is
// ever emitted for the call.
func (s *StreamState) Abort() []byte {
	if s.Done() {
		return nil
	}

	events := s.closeOpenBlock()
	s.aborted = true

	return events
}

func (s *StreamState) closeOpenBlock() []byte {
	if s.openIndex < 0 {
		return nil
	}

	block := s.blocks[s.openIndex]
	index := s.openIndex
	s.openIndex = -1

	if !block.StartSent || block.StopSent {
		return nil
	}

	block.StopSent = true

	return formatSSEEvent("content_block_stop", map[string]any{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (s *StreamState) openTextBlock() []byte {
	index := s.nextIndex
	s.nextIndex++
	block := &ContentBlockState{Type: ContentTypeText, StartSent: true}
	s.blocks[index] = block
	s.openIndex = index

	return formatSSEEvent("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": index,
		"content_block": map[string]any{
			"type": ContentTypeText,
			"text": "",
		},
	})
}

// Block returns the state of the block at the given index, for inspection.
func (s *StreamState) Block(index int) (*ContentBlockState, bool) {
	b, ok := s.blocks[index]
	return b, ok
}

// BlockCount returns how many block indices have been assigned so far.
func (s *StreamState) BlockCount() int {
	return s.nextIndex
}

func formatSSEEvent(eventType string, data map[string]any) []byte {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return []byte("event: error\ndata: {\"error\":\"failed to marshal data\"}\n\n")
	}

	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, jsonData)
}
