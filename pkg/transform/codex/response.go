package codex

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/J1aDong/codexproxy/pkg/jsonparser"
)

// ResponseTransformer turns Codex Responses API SSE lines into Claude-style
// SSE events. One instance is used per response and is not safe for
// concurrent use.
type ResponseTransformer struct {
	messageID string
	model     string

	contentIndex  int
	openTextIndex *int
	openToolIndex *int
	toolCallID    string
	toolName      string
	sawToolCall   bool
	sentStart     bool

	toolArgsBuf strings.Builder
	warnings    []string
}

// NewResponseTransformer returns a fresh transformer that will echo model
// in the synthesized message_start event.
func NewResponseTransformer(model string) *ResponseTransformer {
	return &ResponseTransformer{
		messageID: fmt.Sprintf("msg_%d", time.Now().UnixMilli()),
		model:     model,
	}
}

// TransformLine implements transform.ResponseTransformer.
func (t *ResponseTransformer) TransformLine(line string) []string {
	var out []string

	if !strings.HasPrefix(line, "data: ") {
		return out
	}

	if !t.sentStart {
		t.sentStart = true
		out = append(out, sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":         t.messageID,
				"type":       "message",
				"role":       "assistant",
				"content":    []any{},
				"model":      t.model,
				"stop_reason": nil,
				"usage":      map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		}))
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(line[len("data: "):]), &data); err != nil {
		return out
	}

	eventType, _ := data["type"].(string)

	switch eventType {
	case "response.output_text.delta":
		out = append(out, t.handleTextDelta(data)...)

	case "response.output_item.added":
		out = append(out, t.handleOutputItemAdded(data)...)

	case "response.function_call_arguments.delta", "response.function_call_arguments_delta":
		out = append(out, t.handleToolArgsDelta(data)...)

	case "response.output_item.done":
		out = append(out, t.handleOutputItemDone()...)

	case "response.completed":
		out = append(out, t.handleCompleted(data)...)
	}

	return out
}

func (t *ResponseTransformer) handleTextDelta(data map[string]any) []string {
	var out []string
	if t.openTextIndex == nil {
		idx := t.contentIndex
		t.contentIndex++
		t.openTextIndex = &idx
		out = append(out, sseEvent("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         idx,
			"content_block": map[string]any{"type": "text", "text": ""},
		}))
	}
	delta, _ := data["delta"].(string)
	out = append(out, sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": *t.openTextIndex,
		"delta": map[string]any{"type": "text_delta", "text": delta},
	}))
	return out
}

func (t *ResponseTransformer) handleOutputItemAdded(data map[string]any) []string {
	var out []string
	item, _ := data["item"].(map[string]any)
	if item == nil {
		return out
	}
	if itemType, _ := item["type"].(string); itemType != "function_call" {
		return out
	}

	t.sawToolCall = true
	out = append(out, t.closeTextBlock()...)

	callID, _ := item["call_id"].(string)
	if callID == "" {
		callID = "tool_0"
	}
	name, _ := item["name"].(string)
	if name == "" {
		name = "unknown"
	}
	t.toolCallID = callID
	t.toolName = name

	idx := t.contentIndex
	t.contentIndex++
	t.openToolIndex = &idx

	out = append(out, sseEvent("content_block_start", map[string]any{
		"type":  "content_block_start",
		"index": idx,
		"content_block": map[string]any{
			"type":  "tool_use",
			"id":    callID,
			"name":  name,
			"input": map[string]any{},
		},
	}))
	return out
}

func (t *ResponseTransformer) handleToolArgsDelta(data map[string]any) []string {
	var out []string
	if t.openToolIndex == nil {
		t.sawToolCall = true
		out = append(out, t.closeTextBlock()...)

		callID := t.toolCallID
		if callID == "" {
			callID = fmt.Sprintf("tool_%d", time.Now().UnixMilli())
		}
		name := t.toolName
		if name == "" {
			name = "unknown"
		}

		idx := t.contentIndex
		t.contentIndex++
		t.openToolIndex = &idx

		out = append(out, sseEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": idx,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    callID,
				"name":  name,
				"input": map[string]any{},
			},
		}))
	}

	delta := ""
	if d, ok := data["delta"]; ok {
		delta = stringifyDelta(d)
	} else if a, ok := data["arguments"]; ok {
		delta = stringifyDelta(a)
	}
	t.toolArgsBuf.WriteString(delta)

	out = append(out, sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": *t.openToolIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": delta},
	}))
	return out
}

func stringifyDelta(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func (t *ResponseTransformer) handleOutputItemDone() []string {
	out := t.closeToolBlock()
	t.toolCallID = ""
	t.toolName = ""
	return out
}

func (t *ResponseTransformer) handleCompleted(data map[string]any) []string {
	out := t.closeTextBlock()
	out = append(out, t.closeToolBlock()...)

	stopReason := "end_turn"
	if t.sawToolCall {
		stopReason = "tool_use"
	}

	var usage map[string]any
	if response, ok := data["response"].(map[string]any); ok {
		if u, ok := response["usage"].(map[string]any); ok {
			usage = u
		}
	}
	inputTokens := numberField(usage, "input_tokens")
	outputTokens := numberField(usage, "output_tokens")

	out = append(out, sseEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"input_tokens": inputTokens, "output_tokens": outputTokens},
	}))
	out = append(out, sseEvent("message_stop", map[string]any{
		"type":        "message_stop",
		"stop_reason": stopReason,
	}))
	return out
}

func numberField(m map[string]any, key string) float64 {
	if m == nil {
		return 0
	}
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func (t *ResponseTransformer) closeTextBlock() []string {
	if t.openTextIndex == nil {
		return nil
	}
	idx := *t.openTextIndex
	t.openTextIndex = nil
	return []string{sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})}
}

func (t *ResponseTransformer) closeToolBlock() []string {
	if t.openToolIndex == nil {
		return nil
	}
	idx := *t.openToolIndex
	t.openToolIndex = nil
	t.checkToolArgsCompletion()
	return []string{sseEvent("content_block_stop", map[string]any{"type": "content_block_stop", "index": idx})}
}

// checkToolArgsCompletion validates the accumulated input_json_delta
// fragments for the tool call that just closed. The deltas themselves are
// forwarded to the client verbatim as they arrive (the client concatenates
// and parses once on content_block_stop), so this never rewrites what was
// already sent; it only records a warning when the upstream stream ended
// mid-argument and even FixJSON's repair can't make sense of it.
func (t *ResponseTransformer) checkToolArgsCompletion() {
	raw := t.toolArgsBuf.String()
	t.toolArgsBuf.Reset()
	if strings.TrimSpace(raw) == "" {
		return
	}
	if result := jsonparser.ParsePartialJSON(raw); result.State == jsonparser.ParseStateFailed {
		t.warnings = append(t.warnings, fmt.Sprintf("tool %q arguments unparseable after repair: %v", t.toolCallID, result.Error))
	}
}

// Warnings returns any tool-argument completion issues observed during
// translation, for the caller to log once the stream ends.
func (t *ResponseTransformer) Warnings() []string {
	return t.warnings
}

func sseEvent(event string, payload map[string]any) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}
