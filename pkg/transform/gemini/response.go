package gemini

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/J1aDong/codexproxy/pkg/jsonparser"
)

type textBlockKind int

const (
	blockKindNone textBlockKind = iota
	blockKindText
	blockKindThinking
)

// ResponseTransformer re-serializes a Gemini streamGenerateContent SSE
// stream into Claude-style message events. Gemini's stream carries each
// candidate's full accumulated parts list per chunk rather than Codex's
// atomic deltas, so text and thinking content is re-emitted as a delta each
// time it appears; tool calls arrive whole and are opened, filled, and
// closed within the same line.
type ResponseTransformer struct {
	messageID        string
	model            string
	contentIndex     int
	openTextIndex    *int
	openTextKind     textBlockKind
	openToolIndex    *int
	toolCallID       string
	toolName         string
	sawToolCall      bool
	sentMessageStart bool
	sentMessageStop  bool
	thoughtSignature string
	warnings         []string
}

// NewResponseTransformer constructs a transformer for a single streamed
// response attributed to model.
func NewResponseTransformer(model string) *ResponseTransformer {
	return &ResponseTransformer{
		messageID: fmt.Sprintf("msg_%d", time.Now().UnixMilli()),
		model:     model,
	}
}

// TransformLine consumes one already-delimited SSE line from the Gemini
// stream and returns zero or more fully-framed Claude-style SSE events.
func (t *ResponseTransformer) TransformLine(line string) []string {
	var out []string

	if !strings.HasPrefix(line, "data: ") {
		return out
	}

	t.ensureMessageStart(&out)

	payload := strings.TrimSpace(line[len("data: "):])
	if payload == "[DONE]" {
		t.emitMessageStop(&out, t.stopReason())
		return out
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return out
	}

	if sig := extractThoughtSignature(data); sig != "" {
		t.thoughtSignature = sig
	}

	for _, thinking := range extractThinking(data) {
		if thinking == "" {
			continue
		}
		t.openThinkingBlockIfNeeded(&out)
		out = append(out, t.blockDelta("thinking_delta", "thinking", thinking))
	}

	for _, text := range extractText(data) {
		if text == "" {
			continue
		}
		t.openTextBlockIfNeeded(&out)
		out = append(out, t.blockDelta("text_delta", "text", text))
	}

	if name, args, ok := extractToolCall(data); ok {
		t.toolName = name
		t.toolCallID = fmt.Sprintf("tool_%d", time.Now().UnixMilli())
		t.openToolBlockIfNeeded(&out)

		partialJSON := "{}"
		if s, ok := args.(string); ok {
			partialJSON = s
		} else if b, err := json.Marshal(args); err == nil {
			partialJSON = string(b)
		}
		out = append(out, t.blockDelta("input_json_delta", "partial_json", partialJSON))
		t.checkToolArgsCompletion(partialJSON)
		t.closeToolBlock(&out)
		t.toolCallID = ""
		t.toolName = ""
	}

	if hasFinishReason(data) {
		t.emitMessageStop(&out, t.stopReason())
	}

	return out
}

func (t *ResponseTransformer) stopReason() string {
	if t.sawToolCall {
		return "tool_use"
	}
	return "end_turn"
}

func (t *ResponseTransformer) ensureMessageStart(out *[]string) {
	if t.sentMessageStart {
		return
	}
	t.sentMessageStart = true
	*out = append(*out, t.sseEvent("message_start", map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":          t.messageID,
			"type":        "message",
			"role":        "assistant",
			"content":     []any{},
			"model":       t.model,
			"stop_reason": nil,
			"usage":       map[string]any{"input_tokens": 0, "output_tokens": 0},
		},
	}))
}

func (t *ResponseTransformer) openTextBlockIfNeeded(out *[]string) {
	if t.openTextIndex != nil {
		if t.openTextKind == blockKindText {
			return
		}
		t.closeTextBlock(out)
	}
	idx := t.contentIndex
	t.contentIndex++
	t.openTextIndex = &idx
	t.openTextKind = blockKindText
	*out = append(*out, t.sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": map[string]any{"type": "text", "text": ""},
	}))
}

func (t *ResponseTransformer) openThinkingBlockIfNeeded(out *[]string) {
	if t.openTextIndex != nil {
		if t.openTextKind == blockKindThinking {
			return
		}
		t.closeTextBlock(out)
	}
	idx := t.contentIndex
	t.contentIndex++
	t.openTextIndex = &idx
	t.openTextKind = blockKindThinking
	block := map[string]any{"type": "thinking", "thinking": ""}
	if t.thoughtSignature != "" {
		block["signature"] = t.thoughtSignature
	}
	*out = append(*out, t.sseEvent("content_block_start", map[string]any{
		"type":          "content_block_start",
		"index":         idx,
		"content_block": block,
	}))
}

func (t *ResponseTransformer) closeTextBlock(out *[]string) {
	if t.openTextIndex == nil {
		return
	}
	idx := *t.openTextIndex
	t.openTextIndex = nil
	t.openTextKind = blockKindNone
	*out = append(*out, t.sseEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": idx,
	}))
}

func (t *ResponseTransformer) openToolBlockIfNeeded(out *[]string) {
	if t.openToolIndex != nil {
		return
	}
	t.sawToolCall = true
	t.closeTextBlock(out)

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
	*out = append(*out, t.sseEvent("content_block_start", map[string]any{
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

func (t *ResponseTransformer) closeToolBlock(out *[]string) {
	if t.openToolIndex == nil {
		return
	}
	idx := *t.openToolIndex
	t.openToolIndex = nil
	*out = append(*out, t.sseEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": idx,
	}))
}

func (t *ResponseTransformer) blockDelta(deltaType, field, value string) string {
	var idx any
	if t.openToolIndex != nil && deltaType == "input_json_delta" {
		idx = *t.openToolIndex
	} else if t.openTextIndex != nil {
		idx = *t.openTextIndex
	}
	return t.sseEvent("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]any{"type": deltaType, field: value},
	})
}

func (t *ResponseTransformer) emitMessageStop(out *[]string, stopReason string) {
	if t.sentMessageStop {
		return
	}
	t.sentMessageStop = true
	t.closeTextBlock(out)
	t.closeToolBlock(out)

	*out = append(*out, t.sseEvent("message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason},
		"usage": map[string]any{"input_tokens": 0, "output_tokens": 0},
	}))
	*out = append(*out, t.sseEvent("message_stop", map[string]any{
		"type": "message_stop", "stop_reason": stopReason,
	}))
}

func (t *ResponseTransformer) sseEvent(event string, payload map[string]any) string {
	b, _ := json.Marshal(payload)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, string(b))
}

// checkToolArgsCompletion validates the whole-shot partial_json Gemini just
// handed back (its tool calls arrive fully formed, unlike Codex's deltas),
// recording a warning if the upstream payload wasn't actually valid JSON
// even after FixJSON's repair.
func (t *ResponseTransformer) checkToolArgsCompletion(partialJSON string) {
	if strings.TrimSpace(partialJSON) == "" {
		return
	}
	if result := jsonparser.ParsePartialJSON(partialJSON); result.State == jsonparser.ParseStateFailed {
		t.warnings = append(t.warnings, fmt.Sprintf("tool %q arguments unparseable after repair: %v", t.toolCallID, result.Error))
	}
}

// Warnings returns any tool-argument completion issues observed during
// translation, for the caller to log once the stream ends.
func (t *ResponseTransformer) Warnings() []string {
	return t.warnings
}

func candidateParts(data map[string]any, candidate any) []any {
	c, ok := candidate.(map[string]any)
	if !ok {
		return nil
	}
	content, ok := c["content"].(map[string]any)
	if !ok {
		return nil
	}
	parts, _ := content["parts"].([]any)
	return parts
}

func candidates(data map[string]any) []any {
	c, _ := data["candidates"].([]any)
	return c
}

func extractThinking(data map[string]any) []string {
	var out []string
	for _, candidate := range candidates(data) {
		for _, p := range candidateParts(data, candidate) {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if thought, _ := part["thought"].(bool); !thought {
				continue
			}
			if text, ok := part["text"].(string); ok {
				out = append(out, text)
			}
		}
	}
	return out
}

func extractText(data map[string]any) []string {
	var out []string
	for _, candidate := range candidates(data) {
		for _, p := range candidateParts(data, candidate) {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if thought, _ := part["thought"].(bool); thought {
				continue
			}
			if text, ok := part["text"].(string); ok {
				out = append(out, text)
			}
		}
	}
	return out
}

func extractThoughtSignature(data map[string]any) string {
	for _, candidate := range candidates(data) {
		c, ok := candidate.(map[string]any)
		if !ok {
			continue
		}
		if sig, ok := c["thoughtSignature"].(string); ok && sig != "" {
			return sig
		}
		for _, p := range candidateParts(data, candidate) {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if sig, ok := part["thoughtSignature"].(string); ok && sig != "" {
				return sig
			}
		}
	}
	return ""
}

func extractToolCall(data map[string]any) (name string, args any, ok bool) {
	for _, candidate := range candidates(data) {
		for _, p := range candidateParts(data, candidate) {
			part, isMap := p.(map[string]any)
			if !isMap {
				continue
			}
			fc, isMap := part["functionCall"].(map[string]any)
			if !isMap {
				continue
			}
			name, _ = fc["name"].(string)
			if name == "" {
				name = "unknown"
			}
			args = fc["args"]
			if args == nil {
				args = map[string]any{}
			}
			return name, args, true
		}
	}
	return "", nil, false
}

func hasFinishReason(data map[string]any) bool {
	for _, candidate := range candidates(data) {
		c, ok := candidate.(map[string]any)
		if !ok {
			continue
		}
		if reason, ok := c["finishReason"].(string); ok && reason != "" {
			return true
		}
	}
	return false
}
