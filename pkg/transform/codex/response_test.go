package codex

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractEvents(t *testing.T, lines []string) []map[string]any {
	t.Helper()
	var events []map[string]any
	for _, line := range lines {
		parts := strings.SplitN(line, "\ndata: ", 2)
		require.Len(t, parts, 2)
		data := strings.TrimSuffix(parts[1], "\n\n")
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(data), &m))
		events = append(events, m)
	}
	return events
}

func TestResponseTransformer_TextDeltaEmitsStartThenDelta(t *testing.T) {
	tr := NewResponseTransformer("claude-3-5-sonnet")

	out := tr.TransformLine(`data: {"type":"response.output_text.delta","delta":"hel"}`)
	events := extractEvents(t, out)
	require.Len(t, events, 3, "message_start, content_block_start, content_block_delta")
	assert.Equal(t, "message_start", events[0]["type"])
	assert.Equal(t, "content_block_start", events[1]["type"])
	assert.Equal(t, "content_block_delta", events[2]["type"])

	out2 := tr.TransformLine(`data: {"type":"response.output_text.delta","delta":"lo"}`)
	events2 := extractEvents(t, out2)
	require.Len(t, events2, 1, "no repeated message_start/content_block_start")
	delta := events2[0]["delta"].(map[string]any)
	assert.Equal(t, "lo", delta["text"])
}

func TestResponseTransformer_ToolCallIncrementalArgs(t *testing.T) {
	tr := NewResponseTransformer("claude-3-5-sonnet")
	tr.TransformLine(`data: {"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_1","name":"lookup"}}`)

	out := tr.TransformLine(`data: {"type":"response.function_call_arguments.delta","delta":"{\"q\":"}`)
	events := extractEvents(t, out)
	require.Len(t, events, 1)
	delta := events[0]["delta"].(map[string]any)
	assert.Equal(t, "input_json_delta", delta["type"])
	assert.Equal(t, "{\"q\":", delta["partial_json"])

	out2 := tr.TransformLine(`data: {"type":"response.output_item.done"}`)
	events2 := extractEvents(t, out2)
	require.Len(t, events2, 1)
	assert.Equal(t, "content_block_stop", events2[0]["type"])
}

func TestResponseTransformer_ToolCallWithoutPriorAddedEventOpensOwnBlock(t *testing.T) {
	tr := NewResponseTransformer("claude-3-5-sonnet")
	tr.sentStart = true // isolate this scenario from the message_start latch

	out := tr.TransformLine(`data: {"type":"response.function_call_arguments.delta","delta":"abc"}`)
	events := extractEvents(t, out)
	require.Len(t, events, 2, "content_block_start then content_block_delta")
	block := events[0]["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "unknown", block["name"])
}

func TestResponseTransformer_CompletedClosesBlocksAndReportsStopReason(t *testing.T) {
	tr := NewResponseTransformer("claude-3-5-sonnet")
	tr.TransformLine(`data: {"type":"response.output_text.delta","delta":"hi"}`)

	out := tr.TransformLine(`data: {"type":"response.completed","response":{"usage":{"input_tokens":10,"output_tokens":5}}}`)
	events := extractEvents(t, out)
	require.Len(t, events, 3, "content_block_stop, message_delta, message_stop")
	assert.Equal(t, "content_block_stop", events[0]["type"])

	delta := events[1]["delta"].(map[string]any)
	assert.Equal(t, "end_turn", delta["stop_reason"])
	usage := events[1]["usage"].(map[string]any)
	assert.Equal(t, float64(10), usage["input_tokens"])

	assert.Equal(t, "message_stop", events[2]["type"])
	assert.Equal(t, "end_turn", events[2]["stop_reason"])
}

func TestResponseTransformer_CompletedAfterToolCallReportsToolUse(t *testing.T) {
	tr := NewResponseTransformer("claude-3-5-sonnet")
	tr.TransformLine(`data: {"type":"response.output_item.added","item":{"type":"function_call","call_id":"call_1","name":"lookup"}}`)
	tr.TransformLine(`data: {"type":"response.function_call_arguments.delta","delta":"{}"}`)
	tr.TransformLine(`data: {"type":"response.output_item.done"}`)

	out := tr.TransformLine(`data: {"type":"response.completed","response":{"usage":{}}}`)
	events := extractEvents(t, out)
	last := events[len(events)-1]
	assert.Equal(t, "tool_use", last["stop_reason"])
}

func TestResponseTransformer_NonDataLineIgnored(t *testing.T) {
	tr := NewResponseTransformer("m")
	out := tr.TransformLine(": keep-alive")
	assert.Empty(t, out)
}

func TestResponseTransformer_UnrecognizedEventTypeIgnored(t *testing.T) {
	tr := NewResponseTransformer("m")
	tr.TransformLine(`data: {"type":"response.created"}`)
	out := tr.TransformLine(`data: {"type":"response.in_progress"}`)
	events := extractEvents(t, out)
	assert.Empty(t, events)
}
