package server

import (
	"fmt"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
)

// isProbeRequest reports whether req is a desktop-shell connectivity probe:
// a single user message whose full text is exactly "foo" or "count".
func isProbeRequest(req *anthropic.ClientRequest) bool {
	if len(req.Messages) != 1 {
		return false
	}
	msg := req.Messages[0]
	if msg.Role != "user" || msg.Content == nil {
		return false
	}
	text := msg.Content.Text()
	return text == "foo" || text == "count"
}

const probeMessageID = "msg_probe"

// probeStreamFrames is the exact SSE sequence a probe request gets back:
// message_start, a single text block carrying "ok", and message_stop.
func probeStreamFrames(model string) []string {
	return []string{
		fmt.Sprintf("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":%q,\"type\":\"message\",\"role\":\"assistant\",\"model\":%q,\"content\":[],\"stop_reason\":null,\"usage\":{\"input_tokens\":0,\"output_tokens\":0}}}\n\n", probeMessageID, model),
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"ok\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\",\"stop_sequence\":null},\"usage\":{\"output_tokens\":1}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	}
}

// probeAggregateResponse is the non-stream equivalent of probeStreamFrames.
func probeAggregateResponse(model string) map[string]any {
	return map[string]any{
		"id":    probeMessageID,
		"type":  "message",
		"role":  "assistant",
		"model": model,
		"content": []map[string]any{
			{"type": "text", "text": "ok"},
		},
		"stop_reason":   "end_turn",
		"stop_sequence": nil,
		"usage":         map[string]any{"input_tokens": 0, "output_tokens": 1},
	}
}
