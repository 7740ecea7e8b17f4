package server

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/J1aDong/codexproxy/pkg/jsonparser"
)

// aggregatedBlock tracks one in-progress content block while a non-stream
// response is being reconstructed from a stream of SSE frames.
type aggregatedBlock struct {
	index     int
	blockType string
	text      strings.Builder // text_delta / thinking_delta accumulation
	partial   strings.Builder // input_json_delta accumulation (tool_use)
	toolID    string
	toolName  string
	signature string
}

// aggregator reconstructs a single Claude-style {"type":"message", ...}
// object from the same per-line SSE frames that would otherwise be streamed
// straight to the client, for callers that requested stream:false.
type aggregator struct {
	messageID  string
	role       string
	model      string
	stopReason string
	stopSeq    *string
	usage      map[string]any

	order  []int
	blocks map[int]*aggregatedBlock
}

func newAggregator() *aggregator {
	return &aggregator{
		role:   "assistant",
		blocks: make(map[int]*aggregatedBlock),
	}
}

// Feed consumes one fully-framed SSE chunk ("event: ...\ndata: ...\n\n",
// possibly several concatenated) as produced by a transform.ResponseTransformer.
func (a *aggregator) Feed(frame string) {
	for _, single := range strings.Split(strings.TrimRight(frame, "\n"), "\n\n") {
		a.feedOne(single)
	}
}

func (a *aggregator) feedOne(frame string) {
	eventLine, dataLine, ok := strings.Cut(frame, "\n")
	if !ok {
		return
	}
	event := strings.TrimPrefix(strings.TrimSpace(eventLine), "event: ")
	dataLine = strings.TrimSpace(dataLine)
	payloadJSON := strings.TrimPrefix(dataLine, "data: ")
	var payload map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return
	}

	switch event {
	case "message_start":
		msg, _ := payload["message"].(map[string]any)
		if msg == nil {
			return
		}
		if v, ok := msg["id"].(string); ok {
			a.messageID = v
		}
		if v, ok := msg["role"].(string); ok {
			a.role = v
		}
		if v, ok := msg["model"].(string); ok {
			a.model = v
		}
		if v, ok := msg["usage"].(map[string]any); ok {
			a.usage = v
		}

	case "content_block_start":
		index := intField(payload, "index")
		block, _ := payload["content_block"].(map[string]any)
		b := &aggregatedBlock{index: index}
		if block != nil {
			if v, ok := block["type"].(string); ok {
				b.blockType = v
			}
			if v, ok := block["id"].(string); ok {
				b.toolID = v
			}
			if v, ok := block["name"].(string); ok {
				b.toolName = v
			}
		}
		a.blocks[index] = b
		a.order = append(a.order, index)

	case "content_block_delta":
		index := intField(payload, "index")
		b := a.blocks[index]
		if b == nil {
			return
		}
		delta, _ := payload["delta"].(map[string]any)
		if delta == nil {
			return
		}
		switch delta["type"] {
		case "text_delta":
			if v, ok := delta["text"].(string); ok {
				b.text.WriteString(v)
			}
		case "thinking_delta":
			if v, ok := delta["thinking"].(string); ok {
				b.text.WriteString(v)
			}
		case "signature_delta":
			if v, ok := delta["signature"].(string); ok {
				b.signature = v
			}
		case "input_json_delta":
			if v, ok := delta["partial_json"].(string); ok {
				b.partial.WriteString(v)
			}
		}

	case "content_block_stop":
		// Nothing to finalize eagerly; Result() renders from accumulated
		// state. content_block_stop is still the documented point at which
		// tool input becomes parseable.

	case "message_delta":
		delta, _ := payload["delta"].(map[string]any)
		if delta != nil {
			if v, ok := delta["stop_reason"].(string); ok {
				a.stopReason = v
			}
			if v, ok := delta["stop_sequence"].(string); ok {
				a.stopSeq = &v
			}
		}
		if usage, ok := payload["usage"].(map[string]any); ok {
			if a.usage == nil {
				a.usage = map[string]any{}
			}
			for k, v := range usage {
				a.usage[k] = v
			}
		}

	case "message_stop":
		// terminal; Result() is called by the caller once the upstream
		// stream is exhausted.
	}
}

// Result renders the accumulated state into the final non-stream message
// object. Tool-use blocks whose accumulated partial JSON is truncated
// (client disconnect, upstream cutoff) are repaired via jsonparser.FixJSON
// before being parsed, falling back to an empty object.
func (a *aggregator) Result() map[string]any {
	sort.Ints(a.order)
	content := make([]map[string]any, 0, len(a.order))
	for _, idx := range a.order {
		b := a.blocks[idx]
		if b == nil {
			continue
		}
		switch b.blockType {
		case "tool_use":
			input := map[string]any{}
			raw := b.partial.String()
			if strings.TrimSpace(raw) != "" {
				fixed := jsonparser.FixJSON(raw)
				_ = json.Unmarshal([]byte(fixed), &input)
			}
			content = append(content, map[string]any{
				"type":  "tool_use",
				"id":    b.toolID,
				"name":  b.toolName,
				"input": input,
			})
		case "thinking":
			block := map[string]any{"type": "thinking", "thinking": b.text.String()}
			if b.signature != "" {
				block["signature"] = b.signature
			}
			content = append(content, block)
		default:
			content = append(content, map[string]any{"type": "text", "text": b.text.String()})
		}
	}

	out := map[string]any{
		"id":      a.messageID,
		"type":    "message",
		"role":    a.role,
		"model":   a.model,
		"content": content,
	}
	if a.stopReason != "" {
		out["stop_reason"] = a.stopReason
	} else {
		out["stop_reason"] = "end_turn"
	}
	if a.stopSeq != nil {
		out["stop_sequence"] = *a.stopSeq
	} else {
		out["stop_sequence"] = nil
	}
	if a.usage != nil {
		out["usage"] = a.usage
	} else {
		out["usage"] = map[string]any{}
	}
	return out
}

func intField(payload map[string]any, key string) int {
	v, ok := payload[key]
	if !ok {
		return 0
	}
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int(f)
}
