package anthropic

import (
	"encoding/json"
	"strings"
)

// ClientRequest is the client-facing Claude-style Messages API request
// body, deserialized permissively: unrecognized or malformed nested
// shapes degrade to an opaque form rather than rejecting the whole
// request (content blocks) or are simply left at their zero value
// (everything else is already optional in the wire format).
type ClientRequest struct {
	Model         string          `json:"model,omitempty"`
	Messages      []Message       `json:"messages"`
	System        *SystemContent  `json:"system,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	Stream        bool            `json:"stream"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`

	// Raw is the original request body, kept verbatim so the Anthropic
	// passthrough backend can forward it byte-for-byte aside from the
	// model override.
	Raw json.RawMessage `json:"-"`
}

// ParseClientRequest decodes raw into a ClientRequest, retaining the
// original bytes on the returned value.
func ParseClientRequest(raw []byte) (*ClientRequest, error) {
	var req ClientRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	req.Raw = append(json.RawMessage(nil), raw...)
	return &req, nil
}

// SystemText collapses the (possibly absent, possibly multi-block) system
// prompt into a single string, joining block text with newlines.
func (r *ClientRequest) SystemText() string {
	if r.System == nil {
		return ""
	}
	return r.System.String()
}

// Message is one element of the request's messages array.
type Message struct {
	Role    string
	Content *MessageContent
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	if len(wire.Content) == 0 || string(wire.Content) == "null" {
		m.Content = nil
		return nil
	}
	content, err := parseMessageContent(wire.Content)
	if err != nil {
		return err
	}
	m.Content = content
	return nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	wire := struct {
		Role    string      `json:"role"`
		Content interface{} `json:"content,omitempty"`
	}{Role: m.Role}
	if m.Content != nil {
		wire.Content = m.Content.Blocks
	}
	return json.Marshal(wire)
}

// MessageContent is the polymorphic content of a message: a bare string,
// a single object, or a mixed array all normalize to a block list here —
// a bare string becomes a single TextBlock in Blocks; the original string
// form is not kept separately.
type MessageContent struct {
	Blocks []ContentBlock
}

// Text returns the concatenation of every text-bearing block (TextBlock
// and ThinkingBlock), in order, joined with newlines. Used wherever a
// flat string is needed (probe detection, count_tokens estimation).
func (c *MessageContent) Text() string {
	if c == nil {
		return ""
	}
	var parts []string
	for _, b := range c.Blocks {
		switch t := b.(type) {
		case TextBlock:
			parts = append(parts, t.Text)
		case ThinkingBlock:
			parts = append(parts, t.Thinking)
		}
	}
	return strings.Join(parts, "\n")
}

func parseMessageContent(raw json.RawMessage) (*MessageContent, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &MessageContent{Blocks: []ContentBlock{TextBlock{Text: s}}}, nil

	case '{':
		return &MessageContent{Blocks: []ContentBlock{parseContentBlock(raw)}}, nil

	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		blocks := make([]ContentBlock, 0, len(items))
		for _, item := range items {
			item = json.RawMessage(strings.TrimSpace(string(item)))
			if len(item) > 0 && item[0] == '"' {
				var s string
				if err := json.Unmarshal(item, &s); err == nil {
					blocks = append(blocks, TextBlock{Text: s})
					continue
				}
			}
			blocks = append(blocks, parseContentBlock(item))
		}
		return &MessageContent{Blocks: blocks}, nil

	default:
		// Anything else (number, bool) is rendered back to its literal
		// text form rather than rejected.
		return &MessageContent{Blocks: []ContentBlock{TextBlock{Text: trimmed}}}, nil
	}
}

// SystemContent is the polymorphic `system` field: a bare string or a list
// of blocks, each of which is a string, `{text}`, or an opaque value.
type SystemContent struct {
	Blocks []SystemBlock
}

// SystemBlock is one element of a multi-block system prompt.
type SystemBlock struct {
	Text string          // set when the block is a string or {text}
	Raw  json.RawMessage // set (in addition to Text, when recoverable) for anything else
}

func (s *SystemContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		s.Blocks = nil
		return nil
	}
	if trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s.Blocks = []SystemBlock{{Text: str}}
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	blocks := make([]SystemBlock, 0, len(items))
	for _, item := range items {
		blocks = append(blocks, parseSystemBlock(item))
	}
	s.Blocks = blocks
	return nil
}

func parseSystemBlock(raw json.RawMessage) SystemBlock {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err == nil {
			return SystemBlock{Text: str}
		}
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Text != "" {
		return SystemBlock{Text: obj.Text, Raw: raw}
	}
	return SystemBlock{Raw: raw}
}

// String renders the system prompt as a single newline-joined string,
// falling back to the block's raw JSON when it carries no text.
func (s *SystemContent) String() string {
	if s == nil {
		return ""
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
			continue
		}
		if len(b.Raw) > 0 {
			parts = append(parts, string(b.Raw))
		}
	}
	return strings.Join(parts, "\n")
}
