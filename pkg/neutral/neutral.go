// Package neutral defines the backend-agnostic intermediate representation
// the Codex and Gemini translators both build their upstream request from,
// and the message processor that populates it from the client's typed
// message list.
package neutral

// Part is one piece of a Message item's content.
type Part interface {
	PartType() string
	part()
}

// InputTextPart is user-role text.
type InputTextPart struct{ Text string }

func (InputTextPart) PartType() string { return "input_text" }
func (InputTextPart) part()            {}

// OutputTextPart is assistant-role text.
type OutputTextPart struct{ Text string }

func (OutputTextPart) PartType() string { return "output_text" }
func (OutputTextPart) part()            {}

// ThinkingPart carries a reasoning trace plus its opaque signature.
type ThinkingPart struct {
	Text      string
	Signature string
}

func (ThinkingPart) PartType() string { return "thinking" }
func (ThinkingPart) part()            {}

// InputImagePart is a resolved image URL (data: URL, file:// URL, or a
// plain http(s) URL) ready for an upstream's image input format.
type InputImagePart struct {
	URL    string
	Detail string
}

func (InputImagePart) PartType() string { return "input_image" }
func (InputImagePart) part()            {}

// Item is one element of the neutral input sequence.
type Item interface {
	ItemType() string
	item()
}

// MessageItem is a plain role+content item.
type MessageItem struct {
	Role    string
	Content []Part
}

func (MessageItem) ItemType() string { return "message" }
func (MessageItem) item()            {}

// FunctionCallItem is a tool invocation.
type FunctionCallItem struct {
	CallID        string
	Name          string
	ArgumentsJSON string
	Signature     string // empty when the originating ToolUse had none
}

func (FunctionCallItem) ItemType() string { return "function_call" }
func (FunctionCallItem) item()            {}

// FunctionCallOutputItem is a tool result.
type FunctionCallOutputItem struct {
	CallID string
	Output string
}

func (FunctionCallOutputItem) ItemType() string { return "function_call_output" }
func (FunctionCallOutputItem) item()            {}
