// Package anthropic models the client-facing Claude-style Messages API:
// tolerant request deserialization and the typed content block variants
// every other package in this module consumes.
package anthropic

import (
	"encoding/json"
)

// ContentBlock is one element of a message's content array. Every concrete
// variant implements BlockType so callers can type-switch without a
// separate discriminator field.
type ContentBlock interface {
	BlockType() string
	contentBlock()
}

// TextBlock is a plain text content block.
type TextBlock struct {
	Text string
}

func (TextBlock) BlockType() string { return "text" }
func (TextBlock) contentBlock()     {}

// MarshalJSON implements json.Marshaler.
func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{"text", b.Text})
}

// ThinkingBlock carries a model's reasoning trace plus an opaque signature
// some upstreams require to be echoed back unmodified.
type ThinkingBlock struct {
	Thinking  string
	Signature string // empty when absent
}

func (ThinkingBlock) BlockType() string { return "thinking" }
func (ThinkingBlock) contentBlock()     {}

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": "thinking", "thinking": b.Thinking}
	if b.Signature != "" {
		m["signature"] = b.Signature
	}
	return json.Marshal(m)
}

// ImageSource is the typed `source` object of an image block, tolerant of
// the field-name aliases several client SDKs use.
type ImageSource struct {
	SourceType string // "base64" | "url" | ""
	MediaType  string
	MimeType   string
	Data       string
	URL        string
	URI        string
	Path       string
}

// imageSourceWire is the raw JSON shape ImageSource is decoded from,
// carrying every alias as a distinct tag so encoding/json's case-sensitive
// exact-match lookup still finds whichever spelling the client sent.
type imageSourceWire struct {
	SourceType string `json:"type"`
	MediaType  string `json:"mediaType"`
	MediaType2 string `json:"media_type"`
	MimeType   string `json:"mime_type"`
	MimeType2  string `json:"mimeType"`
	Data       string `json:"data"`
	Base64     string `json:"base64"`
	URL        string `json:"url"`
	URI        string `json:"uri"`
	FilePath   string `json:"file_path"`
	FilePath2  string `json:"filePath"`
	LocalPath  string `json:"local_path"`
	LocalPath2 string `json:"localPath"`
	File       string `json:"file"`
	Path       string `json:"path"`
}

func parseImageSource(raw json.RawMessage) *ImageSource {
	var w imageSourceWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil
	}
	s := &ImageSource{
		SourceType: w.SourceType,
		MediaType:  firstNonEmpty(w.MediaType, w.MediaType2),
		MimeType:   firstNonEmpty(w.MimeType, w.MimeType2),
		Data:       firstNonEmpty(w.Data, w.Base64),
		URL:        w.URL,
		URI:        w.URI,
		Path:       firstNonEmpty(w.FilePath, w.FilePath2, w.LocalPath, w.LocalPath2, w.File, w.Path),
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// ImageURLValue is the polymorphic `image_url` field: a bare string, or an
// object carrying either `url` or `uri`.
type ImageURLValue struct {
	URL string
	URI string
}

func parseImageURLValue(raw json.RawMessage) ImageURLValue {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ImageURLValue{URL: s}
	}
	var obj struct {
		URL string `json:"url"`
		URI string `json:"uri"`
	}
	_ = json.Unmarshal(raw, &obj)
	return ImageURLValue{URL: obj.URL, URI: obj.URI}
}

// ImageBlock is a `type:"image"` block, carrying both the parsed source
// and its raw JSON so a backend that needs a field the typed source
// dropped can still recover it.
type ImageBlock struct {
	Source    *ImageSource
	SourceRaw json.RawMessage
	ImageURL  *ImageURLValue
}

func (ImageBlock) BlockType() string { return "image" }
func (ImageBlock) contentBlock()     {}

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": "image"}
	if len(b.SourceRaw) > 0 {
		m["source"] = json.RawMessage(b.SourceRaw)
	}
	if b.ImageURL != nil {
		m["image_url"] = b.ImageURL
	}
	return json.Marshal(m)
}

// ImageURLBlock is a `type:"image_url"` block.
type ImageURLBlock struct {
	ImageURL ImageURLValue
}

func (ImageURLBlock) BlockType() string { return "image_url" }
func (ImageURLBlock) contentBlock()     {}

func (b ImageURLBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"type": "image_url", "image_url": b.ImageURL})
}

// InputImageBlock is a `type:"input_image"` block (OpenAI-shaped input).
type InputImageBlock struct {
	ImageURL *ImageURLValue
	URL      string
	Detail   string
}

func (InputImageBlock) BlockType() string { return "input_image" }
func (InputImageBlock) contentBlock()     {}

func (b InputImageBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": "input_image"}
	if b.ImageURL != nil {
		m["image_url"] = b.ImageURL
	}
	if b.URL != "" {
		m["url"] = b.URL
	}
	if b.Detail != "" {
		m["detail"] = b.Detail
	}
	return json.Marshal(m)
}

// ToolUseBlock is a `type:"tool_use"` block. Input is normalized to `{}`
// when the client sent null or omitted it entirely.
type ToolUseBlock struct {
	ID        string
	Name      string
	Input     json.RawMessage
	Signature string
}

func (ToolUseBlock) BlockType() string { return "tool_use" }
func (ToolUseBlock) contentBlock()     {}

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": "tool_use", "name": b.Name}
	if b.ID != "" {
		m["id"] = b.ID
	}
	input := b.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	m["input"] = input
	if b.Signature != "" {
		m["signature"] = b.Signature
	}
	return json.Marshal(m)
}

// ToolResultBlock is a `type:"tool_result"` block.
type ToolResultBlock struct {
	ToolUseID string
	ID        string
	Content   json.RawMessage
}

func (ToolResultBlock) BlockType() string { return "tool_result" }
func (ToolResultBlock) contentBlock()     {}

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": "tool_result"}
	if b.ToolUseID != "" {
		m["tool_use_id"] = b.ToolUseID
	}
	if b.ID != "" {
		m["id"] = b.ID
	}
	if len(b.Content) > 0 {
		m["content"] = json.RawMessage(b.Content)
	}
	return json.Marshal(m)
}

// DocumentBlock is a `type:"document"` block.
type DocumentBlock struct {
	Source json.RawMessage
	Name   string
}

func (DocumentBlock) BlockType() string { return "document" }
func (DocumentBlock) contentBlock()     {}

func (b DocumentBlock) MarshalJSON() ([]byte, error) {
	m := map[string]any{"type": "document"}
	if len(b.Source) > 0 {
		m["source"] = json.RawMessage(b.Source)
	}
	if b.Name != "" {
		m["name"] = b.Name
	}
	return json.Marshal(m)
}

// OpaqueBlock preserves any block this model doesn't recognize (or any
// unrecognized type string), so re-serialization stays lossless.
type OpaqueBlock struct {
	Raw json.RawMessage
}

func (OpaqueBlock) BlockType() string { return "opaque" }
func (OpaqueBlock) contentBlock()     {}

func (b OpaqueBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		return []byte("null"), nil
	}
	return b.Raw, nil
}

// parseContentBlock dispatches on the block's "type" field, falling
// through to a field-shape heuristic when it's absent and finally to
// OpaqueBlock when nothing recognizable is found. This never returns an
// error: an unparseable block degrades to OpaqueBlock rather than failing
// the whole request.
func parseContentBlock(raw json.RawMessage) ContentBlock {
	var head struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(raw, &head)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return OpaqueBlock{Raw: raw}
	}

	switch head.Type {
	case "text":
		return TextBlock{Text: rawString(obj["text"])}
	case "thinking", "thought":
		thinking := rawString(obj["thinking"])
		if thinking == "" {
			thinking = rawString(obj["text"])
		}
		return ThinkingBlock{Thinking: thinking, Signature: rawString(obj["signature"])}
	case "image":
		return buildImageBlock(obj)
	case "image_url":
		return buildImageURLBlock(obj)
	case "input_image":
		return buildInputImageBlock(obj)
	case "tool_use":
		return buildToolUseBlock(obj)
	case "tool_result":
		return buildToolResultBlock(obj)
	case "document":
		return DocumentBlock{Source: obj["source"], Name: rawString(obj["name"])}
	case "":
		return parseUntypedBlock(raw, obj)
	default:
		if iu, ok := obj["image_url"]; ok {
			v := parseImageURLValue(iu)
			return ImageURLBlock{ImageURL: v}
		}
		if src, ok := obj["source"]; ok {
			return ImageBlock{Source: parseImageSource(src), SourceRaw: src}
		}
		return OpaqueBlock{Raw: raw}
	}
}

func parseUntypedBlock(raw json.RawMessage, obj map[string]json.RawMessage) ContentBlock {
	if iu, ok := obj["image_url"]; ok {
		return ImageURLBlock{ImageURL: parseImageURLValue(iu)}
	}
	if src, ok := obj["source"]; ok {
		return ImageBlock{Source: parseImageSource(src), SourceRaw: src}
	}
	if text, ok := obj["text"]; ok {
		if s := rawString(text); s != "" {
			return TextBlock{Text: s}
		}
	}
	return OpaqueBlock{Raw: raw}
}

func buildImageBlock(obj map[string]json.RawMessage) ContentBlock {
	src := obj["source"]
	var imageURL *ImageURLValue
	if iu, ok := obj["image_url"]; ok {
		v := parseImageURLValue(iu)
		imageURL = &v
	}
	var source *ImageSource
	if len(src) > 0 {
		source = parseImageSource(src)
	}
	return ImageBlock{Source: source, SourceRaw: src, ImageURL: imageURL}
}

func buildImageURLBlock(obj map[string]json.RawMessage) ContentBlock {
	iu, ok := obj["image_url"]
	if !ok {
		return ImageURLBlock{}
	}
	return ImageURLBlock{ImageURL: parseImageURLValue(iu)}
}

func buildInputImageBlock(obj map[string]json.RawMessage) ContentBlock {
	b := InputImageBlock{
		URL:    rawString(obj["url"]),
		Detail: rawString(obj["detail"]),
	}
	if iu, ok := obj["image_url"]; ok {
		v := parseImageURLValue(iu)
		b.ImageURL = &v
	}
	return b
}

func buildToolUseBlock(obj map[string]json.RawMessage) ContentBlock {
	input := obj["input"]
	if len(input) == 0 || string(input) == "null" {
		input = json.RawMessage("{}")
	}
	sig := rawString(obj["signature"])
	if sig == "" {
		sig = rawString(obj["thought_signature"])
	}
	if sig == "" {
		sig = rawString(obj["thoughtSignature"])
	}
	return ToolUseBlock{
		ID:        rawString(obj["id"]),
		Name:      rawString(obj["name"]),
		Input:     input,
		Signature: sig,
	}
}

func buildToolResultBlock(obj map[string]json.RawMessage) ContentBlock {
	return ToolResultBlock{
		ToolUseID: rawString(obj["tool_use_id"]),
		ID:        rawString(obj["id"]),
		Content:   obj["content"],
	}
}

// rawString extracts a JSON string field's value, returning "" for
// anything that isn't a JSON string (absent field, null, number, object).
func rawString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
