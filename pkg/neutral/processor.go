package neutral

import (
	"encoding/json"
	"strings"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
)

// imageSystemHint is prepended once per user message that carries an image,
// so the upstream model stops asking for a file path it was never given.
const imageSystemHint = "\n<system_hint>IMAGE PROVIDED. You can see the image above directly. Analyze it as requested. DO NOT ask for file paths.</system_hint>\n"

// BuildItems translates a client message list into the neutral input
// sequence plus the list of already-formatted <skill>...</skill> blocks
// extracted from tool results, in insertion order.
func BuildItems(messages []anthropic.Message) (items []Item, extractedSkills []string) {
	skillToolIDs := map[string]bool{}
	for _, msg := range messages {
		if msg.Content == nil {
			continue
		}
		for _, b := range msg.Content.Blocks {
			if tu, ok := b.(anthropic.ToolUseBlock); ok && strings.EqualFold(tu.Name, "skill") && tu.ID != "" {
				skillToolIDs[tu.ID] = true
			}
		}
	}

	seenSkillNames := map[string]bool{}

	for _, msg := range messages {
		if msg.Role != "user" && msg.Role != "assistant" {
			continue
		}
		if msg.Content == nil {
			continue
		}

		textType := "output_text"
		if msg.Role == "user" {
			textType = "input_text"
		}

		var current []Part
		imageHintAdded := false
		ensureImageHint := func() {
			if imageHintAdded {
				return
			}
			already := false
			for _, p := range current {
				if it, ok := p.(InputTextPart); ok && strings.Contains(it.Text, "IMAGE PROVIDED") {
					already = true
					break
				}
			}
			if !already {
				current = append(current, InputTextPart{Text: imageSystemHint})
			}
			imageHintAdded = true
		}

		flush := func() {
			if len(current) > 0 {
				items = append(items, MessageItem{Role: msg.Role, Content: current})
				current = nil
			}
		}

		for _, block := range msg.Content.Blocks {
			switch b := block.(type) {
			case anthropic.TextBlock:
				current = append(current, newTextPart(textType, b.Text))

			case anthropic.ThinkingBlock:
				current = append(current, ThinkingPart{Text: b.Thinking, Signature: b.Signature})

			case anthropic.ImageBlock:
				url := resolveImageBlockURL(b)
				if url != "" && msg.Role == "user" {
					ensureImageHint()
					current = append(current, InputImagePart{URL: url, Detail: "auto"})
				}

			case anthropic.ImageURLBlock:
				url := firstNonEmptyStr(b.ImageURL.URL, b.ImageURL.URI)
				if url != "" && msg.Role == "user" {
					ensureImageHint()
					current = append(current, InputImagePart{URL: url, Detail: "auto"})
				}

			case anthropic.InputImageBlock:
				url := b.URL
				if url == "" && b.ImageURL != nil {
					url = firstNonEmptyStr(b.ImageURL.URL, b.ImageURL.URI)
				}
				if url != "" && msg.Role == "user" {
					ensureImageHint()
					current = append(current, InputImagePart{URL: url, Detail: "auto"})
				}

			case anthropic.ToolUseBlock:
				flush()
				argsJSON := normalizeToolUseArguments(b)
				items = append(items, FunctionCallItem{
					CallID:        b.ID,
					Name:          b.Name,
					ArgumentsJSON: argsJSON,
					Signature:     b.Signature,
				})

			case anthropic.ToolResultBlock:
				isSkill := b.ToolUseID != "" && skillToolIDs[b.ToolUseID]
				resultText := toolResultText(b.Content)
				if !isSkill {
					isSkill = isPotentialSkillResult(resultText)
				}
				var override string
				if isSkill {
					if name, content, ok := extractSkillInfo(resultText); ok {
						if !seenSkillNames[name] {
							extractedSkills = append(extractedSkills, convertToCodexSkillFormat(name, content))
							seenSkillNames[name] = true
						}
						override = "Skill '" + name + "' loaded."
					}
				}
				flush()
				output := resultText
				if override != "" {
					output = override
				}
				items = append(items, FunctionCallOutputItem{CallID: b.ToolUseID, Output: output})

			case anthropic.DocumentBlock:
				current = append(current, newTextPart(textType, "[document omitted]"))

			case anthropic.OpaqueBlock:
				text := string(b.Raw)
				if text == "" {
					text = "[unknown content]"
				}
				current = append(current, newTextPart(textType, text))
			}
		}

		flush()
	}

	return items, extractedSkills
}

func newTextPart(textType, text string) Part {
	if textType == "output_text" {
		return OutputTextPart{Text: text}
	}
	return InputTextPart{Text: text}
}

func firstNonEmptyStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// normalizeToolUseArguments serializes a tool use block's input to a
// compact JSON string, rewriting `{skill, args?}` to `{command:"<skill>
// <args>"}` when the tool name is "skill" (case-insensitive).
func normalizeToolUseArguments(b anthropic.ToolUseBlock) string {
	input := b.Input
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	if strings.EqualFold(b.Name, "skill") {
		var obj map[string]any
		if err := json.Unmarshal(input, &obj); err == nil {
			if skillName, ok := obj["skill"].(string); ok {
				cmd := skillName
				if args, ok := obj["args"].(string); ok && args != "" {
					cmd += " " + args
				}
				rewritten, err := json.Marshal(map[string]string{"command": cmd})
				if err == nil {
					return string(rewritten)
				}
			}
		}
	}
	var compact map[string]any
	if err := json.Unmarshal(input, &compact); err != nil {
		return string(input)
	}
	out, err := json.Marshal(compact)
	if err != nil {
		return string(input)
	}
	return string(out)
}

// resolveImageBlockURL implements the precedence: explicit image_url, then
// the typed source (url → uri → path → data), falling back to the raw
// source object for any field the typed struct didn't carry.
func resolveImageBlockURL(b anthropic.ImageBlock) string {
	if b.ImageURL != nil {
		if u := firstNonEmptyStr(b.ImageURL.URL, b.ImageURL.URI); u != "" {
			return u
		}
	}
	if b.Source != nil {
		if u := resolveTypedImageSource(b.Source); u != "" {
			return u
		}
	}
	if len(b.SourceRaw) > 0 {
		return resolveRawImageSource(b.SourceRaw)
	}
	return ""
}

func resolveTypedImageSource(s *anthropic.ImageSource) string {
	mediaType := firstNonEmptyStr(s.MediaType, s.MimeType, "image/png")
	if s.URL != "" {
		return s.URL
	}
	if s.URI != "" {
		return s.URI
	}
	if s.Path != "" {
		if strings.HasPrefix(s.Path, "file://") {
			return s.Path
		}
		return "file://" + s.Path
	}
	if s.Data != "" {
		if strings.HasPrefix(s.Data, "data:") {
			return s.Data
		}
		return "data:" + mediaType + ";base64," + s.Data
	}
	return ""
}

func resolveRawImageSource(raw json.RawMessage) string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return ""
	}
	mediaType := "image/png"
	for _, key := range []string{"media_type", "mediaType", "mime_type", "mimeType"} {
		if v, ok := obj[key]; ok {
			if s := asRawStr(v); s != "" {
				mediaType = s
				break
			}
		}
	}
	extract := func(v json.RawMessage) string {
		if s := asRawStr(v); s != "" {
			return s
		}
		var sub map[string]json.RawMessage
		if err := json.Unmarshal(v, &sub); err == nil {
			for _, key := range []string{"url", "uri", "data", "base64"} {
				if vv, ok := sub[key]; ok {
					if s := asRawStr(vv); s != "" {
						return s
					}
				}
			}
		}
		return ""
	}
	if v, ok := obj["url"]; ok {
		if s := extract(v); s != "" {
			return s
		}
	}
	if v, ok := obj["uri"]; ok {
		if s := extract(v); s != "" {
			return s
		}
	}
	if v, ok := obj["image_url"]; ok {
		if s := extract(v); s != "" {
			return s
		}
	}
	path := ""
	for _, key := range []string{"path", "file_path", "filePath", "local_path", "localPath", "file"} {
		if v, ok := obj[key]; ok {
			if s := asRawStr(v); s != "" {
				path = s
				break
			}
		}
	}
	if path != "" {
		if strings.HasPrefix(path, "file://") {
			return path
		}
		return "file://" + path
	}
	data := ""
	if v, ok := obj["data"]; ok {
		data = extract(v)
	}
	if data == "" {
		if v, ok := obj["base64"]; ok {
			data = asRawStr(v)
		}
	}
	if data != "" {
		if strings.HasPrefix(data, "data:") {
			return data
		}
		return "data:" + mediaType + ";base64," + data
	}
	return ""
}

func asRawStr(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func toolResultText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(content, &s); err == nil {
			return s
		}
	case '[':
		var arr []map[string]json.RawMessage
		if err := json.Unmarshal(content, &arr); err == nil {
			var lines []string
			for _, item := range arr {
				if t, ok := item["text"]; ok {
					if s := asRawStr(t); s != "" {
						lines = append(lines, s)
					}
				}
			}
			return strings.Join(lines, "\n")
		}
	}
	return trimmed
}

func isPotentialSkillResult(text string) bool {
	return strings.Contains(text, "<command-name>") || strings.Contains(text, "Base Path:")
}

func extractSkillInfo(fullText string) (name string, content string, ok bool) {
	if !isPotentialSkillResult(fullText) {
		return "", "", false
	}
	start := strings.Index(fullText, "<command-name>")
	if start < 0 {
		return "", "", false
	}
	sub := fullText[start+len("<command-name>"):]
	end := strings.Index(sub, "</command-name>")
	if end < 0 {
		return "", "", false
	}
	name = strings.TrimPrefix(strings.TrimSpace(sub[:end]), "/")

	if pathIdx := strings.Index(fullText, "Base Path:"); pathIdx >= 0 {
		rest := fullText[pathIdx:]
		nl := strings.IndexByte(rest, '\n')
		if nl < 0 {
			return "", "", false
		}
		content = strings.TrimSpace(rest[nl:])
	} else {
		content = fullText
		content = strings.ReplaceAll(content, "<command-name>"+name+"</command-name>", "")
		content = strings.ReplaceAll(content, "<command-name>/"+name+"</command-name>", "")
		content = strings.TrimSpace(content)
	}

	if name == "" || content == "" {
		return "", "", false
	}
	return name, content, true
}

func convertToCodexSkillFormat(name, content string) string {
	return "<skill>\n<name>" + name + "</name>\n<path>unknown</path>\n" + content + "\n</skill>"
}
