// Package gemini implements transform.Backend for Google's Gemini
// generateContent API, translating the shared neutral item sequence into
// Gemini's contents/parts shape and re-serializing Gemini's SSE stream back
// into Claude-style message events.
package gemini

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/neutral"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

const defaultGeminiModel = "gemini-3-pro-preview"

// normalizeModel trims incidental whitespace from a client-supplied model
// name; Gemini model ids don't tolerate it.
func normalizeModel(model string) string {
	return strings.TrimSpace(model)
}

// ResolveModel returns the concrete Gemini model a request should target:
// the operator-configured override, then GeminiReasoningEffortMapping's
// per-family resolution of the client's requested model, then the client's
// requested model verbatim, then defaultGeminiModel.
func ResolveModel(req *anthropic.ClientRequest, ctx *transform.Context) string {
	requested := ctx.GeminiModel
	if requested == "" {
		requested = mappedGeminiModel(req.Model, ctx.GeminiReasoningEffortMapping)
	}
	if requested == "" {
		requested = req.Model
	}
	if requested == "" {
		requested = defaultGeminiModel
	}
	return normalizeModel(requested)
}

// mappedGeminiModel resolves claudeModel through mapping by the same
// family-match rule as transform.GetReasoningEffort, returning "" when no
// family matches or the matched field is itself empty.
func mappedGeminiModel(claudeModel string, mapping transform.GeminiReasoningEffortMapping) string {
	lower := strings.ToLower(claudeModel)
	switch {
	case strings.Contains(lower, "opus"):
		return mapping.Opus
	case strings.Contains(lower, "sonnet"):
		return mapping.Sonnet
	case strings.Contains(lower, "haiku"):
		return mapping.Haiku
	default:
		return ""
	}
}

// TransformRequest builds a Gemini generateContent request body from req,
// returning the marshaled body and a freshly generated session id.
func TransformRequest(req *anthropic.ClientRequest, ctx *transform.Context) ([]byte, string, error) {
	sessionID := uuid.NewString()

	geminiModel := ResolveModel(req, ctx)

	items, _ := neutral.BuildItems(req.Messages)
	contents := buildContents(items)

	body := map[string]any{
		"model":    geminiModel,
		"contents": contents,
		"safetySettings": []map[string]any{
			{"category": "HARM_CATEGORY_HARASSMENT", "threshold": "BLOCK_NONE"},
			{"category": "HARM_CATEGORY_HATE_SPEECH", "threshold": "BLOCK_NONE"},
			{"category": "HARM_CATEGORY_SEXUALLY_EXPLICIT", "threshold": "BLOCK_NONE"},
			{"category": "HARM_CATEGORY_DANGEROUS_CONTENT", "threshold": "BLOCK_NONE"},
		},
	}

	if sys := req.SystemText(); sys != "" {
		body["system_instruction"] = map[string]any{
			"parts": []map[string]any{{"text": sys}},
		}
	}

	if tools := convertTools(req.Tools); tools != nil {
		body["tools"] = tools
	}

	if cfg := buildGenerationConfig(req); len(cfg) > 0 {
		body["generationConfig"] = cfg
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return out, sessionID, nil
}

func buildGenerationConfig(req *anthropic.ClientRequest) map[string]any {
	cfg := map[string]any{}
	if req.MaxTokens != nil {
		cfg["maxOutputTokens"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		cfg["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		cfg["topP"] = *req.TopP
	}
	if req.TopK != nil {
		cfg["topK"] = *req.TopK
	}
	if len(req.StopSequences) > 0 {
		cfg["stopSequences"] = req.StopSequences
	}
	return cfg
}

// buildContents walks the shared neutral item sequence and produces Gemini's
// contents array, merging consecutive items that land on the same Gemini
// role the way the upstream API expects (it rejects back-to-back entries of
// the same role).
func buildContents(items []neutral.Item) []map[string]any {
	var contents []map[string]any
	toolNameByCallID := map[string]string{}

	appendParts := func(role string, parts []map[string]any) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1]["role"] == role {
			existing := contents[n-1]["parts"].([]map[string]any)
			contents[n-1]["parts"] = append(existing, parts...)
			return
		}
		contents = append(contents, map[string]any{"role": role, "parts": parts})
	}

	for _, item := range items {
		switch it := item.(type) {
		case neutral.MessageItem:
			role := "user"
			if it.Role == "assistant" {
				role = "model"
			}
			var parts []map[string]any
			for _, part := range it.Content {
				if p := convertPart(part); p != nil {
					parts = append(parts, p)
				}
			}
			appendParts(role, parts)

		case neutral.FunctionCallItem:
			if it.CallID != "" {
				toolNameByCallID[it.CallID] = it.Name
			}
			var args any = map[string]any{}
			if it.ArgumentsJSON != "" {
				_ = json.Unmarshal([]byte(it.ArgumentsJSON), &args)
			}
			part := map[string]any{
				"functionCall": map[string]any{
					"name": it.Name,
					"args": args,
				},
			}
			if it.Signature != "" {
				part["thought_signature"] = it.Signature
			}
			appendParts("model", []map[string]any{part})

		case neutral.FunctionCallOutputItem:
			name := toolNameByCallID[it.CallID]
			if name == "" {
				name = "unknown_tool"
			}
			part := map[string]any{
				"functionResponse": map[string]any{
					"name":     name,
					"response": map[string]any{"result": it.Output},
				},
			}
			appendParts("function", []map[string]any{part})
		}
	}

	return contents
}

func convertPart(part neutral.Part) map[string]any {
	switch p := part.(type) {
	case neutral.InputTextPart:
		return map[string]any{"text": p.Text}
	case neutral.OutputTextPart:
		return map[string]any{"text": p.Text}
	case neutral.ThinkingPart:
		out := map[string]any{"text": p.Text, "thought": true}
		if p.Signature != "" {
			out["thought_signature"] = p.Signature
		}
		return out
	case neutral.InputImagePart:
		return convertImagePart(p.URL)
	}
	return nil
}

// convertImagePart re-parses the shared processor's resolved image URL into
// Gemini's inline_data shape. Its own fallback mime type is image/jpeg,
// deliberately distinct from the shared processor's image/png default: the
// shared processor's default only applies when no mime type was declared at
// all, whereas this fallback only fires for a data: URL whose header is
// missing a mime segment entirely (malformed input), a rarer case the
// upstream API historically saw most often from jpeg-producing callers.
func convertImagePart(url string) map[string]any {
	if !strings.HasPrefix(url, "data:") {
		return nil
	}
	rest := strings.TrimPrefix(url, "data:")
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return nil
	}
	header := parts[0]
	mimeType := "image/jpeg"
	if semi := strings.Index(header, ";"); semi >= 0 {
		if t := header[:semi]; t != "" {
			mimeType = t
		}
	} else if header != "" {
		mimeType = header
	}
	return map[string]any{
		"inline_data": map[string]any{
			"mime_type": mimeType,
			"data":      parts[1],
		},
	}
}

func convertTools(raw json.RawMessage) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var tools []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &tools); err != nil || len(tools) == 0 {
		return nil
	}

	var declarations []map[string]any
	for _, tool := range tools {
		var name string
		if err := json.Unmarshal(tool["name"], &name); err != nil || name == "" {
			continue
		}
		var description string
		_ = json.Unmarshal(tool["description"], &description)

		var schema any = map[string]any{"type": "object", "properties": map[string]any{}}
		if raw, ok := tool["input_schema"]; ok && len(raw) > 0 {
			var parsed any
			if err := json.Unmarshal(raw, &parsed); err == nil {
				schema = parsed
			}
		}

		declarations = append(declarations, map[string]any{
			"name":        name,
			"description": description,
			"parameters":  schema,
		})
	}

	if len(declarations) == 0 {
		return nil
	}
	return []map[string]any{{"function_declarations": declarations}}
}
