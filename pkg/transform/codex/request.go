// Package codex translates between the client-facing Claude Messages API
// and the Codex Responses API: encrypted reasoning, incremental tool-call
// argument streaming, and a fixed-order instruction/skill preamble the
// reference deployment builds on every request.
package codex

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/neutral"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

const defaultCodexModel = "gpt-5.3-codex"

// ResolveModel returns the concrete Codex model a request should target:
// the operator-configured override, then CodexModelMapping's per-family
// resolution of the client's requested model, then defaultCodexModel.
func ResolveModel(req *anthropic.ClientRequest, ctx *transform.Context) string {
	model := strings.TrimSpace(ctx.CodexModel)
	if model == "" {
		model = mappedCodexModel(req.Model, ctx.CodexModelMapping)
	}
	if model == "" {
		model = defaultCodexModel
	}
	return model
}

// mappedCodexModel resolves claudeModel through mapping by the same
// family-match rule as transform.GetReasoningEffort, returning "" when no
// family matches or the matched field is itself empty.
func mappedCodexModel(claudeModel string, mapping transform.CodexModelMapping) string {
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

const templateSidecarPath = "codex-request.json"

// defaultTemplateInput is the built-in fallback for the first input item
// when codex-request.json is absent or unreadable.
var defaultTemplateInput = map[string]any{
	"type": "message",
	"role": "user",
	"content": []any{map[string]any{
		"type": "input_text",
		"text": "# AGENTS.md instructions for /workspace\n\n<INSTRUCTIONS>\n---\nname: engineer-professional\ndescription: professional software engineer\n---\n</INSTRUCTIONS>",
	}},
}

var defaultTools = []any{map[string]any{
	"type":        "function",
	"name":        "shell_command",
	"description": "Runs a shell command and returns its output.",
	"strict":      false,
	"parameters": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell script to execute",
			},
		},
		"required": []any{"command"},
	},
}}

// TransformRequest builds the Codex Responses API request body for req,
// returning the body and a freshly generated session id used for
// correlation headers and the prompt cache key.
func TransformRequest(req *anthropic.ClientRequest, ctx *transform.Context) ([]byte, string, error) {
	sessionID := uuid.NewString()
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "/"
	}

	originalModel := req.Model
	if originalModel == "" {
		originalModel = "unknown"
	}
	effort := transform.GetReasoningEffort(originalModel, ctx.ReasoningMapping)

	codexModel := ResolveModel(req, ctx)

	items, skills := neutral.BuildItems(req.Messages)

	finalInput := []any{loadTemplateInput()}

	if systemText := req.SystemText(); systemText != "" {
		finalInput = append(finalInput,
			messageItem("user", "input_text", fmt.Sprintf(
				"# AGENTS.md instructions for %s\n\n<INSTRUCTIONS>\n%s\n</INSTRUCTIONS>", cwd, systemText)),
			messageItem("user", "input_text", fmt.Sprintf(
				"<environment_context>\n  <cwd>%s</cwd>\n  <approval_policy>on-request</approval_policy>\n  <sandbox_mode>workspace-write</sandbox_mode>\n  <network_access>restricted</network_access>\n  <shell>%s</shell>\n</environment_context>",
				cwd, shellName())),
		)
	}

	if len(skills) > 0 {
		for _, skill := range skills {
			finalInput = append(finalInput, messageItem("user", "input_text", skill))
		}
		if prompt := strings.TrimSpace(ctx.SkillInjectionPrompt); prompt != "" {
			finalInput = append(finalInput, messageItem("user", "input_text", ctx.SkillInjectionPrompt))
		}
	}

	for _, item := range items {
		finalInput = append(finalInput, renderNeutralItem(item))
	}

	body := map[string]any{
		"model":               codexModel,
		"instructions":        codexInstructions,
		"input":               finalInput,
		"tools":               transformTools(req.Tools),
		"tool_choice":         "auto",
		"parallel_tool_calls": true,
		"reasoning":           map[string]any{"effort": effort.String(), "summary": "auto"},
		"store":               false,
		"stream":              req.Stream,
		"include":             []string{"reasoning.encrypted_content"},
		"prompt_cache_key":    sessionID,
	}

	out, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return out, sessionID, nil
}

func shellName() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "bash"
}

func messageItem(role, textType, text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": role,
		"content": []any{map[string]any{
			"type": textType,
			"text": text,
		}},
	}
}

func loadTemplateInput() any {
	data, err := os.ReadFile(templateSidecarPath)
	if err != nil {
		return defaultTemplateInput
	}
	var template struct {
		Input []json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &template); err != nil || len(template.Input) == 0 {
		return defaultTemplateInput
	}
	var first any
	if err := json.Unmarshal(template.Input[0], &first); err != nil {
		return defaultTemplateInput
	}
	return first
}

func loadDefaultToolsFromSidecar() ([]any, bool) {
	data, err := os.ReadFile(templateSidecarPath)
	if err != nil {
		return nil, false
	}
	var template struct {
		Tools []any `json:"tools"`
	}
	if err := json.Unmarshal(data, &template); err != nil || len(template.Tools) == 0 {
		return nil, false
	}
	return template.Tools, true
}

// renderNeutralItem serializes one neutral.Item into its Codex `input`
// array wire shape, stripping any reasoning signature (Codex rejects
// echoed signatures on function_call items and thinking blocks).
func renderNeutralItem(item neutral.Item) map[string]any {
	switch it := item.(type) {
	case neutral.MessageItem:
		content := make([]any, 0, len(it.Content))
		for _, part := range it.Content {
			content = append(content, renderPart(part))
		}
		return map[string]any{"type": "message", "role": it.Role, "content": content}

	case neutral.FunctionCallItem:
		return map[string]any{
			"type":      "function_call",
			"call_id":   it.CallID,
			"name":      it.Name,
			"arguments": it.ArgumentsJSON,
		}

	case neutral.FunctionCallOutputItem:
		return map[string]any{
			"type":    "function_call_output",
			"call_id": it.CallID,
			"output":  it.Output,
		}
	}
	return map[string]any{}
}

func renderPart(part neutral.Part) map[string]any {
	switch p := part.(type) {
	case neutral.InputTextPart:
		return map[string]any{"type": "input_text", "text": p.Text}
	case neutral.OutputTextPart:
		return map[string]any{"type": "output_text", "text": p.Text}
	case neutral.ThinkingPart:
		// Signature deliberately omitted: Codex rejects echoed signatures.
		return map[string]any{"type": "thinking", "thinking": p.Text}
	case neutral.InputImagePart:
		return map[string]any{"type": "input_image", "image_url": p.URL, "detail": p.Detail}
	}
	return map[string]any{}
}
