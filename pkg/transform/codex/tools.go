package codex

import (
	"encoding/json"
)

// transformTools converts the client's tool list (Claude-native
// {name,input_schema}, Anthropic {type:"tool",...}, or OpenAI
// {type:"function",function:{...}} shape) into Codex's flat
// {type:"function", name, description, strict:false, parameters} shape.
// An absent or empty list falls back to the sidecar template's tools, or
// a single built-in shell_command tool if no sidecar is present.
func transformTools(raw json.RawMessage) []any {
	var tools []map[string]json.RawMessage
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &tools)
	}
	if len(tools) == 0 {
		if sidecarTools, ok := loadDefaultToolsFromSidecar(); ok {
			return sidecarTools
		}
		return defaultTools
	}

	out := make([]any, 0, len(tools))
	for _, tool := range tools {
		out = append(out, convertTool(tool))
	}
	return out
}

func convertTool(tool map[string]json.RawMessage) map[string]any {
	toolType := rawStr(tool["type"])

	// OpenAI shape: the real name/description/parameters live under
	// "function".
	if toolType == "function" {
		fn := tool
		if raw, ok := tool["function"]; ok {
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(raw, &nested); err == nil {
				fn = nested
			}
		}
		return buildFunctionTool(rawStr(fn["name"]), rawStr(fn["description"]), fn["parameters"])
	}

	// Claude-native {name, input_schema} and Anthropic {type:"tool", ...}
	// shapes, plus any other unrecognized shape, all key off input_schema.
	return buildFunctionTool(rawStr(tool["name"]), rawStr(tool["description"]), tool["input_schema"])
}

func buildFunctionTool(name, description string, parametersRaw json.RawMessage) map[string]any {
	if name == "" {
		name = "unknown"
	}
	parameters := defaultParameters()
	if len(parametersRaw) > 0 {
		var p map[string]any
		if err := json.Unmarshal(parametersRaw, &p); err == nil {
			parameters = p
		}
	}
	if _, ok := parameters["properties"]; !ok {
		parameters["properties"] = map[string]any{}
	}
	return map[string]any{
		"type":        "function",
		"name":        name,
		"description": description,
		"strict":      false,
		"parameters":  parameters,
	}
}

func defaultParameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func rawStr(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
