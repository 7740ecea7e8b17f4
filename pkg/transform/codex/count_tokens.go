package codex

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/neutral"
)

// BuildCountTokensRequest flattens req into the minimized body the Codex
// count-tokens endpoint expects: a model name plus a single input item
// carrying the concatenated text of every message.
func BuildCountTokensRequest(req *anthropic.ClientRequest, codexModel string) []byte {
	items, _ := neutral.BuildItems(req.Messages)
	var text strings.Builder
	if sys := req.SystemText(); sys != "" {
		text.WriteString(sys)
		text.WriteString("\n")
	}
	for _, item := range items {
		m, ok := item.(neutral.MessageItem)
		if !ok {
			continue
		}
		for _, part := range m.Content {
			switch p := part.(type) {
			case neutral.InputTextPart:
				text.WriteString(p.Text)
				text.WriteString("\n")
			case neutral.OutputTextPart:
				text.WriteString(p.Text)
				text.WriteString("\n")
			}
		}
	}

	body := map[string]any{
		"model": codexModel,
		"input": []any{map[string]any{
			"type": "message",
			"role": "user",
			"content": []any{map[string]any{
				"type": "input_text",
				"text": text.String(),
			}},
		}},
	}
	out, _ := json.Marshal(body)
	return out
}

// CountTokensURL rewrites a Codex responses base URL to its sibling
// input-token-counting endpoint.
func CountTokensURL(responsesURL string) string {
	base := strings.TrimSuffix(responsesURL, "/responses")
	return base + "/responses/input_tokens"
}

// ParseCountTokensResponse extracts the input token count from a Codex
// count-tokens response body, checking fields in order of preference:
// input_tokens, usage.input_tokens, total_tokens.
func ParseCountTokensResponse(body []byte) (int, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, err
	}
	if v, ok := data["input_tokens"]; ok {
		if n, ok := asInt(v); ok {
			return n, nil
		}
	}
	if usage, ok := data["usage"].(map[string]any); ok {
		if v, ok := usage["input_tokens"]; ok {
			if n, ok := asInt(v); ok {
				return n, nil
			}
		}
	}
	if v, ok := data["total_tokens"]; ok {
		if n, ok := asInt(v); ok {
			return n, nil
		}
	}
	return 0, fmt.Errorf("codex: no recognized token count field in response")
}

func asInt(v any) (int, bool) {
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// SendCountTokensRequest issues the minimized count-tokens request and
// returns the upstream's raw response body.
func SendCountTokensRequest(ctx gocontext.Context, httpClient *http.Client, responsesURL, apiKey, anthropicVersion string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, CountTokensURL(responsesURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("x-anthropic-version", anthropicVersion)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
