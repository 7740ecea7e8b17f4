package gemini

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

// BuildCountTokensRequest builds the minimized body Gemini's countTokens
// endpoint expects: a contents array only, no generationConfig or tools.
func BuildCountTokensRequest(req *anthropic.ClientRequest) []byte {
	items, _ := neutral.BuildItems(req.Messages)
	contents := buildContents(items)
	body := map[string]any{"contents": contents}
	out, _ := json.Marshal(body)
	return out
}

// CountTokensURL builds the countTokens endpoint for model against base,
// which may be a bare host or already carry a {model}/streamGenerateContent
// template the way the generation endpoint does.
func CountTokensURL(base, model string) string {
	if strings.Contains(base, "{model}") {
		base = strings.ReplaceAll(base, "{model}", model)
		if !strings.Contains(base, ":streamGenerateContent") {
			return base + ":countTokens"
		}
	}
	switch {
	case strings.Contains(base, ":streamGenerateContent"):
		idx := strings.Index(base, ":streamGenerateContent")
		return base[:idx] + ":countTokens"
	default:
		trimmed := strings.TrimRight(base, "/")
		return fmt.Sprintf("%s/v1beta/models/%s:countTokens", trimmed, model)
	}
}

// ParseCountTokensResponse extracts totalTokens from a Gemini countTokens
// response body.
func ParseCountTokensResponse(body []byte) (int, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, err
	}
	v, ok := data["totalTokens"]
	if !ok {
		return 0, fmt.Errorf("gemini: no totalTokens field in response")
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("gemini: totalTokens field was not a number")
	}
	return int(f), nil
}

// SendCountTokensRequest issues the countTokens request and returns the
// upstream's raw response body.
func SendCountTokensRequest(ctx gocontext.Context, httpClient *http.Client, base, model, apiKey string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, CountTokensURL(base, model), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
