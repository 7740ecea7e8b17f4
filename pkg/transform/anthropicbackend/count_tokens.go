package anthropicbackend

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
)

// BuildCountTokensRequest mirrors TransformRequest's passthrough approach:
// forward the client's raw body, minus the stream flag the count_tokens
// endpoint doesn't accept.
func BuildCountTokensRequest(req *anthropic.ClientRequest) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(req.Raw, &fields); err != nil {
		return req.Raw
	}
	delete(fields, "stream")
	out, err := json.Marshal(fields)
	if err != nil {
		return req.Raw
	}
	return out
}

// CountTokensURL rewrites a messages endpoint URL to its count_tokens
// sibling.
func CountTokensURL(messagesURL string) string {
	trimmed := strings.TrimSuffix(messagesURL, "/")
	if strings.HasSuffix(trimmed, "/count_tokens") {
		return trimmed
	}
	return trimmed + "/count_tokens"
}

// ParseCountTokensResponse extracts input_tokens from Anthropic's
// count_tokens response body.
func ParseCountTokensResponse(body []byte) (int, error) {
	var data map[string]any
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, err
	}
	v, ok := data["input_tokens"]
	if !ok {
		return 0, fmt.Errorf("anthropicbackend: no input_tokens field in response")
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("anthropicbackend: input_tokens field is not a number")
	}
	return int(f), nil
}

// SendCountTokensRequest issues the count_tokens request with the same
// credential headers TransformRequest's sibling BuildUpstreamRequest uses.
func SendCountTokensRequest(ctx gocontext.Context, httpClient *http.Client, messagesURL, apiKey, anthropicVersion string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, CountTokensURL(messagesURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("x-anthropic-version", anthropicVersion)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
