package codex

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCountTokensRequest_FlattensToSingleInputItem(t *testing.T) {
	req := parseReq(t, `{"system":"be terse","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]}`)
	out := BuildCountTokensRequest(req, "gpt-5.3-codex")

	var body map[string]any
	require.NoError(t, json.Unmarshal(out, &body))
	assert.Equal(t, "gpt-5.3-codex", body["model"])
	input := body["input"].([]any)
	require.Len(t, input, 1)
	item := input[0].(map[string]any)
	content := item["content"].([]any)
	text := content[0].(map[string]any)["text"].(string)
	assert.Contains(t, text, "be terse")
	assert.Contains(t, text, "hi")
	assert.Contains(t, text, "hello")
}

func TestCountTokensURL_RewritesResponsesSuffix(t *testing.T) {
	assert.Equal(t,
		"https://example.com/api/codex/backend-api/codex/responses/input_tokens",
		CountTokensURL("https://example.com/api/codex/backend-api/codex/responses"))
}

func TestParseCountTokensResponse_PrefersTopLevelInputTokens(t *testing.T) {
	n, err := ParseCountTokensResponse([]byte(`{"input_tokens":42,"usage":{"input_tokens":99}}`))
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestParseCountTokensResponse_FallsBackToUsageThenTotal(t *testing.T) {
	n, err := ParseCountTokensResponse([]byte(`{"usage":{"input_tokens":7}}`))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n2, err := ParseCountTokensResponse([]byte(`{"total_tokens":11}`))
	require.NoError(t, err)
	assert.Equal(t, 11, n2)
}

func TestParseCountTokensResponse_NoRecognizedFieldErrors(t *testing.T) {
	_, err := ParseCountTokensResponse([]byte(`{"foo":1}`))
	assert.Error(t, err)
}
