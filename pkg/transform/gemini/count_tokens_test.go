package gemini

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCountTokensRequest_OmitsGenerationConfigAndTools(t *testing.T) {
	req := parseReq(t, `{"messages":[{"role":"user","content":"hi"}]}`)
	out := BuildCountTokensRequest(req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out, &body))
	_, hasConfig := body["generationConfig"]
	_, hasTools := body["tools"]
	assert.False(t, hasConfig)
	assert.False(t, hasTools)
	contents := body["contents"].([]any)
	require.Len(t, contents, 1)
}

func TestCountTokensURL_AppendsStandardPathWhenBare(t *testing.T) {
	got := CountTokensURL("https://generativelanguage.googleapis.com", "gemini-3-pro-preview")
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-3-pro-preview:countTokens", got)
}

func TestCountTokensURL_RewritesStreamGenerateContentSuffix(t *testing.T) {
	got := CountTokensURL("https://example.com/v1beta/models/gemini-3-pro-preview:streamGenerateContent?alt=sse", "gemini-3-pro-preview")
	assert.Equal(t, "https://example.com/v1beta/models/gemini-3-pro-preview:countTokens", got)
}

func TestParseCountTokensResponse_ReadsTotalTokens(t *testing.T) {
	n, err := ParseCountTokensResponse([]byte(`{"totalTokens":17}`))
	require.NoError(t, err)
	assert.Equal(t, 17, n)
}

func TestParseCountTokensResponse_MissingFieldErrors(t *testing.T) {
	_, err := ParseCountTokensResponse([]byte(`{"foo":1}`))
	assert.Error(t, err)
}
