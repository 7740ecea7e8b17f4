package anthropicbackend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCountTokensRequest_DropsStreamFlag(t *testing.T) {
	req := parseReq(t, `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	out := BuildCountTokensRequest(req)
	assert.NotContains(t, string(out), `"stream"`)
	assert.Contains(t, string(out), `"claude-sonnet-4"`)
}

func TestCountTokensURL_AppendsSuffix(t *testing.T) {
	assert.Equal(t, "https://api.anthropic.com/v1/messages/count_tokens", CountTokensURL("https://api.anthropic.com/v1/messages"))
}

func TestCountTokensURL_IdempotentWhenAlreadyPresent(t *testing.T) {
	url := "https://api.anthropic.com/v1/messages/count_tokens"
	assert.Equal(t, url, CountTokensURL(url))
}

func TestParseCountTokensResponse_ReadsInputTokens(t *testing.T) {
	n, err := ParseCountTokensResponse([]byte(`{"input_tokens":42}`))
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestParseCountTokensResponse_MissingFieldErrors(t *testing.T) {
	_, err := ParseCountTokensResponse([]byte(`{}`))
	require.Error(t, err)
}
