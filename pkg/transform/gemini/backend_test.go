package gemini

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEndpoint_AppendsStandardPathWhenBare(t *testing.T) {
	got := resolveEndpoint("https://generativelanguage.googleapis.com", "gemini-3-pro-preview")
	assert.Equal(t, "https://generativelanguage.googleapis.com/v1beta/models/gemini-3-pro-preview:streamGenerateContent?alt=sse", got)
}

func TestResolveEndpoint_FillsModelTemplate(t *testing.T) {
	got := resolveEndpoint("https://example.com/v1beta/models/{model}:streamGenerateContent?alt=sse", "gemini-3-flash-preview")
	assert.Equal(t, "https://example.com/v1beta/models/gemini-3-flash-preview:streamGenerateContent?alt=sse", got)
}

func TestResolveEndpoint_PassesThroughAlreadyConcreteURL(t *testing.T) {
	concrete := "https://example.com/v1beta/models/gemini-3-pro-preview:streamGenerateContent?alt=sse"
	assert.Equal(t, concrete, resolveEndpoint(concrete, "ignored"))
}

func TestBackend_BuildUpstreamRequest_StripsModelFromBody(t *testing.T) {
	b := Backend{}
	body, err := json.Marshal(map[string]any{"model": "gemini-3-pro-preview", "contents": []any{}})
	require.NoError(t, err)

	httpReq, err := b.BuildUpstreamRequest(context.Background(), nil, "https://example.com", "key-123", body, "session", "v1")
	require.NoError(t, err)
	assert.Equal(t, "key-123", httpReq.Header.Get("x-goog-api-key"))
	assert.Contains(t, httpReq.URL.String(), "gemini-3-pro-preview:streamGenerateContent")

	var sent map[string]any
	require.NoError(t, json.NewDecoder(httpReq.Body).Decode(&sent))
	_, hasModel := sent["model"]
	assert.False(t, hasModel, "model must be moved into the URL, not left in the body")
}
