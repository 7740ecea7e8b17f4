package anthropicbackend

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

func parseReq(t *testing.T, body string) *anthropic.ClientRequest {
	t.Helper()
	req, err := anthropic.ParseClientRequest([]byte(body))
	require.NoError(t, err)
	return req
}

func TestTransformRequest_NoMappingForwardsRawBodyVerbatim(t *testing.T) {
	req := parseReq(t, `{"model":"claude-sonnet-4","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	ctx := &transform.Context{}

	out, sessionID, err := Backend{}.TransformRequest(req, ctx)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	assert.JSONEq(t, string(req.Raw), string(out))
}

func TestTransformRequest_AppliesModelOverrideWhenMapped(t *testing.T) {
	req := parseReq(t, `{"model":"claude-opus-4-20250514","messages":[{"role":"user","content":"hi"}]}`)
	ctx := &transform.Context{AnthropicModelMapping: transform.AnthropicModelMapping{Opus: "claude-opus-4-5"}}

	out, _, err := Backend{}.TransformRequest(req, ctx)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(out, &body))
	assert.Equal(t, "claude-opus-4-5", body["model"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "hi"}}, body["messages"])
}

func TestBuildUpstreamRequest_SetsExpectedHeaders(t *testing.T) {
	httpReq, err := Backend{}.BuildUpstreamRequest(context.Background(), nil, "https://api.example.com/v1/messages", "key-123", []byte(`{}`), "session", "2023-06-01")
	require.NoError(t, err)
	assert.Equal(t, "key-123", httpReq.Header.Get("x-api-key"))
	assert.Equal(t, "Bearer key-123", httpReq.Header.Get("Authorization"))
	assert.Equal(t, "2023-06-01", httpReq.Header.Get("x-anthropic-version"))
	assert.Equal(t, "text/event-stream", httpReq.Header.Get("Accept"))
}
