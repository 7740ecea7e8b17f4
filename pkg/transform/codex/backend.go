package codex

import (
	"bytes"
	gocontext "context"
	"net/http"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

// Backend implements transform.Backend for the Codex Responses API
// dialect.
type Backend struct{}

func (Backend) TransformRequest(req *anthropic.ClientRequest, ctx *transform.Context) ([]byte, string, error) {
	return TransformRequest(req, ctx)
}

func (Backend) BuildUpstreamRequest(ctx gocontext.Context, httpClient *http.Client, targetURL, apiKey string, body []byte, sessionID, anthropicVersion string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	h := httpReq.Header
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set("x-api-key", apiKey)
	h.Set("User-Agent", "Anthropic-Node/0.3.4")
	h.Set("x-anthropic-version", anthropicVersion)
	h.Set("originator", "codex_cli_rs")
	h.Set("Accept", "text/event-stream")
	h.Set("conversation_id", sessionID)
	h.Set("session_id", sessionID)
	return httpReq, nil
}

func (Backend) CreateResponseTransformer(model string) transform.ResponseTransformer {
	return NewResponseTransformer(model)
}
