// Package anthropicbackend implements transform.Backend for passthrough
// routing to a real Claude-style upstream: the request forwards almost
// verbatim (only an optional model override is applied) and the response
// stream re-frames line by line without otherwise touching it.
package anthropicbackend

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

// Backend passes requests through to a Claude-style upstream unchanged,
// aside from an optional model override resolved from the operator's
// AnthropicModelMapping.
type Backend struct{}

// TransformRequest re-emits req's original body verbatim, substituting the
// model field only when ctx's mapping resolves a non-empty override for
// req's model.
func (Backend) TransformRequest(req *anthropic.ClientRequest, ctx *transform.Context) ([]byte, string, error) {
	sessionID := uuid.NewString()

	mapped := transform.GetMappedModel(req.Model, ctx.AnthropicModelMapping)
	if mapped == "" {
		return append(json.RawMessage(nil), req.Raw...), sessionID, nil
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(req.Raw, &body); err != nil {
		return nil, "", err
	}
	modelJSON, err := json.Marshal(mapped)
	if err != nil {
		return nil, "", err
	}
	body["model"] = modelJSON

	out, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return out, sessionID, nil
}

// BuildUpstreamRequest forwards body as-is to targetURL with the credential,
// version, User-Agent and Accept headers the Codex backend also sets; the
// Codex-only originator and session headers are not sent.
func (Backend) BuildUpstreamRequest(ctx gocontext.Context, httpClient *http.Client, targetURL, apiKey string, body []byte, sessionID, anthropicVersion string) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("x-anthropic-version", anthropicVersion)
	httpReq.Header.Set("User-Agent", "Anthropic-Node/0.3.4")
	httpReq.Header.Set("Accept", "text/event-stream")
	return httpReq, nil
}

func (Backend) CreateResponseTransformer(model string) transform.ResponseTransformer {
	return &ResponseTransformer{}
}
