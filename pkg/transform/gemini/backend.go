package gemini

import (
	"bytes"
	gocontext "context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

// Backend implements transform.Backend for Google's Gemini generateContent
// (streamed via server-sent events) API.
type Backend struct{}

func (Backend) TransformRequest(req *anthropic.ClientRequest, ctx *transform.Context) ([]byte, string, error) {
	return TransformRequest(req, ctx)
}

// BuildUpstreamRequest resolves targetURL into a concrete streamGenerateContent
// endpoint (filling in a {model} template or appending the standard
// v1beta path), strips the model field back out of the body since Gemini
// carries the model in the URL rather than the payload, and attaches the
// api-key headers the REST API accepts.
func (Backend) BuildUpstreamRequest(ctx gocontext.Context, httpClient *http.Client, targetURL, apiKey string, body []byte, sessionID, anthropicVersion string) (*http.Request, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	model := defaultGeminiModel
	if raw, ok := parsed["model"]; ok {
		var m string
		if err := json.Unmarshal(raw, &m); err == nil && m != "" {
			model = m
		}
	}
	delete(parsed, "model")
	upstreamBody, err := json.Marshal(parsed)
	if err != nil {
		return nil, err
	}

	endpoint := resolveEndpoint(targetURL, model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(upstreamBody))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	return httpReq, nil
}

func resolveEndpoint(targetURL, model string) string {
	switch {
	case strings.Contains(targetURL, ":streamGenerateContent"):
		return targetURL
	case strings.Contains(targetURL, "{model}"):
		return strings.ReplaceAll(targetURL, "{model}", model)
	default:
		base := strings.TrimRight(targetURL, "/")
		return base + "/v1beta/models/" + model + ":streamGenerateContent?alt=sse"
	}
}

func (Backend) CreateResponseTransformer(model string) transform.ResponseTransformer {
	return NewResponseTransformer(model)
}
