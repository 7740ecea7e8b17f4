package transform

import (
	"context"
	"net/http"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
)

// Backend is the contract each upstream dialect (Codex, Gemini, Anthropic
// passthrough) implements: translate a client request into that upstream's
// wire body, build the HTTP request that carries it, and hand back a fresh
// ResponseTransformer to turn the upstream's SSE stream back into
// Claude-style SSE.
type Backend interface {
	// TransformRequest returns the upstream request body and a fresh
	// per-request session identifier (used for conversation/session
	// correlation headers and logging).
	TransformRequest(req *anthropic.ClientRequest, ctx *Context) (body []byte, sessionID string, err error)

	// BuildUpstreamRequest wraps body in a ready-to-send *http.Request
	// against targetURL, setting whatever headers this dialect requires.
	BuildUpstreamRequest(ctx context.Context, httpClient *http.Client, targetURL, apiKey string, body []byte, sessionID, anthropicVersion string) (*http.Request, error)

	// CreateResponseTransformer returns a new, independent state machine
	// for translating one response's SSE stream. model is the client's
	// original requested model name, echoed into message_start.
	CreateResponseTransformer(model string) ResponseTransformer
}

// ResponseTransformer consumes one upstream SSE line at a time and emits
// zero or more fully-framed Claude-style SSE events ("event: ...\ndata:
// ...\n\n"). Implementations hold whatever state the translation needs
// (open block indices, latched flags) and must not be shared across
// concurrent responses.
type ResponseTransformer interface {
	TransformLine(line string) []string
}
