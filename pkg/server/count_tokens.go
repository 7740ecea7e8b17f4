package server

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/proxyerrors"
	"github.com/J1aDong/codexproxy/pkg/transform"
	"github.com/J1aDong/codexproxy/pkg/transform/anthropicbackend"
	"github.com/J1aDong/codexproxy/pkg/transform/codex"
	"github.com/J1aDong/codexproxy/pkg/transform/gemini"
)

// handleCountTokens resolves a route the same way handleMessages does, then
// dispatches a minimized count request to the backend-specific token
// endpoint. On upstream failure it either estimates locally (ceil of total
// character count / 4) when the operator allows it, or reports 502.
func (s *ProxyServer) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	reqID := newRequestID()
	s.tracer.Emit("Req", fmt.Sprintf("id=%s method=%s path=%s count_tokens", reqID, r.Method, r.URL.Path))

	if !s.acquireGlobalSlot(r.Context()) {
		writeErrorJSON(w, http.StatusServiceUnavailable, "service_unavailable", "Server is at capacity")
		return
	}
	defer s.releaseGlobalSlot()

	cfg := s.handle.Snapshot()

	apiKey, ok := s.resolveAPIKey(r, cfg)
	if !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "Missing API key")
		return
	}
	anthropicVersion := firstNonEmpty(r.Header.Get("x-anthropic-version"), r.Header.Get("anthropic-version"), defaultAnthropicVersion)

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "Failed to read body: "+err.Error())
		return
	}
	req, err := anthropic.ParseClientRequest(bodyBytes)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}

	resolved, permit, ok := s.resolveRoute(cfg, req.Model)
	if !ok {
		writeErrorJSON(w, http.StatusServiceUnavailable, "service_unavailable", "no available endpoint")
		return
	}
	if permit != nil {
		defer permit.Release()
	}

	converter := resolved.Converter
	if converter == "" {
		converter = cfg.Context.Converter
	}
	ctx := applyResolvedOverrides(cfg.Context, resolved)

	upstreamCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	n, err := s.sendCountTokens(upstreamCtx, converter, req, &ctx, resolved.TargetURL, apiKey, anthropicVersion)
	if err != nil {
		s.tracer.Emit("Error", fmt.Sprintf("id=%s count_tokens failed: %v", reqID, err))
		if !cfg.AllowCountTokensFallbackEstimate {
			writeProxyError(w, proxyerrors.Wrap(proxyerrors.KindCountTokensFailed, http.StatusBadGateway, "token count failed", err))
			return
		}
		n = estimateTokens(req)
		s.tracer.Emit("Stat", fmt.Sprintf("id=%s count_tokens fallback estimate=%d", reqID, n))
	}

	_ = writeJSON(w, map[string]any{"input_tokens": n})
}

func (s *ProxyServer) sendCountTokens(ctx context.Context, converter string, req *anthropic.ClientRequest, tctx *transform.Context, targetURL, apiKey, anthropicVersion string) (int, error) {
	switch converter {
	case "codex":
		codexModel := codex.ResolveModel(req, tctx)
		body := codex.BuildCountTokensRequest(req, codexModel)
		resp, err := codex.SendCountTokensRequest(ctx, s.httpClient, targetURL, apiKey, anthropicVersion, body)
		if err != nil {
			return 0, err
		}
		return codex.ParseCountTokensResponse(resp)
	case "gemini":
		geminiModel := gemini.ResolveModel(req, tctx)
		body := gemini.BuildCountTokensRequest(req)
		resp, err := gemini.SendCountTokensRequest(ctx, s.httpClient, targetURL, geminiModel, apiKey, body)
		if err != nil {
			return 0, err
		}
		return gemini.ParseCountTokensResponse(resp)
	default:
		body := anthropicbackend.BuildCountTokensRequest(req)
		resp, err := anthropicbackend.SendCountTokensRequest(ctx, s.httpClient, targetURL, apiKey, anthropicVersion, body)
		if err != nil {
			return 0, err
		}
		return anthropicbackend.ParseCountTokensResponse(resp)
	}
}

// estimateTokens is the local ceil(total_chars/4) fallback used when the
// upstream count endpoint is unavailable and the operator allows it.
func estimateTokens(req *anthropic.ClientRequest) int {
	chars := len(req.SystemText())
	for _, m := range req.Messages {
		if m.Content != nil {
			chars += len(m.Content.Text())
		}
	}
	if chars == 0 {
		return 0
	}
	return (chars + 3) / 4
}
