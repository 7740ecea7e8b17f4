package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/J1aDong/codexproxy/pkg/anthropic"
	"github.com/J1aDong/codexproxy/pkg/balancer"
	"github.com/J1aDong/codexproxy/pkg/proxyerrors"
	"github.com/J1aDong/codexproxy/pkg/runtimeconfig"
	"github.com/J1aDong/codexproxy/pkg/telemetry"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

const defaultAnthropicVersion = "2023-06-01"

// peekModel extracts the top-level "model" field from an already-translated
// upstream body, used as the routing key for the local cooldown gate
// without needing a dedicated return value from every backend's
// TransformRequest.
func peekModel(body []byte) string {
	var peek struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(body, &peek)
	return peek.Model
}

func (s *ProxyServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	reqID := newRequestID()
	start := time.Now()
	s.tracer.Emit("Req", fmt.Sprintf("id=%s method=%s path=%s", reqID, r.Method, r.URL.Path))

	reqCtx, span := s.otelTracer.Start(r.Context(), "messages.handle", trace.WithAttributes(attribute.String("request.id", reqID)))
	defer span.End()
	r = r.WithContext(reqCtx)

	if !s.acquireGlobalSlot(r.Context()) {
		writeErrorJSON(w, http.StatusServiceUnavailable, "service_unavailable", "Server is at capacity")
		return
	}
	defer s.releaseGlobalSlot()

	cfg := s.handle.Snapshot()

	apiKey, ok := s.resolveAPIKey(r, cfg)
	if !ok {
		s.tracer.Emit("Warn", fmt.Sprintf("id=%s missing api key", reqID))
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "Missing API key")
		return
	}
	anthropicVersion := firstNonEmpty(r.Header.Get("x-anthropic-version"), r.Header.Get("anthropic-version"), defaultAnthropicVersion)
	anthropicBeta := r.Header.Get("anthropic-beta")

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "Failed to read body: "+err.Error())
		return
	}
	s.tracer.Emit("ReqPayload", fmt.Sprintf("id=%s body=%s", reqID, truncateForLog(bodyBytes, 2000)))

	req, err := anthropic.ParseClientRequest(bodyBytes)
	if err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}

	if cfg.IgnoreProbeRequests && isProbeRequest(req) {
		s.tracer.Emit("Probe", fmt.Sprintf("id=%s model=%s", reqID, req.Model))
		s.writeProbeResponse(w, req)
		return
	}

	_, resolveSpan := s.otelTracer.Start(r.Context(), "balancer.resolve")
	resolved, permit, ok := s.resolveRoute(cfg, req.Model)
	resolveSpan.End()
	if !ok {
		slot := balancer.SlotFromModelName(req.Model)
		writeErrorJSON(w, http.StatusServiceUnavailable, "service_unavailable",
			fmt.Sprintf("no available endpoint for slot=%s", slot))
		return
	}
	if permit != nil {
		defer permit.Release()
	}
	s.tracer.Emit("Route", fmt.Sprintf("id=%s route_key=%s converter=%s endpoint=%s", reqID, resolved.RouteKey, resolved.Converter, resolved.EndpointID))

	converter := resolved.Converter
	if converter == "" {
		converter = cfg.Context.Converter
	}
	backend, ok := s.backends[converter]
	if !ok {
		writeErrorJSON(w, http.StatusInternalServerError, "bad_request", "unknown converter: "+converter)
		return
	}

	ctx := applyResolvedOverrides(cfg.Context, resolved)

	translateSettings := s.otelSettings.WithFunctionID("backend.translate").
		WithMetadata(map[string]attribute.Value{"request.id": attribute.StringValue(reqID)})
	translateAttrs := telemetry.GetBaseAttributes(converter, req.Model, translateSettings, nil)
	if translateSettings.RecordInputs {
		translateAttrs = append(translateAttrs, attribute.Int("ai.request.body_bytes", len(bodyBytes)))
	}
	_, translateSpan := s.otelTracer.Start(r.Context(), "backend.translate", trace.WithAttributes(translateAttrs...))
	upstreamBody, sessionID, err := backend.TransformRequest(req, &ctx)
	if err != nil {
		telemetry.RecordErrorOnSpan(translateSpan, err)
		translateSpan.End()
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "translation failed: "+err.Error())
		return
	}
	translateSpan.End()

	upstreamModel := peekModel(upstreamBody)
	if secs, cooling := s.cooldowns.Check(upstreamModel); cooling {
		s.tracer.Emit("RateLimit", fmt.Sprintf("id=%s model=%s local cooldown remaining=%ds", reqID, upstreamModel, secs))
		writeProxyError(w, proxyerrors.New(proxyerrors.KindRateLimit, http.StatusTooManyRequests, "model is cooling down").WithRetryAfter(secs))
		return
	}

	upstreamCtx, cancelUpstream := context.WithCancel(r.Context())
	defer cancelUpstream()

	httpReq, err := backend.BuildUpstreamRequest(upstreamCtx, s.httpClient, resolved.TargetURL, apiKey, upstreamBody, sessionID, anthropicVersion)
	if err != nil {
		writeErrorJSON(w, http.StatusBadGateway, "upstream_error", "failed to build upstream request: "+err.Error())
		return
	}
	if anthropicBeta != "" && converter == "anthropic" {
		httpReq.Header.Set("anthropic-beta", anthropicBeta)
	}

	s.logCurlRequest(resolved.TargetURL, httpReq, upstreamBody, sessionID)

	upstreamSettings := s.otelSettings.WithFunctionID("upstream.call").
		WithMetadata(map[string]attribute.Value{"request.id": attribute.StringValue(reqID)})
	upstreamAttrs := append(telemetry.GetBaseAttributes(converter, upstreamModel, upstreamSettings, nil),
		attribute.String("upstream.endpoint_id", resolved.EndpointID))
	if upstreamSettings.RecordInputs {
		upstreamAttrs = append(upstreamAttrs, attribute.Int("upstream.request_body_bytes", len(upstreamBody)))
	}
	_, upstreamSpan := s.otelTracer.Start(upstreamCtx, "upstream.call", trace.WithAttributes(upstreamAttrs...))
	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		telemetry.RecordErrorOnSpan(upstreamSpan, err)
		upstreamSpan.End()
		s.tracer.Emit("Error", fmt.Sprintf("id=%s upstream request failed: %v", reqID, err))
		if cfg.Balancer != nil {
			cfg.Balancer.HandleUpstreamOutcome(resolved, nil, true, err.Error())
		}
		writeErrorJSON(w, http.StatusBadGateway, "upstream_error", "Upstream error: "+err.Error())
		return
	}
	if upstreamSettings.RecordOutputs {
		upstreamSpan.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	}
	upstreamSpan.End()
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(resp.Body)
		s.tracer.Emit("Error", fmt.Sprintf("id=%s upstream returned %d: %s", reqID, resp.StatusCode, truncateForLog(errBody, 500)))
		status := resp.StatusCode
		if cfg.Balancer != nil {
			cfg.Balancer.HandleUpstreamOutcome(resolved, &status, false, string(errBody))
		}
		s.installLocalCooldownIfQuota(upstreamModel, status, string(errBody))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(errBody)
		return
	}

	status := resp.StatusCode
	transformer := backend.CreateResponseTransformer(req.Model)

	if req.Stream {
		s.streamResponse(upstreamCtx, cancelUpstream, w, resp.Body, transformer, reqID, status)
	} else {
		s.aggregateResponse(upstreamCtx, cancelUpstream, w, resp.Body, transformer, reqID, status)
	}

	if cfg.Balancer != nil {
		cfg.Balancer.HandleUpstreamOutcome(resolved, &status, false, "")
	}
	s.tracer.Emit("Stat", fmt.Sprintf("id=%s status=%d elapsed=%s", reqID, status, time.Since(start)))
	s.tracer.LogRequestEnd()
}

func (s *ProxyServer) writeProbeResponse(w http.ResponseWriter, req *anthropic.ClientRequest) {
	if req.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, _ := w.(http.Flusher)
		for _, frame := range probeStreamFrames(req.Model) {
			_, _ = io.WriteString(w, frame)
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(probeAggregateResponse(req.Model))
}

// resolveRoute dispatches to the balancer when configured, otherwise
// synthesizes a single-endpoint ResolvedEndpoint straight from the static
// runtime config fields.
func (s *ProxyServer) resolveRoute(cfg runtimeconfig.Config, model string) (balancer.ResolvedEndpoint, *balancer.Permit, bool) {
	if cfg.Balancer != nil {
		return cfg.Balancer.ResolveAndAcquire(model)
	}
	return balancer.ResolvedEndpoint{
		TargetURL: cfg.TargetURL,
		APIKey:    cfg.APIKey,
		Converter: cfg.Context.Converter,
	}, nil, true
}

// applyResolvedOverrides layers a balancer candidate's per-endpoint model
// and reasoning-effort overrides onto the configured translation context,
// without mutating cfg.Context itself.
func applyResolvedOverrides(base transform.Context, resolved balancer.ResolvedEndpoint) transform.Context {
	ctx := base
	if resolved.Converter != "" {
		ctx.Converter = resolved.Converter
	}
	if resolved.Model != "" {
		switch ctx.Converter {
		case "codex":
			ctx.CodexModel = resolved.Model
		case "gemini":
			ctx.GeminiModel = resolved.Model
		case "anthropic":
			ctx.AnthropicModelMapping = transform.AnthropicModelMapping{
				Opus: resolved.Model, Sonnet: resolved.Model, Haiku: resolved.Model,
			}
		}
	}
	if resolved.ReasoningEffort != "" && ctx.Converter == "codex" {
		effort := transform.ParseReasoningEffort(resolved.ReasoningEffort)
		ctx.ReasoningMapping = transform.ReasoningEffortMapping{Opus: effort, Sonnet: effort, Haiku: effort}
	}
	return ctx
}

func (s *ProxyServer) resolveAPIKey(r *http.Request, cfg runtimeconfig.Config) (string, bool) {
	if cfg.APIKey != "" {
		return cfg.APIKey, true
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key, true
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok && rest != "" {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(auth, "bearer "); ok && rest != "" {
		return rest, true
	}
	return "", false
}

func (s *ProxyServer) installLocalCooldownIfQuota(model string, status int, errorText string) {
	if status != http.StatusTooManyRequests {
		return
	}
	seconds, reason := extractRetrySeconds(errorText)
	if reason == "" {
		seconds = s.cooldowns.DefaultRetryAfterSeconds()
	}
	s.cooldowns.Set(model, seconds)
	s.tracer.Emit("LB", fmt.Sprintf("model=%s local cooldown installed for %ds", model, seconds))
}

// extractRetrySeconds pulls the error.reset_seconds hint out of a 429 error
// body (reset_time fields and the Retry-After header are not read); reason
// is the body's error.code, or "reset_seconds" when it has none, and is
// empty only when no hint was found (so callers know whether to fall back
// to a default pace).
func extractRetrySeconds(errorText string) (int, string) {
	var parsed struct {
		Error struct {
			Code         string `json:"code"`
			ResetSeconds int    `json:"reset_seconds"`
		} `json:"error"`
	}
	if err := json.Unmarshal([]byte(errorText), &parsed); err == nil && parsed.Error.ResetSeconds > 0 {
		reason := parsed.Error.Code
		if reason == "" {
			reason = "reset_seconds"
		}
		return parsed.Error.ResetSeconds, reason
	}
	return 0, ""
}

func (s *ProxyServer) logCurlRequest(targetURL string, httpReq *http.Request, body []byte, sessionID string) {
	headers := make([][2]string, 0, len(httpReq.Header))
	for k := range httpReq.Header {
		v := httpReq.Header.Get(k)
		if strings.EqualFold(k, "Authorization") || strings.EqualFold(k, "x-api-key") {
			v = "<API_KEY>"
		}
		headers = append(headers, [2]string{k, v})
	}
	var pretty strings.Builder
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		pretty.Write(body)
	}
	s.tracer.LogCurlRequest(httpReq.Method, targetURL, headers, pretty.String())
	_ = sessionID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncateForLog(body []byte, max int) string {
	return truncateStringForLog(string(body), max)
}

func truncateStringForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + fmt.Sprintf("...(len=%d)", len(s))
}

// acquireGlobalSlot blocks until a global concurrency slot is free or ctx
// is cancelled. Disabled (always succeeds) when the gate isn't configured.
func (s *ProxyServer) acquireGlobalSlot(ctx context.Context) bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	// Slow path: actually wait, but log at most once per second while
	// saturated so sustained overload doesn't spam the trace sink.
	s.warnSometime.Do(func() {
		s.tracer.Emit("Warn", "concurrency gate saturated, queuing request")
	})
	select {
	case s.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ProxyServer) releaseGlobalSlot() {
	if s.sem == nil {
		return
	}
	<-s.sem
}
