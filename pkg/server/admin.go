package server

import (
	"encoding/json"
	"net/http"

	"github.com/J1aDong/codexproxy/pkg/runtimeconfig"
)

// configUpdateRequest is the wire shape POST /internal/config accepts: a
// sparse set of fields to overwrite, mirroring runtimeconfig.Update but
// JSON-friendly (no *balancer.Runtime over the wire).
type configUpdateRequest struct {
	TargetURL                        *string            `json:"target_url,omitempty"`
	APIKey                           *string            `json:"api_key,omitempty"`
	Converter                        *string            `json:"converter,omitempty"`
	IgnoreProbeRequests              *bool              `json:"ignore_probe_requests,omitempty"`
	AllowCountTokensFallbackEstimate *bool              `json:"allow_count_tokens_fallback_estimate,omitempty"`
	CodexModel                       *string            `json:"codex_model,omitempty"`
	GeminiModel                      *string            `json:"gemini_model,omitempty"`
	SkillInjectionPrompt             *string            `json:"skill_injection_prompt,omitempty"`
}

// handleAdminConfig lets an operator (the desktop shell's stand-in, since it
// is out of scope here) hot-swap the runtime config snapshot without a
// restart. Guarded by the same API-key precedence as the main routes.
func (s *ProxyServer) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.handle.Snapshot()
	if _, ok := s.resolveAPIKey(r, cfg); !ok {
		writeErrorJSON(w, http.StatusUnauthorized, "unauthorized", "Missing API key")
		return
	}

	var body configUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "Invalid JSON: "+err.Error())
		return
	}

	update := runtimeconfig.Update{
		TargetURL:                        body.TargetURL,
		APIKey:                           body.APIKey,
		IgnoreProbeRequests:              body.IgnoreProbeRequests,
		AllowCountTokensFallbackEstimate: body.AllowCountTokensFallbackEstimate,
	}

	if body.Converter != nil || body.CodexModel != nil || body.GeminiModel != nil || body.SkillInjectionPrompt != nil {
		next := cfg.Context
		if body.Converter != nil {
			next.Converter = *body.Converter
		}
		if body.CodexModel != nil {
			next.CodexModel = *body.CodexModel
		}
		if body.GeminiModel != nil {
			next.GeminiModel = *body.GeminiModel
		}
		if body.SkillInjectionPrompt != nil {
			next.SkillInjectionPrompt = *body.SkillInjectionPrompt
		}
		update.Context = &next
	}

	applied := s.handle.ApplyUpdate(update)
	s.tracer.Emit("System", "runtime config updated via /internal/config")

	_ = writeJSON(w, map[string]any{
		"target_url":              applied.TargetURL,
		"converter":               applied.Context.Converter,
		"ignore_probe_requests":   applied.IgnoreProbeRequests,
		"allow_count_tokens_fallback_estimate": applied.AllowCountTokensFallbackEstimate,
	})
}
