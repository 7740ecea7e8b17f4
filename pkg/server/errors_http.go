package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/J1aDong/codexproxy/pkg/proxyerrors"
)

// writeErrorJSON writes the {"error":{"type":...,"message":...}} envelope
// every client-facing error path shares.
func writeErrorJSON(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}

// writeProxyError renders a *proxyerrors.ProxyError, including Retry-After
// when present.
func writeProxyError(w http.ResponseWriter, err *proxyerrors.ProxyError) {
	if err.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	writeErrorJSON(w, err.Status, string(err.Kind), err.Message)
}

// writeJSON encodes v as the response body without touching the status
// line (the caller has already written headers/status).
func writeJSON(w http.ResponseWriter, v any) error {
	return json.NewEncoder(w).Encode(v)
}
