package server

import (
	"strings"

	"github.com/google/uuid"
)

// newRequestID derives an 8 hex-char request id from a fresh UUID, matching
// the reference server's short correlation id used in log lines.
func newRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
