package anthropicbackend

import "strings"

// ResponseTransformer re-frames a genuine Claude-style SSE stream without
// altering its content: it pairs a preceding "event: " line with its
// following "data: " line into one frame, and passes comment lines through
// untouched. Anything else (blank keep-alive lines, malformed input) is
// dropped, matching how the upstream never emits them mid-stream anyway.
type ResponseTransformer struct {
	pendingEvent string
	hasPending   bool
}

// TransformLine consumes one already-delimited SSE line and returns zero or
// one fully-framed chunk.
func (t *ResponseTransformer) TransformLine(line string) []string {
	normalized := strings.TrimRight(line, "\r")

	if eventName, ok := strings.CutPrefix(normalized, "event: "); ok {
		t.pendingEvent = eventName
		t.hasPending = true
		return nil
	}

	if strings.HasPrefix(normalized, "data: ") {
		var b strings.Builder
		if t.hasPending {
			b.WriteString("event: ")
			b.WriteString(t.pendingEvent)
			b.WriteString("\n")
			t.hasPending = false
			t.pendingEvent = ""
		}
		b.WriteString(normalized)
		b.WriteString("\n\n")
		return []string{b.String()}
	}

	if strings.HasPrefix(normalized, ":") {
		return []string{normalized + "\n\n"}
	}

	return nil
}
