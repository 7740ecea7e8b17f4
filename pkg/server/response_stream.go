package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/J1aDong/codexproxy/pkg/transform"
)

// readLinesWithIdleTimeout scans body line by line, calling onLine for each
// non-empty line, resetting a deadline timer on every read. If no line
// arrives within idleReadTimeout, cancel is invoked (aborting the
// underlying upstream read via its context) and the function returns
// context.DeadlineExceeded.
func readLinesWithIdleTimeout(ctx context.Context, cancel context.CancelFunc, body io.Reader, onLine func(line string)) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	lineCh := make(chan string)
	doneCh := make(chan error, 1)
	go func() {
		for scanner.Scan() {
			lineCh <- scanner.Text()
		}
		doneCh <- scanner.Err()
	}()

	timer := time.NewTimer(idleReadTimeout)
	defer timer.Stop()

	for {
		select {
		case line := <-lineCh:
			if line != "" {
				onLine(line)
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleReadTimeout)
		case err := <-doneCh:
			return err
		case <-timer.C:
			cancel()
			return context.DeadlineExceeded
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamResponse translates the upstream SSE stream line by line and
// forwards each resulting frame to the client as it arrives.
func (s *ProxyServer) streamResponse(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, body io.Reader, transformer transform.ResponseTransformer, reqID string, status int) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	err := readLinesWithIdleTimeout(ctx, cancel, body, func(line string) {
		s.tracer.LogUpstreamResponse(status, line)
		for _, frame := range transformer.TransformLine(line) {
			s.tracer.LogAnthropicResponse(frame)
			if _, writeErr := io.WriteString(w, frame); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	})
	if err != nil && err != io.EOF {
		s.tracer.Emit("Error", fmt.Sprintf("id=%s stream ended: %v", reqID, err))
	}
	s.logTransformerWarnings(reqID, transformer)
}

// aggregateResponse translates the upstream SSE stream the same way
// streamResponse does, but accumulates every frame into a single
// non-stream JSON message instead of writing incrementally.
func (s *ProxyServer) aggregateResponse(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, body io.Reader, transformer transform.ResponseTransformer, reqID string, status int) {
	agg := newAggregator()

	err := readLinesWithIdleTimeout(ctx, cancel, body, func(line string) {
		s.tracer.LogUpstreamResponse(status, line)
		for _, frame := range transformer.TransformLine(line) {
			s.tracer.LogAnthropicResponse(frame)
			agg.Feed(frame)
		}
	})
	if err != nil && err != io.EOF && err != context.DeadlineExceeded {
		s.tracer.Emit("Error", fmt.Sprintf("id=%s aggregation ended: %v", reqID, err))
	}
	s.logTransformerWarnings(reqID, transformer)

	if err == context.DeadlineExceeded {
		s.tracer.Emit("Error", fmt.Sprintf("id=%s upstream idle read timed out", reqID))
		writeErrorJSON(w, http.StatusGatewayTimeout, "upstream_error", "Upstream read timed out")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = writeJSON(w, agg.Result())
}

// logTransformerWarnings surfaces any tool-argument completion issues a
// backend's ResponseTransformer recorded (see codex/gemini's
// checkToolArgsCompletion) — an optional interface, since the anthropic
// passthrough transformer has nothing to repair and doesn't implement it.
func (s *ProxyServer) logTransformerWarnings(reqID string, transformer transform.ResponseTransformer) {
	warner, ok := transformer.(interface{ Warnings() []string })
	if !ok {
		return
	}
	for _, w := range warner.Warnings() {
		s.tracer.Emit("Warn", fmt.Sprintf("id=%s %s", reqID, w))
	}
}
