// Package server implements the HTTP front door: accepting Claude-style
// /messages and /messages/count_tokens requests, gating global concurrency,
// short-circuiting connectivity probes, resolving a route via the balancer,
// translating through the selected backend dialect, and streaming or
// aggregating the response back to the client.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/J1aDong/codexproxy/pkg/logging"
	"github.com/J1aDong/codexproxy/pkg/runtimeconfig"
	"github.com/J1aDong/codexproxy/pkg/telemetry"
	"github.com/J1aDong/codexproxy/pkg/transform"
	"github.com/J1aDong/codexproxy/pkg/transform/anthropicbackend"
	"github.com/J1aDong/codexproxy/pkg/transform/codex"
	"github.com/J1aDong/codexproxy/pkg/transform/gemini"
)

// idleReadTimeout bounds how long a streamed upstream chunk read may take
// before the response is aborted: a non-stream request is answered with a
// 504, while a stream that has already started is cut off.
const idleReadTimeout = 300 * time.Second

// ProxyServer is the proxy's single HTTP/1 listener: four fixed routes,
// one global concurrency gate, one runtime config handle.
type ProxyServer struct {
	port   int
	handle *runtimeconfig.Handle
	logger *slog.Logger
	tracer *logging.Tracer

	httpClient *http.Client
	backends   map[string]transform.Backend

	sem          chan struct{} // nil when unlimited
	warnSometime rate.Sometimes

	cooldowns *modelCooldowns

	otelTracer   trace.Tracer
	otelSettings *telemetry.Settings

	httpServer *http.Server
}

// New builds a ProxyServer. maxConcurrency <= 0 disables the global
// admission gate. otelEnabled selects between the real request-span tracer
// and a no-op one; see telemetry.RequestTracer.
func New(port int, handle *runtimeconfig.Handle, maxConcurrency int, logger *slog.Logger, tracer *logging.Tracer, otelEnabled bool) *ProxyServer {
	s := &ProxyServer{
		port:         port,
		handle:       handle,
		logger:       logging.Component(logger, "server"),
		tracer:       tracer,
		otelTracer:   telemetry.RequestTracer(otelEnabled),
		otelSettings: telemetry.DefaultSettings().WithEnabled(otelEnabled).WithFunctionID("messages.handle"),
		httpClient: &http.Client{
			Timeout: 0, // streaming responses manage their own deadlines
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		backends: map[string]transform.Backend{
			"codex":     codex.Backend{},
			"gemini":    gemini.Backend{},
			"anthropic": anthropicbackend.Backend{},
		},
		cooldowns:    newModelCooldowns(),
		warnSometime: rate.Sometimes{Interval: time.Second},
	}
	if maxConcurrency > 0 {
		s.sem = make(chan struct{}, maxConcurrency)
	}
	return s
}

func (s *ProxyServer) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(idleReadTimeout + 30*time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST"},
		AllowedHeaders: []string{"*"},
	}))

	r.Post("/messages", s.handleMessages)
	r.Post("/v1/messages", s.handleMessages)
	r.Post("/messages/count_tokens", s.handleCountTokens)
	r.Post("/v1/messages/count_tokens", s.handleCountTokens)
	r.Post("/internal/config", s.handleAdminConfig)
	r.NotFound(notFoundHandler)
	r.MethodNotAllowed(notFoundHandler)

	return r
}

// Start binds the listener and serves until ctx is cancelled, at which
// point every in-flight connection's request context is cancelled too
// (via BaseContext), standing in for the reference implementation's
// broadcast shutdown signal.
func (s *ProxyServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    addrFor(s.port),
		Handler: s.router(),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s.tracer.Emit("System", "Codex Proxy listening on "+s.httpServer.Addr)
	s.logger.Info("server starting", "addr", s.httpServer.Addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeErrorJSON(w, http.StatusNotFound, "not_found", "Not found")
}

func addrFor(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
