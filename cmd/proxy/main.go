// Command proxy is the Codex Proxy's process entrypoint: it loads startup
// configuration from the environment, wires the runtime config handle,
// logging surfaces, and optional OTLP exporter, then serves until an
// interrupt signal requests shutdown.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/J1aDong/codexproxy/pkg/config"
	"github.com/J1aDong/codexproxy/pkg/logging"
	"github.com/J1aDong/codexproxy/pkg/runtimeconfig"
	"github.com/J1aDong/codexproxy/pkg/server"
	"github.com/J1aDong/codexproxy/pkg/telemetry"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("codex-proxy: %v", err)
	}

	logger := logging.NewLogger(cfg.Debug)
	tracer, err := logging.NewTracer(cfg.LogDir, cfg.Debug)
	if err != nil {
		log.Fatalf("codex-proxy: %v", err)
	}
	defer tracer.Close()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	shutdownTelemetry, err := telemetry.NewProvider(context.Background(), telemetry.ProviderConfig{
		Endpoint:    otelEndpoint,
		ServiceName: "codex-proxy",
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	})
	if err != nil {
		log.Fatalf("codex-proxy: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	initial := runtimeconfig.Config{
		TargetURL: cfg.TargetURL,
		APIKey:    cfg.APIKey,
		Context: transform.Context{
			Converter:                    cfg.Converter,
			ReasoningMapping:             transform.DefaultReasoningEffortMapping(),
			CodexModelMapping:            transform.DefaultCodexModelMapping(),
			GeminiReasoningEffortMapping: transform.DefaultGeminiReasoningEffortMapping(),
		},
		IgnoreProbeRequests:              cfg.IgnoreProbeRequests,
		AllowCountTokensFallbackEstimate: cfg.AllowCountTokensFallbackEstimate,
	}
	handle := runtimeconfig.NewHandle(initial)

	tracer.Emit("System", fmt.Sprintf("Codex Proxy starting: target=%s converter=%s port=%d", cfg.TargetURL, cfg.Converter, cfg.Port))
	logger.Info("starting codex proxy", "target_url", cfg.TargetURL, "converter", cfg.Converter, "port", cfg.Port)

	srv := server.New(cfg.Port, handle, cfg.MaxConcurrency, logger, tracer, otelEndpoint != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("codex-proxy: server error: %v", err)
	}
	logger.Info("codex proxy stopped")
}
