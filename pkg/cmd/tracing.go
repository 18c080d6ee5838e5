package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/flowengine/pkg/otelhelper"
)

// SetupTracing installs the OTLP exporter when enabled. The exporter reads the
// standard OTEL_EXPORTER_OTLP_* variables. The returned func flushes pending spans.
func SetupTracing(ctx context.Context, logger *slog.Logger, enabled bool, serviceName string) func(context.Context) {
	if !enabled {
		return func(context.Context) {}
	}

	_, shutdown, err := otelhelper.NewTracer(ctx, serviceName)
	if err != nil {
		logger.WarnContext(ctx, "Tracing disabled, failed to create exporter", "error", err)

		return func(context.Context) {}
	}

	return func(ctx context.Context) {
		if err := shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
		}
	}
}
