package logging

import (
	"log/slog"
	"os"

	"github.com/golemsrv/durability/internal/domain"
)

// InitStructured reconfigures the operational logger based on format settings.
// format: "text" (default) or "json" (Loki/ELK compatible)
// level: "debug", "info", "warn", "error"
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	opLogger.Store(logger)
}

// OpWithTrace returns the operational logger with trace context fields.
// traceID and spanID are injected as attributes when available.
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}

// OpForWorker returns the operational logger scoped to one worker, for the
// cross-worker services (§5: archive mover, retry scheduler) that log about
// a specific worker's oplog rather than an individual invocation — the
// per-invocation case already has its own richer InvocationLog.
func OpForWorker(worker domain.OwnedWorkerId) *slog.Logger {
	return opLogger.Load().With(
		"project", worker.Project,
		"component", worker.Component,
		"worker", worker.Worker,
	)
}
