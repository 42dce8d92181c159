package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/golemsrv/durability/internal/domain"
	"github.com/golemsrv/durability/internal/oplogentry"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan creates a new server span (for incoming requests)
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SpanFromContext returns the current span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for durability engine spans
var (
	AttrWorkerID       = attribute.Key("durability.worker.id")
	AttrComponentID    = attribute.Key("durability.component.id")
	AttrFunctionName   = attribute.Key("durability.function.name")
	AttrOplogIndex     = attribute.Key("durability.oplog.index")
	AttrIdempotencyKey = attribute.Key("durability.idempotency_key")
	AttrReplayed       = attribute.Key("durability.replayed")
	AttrDurationMs     = attribute.Key("durability.duration_ms")
)

// StartHostCallSpan starts a span for one durable function invocation
// (§4.4), stamping it with the fields that distinguish a durability host
// call from a generic operation: the owning worker, the function name, the
// oplog index the call is recorded at (or pending, via idx == oplogentry
// .None for a call still in flight when the bracket opens), and whether
// this call is replaying a recorded response or executing live. Pass the
// returned span to FinishHostCallSpan to close it.
func StartHostCallSpan(ctx context.Context, worker domain.OwnedWorkerId, functionName string, idx oplogentry.Index, replayed bool) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, "durability.host_call",
		AttrWorkerID.String(worker.Worker),
		AttrComponentID.String(worker.Component),
		AttrFunctionName.String(functionName),
		AttrOplogIndex.Int64(int64(idx)),
		AttrReplayed.Bool(replayed),
	)
	return ctx, span
}

// FinishHostCallSpan records the call's outcome and duration and ends the
// span. err is nil for a successful call.
func FinishHostCallSpan(span trace.Span, started time.Time, err error) {
	span.SetAttributes(AttrDurationMs.Int64(time.Since(started).Milliseconds()))
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}
