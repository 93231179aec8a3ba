// Package correlation carries ULID correlation ids across scheduler runs,
// queued export jobs and the requests that created them.
package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	obscontext "github.com/smallbiznis/tally/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
)

// FromContext returns the correlation id on ctx, or "".
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	return obscontext.CorrelationIDFromContext(ctx)
}

func WithID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return obscontext.WithCorrelationID(ctx, id)
}

// Ensure guarantees a correlation id on the context, generating one when missing.
func Ensure(ctx context.Context) (context.Context, string) {
	cid := FromContext(ctx)
	if cid == "" {
		cid = ulid.Make().String()
	}
	return WithID(ctx, cid), cid
}

// Carrier is the serialisable form stored alongside queued work.
type Carrier struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
}

// Capture snapshots the correlation id and active span of ctx.
func Capture(ctx context.Context) Carrier {
	c := Carrier{CorrelationID: FromContext(ctx)}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		c.TraceID = sc.TraceID().String()
		c.SpanID = sc.SpanID().String()
	}
	return c
}

// Restore seeds ctx with a carrier captured in another process.
func Restore(ctx context.Context, c Carrier) context.Context {
	ctx = WithID(ctx, c.CorrelationID)
	return ContextWithRemoteSpan(ctx, c.TraceID, c.SpanID)
}

// ContextWithRemoteSpan seeds the context with a remote span if valid identifiers are provided.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	if traceIDHex == "" || spanIDHex == "" {
		return ctx
	}

	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}

	parent := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled, Remote: true})
	return trace.ContextWithSpanContext(ctx, parent)
}
