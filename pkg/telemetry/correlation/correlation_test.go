package correlation

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureKeepsExistingID(t *testing.T) {
	ctx, id := Ensure(context.Background())
	_, err := ulid.Parse(id)
	require.NoError(t, err)

	again, same := Ensure(ctx)
	assert.Equal(t, id, same)
	assert.Equal(t, id, FromContext(again))
}

func TestCaptureRestoreRoundTrip(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled,
	}))
	ctx = WithID(ctx, "01J0000000000000000000000")

	carrier := Capture(ctx)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", carrier.TraceID)

	restored := Restore(context.Background(), carrier)
	sc := trace.SpanContextFromContext(restored)
	assert.True(t, sc.IsRemote())
	assert.Equal(t, traceID, sc.TraceID())
	assert.Equal(t, "01J0000000000000000000000", FromContext(restored))
}

func TestContextWithRemoteSpanIgnoresGarbage(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "zz", "yy")
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}
