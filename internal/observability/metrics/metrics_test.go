package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestFilterAttributesDropsForbiddenLabels(t *testing.T) {
	attrs := FilterAttributes(
		attribute.String("org_id", "123"),
		attribute.String("event_id", "456"),
		attribute.String("metric_id", "api_calls"),
	)
	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != "org_id" && attrs[1].Key != "org_id" {
		t.Fatalf("expected org_id to be retained")
	}
	if attrs[0].Key != "metric_id" && attrs[1].Key != "metric_id" {
		t.Fatalf("expected metric_id to be retained")
	}
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordUsageEvent(ctx, "api_calls", 1)
	m.RecordUsageRejected(ctx, "invalid")
	m.RecordAlert(ctx, "limit_exceeded", "critical")
	m.RecordInvoiceGenerated(ctx, "usd")
	m.RecordProviderReport(ctx, "stripe", "ok")
}

func TestNewWithNoopProvider(t *testing.T) {
	m, err := New(Config{}, noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.RecordUsageEvent(context.Background(), "api_calls", 2.5)
}
