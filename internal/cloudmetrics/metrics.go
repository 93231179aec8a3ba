package cloudmetrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// CloudMetrics holds the accounting collectors pushed to the central
// metrics endpoint. A nil *CloudMetrics is valid and records nothing.
type CloudMetrics struct {
	registry *prometheus.Registry
	pusher   Pusher
	log      *zap.Logger
	m        *metrics
}

type metrics struct {
	usageEvents         *prometheus.CounterVec
	usageQuantity       *prometheus.CounterVec
	invoicesGenerated   *prometheus.CounterVec
	invoiceLatency      prometheus.Histogram
	alertsRaised        *prometheus.CounterVec
	activeSubscriptions *prometheus.GaugeVec
	engineErrors        *prometheus.CounterVec
	memoryUsage         prometheus.Gauge
	buildInfo           *prometheus.GaugeVec
}

func newMetrics(registry prometheus.Registerer) *metrics {
	m := &metrics{
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cloud_usage_events_total",
			Help: "Accepted usage events per organization and metric.",
		}, []string{"org_id", "metric_id"}),
		usageQuantity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cloud_usage_quantity_total",
			Help: "Accepted usage quantity per organization and metric.",
		}, []string{"org_id", "metric_id"}),
		invoicesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cloud_invoices_generated_total",
			Help: "Invoices generated per organization.",
		}, []string{"org_id"}),
		invoiceLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tally_cloud_invoice_generation_seconds",
			Help:    "Time spent pricing and storing one invoice.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		alertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cloud_alerts_raised_total",
			Help: "Usage alerts raised per organization and type.",
		}, []string{"org_id", "alert_type"}),
		activeSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_cloud_active_subscriptions",
			Help: "Active subscriptions per organization.",
		}, []string{"org_id"}),
		engineErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tally_cloud_engine_errors_total",
			Help: "Billing engine errors by operation.",
		}, []string{"org_id", "operation"}),
		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_cloud_memory_bytes",
			Help: "Memory obtained from the OS by the process.",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tally_cloud_build_info",
			Help: "Build information of the running instance.",
		}, []string{"version"}),
	}
	registry.MustRegister(
		m.usageEvents,
		m.usageQuantity,
		m.invoicesGenerated,
		m.invoiceLatency,
		m.alertsRaised,
		m.activeSubscriptions,
		m.engineErrors,
		m.memoryUsage,
		m.buildInfo,
	)
	return m
}

// New registers the collectors on registry and installs them as the
// process-wide recorder.
func New(registry *prometheus.Registry, pusher Pusher, version string, log *zap.Logger) *CloudMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := newMetrics(registry)
	m.buildInfo.WithLabelValues(normalizeLabel(version)).Set(1)
	c := &CloudMetrics{registry: registry, pusher: pusher, log: log.Named("cloud.metrics"), m: m}
	setRecorder(&recorder{metrics: m})
	return c
}

// Registry exposes the collectors so the HTTP server can serve them.
func (c *CloudMetrics) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *CloudMetrics) SetMemoryUsage(bytes uint64) {
	if c == nil {
		return
	}
	c.m.memoryUsage.Set(float64(bytes))
}

// SetActiveSubscriptions replaces the gauge with the given per-org counts.
func (c *CloudMetrics) SetActiveSubscriptions(counts map[string]int) {
	if c == nil {
		return
	}
	c.m.activeSubscriptions.Reset()
	for orgID, count := range counts {
		c.m.activeSubscriptions.WithLabelValues(normalizeLabel(orgID)).Set(float64(count))
	}
}

// Push sends the registry through the configured pusher. Without a pusher
// the collectors are only exposed on /metrics.
func (c *CloudMetrics) Push(ctx context.Context) error {
	if c == nil || c.pusher == nil {
		return nil
	}
	return c.pusher.Push(ctx, c.registry)
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
