package cloudmetrics

import (
	"sync"
	"time"
)

// Recorder receives accounting events from the billing services.
type Recorder interface {
	RecordUsageEvent(orgID, metricID string, quantity float64)
	RecordInvoiceGenerated(orgID string, elapsed time.Duration)
	RecordAlert(orgID, alertType string)
	RecordEngineError(orgID, operation string)
}

type recorder struct {
	metrics *metrics
}

type noopRecorder struct{}

func (noopRecorder) RecordUsageEvent(string, string, float64)     {}
func (noopRecorder) RecordInvoiceGenerated(string, time.Duration) {}
func (noopRecorder) RecordAlert(string, string)                   {}
func (noopRecorder) RecordEngineError(string, string)             {}

var (
	activeRecorder Recorder = noopRecorder{}
	recorderMu     sync.RWMutex
)

func setRecorder(rec Recorder) {
	if rec == nil {
		return
	}
	recorderMu.Lock()
	activeRecorder = rec
	recorderMu.Unlock()
}

func current() Recorder {
	recorderMu.RLock()
	defer recorderMu.RUnlock()
	return activeRecorder
}

func RecordUsageEvent(orgID, metricID string, quantity float64) {
	current().RecordUsageEvent(orgID, metricID, quantity)
}

func RecordInvoiceGenerated(orgID string, elapsed time.Duration) {
	current().RecordInvoiceGenerated(orgID, elapsed)
}

func RecordAlert(orgID, alertType string) {
	current().RecordAlert(orgID, alertType)
}

func RecordEngineError(orgID, operation string) {
	current().RecordEngineError(orgID, operation)
}

func (r *recorder) RecordUsageEvent(orgID, metricID string, quantity float64) {
	org, metric := normalizeLabel(orgID), normalizeLabel(metricID)
	r.metrics.usageEvents.WithLabelValues(org, metric).Inc()
	if quantity > 0 {
		r.metrics.usageQuantity.WithLabelValues(org, metric).Add(quantity)
	}
}

func (r *recorder) RecordInvoiceGenerated(orgID string, elapsed time.Duration) {
	r.metrics.invoicesGenerated.WithLabelValues(normalizeLabel(orgID)).Inc()
	if elapsed > 0 {
		r.metrics.invoiceLatency.Observe(elapsed.Seconds())
	}
}

func (r *recorder) RecordAlert(orgID, alertType string) {
	r.metrics.alertsRaised.WithLabelValues(normalizeLabel(orgID), normalizeLabel(alertType)).Inc()
}

func (r *recorder) RecordEngineError(orgID, operation string) {
	r.metrics.engineErrors.WithLabelValues(normalizeLabel(orgID), normalizeLabel(operation)).Inc()
}
