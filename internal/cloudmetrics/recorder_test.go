package cloudmetrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func TestRecorderCountsUsage(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := New(registry, nil, "1.0.0", zap.NewNop())

	RecordUsageEvent("42", "api_calls", 3)
	RecordUsageEvent("42", "api_calls", 2)
	RecordInvoiceGenerated("42", 120*time.Millisecond)
	RecordAlert("", "limit_exceeded")

	assert.Equal(t, float64(2), testutil.ToFloat64(c.m.usageEvents.WithLabelValues("42", "api_calls")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.m.usageQuantity.WithLabelValues("42", "api_calls")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.m.invoicesGenerated.WithLabelValues("42")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.m.invoiceLatency))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.m.alertsRaised.WithLabelValues("unknown", "limit_exceeded")))
}

func TestNilCloudMetricsIsSafe(t *testing.T) {
	var c *CloudMetrics
	c.SetMemoryUsage(10)
	c.SetActiveSubscriptions(map[string]int{"1": 2})
	assert.NoError(t, c.Push(context.Background()))
	assert.Nil(t, c.Registry())
}

func TestRemoteWritePusher(t *testing.T) {
	var got prompb.WriteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "snappy", r.Header.Get("Content-Encoding"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(raw, protoadapt.MessageV2Of(&got)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "tally_test_gauge"})
	registry.MustRegister(gauge)
	gauge.Set(7)

	pusher := NewRemoteWritePusher(srv.URL, "secret")
	require.NoError(t, pusher.Push(context.Background(), registry))
	require.Len(t, got.Timeseries, 1)
	assert.Equal(t, float64(7), got.Timeseries[0].Samples[0].Value)
}

func TestNewPusherDisabled(t *testing.T) {
	assert.Nil(t, NewPusher(testConfig(false, "", ""), zap.NewNop()))
	assert.Nil(t, NewPusher(testConfig(true, "prometheus_remote_write", ""), zap.NewNop()))
	assert.NotNil(t, NewPusher(testConfig(true, "prometheus_pushgateway", "http://pgw:9091"), zap.NewNop()))
}

func testConfig(enabled bool, exporter, endpoint string) config.Config {
	var cfg config.Config
	cfg.AppName = "tally"
	cfg.Cloud.Metrics.Enabled = enabled
	cfg.Cloud.Metrics.Exporter = exporter
	cfg.Cloud.Metrics.Endpoint = endpoint
	return cfg
}

func TestToTimeSeriesExpandsHistograms(t *testing.T) {
	registry := prometheus.NewRegistry()
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tally_test_seconds",
		Buckets: []float64{0.1, 1},
	})
	registry.MustRegister(hist)
	hist.Observe(0.05)
	hist.Observe(0.5)

	families, err := registry.Gather()
	require.NoError(t, err)
	series := toTimeSeries(families, 1000)

	byKey := map[string]float64{}
	for _, s := range series {
		key := ""
		for _, l := range s.Labels {
			if l.Name == "__name__" || l.Name == "le" {
				key += l.Value + "|"
			}
		}
		byKey[key] = s.Samples[0].Value
	}
	assert.Equal(t, float64(1), byKey["tally_test_seconds_bucket|0.1|"])
	assert.Equal(t, float64(2), byKey["tally_test_seconds_bucket|1|"])
	assert.Equal(t, float64(2), byKey["tally_test_seconds_bucket|+Inf|"])
	assert.Equal(t, float64(2), byKey["tally_test_seconds_count|"])
	assert.InDelta(t, 0.55, byKey["tally_test_seconds_sum|"], 1e-9)
}
