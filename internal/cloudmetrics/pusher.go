package cloudmetrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/tally/internal/config"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

const (
	exporterRemoteWrite = "prometheus_remote_write"
	exporterPushgateway = "prometheus_pushgateway"
	pushTimeout         = 5 * time.Second
)

// Pusher ships a registry to a remote collector. Push is called from the
// scheduler loop; implementations start no goroutines of their own.
type Pusher interface {
	Push(ctx context.Context, registry *prometheus.Registry) error
}

// NewPusher returns nil when pushing is disabled or misconfigured. The
// problem is logged; metering never waits on metrics.
func NewPusher(cfg config.Config, logger *zap.Logger) Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Cloud.Metrics.Enabled {
		return nil
	}
	pusher, err := pusherFor(cfg)
	if err != nil {
		logger.Warn("cloud metrics push disabled",
			zap.String("exporter", cfg.Cloud.Metrics.Exporter),
			zap.Error(err),
		)
		return nil
	}
	return pusher
}

func pusherFor(cfg config.Config) (Pusher, error) {
	metricsCfg := cfg.Cloud.Metrics
	exporter := strings.ToLower(strings.TrimSpace(metricsCfg.Exporter))
	endpoint := strings.TrimSpace(metricsCfg.Endpoint)
	if exporter == "" {
		return nil, errors.New("exporter is required")
	}
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	switch exporter {
	case exporterRemoteWrite:
		if _, err := url.ParseRequestURI(endpoint); err != nil {
			return nil, fmt.Errorf("invalid endpoint: %w", err)
		}
		return NewRemoteWritePusher(endpoint, metricsCfg.AuthToken), nil
	case exporterPushgateway:
		return NewPushgatewayPusher(endpoint, cfg.AppName, map[string]string{
			"environment": cfg.Environment,
		}), nil
	default:
		return nil, fmt.Errorf("unknown exporter %q", exporter)
	}
}

// RemoteWritePusher posts snappy-compressed prompb write requests.
type RemoteWritePusher struct {
	endpoint  string
	authToken string
	client    *http.Client
	now       func() time.Time
}

func NewRemoteWritePusher(endpoint, authToken string) *RemoteWritePusher {
	return &RemoteWritePusher{
		endpoint:  endpoint,
		authToken: strings.TrimSpace(authToken),
		client: &http.Client{
			Timeout:   pushTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		now: time.Now,
	}
}

func (p *RemoteWritePusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	series := toTimeSeries(families, p.now().UnixMilli())
	if len(series) == 0 {
		return nil
	}

	payload, err := proto.Marshal(protoadapt.MessageV2Of(&prompb.WriteRequest{Timeseries: series}))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(snappy.Encode(nil, payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("remote write: %s", resp.Status)
	}
	return nil
}

// PushgatewayPusher replaces the job's group on a Pushgateway.
type PushgatewayPusher struct {
	endpoint string
	job      string
	grouping map[string]string
}

func NewPushgatewayPusher(endpoint, job string, grouping map[string]string) *PushgatewayPusher {
	job = strings.TrimSpace(job)
	if job == "" {
		job = "tally"
	}
	return &PushgatewayPusher{endpoint: strings.TrimSpace(endpoint), job: job, grouping: grouping}
}

func (p *PushgatewayPusher) Push(ctx context.Context, registry *prometheus.Registry) error {
	if p == nil || registry == nil {
		return nil
	}
	if p.endpoint == "" {
		return errors.New("pushgateway endpoint is required")
	}
	pusher := push.New(p.endpoint, p.job).Gatherer(registry)
	for key, value := range p.grouping {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key != "" && value != "" {
			pusher = pusher.Grouping(key, value)
		}
	}
	return pusher.PushContext(ctx)
}

// toTimeSeries flattens counters, gauges and histograms into remote write
// series. Histograms expand into _bucket, _sum and _count like the text
// exposition format.
func toTimeSeries(families []*dto.MetricFamily, ts int64) []prompb.TimeSeries {
	var series []prompb.TimeSeries
	add := func(name string, base []*dto.LabelPair, value float64, extra ...prompb.Label) {
		labels := make([]prompb.Label, 0, len(base)+len(extra)+1)
		labels = append(labels, prompb.Label{Name: "__name__", Value: name})
		for _, pair := range base {
			labels = append(labels, prompb.Label{Name: pair.GetName(), Value: pair.GetValue()})
		}
		labels = append(labels, extra...)
		sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
		series = append(series, prompb.TimeSeries{
			Labels:  labels,
			Samples: []prompb.Sample{{Value: value, Timestamp: ts}},
		})
	}

	for _, family := range families {
		name := family.GetName()
		for _, metric := range family.GetMetric() {
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				add(name, metric.GetLabel(), metric.GetCounter().GetValue())
			case dto.MetricType_GAUGE:
				add(name, metric.GetLabel(), metric.GetGauge().GetValue())
			case dto.MetricType_HISTOGRAM:
				h := metric.GetHistogram()
				for _, bucket := range h.GetBucket() {
					add(name+"_bucket", metric.GetLabel(), float64(bucket.GetCumulativeCount()),
						prompb.Label{Name: "le", Value: formatBound(bucket.GetUpperBound())})
				}
				add(name+"_bucket", metric.GetLabel(), float64(h.GetSampleCount()),
					prompb.Label{Name: "le", Value: "+Inf"})
				add(name+"_sum", metric.GetLabel(), h.GetSampleSum())
				add(name+"_count", metric.GetLabel(), float64(h.GetSampleCount()))
			}
		}
	}
	return series
}

func formatBound(v float64) string {
	if math.IsInf(v, 1) {
		return "+Inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
