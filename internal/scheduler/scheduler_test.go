package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	"github.com/smallbiznis/tally/internal/clock"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/paymentprovider/reporter"
	"github.com/smallbiznis/tally/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/smallbiznis/tally/internal/testutil"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var march = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// subscriptionStore keeps subscriptions in memory and advances them the way
// the real service does.
type subscriptionStore struct {
	subscriptiondomain.Service
	mu       sync.Mutex
	subs     map[snowflake.ID]*subscriptiondomain.Subscription
	conflict map[snowflake.ID]bool
}

func (s *subscriptionStore) ListDue(_ context.Context, before time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []subscriptiondomain.Subscription
	for _, sub := range s.subs {
		if sub.Live() && !sub.CurrentPeriodEnd.After(before) {
			out = append(out, *sub)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *subscriptionStore) AdvancePeriod(_ context.Context, sub subscriptiondomain.Subscription) (*subscriptiondomain.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.subs[sub.ID]
	if s.conflict[sub.ID] {
		delete(s.conflict, sub.ID)
		stored.CurrentPeriodStart = stored.CurrentPeriodEnd
		stored.CurrentPeriodEnd = billingperiod.Advance(stored.CurrentPeriodEnd, stored.Interval)
		return nil, db.ErrConcurrencyConflict
	}
	stored.CurrentPeriodStart = stored.CurrentPeriodEnd
	stored.CurrentPeriodEnd = billingperiod.Advance(stored.CurrentPeriodEnd, stored.Interval)
	copied := *stored
	return &copied, nil
}

type invoiceRecorder struct {
	invoicedomain.Service
	mu      sync.Mutex
	periods map[snowflake.ID][]time.Time
	fail    map[snowflake.ID]error
	cids    []string
}

func (r *invoiceRecorder) GenerateInvoice(ctx context.Context, req invoicedomain.GenerateInvoiceRequest) (*invoicedomain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail[req.SubscriptionID]; err != nil {
		return nil, err
	}
	r.periods[req.SubscriptionID] = append(r.periods[req.SubscriptionID], *req.PeriodStart)
	r.cids = append(r.cids, correlation.FromContext(ctx))
	return &invoicedomain.Invoice{
		ID:             snowflake.ID(len(r.cids)),
		OrgID:          req.OrganizationID,
		SubscriptionID: req.SubscriptionID,
		Number:         "INV-TEST",
		TotalAmount:    decimal.NewFromInt(29),
	}, nil
}

type anomalyRecorder struct {
	limitdomain.Service
	checked []string
}

func (a *anomalyRecorder) DetectAnomaly(_ context.Context, orgID snowflake.ID, metricID string) (*limitdomain.UsageAlert, error) {
	a.checked = append(a.checked, orgID.String()+"/"+metricID)
	if metricID == "spiky" {
		return &limitdomain.UsageAlert{OrgID: orgID, MetricID: metricID, AlertType: limitdomain.AlertAnomalyDetected}, nil
	}
	return nil, nil
}

type activeMetrics struct {
	usagedomain.Repository
	pairs []usagedomain.OrgMetric
	since time.Time
}

func (a *activeMetrics) ListActiveOrgMetrics(_ context.Context, _ *gorm.DB, since time.Time) ([]usagedomain.OrgMetric, error) {
	a.since = since
	return a.pairs, nil
}

type reporterStub struct {
	calls int
	res   reporter.Result
	err   error
}

func (r *reporterStub) ReportPending(context.Context, int) (reporter.Result, error) {
	r.calls++
	return r.res, r.err
}

type fixture struct {
	sched    *Scheduler
	clock    *clock.FakeClock
	subs     *subscriptionStore
	invoices *invoiceRecorder
	limits   *anomalyRecorder
	usage    *activeMetrics
	reporter *reporterStub
	registry *prometheus.Registry
}

func newFixture(t *testing.T, locker *ratelimit.Locker) *fixture {
	t.Helper()
	registry := prometheus.NewRegistry()
	f := &fixture{
		clock:    clock.NewFakeClock(march.Add(time.Hour)),
		subs:     &subscriptionStore{subs: map[snowflake.ID]*subscriptiondomain.Subscription{}, conflict: map[snowflake.ID]bool{}},
		invoices: &invoiceRecorder{periods: map[snowflake.ID][]time.Time{}, fail: map[snowflake.ID]error{}},
		limits:   &anomalyRecorder{},
		usage:    &activeMetrics{},
		reporter: &reporterStub{},
		registry: registry,
	}
	cfg := DefaultConfig()
	f.sched = &Scheduler{
		db:            testutil.OpenDB(t),
		log:           zap.NewNop(),
		cfg:           cfg,
		clock:         f.clock,
		invoices:      f.invoices,
		subscriptions: f.subs,
		usage:         f.usage,
		limits:        f.limits,
		reporter:      f.reporter,
		locker:        locker,
		metrics:       obsmetrics.NewSchedulerMetrics(registry, obsmetrics.Config{ServiceName: "tally", Environment: "test"}),
		lastRun:       map[string]time.Time{},
	}
	return f
}

func (f *fixture) addSubscription(id snowflake.ID, start time.Time) {
	f.subs.subs[id] = &subscriptiondomain.Subscription{
		ID:                 id,
		OrgID:              id * 10,
		PlanID:             "starter",
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Interval:           billingperiod.Month,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   billingperiod.Advance(start, billingperiod.Month),
	}
}

func TestInvoiceCycleCatchesUpEveryEndedPeriod(t *testing.T) {
	f := newFixture(t, nil)
	f.addSubscription(1, march.AddDate(0, -3, 0))
	f.addSubscription(2, march.AddDate(0, -1, 0))
	f.addSubscription(3, march)

	require.NoError(t, f.sched.RunOnce(context.Background()))

	assert.Equal(t, []time.Time{march.AddDate(0, -3, 0), march.AddDate(0, -2, 0), march.AddDate(0, -1, 0)}, f.invoices.periods[1])
	assert.Equal(t, []time.Time{march.AddDate(0, -1, 0)}, f.invoices.periods[2])
	assert.Empty(t, f.invoices.periods[3])
	assert.Equal(t, march.AddDate(0, 1, 0), f.subs.subs[1].CurrentPeriodEnd)

	for _, cid := range f.invoices.cids {
		assert.Len(t, cid, 26)
		assert.Equal(t, f.invoices.cids[0], cid)
	}
	assert.Equal(t, 4.0, counterValue(t, f.registry, "tally_scheduler_batch_processed_total", map[string]string{"job": JobInvoiceCycle, "resource": "subscriptions"}))
}

func TestInvoiceCycleFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t, nil)
	f.addSubscription(1, march.AddDate(0, -1, 0))
	f.addSubscription(2, march.AddDate(0, -1, 0))
	f.invoices.fail[1] = errors.New("pricing unavailable")

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobInvoiceCycle)

	assert.Empty(t, f.invoices.periods[1])
	assert.Len(t, f.invoices.periods[2], 1)
	assert.Equal(t, march.AddDate(0, -1, 0), f.subs.subs[1].CurrentPeriodStart)
}

func TestInvoiceCycleToleratesConcurrentAdvance(t *testing.T) {
	f := newFixture(t, nil)
	f.addSubscription(1, march.AddDate(0, -1, 0))
	f.subs.conflict[1] = true

	require.NoError(t, f.sched.InvoiceCycleJob(contextWithRun(f.sched)))
	assert.Len(t, f.invoices.periods[1], 1)
}

func contextWithRun(s *Scheduler) context.Context {
	ctx, _ := s.startJobRun(context.Background(), "test")
	return ctx
}

func TestRunOnceHonorsIntervals(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 1, f.reporter.calls)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 1, f.reporter.calls)

	f.clock.Advance(30 * time.Second)
	require.NoError(t, f.sched.RunOnce(ctx))
	assert.Equal(t, 2, f.reporter.calls)
}

func TestEnabledJobsFilter(t *testing.T) {
	f := newFixture(t, nil)
	f.sched.cfg.EnabledJobs = []string{"USAGE_REPORT"}
	f.addSubscription(1, march.AddDate(0, -1, 0))

	require.NoError(t, f.sched.RunOnce(context.Background()))
	assert.Equal(t, 1, f.reporter.calls)
	assert.Empty(t, f.invoices.periods[1])
	assert.Empty(t, f.limits.checked)
}

func TestAnomalySweepChecksActiveMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.usage.pairs = []usagedomain.OrgMetric{{OrgID: 1, MetricID: "api-calls"}, {OrgID: 2, MetricID: "spiky"}}

	require.NoError(t, f.sched.AnomalySweepJob(contextWithRun(f.sched)))
	assert.Equal(t, []string{"1/api-calls", "2/spiky"}, f.limits.checked)
	assert.Equal(t, f.clock.Now().Add(-anomalyLookback), f.usage.since)

	f.limits.checked = nil
	f.sched.cfg.AnomalyDetection = false
	require.NoError(t, f.sched.AnomalySweepJob(contextWithRun(f.sched)))
	assert.Empty(t, f.limits.checked)
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	f := newFixture(t, nil)

	err := f.sched.runJob(context.Background(), "slow_job", 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "tally_scheduler_job_timeouts_total", map[string]string{"job": "slow_job"}))
}

func TestRunJobSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := ratelimit.NewLocker(client)

	f := newFixture(t, locker)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, lockKey(JobUsageReport), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, f.sched.runJob(ctx, JobUsageReport, time.Second, f.sched.UsageReportJob))
	assert.Equal(t, 0, f.reporter.calls)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "tally_scheduler_job_skipped_total", map[string]string{"job": JobUsageReport, "reason": obsmetrics.SchedulerSkipReasonLockHeld}))

	require.NoError(t, locker.Release(ctx, lockKey(JobUsageReport), token))
	require.NoError(t, f.sched.runJob(ctx, JobUsageReport, time.Second, f.sched.UsageReportJob))
	assert.Equal(t, 1, f.reporter.calls)
	assert.False(t, mr.Exists(lockKey(JobUsageReport)))
}

func TestUsageReportJobSurfacesErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.reporter.err = errors.New("provider down")

	err := f.sched.runJob(context.Background(), JobUsageReport, time.Second, f.sched.UsageReportJob)
	require.Error(t, err)
	assert.Equal(t, 1.0, counterValue(t, f.registry, "tally_scheduler_job_errors_total", map[string]string{"job": JobUsageReport, "reason": obsmetrics.SchedulerJobReasonUnknown}))
}

// counterValue reads a counter from registry; the service and env const
// labels are implied.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	want := map[string]string{"service": "tally", "env": "test"}
	for k, v := range labels {
		want[k] = v
	}
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if labelsMatch(metric, want) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, want)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
