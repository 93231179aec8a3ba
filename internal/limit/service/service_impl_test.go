package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/tally/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/tally/internal/catalog/service"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/config"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/internal/limit/repository"
	"github.com/smallbiznis/tally/internal/testutil"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	usagerepo "github.com/smallbiznis/tally/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const org = snowflake.ID(77)

var now = time.Date(2026, 6, 18, 15, 0, 0, 0, time.UTC) // a Thursday

type countingNotifier struct {
	mu     sync.Mutex
	alerts []limitdomain.UsageAlert
}

func (n *countingNotifier) AlertRaised(_ context.Context, alert limitdomain.UsageAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

type fixture struct {
	svc      limitdomain.Service
	db       *gorm.DB
	node     *snowflake.Node
	usage    usagedomain.Repository
	notifier *countingNotifier
	clock    *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t,
		&catalogdomain.UsageMetric{},
		&catalogdomain.BillingPlan{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageSummary{},
		&limitdomain.UsageLimit{},
		&limitdomain.UsageAlert{},
	)
	clk := clock.NewFakeClock(now)
	catalog := catalogservice.New(catalogservice.Params{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: catalogrepo.Provide()})
	_, err := catalog.CreateMetric(context.Background(), catalogdomain.CreateMetricRequest{ID: "api-calls", Name: "API calls", Unit: "calls"})
	require.NoError(t, err)

	f := &fixture{
		db:       conn,
		node:     testutil.Node(t),
		usage:    usagerepo.Provide(),
		notifier: &countingNotifier{},
		clock:    clk,
	}
	f.svc = New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: clk,
		GenID: f.node,
		Config: config.Config{
			Metering: config.MeteringConfig{Period: "month"},
			Alerts:   config.AlertConfig{AnomalyDetection: true, AnomalyFactor: 3, AnomalyMinUsage: 100},
		},
		Repo:     repository.Provide(),
		Usage:    f.usage,
		Catalog:  catalog,
		Notifier: f.notifier,
	})
	return f
}

// record writes an event and its summary increment the way the metering
// service does.
func (f *fixture) record(t *testing.T, qty float64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	ok, err := f.usage.InsertEvent(ctx, f.db, &usagedomain.UsageEvent{
		ID: f.node.Generate(), OrgID: org, MetricID: "api-calls", Quantity: qty, RecordedAt: at, CreatedAt: at,
	})
	require.NoError(t, err)
	require.True(t, ok)
	window := billingperiod.Containing(at, billingperiod.Month)
	require.NoError(t, f.usage.IncrementSummary(ctx, f.db, usagedomain.SummaryDelta{
		ID: f.node.Generate(), OrgID: org, MetricID: "api-calls", PeriodStart: window.Start, PeriodEnd: window.End,
		Unit: "calls", Quantity: qty, Events: 1, At: at,
	}))
}

func (f *fixture) unresolved(t *testing.T) []limitdomain.UsageAlert {
	t.Helper()
	alerts, err := f.svc.ListAlerts(context.Background(), limitdomain.AlertFilter{OrgID: org, Unresolved: true})
	require.NoError(t, err)
	return alerts
}

func upsert(t *testing.T, svc limitdomain.Service, limitType limitdomain.LimitType, value float64, reset limitdomain.ResetPeriod) *limitdomain.UsageLimit {
	t.Helper()
	limit, err := svc.UpsertLimit(context.Background(), limitdomain.UpsertLimitRequest{
		OrganizationID: org,
		MetricID:       "api-calls",
		LimitType:      limitType,
		LimitValue:     value,
		ResetPeriod:    reset,
		Thresholds:     []float64{50, 80, 95},
	})
	require.NoError(t, err)
	return limit
}

func TestThresholdAlertIsNotDuplicated(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	upsert(t, f.svc, limitdomain.LimitTypeSoft, 1000, limitdomain.ResetMonthly)
	f.record(t, 850, now)

	require.NoError(t, f.svc.EvaluateMetric(ctx, org, "api-calls"))
	require.NoError(t, f.svc.EvaluateMetric(ctx, org, "api-calls"))

	alerts := f.unresolved(t)
	require.Len(t, alerts, 1)
	assert.Equal(t, limitdomain.AlertThresholdExceeded, alerts[0].AlertType)
	assert.Equal(t, 80.0, alerts[0].Threshold)
	assert.Equal(t, limitdomain.SeverityWarning, alerts[0].Severity)
	assert.Equal(t, 850.0, alerts[0].CurrentUsage)
	assert.Len(t, f.notifier.alerts, 1)
}

func TestConcurrentEvaluationRaisesOneAlert(t *testing.T) {
	f := setup(t)
	upsert(t, f.svc, limitdomain.LimitTypeSoft, 100, limitdomain.ResetMonthly)
	f.record(t, 60, now)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.svc.EvaluateMetric(context.Background(), org, "api-calls"))
		}()
	}
	wg.Wait()

	assert.Len(t, f.unresolved(t), 1)
}

func TestHardLimitRaisesLimitExceeded(t *testing.T) {
	f := setup(t)
	upsert(t, f.svc, limitdomain.LimitTypeHard, 1000, limitdomain.ResetMonthly)
	f.record(t, 1000, now)

	require.NoError(t, f.svc.EvaluateMetric(context.Background(), org, "api-calls"))

	byType := map[limitdomain.AlertType]limitdomain.UsageAlert{}
	for _, a := range f.unresolved(t) {
		byType[a.AlertType] = a
	}
	require.Len(t, byType, 2)
	assert.Equal(t, limitdomain.SeverityCritical, byType[limitdomain.AlertThresholdExceeded].Severity)
	assert.Equal(t, 95.0, byType[limitdomain.AlertThresholdExceeded].Threshold)
	assert.Equal(t, limitdomain.SeverityCritical, byType[limitdomain.AlertLimitExceeded].Severity)
}

func TestAcknowledgeIsIdempotentAndFreesSlot(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	upsert(t, f.svc, limitdomain.LimitTypeSoft, 100, limitdomain.ResetMonthly)
	f.record(t, 55, now)
	require.NoError(t, f.svc.EvaluateMetric(ctx, org, "api-calls"))

	alerts := f.unresolved(t)
	require.Len(t, alerts, 1)

	f.clock.Advance(time.Minute)
	acked, err := f.svc.AcknowledgeAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, acked.Resolved)
	require.NotNil(t, acked.ResolvedAt)

	again, err := f.svc.AcknowledgeAlert(ctx, alerts[0].ID)
	require.NoError(t, err)
	assert.True(t, again.ResolvedAt.Equal(*acked.ResolvedAt))

	_, err = f.svc.AcknowledgeAlert(ctx, snowflake.ID(1))
	assert.ErrorIs(t, err, limitdomain.ErrAlertNotFound)

	require.NoError(t, f.svc.EvaluateMetric(ctx, org, "api-calls"))
	assert.Len(t, f.unresolved(t), 1)
}

func TestCheckLimitsUsesResetWindow(t *testing.T) {
	f := setup(t)
	upsert(t, f.svc, limitdomain.LimitTypeHard, 100, limitdomain.ResetWeekly)
	upsert(t, f.svc, limitdomain.LimitTypeSoft, 1000, limitdomain.ResetMonthly)

	f.record(t, 30, time.Date(2026, 6, 2, 9, 0, 0, 0, time.UTC))  // previous week
	f.record(t, 45, time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)) // Monday of this week

	statuses, err := f.svc.CheckLimits(context.Background(), org)
	require.NoError(t, err)
	require.Len(t, statuses, 2)

	for _, st := range statuses {
		switch st.Limit.ResetPeriod {
		case limitdomain.ResetWeekly:
			assert.Equal(t, 45.0, st.CurrentUsage)
			assert.Equal(t, 55.0, st.Remaining)
			assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC), st.Window.Start)
		case limitdomain.ResetMonthly:
			assert.Equal(t, 75.0, st.CurrentUsage)
			assert.InDelta(t, 7.5, st.Percentage, 1e-9)
		}
	}
}

func TestCheckQuota(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	open, err := f.svc.CheckQuota(ctx, org, "api-calls", 10)
	require.NoError(t, err)
	assert.True(t, open.Allowed)
	assert.True(t, open.Unlimited)

	upsert(t, f.svc, limitdomain.LimitTypeHard, 100, limitdomain.ResetMonthly)
	upsert(t, f.svc, limitdomain.LimitTypeHard, 50, limitdomain.ResetDaily)
	f.record(t, 40, now)

	check, err := f.svc.CheckQuota(ctx, org, "api-calls", 15)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.Equal(t, 50.0, check.LimitValue)
	assert.Equal(t, 10.0, check.Remaining)

	check, err = f.svc.CheckQuota(ctx, org, "api-calls", 10)
	require.NoError(t, err)
	assert.True(t, check.Allowed)

	_, err = f.svc.CheckQuota(ctx, org, "api-calls", -1)
	assert.ErrorIs(t, err, limitdomain.ErrInvalidQuantity)
}

func TestDetectAnomaly(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	for d := 1; d <= 7; d++ {
		f.record(t, 10, now.AddDate(0, 0, -d))
	}
	f.record(t, 90, now)

	alert, err := f.svc.DetectAnomaly(ctx, org, "api-calls")
	require.NoError(t, err)
	assert.Nil(t, alert, "below minimum volume")

	f.record(t, 120, now)
	alert, err = f.svc.DetectAnomaly(ctx, org, "api-calls")
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, limitdomain.AlertAnomalyDetected, alert.AlertType)
	assert.Equal(t, limitdomain.SeverityWarning, alert.Severity)
	assert.Equal(t, 10.0, alert.LimitValue)

	again, err := f.svc.DetectAnomaly(ctx, org, "api-calls")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestUpsertLimitValidationAndDelete(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  limitdomain.UpsertLimitRequest
		want error
	}{
		{"org", limitdomain.UpsertLimitRequest{MetricID: "api-calls", LimitType: "hard", LimitValue: 1}, limitdomain.ErrInvalidOrganization},
		{"metric", limitdomain.UpsertLimitRequest{OrganizationID: org, MetricID: "nope", LimitType: "hard", LimitValue: 1}, limitdomain.ErrInvalidMetric},
		{"type", limitdomain.UpsertLimitRequest{OrganizationID: org, MetricID: "api-calls", LimitType: "strict", LimitValue: 1}, limitdomain.ErrInvalidLimitType},
		{"value", limitdomain.UpsertLimitRequest{OrganizationID: org, MetricID: "api-calls", LimitType: "hard"}, limitdomain.ErrInvalidLimitValue},
		{"reset", limitdomain.UpsertLimitRequest{OrganizationID: org, MetricID: "api-calls", LimitType: "hard", LimitValue: 1, ResetPeriod: "hourly"}, limitdomain.ErrInvalidResetPeriod},
		{"thresholds", limitdomain.UpsertLimitRequest{OrganizationID: org, MetricID: "api-calls", LimitType: "hard", LimitValue: 1, Thresholds: []float64{90, 10}}, limitdomain.ErrInvalidThresholds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.UpsertLimit(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	first := upsert(t, f.svc, limitdomain.LimitTypeSoft, 100, "")
	assert.Equal(t, limitdomain.ResetMonthly, first.ResetPeriod)
	second := upsert(t, f.svc, limitdomain.LimitTypeHard, 200, limitdomain.ResetMonthly)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 200.0, second.LimitValue)

	limits, err := f.svc.ListLimits(ctx, org)
	require.NoError(t, err)
	require.Len(t, limits, 1)

	require.NoError(t, f.svc.DeleteLimit(ctx, org, second.ID))
	assert.ErrorIs(t, f.svc.DeleteLimit(ctx, org, second.ID), limitdomain.ErrLimitNotFound)
}

func TestApplyTemplates(t *testing.T) {
	f := setup(t)
	limits, err := f.svc.ApplyTemplates(context.Background(), org, []catalogdomain.LimitTemplate{
		{MetricID: "api-calls", LimitType: "hard", LimitValue: 5000, ResetPeriod: "monthly", Thresholds: []float64{80}},
		{MetricID: "api-calls", LimitType: "soft", LimitValue: 300, ResetPeriod: "daily"},
	})
	require.NoError(t, err)
	require.Len(t, limits, 2)

	_, err = f.svc.ApplyTemplates(context.Background(), org, []catalogdomain.LimitTemplate{{MetricID: "ghost", LimitType: "hard", LimitValue: 1}})
	assert.ErrorIs(t, err, limitdomain.ErrInvalidMetric)
}
