package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/catalog/repository"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupCatalog(t *testing.T) catalogdomain.Service {
	t.Helper()
	conn := testutil.OpenDB(t, &catalogdomain.UsageMetric{}, &catalogdomain.BillingPlan{})
	return New(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
}

func ptr(v float64) *float64 { return &v }

func TestCreateMetricSlugsID(t *testing.T) {
	svc := setupCatalog(t)
	ctx := context.Background()

	metric, err := svc.CreateMetric(ctx, catalogdomain.CreateMetricRequest{Name: "API Calls", Unit: "calls"})
	require.NoError(t, err)
	assert.Equal(t, "api-calls", metric.ID)

	_, err = svc.CreateMetric(ctx, catalogdomain.CreateMetricRequest{ID: "api calls", Name: "dup", Unit: "calls"})
	assert.ErrorIs(t, err, catalogdomain.ErrMetricExists)

	_, err = svc.CreateMetric(ctx, catalogdomain.CreateMetricRequest{Name: "storage"})
	assert.ErrorIs(t, err, catalogdomain.ErrInvalidUnit)

	got, err := svc.GetMetric(ctx, "api-calls")
	require.NoError(t, err)
	assert.Equal(t, "calls", got.Unit)

	_, err = svc.GetMetric(ctx, "bandwidth")
	assert.ErrorIs(t, err, catalogdomain.ErrMetricNotFound)
}

func TestCreatePlanRoundTripsRules(t *testing.T) {
	svc := setupCatalog(t)
	ctx := context.Background()

	_, err := svc.CreateMetric(ctx, catalogdomain.CreateMetricRequest{ID: "api-calls", Name: "API calls", Unit: "calls"})
	require.NoError(t, err)

	plan, err := svc.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		ID:        "pro-monthly",
		Name:      "Pro",
		BasePrice: decimal.RequireFromString("49.00"),
		Currency:  "usd",
		PricingRules: []catalogdomain.PricingRule{{
			MetricID: "api-calls",
			Model:    "Tiered",
			FreeTier: 1000,
			Tiers: []catalogdomain.Tier{
				{From: 0, To: ptr(100000), UnitPrice: decimal.RequireFromString("0.001")},
				{From: 100000, UnitPrice: decimal.RequireFromString("0.0005")},
			},
		}},
		LimitTemplates: []catalogdomain.LimitTemplate{{
			MetricID: "api-calls", LimitType: "soft", LimitValue: 500000, Thresholds: []float64{50, 80, 95},
		}},
		Features: []string{"sso", "sso", " exports "},
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", plan.Currency)
	assert.Equal(t, catalogdomain.BillingIntervalMonth, plan.BillingInterval)
	assert.Equal(t, []string{"sso", "exports"}, plan.FeatureFlags())

	// a fresh service has a cold cache, so this reads the stored row
	fresh := New(Params{DB: svc.(*Service).db, Log: zap.NewNop(), Clock: clock.SystemClock{}, Repo: repository.Provide()})
	got, err := fresh.GetPlan(ctx, "pro-monthly")
	require.NoError(t, err)

	rule, ok := got.RuleFor("api-calls")
	require.True(t, ok)
	assert.Equal(t, catalogdomain.PricingModelTiered, rule.Model)
	require.Len(t, rule.Tiers, 2)
	assert.True(t, rule.Tiers[1].UnitPrice.Equal(decimal.RequireFromString("0.0005")))
	assert.Nil(t, rule.Tiers[1].To)
	assert.Equal(t, "monthly", got.Limits()[0].ResetPeriod)
	assert.True(t, got.BasePrice.Equal(decimal.NewFromInt(49)))

	_, err = svc.CreatePlan(ctx, catalogdomain.CreatePlanRequest{ID: "pro-monthly", Name: "Pro", Currency: "USD"})
	assert.ErrorIs(t, err, catalogdomain.ErrPlanExists)
}

func TestCreatePlanValidation(t *testing.T) {
	svc := setupCatalog(t)
	ctx := context.Background()
	_, err := svc.CreateMetric(ctx, catalogdomain.CreateMetricRequest{ID: "gb", Name: "Storage", Unit: "GB"})
	require.NoError(t, err)

	base := func() catalogdomain.CreatePlanRequest {
		return catalogdomain.CreatePlanRequest{ID: "basic", Name: "Basic", Currency: "USD", BasePrice: decimal.NewFromInt(10)}
	}

	cases := []struct {
		name   string
		mutate func(*catalogdomain.CreatePlanRequest)
		want   error
	}{
		{"bad id", func(r *catalogdomain.CreatePlanRequest) { r.ID = "Not A Slug" }, catalogdomain.ErrInvalidPlanID},
		{"negative base", func(r *catalogdomain.CreatePlanRequest) { r.BasePrice = decimal.NewFromInt(-1) }, catalogdomain.ErrInvalidBasePrice},
		{"currency", func(r *catalogdomain.CreatePlanRequest) { r.Currency = "dollars" }, catalogdomain.ErrInvalidCurrency},
		{"interval", func(r *catalogdomain.CreatePlanRequest) { r.BillingInterval = "fortnight" }, catalogdomain.ErrInvalidInterval},
		{"unknown metric", func(r *catalogdomain.CreatePlanRequest) {
			r.PricingRules = []catalogdomain.PricingRule{{MetricID: "bandwidth", Model: catalogdomain.PricingModelPerUnit}}
		}, catalogdomain.ErrMetricNotFound},
		{"model", func(r *catalogdomain.CreatePlanRequest) {
			r.PricingRules = []catalogdomain.PricingRule{{MetricID: "gb", Model: "stairstep"}}
		}, catalogdomain.ErrInvalidPricingModel},
		{"duplicate rule", func(r *catalogdomain.CreatePlanRequest) {
			r.PricingRules = []catalogdomain.PricingRule{
				{MetricID: "gb", Model: catalogdomain.PricingModelPerUnit},
				{MetricID: "gb", Model: catalogdomain.PricingModelVolume},
			}
		}, catalogdomain.ErrDuplicatePricing},
		{"inverted tier", func(r *catalogdomain.CreatePlanRequest) {
			r.PricingRules = []catalogdomain.PricingRule{{MetricID: "gb", Model: catalogdomain.PricingModelTiered,
				Tiers: []catalogdomain.Tier{{From: 10, To: ptr(5)}}}}
		}, catalogdomain.ErrInvalidTier},
		{"thresholds", func(r *catalogdomain.CreatePlanRequest) {
			r.LimitTemplates = []catalogdomain.LimitTemplate{{MetricID: "gb", LimitType: "hard", LimitValue: 10, Thresholds: []float64{80, 50}}}
		}, catalogdomain.ErrInvalidLimit},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := base()
			tc.mutate(&req)
			_, err := svc.CreatePlan(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
