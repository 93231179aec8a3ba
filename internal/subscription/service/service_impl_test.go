package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/tally/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/tally/internal/catalog/service"
	"github.com/smallbiznis/tally/internal/clock"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/smallbiznis/tally/internal/subscription/repository"
	"github.com/smallbiznis/tally/internal/testutil"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const org = snowflake.ID(42)

var start = time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

// templateRecorder stands in for the limit service; only ApplyTemplates is
// reached from subscriptions.
type templateRecorder struct {
	limitdomain.Service

	mu    sync.Mutex
	calls map[snowflake.ID][]catalogdomain.LimitTemplate
}

func (r *templateRecorder) ApplyTemplates(_ context.Context, orgID snowflake.ID, templates []catalogdomain.LimitTemplate) ([]limitdomain.UsageLimit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[snowflake.ID][]catalogdomain.LimitTemplate{}
	}
	r.calls[orgID] = templates
	return nil, nil
}

type fixture struct {
	svc    subscriptiondomain.Service
	limits *templateRecorder
	clock  *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t,
		&catalogdomain.UsageMetric{},
		&catalogdomain.BillingPlan{},
		&subscriptiondomain.Subscription{},
	)
	clk := clock.NewFakeClock(start)
	catalog := catalogservice.New(catalogservice.Params{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: catalogrepo.Provide()})
	ctx := context.Background()

	_, err := catalog.CreateMetric(ctx, catalogdomain.CreateMetricRequest{ID: "api-calls", Name: "API calls", Unit: "calls"})
	require.NoError(t, err)
	_, err = catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		ID: "starter", Name: "Starter", BasePrice: decimal.NewFromInt(29), Currency: "usd",
		LimitTemplates: []catalogdomain.LimitTemplate{{MetricID: "api-calls", LimitType: "hard", LimitValue: 10000, ResetPeriod: "monthly"}},
	})
	require.NoError(t, err)
	_, err = catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		ID: "pro", Name: "Pro", BasePrice: decimal.NewFromInt(99), Currency: "usd",
		LimitTemplates: []catalogdomain.LimitTemplate{{MetricID: "api-calls", LimitType: "soft", LimitValue: 100000, ResetPeriod: "monthly"}},
	})
	require.NoError(t, err)
	_, err = catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		ID: "legacy", Name: "Legacy", BasePrice: decimal.NewFromInt(5), Currency: "usd", Inactive: true,
	})
	require.NoError(t, err)

	f := &fixture{limits: &templateRecorder{}, clock: clk}
	f.svc = NewService(ServiceParam{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   testutil.Node(t),
		Clock:   clk,
		Repo:    repository.Provide(),
		Catalog: catalog,
		Limits:  f.limits,
	})
	return f
}

func TestCreateAnchorsPeriodAndAppliesTemplates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		OrganizationID: org,
		PlanID:         "starter",
		ProviderItems:  map[string]string{"api-calls": " si_123 ", "": "si_x"},
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodStart.Equal(start))
	assert.True(t, sub.CurrentPeriodEnd.Equal(time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)), sub.CurrentPeriodEnd)

	item, ok := sub.ProviderItem("api-calls")
	assert.True(t, ok)
	assert.Equal(t, "si_123", item)

	require.Len(t, f.limits.calls[org], 1)
	assert.Equal(t, "hard", f.limits.calls[org][0].LimitType)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "pro"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)
}

func TestCreateRejectsUnknownOrInactivePlan(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "enterprise"})
	assert.ErrorIs(t, err, catalogdomain.ErrPlanNotFound)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "legacy"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInactivePlan)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{PlanID: "starter"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidOrganization)
}

func TestActivePlanResolvesFromContext(t *testing.T) {
	f := setup(t)
	ctx := orgcontext.WithOrgID(context.Background(), int64(org))

	plan, err := f.svc.ActivePlan(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, plan)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{PlanID: "starter"})
	require.NoError(t, err)

	plan, err = f.svc.ActivePlan(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Equal(t, "starter", plan.ID)
}

func TestChangePlanKeepsPeriod(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "starter"})
	require.NoError(t, err)

	f.clock.Advance(10 * 24 * time.Hour)
	changed, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{OrganizationID: org, PlanID: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "pro", changed.PlanID)
	assert.Equal(t, created.ID, changed.ID)
	assert.True(t, changed.CurrentPeriodEnd.Equal(created.CurrentPeriodEnd))
	require.NotNil(t, changed.PlanChangedAt)
	assert.Equal(t, "soft", f.limits.calls[org][0].LimitType)

	same, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{OrganizationID: org, PlanID: "pro"})
	require.NoError(t, err)
	assert.Equal(t, "pro", same.PlanID)

	_, err = f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{OrganizationID: 9, PlanID: "pro"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestAdvancePeriodIsCompareAndSwap(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "starter"})
	require.NoError(t, err)

	due, err := f.svc.ListDue(ctx, sub.CurrentPeriodEnd.Add(-time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = f.svc.ListDue(ctx, sub.CurrentPeriodEnd, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	next, err := f.svc.AdvancePeriod(ctx, due[0])
	require.NoError(t, err)
	assert.True(t, next.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd))
	assert.True(t, next.CurrentPeriodEnd.Equal(time.Date(2026, 3, 28, 12, 0, 0, 0, time.UTC)), next.CurrentPeriodEnd)

	_, err = f.svc.AdvancePeriod(ctx, due[0])
	assert.ErrorIs(t, err, db.ErrConcurrencyConflict)
}

func TestCancel(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "starter"})
	require.NoError(t, err)

	scheduled, err := f.svc.Cancel(ctx, subscriptiondomain.CancelRequest{OrganizationID: org, AtPeriodEnd: true})
	require.NoError(t, err)
	assert.True(t, scheduled.CancelAtPeriodEnd)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, scheduled.Status)

	ended, err := f.svc.AdvancePeriod(ctx, *scheduled)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, ended.Status)
	assert.NotNil(t, ended.CanceledAt)

	_, err = f.svc.GetActive(ctx, org)
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	// the org slot is free again
	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{OrganizationID: org, PlanID: "pro"})
	require.NoError(t, err)
}
