package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	paymentdomain "github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/internal/paymentprovider/mock"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	upgradedomain "github.com/smallbiznis/tally/internal/upgrade/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	now         = time.Date(2026, 3, 21, 12, 0, 0, 0, time.UTC)
)

type plans map[string]*catalogdomain.BillingPlan

type catalogStub struct {
	catalogdomain.Service
	plans plans
}

func (c catalogStub) GetPlan(_ context.Context, id string) (*catalogdomain.BillingPlan, error) {
	if plan, ok := c.plans[id]; ok {
		return plan, nil
	}
	return nil, catalogdomain.ErrPlanNotFound
}

type activeSubscriptions struct {
	subscriptiondomain.Service
	subs map[snowflake.ID]*subscriptiondomain.Subscription
}

func (a activeSubscriptions) GetActive(_ context.Context, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if sub, ok := a.subs[orgID]; ok {
		return sub, nil
	}
	return nil, subscriptiondomain.ErrSubscriptionNotFound
}

type usageTotals struct {
	usagedomain.Service
	window *billingperiod.Period
	totals []usagedomain.MetricTotal
}

func (u *usageTotals) UsageInRange(_ context.Context, _ snowflake.ID, period billingperiod.Period) ([]usagedomain.MetricTotal, error) {
	u.window = &period
	return u.totals, nil
}

func catalogPlans() plans {
	return plans{
		"starter": {ID: "starter", Name: "Starter", BasePrice: decimal.NewFromInt(29), Currency: "USD", BillingInterval: catalogdomain.BillingIntervalMonth, Active: true},
		"pro": {
			ID: "pro", Name: "Pro", BasePrice: decimal.NewFromInt(99), Currency: "USD", BillingInterval: catalogdomain.BillingIntervalMonth, Active: true,
			PricingRules: datatypes.NewJSONType([]catalogdomain.PricingRule{{
				MetricID: "api-calls", Model: catalogdomain.PricingModelPerUnit, FreeTier: 10000, UnitPrice: decimal.RequireFromString("0.001"),
			}}),
		},
		"euro":   {ID: "euro", Name: "Euro", BasePrice: decimal.NewFromInt(50), Currency: "EUR", BillingInterval: catalogdomain.BillingIntervalMonth, Active: true},
		"legacy": {ID: "legacy", Name: "Legacy", BasePrice: decimal.NewFromInt(200), Currency: "USD", BillingInterval: catalogdomain.BillingIntervalMonth},
	}
}

func subscription(planID string, providerRef *string) *subscriptiondomain.Subscription {
	return &subscriptiondomain.Subscription{
		ID:                     7,
		OrgID:                  1,
		PlanID:                 planID,
		Status:                 subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodStart:     periodStart,
		CurrentPeriodEnd:       periodEnd,
		ProviderSubscriptionID: providerRef,
	}
}

func newService(sub *subscriptiondomain.Subscription, usage *usageTotals, provider paymentdomain.Provider) upgradedomain.Service {
	subs := activeSubscriptions{subs: map[snowflake.ID]*subscriptiondomain.Subscription{}}
	if sub != nil {
		subs.subs[sub.OrgID] = sub
	}
	return NewService(ServiceParam{
		Log:           zap.NewNop(),
		Clock:         clock.NewFakeClock(now),
		Catalog:       catalogStub{plans: catalogPlans()},
		Subscriptions: subs,
		Usage:         usage,
		Provider:      provider,
	})
}

func TestPreviewUpgradeChargesProration(t *testing.T) {
	usage := &usageTotals{totals: []usagedomain.MetricTotal{{MetricID: "api-calls", TotalUsage: 40000}}}
	svc := newService(subscription("starter", nil), usage, nil)

	preview, err := svc.PreviewUpgrade(context.Background(), 1, "pro")
	require.NoError(t, err)

	assert.Equal(t, 31, preview.TotalDays)
	assert.Equal(t, 11, preview.RemainingDays)
	// (99 - 29) * 11 / 31
	assert.Equal(t, "24.84", preview.ProratedAmount.StringFixed(2))
	assert.True(t, preview.ChargedToday())
	assert.Equal(t, "129.00", preview.ProjectedNextCycle.StringFixed(2))
	assert.Contains(t, preview.BillingImpact, "charged USD 24.84 today")
	assert.True(t, preview.EffectiveDate.Equal(now))

	require.NotNil(t, usage.window)
	assert.True(t, usage.window.End.Equal(now))
	assert.True(t, usage.window.Start.Equal(now.AddDate(0, 0, -30)))
	assert.True(t, preview.Projection.Period.Start.Equal(periodEnd))
}

func TestPreviewDowngradeNeverCredits(t *testing.T) {
	svc := newService(subscription("pro", nil), &usageTotals{}, nil)

	preview, err := svc.PreviewUpgrade(context.Background(), 1, "starter")
	require.NoError(t, err)
	assert.True(t, preview.ProratedAmount.IsZero())
	assert.False(t, preview.ChargedToday())
	assert.Equal(t, "29.00", preview.ProjectedNextCycle.StringFixed(2))
	assert.Contains(t, preview.BillingImpact, "next cycle only")
}

func TestPreviewUpgradeErrors(t *testing.T) {
	ctx := context.Background()

	_, err := newService(nil, &usageTotals{}, nil).PreviewUpgrade(ctx, 1, "pro")
	assert.ErrorIs(t, err, upgradedomain.ErrNoActiveSubscription)

	svc := newService(subscription("starter", nil), &usageTotals{}, nil)
	_, err = svc.PreviewUpgrade(ctx, 1, "enterprise")
	assert.ErrorIs(t, err, upgradedomain.ErrPlanNotFound)

	_, err = svc.PreviewUpgrade(ctx, 1, "legacy")
	assert.ErrorIs(t, err, upgradedomain.ErrPlanNotFound)

	_, err = svc.PreviewUpgrade(ctx, 1, "euro")
	assert.ErrorIs(t, err, upgradedomain.ErrCurrencyMismatch)

	_, err = svc.PreviewUpgrade(ctx, 0, "pro")
	assert.ErrorIs(t, err, upgradedomain.ErrInvalidOrganization)
}

func TestPreviewIncludesProviderUpcomingInvoice(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mock.NewMockProvider(ctrl)
	ref := "sub_remote"
	svc := newService(subscription("starter", &ref), &usageTotals{}, provider)

	upcoming := &paymentdomain.UpcomingInvoice{ProviderSubscriptionID: ref, Currency: "USD", AmountDue: decimal.NewFromInt(29)}
	provider.EXPECT().UpcomingInvoice(gomock.Any(), ref).Return(upcoming, nil)

	preview, err := svc.PreviewUpgrade(context.Background(), 1, "pro")
	require.NoError(t, err)
	assert.Equal(t, upcoming, preview.ProviderPreview)

	provider.EXPECT().UpcomingInvoice(gomock.Any(), ref).Return(nil, paymentdomain.ErrUnavailable)
	provider.EXPECT().Name().Return("stripe")
	preview, err = svc.PreviewUpgrade(context.Background(), 1, "pro")
	require.NoError(t, err)
	assert.Nil(t, preview.ProviderPreview)
}
