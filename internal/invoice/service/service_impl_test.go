package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/mock/gomock"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/tally/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/tally/internal/catalog/service"
	"github.com/smallbiznis/tally/internal/clock"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/invoice/render"
	"github.com/smallbiznis/tally/internal/invoice/repository"
	paymentdomain "github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/internal/paymentprovider/mock"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/tally/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tally/internal/subscription/service"
	"github.com/smallbiznis/tally/internal/testutil"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	march = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	april = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

// usageTotals serves fixed per-organization totals regardless of period.
type usageTotals struct {
	usagedomain.Service
	totals map[snowflake.ID][]usagedomain.MetricTotal
}

func (u usageTotals) UsageInRange(_ context.Context, orgID snowflake.ID, _ billingperiod.Period) ([]usagedomain.MetricTotal, error) {
	return u.totals[orgID], nil
}

type fixture struct {
	db    *gorm.DB
	clock *clock.FakeClock
	subs  subscriptiondomain.Service
	usage usageTotals
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn := testutil.OpenDB(t,
		&catalogdomain.UsageMetric{},
		&catalogdomain.BillingPlan{},
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.LineItem{},
		&invoicedomain.InvoiceSequence{},
	)
	clk := clock.NewFakeClock(march)
	catalog := catalogservice.New(catalogservice.Params{DB: conn, Log: zap.NewNop(), Clock: clk, Repo: catalogrepo.Provide()})
	ctx := context.Background()

	for _, m := range []catalogdomain.CreateMetricRequest{
		{ID: "api-calls", Name: "API calls", Unit: "calls"},
		{ID: "storage", Name: "Storage", Unit: "gb"},
	} {
		_, err := catalog.CreateMetric(ctx, m)
		require.NoError(t, err)
	}
	_, err := catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		ID: "starter", Name: "Starter", BasePrice: decimal.NewFromInt(29), Currency: "usd",
		PricingRules: []catalogdomain.PricingRule{
			{MetricID: "api-calls", Model: catalogdomain.PricingModelPerUnit, FreeTier: 1000, UnitPrice: decimal.RequireFromString("0.0025")},
			{MetricID: "storage", Model: catalogdomain.PricingModelPerUnit, UnitPrice: decimal.RequireFromString("0.1")},
		},
	})
	require.NoError(t, err)

	node := testutil.Node(t)
	subs := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:      conn,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    subscriptionrepo.Provide(),
		Catalog: catalog,
	})

	return &fixture{
		db:    conn,
		clock: clk,
		subs:  subs,
		usage: usageTotals{totals: map[snowflake.ID][]usagedomain.MetricTotal{}},
	}
}

func (f *fixture) service(t *testing.T, provider paymentdomain.Provider) *Service {
	t.Helper()
	catalog := catalogservice.New(catalogservice.Params{DB: f.db, Log: zap.NewNop(), Clock: f.clock, Repo: catalogrepo.Provide()})
	return NewService(ServiceParam{
		DB:            f.db,
		Log:           zap.NewNop(),
		GenID:         testutil.Node(t),
		Clock:         f.clock,
		Repo:          repository.Provide(),
		Renderer:      render.NewRenderer(),
		Catalog:       catalog,
		Subscriptions: f.subs,
		Usage:         f.usage,
		Provider:      provider,
	}).(*Service)
}

func (f *fixture) subscribe(t *testing.T, orgID snowflake.ID) *subscriptiondomain.Subscription {
	t.Helper()
	sub, err := f.subs.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{OrganizationID: orgID, PlanID: "starter"})
	require.NoError(t, err)
	return sub
}

func TestGenerateInvoiceItemizesAndIsRetrySafe(t *testing.T) {
	f := newFixture(t)
	sub := f.subscribe(t, 1)
	f.usage.totals[1] = []usagedomain.MetricTotal{{MetricID: "api-calls", TotalUsage: 2500, EventCount: 12}}
	svc := f.service(t, nil)
	f.clock.Set(april)
	ctx := context.Background()

	invoice, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1})
	require.NoError(t, err)
	assert.Equal(t, "INV-202604-0001", invoice.Number)
	assert.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	assert.Equal(t, sub.ID, invoice.SubscriptionID)
	assert.True(t, invoice.PeriodStart.Equal(march))
	assert.True(t, invoice.PeriodEnd.Equal(april))
	assert.Equal(t, "USD", invoice.Currency)

	require.Len(t, invoice.LineItems, 2)
	base, usage := invoice.LineItems[0], invoice.LineItems[1]
	assert.Equal(t, invoicedomain.LineItemBase, base.Kind)
	assert.Equal(t, "29.00", base.Amount.StringFixed(2))
	assert.Equal(t, invoicedomain.LineItemUsage, usage.Kind)
	require.NotNil(t, usage.MetricID)
	assert.Equal(t, "api-calls", *usage.MetricID)
	assert.Equal(t, 1500.0, usage.Quantity)
	assert.Equal(t, "calls", usage.Unit)
	assert.True(t, usage.UnitPrice.Equal(decimal.RequireFromString("0.0025")), usage.UnitPrice.String())
	assert.Equal(t, "3.75", usage.Amount.StringFixed(2))
	assert.Contains(t, usage.Description, "API calls")
	assert.Equal(t, "32.75", invoice.TotalAmount.StringFixed(2))

	metric, ok := invoice.Breakdown.Data().Metric("api-calls")
	require.True(t, ok)
	assert.Equal(t, 2500.0, metric.TotalUsage)

	again, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1, SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, again.ID)
	assert.Equal(t, invoice.Number, again.Number)

	f.subscribe(t, 2)
	second, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 2})
	require.NoError(t, err)
	assert.Equal(t, "INV-202604-0002", second.Number)
	require.Len(t, second.LineItems, 1)
	assert.Equal(t, "29.00", second.TotalAmount.StringFixed(2))
}

func TestGenerateInvoiceRequiresSubscriptionAndPeriod(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, nil)
	ctx := context.Background()

	_, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 9})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)

	_, err = svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidOrganization)

	f.subscribe(t, 1)
	_, err = svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1, PeriodStart: &april, PeriodEnd: &march})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)

	_, err = svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1, PeriodStart: &march})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPeriod)

	sub := f.subscribe(t, 2)
	_, err = f.subs.Cancel(ctx, subscriptiondomain.CancelRequest{OrganizationID: 2})
	require.NoError(t, err)
	invoice, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 2, SubscriptionID: sub.ID})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	assert.Nil(t, invoice)
}

func TestGenerateInvoiceNumbersAreUniqueUnderConcurrency(t *testing.T) {
	f := newFixture(t)
	const orgs = 6
	for i := 1; i <= orgs; i++ {
		f.subscribe(t, snowflake.ID(i))
	}
	svc := f.service(t, nil)
	f.clock.Set(april)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[string]bool{}
	)
	for i := 1; i <= orgs; i++ {
		wg.Add(1)
		go func(orgID snowflake.ID) {
			defer wg.Done()
			invoice, err := svc.GenerateInvoice(context.Background(), invoicedomain.GenerateInvoiceRequest{OrganizationID: orgID})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			numbers[invoice.Number] = true
			mu.Unlock()
		}(snowflake.ID(i))
	}
	wg.Wait()

	require.Len(t, numbers, orgs)
	for i := 1; i <= orgs; i++ {
		assert.True(t, numbers[fmt.Sprintf("INV-202604-%04d", i)])
	}
}

func TestInvoiceStatusTransitions(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	svc := f.service(t, nil)
	f.clock.Set(april)
	ctx := context.Background()

	invoice, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1})
	require.NoError(t, err)

	_, err = svc.MarkPaid(ctx, 1, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatusTransition)

	f.clock.Advance(time.Hour)
	open, err := svc.FinalizeInvoice(ctx, invoicedomain.FinalizeInvoiceRequest{OrganizationID: 1, InvoiceID: invoice.ID, ProviderInvoiceID: "in_123"})
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusOpen, open.Status)
	require.NotNil(t, open.FinalizedAt)
	require.NotNil(t, open.ProviderInvoiceID)
	assert.Equal(t, "in_123", *open.ProviderInvoiceID)

	_, err = svc.FinalizeInvoice(ctx, invoicedomain.FinalizeInvoiceRequest{OrganizationID: 1, InvoiceID: invoice.ID})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatusTransition)

	paid, err := svc.MarkPaid(ctx, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	_, err = svc.VoidInvoice(ctx, 1, invoice.ID, "duplicate")
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatusTransition)

	_, err = svc.GetInvoice(ctx, 2, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestVoidDraftAndListByStatus(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1)
	svc := f.service(t, nil)
	f.clock.Set(april)
	ctx := context.Background()

	invoice, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1})
	require.NoError(t, err)
	voided, err := svc.VoidInvoice(ctx, 1, invoice.ID, "customer churned")
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.InvoiceStatusVoid, voided.Status)
	require.NotNil(t, voided.VoidedAt)

	page, err := svc.ListInvoices(ctx, invoicedomain.ListInvoicesRequest{OrganizationID: 1, Status: "void"})
	require.NoError(t, err)
	require.Len(t, page.Invoices, 1)
	assert.False(t, page.HasMore)

	page, err = svc.ListInvoices(ctx, invoicedomain.ListInvoicesRequest{OrganizationID: 1, Status: "draft"})
	require.NoError(t, err)
	assert.Empty(t, page.Invoices)

	_, err = svc.ListInvoices(ctx, invoicedomain.ListInvoicesRequest{OrganizationID: 1, Status: "settled"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidStatus)
}

func TestGetArtifactPrefersProvider(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mock.NewMockProvider(ctrl)

	f := newFixture(t)
	f.subscribe(t, 1)
	svc := f.service(t, provider)
	f.clock.Set(april)
	ctx := context.Background()

	invoice, err := svc.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{OrganizationID: 1})
	require.NoError(t, err)

	local, err := svc.GetArtifact(ctx, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", local.ContentType)
	assert.Equal(t, invoice.Number+".pdf", local.Filename)
	assert.Equal(t, "%PDF", string(local.Body[:4]))

	_, err = svc.FinalizeInvoice(ctx, invoicedomain.FinalizeInvoiceRequest{OrganizationID: 1, InvoiceID: invoice.ID, ProviderInvoiceID: "in_remote"})
	require.NoError(t, err)

	remote := &paymentdomain.Artifact{ContentType: "application/pdf", URL: "https://files.example/in_remote.pdf"}
	provider.EXPECT().InvoiceArtifact(gomock.Any(), "in_remote").Return(remote, nil)
	got, err := svc.GetArtifact(ctx, 1, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, remote, got)

	provider.EXPECT().InvoiceArtifact(gomock.Any(), "in_remote").Return(nil, paymentdomain.ErrNotSupported)
	got, err = svc.GetArtifact(ctx, 1, invoice.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Body)

	provider.EXPECT().InvoiceArtifact(gomock.Any(), "in_remote").Return(nil, paymentdomain.ErrUnavailable)
	_, err = svc.GetArtifact(ctx, 1, invoice.ID)
	assert.ErrorIs(t, err, paymentdomain.ErrUnavailable)
}
