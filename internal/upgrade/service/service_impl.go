package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	upgradedomain "github.com/smallbiznis/tally/internal/upgrade/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// projectionWindow is the trailing usage the next-cycle projection prices.
const projectionWindow = 30 * 24 * time.Hour

const dateLayout = "Jan 2, 2006"

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Catalog       catalogdomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
	Provider      paymentdomain.Provider `optional:"true"`
}

type Service struct {
	log           *zap.Logger
	clock         clock.Clock
	catalog       catalogdomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Service
	provider      paymentdomain.Provider
}

func NewService(p ServiceParam) upgradedomain.Service {
	return &Service{
		log:           p.Log.Named("upgrade.service"),
		clock:         p.Clock,
		catalog:       p.Catalog,
		subscriptions: p.Subscriptions,
		usage:         p.Usage,
		provider:      p.Provider,
	}
}

func (s *Service) PreviewUpgrade(ctx context.Context, orgID snowflake.ID, targetPlanID string) (*upgradedomain.UpgradePreview, error) {
	orgID, err := orgcontext.Resolve(ctx, orgID, upgradedomain.ErrInvalidOrganization)
	if err != nil {
		return nil, err
	}

	sub, err := s.subscriptions.GetActive(ctx, orgID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, upgradedomain.ErrNoActiveSubscription
	}
	if err != nil {
		return nil, err
	}

	current, err := s.loadPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	target, err := s.loadPlan(ctx, strings.TrimSpace(targetPlanID))
	if err != nil {
		return nil, err
	}
	if !target.Active {
		return nil, upgradedomain.ErrPlanNotFound
	}
	if current.Currency != target.Currency {
		return nil, upgradedomain.ErrCurrencyMismatch
	}

	now := s.clock.Now().UTC()
	period := sub.Period()
	totalDays := period.Days()
	remainingDays := billingperiod.CeilDays(period.End.Sub(now))
	if remainingDays > totalDays {
		remainingDays = totalDays
	}

	preview := &upgradedomain.UpgradePreview{
		OrganizationID: orgID,
		SubscriptionID: sub.ID,
		CurrentPlanID:  current.ID,
		TargetPlanID:   target.ID,
		Currency:       target.Currency,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		TotalDays:      totalDays,
		RemainingDays:  remainingDays,
		ProratedAmount: decimal.Zero,
		EffectiveDate:  now,
	}

	if totalDays > 0 {
		days := decimal.NewFromInt(int64(totalDays))
		preview.CurrentDailyRate = current.BasePrice.DivRound(days, 6)
		preview.TargetDailyRate = target.BasePrice.DivRound(days, 6)

		prorated := target.BasePrice.Sub(current.BasePrice).
			Mul(decimal.NewFromInt(int64(remainingDays))).
			DivRound(days, 2)
		if prorated.IsPositive() {
			preview.ProratedAmount = prorated
		}
	}

	totals, err := s.usage.UsageInRange(ctx, orgID, billingperiod.New(now.Add(-projectionWindow), now))
	if err != nil {
		return nil, err
	}
	usages := make([]pricing.Usage, 0, len(totals))
	for _, total := range totals {
		usages = append(usages, pricing.Usage{MetricID: total.MetricID, TotalUsage: total.TotalUsage})
	}
	interval, err := billingperiod.ParseGranularity(string(target.BillingInterval))
	if err != nil {
		interval = billingperiod.Month
	}
	nextCycle := billingperiod.New(period.End, billingperiod.Advance(period.End, interval))
	preview.Projection = pricing.CalculateUsageCost(usages, *target, nextCycle)
	preview.ProjectedNextCycle = preview.Projection.TotalCost.Round(2)
	preview.BillingImpact = describe(preview, target.Name)

	if s.provider != nil && sub.ProviderSubscriptionID != nil {
		upcoming, err := s.provider.UpcomingInvoice(ctx, *sub.ProviderSubscriptionID)
		if err != nil {
			s.log.Warn("provider upcoming invoice unavailable",
				zap.String("org_id", orgID.String()),
				zap.String("provider", s.provider.Name()),
				zap.Error(err),
			)
		} else {
			preview.ProviderPreview = upcoming
		}
	}
	return preview, nil
}

func (s *Service) loadPlan(ctx context.Context, id string) (*catalogdomain.BillingPlan, error) {
	if id == "" {
		return nil, upgradedomain.ErrPlanNotFound
	}
	plan, err := s.catalog.GetPlan(ctx, id)
	if errors.Is(err, catalogdomain.ErrPlanNotFound) {
		return nil, upgradedomain.ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func describe(p *upgradedomain.UpgradePreview, planName string) string {
	next := fmt.Sprintf("%s %s", p.Currency, p.ProjectedNextCycle.StringFixed(2))
	if p.ChargedToday() {
		return fmt.Sprintf(
			"You will be charged %s %s today for the remaining %d of %d days in this period. Your next invoice on %s is projected at %s on %s.",
			p.Currency, p.ProratedAmount.StringFixed(2), p.RemainingDays, p.TotalDays,
			p.PeriodEnd.Format(dateLayout), next, planName,
		)
	}
	return fmt.Sprintf(
		"No charge today. %s applies from the next cycle only, starting %s, with a projected invoice of %s.",
		planName, p.PeriodEnd.Format(dateLayout), next,
	)
}
