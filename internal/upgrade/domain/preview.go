// Package domain describes mid-cycle plan change previews.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/internal/pricing"
)

// UpgradePreview is computed on demand and never stored.
type UpgradePreview struct {
	OrganizationID snowflake.ID `json:"organization_id"`
	SubscriptionID snowflake.ID `json:"subscription_id"`
	CurrentPlanID  string       `json:"current_plan_id"`
	TargetPlanID   string       `json:"target_plan_id"`
	Currency       string       `json:"currency"`

	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	TotalDays     int       `json:"total_days"`
	RemainingDays int       `json:"remaining_days"`

	CurrentDailyRate decimal.Decimal `json:"current_daily_rate"`
	TargetDailyRate  decimal.Decimal `json:"target_daily_rate"`
	// ProratedAmount is due today; downgrades never produce a credit.
	ProratedAmount     decimal.Decimal              `json:"prorated_amount"`
	ProjectedNextCycle decimal.Decimal              `json:"projected_next_cycle"`
	Projection         pricing.UsageCostCalculation `json:"projection"`
	EffectiveDate      time.Time                    `json:"effective_date"`
	BillingImpact      string                       `json:"billing_impact"`

	ProviderPreview *paymentdomain.UpcomingInvoice `json:"provider_preview,omitempty"`
}

// ChargedToday reports whether switching now triggers an immediate charge.
func (p UpgradePreview) ChargedToday() bool {
	return p.ProratedAmount.IsPositive()
}

type Service interface {
	PreviewUpgrade(ctx context.Context, orgID snowflake.ID, targetPlanID string) (*UpgradePreview, error)
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	ErrPlanNotFound         = errors.New("plan_not_found")
	ErrCurrencyMismatch     = errors.New("currency_mismatch")
)
