package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Service interface {
	CreateMetric(ctx context.Context, req CreateMetricRequest) (*UsageMetric, error)
	GetMetric(ctx context.Context, id string) (*UsageMetric, error)
	ListMetrics(ctx context.Context) ([]UsageMetric, error)

	CreatePlan(ctx context.Context, req CreatePlanRequest) (*BillingPlan, error)
	GetPlan(ctx context.Context, id string) (*BillingPlan, error)
	ListPlans(ctx context.Context, activeOnly bool) ([]BillingPlan, error)
}

type CreateMetricRequest struct {
	ID          string `json:"id" mapstructure:"id"`
	Name        string `json:"name" mapstructure:"name"`
	Unit        string `json:"unit" mapstructure:"unit"`
	Description string `json:"description" mapstructure:"description"`
}

type CreatePlanRequest struct {
	ID              string          `json:"id" mapstructure:"id"`
	Name            string          `json:"name" mapstructure:"name"`
	Description     string          `json:"description" mapstructure:"description"`
	BasePrice       decimal.Decimal `json:"base_price" mapstructure:"base_price"`
	Currency        string          `json:"currency" mapstructure:"currency"`
	BillingInterval BillingInterval `json:"billing_interval" mapstructure:"billing_interval"`
	PricingRules    []PricingRule   `json:"pricing_rules" mapstructure:"pricing_rules"`
	LimitTemplates  []LimitTemplate `json:"limit_templates" mapstructure:"limit_templates"`
	Features        []string        `json:"features" mapstructure:"features"`
	Inactive        bool            `json:"inactive" mapstructure:"inactive"`
}

var (
	ErrInvalidMetricID     = errors.New("invalid_metric_id")
	ErrInvalidMetricName   = errors.New("invalid_metric_name")
	ErrInvalidUnit         = errors.New("invalid_unit")
	ErrMetricExists        = errors.New("metric_already_exists")
	ErrMetricNotFound      = errors.New("metric_not_found")
	ErrInvalidPlanID       = errors.New("invalid_plan_id")
	ErrInvalidPlanName     = errors.New("invalid_plan_name")
	ErrInvalidBasePrice    = errors.New("invalid_base_price")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidInterval     = errors.New("invalid_billing_interval")
	ErrInvalidPricingModel = errors.New("invalid_pricing_model")
	ErrInvalidPricingRule  = errors.New("invalid_pricing_rule")
	ErrDuplicatePricing    = errors.New("duplicate_pricing_rule")
	ErrInvalidTier         = errors.New("invalid_tier")
	ErrInvalidLimit        = errors.New("invalid_limit_template")
	ErrPlanExists          = errors.New("plan_already_exists")
	ErrPlanNotFound        = errors.New("plan_not_found")
)
