package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PricingModel string

const (
	PricingModelPerUnit   PricingModel = "per_unit"
	PricingModelTiered    PricingModel = "tiered"
	PricingModelVolume    PricingModel = "volume"
	PricingModelGraduated PricingModel = "graduated"
)

func (m PricingModel) Valid() bool {
	switch m {
	case PricingModelPerUnit, PricingModelTiered, PricingModelVolume, PricingModelGraduated:
		return true
	default:
		return false
	}
}

type BillingInterval string

const (
	BillingIntervalDay   BillingInterval = "day"
	BillingIntervalWeek  BillingInterval = "week"
	BillingIntervalMonth BillingInterval = "month"
	BillingIntervalYear  BillingInterval = "year"
)

func (i BillingInterval) Valid() bool {
	switch i {
	case BillingIntervalDay, BillingIntervalWeek, BillingIntervalMonth, BillingIntervalYear:
		return true
	default:
		return false
	}
}

// UsageMetric is an immutable catalog entry describing a countable unit.
type UsageMetric struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name        string    `json:"name" gorm:"type:text;not null"`
	Unit        string    `json:"unit" gorm:"type:varchar(32);not null"`
	Description string    `json:"description,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"created_at" gorm:"not null"`
}

func (UsageMetric) TableName() string { return "usage_metrics" }

// Tier covers [From, To). A nil To is unbounded.
type Tier struct {
	From      float64         `json:"from" mapstructure:"from"`
	To        *float64        `json:"to,omitempty" mapstructure:"to"`
	UnitPrice decimal.Decimal `json:"unit_price" mapstructure:"unit_price"`
	FlatFee   decimal.Decimal `json:"flat_fee" mapstructure:"flat_fee"`
}

type PricingRule struct {
	MetricID  string          `json:"metric_id" mapstructure:"metric_id"`
	Model     PricingModel    `json:"pricing_model" mapstructure:"pricing_model"`
	FreeTier  float64         `json:"free_tier" mapstructure:"free_tier"`
	UnitPrice decimal.Decimal `json:"unit_price" mapstructure:"unit_price"`
	Tiers     []Tier          `json:"tiers,omitempty" mapstructure:"tiers"`
}

// LimitTemplate is instantiated into an organization limit on subscribe.
type LimitTemplate struct {
	MetricID    string    `json:"metric_id" mapstructure:"metric_id"`
	LimitType   string    `json:"limit_type" mapstructure:"limit_type"`
	LimitValue  float64   `json:"limit_value" mapstructure:"limit_value"`
	ResetPeriod string    `json:"reset_period" mapstructure:"reset_period"`
	Thresholds  []float64 `json:"thresholds" mapstructure:"thresholds"`
}

// BillingPlan is immutable once stored; pricing changes ship as a new id.
type BillingPlan struct {
	ID              string                              `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name            string                              `json:"name" gorm:"type:text;not null"`
	Description     string                              `json:"description,omitempty" gorm:"type:text"`
	BasePrice       decimal.Decimal                     `json:"base_price" gorm:"type:numeric(20,6);not null"`
	Currency        string                              `json:"currency" gorm:"type:varchar(3);not null"`
	BillingInterval BillingInterval                     `json:"billing_interval" gorm:"type:varchar(16);not null"`
	PricingRules    datatypes.JSONType[[]PricingRule]   `json:"pricing_rules"`
	LimitTemplates  datatypes.JSONType[[]LimitTemplate] `json:"limit_templates"`
	Features        datatypes.JSONType[[]string]        `json:"features"`
	Active          bool                                `json:"active" gorm:"not null;default:true"`
	CreatedAt       time.Time                           `json:"created_at" gorm:"not null"`
}

func (BillingPlan) TableName() string { return "billing_plans" }

func (p BillingPlan) Rules() []PricingRule {
	return p.PricingRules.Data()
}

func (p BillingPlan) Limits() []LimitTemplate {
	return p.LimitTemplates.Data()
}

func (p BillingPlan) FeatureFlags() []string {
	return p.Features.Data()
}

// RuleFor returns the pricing rule for metricID, if the plan has one.
func (p BillingPlan) RuleFor(metricID string) (PricingRule, bool) {
	for _, rule := range p.Rules() {
		if rule.MetricID == metricID {
			return rule, true
		}
	}
	return PricingRule{}, false
}

func (p BillingPlan) HasFeature(flag string) bool {
	for _, f := range p.FeatureFlags() {
		if f == flag {
			return true
		}
	}
	return false
}
