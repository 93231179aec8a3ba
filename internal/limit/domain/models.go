package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/billingperiod"
	"gorm.io/datatypes"
)

type LimitType string

const (
	LimitTypeHard        LimitType = "hard"
	LimitTypeSoft        LimitType = "soft"
	LimitTypeBillingOnly LimitType = "billing_only"
)

func (t LimitType) Valid() bool {
	switch t {
	case LimitTypeHard, LimitTypeSoft, LimitTypeBillingOnly:
		return true
	default:
		return false
	}
}

type ResetPeriod string

const (
	ResetDaily   ResetPeriod = "daily"
	ResetWeekly  ResetPeriod = "weekly"
	ResetMonthly ResetPeriod = "monthly"
	ResetYearly  ResetPeriod = "yearly"
)

func (p ResetPeriod) Valid() bool {
	switch p {
	case ResetDaily, ResetWeekly, ResetMonthly, ResetYearly:
		return true
	default:
		return false
	}
}

func (p ResetPeriod) Granularity() billingperiod.Granularity {
	switch p {
	case ResetDaily:
		return billingperiod.Day
	case ResetWeekly:
		return billingperiod.Week
	case ResetYearly:
		return billingperiod.Year
	default:
		return billingperiod.Month
	}
}

type AlertType string

const (
	AlertThresholdExceeded AlertType = "threshold_exceeded"
	AlertLimitExceeded     AlertType = "limit_exceeded"
	AlertAnomalyDetected   AlertType = "anomaly_detected"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps a usage percentage (or threshold) to an alert severity.
func SeverityFor(percentage float64) Severity {
	switch {
	case percentage >= 95:
		return SeverityCritical
	case percentage >= 80:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

type UsageLimit struct {
	ID          snowflake.ID                  `json:"id" gorm:"primaryKey"`
	OrgID       snowflake.ID                  `json:"organization_id" gorm:"column:org_id;not null;uniqueIndex:ux_usage_limits_scope"`
	MetricID    string                        `json:"metric_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_limits_scope"`
	LimitType   LimitType                     `json:"limit_type" gorm:"type:varchar(16);not null"`
	LimitValue  float64                       `json:"limit_value" gorm:"type:numeric;not null"`
	ResetPeriod ResetPeriod                   `json:"reset_period" gorm:"type:varchar(16);not null;uniqueIndex:ux_usage_limits_scope"`
	Thresholds  datatypes.JSONType[[]float64] `json:"thresholds"`
	Active      bool                          `json:"active" gorm:"not null;default:true"`
	CreatedAt   time.Time                     `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time                     `json:"updated_at" gorm:"not null"`
}

func (UsageLimit) TableName() string { return "usage_limits" }

type UsageAlert struct {
	ID           snowflake.ID  `json:"id" gorm:"primaryKey"`
	OrgID        snowflake.ID  `json:"organization_id" gorm:"column:org_id;not null;index"`
	MetricID     string        `json:"metric_id" gorm:"type:varchar(64);not null"`
	LimitID      *snowflake.ID `json:"limit_id,omitempty"`
	AlertType    AlertType     `json:"alert_type" gorm:"type:varchar(32);not null"`
	Threshold    float64       `json:"threshold" gorm:"type:numeric;not null"`
	CurrentUsage float64       `json:"current_usage" gorm:"type:numeric;not null"`
	LimitValue   float64       `json:"limit_value" gorm:"type:numeric;not null"`
	Severity     Severity      `json:"severity" gorm:"type:varchar(16);not null"`
	Message      string        `json:"message" gorm:"type:text"`
	Resolved     bool          `json:"resolved" gorm:"not null;default:false"`
	DedupeKey    *string       `json:"-" gorm:"type:varchar(160);uniqueIndex"`
	CreatedAt    time.Time     `json:"created_at" gorm:"not null"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty"`
}

func (UsageAlert) TableName() string { return "usage_alerts" }

// DedupeKey identifies the single unresolved alert slot for a scope.
func DedupeKey(orgID snowflake.ID, metricID string, alertType AlertType) string {
	return fmt.Sprintf("%d:%s:%s", orgID, metricID, alertType)
}

// LimitStatus is a limit merged with its current window usage.
type LimitStatus struct {
	Limit        UsageLimit           `json:"limit"`
	Window       billingperiod.Period `json:"window"`
	CurrentUsage float64              `json:"current_usage"`
	Percentage   float64              `json:"percentage"`
	Remaining    float64              `json:"remaining"`
	Exceeded     bool                 `json:"exceeded"`
}

// QuotaCheck is the answer to "may this organization consume Requested more".
// Unlimited means no hard limit applies to the metric.
type QuotaCheck struct {
	MetricID     string    `json:"metric_id"`
	Allowed      bool      `json:"allowed"`
	Unlimited    bool      `json:"unlimited"`
	LimitType    LimitType `json:"limit_type,omitempty"`
	LimitValue   float64   `json:"limit_value,omitempty"`
	CurrentUsage float64   `json:"current_usage"`
	Requested    float64   `json:"requested"`
	Remaining    float64   `json:"remaining"`
}
