// Package domain contains the persistence models for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// UsageEvent is one immutable unit of metered activity.
type UsageEvent struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID          snowflake.ID      `json:"organization_id" gorm:"column:org_id;not null;index:idx_usage_events_scope,priority:1;uniqueIndex:ux_usage_events_idempotency,priority:1"`
	MetricID       string            `json:"metric_id" gorm:"type:varchar(64);not null;index:idx_usage_events_scope,priority:2"`
	Quantity       float64           `json:"quantity" gorm:"type:numeric;not null"`
	RecordedAt     time.Time         `json:"timestamp" gorm:"not null;index:idx_usage_events_scope,priority:3"`
	IdempotencyKey *string           `json:"idempotency_key,omitempty" gorm:"type:varchar(128);uniqueIndex:ux_usage_events_idempotency,priority:2"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at" gorm:"not null"`
}

func (UsageEvent) TableName() string { return "usage_events" }

// UsageSummary is the running aggregate of one metric for one organization
// over one summary window. ReportedUsage is the part of TotalUsage already
// pushed to the payment provider.
type UsageSummary struct {
	ID            snowflake.ID     `json:"id" gorm:"primaryKey"`
	OrgID         snowflake.ID     `json:"organization_id" gorm:"column:org_id;not null;uniqueIndex:ux_usage_summaries_window,priority:1"`
	MetricID      string           `json:"metric_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_summaries_window,priority:2"`
	PeriodStart   time.Time        `json:"period_start" gorm:"not null;uniqueIndex:ux_usage_summaries_window,priority:3"`
	PeriodEnd     time.Time        `json:"period_end" gorm:"not null"`
	TotalUsage    float64          `json:"total_usage" gorm:"type:numeric;not null;default:0"`
	EventCount    int64            `json:"event_count" gorm:"not null;default:0"`
	Unit          string           `json:"unit" gorm:"type:varchar(32)"`
	ReportedUsage float64          `json:"-" gorm:"type:numeric;not null;default:0"`
	CurrentCost   *decimal.Decimal `json:"current_cost,omitempty" gorm:"-"`
	CreatedAt     time.Time        `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time        `json:"updated_at" gorm:"not null"`
}

func (UsageSummary) TableName() string { return "usage_summaries" }

// SummaryDelta is one atomic increment of a summary window.
type SummaryDelta struct {
	ID          snowflake.ID
	OrgID       snowflake.ID
	MetricID    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Unit        string
	Quantity    float64
	Events      int64
	At          time.Time
}

// MetricTotal is the sum of one metric's events over a range.
type MetricTotal struct {
	MetricID   string  `json:"metric_id"`
	TotalUsage float64 `json:"total_usage"`
	EventCount int64   `json:"event_count"`
}
