// Package domain contains persistence models for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/billingperiod"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// Subscription binds an organization to a billing plan for consecutive
// periods of the plan's interval.
//
// ActiveOrgID mirrors OrgID while the subscription is live and is cleared on
// cancellation, so the unique index admits one live subscription per org.
type Subscription struct {
	ID                     snowflake.ID                          `json:"id" gorm:"primaryKey"`
	OrgID                  snowflake.ID                          `json:"organization_id" gorm:"column:org_id;not null;index"`
	ActiveOrgID            *snowflake.ID                         `json:"-" gorm:"column:active_org_id;uniqueIndex"`
	PlanID                 string                                `json:"plan_id" gorm:"type:varchar(64);not null"`
	Status                 SubscriptionStatus                    `json:"status" gorm:"type:varchar(16);not null"`
	Interval               billingperiod.Granularity             `json:"interval" gorm:"column:billing_interval;type:varchar(16);not null"`
	CurrentPeriodStart     time.Time                             `json:"current_period_start" gorm:"not null"`
	CurrentPeriodEnd       time.Time                             `json:"current_period_end" gorm:"not null;index"`
	CancelAtPeriodEnd      bool                                  `json:"cancel_at_period_end" gorm:"not null;default:false"`
	CanceledAt             *time.Time                            `json:"canceled_at,omitempty"`
	PlanChangedAt          *time.Time                            `json:"plan_changed_at,omitempty"`
	ProviderSubscriptionID *string                               `json:"provider_subscription_id,omitempty" gorm:"type:varchar(128)"`
	ProviderItems          datatypes.JSONType[map[string]string] `json:"provider_items"`
	Metadata               datatypes.JSONMap                     `json:"metadata,omitempty"`
	CreatedAt              time.Time                             `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time                             `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

func (s Subscription) Period() billingperiod.Period {
	return billingperiod.New(s.CurrentPeriodStart, s.CurrentPeriodEnd)
}

func (s Subscription) Live() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPastDue
}

// ProviderItem returns the remote subscription item usage of metricID is
// reported against.
func (s Subscription) ProviderItem(metricID string) (string, bool) {
	items := s.ProviderItems.Data()
	if items == nil {
		return "", false
	}
	id, ok := items[metricID]
	return id, ok && id != ""
}
