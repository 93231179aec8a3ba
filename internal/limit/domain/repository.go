package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	UpsertLimit(ctx context.Context, db *gorm.DB, limit *UsageLimit) error
	FindLimit(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*UsageLimit, error)
	ListLimits(ctx context.Context, db *gorm.DB, orgID snowflake.ID, metricID string) ([]UsageLimit, error)
	DeleteLimit(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (bool, error)

	FindUnresolvedAlert(ctx context.Context, db *gorm.DB, orgID snowflake.ID, metricID string, alertType AlertType) (*UsageAlert, error)
	// InsertAlert reports false when an unresolved alert already holds the slot.
	InsertAlert(ctx context.Context, db *gorm.DB, alert *UsageAlert) (bool, error)
	FindAlert(ctx context.Context, db *gorm.DB, id snowflake.ID) (*UsageAlert, error)
	ResolveAlert(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	ListAlerts(ctx context.Context, db *gorm.DB, filter AlertFilter) ([]UsageAlert, error)
}

type AlertFilter struct {
	OrgID      snowflake.ID
	MetricID   string
	Unresolved bool
	Limit      int
}
