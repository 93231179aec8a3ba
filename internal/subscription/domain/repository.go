package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	FindActiveByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	FindActiveByOrgIDForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	UpdatePlan(ctx context.Context, db *gorm.DB, id snowflake.ID, planID string, at time.Time) error
	ScheduleCancel(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	Cancel(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	// AdvancePeriod moves the period forward only while it still ends at
	// expectedEnd.
	AdvancePeriod(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedEnd time.Time, next time.Time, at time.Time) error
	ListDue(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Subscription, error)
	ListLinked(ctx context.Context, db *gorm.DB) ([]Subscription, error)
}
