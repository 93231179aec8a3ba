package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/option"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	err := conn.WithContext(ctx).Create(subscription).Error
	if db.IsDuplicateKeyErr(err) {
		return subscriptiondomain.ErrSubscriptionExists
	}
	return db.Wrap("subscription.insert", err)
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&sub).Error
	return found(&sub, "subscription.find", err)
}

func (r *repo) FindActiveByOrgID(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := conn.WithContext(ctx).Where("active_org_id = ?", orgID).First(&sub).Error
	return found(&sub, "subscription.find_active", err)
}

func (r *repo) FindActiveByOrgIDForUpdate(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	stmt := option.ForUpdate().Apply(conn.WithContext(ctx))
	err := stmt.Where("active_org_id = ?", orgID).First(&sub).Error
	return found(&sub, "subscription.find_active_for_update", err)
}

func (r *repo) UpdatePlan(ctx context.Context, conn *gorm.DB, id snowflake.ID, planID string, at time.Time) error {
	return exec(ctx, conn, "subscription.update_plan",
		`UPDATE subscriptions
		SET plan_id = ?, plan_changed_at = ?, updated_at = ?
		WHERE id = ? AND active_org_id IS NOT NULL`,
		planID, at, at, id,
	)
}

func (r *repo) ScheduleCancel(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) error {
	return exec(ctx, conn, "subscription.schedule_cancel",
		`UPDATE subscriptions
		SET cancel_at_period_end = ?, updated_at = ?
		WHERE id = ? AND active_org_id IS NOT NULL`,
		true, at, id,
	)
}

func (r *repo) Cancel(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) error {
	return exec(ctx, conn, "subscription.cancel",
		`UPDATE subscriptions
		SET status = ?, active_org_id = NULL, canceled_at = ?, updated_at = ?
		WHERE id = ? AND active_org_id IS NOT NULL`,
		subscriptiondomain.SubscriptionStatusCanceled, at, at, id,
	)
}

func (r *repo) AdvancePeriod(ctx context.Context, conn *gorm.DB, id snowflake.ID, expectedEnd time.Time, next time.Time, at time.Time) error {
	return exec(ctx, conn, "subscription.advance_period",
		`UPDATE subscriptions
		SET current_period_start = current_period_end, current_period_end = ?, updated_at = ?
		WHERE id = ? AND current_period_end = ? AND active_org_id IS NOT NULL`,
		next, at, id, expectedEnd,
	)
}

func (r *repo) ListDue(ctx context.Context, conn *gorm.DB, before time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []subscriptiondomain.Subscription
	err := conn.WithContext(ctx).
		Where("active_org_id IS NOT NULL AND current_period_end <= ?", before).
		Order("current_period_end ASC, id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, db.Wrap("subscription.list_due", err)
	}
	return items, nil
}

func (r *repo) ListLinked(ctx context.Context, conn *gorm.DB) ([]subscriptiondomain.Subscription, error) {
	var items []subscriptiondomain.Subscription
	err := conn.WithContext(ctx).
		Where("active_org_id IS NOT NULL AND provider_subscription_id IS NOT NULL").
		Order("id ASC").
		Find(&items).Error
	if err != nil {
		return nil, db.Wrap("subscription.list_linked", err)
	}
	return items, nil
}

func found(sub *subscriptiondomain.Subscription, op string, err error) (*subscriptiondomain.Subscription, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap(op, err)
	}
	return sub, nil
}

// exec runs a guarded update and reports a lost race when no row matched.
func exec(ctx context.Context, conn *gorm.DB, op string, query string, args ...any) error {
	result := conn.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return db.Wrap(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return db.ErrConcurrencyConflict
	}
	return nil
}
