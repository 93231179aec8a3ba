package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() limitdomain.Repository {
	return &repo{}
}

// UpsertLimit writes the limit keyed by (org, metric, reset period) and loads
// the stored row back into limit.
func (r *repo) UpsertLimit(ctx context.Context, conn *gorm.DB, limit *limitdomain.UsageLimit) error {
	err := conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "metric_id"}, {Name: "reset_period"}},
		DoUpdates: clause.AssignmentColumns([]string{"limit_type", "limit_value", "thresholds", "active", "updated_at"}),
	}).Create(limit).Error
	if err != nil {
		return db.Wrap("limit.upsert", err)
	}
	err = conn.WithContext(ctx).
		Where("org_id = ? AND metric_id = ? AND reset_period = ?", limit.OrgID, limit.MetricID, limit.ResetPeriod).
		First(limit).Error
	return db.Wrap("limit.upsert_reload", err)
}

func (r *repo) FindLimit(ctx context.Context, conn *gorm.DB, orgID, id snowflake.ID) (*limitdomain.UsageLimit, error) {
	var limit limitdomain.UsageLimit
	err := conn.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&limit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("limit.find", err)
	}
	return &limit, nil
}

func (r *repo) ListLimits(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, metricID string) ([]limitdomain.UsageLimit, error) {
	stmt := conn.WithContext(ctx).Where("org_id = ? AND active = ?", orgID, true)
	if metricID = strings.TrimSpace(metricID); metricID != "" {
		stmt = stmt.Where("metric_id = ?", metricID)
	}
	var items []limitdomain.UsageLimit
	if err := stmt.Order("metric_id ASC, reset_period ASC").Find(&items).Error; err != nil {
		return nil, db.Wrap("limit.list", err)
	}
	return items, nil
}

func (r *repo) DeleteLimit(ctx context.Context, conn *gorm.DB, orgID, id snowflake.ID) (bool, error) {
	result := conn.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).Delete(&limitdomain.UsageLimit{})
	if result.Error != nil {
		return false, db.Wrap("limit.delete", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindUnresolvedAlert(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, metricID string, alertType limitdomain.AlertType) (*limitdomain.UsageAlert, error) {
	var alert limitdomain.UsageAlert
	err := conn.WithContext(ctx).
		Where("dedupe_key = ?", limitdomain.DedupeKey(orgID, metricID, alertType)).
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("limit.find_unresolved_alert", err)
	}
	return &alert, nil
}

// InsertAlert relies on the unique dedupe_key index; a conflicting insert is
// dropped and reported as false.
func (r *repo) InsertAlert(ctx context.Context, conn *gorm.DB, alert *limitdomain.UsageAlert) (bool, error) {
	result := conn.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(alert)
	if result.Error != nil {
		if db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, db.Wrap("limit.insert_alert", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAlert(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*limitdomain.UsageAlert, error) {
	var alert limitdomain.UsageAlert
	err := conn.WithContext(ctx).Where("id = ?", id).First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("limit.find_alert", err)
	}
	return &alert, nil
}

// ResolveAlert frees the dedupe slot. It reports false when the alert was
// already resolved.
func (r *repo) ResolveAlert(ctx context.Context, conn *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	result := conn.WithContext(ctx).
		Model(&limitdomain.UsageAlert{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{
			"resolved":    true,
			"resolved_at": at.UTC(),
			"dedupe_key":  gorm.Expr("NULL"),
		})
	if result.Error != nil {
		return false, db.Wrap("limit.resolve_alert", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListAlerts(ctx context.Context, conn *gorm.DB, filter limitdomain.AlertFilter) ([]limitdomain.UsageAlert, error) {
	stmt := conn.WithContext(ctx).Where("org_id = ?", filter.OrgID)
	if metricID := strings.TrimSpace(filter.MetricID); metricID != "" {
		stmt = stmt.Where("metric_id = ?", metricID)
	}
	if filter.Unresolved {
		stmt = stmt.Where("resolved = ?", false)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var items []limitdomain.UsageAlert
	if err := stmt.Order("created_at DESC, id DESC").Limit(limit).Find(&items).Error; err != nil {
		return nil, db.Wrap("limit.list_alerts", err)
	}
	return items, nil
}
