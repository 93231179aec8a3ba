package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/option"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const incrementSummaryUpsert = `INSERT INTO usage_summaries
	(id, org_id, metric_id, period_start, period_end, total_usage, event_count, unit, reported_usage, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	ON CONFLICT (org_id, metric_id, period_start) DO UPDATE SET
		total_usage = usage_summaries.total_usage + excluded.total_usage,
		event_count = usage_summaries.event_count + excluded.event_count,
		updated_at = excluded.updated_at`

const incrementSummaryMySQL = `INSERT INTO usage_summaries
	(id, org_id, metric_id, period_start, period_end, total_usage, event_count, unit, reported_usage, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	ON DUPLICATE KEY UPDATE
		total_usage = total_usage + VALUES(total_usage),
		event_count = event_count + VALUES(event_count),
		updated_at = VALUES(updated_at)`

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, conn *gorm.DB, event *usagedomain.UsageEvent) (bool, error) {
	stmt := conn.WithContext(ctx)
	if event.IdempotencyKey != nil {
		stmt = stmt.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "idempotency_key"}},
			DoNothing: true,
		})
	}
	result := stmt.Create(event)
	if result.Error != nil {
		if event.IdempotencyKey != nil && db.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, db.Wrap("usage.insert_event", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindEventByIdempotencyKey(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, key string) (*usagedomain.UsageEvent, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil
	}
	var event usagedomain.UsageEvent
	err := conn.WithContext(ctx).
		Where("org_id = ? AND idempotency_key = ?", orgID, key).
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("usage.find_event", err)
	}
	return &event, nil
}

func (r *repo) ListEvents(ctx context.Context, conn *gorm.DB, filter usagedomain.EventFilter, page pagination.Pagination) ([]*usagedomain.UsageEvent, error) {
	opts := append(eventFilterOptions(filter),
		option.ApplyPagination(page),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}}),
	)
	stmt := conn.WithContext(ctx).Model(&usagedomain.UsageEvent{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	var items []*usagedomain.UsageEvent
	if err := stmt.Find(&items).Error; err != nil {
		return nil, db.Wrap("usage.list_events", err)
	}
	return items, nil
}

func (r *repo) StreamEvents(ctx context.Context, conn *gorm.DB, filter usagedomain.EventFilter, batch int, fn func([]usagedomain.UsageEvent) error) error {
	if batch <= 0 {
		batch = 500
	}
	stmt := conn.WithContext(ctx).Model(&usagedomain.UsageEvent{})
	for _, opt := range eventFilterOptions(filter) {
		stmt = opt.Apply(stmt)
	}
	var rows []usagedomain.UsageEvent
	result := stmt.Order("id ASC").FindInBatches(&rows, batch, func(tx *gorm.DB, _ int) error {
		return fn(rows)
	})
	return db.Wrap("usage.stream_events", result.Error)
}

func eventFilterOptions(filter usagedomain.EventFilter) []option.QueryOption {
	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "org_id", Operator: option.EQ, Value: filter.OrgID}),
	}
	if filter.MetricID != "" {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "metric_id", Operator: option.EQ, Value: filter.MetricID}))
	}
	if !filter.From.IsZero() {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "recorded_at", Operator: option.GTE, Value: filter.From.UTC()}))
	}
	if !filter.To.IsZero() {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "recorded_at", Operator: option.LT, Value: filter.To.UTC()}))
	}
	return opts
}

// IncrementSummary adds delta to the window row in one statement so
// concurrent writers for the same partition serialize on the row.
func (r *repo) IncrementSummary(ctx context.Context, conn *gorm.DB, delta usagedomain.SummaryDelta) error {
	query := incrementSummaryUpsert
	if db.DialectName(conn) == db.DialectMySQL {
		query = incrementSummaryMySQL
	}
	err := conn.WithContext(ctx).Exec(query,
		delta.ID,
		delta.OrgID,
		delta.MetricID,
		delta.PeriodStart.UTC(),
		delta.PeriodEnd.UTC(),
		delta.Quantity,
		delta.Events,
		delta.Unit,
		delta.At,
		delta.At,
	).Error
	return db.Wrap("usage.increment_summary", err)
}

func (r *repo) FindSummary(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, metricID string, periodStart time.Time) (*usagedomain.UsageSummary, error) {
	var summary usagedomain.UsageSummary
	err := conn.WithContext(ctx).
		Where("org_id = ? AND metric_id = ? AND period_start = ?", orgID, metricID, periodStart.UTC()).
		First(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("usage.find_summary", err)
	}
	return &summary, nil
}

func (r *repo) ListSummaries(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, periodStart time.Time) ([]usagedomain.UsageSummary, error) {
	var items []usagedomain.UsageSummary
	err := conn.WithContext(ctx).
		Where("org_id = ? AND period_start = ?", orgID, periodStart.UTC()).
		Order("metric_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, db.Wrap("usage.list_summaries", err)
	}
	return items, nil
}

func (r *repo) ReplaceSummary(ctx context.Context, conn *gorm.DB, summary *usagedomain.UsageSummary) error {
	err := conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "metric_id"}, {Name: "period_start"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_usage", "event_count", "updated_at"}),
	}).Create(summary).Error
	return db.Wrap("usage.replace_summary", err)
}

func (r *repo) ListUnreported(ctx context.Context, conn *gorm.DB, limit int) ([]usagedomain.UsageSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	var items []usagedomain.UsageSummary
	err := conn.WithContext(ctx).
		Where("total_usage > reported_usage").
		Order("updated_at ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, db.Wrap("usage.list_unreported", err)
	}
	return items, nil
}

func (r *repo) AdvanceReported(ctx context.Context, conn *gorm.DB, id snowflake.ID, expected, next float64) error {
	result := conn.WithContext(ctx).
		Model(&usagedomain.UsageSummary{}).
		Where("id = ? AND reported_usage = ?", id, expected).
		Updates(map[string]any{
			"reported_usage": next,
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return db.Wrap("usage.advance_reported", result.Error)
	}
	if result.RowsAffected == 0 {
		return db.ErrConcurrencyConflict
	}
	return nil
}

func (r *repo) SumEvents(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, metricID string, from, to time.Time) (usagedomain.MetricTotal, error) {
	total := usagedomain.MetricTotal{MetricID: metricID}
	err := conn.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Select("COALESCE(SUM(quantity), 0) AS total_usage, COUNT(*) AS event_count").
		Where("org_id = ? AND metric_id = ? AND recorded_at >= ? AND recorded_at < ?", orgID, metricID, from.UTC(), to.UTC()).
		Scan(&total).Error
	if err != nil {
		return usagedomain.MetricTotal{}, db.Wrap("usage.sum_events", err)
	}
	total.MetricID = metricID
	return total, nil
}

func (r *repo) TotalsByMetric(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, from, to time.Time) ([]usagedomain.MetricTotal, error) {
	var rows []usagedomain.MetricTotal
	err := conn.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Select("metric_id, COALESCE(SUM(quantity), 0) AS total_usage, COUNT(*) AS event_count").
		Where("org_id = ? AND recorded_at >= ? AND recorded_at < ?", orgID, from.UTC(), to.UTC()).
		Group("metric_id").
		Order("metric_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, db.Wrap("usage.totals_by_metric", err)
	}
	return rows, nil
}

func (r *repo) ListActiveOrgMetrics(ctx context.Context, conn *gorm.DB, since time.Time) ([]usagedomain.OrgMetric, error) {
	var rows []usagedomain.OrgMetric
	err := conn.WithContext(ctx).
		Model(&usagedomain.UsageEvent{}).
		Distinct("org_id", "metric_id").
		Where("recorded_at >= ?", since.UTC()).
		Order("org_id ASC, metric_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, db.Wrap("usage.active_org_metrics", err)
	}
	return rows, nil
}
