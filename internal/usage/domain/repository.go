package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// InsertEvent reports false when the idempotency key is already taken.
	InsertEvent(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	FindEventByIdempotencyKey(ctx context.Context, db *gorm.DB, orgID snowflake.ID, key string) (*UsageEvent, error)
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter, page pagination.Pagination) ([]*UsageEvent, error)
	StreamEvents(ctx context.Context, db *gorm.DB, filter EventFilter, batch int, fn func([]UsageEvent) error) error

	IncrementSummary(ctx context.Context, db *gorm.DB, delta SummaryDelta) error
	FindSummary(ctx context.Context, db *gorm.DB, orgID snowflake.ID, metricID string, periodStart time.Time) (*UsageSummary, error)
	ListSummaries(ctx context.Context, db *gorm.DB, orgID snowflake.ID, periodStart time.Time) ([]UsageSummary, error)
	ReplaceSummary(ctx context.Context, db *gorm.DB, summary *UsageSummary) error

	// ListUnreported returns summaries whose total is ahead of the reported watermark.
	ListUnreported(ctx context.Context, db *gorm.DB, limit int) ([]UsageSummary, error)
	// AdvanceReported moves the watermark from expected to next and fails
	// with db.ErrConcurrencyConflict when another reporter got there first.
	AdvanceReported(ctx context.Context, db *gorm.DB, id snowflake.ID, expected, next float64) error

	SumEvents(ctx context.Context, db *gorm.DB, orgID snowflake.ID, metricID string, from, to time.Time) (MetricTotal, error)
	TotalsByMetric(ctx context.Context, db *gorm.DB, orgID snowflake.ID, from, to time.Time) ([]MetricTotal, error)
	ListActiveOrgMetrics(ctx context.Context, db *gorm.DB, since time.Time) ([]OrgMetric, error)
}

// EventFilter narrows event reads. Zero values mean no constraint.
type EventFilter struct {
	OrgID    snowflake.ID
	MetricID string
	From     time.Time
	To       time.Time
}

// OrgMetric identifies a (organization, metric) partition.
type OrgMetric struct {
	OrgID    snowflake.ID
	MetricID string
}
