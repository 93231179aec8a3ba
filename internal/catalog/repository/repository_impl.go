package repository

import (
	"context"

	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/option"
	"github.com/smallbiznis/tally/pkg/repository"
	"gorm.io/gorm"
)

var (
	metricSort = map[string]bool{"id": true, "created_at": true}
	planSort   = map[string]bool{"id": true, "base_price": true, "created_at": true}
)

// repo keeps catalog rows in the generic store; catalog entries have no
// relations and are only ever looked up by primary key or listed whole.
type repo struct{}

func Provide() catalogdomain.Repository {
	return &repo{}
}

func metrics(conn *gorm.DB) repository.Repository[catalogdomain.UsageMetric] {
	return repository.ProvideStore[catalogdomain.UsageMetric](conn)
}

func plans(conn *gorm.DB) repository.Repository[catalogdomain.BillingPlan] {
	return repository.ProvideStore[catalogdomain.BillingPlan](conn)
}

func (r *repo) InsertMetric(ctx context.Context, conn *gorm.DB, metric *catalogdomain.UsageMetric) error {
	return db.Wrap("catalog.insert_metric", metrics(conn).Create(ctx, metric))
}

func (r *repo) FindMetric(ctx context.Context, conn *gorm.DB, id string) (*catalogdomain.UsageMetric, error) {
	metric, err := metrics(conn).FindOne(ctx, &catalogdomain.UsageMetric{ID: id})
	return metric, db.Wrap("catalog.find_metric", err)
}

func (r *repo) ListMetrics(ctx context.Context, conn *gorm.DB) ([]catalogdomain.UsageMetric, error) {
	rows, err := metrics(conn).Find(ctx, &catalogdomain.UsageMetric{},
		option.WithSortBy(option.WithQuerySortBy("id", "asc", metricSort)),
	)
	if err != nil {
		return nil, db.Wrap("catalog.list_metrics", err)
	}
	return deref(rows), nil
}

func (r *repo) InsertPlan(ctx context.Context, conn *gorm.DB, plan *catalogdomain.BillingPlan) error {
	return db.Wrap("catalog.insert_plan", plans(conn).Create(ctx, plan))
}

func (r *repo) FindPlan(ctx context.Context, conn *gorm.DB, id string) (*catalogdomain.BillingPlan, error) {
	plan, err := plans(conn).FindOne(ctx, &catalogdomain.BillingPlan{ID: id})
	return plan, db.Wrap("catalog.find_plan", err)
}

func (r *repo) ListPlans(ctx context.Context, conn *gorm.DB, activeOnly bool) ([]catalogdomain.BillingPlan, error) {
	opts := []option.QueryOption{
		option.WithSortBy(option.WithQuerySortBy("base_price", "asc", planSort)),
	}
	if activeOnly {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "active", Operator: option.EQ, Value: true}))
	}
	rows, err := plans(conn).Find(ctx, &catalogdomain.BillingPlan{}, opts...)
	if err != nil {
		return nil, db.Wrap("catalog.list_plans", err)
	}
	return deref(rows), nil
}

func deref[T any](rows []*T) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		if row != nil {
			out = append(out, *row)
		}
	}
	return out
}
