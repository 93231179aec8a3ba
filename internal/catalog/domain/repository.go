package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	InsertMetric(ctx context.Context, db *gorm.DB, metric *UsageMetric) error
	FindMetric(ctx context.Context, db *gorm.DB, id string) (*UsageMetric, error)
	ListMetrics(ctx context.Context, db *gorm.DB) ([]UsageMetric, error)

	InsertPlan(ctx context.Context, db *gorm.DB, plan *BillingPlan) error
	FindPlan(ctx context.Context, db *gorm.DB, id string) (*BillingPlan, error)
	ListPlans(ctx context.Context, db *gorm.DB, activeOnly bool) ([]BillingPlan, error)
}
