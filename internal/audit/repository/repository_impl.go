package repository

import (
	"context"
	"strings"

	"github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/option"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.Wrap("audit.insert", conn.WithContext(ctx).Create(entry).Error)
}

// List pages newest first. One extra row is fetched past Limit so the
// service can tell whether another page exists.
func (r *repo) List(ctx context.Context, conn *gorm.DB, filter domain.ListFilter) ([]*domain.AuditLog, error) {
	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "org_id", Operator: option.EQ, Value: filter.OrgID}),
	}
	for field, value := range map[string]string{
		"action":      filter.Action,
		"target_type": filter.TargetType,
		"target_id":   filter.TargetID,
	} {
		if value = strings.TrimSpace(value); value != "" {
			opts = append(opts, option.ApplyOperator(option.Condition{Field: field, Operator: option.EQ, Value: value}))
		}
	}
	if filter.StartAt != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: filter.StartAt.UTC()}))
	}
	if filter.EndAt != nil {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LTE, Value: filter.EndAt.UTC()}))
	}

	stmt := conn.WithContext(ctx).Model(&domain.AuditLog{})
	for _, opt := range opts {
		stmt = opt.Apply(stmt)
	}
	if c := filter.Cursor; c != nil {
		stmt = stmt.Where("created_at < ? OR (created_at = ? AND id < ?)", c.CreatedAt, c.CreatedAt, c.ID)
	}
	stmt = stmt.Order("created_at DESC, id DESC")
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit + 1)
	}

	var logs []*domain.AuditLog
	if err := stmt.Find(&logs).Error; err != nil {
		return nil, db.Wrap("audit.list", err)
	}
	return logs, nil
}
