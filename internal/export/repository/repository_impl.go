package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() exportdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, job *exportdomain.ExportJob) error {
	return db.Wrap("export.insert", conn.WithContext(ctx).Create(job).Error)
}

func (r *repo) Find(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, id string) (*exportdomain.ExportJob, error) {
	var job exportdomain.ExportJob
	err := conn.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&job).Error
	return found(&job, "export.find", err)
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id string) (*exportdomain.ExportJob, error) {
	var job exportdomain.ExportJob
	err := conn.WithContext(ctx).Where("id = ?", id).First(&job).Error
	return found(&job, "export.find_by_id", err)
}

func (r *repo) MarkRunning(ctx context.Context, conn *gorm.DB, id string, at time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE export_jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		exportdomain.ExportStatusRunning, at, at, id, exportdomain.ExportStatusPending,
	)
	if result.Error != nil {
		return false, db.Wrap("export.mark_running", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(ctx context.Context, conn *gorm.DB, id, objectKey string, rows int64, at time.Time) error {
	return exec(ctx, conn, "export.mark_completed",
		`UPDATE export_jobs
		SET status = ?, object_key = ?, row_count = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		exportdomain.ExportStatusCompleted, objectKey, rows, at, at, id, exportdomain.ExportStatusRunning,
	)
}

func (r *repo) MarkFailed(ctx context.Context, conn *gorm.DB, id, reason string, at time.Time) error {
	return exec(ctx, conn, "export.mark_failed",
		`UPDATE export_jobs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		exportdomain.ExportStatusFailed, reason, at, at, id,
		exportdomain.ExportStatusPending, exportdomain.ExportStatusRunning,
	)
}

func (r *repo) Delete(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, id string) error {
	result := conn.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).Delete(&exportdomain.ExportJob{})
	if result.Error != nil {
		return db.Wrap("export.delete", result.Error)
	}
	if result.RowsAffected == 0 {
		return exportdomain.ErrExportNotFound
	}
	return nil
}

func exec(ctx context.Context, conn *gorm.DB, op, sql string, args ...any) error {
	result := conn.WithContext(ctx).Exec(sql, args...)
	if result.Error != nil {
		return db.Wrap(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return db.ErrConcurrencyConflict
	}
	return nil
}

func found(job *exportdomain.ExportJob, op string, err error) (*exportdomain.ExportJob, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap(op, err)
	}
	return job, nil
}
