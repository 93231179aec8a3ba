package domain

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	RequestExport(ctx context.Context, req RequestExportRequest) (*ExportJob, error)
	GetExportStatus(ctx context.Context, orgID snowflake.ID, id string) (*ExportJob, error)
	// OpenArtifact streams a completed export. The caller closes the reader.
	OpenArtifact(ctx context.Context, orgID snowflake.ID, id string) (*ExportJob, io.ReadCloser, error)
	DeleteExport(ctx context.Context, orgID snowflake.ID, id string) error
	// Process runs a queued job. Jobs that are no longer pending are skipped.
	Process(ctx context.Context, id string) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *ExportJob) error
	Find(ctx context.Context, db *gorm.DB, orgID snowflake.ID, id string) (*ExportJob, error)
	FindByID(ctx context.Context, db *gorm.DB, id string) (*ExportJob, error)
	// MarkRunning claims a pending job; it reports false when another worker
	// claimed it first.
	MarkRunning(ctx context.Context, db *gorm.DB, id string, at time.Time) (bool, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id, objectKey string, rows int64, at time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id, reason string, at time.Time) error
	Delete(ctx context.Context, db *gorm.DB, orgID snowflake.ID, id string) error
}

type RequestExportRequest struct {
	OrganizationID snowflake.ID `json:"-"`
	MetricID       string       `json:"metric_id,omitempty"`
	From           time.Time    `json:"from"`
	To             time.Time    `json:"to"`
	Format         Format       `json:"format"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidFormat       = errors.New("invalid_export_format")
	ErrInvalidRange        = errors.New("invalid_export_range")
	ErrExportNotFound      = errors.New("export_not_found")
	ErrExportNotReady      = errors.New("export_not_ready")
	ErrExportInProgress    = errors.New("export_in_progress")
)
