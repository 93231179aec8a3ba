// Package domain holds usage export jobs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ExportStatus string

const (
	ExportStatusPending   ExportStatus = "pending"
	ExportStatusRunning   ExportStatus = "running"
	ExportStatusCompleted ExportStatus = "completed"
	ExportStatusFailed    ExportStatus = "failed"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func (f Format) Valid() bool {
	return f == FormatCSV || f == FormatJSON
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "text/csv"
}

// ExportJob is one request to dump an organization's raw usage events.
type ExportJob struct {
	ID            string       `json:"id" gorm:"primaryKey;type:char(26)"`
	OrgID         snowflake.ID `json:"organization_id" gorm:"column:org_id;not null;index"`
	MetricID      *string      `json:"metric_id,omitempty" gorm:"type:varchar(64)"`
	Format        Format       `json:"format" gorm:"type:varchar(8);not null"`
	RangeStart    time.Time    `json:"from" gorm:"not null"`
	RangeEnd      time.Time    `json:"to" gorm:"not null"`
	Status        ExportStatus `json:"status" gorm:"type:varchar(16);not null;index"`
	ObjectKey     *string      `json:"object_key,omitempty" gorm:"type:text"`
	RowCount      int64        `json:"row_count"`
	Error         *string      `json:"error,omitempty" gorm:"type:text"`
	CorrelationID string       `json:"correlation_id,omitempty" gorm:"type:char(26)"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at" gorm:"not null"`
}

func (ExportJob) TableName() string { return "export_jobs" }

func (j ExportJob) Terminal() bool {
	return j.Status == ExportStatusCompleted || j.Status == ExportStatusFailed
}
