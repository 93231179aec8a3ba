package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ActorType string

const (
	ActorTypeSystem    ActorType = "system"
	ActorTypeAPI       ActorType = "api"
	ActorTypeScheduler ActorType = "scheduler"
)

// Actions recorded by the billing engine.
const (
	ActionExportRequested   = "export.requested"
	ActionExportCompleted   = "export.completed"
	ActionExportFailed      = "export.failed"
	ActionExportDeleted     = "export.deleted"
	ActionInvoiceGenerated  = "invoice.generated"
	ActionInvoiceFinalized  = "invoice.finalized"
	ActionInvoicePaid       = "invoice.paid"
	ActionInvoiceVoided     = "invoice.voided"
	ActionLimitUpserted     = "limit.upserted"
	ActionLimitDeleted      = "limit.deleted"
	ActionAlertAcknowledged = "alert.acknowledged"
	ActionPlanChanged       = "subscription.plan_changed"
	ActionSubscriptionEnded = "subscription.canceled"
)

type AuditLog struct {
	ID         snowflake.ID      `json:"id" gorm:"primaryKey"`
	OrgID      *snowflake.ID     `json:"organization_id,omitempty" gorm:"column:org_id;index:idx_audit_logs_org_created,priority:1"`
	ActorType  ActorType         `json:"actor_type" gorm:"type:varchar(32);not null"`
	ActorID    *string           `json:"actor_id,omitempty" gorm:"type:varchar(128)"`
	Action     string            `json:"action" gorm:"type:varchar(64);not null;index"`
	TargetType string            `json:"target_type" gorm:"type:varchar(64);not null"`
	TargetID   *string           `json:"target_id,omitempty" gorm:"type:varchar(128)"`
	RequestID  *string           `json:"request_id,omitempty" gorm:"type:varchar(64)"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at" gorm:"not null;index:idx_audit_logs_org_created,priority:2"`
}

func (AuditLog) TableName() string { return "audit_logs" }

type AuditCursor struct {
	ID        snowflake.ID
	CreatedAt time.Time
}

type ListFilter struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
	Cursor     *AuditCursor
	Limit      int
}
