package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"gorm.io/gorm"
)

// Event is one security or lifecycle fact worth keeping.
type Event struct {
	OrgID      snowflake.ID
	ActorType  ActorType
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Metadata   map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	OrganizationID snowflake.ID
	Action         string
	TargetType     string
	TargetID       string
	StartAt        *time.Time
	EndAt          *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type Service interface {
	// Emit records an event and never fails the caller.
	Emit(ctx context.Context, event Event)
	Record(ctx context.Context, event Event) (*AuditLog, error)
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

// Forwarder is told about recorded events, typically a chat webhook.
type Forwarder interface {
	AuditRecorded(ctx context.Context, entry AuditLog)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvalidTimeRange    = errors.New("invalid_time_range")
	ErrInvalidAction       = errors.New("invalid_action")
)
