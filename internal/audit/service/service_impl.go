package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/audit/masking"
	"github.com/smallbiznis/tally/internal/clock"
	obscontext "github.com/smallbiznis/tally/internal/observability/context"
	"github.com/smallbiznis/tally/internal/orgcontext"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const emitTimeout = 5 * time.Second

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	GenID     *snowflake.Node
	Repo      auditdomain.Repository
	Forwarder auditdomain.Forwarder `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	genID     *snowflake.Node
	repo      auditdomain.Repository
	forwarder auditdomain.Forwarder
}

func NewService(p Params) auditdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("audit.service"),
		clock:     p.Clock,
		genID:     p.GenID,
		repo:      p.Repo,
		forwarder: p.Forwarder,
	}
}

func (s *Service) Emit(ctx context.Context, event auditdomain.Event) {
	if s == nil {
		return
	}
	// the caller's request may already be finished
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	defer cancel()

	if _, err := s.Record(emitCtx, event); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", event.Action),
			zap.String("target_type", event.TargetType),
			zap.Error(err),
		)
	}
}

func (s *Service) Record(ctx context.Context, event auditdomain.Event) (*auditdomain.AuditLog, error) {
	action := strings.TrimSpace(event.Action)
	if action == "" {
		return nil, auditdomain.ErrInvalidAction
	}
	targetType := strings.TrimSpace(event.TargetType)
	if targetType == "" {
		targetType = "unknown"
	}

	entry := auditdomain.AuditLog{
		ID:         s.genID.Generate(),
		OrgID:      s.resolveOrgID(ctx, event.OrgID),
		ActorType:  s.resolveActorType(ctx, event.ActorType),
		ActorID:    optional(event.ActorID),
		Action:     action,
		TargetType: targetType,
		TargetID:   optional(event.TargetID),
		RequestID:  optional(obscontext.RequestIDFromContext(ctx)),
		CreatedAt:  s.clock.Now().UTC(),
	}
	if masked := masking.MaskSensitive(event.Metadata); len(masked) > 0 {
		entry.Metadata = datatypes.JSONMap(masked)
	}
	if cid := obscontext.CorrelationIDFromContext(ctx); cid != "" {
		if entry.Metadata == nil {
			entry.Metadata = datatypes.JSONMap{}
		}
		entry.Metadata["correlation_id"] = cid
	}

	if err := s.repo.Insert(ctx, s.db, &entry); err != nil {
		return nil, err
	}
	if s.forwarder != nil {
		s.forwarder.AuditRecorded(ctx, entry)
	}
	return &entry, nil
}

func (s *Service) List(ctx context.Context, req auditdomain.ListAuditLogRequest) (auditdomain.ListAuditLogResponse, error) {
	orgID, err := orgcontext.Resolve(ctx, req.OrganizationID, auditdomain.ErrInvalidOrganization)
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	if req.StartAt != nil && req.EndAt != nil && req.StartAt.After(*req.EndAt) {
		return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidTimeRange
	}

	var cursor *auditdomain.AuditCursor
	if strings.TrimSpace(req.PageToken) != "" {
		decoded, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		createdAt, err := time.Parse(time.RFC3339Nano, decoded.CreatedAt)
		if err != nil {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		id, err := snowflake.ParseString(strings.TrimSpace(decoded.ID))
		if err != nil || id == 0 {
			return auditdomain.ListAuditLogResponse{}, auditdomain.ErrInvalidPageToken
		}
		cursor = &auditdomain.AuditCursor{ID: id, CreatedAt: createdAt}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > pagination.MaxPageSize {
		pageSize = pagination.MaxPageSize
	}

	items, err := s.repo.List(ctx, s.db, auditdomain.ListFilter{
		OrgID:      orgID,
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		StartAt:    req.StartAt,
		EndAt:      req.EndAt,
		Cursor:     cursor,
		Limit:      pageSize,
	})
	if err != nil {
		return auditdomain.ListAuditLogResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, pageSize, func(item *auditdomain.AuditLog) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	logs := make([]auditdomain.AuditLog, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		logs = append(logs, *item)
	}

	resp := auditdomain.ListAuditLogResponse{AuditLogs: logs}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) resolveOrgID(ctx context.Context, orgID snowflake.ID) *snowflake.ID {
	resolved, err := orgcontext.Resolve(ctx, orgID, nil)
	if err != nil || resolved == 0 {
		return nil
	}
	return &resolved
}

func (s *Service) resolveActorType(ctx context.Context, actorType auditdomain.ActorType) auditdomain.ActorType {
	if actorType != "" {
		return actorType
	}
	if obscontext.RequestIDFromContext(ctx) != "" {
		return auditdomain.ActorTypeAPI
	}
	return auditdomain.ActorTypeSystem
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
