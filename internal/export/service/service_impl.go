package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/clock"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	"github.com/smallbiznis/tally/internal/export/queue"
	"github.com/smallbiznis/tally/internal/export/storage"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/orgcontext"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const streamBatchSize = 500

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repo       exportdomain.Repository
	Events     usagedomain.Repository
	Queue      queue.Queue
	Store      storage.Store
	Audit      auditdomain.Service `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	repo       exportdomain.Repository
	events     usagedomain.Repository
	queue      queue.Queue
	store      storage.Store
	audit      auditdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) exportdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("export.service"),
		clock:      p.Clock,
		repo:       p.Repo,
		events:     p.Events,
		queue:      p.Queue,
		store:      p.Store,
		audit:      p.Audit,
		obsMetrics: p.ObsMetrics,
	}
}

// RequestExport records a pending job and hands it to the worker queue.
func (s *Service) RequestExport(ctx context.Context, req exportdomain.RequestExportRequest) (*exportdomain.ExportJob, error) {
	orgID, err := resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	format := exportdomain.Format(strings.ToLower(strings.TrimSpace(string(req.Format))))
	if format == "" {
		format = exportdomain.FormatCSV
	}
	if !format.Valid() {
		return nil, exportdomain.ErrInvalidFormat
	}
	if req.From.IsZero() || req.To.IsZero() || !req.From.Before(req.To) {
		return nil, exportdomain.ErrInvalidRange
	}

	ctx, cid := correlation.Ensure(ctx)
	now := s.clock.Now().UTC()
	job := &exportdomain.ExportJob{
		ID:            ulid.Make().String(),
		OrgID:         orgID,
		Format:        format,
		RangeStart:    req.From.UTC(),
		RangeEnd:      req.To.UTC(),
		Status:        exportdomain.ExportStatusPending,
		CorrelationID: cid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if metricID := strings.TrimSpace(req.MetricID); metricID != "" {
		job.MetricID = &metricID
	}

	if err := s.repo.Insert(ctx, s.db, job); err != nil {
		return nil, err
	}

	msg := queue.Message{JobID: job.ID, Carrier: correlation.Capture(ctx)}
	if err := s.queue.Enqueue(ctx, msg); err != nil {
		reason := fmt.Sprintf("enqueue: %v", err)
		if markErr := s.repo.MarkFailed(ctx, s.db, job.ID, reason, s.clock.Now()); markErr != nil {
			s.log.Warn("failed to mark unqueued export", zap.String("export_id", job.ID), zap.Error(markErr))
		}
		return nil, err
	}

	s.emitAudit(ctx, job, auditdomain.ActionExportRequested, map[string]any{
		"format": string(job.Format),
		"from":   job.RangeStart.Format(time.RFC3339),
		"to":     job.RangeEnd.Format(time.RFC3339),
	})
	s.log.Info("export requested",
		zap.String("export_id", job.ID),
		zap.String("org_id", orgID.String()),
		zap.String("format", string(format)),
		zap.String("correlation_id", cid),
	)
	return job, nil
}

func (s *Service) GetExportStatus(ctx context.Context, orgID snowflake.ID, id string) (*exportdomain.ExportJob, error) {
	orgID, err := resolveOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.Find(ctx, s.db, orgID, strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, exportdomain.ErrExportNotFound
	}
	return job, nil
}

func (s *Service) OpenArtifact(ctx context.Context, orgID snowflake.ID, id string) (*exportdomain.ExportJob, io.ReadCloser, error) {
	job, err := s.GetExportStatus(ctx, orgID, id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != exportdomain.ExportStatusCompleted || job.ObjectKey == nil {
		return job, nil, exportdomain.ErrExportNotReady
	}
	rc, err := s.store.Open(ctx, *job.ObjectKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return job, nil, exportdomain.ErrExportNotFound
	}
	if err != nil {
		return job, nil, err
	}
	return job, rc, nil
}

// DeleteExport removes the job and its artifact. Jobs still being produced
// cannot be deleted.
func (s *Service) DeleteExport(ctx context.Context, orgID snowflake.ID, id string) error {
	job, err := s.GetExportStatus(ctx, orgID, id)
	if err != nil {
		return err
	}
	if job.Status == exportdomain.ExportStatusRunning {
		return exportdomain.ErrExportInProgress
	}
	if job.ObjectKey != nil {
		if err := s.store.Delete(ctx, *job.ObjectKey); err != nil {
			return err
		}
	}
	if err := s.repo.Delete(ctx, s.db, job.OrgID, job.ID); err != nil {
		return err
	}
	s.emitAudit(ctx, job, auditdomain.ActionExportDeleted, nil)
	return nil
}

func (s *Service) Process(ctx context.Context, id string) error {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return err
	}
	if job == nil {
		return exportdomain.ErrExportNotFound
	}
	if job.Status != exportdomain.ExportStatusPending {
		s.log.Debug("export already handled", zap.String("export_id", id), zap.String("status", string(job.Status)))
		return nil
	}

	claimed, err := s.repo.MarkRunning(ctx, s.db, id, s.clock.Now())
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	log := s.log.With(
		zap.String("export_id", job.ID),
		zap.String("org_id", job.OrgID.String()),
		zap.String("correlation_id", job.CorrelationID),
	)

	key, rows, runErr := s.produce(ctx, job)
	if runErr != nil {
		if err := s.repo.MarkFailed(ctx, s.db, job.ID, runErr.Error(), s.clock.Now()); err != nil {
			log.Error("failed to mark export failed", zap.Error(err))
		}
		s.obsMetrics.RecordExportJob(ctx, string(job.Format), string(exportdomain.ExportStatusFailed))
		s.emitAudit(ctx, job, auditdomain.ActionExportFailed, map[string]any{"error": runErr.Error()})
		log.Warn("export failed", zap.Error(runErr))
		return runErr
	}

	if err := s.repo.MarkCompleted(ctx, s.db, job.ID, key, rows, s.clock.Now()); err != nil {
		return err
	}
	s.obsMetrics.RecordExportJob(ctx, string(job.Format), string(exportdomain.ExportStatusCompleted))
	s.emitAudit(ctx, job, auditdomain.ActionExportCompleted, map[string]any{
		"object_key": key,
		"rows":       rows,
	})
	log.Info("export completed", zap.String("object_key", key), zap.Int64("rows", rows))
	return nil
}

// produce spools the events to a temp file so the store gets a seekable body.
func (s *Service) produce(ctx context.Context, job *exportdomain.ExportJob) (string, int64, error) {
	tmp, err := os.CreateTemp("", "tally-export-*")
	if err != nil {
		return "", 0, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	w, err := newRowWriter(job.Format, tmp)
	if err != nil {
		return "", 0, err
	}

	filter := usagedomain.EventFilter{
		OrgID: job.OrgID,
		From:  job.RangeStart,
		To:    job.RangeEnd,
	}
	if job.MetricID != nil {
		filter.MetricID = *job.MetricID
	}

	err = s.events.StreamEvents(ctx, s.db, filter, streamBatchSize, func(batch []usagedomain.UsageEvent) error {
		for i := range batch {
			if err := w.Write(&batch[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", 0, err
	}
	if err := w.Close(); err != nil {
		return "", 0, err
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	key := ObjectKey(job)
	if err := s.store.Put(ctx, key, tmp, job.Format.ContentType()); err != nil {
		return "", 0, err
	}
	return key, w.Rows(), nil
}

// ObjectKey is where a job's artifact lives in the store.
func ObjectKey(job *exportdomain.ExportJob) string {
	return fmt.Sprintf("exports/%s/%s.%s", job.OrgID.String(), job.ID, job.Format)
}

func resolveOrg(ctx context.Context, orgID snowflake.ID) (snowflake.ID, error) {
	return orgcontext.Resolve(ctx, orgID, exportdomain.ErrInvalidOrganization)
}

func (s *Service) emitAudit(ctx context.Context, job *exportdomain.ExportJob, action string, metadata map[string]any) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	if job.CorrelationID != "" {
		metadata["correlation_id"] = job.CorrelationID
	}
	s.audit.Emit(ctx, auditdomain.Event{
		OrgID:      job.OrgID,
		ActorType:  auditdomain.ActorTypeSystem,
		Action:     action,
		TargetType: "export",
		TargetID:   job.ID,
		Metadata:   metadata,
	})
}
