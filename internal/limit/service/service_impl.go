package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/cloudmetrics"
	"github.com/smallbiznis/tally/internal/config"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// anomalyBaselineDays is the trailing window the daily average is taken over.
const anomalyBaselineDays = 7

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Config     config.Config
	Repo       limitdomain.Repository
	Usage      usagedomain.Repository
	Catalog    catalogdomain.Service
	Notifier   limitdomain.AlertNotifier `optional:"true"`
	Audit      auditdomain.Service       `optional:"true"`
	ObsMetrics *obsmetrics.Metrics       `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	genID      *snowflake.Node
	repo       limitdomain.Repository
	usage      usagedomain.Repository
	catalog    catalogdomain.Service
	notifier   limitdomain.AlertNotifier
	audit      auditdomain.Service
	obsMetrics *obsmetrics.Metrics

	metering billingperiod.Granularity
	alerts   config.AlertConfig
	validate *validator.Validate
}

func New(p Params) limitdomain.Service {
	metering, err := billingperiod.ParseGranularity(p.Config.Metering.Period)
	if err != nil {
		metering = billingperiod.Month
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		return strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
	})

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("limit.service"),
		clock:      p.Clock,
		genID:      p.GenID,
		repo:       p.Repo,
		usage:      p.Usage,
		catalog:    p.Catalog,
		notifier:   p.Notifier,
		audit:      p.Audit,
		obsMetrics: p.ObsMetrics,
		metering:   metering,
		alerts:     p.Config.Alerts,
		validate:   v,
	}
}

func (s *Service) UpsertLimit(ctx context.Context, req limitdomain.UpsertLimitRequest) (*limitdomain.UsageLimit, error) {
	limit, err := s.buildLimit(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpsertLimit(ctx, s.db, limit); err != nil {
		return nil, err
	}

	s.emitAudit(ctx, auditdomain.Event{
		OrgID:      limit.OrgID,
		Action:     auditdomain.ActionLimitUpserted,
		TargetType: "usage_limit",
		TargetID:   limit.ID.String(),
		Metadata: map[string]any{
			"metric_id":    limit.MetricID,
			"limit_type":   string(limit.LimitType),
			"limit_value":  limit.LimitValue,
			"reset_period": string(limit.ResetPeriod),
		},
	})
	return limit, nil
}

func (s *Service) buildLimit(ctx context.Context, req limitdomain.UpsertLimitRequest) (*limitdomain.UsageLimit, error) {
	if req.OrganizationID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	req.MetricID = strings.TrimSpace(req.MetricID)
	req.LimitType = limitdomain.LimitType(strings.ToLower(strings.TrimSpace(string(req.LimitType))))
	req.ResetPeriod = limitdomain.ResetPeriod(strings.ToLower(strings.TrimSpace(string(req.ResetPeriod))))
	if req.ResetPeriod == "" {
		req.ResetPeriod = limitdomain.ResetMonthly
	}
	if err := s.validate.Struct(req); err != nil {
		return nil, mapValidation(err)
	}
	if !req.LimitType.Valid() {
		return nil, limitdomain.ErrInvalidLimitType
	}
	if !req.ResetPeriod.Valid() {
		return nil, limitdomain.ErrInvalidResetPeriod
	}
	if math.IsNaN(req.LimitValue) || math.IsInf(req.LimitValue, 0) {
		return nil, limitdomain.ErrInvalidLimitValue
	}
	if err := limitdomain.ValidateThresholds(req.Thresholds); err != nil {
		return nil, err
	}

	metric, err := s.catalog.GetMetric(ctx, req.MetricID)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrMetricNotFound) || errors.Is(err, catalogdomain.ErrInvalidMetricID) {
			return nil, limitdomain.ErrInvalidMetric
		}
		return nil, err
	}

	now := s.clock.Now().UTC()
	thresholds := append([]float64(nil), req.Thresholds...)
	return &limitdomain.UsageLimit{
		ID:          s.genID.Generate(),
		OrgID:       req.OrganizationID,
		MetricID:    metric.ID,
		LimitType:   req.LimitType,
		LimitValue:  req.LimitValue,
		ResetPeriod: req.ResetPeriod,
		Thresholds:  datatypes.NewJSONType(thresholds),
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func mapValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	switch fieldErrs[0].Field() {
	case "metric_id":
		return limitdomain.ErrInvalidMetric
	case "limit_type":
		return limitdomain.ErrInvalidLimitType
	case "limit_value":
		return limitdomain.ErrInvalidLimitValue
	case "reset_period":
		return limitdomain.ErrInvalidResetPeriod
	default:
		return err
	}
}

func (s *Service) DeleteLimit(ctx context.Context, orgID, limitID snowflake.ID) error {
	if orgID == 0 {
		return limitdomain.ErrInvalidOrganization
	}
	existing, err := s.repo.FindLimit(ctx, s.db, orgID, limitID)
	if err != nil {
		return err
	}
	if existing == nil {
		return limitdomain.ErrLimitNotFound
	}
	deleted, err := s.repo.DeleteLimit(ctx, s.db, orgID, limitID)
	if err != nil {
		return err
	}
	if !deleted {
		return limitdomain.ErrLimitNotFound
	}

	s.emitAudit(ctx, auditdomain.Event{
		OrgID:      orgID,
		Action:     auditdomain.ActionLimitDeleted,
		TargetType: "usage_limit",
		TargetID:   limitID.String(),
		Metadata:   map[string]any{"metric_id": existing.MetricID},
	})
	return nil
}

func (s *Service) ListLimits(ctx context.Context, orgID snowflake.ID) ([]limitdomain.UsageLimit, error) {
	if orgID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	return s.repo.ListLimits(ctx, s.db, orgID, "")
}

// ApplyTemplates instantiates a plan's limit templates for orgID. Limits the
// organization configured for other metrics are left alone.
func (s *Service) ApplyTemplates(ctx context.Context, orgID snowflake.ID, templates []catalogdomain.LimitTemplate) ([]limitdomain.UsageLimit, error) {
	if orgID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	limits := make([]*limitdomain.UsageLimit, 0, len(templates))
	for _, tpl := range templates {
		limit, err := s.buildLimit(ctx, limitdomain.UpsertLimitRequest{
			OrganizationID: orgID,
			MetricID:       tpl.MetricID,
			LimitType:      limitdomain.LimitType(tpl.LimitType),
			LimitValue:     tpl.LimitValue,
			ResetPeriod:    limitdomain.ResetPeriod(tpl.ResetPeriod),
			Thresholds:     tpl.Thresholds,
		})
		if err != nil {
			return nil, fmt.Errorf("limit template %s: %w", tpl.MetricID, err)
		}
		limits = append(limits, limit)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, limit := range limits {
			if err := s.repo.UpsertLimit(ctx, tx, limit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]limitdomain.UsageLimit, 0, len(limits))
	for _, limit := range limits {
		out = append(out, *limit)
	}
	s.log.Info("limit templates applied", zap.String("org_id", orgID.String()), zap.Int("limits", len(out)))
	return out, nil
}

func (s *Service) CheckLimits(ctx context.Context, orgID snowflake.ID) ([]limitdomain.LimitStatus, error) {
	if orgID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	limits, err := s.repo.ListLimits(ctx, s.db, orgID, "")
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	statuses := make([]limitdomain.LimitStatus, 0, len(limits))
	for _, limit := range limits {
		status, err := s.status(ctx, limit, now)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *Service) status(ctx context.Context, limit limitdomain.UsageLimit, now time.Time) (limitdomain.LimitStatus, error) {
	window := billingperiod.Containing(now.UTC(), limit.ResetPeriod.Granularity())
	current, err := s.windowUsage(ctx, limit.OrgID, limit.MetricID, window)
	if err != nil {
		return limitdomain.LimitStatus{}, err
	}
	status := limitdomain.LimitStatus{
		Limit:        limit,
		Window:       window,
		CurrentUsage: current,
		Remaining:    math.Max(limit.LimitValue-current, 0),
		Exceeded:     current >= limit.LimitValue,
	}
	if limit.LimitValue > 0 {
		status.Percentage = current / limit.LimitValue * 100
	}
	return status, nil
}

// windowUsage reads the summary row when the window lines up with the
// metering granularity and falls back to the event log otherwise.
func (s *Service) windowUsage(ctx context.Context, orgID snowflake.ID, metricID string, window billingperiod.Period) (float64, error) {
	meteringWindow := billingperiod.Containing(window.Start, s.metering)
	if meteringWindow.Start.Equal(window.Start) && meteringWindow.End.Equal(window.End) {
		summary, err := s.usage.FindSummary(ctx, s.db, orgID, metricID, window.Start)
		if err != nil {
			return 0, err
		}
		if summary == nil {
			return 0, nil
		}
		return summary.TotalUsage, nil
	}
	total, err := s.usage.SumEvents(ctx, s.db, orgID, metricID, window.Start, window.End)
	if err != nil {
		return 0, err
	}
	return total.TotalUsage, nil
}

// EvaluateMetric raises the alerts the current usage of metricID calls for.
// Only reading usage can fail it; alert writes are best effort.
func (s *Service) EvaluateMetric(ctx context.Context, orgID snowflake.ID, metricID string) error {
	if orgID == 0 {
		return limitdomain.ErrInvalidOrganization
	}
	limits, err := s.repo.ListLimits(ctx, s.db, orgID, metricID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, limit := range limits {
		status, err := s.status(ctx, limit, now)
		if err != nil {
			return err
		}
		s.evaluate(ctx, status)
	}
	return nil
}

func (s *Service) evaluate(ctx context.Context, status limitdomain.LimitStatus) {
	limit := status.Limit
	if limit.LimitValue <= 0 {
		return
	}

	crossed := 0.0
	for _, t := range limit.Thresholds.Data() {
		if status.Percentage >= t && t > crossed {
			crossed = t
		}
	}
	if crossed > 0 {
		s.raise(ctx, s.newAlert(limit, status, limitdomain.AlertThresholdExceeded, crossed, limitdomain.SeverityFor(crossed),
			fmt.Sprintf("%s usage reached %.0f%% of the %s limit (%g of %g)", limit.MetricID, crossed, limit.ResetPeriod, status.CurrentUsage, limit.LimitValue)))
	}

	if limit.LimitType == limitdomain.LimitTypeHard && status.Exceeded {
		s.raise(ctx, s.newAlert(limit, status, limitdomain.AlertLimitExceeded, 100, limitdomain.SeverityCritical,
			fmt.Sprintf("%s exceeded its hard %s limit of %g", limit.MetricID, limit.ResetPeriod, limit.LimitValue)))
	}
}

func (s *Service) newAlert(limit limitdomain.UsageLimit, status limitdomain.LimitStatus, alertType limitdomain.AlertType, threshold float64, severity limitdomain.Severity, message string) *limitdomain.UsageAlert {
	limitID := limit.ID
	return &limitdomain.UsageAlert{
		ID:           s.genID.Generate(),
		OrgID:        limit.OrgID,
		MetricID:     limit.MetricID,
		LimitID:      &limitID,
		AlertType:    alertType,
		Threshold:    threshold,
		CurrentUsage: status.CurrentUsage,
		LimitValue:   limit.LimitValue,
		Severity:     severity,
		Message:      message,
		CreatedAt:    s.clock.Now().UTC(),
	}
}

// raise stores alert unless an unresolved alert of the same scope exists.
func (s *Service) raise(ctx context.Context, alert *limitdomain.UsageAlert) bool {
	existing, err := s.repo.FindUnresolvedAlert(ctx, s.db, alert.OrgID, alert.MetricID, alert.AlertType)
	if err != nil {
		s.log.Error("lookup unresolved alert", zap.String("org_id", alert.OrgID.String()), zap.String("metric_id", alert.MetricID), zap.Error(err))
		return false
	}
	if existing != nil {
		return false
	}

	key := limitdomain.DedupeKey(alert.OrgID, alert.MetricID, alert.AlertType)
	alert.DedupeKey = &key
	inserted, err := s.repo.InsertAlert(ctx, s.db, alert)
	if err != nil {
		s.log.Error("insert usage alert",
			zap.String("org_id", alert.OrgID.String()),
			zap.String("metric_id", alert.MetricID),
			zap.String("alert_type", string(alert.AlertType)),
			zap.Error(err),
		)
		cloudmetrics.RecordEngineError(alert.OrgID.String(), "limit.raise_alert")
		return false
	}
	if !inserted {
		return false
	}

	s.log.Info("usage alert raised",
		zap.String("org_id", alert.OrgID.String()),
		zap.String("metric_id", alert.MetricID),
		zap.String("alert_type", string(alert.AlertType)),
		zap.String("severity", string(alert.Severity)),
		zap.Float64("threshold", alert.Threshold),
	)
	s.obsMetrics.RecordAlert(ctx, string(alert.AlertType), string(alert.Severity))
	cloudmetrics.RecordAlert(alert.OrgID.String(), string(alert.AlertType))
	if s.notifier != nil {
		s.notifier.AlertRaised(ctx, *alert)
	}
	return true
}

func (s *Service) CheckQuota(ctx context.Context, orgID snowflake.ID, metricID string, quantity float64) (*limitdomain.QuotaCheck, error) {
	if orgID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	metricID = strings.TrimSpace(metricID)
	if metricID == "" {
		return nil, limitdomain.ErrInvalidMetric
	}
	if quantity < 0 || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return nil, limitdomain.ErrInvalidQuantity
	}

	limits, err := s.repo.ListLimits(ctx, s.db, orgID, metricID)
	if err != nil {
		return nil, err
	}

	check := &limitdomain.QuotaCheck{MetricID: metricID, Allowed: true, Unlimited: true, Requested: quantity}
	now := s.clock.Now()
	for _, limit := range limits {
		if limit.LimitType != limitdomain.LimitTypeHard {
			continue
		}
		status, err := s.status(ctx, limit, now)
		if err != nil {
			return nil, err
		}
		// the tightest hard limit decides
		if !check.Unlimited && status.Remaining >= check.Remaining {
			continue
		}
		check.Unlimited = false
		check.LimitType = limit.LimitType
		check.LimitValue = limit.LimitValue
		check.CurrentUsage = status.CurrentUsage
		check.Remaining = status.Remaining
		check.Allowed = status.CurrentUsage+quantity <= limit.LimitValue
	}
	return check, nil
}

// DetectAnomaly compares today's usage with the trailing daily average and
// raises anomaly_detected when it exceeds the configured factor.
func (s *Service) DetectAnomaly(ctx context.Context, orgID snowflake.ID, metricID string) (*limitdomain.UsageAlert, error) {
	if orgID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	factor := s.alerts.AnomalyFactor
	if factor <= 1 {
		factor = 3
	}

	today := billingperiod.Containing(s.clock.Now().UTC(), billingperiod.Day)
	current, err := s.usage.SumEvents(ctx, s.db, orgID, metricID, today.Start, today.End)
	if err != nil {
		return nil, err
	}
	if current.TotalUsage < s.alerts.AnomalyMinUsage {
		return nil, nil
	}
	baseline, err := s.usage.SumEvents(ctx, s.db, orgID, metricID, today.Start.AddDate(0, 0, -anomalyBaselineDays), today.Start)
	if err != nil {
		return nil, err
	}
	average := baseline.TotalUsage / anomalyBaselineDays
	if average <= 0 || current.TotalUsage <= average*factor {
		return nil, nil
	}

	alert := &limitdomain.UsageAlert{
		ID:           s.genID.Generate(),
		OrgID:        orgID,
		MetricID:     metricID,
		AlertType:    limitdomain.AlertAnomalyDetected,
		Threshold:    current.TotalUsage / average * 100,
		CurrentUsage: current.TotalUsage,
		LimitValue:   average,
		Severity:     limitdomain.SeverityWarning,
		Message:      fmt.Sprintf("%s usage today (%g) is %.1fx the %d-day average", metricID, current.TotalUsage, current.TotalUsage/average, anomalyBaselineDays),
		CreatedAt:    s.clock.Now().UTC(),
	}
	if !s.raise(ctx, alert) {
		return nil, nil
	}
	return alert, nil
}

func (s *Service) ListAlerts(ctx context.Context, filter limitdomain.AlertFilter) ([]limitdomain.UsageAlert, error) {
	if filter.OrgID == 0 {
		return nil, limitdomain.ErrInvalidOrganization
	}
	return s.repo.ListAlerts(ctx, s.db, filter)
}

// AcknowledgeAlert resolves the alert. Acknowledging a resolved alert returns
// it unchanged.
func (s *Service) AcknowledgeAlert(ctx context.Context, alertID snowflake.ID) (*limitdomain.UsageAlert, error) {
	alert, err := s.repo.FindAlert(ctx, s.db, alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, limitdomain.ErrAlertNotFound
	}
	if alert.Resolved {
		return alert, nil
	}

	resolved, err := s.repo.ResolveAlert(ctx, s.db, alertID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	alert, err = s.repo.FindAlert(ctx, s.db, alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, limitdomain.ErrAlertNotFound
	}
	if resolved {
		s.emitAudit(ctx, auditdomain.Event{
			OrgID:      alert.OrgID,
			Action:     auditdomain.ActionAlertAcknowledged,
			TargetType: "usage_alert",
			TargetID:   alert.ID.String(),
			Metadata:   map[string]any{"metric_id": alert.MetricID, "alert_type": string(alert.AlertType)},
		})
	}
	return alert, nil
}

func (s *Service) emitAudit(ctx context.Context, event auditdomain.Event) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, event)
}
