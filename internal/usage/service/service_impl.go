package service

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/cloudmetrics"
	"github.com/smallbiznis/tally/internal/config"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/orgcontext"
	"github.com/smallbiznis/tally/internal/pricing"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/internal/usage/liveevents"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	Config     config.Config
	Repo       usagedomain.Repository
	Catalog    catalogdomain.Service
	Limits     usagedomain.LimitChecker `optional:"true"`
	Plans      usagedomain.PlanResolver `optional:"true"`
	ObsMetrics *obsmetrics.Metrics      `optional:"true"`
	LiveEvents *liveevents.Hub          `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node

	repo        usagedomain.Repository
	catalog     catalogdomain.Service
	limits      usagedomain.LimitChecker
	plans       usagedomain.PlanResolver
	obsMetrics  *obsmetrics.Metrics
	liveEvents  *liveevents.Hub
	granularity billingperiod.Granularity
	validate    *validator.Validate
}

func NewService(p ServiceParam) usagedomain.Service {
	log := p.Log.Named("usage.service")
	granularity, err := billingperiod.ParseGranularity(p.Config.Metering.Period)
	if err != nil {
		log.Warn("unknown metering period, falling back to month", zap.String("period", p.Config.Metering.Period))
		granularity = billingperiod.Month
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Service{
		db:    p.DB,
		log:   log,
		clock: clk,
		genID: p.GenID,

		repo:        p.Repo,
		catalog:     p.Catalog,
		limits:      p.Limits,
		plans:       p.Plans,
		obsMetrics:  p.ObsMetrics,
		liveEvents:  p.LiveEvents,
		granularity: granularity,
		validate:    newValidator(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// prepared is a validated event waiting to be written.
type prepared struct {
	index  int
	event  usagedomain.UsageEvent
	unit   string
	window billingperiod.Period
}

func (s *Service) Track(ctx context.Context, req usagedomain.TrackRequest) (*usagedomain.UsageEvent, error) {
	item, err := s.prepare(ctx, 0, req)
	if err != nil {
		s.obsMetrics.RecordUsageRejected(ctx, rejectReason(err))
		return nil, err
	}

	var (
		stored   *usagedomain.UsageEvent
		inserted bool
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		event := item.event
		ok, err := s.repo.InsertEvent(ctx, tx, &event)
		if err != nil {
			return err
		}
		if !ok {
			existing, err := s.repo.FindEventByIdempotencyKey(ctx, tx, event.OrgID, *event.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing == nil {
				return db.ErrConcurrencyConflict
			}
			stored = existing
			return nil
		}

		inserted = true
		stored = &event
		return s.repo.IncrementSummary(ctx, tx, s.delta(item.event.OrgID, item.event.MetricID, item.unit, item.window, event.Quantity, 1))
	})
	if err != nil {
		cloudmetrics.RecordEngineError(item.event.OrgID.String(), "usage.track")
		return nil, err
	}

	if !inserted {
		s.publish(stored, liveevents.StatusDeduplicated)
		return stored, nil
	}

	s.recordAccepted(ctx, stored)
	s.publish(stored, liveevents.StatusAccepted)
	s.evaluateLimits(ctx, stored.OrgID, stored.MetricID)
	return stored, nil
}

type groupKey struct {
	orgID       snowflake.ID
	metricID    string
	periodStart int64
}

type group struct {
	items []prepared
}

// TrackBatch validates every event, then writes one transaction and one
// summary increment per (organization, metric, window). A failing group
// leaves the others untouched.
func (s *Service) TrackBatch(ctx context.Context, reqs []usagedomain.TrackRequest) (*usagedomain.BatchResult, error) {
	if len(reqs) == 0 {
		return nil, usagedomain.ErrEmptyBatch
	}
	if len(reqs) > usagedomain.MaxBatchSize {
		return nil, usagedomain.ErrBatchTooLarge
	}

	result := &usagedomain.BatchResult{Accepted: make([]usagedomain.UsageEvent, 0, len(reqs))}
	groups := make(map[groupKey]*group)
	order := make([]groupKey, 0)

	for i, req := range reqs {
		item, err := s.prepare(ctx, i, req)
		if err != nil {
			s.obsMetrics.RecordUsageRejected(ctx, rejectReason(err))
			result.Failed = append(result.Failed, failure(i, req.MetricID, err))
			continue
		}
		key := groupKey{orgID: item.event.OrgID, metricID: item.event.MetricID, periodStart: item.window.Start.UnixNano()}
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.items = append(g.items, item)
	}

	touched := make(map[usagedomain.OrgMetric]struct{})
	for _, key := range order {
		g := groups[key]
		accepted, duplicates, err := s.writeGroup(ctx, g.items)
		if err != nil {
			s.log.Warn("usage batch group failed",
				zap.String("org_id", key.orgID.String()),
				zap.String("metric_id", key.metricID),
				zap.Int("events", len(g.items)),
				zap.Error(err),
			)
			cloudmetrics.RecordEngineError(key.orgID.String(), "usage.track_batch")
			for _, item := range g.items {
				result.Failed = append(result.Failed, failure(item.index, item.event.MetricID, err))
			}
			continue
		}
		result.Duplicates += duplicates
		for i := range accepted {
			event := accepted[i]
			s.recordAccepted(ctx, &event)
			s.publish(&event, liveevents.StatusAccepted)
			result.Accepted = append(result.Accepted, event)
		}
		if len(accepted) > 0 {
			touched[usagedomain.OrgMetric{OrgID: key.orgID, MetricID: key.metricID}] = struct{}{}
		}
	}

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Index < result.Failed[j].Index })

	for om := range touched {
		s.evaluateLimits(ctx, om.OrgID, om.MetricID)
	}
	return result, nil
}

func (s *Service) writeGroup(ctx context.Context, items []prepared) ([]usagedomain.UsageEvent, int, error) {
	var (
		accepted   []usagedomain.UsageEvent
		duplicates int
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accepted = accepted[:0]
		duplicates = 0
		var total float64
		for _, item := range items {
			event := item.event
			ok, err := s.repo.InsertEvent(ctx, tx, &event)
			if err != nil {
				return err
			}
			if !ok {
				duplicates++
				continue
			}
			total += event.Quantity
			accepted = append(accepted, event)
		}
		if len(accepted) == 0 {
			return nil
		}
		first := items[0]
		return s.repo.IncrementSummary(ctx, tx, s.delta(first.event.OrgID, first.event.MetricID, first.unit, first.window, total, int64(len(accepted))))
	})
	if err != nil {
		return nil, 0, err
	}
	return accepted, duplicates, nil
}

func (s *Service) prepare(ctx context.Context, index int, req usagedomain.TrackRequest) (prepared, error) {
	orgID := req.OrganizationID
	if orgID == 0 {
		if fromCtx, ok := orgcontext.OrgIDFromContext(ctx); ok {
			orgID = fromCtx
		}
	}
	if orgID == 0 {
		return prepared{}, usagedomain.ErrInvalidOrganization
	}

	req.MetricID = strings.TrimSpace(req.MetricID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := s.validateRequest(req); err != nil {
		return prepared{}, err
	}

	now := s.clock.Now().UTC()
	recordedAt := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		recordedAt = now
	}
	if recordedAt.After(now.Add(usagedomain.MaxFutureSkew)) {
		return prepared{}, &usagedomain.ValidationError{Field: "timestamp", Reason: "is in the future"}
	}

	metric, err := s.catalog.GetMetric(ctx, req.MetricID)
	if err != nil {
		if errors.Is(err, catalogdomain.ErrMetricNotFound) {
			return prepared{}, &usagedomain.ValidationError{Field: "metric_id", Reason: "is not a known metric"}
		}
		return prepared{}, err
	}

	event := usagedomain.UsageEvent{
		ID:         s.genID.Generate(),
		OrgID:      orgID,
		MetricID:   metric.ID,
		Quantity:   req.Quantity,
		RecordedAt: recordedAt,
		CreatedAt:  now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		event.IdempotencyKey = &key
	}
	if len(req.Metadata) > 0 {
		event.Metadata = datatypes.JSONMap(req.Metadata)
	}

	return prepared{
		index:  index,
		event:  event,
		unit:   metric.Unit,
		window: s.CurrentWindow(recordedAt),
	}, nil
}

func (s *Service) validateRequest(req usagedomain.TrackRequest) error {
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) {
		return &usagedomain.ValidationError{Field: "quantity", Reason: "must be a finite number"}
	}
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &usagedomain.ValidationError{Field: "event", Reason: err.Error()}
	}
	fe := fieldErrs[0]
	return &usagedomain.ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}

func (s *Service) GetUsage(ctx context.Context, orgID snowflake.ID, metricID string, period billingperiod.Period) (*usagedomain.UsageSummary, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	metricID = strings.TrimSpace(metricID)
	if metricID == "" {
		return nil, usagedomain.ErrInvalidMetric
	}
	metric, err := s.catalog.GetMetric(ctx, metricID)
	if err != nil {
		return nil, err
	}

	if period.IsZero() {
		period = s.CurrentWindow(s.clock.Now())
	}
	if !period.Valid() {
		return nil, usagedomain.ErrInvalidPeriod
	}
	period = billingperiod.New(period.Start, period.End)

	var summary *usagedomain.UsageSummary
	if window := s.CurrentWindow(period.Start); window.Start.Equal(period.Start) && window.End.Equal(period.End) {
		summary, err = s.repo.FindSummary(ctx, s.db, orgID, metric.ID, period.Start)
		if err != nil {
			return nil, err
		}
	} else {
		total, err := s.repo.SumEvents(ctx, s.db, orgID, metric.ID, period.Start, period.End)
		if err != nil {
			return nil, err
		}
		summary = &usagedomain.UsageSummary{TotalUsage: total.TotalUsage, EventCount: total.EventCount}
	}
	if summary == nil {
		summary = &usagedomain.UsageSummary{}
	}
	summary.OrgID = orgID
	summary.MetricID = metric.ID
	summary.PeriodStart = period.Start
	summary.PeriodEnd = period.End
	summary.Unit = metric.Unit

	s.attachCost(ctx, orgID, []*usagedomain.UsageSummary{summary})
	return summary, nil
}

func (s *Service) GetCurrentUsage(ctx context.Context, orgID snowflake.ID) ([]usagedomain.UsageSummary, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	window := s.CurrentWindow(s.clock.Now())
	items, err := s.repo.ListSummaries(ctx, s.db, orgID, window.Start)
	if err != nil {
		return nil, err
	}

	refs := make([]*usagedomain.UsageSummary, len(items))
	for i := range items {
		refs[i] = &items[i]
	}
	s.attachCost(ctx, orgID, refs)
	return items, nil
}

// attachCost prices summaries against the organization's active plan. The
// figure is informational, so lookup failures only get logged.
func (s *Service) attachCost(ctx context.Context, orgID snowflake.ID, summaries []*usagedomain.UsageSummary) {
	if s.plans == nil || len(summaries) == 0 {
		return
	}
	plan, err := s.plans.ActivePlan(ctx, orgID)
	if err != nil {
		s.log.Warn("resolve active plan for usage cost", zap.String("org_id", orgID.String()), zap.Error(err))
		return
	}
	if plan == nil {
		return
	}
	for _, summary := range summaries {
		rule, ok := plan.RuleFor(summary.MetricID)
		if !ok {
			continue
		}
		cost := pricing.CalculateMetricCost(pricing.Usage{
			MetricID:   summary.MetricID,
			TotalUsage: summary.TotalUsage,
			Unit:       summary.Unit,
		}, rule).Cost
		summary.CurrentCost = &cost
	}
}

func (s *Service) ListEvents(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	if req.OrganizationID == 0 {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidOrganization
	}
	if !req.From.IsZero() && !req.To.IsZero() && !req.To.After(req.From) {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidPeriod
	}

	filter := usagedomain.EventFilter{
		OrgID:    req.OrganizationID,
		MetricID: strings.TrimSpace(req.MetricID),
		From:     req.From,
		To:       req.To,
	}
	page := pagination.Pagination{PageToken: req.PageToken, PageSize: req.PageSize}
	if page.PageSize <= 0 {
		page.PageSize = pagination.DefaultPageSize
	}
	if page.PageSize > pagination.MaxPageSize {
		page.PageSize = pagination.MaxPageSize
	}

	items, err := s.repo.ListEvents(ctx, s.db, filter, page)
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}
	items, pageInfo := pagination.Trim(items, page.PageSize, func(e *usagedomain.UsageEvent) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String(), CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, e := range items {
		events = append(events, *e)
	}
	resp := usagedomain.ListEventsResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// RecomputeSummary rebuilds the window containing at from the event log.
func (s *Service) RecomputeSummary(ctx context.Context, orgID snowflake.ID, metricID string, at time.Time) (*usagedomain.UsageSummary, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	metric, err := s.catalog.GetMetric(ctx, strings.TrimSpace(metricID))
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.clock.Now()
	}
	window := s.CurrentWindow(at)
	now := s.clock.Now().UTC()

	var out *usagedomain.UsageSummary
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		total, err := s.repo.SumEvents(ctx, tx, orgID, metric.ID, window.Start, window.End)
		if err != nil {
			return err
		}
		if err := s.repo.ReplaceSummary(ctx, tx, &usagedomain.UsageSummary{
			ID:          s.genID.Generate(),
			OrgID:       orgID,
			MetricID:    metric.ID,
			PeriodStart: window.Start,
			PeriodEnd:   window.End,
			TotalUsage:  total.TotalUsage,
			EventCount:  total.EventCount,
			Unit:        metric.Unit,
			CreatedAt:   now,
			UpdatedAt:   now,
		}); err != nil {
			return err
		}
		out, err = s.repo.FindSummary(ctx, tx, orgID, metric.ID, window.Start)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("usage summary recomputed",
		zap.String("org_id", orgID.String()),
		zap.String("metric_id", metric.ID),
		zap.Time("period_start", window.Start),
		zap.Float64("total_usage", out.TotalUsage),
	)
	return out, nil
}

func (s *Service) UsageInRange(ctx context.Context, orgID snowflake.ID, period billingperiod.Period) ([]usagedomain.MetricTotal, error) {
	if orgID == 0 {
		return nil, usagedomain.ErrInvalidOrganization
	}
	if !period.Valid() {
		return nil, usagedomain.ErrInvalidPeriod
	}
	return s.repo.TotalsByMetric(ctx, s.db, orgID, period.Start.UTC(), period.End.UTC())
}

func (s *Service) CurrentWindow(at time.Time) billingperiod.Period {
	return billingperiod.Containing(at.UTC(), s.granularity)
}

func (s *Service) delta(orgID snowflake.ID, metricID, unit string, window billingperiod.Period, qty float64, events int64) usagedomain.SummaryDelta {
	return usagedomain.SummaryDelta{
		ID:          s.genID.Generate(),
		OrgID:       orgID,
		MetricID:    metricID,
		PeriodStart: window.Start,
		PeriodEnd:   window.End,
		Unit:        unit,
		Quantity:    qty,
		Events:      events,
		At:          s.clock.Now().UTC(),
	}
}

func (s *Service) recordAccepted(ctx context.Context, event *usagedomain.UsageEvent) {
	s.obsMetrics.RecordUsageEvent(ctx, event.MetricID, event.Quantity)
	cloudmetrics.RecordUsageEvent(event.OrgID.String(), event.MetricID, event.Quantity)
}

// evaluateLimits never fails the ingest path.
func (s *Service) evaluateLimits(ctx context.Context, orgID snowflake.ID, metricID string) {
	if s.limits == nil {
		return
	}
	if err := s.limits.EvaluateMetric(ctx, orgID, metricID); err != nil {
		s.log.Error("evaluate usage limits",
			zap.String("org_id", orgID.String()),
			zap.String("metric_id", metricID),
			zap.Error(err),
		)
	}
}

func (s *Service) publish(event *usagedomain.UsageEvent, status string) {
	if s.liveEvents == nil || event == nil {
		return
	}
	live := liveevents.LiveEvent{
		EventID:   event.ID.String(),
		MetricID:  event.MetricID,
		Quantity:  event.Quantity,
		Timestamp: event.RecordedAt.UTC().Format(time.RFC3339Nano),
		Status:    status,
	}
	if event.IdempotencyKey != nil {
		live.IdempotencyKey = *event.IdempotencyKey
	}
	s.liveEvents.Publish(event.OrgID, live)
}

func failure(index int, metricID string, err error) usagedomain.BatchFailure {
	return usagedomain.BatchFailure{Index: index, MetricID: metricID, Error: err.Error(), Err: err}
}

func rejectReason(err error) string {
	var verr *usagedomain.ValidationError
	switch {
	case errors.As(err, &verr):
		return verr.Field
	case errors.Is(err, usagedomain.ErrInvalidOrganization):
		return "organization"
	default:
		return "other"
	}
}
