package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    subscriptiondomain.Repository
	catalog catalogdomain.Service
	limits  limitdomain.Service
	audit   auditdomain.Service
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    subscriptiondomain.Repository
	Catalog catalogdomain.Service
	Limits  limitdomain.Service `optional:"true"`
	Audit   auditdomain.Service `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
		limits:  p.Limits,
		audit:   p.Audit,
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	plan, err := s.loadPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	start := now
	if req.StartAt != nil {
		if req.StartAt.IsZero() {
			return nil, subscriptiondomain.ErrInvalidStartAt
		}
		start = req.StartAt.UTC()
	}
	interval, err := billingperiod.ParseGranularity(string(plan.BillingInterval))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	period := billingperiod.Anchored(start, interval)

	active := orgID
	sub := &subscriptiondomain.Subscription{
		ID:                 s.genID.Generate(),
		OrgID:              orgID,
		ActiveOrgID:        &active,
		PlanID:             plan.ID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		Interval:           interval,
		CurrentPeriodStart: period.Start,
		CurrentPeriodEnd:   period.End,
		ProviderItems:      datatypes.NewJSONType(normalizeItems(req.ProviderItems)),
		Metadata:           datatypes.JSONMap(req.Metadata),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if ref := strings.TrimSpace(req.ProviderSubscriptionID); ref != "" {
		sub.ProviderSubscriptionID = &ref
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindActiveByOrgIDForUpdate(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if existing != nil {
			return subscriptiondomain.ErrSubscriptionExists
		}
		return s.repo.Insert(ctx, tx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("org_id", orgID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", plan.ID),
		zap.Time("period_end", sub.CurrentPeriodEnd),
	)
	s.applyTemplates(ctx, orgID, plan)
	return sub, nil
}

func (s *Service) Get(ctx context.Context, orgID, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	orgID, err := s.resolveOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) GetActive(ctx context.Context, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	orgID, err := s.resolveOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.FindActiveByOrgID(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// ActivePlan returns the plan orgID is billed on, or nil when the
// organization has no live subscription.
func (s *Service) ActivePlan(ctx context.Context, orgID snowflake.ID) (*catalogdomain.BillingPlan, error) {
	sub, err := s.GetActive(ctx, orgID)
	if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.catalog.GetPlan(ctx, sub.PlanID)
}

// ChangePlan moves the live subscription to another plan effective
// immediately and re-applies the new plan's limit templates. The current
// period is kept; proration is previewed separately.
func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (*subscriptiondomain.Subscription, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	plan, err := s.loadPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	var (
		updated  *subscriptiondomain.Subscription
		previous string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.FindActiveByOrgIDForUpdate(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		previous = sub.PlanID
		if sub.PlanID == plan.ID {
			updated = sub
			return nil
		}
		if err := s.repo.UpdatePlan(ctx, tx, sub.ID, plan.ID, s.clock.Now().UTC()); err != nil {
			return err
		}
		updated, err = s.repo.FindByID(ctx, tx, orgID, sub.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if previous == plan.ID {
		return updated, nil
	}

	s.log.Info("subscription plan changed",
		zap.String("org_id", orgID.String()),
		zap.String("subscription_id", updated.ID.String()),
		zap.String("from_plan", previous),
		zap.String("to_plan", plan.ID),
	)
	s.applyTemplates(ctx, orgID, plan)
	s.emitAudit(ctx, auditdomain.Event{
		OrgID:      orgID,
		Action:     auditdomain.ActionPlanChanged,
		TargetType: "subscription",
		TargetID:   updated.ID.String(),
		Metadata:   map[string]any{"from_plan": previous, "to_plan": plan.ID},
	})
	return updated, nil
}

// Cancel ends the live subscription now, or flags it to end when the current
// period closes.
func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (*subscriptiondomain.Subscription, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	sub, err := s.repo.FindActiveByOrgID(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	now := s.clock.Now().UTC()
	if req.AtPeriodEnd {
		err = s.repo.ScheduleCancel(ctx, s.db, sub.ID, now)
	} else {
		err = s.repo.Cancel(ctx, s.db, sub.ID, now)
	}
	if err != nil {
		return nil, err
	}

	s.emitAudit(ctx, auditdomain.Event{
		OrgID:      orgID,
		Action:     auditdomain.ActionSubscriptionEnded,
		TargetType: "subscription",
		TargetID:   sub.ID.String(),
		Metadata:   map[string]any{"at_period_end": req.AtPeriodEnd},
	})
	return s.repo.FindByID(ctx, s.db, orgID, sub.ID)
}

// AdvancePeriod rolls sub into its next period. A subscription flagged to
// cancel at period end is canceled instead. Concurrent advances of the same
// period fail with db.ErrConcurrencyConflict.
func (s *Service) AdvancePeriod(ctx context.Context, sub subscriptiondomain.Subscription) (*subscriptiondomain.Subscription, error) {
	now := s.clock.Now().UTC()
	if sub.CancelAtPeriodEnd {
		if err := s.repo.Cancel(ctx, s.db, sub.ID, now); err != nil {
			return nil, err
		}
		s.log.Info("subscription canceled at period end",
			zap.String("org_id", sub.OrgID.String()),
			zap.String("subscription_id", sub.ID.String()),
		)
		return s.repo.FindByID(ctx, s.db, sub.OrgID, sub.ID)
	}

	next := billingperiod.Advance(sub.CurrentPeriodEnd, sub.Interval)
	if err := s.repo.AdvancePeriod(ctx, s.db, sub.ID, sub.CurrentPeriodEnd, next, now); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, s.db, sub.OrgID, sub.ID)
}

func (s *Service) ListDue(ctx context.Context, before time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListDue(ctx, s.db, before.UTC(), limit)
}

func (s *Service) ListLinked(ctx context.Context) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListLinked(ctx, s.db)
}

func (s *Service) loadPlan(ctx context.Context, planID string) (*catalogdomain.BillingPlan, error) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return nil, subscriptiondomain.ErrInvalidPlan
	}
	plan, err := s.catalog.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, subscriptiondomain.ErrInactivePlan
	}
	return plan, nil
}

// applyTemplates runs outside the subscription transaction; a failure leaves
// the previous limits in place and is logged.
func (s *Service) applyTemplates(ctx context.Context, orgID snowflake.ID, plan *catalogdomain.BillingPlan) {
	if s.limits == nil || len(plan.Limits()) == 0 {
		return
	}
	if _, err := s.limits.ApplyTemplates(ctx, orgID, plan.Limits()); err != nil {
		s.log.Warn("apply plan limit templates",
			zap.String("org_id", orgID.String()),
			zap.String("plan_id", plan.ID),
			zap.Error(err),
		)
	}
}

func (s *Service) resolveOrg(ctx context.Context, orgID snowflake.ID) (snowflake.ID, error) {
	if orgID != 0 {
		return orgID, nil
	}
	if id, ok := orgcontext.OrgIDFromContext(ctx); ok && id != 0 {
		return id, nil
	}
	return 0, subscriptiondomain.ErrInvalidOrganization
}

func (s *Service) emitAudit(ctx context.Context, event auditdomain.Event) {
	if s.audit == nil {
		return
	}
	s.audit.Emit(ctx, event)
}

func normalizeItems(items map[string]string) map[string]string {
	out := make(map[string]string, len(items))
	for metricID, itemID := range items {
		metricID = strings.TrimSpace(metricID)
		itemID = strings.TrimSpace(itemID)
		if metricID == "" || itemID == "" {
			continue
		}
		out[metricID] = itemID
	}
	return out
}
