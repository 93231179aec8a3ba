package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/gosimple/slug"
	"github.com/smallbiznis/tally/internal/cache"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  catalogdomain.Repository
	Cache cache.CatalogCache `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  catalogdomain.Repository
	cache cache.CatalogCache
}

func New(p Params) catalogdomain.Service {
	c := p.Cache
	if c == nil {
		c = cache.NewCatalogCache()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("catalog.service"),
		clock: p.Clock,
		repo:  p.Repo,
		cache: c,
	}
}

func (s *Service) CreateMetric(ctx context.Context, req catalogdomain.CreateMetricRequest) (*catalogdomain.UsageMetric, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, catalogdomain.ErrInvalidMetricName
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = name
	}
	id = slug.Make(id)
	if id == "" || len(id) > 64 {
		return nil, catalogdomain.ErrInvalidMetricID
	}
	unit := strings.TrimSpace(req.Unit)
	if unit == "" || len(unit) > 32 {
		return nil, catalogdomain.ErrInvalidUnit
	}

	existing, err := s.repo.FindMetric(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, catalogdomain.ErrMetricExists
	}

	metric := &catalogdomain.UsageMetric{
		ID:          id,
		Name:        name,
		Unit:        unit,
		Description: strings.TrimSpace(req.Description),
		CreatedAt:   s.clock.Now(),
	}
	if err := s.repo.InsertMetric(ctx, s.db, metric); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, catalogdomain.ErrMetricExists
		}
		return nil, err
	}

	s.cache.SetMetric(metric)
	s.log.Info("usage metric created", zap.String("metric_id", id), zap.String("unit", unit))
	return metric, nil
}

func (s *Service) GetMetric(ctx context.Context, id string) (*catalogdomain.UsageMetric, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, catalogdomain.ErrInvalidMetricID
	}
	if metric, ok := s.cache.GetMetric(id); ok {
		return metric, nil
	}

	metric, err := s.repo.FindMetric(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if metric == nil {
		return nil, catalogdomain.ErrMetricNotFound
	}
	s.cache.SetMetric(metric)
	return metric, nil
}

func (s *Service) ListMetrics(ctx context.Context) ([]catalogdomain.UsageMetric, error) {
	return s.repo.ListMetrics(ctx, s.db)
}

func (s *Service) CreatePlan(ctx context.Context, req catalogdomain.CreatePlanRequest) (*catalogdomain.BillingPlan, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" || len(id) > 64 || !slug.IsSlug(id) {
		return nil, catalogdomain.ErrInvalidPlanID
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, catalogdomain.ErrInvalidPlanName
	}
	if req.BasePrice.IsNegative() {
		return nil, catalogdomain.ErrInvalidBasePrice
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if len(currency) != 3 {
		return nil, catalogdomain.ErrInvalidCurrency
	}
	interval := catalogdomain.BillingInterval(strings.ToLower(strings.TrimSpace(string(req.BillingInterval))))
	if interval == "" {
		interval = catalogdomain.BillingIntervalMonth
	}
	if !interval.Valid() {
		return nil, catalogdomain.ErrInvalidInterval
	}

	rules, err := s.normalizeRules(ctx, req.PricingRules)
	if err != nil {
		return nil, err
	}
	templates, err := s.normalizeTemplates(ctx, req.LimitTemplates)
	if err != nil {
		return nil, err
	}
	features := normalizeFeatures(req.Features)

	existing, err := s.repo.FindPlan(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, catalogdomain.ErrPlanExists
	}

	plan := &catalogdomain.BillingPlan{
		ID:              id,
		Name:            name,
		Description:     strings.TrimSpace(req.Description),
		BasePrice:       req.BasePrice,
		Currency:        currency,
		BillingInterval: interval,
		PricingRules:    datatypes.NewJSONType(rules),
		LimitTemplates:  datatypes.NewJSONType(templates),
		Features:        datatypes.NewJSONType(features),
		Active:          !req.Inactive,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.repo.InsertPlan(ctx, s.db, plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, catalogdomain.ErrPlanExists
		}
		return nil, err
	}

	s.cache.SetPlan(plan)
	s.log.Info("billing plan created",
		zap.String("plan_id", id),
		zap.String("base_price", plan.BasePrice.String()),
		zap.Int("pricing_rules", len(rules)),
	)
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id string) (*catalogdomain.BillingPlan, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, catalogdomain.ErrInvalidPlanID
	}
	if plan, ok := s.cache.GetPlan(id); ok {
		return plan, nil
	}

	plan, err := s.repo.FindPlan(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, catalogdomain.ErrPlanNotFound
	}
	s.cache.SetPlan(plan)
	return plan, nil
}

func (s *Service) ListPlans(ctx context.Context, activeOnly bool) ([]catalogdomain.BillingPlan, error) {
	return s.repo.ListPlans(ctx, s.db, activeOnly)
}

func (s *Service) normalizeRules(ctx context.Context, rules []catalogdomain.PricingRule) ([]catalogdomain.PricingRule, error) {
	out := make([]catalogdomain.PricingRule, 0, len(rules))
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		rule.MetricID = strings.TrimSpace(rule.MetricID)
		if _, err := s.GetMetric(ctx, rule.MetricID); err != nil {
			return nil, fmt.Errorf("%w: %s", err, rule.MetricID)
		}
		if _, dup := seen[rule.MetricID]; dup {
			return nil, fmt.Errorf("%w: %s", catalogdomain.ErrDuplicatePricing, rule.MetricID)
		}
		seen[rule.MetricID] = struct{}{}

		rule.Model = catalogdomain.PricingModel(strings.ToLower(strings.TrimSpace(string(rule.Model))))
		if !rule.Model.Valid() {
			return nil, catalogdomain.ErrInvalidPricingModel
		}
		if rule.FreeTier < 0 {
			return nil, fmt.Errorf("%w: free tier must not be negative", catalogdomain.ErrInvalidPricingRule)
		}
		if rule.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: unit price must not be negative", catalogdomain.ErrInvalidPricingRule)
		}
		for i, tier := range rule.Tiers {
			if err := validateTier(tier); err != nil {
				return nil, fmt.Errorf("%w: tier %d of %s", err, i, rule.MetricID)
			}
		}
		out = append(out, rule)
	}
	return out, nil
}

func validateTier(tier catalogdomain.Tier) error {
	if tier.From < 0 {
		return catalogdomain.ErrInvalidTier
	}
	if tier.To != nil && *tier.To <= tier.From {
		return catalogdomain.ErrInvalidTier
	}
	if tier.UnitPrice.IsNegative() || tier.FlatFee.IsNegative() {
		return catalogdomain.ErrInvalidTier
	}
	return nil
}

func (s *Service) normalizeTemplates(ctx context.Context, templates []catalogdomain.LimitTemplate) ([]catalogdomain.LimitTemplate, error) {
	out := make([]catalogdomain.LimitTemplate, 0, len(templates))
	for _, tpl := range templates {
		tpl.MetricID = strings.TrimSpace(tpl.MetricID)
		if _, err := s.GetMetric(ctx, tpl.MetricID); err != nil {
			return nil, fmt.Errorf("%w: %s", err, tpl.MetricID)
		}
		tpl.LimitType = strings.ToLower(strings.TrimSpace(tpl.LimitType))
		tpl.ResetPeriod = strings.ToLower(strings.TrimSpace(tpl.ResetPeriod))
		if tpl.ResetPeriod == "" {
			tpl.ResetPeriod = string(limitdomain.ResetMonthly)
		}
		if !limitdomain.LimitType(tpl.LimitType).Valid() ||
			!limitdomain.ResetPeriod(tpl.ResetPeriod).Valid() ||
			tpl.LimitValue <= 0 ||
			limitdomain.ValidateThresholds(tpl.Thresholds) != nil {
			return nil, fmt.Errorf("%w: %s", catalogdomain.ErrInvalidLimit, tpl.MetricID)
		}
		out = append(out, tpl)
	}
	return out, nil
}

func normalizeFeatures(features []string) []string {
	out := make([]string, 0, len(features))
	seen := make(map[string]struct{}, len(features))
	for _, f := range features {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}
