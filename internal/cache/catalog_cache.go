package cache

import (
	"strings"
	"time"

	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
)

const (
	defaultPlanTTL   = 5 * time.Minute
	defaultMetricTTL = 10 * time.Minute
)

// CatalogCache stores hot-path plan and metric lookups. Plans are immutable
// per id so entries only expire to bound memory.
type CatalogCache interface {
	GetPlan(planID string) (*catalogdomain.BillingPlan, bool)
	SetPlan(plan *catalogdomain.BillingPlan)
	GetMetric(metricID string) (*catalogdomain.UsageMetric, bool)
	SetMetric(metric *catalogdomain.UsageMetric)
}

type catalogCache struct {
	plans     Cache[string, *catalogdomain.BillingPlan]
	metrics   Cache[string, *catalogdomain.UsageMetric]
	planTTL   time.Duration
	metricTTL time.Duration
}

// NewCatalogCache returns an in-memory cache for catalog reads.
func NewCatalogCache() CatalogCache {
	return &catalogCache{
		plans:     NewTTLCache[string, *catalogdomain.BillingPlan](),
		metrics:   NewTTLCache[string, *catalogdomain.UsageMetric](),
		planTTL:   defaultPlanTTL,
		metricTTL: defaultMetricTTL,
	}
}

func (c *catalogCache) GetPlan(planID string) (*catalogdomain.BillingPlan, bool) {
	return c.plans.Get(cacheKey(planID))
}

func (c *catalogCache) SetPlan(plan *catalogdomain.BillingPlan) {
	if plan == nil || plan.ID == "" {
		return
	}
	c.plans.Set(cacheKey(plan.ID), plan, c.planTTL)
}

func (c *catalogCache) GetMetric(metricID string) (*catalogdomain.UsageMetric, bool) {
	return c.metrics.Get(cacheKey(metricID))
}

func (c *catalogCache) SetMetric(metric *catalogdomain.UsageMetric) {
	if metric == nil || metric.ID == "" {
		return
	}
	c.metrics.Set(cacheKey(metric.ID), metric, c.metricTTL)
}

func cacheKey(parts ...string) string {
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, strings.ToLower(trimmed))
	}
	return strings.Join(values, "|")
}
