package pricing

import (
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
)

// Usage is the priced view of a usage summary.
type Usage struct {
	MetricID   string  `json:"metric_id"`
	TotalUsage float64 `json:"total_usage"`
	Unit       string  `json:"unit,omitempty"`
}

type TierCharge struct {
	Index     int             `json:"index"`
	From      float64         `json:"from"`
	To        *float64        `json:"to,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	FlatFee   decimal.Decimal `json:"flat_fee"`
	Amount    decimal.Decimal `json:"amount"`
}

type MetricCost struct {
	MetricID      string                     `json:"metric_id"`
	Model         catalogdomain.PricingModel `json:"pricing_model"`
	Unit          string                     `json:"unit,omitempty"`
	TotalUsage    float64                    `json:"total_usage"`
	FreeTier      float64                    `json:"free_tier"`
	BillableUsage float64                    `json:"billable_usage"`
	Cost          decimal.Decimal            `json:"cost"`
	Tiers         []TierCharge               `json:"tiers,omitempty"`
}

// UsageCostCalculation is the plan level result: base price plus the cost of
// every metric the plan prices.
type UsageCostCalculation struct {
	PlanID    string               `json:"plan_id"`
	Currency  string               `json:"currency"`
	Period    billingperiod.Period `json:"period"`
	BaseCost  decimal.Decimal      `json:"base_cost"`
	UsageCost decimal.Decimal      `json:"usage_cost"`
	TotalCost decimal.Decimal      `json:"total_cost"`
	Metrics   []MetricCost         `json:"metrics"`
}

// Metric returns the breakdown for metricID, if it was priced.
func (c UsageCostCalculation) Metric(metricID string) (MetricCost, bool) {
	for _, m := range c.Metrics {
		if m.MetricID == metricID {
			return m, true
		}
	}
	return MetricCost{}, false
}
