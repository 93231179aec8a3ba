// Package pricing computes usage cost under a plan's pricing rules. Every
// function here is pure.
package pricing

import (
	"sort"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
)

// CalculateMetricCost prices one metric's usage. The free tier is removed
// first and billable usage never drops below zero.
func CalculateMetricCost(usage Usage, rule catalogdomain.PricingRule) MetricCost {
	return priceMetric(usage.MetricID, usage.Unit, decimal.NewFromFloat(usage.TotalUsage), rule)
}

// priceMetric does all quantity arithmetic in decimal; the float fields of
// MetricCost are for display only.
func priceMetric(metricID, unit string, total decimal.Decimal, rule catalogdomain.PricingRule) MetricCost {
	total = decimal.Max(total, decimal.Zero)
	freeTier := decimal.Max(decimal.NewFromFloat(rule.FreeTier), decimal.Zero)
	billable := decimal.Max(total.Sub(freeTier), decimal.Zero)

	out := MetricCost{
		MetricID:      metricID,
		Model:         rule.Model,
		Unit:          unit,
		TotalUsage:    total.InexactFloat64(),
		FreeTier:      freeTier.InexactFloat64(),
		BillableUsage: billable.InexactFloat64(),
		Cost:          decimal.Zero,
	}

	switch rule.Model {
	case catalogdomain.PricingModelPerUnit:
		out.Cost = billable.Mul(rule.UnitPrice)
	case catalogdomain.PricingModelTiered:
		out.Cost, out.Tiers = tiered(billable, sortTiers(rule.Tiers))
	case catalogdomain.PricingModelVolume:
		out.Cost, out.Tiers = volume(billable, sortTiers(rule.Tiers))
	case catalogdomain.PricingModelGraduated:
		out.Cost, out.Tiers = graduated(billable, sortTiers(rule.Tiers))
	}
	return out
}

type combinedUsage struct {
	unit  string
	total decimal.Decimal
}

// CalculateUsageCost sums the plan base price and the cost of each metric the
// plan has a rule for. Usage for the same metric is combined before pricing;
// metrics without a rule are ignored.
func CalculateUsageCost(usages []Usage, plan catalogdomain.BillingPlan, period billingperiod.Period) UsageCostCalculation {
	combined := make(map[string]combinedUsage, len(usages))
	for _, u := range usages {
		current, ok := combined[u.MetricID]
		if !ok {
			current.total = decimal.Zero
		}
		current.total = current.total.Add(decimal.NewFromFloat(u.TotalUsage))
		if current.unit == "" {
			current.unit = u.Unit
		}
		combined[u.MetricID] = current
	}

	calc := UsageCostCalculation{
		PlanID:    plan.ID,
		Currency:  plan.Currency,
		Period:    period,
		BaseCost:  plan.BasePrice,
		UsageCost: decimal.Zero,
		Metrics:   []MetricCost{},
	}

	for _, rule := range plan.Rules() {
		usage, ok := combined[rule.MetricID]
		if !ok {
			continue
		}
		cost := priceMetric(rule.MetricID, usage.unit, usage.total, rule)
		calc.Metrics = append(calc.Metrics, cost)
		calc.UsageCost = calc.UsageCost.Add(cost.Cost)
	}

	calc.TotalCost = calc.BaseCost.Add(calc.UsageCost)
	return calc
}

func sortTiers(tiers []catalogdomain.Tier) []catalogdomain.Tier {
	sorted := make([]catalogdomain.Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].From < sorted[j].From
	})
	return sorted
}

// tiered consumes a remaining-usage counter tier by tier, each tier absorbing
// at most its own width.
func tiered(qty decimal.Decimal, tiers []catalogdomain.Tier) (decimal.Decimal, []TierCharge) {
	total := decimal.Zero
	charges := []TierCharge{}
	remaining := qty

	for i, tier := range tiers {
		if !remaining.IsPositive() {
			break
		}
		take := remaining
		if tier.To != nil {
			width := decimal.NewFromFloat(*tier.To).Sub(decimal.NewFromFloat(tier.From))
			if !width.IsPositive() {
				continue
			}
			take = decimal.Min(remaining, width)
		}

		charge := newCharge(i, tier, take)
		charges = append(charges, charge)
		total = total.Add(charge.Amount)
		remaining = remaining.Sub(take)
	}
	return total, charges
}

// graduated prices, for every tier, the part of the absolute usage that lies
// strictly above the tier's lower bound and below its upper bound.
func graduated(qty decimal.Decimal, tiers []catalogdomain.Tier) (decimal.Decimal, []TierCharge) {
	total := decimal.Zero
	charges := []TierCharge{}

	for i, tier := range tiers {
		from := decimal.NewFromFloat(tier.From)
		if qty.LessThanOrEqual(from) {
			break
		}
		upper := qty
		if tier.To != nil {
			upper = decimal.Min(qty, decimal.NewFromFloat(*tier.To))
		}
		inTier := upper.Sub(from)
		if !inTier.IsPositive() {
			continue
		}

		charge := newCharge(i, tier, inTier)
		charges = append(charges, charge)
		total = total.Add(charge.Amount)
	}
	return total, charges
}

// volume charges all usage at the rate of the highest tier whose lower bound
// the usage reached. No usage means no charge, flat fee included.
func volume(qty decimal.Decimal, tiers []catalogdomain.Tier) (decimal.Decimal, []TierCharge) {
	if !qty.IsPositive() || len(tiers) == 0 {
		return decimal.Zero, []TierCharge{}
	}

	selected := -1
	for i, tier := range tiers {
		if decimal.NewFromFloat(tier.From).LessThanOrEqual(qty) {
			selected = i
		}
	}
	if selected < 0 {
		return decimal.Zero, []TierCharge{}
	}

	charge := newCharge(selected, tiers[selected], qty)
	return charge.Amount, []TierCharge{charge}
}

func newCharge(index int, tier catalogdomain.Tier, qty decimal.Decimal) TierCharge {
	return TierCharge{
		Index:     index,
		From:      tier.From,
		To:        tier.To,
		Quantity:  qty,
		UnitPrice: tier.UnitPrice,
		FlatFee:   tier.FlatFee,
		Amount:    qty.Mul(tier.UnitPrice).Add(tier.FlatFee),
	}
}
