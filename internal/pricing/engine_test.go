package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func to(v float64) *float64 { return &v }

func assertMoney(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.Truef(t, got.Equal(d(want)), "expected %s, got %s", want, got.String())
}

func twoTiers() []catalogdomain.Tier {
	return []catalogdomain.Tier{
		{From: 0, To: to(100), UnitPrice: d("1")},
		{From: 100, UnitPrice: d("0.5")},
	}
}

func TestTieredVolumeGraduatedAreDistinct(t *testing.T) {
	usage := Usage{MetricID: "api-calls", TotalUsage: 150}

	tiered := CalculateMetricCost(usage, catalogdomain.PricingRule{Model: catalogdomain.PricingModelTiered, Tiers: twoTiers()})
	volume := CalculateMetricCost(usage, catalogdomain.PricingRule{Model: catalogdomain.PricingModelVolume, Tiers: twoTiers()})
	graduated := CalculateMetricCost(usage, catalogdomain.PricingRule{Model: catalogdomain.PricingModelGraduated, Tiers: twoTiers()})

	assertMoney(t, "125", tiered.Cost)
	assertMoney(t, "75", volume.Cost)
	assertMoney(t, "125", graduated.Cost)

	require.Len(t, tiered.Tiers, 2)
	assertMoney(t, "100", tiered.Tiers[0].Quantity)
	assertMoney(t, "50", tiered.Tiers[1].Quantity)
	require.Len(t, volume.Tiers, 1)
	assert.Equal(t, 1, volume.Tiers[0].Index)
}

func TestTieredAndGraduatedDivergeOnGaps(t *testing.T) {
	tiers := []catalogdomain.Tier{
		{From: 0, To: to(100), UnitPrice: d("1")},
		{From: 200, UnitPrice: d("0.5")},
	}
	usage := Usage{MetricID: "m", TotalUsage: 300}

	tiered := CalculateMetricCost(usage, catalogdomain.PricingRule{Model: catalogdomain.PricingModelTiered, Tiers: tiers})
	graduated := CalculateMetricCost(usage, catalogdomain.PricingRule{Model: catalogdomain.PricingModelGraduated, Tiers: tiers})

	// counter based: 100 @ 1 then the remaining 200 @ 0.5
	assertMoney(t, "200", tiered.Cost)
	// absolute: 100 @ 1 and the 100 above 200 @ 0.5
	assertMoney(t, "150", graduated.Cost)
}

func TestUnorderedTiersAreSorted(t *testing.T) {
	tiers := []catalogdomain.Tier{
		{From: 100, UnitPrice: d("0.5")},
		{From: 0, To: to(100), UnitPrice: d("1")},
	}
	usage := Usage{TotalUsage: 150}

	for _, model := range []catalogdomain.PricingModel{catalogdomain.PricingModelTiered, catalogdomain.PricingModelGraduated} {
		cost := CalculateMetricCost(usage, catalogdomain.PricingRule{Model: model, Tiers: tiers})
		assertMoney(t, "125", cost.Cost)
	}
	assert.Equal(t, 100.0, tiers[0].From, "input must not be reordered")
}

func TestFreeTier(t *testing.T) {
	rule := catalogdomain.PricingRule{Model: catalogdomain.PricingModelPerUnit, FreeTier: 30, UnitPrice: d("2")}

	cost := CalculateMetricCost(Usage{TotalUsage: 50}, rule)
	assertMoney(t, "40", cost.Cost)
	assert.Equal(t, 20.0, cost.BillableUsage)

	cost = CalculateMetricCost(Usage{TotalUsage: 30}, rule)
	assertMoney(t, "0", cost.Cost)

	cost = CalculateMetricCost(Usage{TotalUsage: 10}, rule)
	assertMoney(t, "0", cost.Cost)
	assert.Equal(t, 0.0, cost.BillableUsage)
}

func TestFreeTierAppliesBeforeTiers(t *testing.T) {
	rule := catalogdomain.PricingRule{Model: catalogdomain.PricingModelTiered, FreeTier: 50, Tiers: twoTiers()}
	cost := CalculateMetricCost(Usage{TotalUsage: 200}, rule)
	assertMoney(t, "125", cost.Cost)
}

func TestFlatFees(t *testing.T) {
	tiers := []catalogdomain.Tier{
		{From: 0, To: to(10), UnitPrice: d("1"), FlatFee: d("5")},
		{From: 10, UnitPrice: d("0.5"), FlatFee: d("3")},
	}

	cases := []struct {
		model catalogdomain.PricingModel
		usage float64
		want  string
	}{
		{catalogdomain.PricingModelTiered, 4, "9"},
		{catalogdomain.PricingModelTiered, 20, "23"},
		{catalogdomain.PricingModelGraduated, 20, "23"},
		{catalogdomain.PricingModelVolume, 20, "13"},
		{catalogdomain.PricingModelVolume, 0, "0"},
		{catalogdomain.PricingModelGraduated, 0, "0"},
	}
	for _, tc := range cases {
		t.Run(string(tc.model), func(t *testing.T) {
			cost := CalculateMetricCost(Usage{TotalUsage: tc.usage}, catalogdomain.PricingRule{Model: tc.model, Tiers: tiers})
			assertMoney(t, tc.want, cost.Cost)
		})
	}
}

func TestEmptyTiersCostNothing(t *testing.T) {
	for _, model := range []catalogdomain.PricingModel{
		catalogdomain.PricingModelTiered,
		catalogdomain.PricingModelVolume,
		catalogdomain.PricingModelGraduated,
	} {
		cost := CalculateMetricCost(Usage{TotalUsage: 1000}, catalogdomain.PricingRule{Model: model})
		assertMoney(t, "0", cost.Cost)
		assert.Empty(t, cost.Tiers)
	}
}

func TestVolumeBelowFirstTier(t *testing.T) {
	tiers := []catalogdomain.Tier{{From: 10, UnitPrice: d("1")}}
	cost := CalculateMetricCost(Usage{TotalUsage: 5}, catalogdomain.PricingRule{Model: catalogdomain.PricingModelVolume, Tiers: tiers})
	assertMoney(t, "0", cost.Cost)
}

func TestFractionalQuantitiesStayExact(t *testing.T) {
	rule := catalogdomain.PricingRule{Model: catalogdomain.PricingModelPerUnit, UnitPrice: d("0.0001")}
	cost := CalculateMetricCost(Usage{TotalUsage: 1234}, rule)
	assertMoney(t, "0.1234", cost.Cost)

	rule = catalogdomain.PricingRule{Model: catalogdomain.PricingModelPerUnit, UnitPrice: d("0.10")}
	cost = CalculateMetricCost(Usage{TotalUsage: 2.5}, rule)
	assertMoney(t, "0.25", cost.Cost)
}

func TestFreeTierSubtractionIsDecimal(t *testing.T) {
	rule := catalogdomain.PricingRule{Model: catalogdomain.PricingModelPerUnit, FreeTier: 0.1, UnitPrice: d("10")}

	cost := CalculateMetricCost(Usage{TotalUsage: 0.3}, rule)
	assertMoney(t, "2", cost.Cost)
	assert.Equal(t, 0.2, cost.BillableUsage)
}

func TestCombinedUsageIsSummedInDecimal(t *testing.T) {
	p := catalogdomain.BillingPlan{
		ID:       "metered",
		Currency: "USD",
		PricingRules: datatypes.NewJSONType([]catalogdomain.PricingRule{
			{MetricID: "gb", Model: catalogdomain.PricingModelPerUnit, UnitPrice: d("10")},
		}),
	}
	usages := []Usage{{MetricID: "gb", TotalUsage: 0.1}, {MetricID: "gb", TotalUsage: 0.2}}

	calc := CalculateUsageCost(usages, p, billingperiod.Period{})
	assertMoney(t, "3", calc.UsageCost)
}

func plan() catalogdomain.BillingPlan {
	return catalogdomain.BillingPlan{
		ID:        "pro",
		Currency:  "USD",
		BasePrice: d("49.99"),
		PricingRules: datatypes.NewJSONType([]catalogdomain.PricingRule{
			{MetricID: "api-calls", Model: catalogdomain.PricingModelTiered, Tiers: twoTiers()},
			{MetricID: "storage", Model: catalogdomain.PricingModelPerUnit, FreeTier: 30, UnitPrice: d("2")},
		}),
	}
}

func TestCalculateUsageCostEmptyUsageIsBasePrice(t *testing.T) {
	calc := CalculateUsageCost(nil, plan(), billingperiod.Period{})
	assertMoney(t, "49.99", calc.TotalCost)
	assertMoney(t, "0", calc.UsageCost)
	assert.Empty(t, calc.Metrics)
}

func TestCalculateUsageCostSumsRuledMetrics(t *testing.T) {
	period := billingperiod.Containing(time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC), billingperiod.Month)
	calc := CalculateUsageCost([]Usage{
		{MetricID: "storage", TotalUsage: 50, Unit: "GB"},
		{MetricID: "api-calls", TotalUsage: 100},
		{MetricID: "api-calls", TotalUsage: 50},
		{MetricID: "bandwidth", TotalUsage: 1e6},
	}, plan(), period)

	assertMoney(t, "165", calc.UsageCost)
	assertMoney(t, "214.99", calc.TotalCost)
	require.Len(t, calc.Metrics, 2)
	assert.Equal(t, "api-calls", calc.Metrics[0].MetricID)
	assert.Equal(t, 150.0, calc.Metrics[0].TotalUsage)

	_, ok := calc.Metric("bandwidth")
	assert.False(t, ok)
	storage, ok := calc.Metric("storage")
	require.True(t, ok)
	assert.Equal(t, "GB", storage.Unit)
	assert.Equal(t, period, calc.Period)
}
