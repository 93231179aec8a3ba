package render

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPDF(t *testing.T) {
	metric := "api-calls"
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	invoice := invoicedomain.Invoice{
		ID:          10,
		OrgID:       1,
		Number:      "INV-202604-0001",
		PlanID:      "starter",
		Currency:    "USD",
		PeriodStart: start,
		PeriodEnd:   start.AddDate(0, 1, 0),
		BaseCost:    decimal.RequireFromString("29"),
		UsageCost:   decimal.RequireFromString("4.5"),
		TotalAmount: decimal.RequireFromString("33.5"),
		Status:      invoicedomain.InvoiceStatusOpen,
		IssuedAt:    start.AddDate(0, 1, 0),
		LineItems: []invoicedomain.LineItem{
			{Position: 0, Kind: invoicedomain.LineItemBase, Description: "Starter plan", Quantity: 1, UnitPrice: decimal.RequireFromString("29"), Amount: decimal.RequireFromString("29")},
			{Position: 1, Kind: invoicedomain.LineItemUsage, MetricID: &metric, Description: "API calls", Quantity: 1500, Unit: "calls", UnitPrice: decimal.RequireFromString("0.003"), Amount: decimal.RequireFromString("4.5")},
		},
	}

	out, err := NewRenderer().RenderPDF(invoice)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "USD 0.003", unitPrice("USD", decimal.RequireFromString("0.003")))
	assert.Equal(t, "USD 29.00", unitPrice("USD", decimal.NewFromInt(29)))
	assert.Equal(t, "1500 calls", quantity(1500, "calls"))
	assert.Equal(t, "2.5", quantity(2.5, ""))

	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	got := servicePeriod(invoicedomain.Invoice{PeriodStart: start, PeriodEnd: start.AddDate(0, 1, 0)})
	assert.Equal(t, "Feb 1, 2026 - Feb 28, 2026", got)
}
