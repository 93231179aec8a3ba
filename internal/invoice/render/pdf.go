// Package render turns stored invoices into customer facing documents.
package render

import (
	"fmt"
	"strconv"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
	"github.com/shopspring/decimal"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
)

const dateLayout = "Jan 2, 2006"

type Renderer interface {
	RenderPDF(invoice invoicedomain.Invoice) ([]byte, error)
}

type pdfRenderer struct {
	issuer string
}

func NewRenderer() Renderer {
	return &pdfRenderer{issuer: "Tally"}
}

func (r *pdfRenderer) RenderPDF(invoice invoicedomain.Invoice) ([]byte, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()
	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Invoice", props.Text{Size: 20, Style: fontstyle.Bold, Align: align.Left}),
		text.NewCol(4, statusLabel(invoice.Status), props.Text{Size: 10, Style: fontstyle.Bold, Align: align.Right, Top: 3}),
	)

	m.AddRow(22,
		col.New(6).Add(
			text.New("Invoice number: "+invoice.Number, props.Text{Top: 0}),
			text.New("Date of issue: "+invoice.IssuedAt.UTC().Format(dateLayout), props.Text{Top: 4}),
			text.New("Service period: "+servicePeriod(invoice), props.Text{Top: 8}),
			text.New("Plan: "+invoice.PlanID, props.Text{Top: 12}),
		),
		col.New(6).Add(
			text.New(r.issuer, props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New("Organization "+invoice.OrgID.String(), props.Text{Top: 4, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, money(invoice.Currency, invoice.TotalAmount)+" due", props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	header := props.Text{Style: fontstyle.Bold, Size: 9}
	headerRight := props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}
	m.AddRow(10,
		text.NewCol(6, "Description", header),
		text.NewCol(2, "Qty", headerRight),
		text.NewCol(2, "Unit price", headerRight),
		text.NewCol(2, "Amount", headerRight),
	)
	m.AddRow(1, line.NewCol(12))

	cell := props.Text{Size: 9}
	cellRight := props.Text{Size: 9, Align: align.Right}
	for _, item := range invoice.LineItems {
		m.AddRow(8,
			text.NewCol(6, item.Description, cell),
			text.NewCol(2, quantity(item.Quantity, item.Unit), cellRight),
			text.NewCol(2, unitPrice(invoice.Currency, item.UnitPrice), cellRight),
			text.NewCol(2, money(invoice.Currency, item.Amount), cellRight),
		)
	}

	m.AddRow(1, line.NewCol(12))
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Subscription", cell),
		text.NewCol(2, money(invoice.Currency, invoice.BaseCost.Round(2)), cellRight),
	)
	m.AddRow(8,
		col.New(8),
		text.NewCol(2, "Usage", cell),
		text.NewCol(2, money(invoice.Currency, invoice.UsageCost.Round(2)), cellRight),
	)
	m.AddRow(10,
		col.New(8),
		text.NewCol(2, "Amount due", header),
		text.NewCol(2, money(invoice.Currency, invoice.TotalAmount), headerRight),
	)

	doc, err := m.Generate()
	if err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", invoice.Number, err)
	}
	return doc.GetBytes(), nil
}

func servicePeriod(invoice invoicedomain.Invoice) string {
	// period_end is exclusive
	last := invoice.PeriodEnd.UTC().AddDate(0, 0, -1)
	return invoice.PeriodStart.UTC().Format(dateLayout) + " - " + last.Format(dateLayout)
}

func statusLabel(status invoicedomain.InvoiceStatus) string {
	switch status {
	case invoicedomain.InvoiceStatusPaid:
		return "PAID"
	case invoicedomain.InvoiceStatusVoid:
		return "VOID"
	case invoicedomain.InvoiceStatusDraft:
		return "DRAFT"
	default:
		return ""
	}
}

func money(currency string, amount decimal.Decimal) string {
	return currency + " " + amount.StringFixed(2)
}

func unitPrice(currency string, price decimal.Decimal) string {
	if price.Equal(price.Round(2)) {
		return money(currency, price)
	}
	return currency + " " + price.String()
}

func quantity(qty float64, unit string) string {
	out := strconv.FormatFloat(qty, 'f', -1, 64)
	if unit != "" {
		out += " " + unit
	}
	return out
}
