// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tally/internal/billingperiod"
	"github.com/smallbiznis/tally/internal/pricing"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "draft"
	InvoiceStatusOpen  InvoiceStatus = "open"
	InvoiceStatusPaid  InvoiceStatus = "paid"
	InvoiceStatusVoid  InvoiceStatus = "void"
)

var transitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusDraft: {InvoiceStatusOpen, InvoiceStatusVoid},
	InvoiceStatusOpen:  {InvoiceStatusPaid, InvoiceStatusVoid},
}

// CanTransition reports whether an invoice in from may move to to.
func CanTransition(from, to InvoiceStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourceStatuses lists the states an invoice may enter to from.
func SourceStatuses(to InvoiceStatus) []InvoiceStatus {
	var out []InvoiceStatus
	for from, targets := range transitions {
		for _, next := range targets {
			if next == to {
				out = append(out, from)
			}
		}
	}
	return out
}

type LineItemKind string

const (
	LineItemBase  LineItemKind = "base"
	LineItemUsage LineItemKind = "usage"
)

// Invoice is generated once per (subscription, period). Amounts on the
// invoice and its line items are rounded to cents; Breakdown keeps the full
// precision pricing result.
type Invoice struct {
	ID                snowflake.ID                                `json:"id" gorm:"primaryKey"`
	OrgID             snowflake.ID                                `json:"organization_id" gorm:"column:org_id;not null;index"`
	SubscriptionID    snowflake.ID                                `json:"subscription_id" gorm:"not null;uniqueIndex:ux_invoices_subscription_period,priority:1"`
	Number            string                                      `json:"invoice_number" gorm:"type:varchar(32);not null;uniqueIndex"`
	PlanID            string                                      `json:"plan_id" gorm:"type:varchar(64);not null"`
	Currency          string                                      `json:"currency" gorm:"type:varchar(3);not null"`
	PeriodStart       time.Time                                   `json:"period_start" gorm:"not null;uniqueIndex:ux_invoices_subscription_period,priority:2"`
	PeriodEnd         time.Time                                   `json:"period_end" gorm:"not null"`
	BaseCost          decimal.Decimal                             `json:"base_cost" gorm:"type:numeric(20,6);not null"`
	UsageCost         decimal.Decimal                             `json:"usage_cost" gorm:"type:numeric(20,6);not null"`
	TotalAmount       decimal.Decimal                             `json:"total_amount" gorm:"type:numeric(20,2);not null"`
	Breakdown         datatypes.JSONType[pricing.UsageCostCalculation] `json:"breakdown"`
	Status            InvoiceStatus                               `json:"status" gorm:"type:varchar(16);not null;index"`
	ProviderInvoiceID *string                                     `json:"provider_invoice_id,omitempty" gorm:"type:varchar(128)"`
	IssuedAt          time.Time                                   `json:"issued_at" gorm:"not null"`
	FinalizedAt       *time.Time                                  `json:"finalized_at,omitempty"`
	PaidAt            *time.Time                                  `json:"paid_at,omitempty"`
	VoidedAt          *time.Time                                  `json:"voided_at,omitempty"`
	CreatedAt         time.Time                                   `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time                                   `json:"updated_at" gorm:"not null"`
	LineItems         []LineItem                                  `json:"line_items" gorm:"foreignKey:InvoiceID;constraint:OnDelete:CASCADE"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

func (i Invoice) Period() billingperiod.Period {
	return billingperiod.New(i.PeriodStart, i.PeriodEnd)
}

// LineItem represents a line on an invoice.
type LineItem struct {
	ID          snowflake.ID    `json:"id" gorm:"primaryKey"`
	InvoiceID   snowflake.ID    `json:"invoice_id" gorm:"not null;index"`
	Position    int             `json:"position" gorm:"not null"`
	Kind        LineItemKind    `json:"kind" gorm:"type:varchar(16);not null"`
	MetricID    *string         `json:"metric_id,omitempty" gorm:"type:varchar(64)"`
	Description string          `json:"description" gorm:"type:text;not null"`
	Quantity    float64         `json:"quantity" gorm:"type:numeric;not null"`
	Unit        string          `json:"unit,omitempty" gorm:"type:varchar(32)"`
	UnitPrice   decimal.Decimal `json:"unit_price" gorm:"type:numeric(20,6);not null"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:numeric(20,2);not null"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_line_items" }

// InvoiceSequence is the per calendar month invoice counter.
type InvoiceSequence struct {
	PeriodKey string `gorm:"primaryKey;type:varchar(8)"`
	LastValue int64  `gorm:"not null"`
}

// TableName sets the database table name.
func (InvoiceSequence) TableName() string { return "invoice_sequences" }
