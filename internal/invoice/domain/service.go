package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/pkg/db/pagination"
)

type Service interface {
	GenerateInvoice(ctx context.Context, req GenerateInvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, orgID, id snowflake.ID) (*Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoicesRequest) (ListInvoicesResponse, error)
	FinalizeInvoice(ctx context.Context, req FinalizeInvoiceRequest) (*Invoice, error)
	MarkPaid(ctx context.Context, orgID, id snowflake.ID) (*Invoice, error)
	VoidInvoice(ctx context.Context, orgID, id snowflake.ID, reason string) (*Invoice, error)
	RenderPDF(ctx context.Context, orgID, id snowflake.ID) ([]byte, error)
	GetArtifact(ctx context.Context, orgID, id snowflake.ID) (*paymentdomain.Artifact, error)
}

// GenerateInvoiceRequest invoices a subscription for a period. A zero
// SubscriptionID selects the organization's active subscription; a nil
// period selects the subscription's current period.
type GenerateInvoiceRequest struct {
	OrganizationID snowflake.ID `json:"-"`
	SubscriptionID snowflake.ID `json:"subscription_id,omitempty"`
	PeriodStart    *time.Time   `json:"period_start,omitempty"`
	PeriodEnd      *time.Time   `json:"period_end,omitempty"`
}

type ListInvoicesRequest struct {
	pagination.Pagination
	OrganizationID snowflake.ID
	SubscriptionID snowflake.ID
	Status         string
}

type ListInvoicesResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type FinalizeInvoiceRequest struct {
	OrganizationID    snowflake.ID `json:"-"`
	InvoiceID         snowflake.ID `json:"-"`
	ProviderInvoiceID string       `json:"provider_invoice_id,omitempty"`
}

var (
	ErrInvalidOrganization     = errors.New("invalid_organization")
	ErrInvalidPeriod           = errors.New("invalid_period")
	ErrInvalidStatus           = errors.New("invalid_status")
	ErrInvalidPageToken        = errors.New("invalid_page_token")
	ErrInvoiceNotFound         = errors.New("invoice_not_found")
	ErrInvalidStatusTransition = errors.New("invalid_status_transition")
	ErrCurrencyMismatch        = errors.New("currency_mismatch")
)
