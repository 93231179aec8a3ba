// Package domain describes the slice of a payment provider the billing engine
// consumes: usage reporting, upcoming invoice previews and invoice artifacts.
// Charging and settlement stay with the provider.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=provider.go -destination=../mock/mock_provider.go -package=mock
type Provider interface {
	Name() string
	// ReportUsage adds Quantity to the remote subscription item. Providers
	// must treat a repeated IdempotencyKey as the same report.
	ReportUsage(ctx context.Context, record UsageRecord) error
	UpcomingInvoice(ctx context.Context, providerSubscriptionID string) (*UpcomingInvoice, error)
	InvoiceArtifact(ctx context.Context, providerInvoiceID string) (*Artifact, error)
}

// Factory builds a Provider from configuration.
type Factory interface {
	Provider() string
	New(cfg Config) (Provider, error)
}

type Config struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type UsageRecord struct {
	SubscriptionItemID string
	Quantity           float64
	Timestamp          time.Time
	IdempotencyKey     string
}

type UpcomingInvoice struct {
	ProviderSubscriptionID string          `json:"provider_subscription_id"`
	Currency               string          `json:"currency"`
	AmountDue              decimal.Decimal `json:"amount_due"`
	PeriodStart            time.Time       `json:"period_start"`
	PeriodEnd              time.Time       `json:"period_end"`
	Lines                  []UpcomingLine  `json:"lines"`
}

type UpcomingLine struct {
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

// Artifact is a downloadable invoice document. Providers return either a URL
// or the document body.
type Artifact struct {
	ContentType string `json:"content_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	URL         string `json:"url,omitempty"`
	Body        []byte `json:"-"`
}

var (
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_payment_provider_config")
	ErrNotSupported     = errors.New("payment_provider_not_supported")
	ErrRemoteNotFound   = errors.New("payment_provider_resource_not_found")
	ErrRemoteRejected   = errors.New("payment_provider_rejected")
	ErrUnavailable      = errors.New("payment_provider_unavailable")
)
