// Package noop is the provider used when no payment provider is configured.
// Usage reports are accepted and dropped.
package noop

import (
	"context"

	"github.com/smallbiznis/tally/internal/paymentprovider/domain"
)

const providerName = "noop"

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (f *Factory) Provider() string { return providerName }

func (f *Factory) New(domain.Config) (domain.Provider, error) { return Provider{}, nil }

type Provider struct{}

func (Provider) Name() string { return providerName }

func (Provider) ReportUsage(context.Context, domain.UsageRecord) error { return nil }

func (Provider) UpcomingInvoice(context.Context, string) (*domain.UpcomingInvoice, error) {
	return nil, domain.ErrNotSupported
}

func (Provider) InvoiceArtifact(context.Context, string) (*domain.Artifact, error) {
	return nil, domain.ErrNotSupported
}
