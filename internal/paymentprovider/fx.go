package paymentprovider

import (
	"strings"

	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/internal/paymentprovider/noop"
	"github.com/smallbiznis/tally/internal/paymentprovider/reporter"
	"github.com/smallbiznis/tally/internal/paymentprovider/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("paymentprovider",
	fx.Provide(func() *Registry {
		return NewRegistry(stripe.NewFactory(), noop.NewFactory())
	}),
	fx.Provide(NewProvider),
	fx.Provide(reporter.New),
)

// NewProvider builds the configured provider, falling back to noop when none
// is selected.
func NewProvider(cfg config.Config, registry *Registry, log *zap.Logger) (domain.Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Payment.Name))
	if name == "" {
		name = "noop"
	}
	provider, err := registry.New(name, domain.Config{
		APIKey:  cfg.Payment.APIKey,
		BaseURL: cfg.Payment.BaseURL,
		Timeout: cfg.Payment.Timeout,
	})
	if err != nil {
		return nil, err
	}
	log.Named("paymentprovider").Info("payment provider selected", zap.String("provider", provider.Name()))
	return provider, nil
}
