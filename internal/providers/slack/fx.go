package slack

import (
	"context"
	"strings"

	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/config"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
	fx.Provide(newLifecycleNotifier),
	fx.Provide(func(n *Notifier) limitdomain.AlertNotifier { return n }),
	fx.Provide(func(n *Notifier) auditdomain.Forwarder { return n }),
)

func NewFromConfig(cfg config.Config) Provider {
	url := strings.TrimSpace(cfg.Slack.WebhookURL)
	if url == "" {
		return &NoOpProvider{}
	}
	return NewWebhook(url, nil)
}

func newLifecycleNotifier(lc fx.Lifecycle, cfg config.Config, provider Provider, log *zap.Logger) *Notifier {
	n := NewNotifier(provider, cfg.Slack.Channel, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			n.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			n.Stop()
			return nil
		},
	})
	return n
}
