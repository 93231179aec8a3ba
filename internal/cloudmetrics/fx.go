package cloudmetrics

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tally/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, registry *prometheus.Registry, pusher Pusher, logger *zap.Logger) *CloudMetrics {
		if !cfg.Cloud.Metrics.Enabled {
			return nil
		}
		return New(registry, pusher, cfg.AppVersion, logger)
	}),
	fx.Invoke(registerPushLoop),
)

func registerPushLoop(lc fx.Lifecycle, cfg config.Config, c *CloudMetrics, logger *zap.Logger, db *gorm.DB) {
	if c == nil || c.pusher == nil {
		return
	}
	interval := cfg.Cloud.Metrics.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting cloud metrics push loop", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				for {
					refresh(ctx, c, db)
					if err := c.Push(ctx); err != nil {
						logger.Warn("cloud metrics push failed", zap.Error(err))
					}
					select {
					case <-ticker.C:
					case <-ctx.Done():
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

func refresh(ctx context.Context, c *CloudMetrics, db *gorm.DB) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.SetMemoryUsage(m.Sys)

	if db == nil {
		return
	}
	var rows []struct {
		OrgID int64
		Total int
	}
	err := db.WithContext(ctx).
		Table("subscriptions").
		Select("org_id, COUNT(*) AS total").
		Where("status = ?", "active").
		Group("org_id").
		Scan(&rows).Error
	if err != nil {
		return
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[strconv.FormatInt(row.OrgID, 10)] = row.Total
	}
	c.SetActiveSubscriptions(counts)
}
