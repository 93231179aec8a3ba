package catalog

import (
	"context"
	"strings"

	"github.com/smallbiznis/tally/internal/cache"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/catalog/repository"
	"github.com/smallbiznis/tally/internal/catalog/service"
	"github.com/smallbiznis/tally/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("catalog.service",
	fx.Provide(cache.NewCatalogCache),
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)

// SeedModule loads CATALOG_FILE on start and keeps watching it.
var SeedModule = fx.Module("catalog.seed",
	fx.Invoke(registerSeed),
)

func registerSeed(lc fx.Lifecycle, cfg config.Config, svc catalogdomain.Service, log *zap.Logger) error {
	if strings.TrimSpace(cfg.CatalogFile) == "" {
		return nil
	}
	loader, err := NewLoader(cfg.CatalogFile, svc, log)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(startCtx context.Context) error {
			if _, err := loader.Seed(startCtx); err != nil {
				return err
			}
			loader.Watch(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return nil
}
