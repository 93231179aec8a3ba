package export

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/export/queue"
	"github.com/smallbiznis/tally/internal/export/repository"
	"github.com/smallbiznis/tally/internal/export/service"
	"github.com/smallbiznis/tally/internal/export/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("export.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewQueue),
	fx.Provide(NewStore),
	fx.Provide(service.NewService),
	fx.Provide(service.NewWorker),
)

type queueParams struct {
	fx.In

	Config config.Config
	Redis  *redis.Client `optional:"true"`
	Log    *zap.Logger
}

// NewQueue uses Redis when configured so API and worker processes can be
// split; otherwise jobs stay in process.
func NewQueue(p queueParams) queue.Queue {
	if p.Redis == nil {
		p.Log.Info("export queue running in process")
		return queue.NewChannelQueue(0)
	}
	return queue.NewRedisQueue(p.Redis, p.Config.Export.QueueKey)
}

func NewStore(cfg config.Config) (storage.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Export.Store)) {
	case "", "local":
		return storage.NewLocalStore(cfg.Export.LocalDir)
	case "s3":
		return storage.NewS3Store(context.Background(), cfg.Export)
	default:
		return nil, fmt.Errorf("unknown export store %q", cfg.Export.Store)
	}
}

// RunWorker starts the worker pool with the application and stops it on
// shutdown.
func RunWorker(lc fx.Lifecycle, w *service.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				w.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
