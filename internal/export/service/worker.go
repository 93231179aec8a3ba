package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/tally/internal/config"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	"github.com/smallbiznis/tally/internal/export/queue"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultWorkers = 2
	jobTimeout     = 15 * time.Minute
	retryBackoff   = time.Second
)

// Worker drains the export queue.
type Worker struct {
	svc     exportdomain.Service
	queue   queue.Queue
	log     *zap.Logger
	workers int
}

type WorkerParams struct {
	fx.In

	Service exportdomain.Service
	Queue   queue.Queue
	Config  config.Config
	Log     *zap.Logger
}

func NewWorker(p WorkerParams) *Worker {
	workers := p.Config.Export.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Worker{
		svc:     p.Service,
		queue:   p.Queue,
		log:     p.Log.Named("export.worker"),
		workers: workers,
	}
}

// Run blocks until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w.loop(ctx, w.log.With(zap.Int("worker", n)))
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, log *zap.Logger) {
	for {
		msg, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			log.Warn("export dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBackoff):
			}
			continue
		}
		w.handle(ctx, log, msg)
	}
}

func (w *Worker) handle(ctx context.Context, log *zap.Logger, msg queue.Message) {
	jobCtx, cancel := context.WithTimeout(correlation.Restore(ctx, msg.Carrier), jobTimeout)
	defer cancel()

	if err := w.svc.Process(jobCtx, msg.JobID); err != nil {
		log.Warn("export job failed",
			zap.String("export_id", msg.JobID),
			zap.String("correlation_id", msg.Carrier.CorrelationID),
			zap.Error(err),
		)
	}
}
