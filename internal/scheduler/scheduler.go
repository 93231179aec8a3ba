package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/tally/internal/clock"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/paymentprovider/reporter"
	"github.com/smallbiznis/tally/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// UsageReporter pushes unreported usage to the payment provider.
type UsageReporter interface {
	ReportPending(ctx context.Context, batchSize int) (reporter.Result, error)
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Invoices      invoicedomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Repository
	Limits        limitdomain.Service
	Reporter      *reporter.Reporter `optional:"true"`
	Locker        *ratelimit.Locker  `optional:"true"`
	Config        Config             `optional:"true"`
}

type Scheduler struct {
	db            *gorm.DB
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	invoices      invoicedomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Repository
	limits        limitdomain.Service
	reporter      UsageReporter
	locker        *ratelimit.Locker
	metrics       *obsmetrics.SchedulerMetrics

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Invoices == nil || p.Subscriptions == nil || p.Usage == nil || p.Limits == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		db:            p.DB,
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		clock:         p.Clock,
		invoices:      p.Invoices,
		subscriptions: p.Subscriptions,
		usage:         p.Usage,
		limits:        p.Limits,
		locker:        p.Locker,
		metrics:       obsmetrics.Scheduler(),
		lastRun:       make(map[string]time.Time),
	}
	if p.Reporter != nil {
		s.reporter = p.Reporter
	}
	return s, nil
}

type job struct {
	name     string
	interval time.Duration
	timeout  time.Duration
	run      func(ctx context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobInvoiceCycle, s.cfg.InvoiceInterval, 5 * time.Minute, s.InvoiceCycleJob},
		{JobUsageReport, s.cfg.ReportInterval, time.Minute, s.UsageReportJob},
		{JobAnomalySweep, s.cfg.AnomalyInterval, 5 * time.Minute, s.AnomalySweepJob},
	}
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)
	s.metrics.IncJobRun(name)

	err := s.withLock(ctx, name, fn)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if errors.Is(err, errLockHeld) {
		s.metrics.IncJobSkipped(name, obsmetrics.SchedulerSkipReasonLockHeld)
		s.logger(ctx).Debug("scheduler.job.skipped", zap.String("job", name), zap.String("reason", "lock_held"))
		return nil
	}
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	s.metrics.IncJobError(name, err)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed since its last
// run. A job that has never run is due immediately.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	now := s.clock.Now()
	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) || !s.due(j.name, j.interval, now) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, j.name, j.timeout, j.run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.Tick)

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if lag := time.Since(nextRun); lag > 0 {
			s.metrics.ObserveRunLoopLag(lag)
		}
		nextRun = nextRun.Add(s.cfg.Tick)
	}
}

func (s *Scheduler) due(name string, interval time.Duration, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[name]
	if ok && now.Sub(last) < interval {
		return false
	}
	s.lastRun[name] = now
	return true
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
