package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/orgcontext"
	"github.com/smallbiznis/tally/internal/scheduler/guard"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"go.uber.org/zap"
)

const anomalyLookback = 24 * time.Hour

// InvoiceCycleJob invoices every subscription whose period has ended and
// rolls it into the next period. Subscriptions several periods behind catch
// up one period per pass.
func (s *Scheduler) InvoiceCycleJob(ctx context.Context) error {
	run := jobRunFromContext(ctx)
	now := s.clock.Now().UTC()
	failed := make(map[snowflake.ID]struct{})
	var jobErr error

	for {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		subs, err := s.subscriptions.ListDue(ctx, now, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.invoice.list_failed", JobInvoiceCycle, 0, err)
			return errors.Join(jobErr, err)
		}

		processed := 0
		for _, sub := range subs {
			if _, ok := failed[sub.ID]; ok {
				continue
			}
			err := s.invoiceSubscription(ctx, sub, now)
			if errors.Is(err, db.ErrConcurrencyConflict) {
				// another instance advanced it first
				continue
			}
			if err != nil {
				failed[sub.ID] = struct{}{}
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(ctx, run, "scheduler.invoice.failed", JobInvoiceCycle, sub.OrgID, err,
					zap.String("subscription_id", sub.ID.String()),
					zap.Time("period_end", sub.CurrentPeriodEnd),
				)
				continue
			}
			processed++
		}
		run.AddProcessed(processed)
		s.metrics.AddBatchProcessed(JobInvoiceCycle, "subscriptions", processed)
		if processed == 0 {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) invoiceSubscription(ctx context.Context, sub subscriptiondomain.Subscription, now time.Time) error {
	period := sub.Period()
	if err := guard.EnsureSubscriptionCanInvoice(sub.Status, period, now); err != nil {
		return err
	}

	orgCtx := orgcontext.WithOrgID(withOrg(ctx, sub.OrgID), int64(sub.OrgID))
	invoice, err := s.invoices.GenerateInvoice(orgCtx, invoicedomain.GenerateInvoiceRequest{
		OrganizationID: sub.OrgID,
		SubscriptionID: sub.ID,
		PeriodStart:    &period.Start,
		PeriodEnd:      &period.End,
	})
	if err != nil {
		return err
	}
	if _, err := s.subscriptions.AdvancePeriod(orgCtx, sub); err != nil {
		return err
	}

	s.logger(orgCtx).Info("invoice.generated",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("total", invoice.TotalAmount.StringFixed(2)),
	)
	return nil
}

// UsageReportJob pushes summary growth to the payment provider.
func (s *Scheduler) UsageReportJob(ctx context.Context) error {
	if s.reporter == nil {
		return nil
	}
	run := jobRunFromContext(ctx)
	res, err := s.reporter.ReportPending(ctx, s.cfg.BatchSize)
	run.AddProcessed(res.Reported)
	s.metrics.AddBatchProcessed(JobUsageReport, "summaries", res.Reported)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.report.failed", JobUsageReport, 0, err)
		return err
	}
	if res.Failed > 0 {
		s.logger(ctx).Warn("scheduler.report.partial",
			zap.Int("reported", res.Reported),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return nil
}

// AnomalySweepJob checks every metric with recent activity against its
// trailing average.
func (s *Scheduler) AnomalySweepJob(ctx context.Context) error {
	if !s.cfg.AnomalyDetection {
		return nil
	}
	run := jobRunFromContext(ctx)
	pairs, err := s.usage.ListActiveOrgMetrics(ctx, s.db, s.clock.Now().UTC().Add(-anomalyLookback))
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.anomaly.list_failed", JobAnomalySweep, 0, err)
		return err
	}

	var jobErr error
	raised := 0
	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		alert, err := s.limits.DetectAnomaly(withOrg(ctx, pair.OrgID), pair.OrgID, pair.MetricID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logSchedulerError(ctx, run, "scheduler.anomaly.failed", JobAnomalySweep, pair.OrgID, err,
				zap.String("metric_id", pair.MetricID),
			)
			continue
		}
		if alert != nil {
			raised++
		}
	}
	run.AddProcessed(len(pairs))
	s.metrics.AddBatchProcessed(JobAnomalySweep, "metrics", len(pairs))
	if raised > 0 {
		s.logger(ctx).Info("scheduler.anomaly.raised", zap.Int("alerts", raised))
	}
	return jobErr
}
