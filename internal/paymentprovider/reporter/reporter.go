// Package reporter pushes summary growth to the payment provider. Each
// summary carries a reported watermark; a report sends the difference and
// advances the watermark with a compare-and-swap, so concurrent reporters
// never double report.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/clock"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/paymentprovider/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultBatchSize = 200

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Usage         usagedomain.Repository
	Subscriptions subscriptiondomain.Service
	Provider      domain.Provider
	ObsMetrics    *obsmetrics.Metrics `optional:"true"`
}

type Reporter struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	usage         usagedomain.Repository
	subscriptions subscriptiondomain.Service
	provider      domain.Provider
	obsMetrics    *obsmetrics.Metrics
}

// Result counts what one ReportPending pass did.
type Result struct {
	Reported int
	Skipped  int
	Failed   int
}

func New(p Params) *Reporter {
	return &Reporter{
		db:            p.DB,
		log:           p.Log.Named("paymentprovider.reporter"),
		clock:         p.Clock,
		usage:         p.Usage,
		subscriptions: p.Subscriptions,
		provider:      p.Provider,
		obsMetrics:    p.ObsMetrics,
	}
}

// ReportPending reports up to batchSize summaries that grew since their last
// report. Provider failures are counted and left for the next pass.
func (r *Reporter) ReportPending(ctx context.Context, batchSize int) (Result, error) {
	var res Result
	if r.provider == nil || r.provider.Name() == "noop" {
		return res, nil
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	linked, err := r.subscriptions.ListLinked(ctx)
	if err != nil {
		return res, err
	}
	byOrg := make(map[snowflake.ID]subscriptiondomain.Subscription, len(linked))
	for _, sub := range linked {
		byOrg[sub.OrgID] = sub
	}

	pending, err := r.usage.ListUnreported(ctx, r.db, batchSize)
	if err != nil {
		return res, err
	}

	for _, summary := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		sub, ok := byOrg[summary.OrgID]
		itemID := ""
		if ok {
			itemID, ok = sub.ProviderItem(summary.MetricID)
		}
		if !ok {
			// nothing bills this metric remotely; consume the growth
			if err := r.advance(ctx, summary); err != nil && !errors.Is(err, db.ErrConcurrencyConflict) {
				return res, err
			}
			res.Skipped++
			continue
		}

		delta := summary.TotalUsage - summary.ReportedUsage
		err := r.provider.ReportUsage(ctx, domain.UsageRecord{
			SubscriptionItemID: itemID,
			Quantity:           delta,
			Timestamp:          r.clock.Now(),
			IdempotencyKey:     IdempotencyKey(summary.ID, summary.TotalUsage),
		})
		if err != nil {
			res.Failed++
			r.obsMetrics.RecordProviderReport(ctx, r.provider.Name(), "error")
			r.log.Warn("report usage to payment provider",
				zap.String("org_id", summary.OrgID.String()),
				zap.String("metric_id", summary.MetricID),
				zap.Float64("quantity", delta),
				zap.Error(err),
			)
			continue
		}

		if err := r.advance(ctx, summary); err != nil {
			if errors.Is(err, db.ErrConcurrencyConflict) {
				res.Skipped++
				continue
			}
			return res, err
		}
		res.Reported++
		r.obsMetrics.RecordProviderReport(ctx, r.provider.Name(), "ok")
	}

	if res.Reported > 0 || res.Failed > 0 {
		r.log.Info("usage reported",
			zap.Int("reported", res.Reported),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed),
		)
	}
	return res, nil
}

func (r *Reporter) advance(ctx context.Context, summary usagedomain.UsageSummary) error {
	return r.usage.AdvanceReported(ctx, r.db, summary.ID, summary.ReportedUsage, summary.TotalUsage)
}

// IdempotencyKey names one report of a summary reaching total.
func IdempotencyKey(summaryID snowflake.ID, total float64) string {
	return fmt.Sprintf("%s:%s", summaryID.String(), strconv.FormatFloat(total, 'f', -1, 64))
}
