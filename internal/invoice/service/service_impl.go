package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auditdomain "github.com/smallbiznis/tally/internal/audit/domain"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/cloudmetrics"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/internal/invoice/format"
	"github.com/smallbiznis/tally/internal/invoice/render"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	"github.com/smallbiznis/tally/internal/orgcontext"
	paymentdomain "github.com/smallbiznis/tally/internal/paymentprovider/domain"
	"github.com/smallbiznis/tally/internal/pricing"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          invoicedomain.Repository
	Renderer      render.Renderer
	Catalog       catalogdomain.Service
	Subscriptions subscriptiondomain.Service
	Usage         usagedomain.Service
	Provider      paymentdomain.Provider `optional:"true"`
	Audit         auditdomain.Service    `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics    `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     invoicedomain.Repository
	renderer render.Renderer

	catalog       catalogdomain.Service
	subscriptions subscriptiondomain.Service
	usage         usagedomain.Service
	provider      paymentdomain.Provider
	audit         auditdomain.Service
	obsMetrics    *obsmetrics.Metrics

	numberTemplate string
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("invoice.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		repo:           p.Repo,
		renderer:       p.Renderer,
		catalog:        p.Catalog,
		subscriptions:  p.Subscriptions,
		usage:          p.Usage,
		provider:       p.Provider,
		audit:          p.Audit,
		obsMetrics:     p.ObsMetrics,
		numberTemplate: format.DefaultInvoiceNumberTemplate,
	}
}

// GenerateInvoice prices the subscription's usage for the period and stores
// the result as a draft. Generating the same (subscription, period) again
// returns the stored invoice.
func (s *Service) GenerateInvoice(ctx context.Context, req invoicedomain.GenerateInvoiceRequest) (*invoicedomain.Invoice, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}

	sub, err := s.loadSubscription(ctx, orgID, req.SubscriptionID)
	if err != nil {
		return nil, err
	}

	period := sub.Period()
	if req.PeriodStart != nil || req.PeriodEnd != nil {
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			return nil, invoicedomain.ErrInvalidPeriod
		}
		period = billingperiod.New(*req.PeriodStart, *req.PeriodEnd)
	}
	if !period.Valid() {
		return nil, invoicedomain.ErrInvalidPeriod
	}

	existing, err := s.repo.FindBySubscriptionPeriod(ctx, s.db, sub.ID, period.Start)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	started := time.Now()
	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	totals, err := s.usage.UsageInRange(ctx, orgID, period)
	if err != nil {
		return nil, err
	}
	usages := make([]pricing.Usage, 0, len(totals))
	for _, total := range totals {
		usages = append(usages, pricing.Usage{MetricID: total.MetricID, TotalUsage: total.TotalUsage})
	}
	calc := pricing.CalculateUsageCost(usages, *plan, period)

	now := s.clock.Now().UTC()
	invoice := &invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		Currency:       plan.Currency,
		PeriodStart:    period.Start,
		PeriodEnd:      period.End,
		BaseCost:       calc.BaseCost,
		UsageCost:      calc.UsageCost,
		Breakdown:      datatypes.NewJSONType(calc),
		Status:         invoicedomain.InvoiceStatusDraft,
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	invoice.LineItems = s.buildLineItems(ctx, invoice.ID, *plan, calc)
	invoice.TotalAmount = sumLines(invoice.LineItems)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq, err := s.repo.NextSequence(ctx, tx, format.PeriodKey(now))
		if err != nil {
			return err
		}
		number, err := format.FormatInvoiceNumber(s.numberTemplate, now, seq)
		if err != nil {
			return err
		}
		invoice.Number = number
		return s.repo.Insert(ctx, tx, invoice)
	})
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			// A concurrent run stored this period first; its sequence value was
			// rolled back together with our insert.
			stored, findErr := s.repo.FindBySubscriptionPeriod(ctx, s.db, sub.ID, period.Start)
			if findErr != nil {
				return nil, findErr
			}
			if stored != nil {
				return stored, nil
			}
		}
		cloudmetrics.RecordEngineError(orgID.String(), "invoice.generate")
		return nil, err
	}

	s.obsMetrics.RecordInvoiceGenerated(ctx, invoice.Currency)
	cloudmetrics.RecordInvoiceGenerated(orgID.String(), time.Since(started))
	s.emitAudit(ctx, invoice, auditdomain.ActionInvoiceGenerated, map[string]any{
		"invoice_number": invoice.Number,
		"total_amount":   invoice.TotalAmount.StringFixed(2),
		"currency":       invoice.Currency,
	})
	s.log.Info("invoice generated",
		zap.String("org_id", orgID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.Number),
		zap.String("total_amount", invoice.TotalAmount.StringFixed(2)),
	)
	return invoice, nil
}

func (s *Service) GetInvoice(ctx context.Context, orgID, id snowflake.ID) (*invoicedomain.Invoice, error) {
	orgID, err := s.resolveOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	invoice, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if invoice == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	return invoice, nil
}

func (s *Service) ListInvoices(ctx context.Context, req invoicedomain.ListInvoicesRequest) (invoicedomain.ListInvoicesResponse, error) {
	orgID, err := s.resolveOrg(ctx, req.OrganizationID)
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	status := invoicedomain.InvoiceStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	switch status {
	case "", invoicedomain.InvoiceStatusDraft, invoicedomain.InvoiceStatusOpen,
		invoicedomain.InvoiceStatusPaid, invoicedomain.InvoiceStatusVoid:
	default:
		return invoicedomain.ListInvoicesResponse{}, invoicedomain.ErrInvalidStatus
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil || cursor.ID == "" {
			return invoicedomain.ListInvoicesResponse{}, invoicedomain.ErrInvalidPageToken
		}
	}
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = pagination.DefaultPageSize
	}
	if pageSize > pagination.MaxPageSize {
		pageSize = pagination.MaxPageSize
	}

	items, err := s.repo.List(ctx, s.db, invoicedomain.ListFilter{
		OrgID:          orgID,
		SubscriptionID: req.SubscriptionID,
		Status:         status,
		Pagination:     pagination.Pagination{PageToken: req.PageToken, PageSize: pageSize},
	})
	if err != nil {
		return invoicedomain.ListInvoicesResponse{}, err
	}

	items, pageInfo := pagination.Trim(items, pageSize, func(item *invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: item.ID.String(), CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	resp := invoicedomain.ListInvoicesResponse{Invoices: make([]invoicedomain.Invoice, 0, len(items))}
	for _, item := range items {
		resp.Invoices = append(resp.Invoices, *item)
	}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

func (s *Service) FinalizeInvoice(ctx context.Context, req invoicedomain.FinalizeInvoiceRequest) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, req.OrganizationID, req.InvoiceID, invoicedomain.InvoiceStatusOpen,
		auditdomain.ActionInvoiceFinalized, strings.TrimSpace(req.ProviderInvoiceID), nil)
}

func (s *Service) MarkPaid(ctx context.Context, orgID, id snowflake.ID) (*invoicedomain.Invoice, error) {
	return s.transition(ctx, orgID, id, invoicedomain.InvoiceStatusPaid, auditdomain.ActionInvoicePaid, "", nil)
}

func (s *Service) VoidInvoice(ctx context.Context, orgID, id snowflake.ID, reason string) (*invoicedomain.Invoice, error) {
	var metadata map[string]any
	if reason = strings.TrimSpace(reason); reason != "" {
		metadata = map[string]any{"reason": reason}
	}
	return s.transition(ctx, orgID, id, invoicedomain.InvoiceStatusVoid, auditdomain.ActionInvoiceVoided, "", metadata)
}

func (s *Service) transition(
	ctx context.Context,
	orgID, id snowflake.ID,
	to invoicedomain.InvoiceStatus,
	action string,
	providerInvoiceID string,
	metadata map[string]any,
) (*invoicedomain.Invoice, error) {
	invoice, err := s.GetInvoice(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	if !invoicedomain.CanTransition(invoice.Status, to) {
		return nil, invoicedomain.ErrInvalidStatusTransition
	}

	now := s.clock.Now().UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Transition(ctx, tx, invoice.ID, []invoicedomain.InvoiceStatus{invoice.Status}, to, now); err != nil {
			return err
		}
		if providerInvoiceID != "" {
			return s.repo.SetProviderInvoice(ctx, tx, invoice.ID, providerInvoiceID, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.FindByID(ctx, s.db, invoice.OrgID, invoice.ID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return nil, invoicedomain.ErrInvoiceNotFound
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["from_status"] = string(invoice.Status)
	metadata["to_status"] = string(to)
	s.emitAudit(ctx, updated, action, metadata)
	return updated, nil
}

func (s *Service) RenderPDF(ctx context.Context, orgID, id snowflake.ID) ([]byte, error) {
	invoice, err := s.GetInvoice(ctx, orgID, id)
	if err != nil {
		return nil, err
	}
	return s.renderer.RenderPDF(*invoice)
}

// GetArtifact returns the payment provider's document for invoices synced to
// one and a locally rendered PDF otherwise.
func (s *Service) GetArtifact(ctx context.Context, orgID, id snowflake.ID) (*paymentdomain.Artifact, error) {
	invoice, err := s.GetInvoice(ctx, orgID, id)
	if err != nil {
		return nil, err
	}

	if s.provider != nil && invoice.ProviderInvoiceID != nil {
		artifact, err := s.provider.InvoiceArtifact(ctx, *invoice.ProviderInvoiceID)
		switch {
		case err == nil:
			return artifact, nil
		case errors.Is(err, paymentdomain.ErrNotSupported), errors.Is(err, paymentdomain.ErrRemoteNotFound):
			s.log.Info("provider artifact unavailable, rendering locally",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
		default:
			return nil, err
		}
	}

	body, err := s.renderer.RenderPDF(*invoice)
	if err != nil {
		return nil, err
	}
	return &paymentdomain.Artifact{
		ContentType: "application/pdf",
		Filename:    invoice.Number + ".pdf",
		Body:        body,
	}, nil
}

func (s *Service) buildLineItems(ctx context.Context, invoiceID snowflake.ID, plan catalogdomain.BillingPlan, calc pricing.UsageCostCalculation) []invoicedomain.LineItem {
	base := calc.BaseCost.Round(2)
	items := []invoicedomain.LineItem{{
		ID:          s.genID.Generate(),
		InvoiceID:   invoiceID,
		Position:    0,
		Kind:        invoicedomain.LineItemBase,
		Description: fmt.Sprintf("%s subscription", plan.Name),
		Quantity:    1,
		UnitPrice:   calc.BaseCost,
		Amount:      base,
	}}

	for _, metric := range calc.Metrics {
		if metric.BillableUsage <= 0 {
			continue
		}
		metricID := metric.MetricID
		qty := decimal.NewFromFloat(metric.BillableUsage)
		desc, unit := s.describeMetric(ctx, metric)
		items = append(items, invoicedomain.LineItem{
			ID:          s.genID.Generate(),
			InvoiceID:   invoiceID,
			Position:    len(items),
			Kind:        invoicedomain.LineItemUsage,
			MetricID:    &metricID,
			Description: desc,
			Quantity:    metric.BillableUsage,
			Unit:        unit,
			UnitPrice:   metric.Cost.DivRound(qty, 6),
			Amount:      metric.Cost.Round(2),
		})
	}
	return items
}

// describeMetric returns the line description and unit. Both come from the
// catalog metric when it still exists.
func (s *Service) describeMetric(ctx context.Context, metric pricing.MetricCost) (string, string) {
	name, unit := metric.MetricID, metric.Unit
	if m, err := s.catalog.GetMetric(ctx, metric.MetricID); err == nil && m != nil {
		name = m.Name
		if unit == "" {
			unit = m.Unit
		}
	}
	desc := fmt.Sprintf("%s (%s)", name, metric.Model)
	if metric.FreeTier > 0 {
		desc += fmt.Sprintf(", %v of %v after free tier", metric.BillableUsage, metric.TotalUsage)
	}
	return desc, unit
}

func sumLines(items []invoicedomain.LineItem) decimal.Decimal {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(item.Amount)
	}
	return total
}

func (s *Service) loadSubscription(ctx context.Context, orgID, subscriptionID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	if subscriptionID == 0 {
		return s.subscriptions.GetActive(ctx, orgID)
	}
	sub, err := s.subscriptions.Get(ctx, orgID, subscriptionID)
	if err != nil {
		return nil, err
	}
	// canceled subscriptions are never billed
	if !sub.Live() {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) resolveOrg(ctx context.Context, orgID snowflake.ID) (snowflake.ID, error) {
	return orgcontext.Resolve(ctx, orgID, invoicedomain.ErrInvalidOrganization)
}

func (s *Service) emitAudit(ctx context.Context, invoice *invoicedomain.Invoice, action string, metadata map[string]any) {
	if s.audit == nil || invoice == nil {
		return
	}
	s.audit.Emit(ctx, auditdomain.Event{
		OrgID:      invoice.OrgID,
		Action:     action,
		TargetType: "invoice",
		TargetID:   invoice.ID.String(),
		Metadata:   metadata,
	})
}
