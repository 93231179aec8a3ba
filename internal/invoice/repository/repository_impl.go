package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/smallbiznis/tally/pkg/db/option"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() invoicedomain.Repository {
	return &repo{}
}

func (r *repo) NextSequence(ctx context.Context, conn *gorm.DB, periodKey string) (int64, error) {
	err := conn.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "period_key"}},
		DoUpdates: clause.Assignments(map[string]any{
			"last_value": gorm.Expr("invoice_sequences.last_value + 1"),
		}),
	}).Create(&invoicedomain.InvoiceSequence{PeriodKey: periodKey, LastValue: 1}).Error
	if err != nil {
		return 0, db.Wrap("invoice.next_sequence", err)
	}

	var seq invoicedomain.InvoiceSequence
	if err := conn.WithContext(ctx).Where("period_key = ?", periodKey).First(&seq).Error; err != nil {
		return 0, db.Wrap("invoice.read_sequence", err)
	}
	return seq.LastValue, nil
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, invoice *invoicedomain.Invoice) error {
	return db.Wrap("invoice.insert", conn.WithContext(ctx).Create(invoice).Error)
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, orgID, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := conn.WithContext(ctx).
		Preload("LineItems", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("org_id = ? AND id = ?", orgID, id).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("invoice.find", err)
	}
	return &invoice, nil
}

func (r *repo) FindBySubscriptionPeriod(ctx context.Context, conn *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := conn.WithContext(ctx).
		Preload("LineItems", func(tx *gorm.DB) *gorm.DB { return tx.Order("position ASC") }).
		Where("subscription_id = ? AND period_start = ?", subscriptionID, periodStart.UTC()).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, db.Wrap("invoice.find_by_period", err)
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, conn *gorm.DB, filter invoicedomain.ListFilter) ([]*invoicedomain.Invoice, error) {
	stmt := conn.WithContext(ctx).Model(&invoicedomain.Invoice{}).Where("org_id = ?", filter.OrgID)
	if filter.SubscriptionID != 0 {
		stmt = stmt.Where("subscription_id = ?", filter.SubscriptionID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt = option.WithSortBy(option.QuerySortBy{}).Apply(stmt)
	stmt = option.ApplyPagination(filter.Pagination).Apply(stmt)

	var items []*invoicedomain.Invoice
	if err := stmt.Find(&items).Error; err != nil {
		return nil, db.Wrap("invoice.list", err)
	}
	return items, nil
}

func (r *repo) Transition(ctx context.Context, conn *gorm.DB, id snowflake.ID, from []invoicedomain.InvoiceStatus, to invoicedomain.InvoiceStatus, at time.Time) error {
	at = at.UTC()
	updates := map[string]any{"status": to, "updated_at": at}
	switch to {
	case invoicedomain.InvoiceStatusOpen:
		updates["finalized_at"] = at
	case invoicedomain.InvoiceStatusPaid:
		updates["paid_at"] = at
	case invoicedomain.InvoiceStatusVoid:
		updates["voided_at"] = at
	}

	result := conn.WithContext(ctx).
		Model(&invoicedomain.Invoice{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if result.Error != nil {
		return db.Wrap("invoice.transition", result.Error)
	}
	if result.RowsAffected == 0 {
		return db.ErrConcurrencyConflict
	}
	return nil
}

func (r *repo) SetProviderInvoice(ctx context.Context, conn *gorm.DB, id snowflake.ID, providerInvoiceID string, at time.Time) error {
	err := conn.WithContext(ctx).Exec(
		`UPDATE invoices SET provider_invoice_id = ?, updated_at = ? WHERE id = ?`,
		providerInvoiceID, at.UTC(), id,
	).Error
	return db.Wrap("invoice.set_provider_invoice", err)
}
