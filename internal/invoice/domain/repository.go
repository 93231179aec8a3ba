package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	// NextSequence increments and returns the counter for periodKey. It must
	// run inside the transaction that inserts the invoice.
	NextSequence(ctx context.Context, db *gorm.DB, periodKey string) (int64, error)
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	FindBySubscriptionPeriod(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, periodStart time.Time) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Invoice, error)
	// Transition moves the invoice to status when it is still in one of from.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from []InvoiceStatus, to InvoiceStatus, at time.Time) error
	SetProviderInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID, providerInvoiceID string, at time.Time) error
}

type ListFilter struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	Status         InvoiceStatus
	Pagination     pagination.Pagination
}
