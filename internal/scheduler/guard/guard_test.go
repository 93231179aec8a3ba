package guard

import (
	"testing"
	"time"

	"github.com/smallbiznis/tally/internal/billingperiod"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
)

func TestEnsureSubscriptionCanInvoice(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	period := billingperiod.New(start, start.AddDate(0, 1, 0))

	assert.NoError(t, EnsureSubscriptionCanInvoice(subscriptiondomain.SubscriptionStatusActive, period, period.End))
	assert.NoError(t, EnsureSubscriptionCanInvoice(subscriptiondomain.SubscriptionStatusPastDue, period, period.End.Add(time.Hour)))
	assert.ErrorIs(t, EnsureSubscriptionCanInvoice(subscriptiondomain.SubscriptionStatusActive, period, period.End.Add(-time.Second)), ErrPeriodNotEnded)
	assert.ErrorIs(t, EnsureSubscriptionCanInvoice(subscriptiondomain.SubscriptionStatusCanceled, period, period.End), ErrSubscriptionNotActive)
	assert.ErrorIs(t, EnsureSubscriptionCanInvoice(subscriptiondomain.SubscriptionStatusActive, billingperiod.New(start, start), start), ErrInvalidPeriod)
}
