package guard

import (
	"errors"
	"time"

	"github.com/smallbiznis/tally/internal/billingperiod"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
)

var (
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrInvalidPeriod         = errors.New("subscription_invalid_period")
	ErrPeriodNotEnded        = errors.New("subscription_period_not_ended")
)

// EnsureSubscriptionCanInvoice reports whether the scheduler may invoice the
// subscription's current period and roll it forward.
func EnsureSubscriptionCanInvoice(status subscriptiondomain.SubscriptionStatus, period billingperiod.Period, now time.Time) error {
	if status != subscriptiondomain.SubscriptionStatusActive && status != subscriptiondomain.SubscriptionStatusPastDue {
		return ErrSubscriptionNotActive
	}
	if !period.Valid() {
		return ErrInvalidPeriod
	}
	if now.Before(period.End) {
		return ErrPeriodNotEnded
	}
	return nil
}
