package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/pkg/db/pagination"
)

type TrackRequest struct {
	OrganizationID snowflake.ID   `json:"-"`
	MetricID       string         `json:"metric_id" validate:"required,max=64"`
	Quantity       float64        `json:"quantity" validate:"gte=0"`
	Timestamp      time.Time      `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key" validate:"max=128"`
	Metadata       map[string]any `json:"metadata"`
}

type BatchFailure struct {
	Index    int    `json:"index"`
	MetricID string `json:"metric_id"`
	Error    string `json:"error"`
	Err      error  `json:"-"`
}

type BatchResult struct {
	Accepted   []UsageEvent   `json:"accepted"`
	Duplicates int            `json:"duplicates"`
	Failed     []BatchFailure `json:"failed,omitempty"`
}

type ListEventsRequest struct {
	OrganizationID snowflake.ID `json:"-"`
	MetricID       string       `json:"metric_id"`
	From           time.Time    `json:"from"`
	To             time.Time    `json:"to"`
	PageToken      string       `json:"page_token"`
	PageSize       int          `json:"page_size"`
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

type Service interface {
	Track(ctx context.Context, req TrackRequest) (*UsageEvent, error)
	TrackBatch(ctx context.Context, reqs []TrackRequest) (*BatchResult, error)

	// GetUsage returns the aggregate for period. A zero period means the
	// current summary window.
	GetUsage(ctx context.Context, orgID snowflake.ID, metricID string, period billingperiod.Period) (*UsageSummary, error)
	GetCurrentUsage(ctx context.Context, orgID snowflake.ID) ([]UsageSummary, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
	RecomputeSummary(ctx context.Context, orgID snowflake.ID, metricID string, at time.Time) (*UsageSummary, error)

	// UsageInRange sums events per metric over an arbitrary range. Invoicing
	// and upgrade projections read through it.
	UsageInRange(ctx context.Context, orgID snowflake.ID, period billingperiod.Period) ([]MetricTotal, error)
	CurrentWindow(at time.Time) billingperiod.Period
}

// LimitChecker is told about every metric that received usage.
type LimitChecker interface {
	EvaluateMetric(ctx context.Context, orgID snowflake.ID, metricID string) error
}

// PlanResolver yields the plan an organization is billed on, or nil.
type PlanResolver interface {
	ActivePlan(ctx context.Context, orgID snowflake.ID) (*catalogdomain.BillingPlan, error)
}

// ValidationError describes a rejected event field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidEvent.Error(), e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEvent }

var (
	ErrInvalidEvent        = errors.New("invalid_usage_event")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidMetric       = errors.New("invalid_metric")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrEmptyBatch          = errors.New("empty_batch")
	ErrBatchTooLarge       = errors.New("batch_too_large")
)

const (
	// MaxBatchSize bounds a single TrackBatch call.
	MaxBatchSize = 1000
	// MaxFutureSkew is how far ahead of the server clock an event timestamp may be.
	MaxFutureSkew = 5 * time.Minute
)
