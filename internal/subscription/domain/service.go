package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
)

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (*Subscription, error)
	Get(ctx context.Context, orgID, id snowflake.ID) (*Subscription, error)
	GetActive(ctx context.Context, orgID snowflake.ID) (*Subscription, error)
	ActivePlan(ctx context.Context, orgID snowflake.ID) (*catalogdomain.BillingPlan, error)
	ChangePlan(ctx context.Context, req ChangePlanRequest) (*Subscription, error)
	Cancel(ctx context.Context, req CancelRequest) (*Subscription, error)
	AdvancePeriod(ctx context.Context, sub Subscription) (*Subscription, error)
	ListDue(ctx context.Context, before time.Time, limit int) ([]Subscription, error)
	ListLinked(ctx context.Context) ([]Subscription, error)
}

type CreateSubscriptionRequest struct {
	OrganizationID         snowflake.ID      `json:"-"`
	PlanID                 string            `json:"plan_id"`
	StartAt                *time.Time        `json:"start_at,omitempty"`
	ProviderSubscriptionID string            `json:"provider_subscription_id,omitempty"`
	ProviderItems          map[string]string `json:"provider_items,omitempty"`
	Metadata               map[string]any    `json:"metadata,omitempty"`
}

type ChangePlanRequest struct {
	OrganizationID snowflake.ID `json:"-"`
	PlanID         string       `json:"plan_id"`
}

type CancelRequest struct {
	OrganizationID snowflake.ID `json:"-"`
	AtPeriodEnd    bool         `json:"at_period_end"`
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidPlan          = errors.New("invalid_plan")
	ErrInvalidStartAt       = errors.New("invalid_start_at")
	ErrInactivePlan         = errors.New("plan_inactive")
	ErrSubscriptionExists   = errors.New("subscription_already_active")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
