package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
)

type Service interface {
	UpsertLimit(ctx context.Context, req UpsertLimitRequest) (*UsageLimit, error)
	DeleteLimit(ctx context.Context, orgID, limitID snowflake.ID) error
	ListLimits(ctx context.Context, orgID snowflake.ID) ([]UsageLimit, error)
	ApplyTemplates(ctx context.Context, orgID snowflake.ID, templates []catalogdomain.LimitTemplate) ([]UsageLimit, error)

	CheckLimits(ctx context.Context, orgID snowflake.ID) ([]LimitStatus, error)
	EvaluateMetric(ctx context.Context, orgID snowflake.ID, metricID string) error
	CheckQuota(ctx context.Context, orgID snowflake.ID, metricID string, quantity float64) (*QuotaCheck, error)
	DetectAnomaly(ctx context.Context, orgID snowflake.ID, metricID string) (*UsageAlert, error)

	ListAlerts(ctx context.Context, filter AlertFilter) ([]UsageAlert, error)
	AcknowledgeAlert(ctx context.Context, alertID snowflake.ID) (*UsageAlert, error)
}

// AlertNotifier receives alerts after they are stored. Delivery is best effort.
type AlertNotifier interface {
	AlertRaised(ctx context.Context, alert UsageAlert)
}

type UpsertLimitRequest struct {
	OrganizationID snowflake.ID `json:"-"`
	MetricID       string       `json:"metric_id" validate:"required"`
	LimitType      LimitType    `json:"limit_type" validate:"required"`
	LimitValue     float64      `json:"limit_value" validate:"gt=0"`
	ResetPeriod    ResetPeriod  `json:"reset_period" validate:"required"`
	Thresholds     []float64    `json:"thresholds"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidMetric       = errors.New("invalid_metric")
	ErrInvalidLimitType    = errors.New("invalid_limit_type")
	ErrInvalidLimitValue   = errors.New("invalid_limit_value")
	ErrInvalidResetPeriod  = errors.New("invalid_reset_period")
	ErrInvalidThresholds   = errors.New("invalid_thresholds")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrLimitNotFound       = errors.New("limit_not_found")
	ErrAlertNotFound       = errors.New("alert_not_found")
)

// ValidateThresholds requires strictly ascending percentages in (0, 100].
func ValidateThresholds(values []float64) error {
	prev := 0.0
	for _, v := range values {
		if v <= prev || v > 100 {
			return ErrInvalidThresholds
		}
		prev = v
	}
	return nil
}
