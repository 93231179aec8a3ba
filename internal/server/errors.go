package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	upgradedomain "github.com/smallbiznis/tally/internal/upgrade/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrOrgRequired        = errors.New("organization_required")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    firstValidationCode(vErr.Errors),
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var eventErr *usagedomain.ValidationError
	if errors.As(err, &eventErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    usagedomain.ErrInvalidEvent.Error(),
			Message: "validation error",
			Errors: []ValidationError{
				{Field: eventErr.Field, Code: usagedomain.ErrInvalidEvent.Error(), Message: eventErr.Reason},
			},
		}
	}

	if sentinel, ok := validationSentinel(err); ok {
		code := sentinel.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Code:    code,
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Code:    errorCode(err, ErrNotFound),
			Message: "not found",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Code:    errorCode(err, ErrConflict),
			Message: "conflict",
		}
	case isUnprocessableError(err):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "unprocessable",
			Code:    errorCode(err, ErrInvalidRequest),
			Message: "request cannot be applied",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Code:    ErrRateLimited.Error(),
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type and code the
// client receives.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	return payload.Type, payload.Code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func firstValidationCode(items []ValidationError) string {
	if len(items) == 0 {
		return ErrInvalidRequest.Error()
	}
	return items[0].Code
}

var validationSentinels = []error{
	ErrInvalidRequest,
	ErrOrgRequired,

	usagedomain.ErrInvalidEvent,
	usagedomain.ErrInvalidOrganization,
	usagedomain.ErrInvalidMetric,
	usagedomain.ErrInvalidPeriod,
	usagedomain.ErrEmptyBatch,
	usagedomain.ErrBatchTooLarge,

	limitdomain.ErrInvalidOrganization,
	limitdomain.ErrInvalidMetric,
	limitdomain.ErrInvalidLimitType,
	limitdomain.ErrInvalidLimitValue,
	limitdomain.ErrInvalidResetPeriod,
	limitdomain.ErrInvalidThresholds,
	limitdomain.ErrInvalidQuantity,

	catalogdomain.ErrInvalidMetricID,
	catalogdomain.ErrInvalidMetricName,
	catalogdomain.ErrInvalidUnit,
	catalogdomain.ErrInvalidPlanID,
	catalogdomain.ErrInvalidPlanName,
	catalogdomain.ErrInvalidBasePrice,
	catalogdomain.ErrInvalidCurrency,
	catalogdomain.ErrInvalidInterval,
	catalogdomain.ErrInvalidPricingModel,
	catalogdomain.ErrInvalidPricingRule,
	catalogdomain.ErrDuplicatePricing,
	catalogdomain.ErrInvalidTier,
	catalogdomain.ErrInvalidLimit,

	subscriptiondomain.ErrInvalidOrganization,
	subscriptiondomain.ErrInvalidPlan,
	subscriptiondomain.ErrInvalidStartAt,

	invoicedomain.ErrInvalidOrganization,
	invoicedomain.ErrInvalidPeriod,
	invoicedomain.ErrInvalidStatus,
	invoicedomain.ErrInvalidPageToken,

	upgradedomain.ErrInvalidOrganization,

	exportdomain.ErrInvalidOrganization,
	exportdomain.ErrInvalidFormat,
	exportdomain.ErrInvalidRange,
}

func validationSentinel(err error) (error, bool) {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel, true
		}
	}
	return nil, false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, catalogdomain.ErrMetricNotFound),
		errors.Is(err, catalogdomain.ErrPlanNotFound),
		errors.Is(err, limitdomain.ErrLimitNotFound),
		errors.Is(err, limitdomain.ErrAlertNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, upgradedomain.ErrNoActiveSubscription),
		errors.Is(err, upgradedomain.ErrPlanNotFound),
		errors.Is(err, exportdomain.ErrExportNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, catalogdomain.ErrMetricExists),
		errors.Is(err, catalogdomain.ErrPlanExists),
		errors.Is(err, subscriptiondomain.ErrSubscriptionExists),
		errors.Is(err, invoicedomain.ErrInvalidStatusTransition),
		errors.Is(err, exportdomain.ErrExportNotReady),
		errors.Is(err, exportdomain.ErrExportInProgress),
		errors.Is(err, db.ErrConcurrencyConflict):
		return true
	default:
		return false
	}
}

func isUnprocessableError(err error) bool {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInactivePlan),
		errors.Is(err, invoicedomain.ErrCurrencyMismatch),
		errors.Is(err, upgradedomain.ErrCurrencyMismatch):
		return true
	default:
		return false
	}
}

// errorCode returns the innermost sentinel-style code, falling back when the
// message is not a snake_case identifier.
func errorCode(err, fallback error) string {
	for unwrapped := err; unwrapped != nil; unwrapped = errors.Unwrap(unwrapped) {
		if errors.Unwrap(unwrapped) == nil {
			msg := unwrapped.Error()
			if msg != "" && !strings.ContainsAny(msg, " :") {
				return msg
			}
		}
	}
	return fallback.Error()
}

func validationErrorField(code string) string {
	switch code {
	case "invalid_request":
		return "request"
	case "organization_required", "invalid_organization":
		return "organization_id"
	case "empty_batch", "batch_too_large":
		return "events"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "organization_required":
		return "organization is required"
	case "empty_batch":
		return "batch must contain at least one event"
	case "batch_too_large":
		return "batch exceeds the maximum size"
	default:
		return "invalid value"
	}
}
