package server

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tally/internal/billingperiod"
)

const dateOnlyLayout = "2006-01-02"

var errInvalidQuery = errors.New("invalid_query")

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, errInvalidQuery
	}
	return &parsed, nil
}

func parseOptionalInt(value string) (*int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed < 0 {
		return nil, errInvalidQuery
	}
	return &parsed, nil
}

func parseOptionalSnowflakeID(value string) (*snowflake.ID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := snowflake.ParseString(trimmed)
	if err != nil || parsed <= 0 {
		return nil, errors.New("invalid_snowflake_id")
	}
	return &parsed, nil
}

// parseOptionalTime accepts RFC 3339 or a bare date. A bare date resolves to
// midnight UTC, or to the following midnight when it closes a range.
func parseOptionalTime(value string, rangeEnd bool) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		parsed = parsed.UTC()
		return &parsed, nil
	}
	if parsed, err := time.Parse(dateOnlyLayout, trimmed); err == nil {
		if rangeEnd {
			parsed = parsed.AddDate(0, 0, 1)
		}
		return &parsed, nil
	}
	return nil, errors.New("invalid_time")
}

// parsePeriodQuery reads from/to. Both absent yields the zero period; only
// one of them is rejected.
func parsePeriodQuery(c *gin.Context) (billingperiod.Period, error) {
	from, err := parseOptionalTime(c.Query("from"), false)
	if err != nil {
		return billingperiod.Period{}, newValidationError("from", "invalid_time", "from must be RFC 3339 or YYYY-MM-DD")
	}
	to, err := parseOptionalTime(c.Query("to"), true)
	if err != nil {
		return billingperiod.Period{}, newValidationError("to", "invalid_time", "to must be RFC 3339 or YYYY-MM-DD")
	}
	switch {
	case from == nil && to == nil:
		return billingperiod.Period{}, nil
	case from == nil || to == nil:
		return billingperiod.Period{}, newValidationError("period", "invalid_period", "from and to must be given together")
	}
	return billingperiod.New(*from, *to), nil
}

func queryInt(c *gin.Context, name string) (int, error) {
	v, err := parseOptionalInt(c.Query(name))
	if err != nil {
		return 0, newValidationError(name, "invalid_"+name, "must be a non-negative integer")
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

func queryBool(c *gin.Context, name string, def bool) (bool, error) {
	v, err := parseOptionalBool(c.Query(name))
	if err != nil {
		return false, newValidationError(name, "invalid_"+name, "must be a boolean")
	}
	if v == nil {
		return def, nil
	}
	return *v, nil
}
