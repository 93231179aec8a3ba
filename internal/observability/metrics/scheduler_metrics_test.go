package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/tally/pkg/db"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: SchedulerJobReasonDeadlineExceeded},
		{name: "conflict", err: db.ErrConcurrencyConflict, want: SchedulerJobReasonConcurrencyConflict},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected reason %q, got %q", tc.want, got)
			}
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	if !IsSchedulerErrorRetryable(db.ErrConcurrencyConflict) {
		t.Fatalf("expected concurrency conflict to be retryable")
	}
	if IsSchedulerErrorRetryable(errors.New("plan not found")) {
		t.Fatalf("expected business error to be final")
	}
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{
		ServiceName: "tally",
		Environment: "test",
	})

	metrics.AddBatchProcessed("invoice_generation", "subscriptions", 3)
	metrics.AddBatchProcessed("invoice_generation", "subscriptions", 0)
	metrics.IncJobSkipped("invoice_generation", SchedulerSkipReasonLockHeld)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("invoice_generation", "subscriptions"))
	if got != 3 {
		t.Fatalf("expected processed count 3, got %v", got)
	}
	skipped := testutil.ToFloat64(metrics.jobSkipped.WithLabelValues("invoice_generation", SchedulerSkipReasonLockHeld))
	if skipped != 1 {
		t.Fatalf("expected 1 skipped run, got %v", skipped)
	}
}
