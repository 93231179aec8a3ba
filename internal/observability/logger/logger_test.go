package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/tally/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithOrgID(ctx, "42")
	ctx = obscontext.WithCorrelationID(ctx, "01HZX")

	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "42", fields["org_id"])
	assert.Equal(t, "01HZX", fields["correlation_id"])
	assert.NotContains(t, fields, "trace_id")
}

func TestWithContextSkipsUnsetFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	WithContext(context.Background(), zap.New(core)).Info("bare")

	require.Equal(t, 1, logs.Len())
	assert.Empty(t, logs.All()[0].ContextMap())
}

func TestOperationFromSQL(t *testing.T) {
	assert.Equal(t, "SELECT", operationFromSQL("WITH x AS (SELECT 1) SELECT * FROM x"))
	assert.Equal(t, "INSERT", operationFromSQL(`INSERT INTO "usage_events" ("id") VALUES (1)`))
	assert.Equal(t, "UNKNOWN", operationFromSQL(""))
}

func TestNormalizeFormat(t *testing.T) {
	assert.Equal(t, "console", normalizeFormat(" Console "))
	assert.Equal(t, "json", normalizeFormat("logfmt"))
}
