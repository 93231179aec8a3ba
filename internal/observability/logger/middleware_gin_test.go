package logger

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareLogsRequest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	restore := zap.ReplaceGlobals(zap.New(core))
	defer restore()

	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{
		ErrorClassifier: func(error) (string, string) { return "validation_error", "invalid_quantity" },
	}))
	r.POST("/v1/orgs/:org_id/usage/events", func(c *gin.Context) {
		c.Set("metric_id", "api-calls")
		_ = c.Error(errors.New("bad"))
		c.Status(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/orgs/42/usage/events", nil)
	req.Header.Set("Idempotency-Key", "k1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.DebugLevel, entry.Level)
	fields := entry.ContextMap()
	assert.Equal(t, "42", fields["org_id"])
	assert.Equal(t, "api-calls", fields["metric_id"])
	assert.Equal(t, "invalid_quantity", fields["error_code"])
	assert.Equal(t, true, fields["idempotent"])
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, requestLevel("/metrics", 200, ""))
	assert.Equal(t, zapcore.ErrorLevel, requestLevel("/v1/plans", 500, "internal_error"))
	assert.Equal(t, zapcore.WarnLevel, requestLevel("/v1/orgs/:org_id/usage/events", 429, "rate_limited"))
	assert.Equal(t, zapcore.InfoLevel, requestLevel("/v1/plans", 400, "validation_error"))
}
