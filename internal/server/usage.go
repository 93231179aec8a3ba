package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
)

const idempotencyHeader = "Idempotency-Key"

type trackUsageRequest struct {
	MetricID       string         `json:"metric_id"`
	Quantity       *float64       `json:"quantity"`
	Timestamp      *time.Time     `json:"timestamp"`
	IdempotencyKey string         `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

func (r trackUsageRequest) toDomain(c *gin.Context) usagedomain.TrackRequest {
	req := usagedomain.TrackRequest{
		OrganizationID: orgIDFrom(c),
		MetricID:       strings.TrimSpace(r.MetricID),
		IdempotencyKey: strings.TrimSpace(r.IdempotencyKey),
		Metadata:       r.Metadata,
	}
	if r.Quantity != nil {
		req.Quantity = *r.Quantity
	}
	if r.Timestamp != nil {
		req.Timestamp = *r.Timestamp
	}
	return req
}

type trackBatchRequest struct {
	Events []trackUsageRequest `json:"events"`
}

func (s *Server) TrackUsage(c *gin.Context) {
	var body trackUsageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	if body.Quantity == nil {
		AbortWithError(c, newValidationError("quantity", "required", "quantity is required"))
		return
	}

	req := body.toDomain(c)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = strings.TrimSpace(c.GetHeader(idempotencyHeader))
	}
	c.Set("metric_id", req.MetricID)

	event, err := s.usageSvc.Track(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": event})
}

func (s *Server) TrackUsageBatch(c *gin.Context) {
	var body trackBatchRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	reqs := make([]usagedomain.TrackRequest, 0, len(body.Events))
	for i, item := range body.Events {
		if item.Quantity == nil {
			AbortWithError(c, newValidationError("events["+strconv.Itoa(i)+"].quantity", "required", "quantity is required"))
			return
		}
		reqs = append(reqs, item.toDomain(c))
	}

	result, err := s.usageSvc.TrackBatch(c.Request.Context(), reqs)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusAccepted
	if len(result.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"data": result})
}

func (s *Server) GetCurrentUsage(c *gin.Context) {
	items, err := s.usageSvc.GetCurrentUsage(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []usagedomain.UsageSummary{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) GetUsage(c *gin.Context) {
	metricID := strings.TrimSpace(c.Param("metric_id"))
	c.Set("metric_id", metricID)

	period, err := parsePeriodQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	summary, err := s.usageSvc.GetUsage(c.Request.Context(), orgIDFrom(c), metricID, period)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": summary})
}

func (s *Server) ListUsageEvents(c *gin.Context) {
	metricID := strings.TrimSpace(c.Param("metric_id"))
	c.Set("metric_id", metricID)

	period, err := parsePeriodQuery(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	pageSize, err := queryInt(c, "page_size")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.usageSvc.ListEvents(c.Request.Context(), usagedomain.ListEventsRequest{
		OrganizationID: orgIDFrom(c),
		MetricID:       metricID,
		From:           period.Start,
		To:             period.End,
		PageToken:      strings.TrimSpace(c.Query("page_token")),
		PageSize:       pageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp.Events == nil {
		resp.Events = []usagedomain.UsageEvent{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Events,
		"page_info": resp.PageInfo,
	})
}
