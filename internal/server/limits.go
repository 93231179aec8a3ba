package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
)

func (s *Server) ListLimits(c *gin.Context) {
	items, err := s.limitSvc.ListLimits(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []limitdomain.UsageLimit{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) UpsertLimit(c *gin.Context) {
	var req limitdomain.UpsertLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.OrganizationID = orgIDFrom(c)
	c.Set("metric_id", strings.TrimSpace(req.MetricID))

	limit, err := s.limitSvc.UpsertLimit(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": limit})
}

func (s *Server) DeleteLimit(c *gin.Context) {
	limitID, err := pathSnowflakeID(c, "limit_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.limitSvc.DeleteLimit(c.Request.Context(), orgIDFrom(c), limitID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) CheckLimits(c *gin.Context) {
	items, err := s.limitSvc.CheckLimits(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []limitdomain.LimitStatus{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

type quotaRequest struct {
	MetricID string  `json:"metric_id"`
	Quantity float64 `json:"quantity"`
}

func (s *Server) CheckQuota(c *gin.Context) {
	var req quotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	metricID := strings.TrimSpace(req.MetricID)
	c.Set("metric_id", metricID)

	check, err := s.limitSvc.CheckQuota(c.Request.Context(), orgIDFrom(c), metricID, req.Quantity)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": check})
}

func (s *Server) ListAlerts(c *gin.Context) {
	unresolved, err := queryBool(c, "unresolved", false)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.limitSvc.ListAlerts(c.Request.Context(), limitdomain.AlertFilter{
		OrgID:      orgIDFrom(c),
		MetricID:   strings.TrimSpace(c.Query("metric_id")),
		Unresolved: unresolved,
		Limit:      limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []limitdomain.UsageAlert{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	alertID, err := pathSnowflakeID(c, "alert_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	alert, err := s.limitSvc.AcknowledgeAlert(c.Request.Context(), alertID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}
