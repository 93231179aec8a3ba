package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tally/internal/billingperiod"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/pricing"
)

func (s *Server) ListMetrics(c *gin.Context) {
	items, err := s.catalogSvc.ListMetrics(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []catalogdomain.UsageMetric{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) CreateMetric(c *gin.Context) {
	var req catalogdomain.CreateMetricRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	metric, err := s.catalogSvc.CreateMetric(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": metric})
}

func (s *Server) ListPlans(c *gin.Context) {
	activeOnly, err := queryBool(c, "active", true)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	items, err := s.catalogSvc.ListPlans(c.Request.Context(), activeOnly)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if items == nil {
		items = []catalogdomain.BillingPlan{}
	}

	c.JSON(http.StatusOK, gin.H{"data": items})
}

func (s *Server) CreatePlan(c *gin.Context) {
	var req catalogdomain.CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	plan, err := s.catalogSvc.CreatePlan(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": plan})
}

func (s *Server) GetPlan(c *gin.Context) {
	plan, err := s.catalogSvc.GetPlan(c.Request.Context(), strings.TrimSpace(c.Param("plan_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": plan})
}

type calculatePricingRequest struct {
	PlanID string               `json:"plan_id"`
	Usage  []pricing.Usage      `json:"usage"`
	Period billingperiod.Period `json:"period"`
}

// CalculatePricing prices hypothetical usage against a plan without touching
// stored usage.
func (s *Server) CalculatePricing(c *gin.Context) {
	var req calculatePricingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if !req.Period.IsZero() && !req.Period.Valid() {
		AbortWithError(c, newValidationError("period", "invalid_period", "period end must be after start"))
		return
	}
	for i, u := range req.Usage {
		if strings.TrimSpace(u.MetricID) == "" || u.TotalUsage < 0 {
			AbortWithError(c, newValidationError("usage", "invalid_usage", "usage entries need a metric_id and a non-negative total_usage"))
			return
		}
		req.Usage[i].MetricID = strings.TrimSpace(u.MetricID)
	}

	planID := strings.TrimSpace(req.PlanID)
	if planID == "" {
		AbortWithError(c, catalogdomain.ErrInvalidPlanID)
		return
	}
	plan, err := s.catalogSvc.GetPlan(c.Request.Context(), planID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": pricing.CalculateUsageCost(req.Usage, *plan, req.Period)})
}
