package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	"github.com/smallbiznis/tally/internal/observability/logger"
	"go.uber.org/zap"
)

type requestExportBody struct {
	MetricID string `json:"metric_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Format   string `json:"format"`
}

func (s *Server) RequestExport(c *gin.Context) {
	var body requestExportBody
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	from, err := parseOptionalTime(body.From, false)
	if err != nil || from == nil {
		AbortWithError(c, newValidationError("from", "invalid_time", "from must be RFC 3339 or YYYY-MM-DD"))
		return
	}
	to, err := parseOptionalTime(body.To, true)
	if err != nil || to == nil {
		AbortWithError(c, newValidationError("to", "invalid_time", "to must be RFC 3339 or YYYY-MM-DD"))
		return
	}

	job, err := s.exportSvc.RequestExport(c.Request.Context(), exportdomain.RequestExportRequest{
		OrganizationID: orgIDFrom(c),
		MetricID:       strings.TrimSpace(body.MetricID),
		From:           *from,
		To:             *to,
		Format:         exportdomain.Format(body.Format),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/v1/orgs/%s/exports/%s", job.OrgID, job.ID))
	c.JSON(http.StatusAccepted, gin.H{"data": job})
}

func (s *Server) GetExport(c *gin.Context) {
	job, err := s.exportSvc.GetExportStatus(c.Request.Context(), orgIDFrom(c), c.Param("export_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": job})
}

func (s *Server) DownloadExport(c *gin.Context) {
	job, body, err := s.exportSvc.OpenArtifact(c.Request.Context(), orgIDFrom(c), c.Param("export_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer func() {
		if err := body.Close(); err != nil {
			logger.FromContext(c.Request.Context()).Warn("close export artifact", zap.Error(err))
		}
	}()

	contentType := "text/csv"
	if job.Format == exportdomain.FormatJSON {
		contentType = "application/json"
	}
	filename := fmt.Sprintf("usage-%s-%s.%s", job.RangeStart.Format("20060102"), job.RangeEnd.Add(-time.Nanosecond).Format("20060102"), job.Format)
	c.DataFromReader(http.StatusOK, -1, contentType, body, map[string]string{
		"Content-Disposition": fmt.Sprintf("attachment; filename=%q", filename),
	})
}

func (s *Server) DeleteExport(c *gin.Context) {
	if err := s.exportSvc.DeleteExport(c.Request.Context(), orgIDFrom(c), c.Param("export_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
