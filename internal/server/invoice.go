package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	"github.com/smallbiznis/tally/pkg/db/pagination"
)

func (s *Server) GenerateInvoice(c *gin.Context) {
	var req invoicedomain.GenerateInvoiceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	req.OrganizationID = orgIDFrom(c)

	invoice, err := s.invoiceSvc.GenerateInvoice(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": invoice})
}

func (s *Server) ListInvoices(c *gin.Context) {
	pageSize, err := queryInt(c, "page_size")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	subscriptionID, err := parseOptionalSnowflakeID(c.Query("subscription_id"))
	if err != nil {
		AbortWithError(c, newValidationError("subscription_id", "invalid_subscription_id", "invalid subscription id"))
		return
	}

	req := invoicedomain.ListInvoicesRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(c.Query("page_token")),
			PageSize:  pageSize,
		},
		OrganizationID: orgIDFrom(c),
		Status:         strings.TrimSpace(c.Query("status")),
	}
	if subscriptionID != nil {
		req.SubscriptionID = *subscriptionID
	}

	resp, err := s.invoiceSvc.ListInvoices(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if resp.Invoices == nil {
		resp.Invoices = []invoicedomain.Invoice{}
	}

	c.JSON(http.StatusOK, gin.H{
		"data":      resp.Invoices,
		"page_info": resp.PageInfo,
	})
}

func (s *Server) GetInvoice(c *gin.Context) {
	invoiceID, err := pathSnowflakeID(c, "invoice_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.GetInvoice(c.Request.Context(), orgIDFrom(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

type finalizeInvoiceRequest struct {
	ProviderInvoiceID string `json:"provider_invoice_id"`
}

func (s *Server) FinalizeInvoice(c *gin.Context) {
	invoiceID, err := pathSnowflakeID(c, "invoice_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var body finalizeInvoiceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	invoice, err := s.invoiceSvc.FinalizeInvoice(c.Request.Context(), invoicedomain.FinalizeInvoiceRequest{
		OrganizationID:    orgIDFrom(c),
		InvoiceID:         invoiceID,
		ProviderInvoiceID: strings.TrimSpace(body.ProviderInvoiceID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	invoiceID, err := pathSnowflakeID(c, "invoice_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoice, err := s.invoiceSvc.MarkPaid(c.Request.Context(), orgIDFrom(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

type voidInvoiceRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) VoidInvoice(c *gin.Context) {
	invoiceID, err := pathSnowflakeID(c, "invoice_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var body voidInvoiceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	invoice, err := s.invoiceSvc.VoidInvoice(c.Request.Context(), orgIDFrom(c), invoiceID, strings.TrimSpace(body.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoice})
}

// DownloadInvoice serves the rendered PDF, or redirects to the provider's
// hosted copy when the invoice was created there.
func (s *Server) DownloadInvoice(c *gin.Context) {
	invoiceID, err := pathSnowflakeID(c, "invoice_id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	artifact, err := s.invoiceSvc.GetArtifact(c.Request.Context(), orgIDFrom(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if len(artifact.Body) == 0 && artifact.URL != "" {
		c.Redirect(http.StatusFound, artifact.URL)
		return
	}

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	filename := artifact.Filename
	if filename == "" {
		filename = invoiceID.String() + ".pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentType, artifact.Body)
}
