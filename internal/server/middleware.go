package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/tally/internal/observability/context"
	"github.com/smallbiznis/tally/internal/orgcontext"
)

const orgHeader = "X-Org-ID"

// OrgContext scopes /orgs/:org_id routes to the path organization.
func (s *Server) OrgContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.bindOrg(c, c.Param("org_id"))
	}
}

// OrgQuery scopes routes addressed by resource id. The organization comes
// from the X-Org-ID header or the org_id query parameter.
func (s *Server) OrgQuery() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(orgHeader))
		if raw == "" {
			raw = c.Query("org_id")
		}
		s.bindOrg(c, raw)
	}
}

func (s *Server) bindOrg(c *gin.Context, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		AbortWithError(c, ErrOrgRequired)
		return
	}
	orgID, err := snowflake.ParseString(raw)
	if err != nil || orgID <= 0 {
		AbortWithError(c, newValidationError("organization_id", "invalid_organization", "invalid organization id"))
		return
	}

	ctx := orgcontext.WithOrgID(c.Request.Context(), int64(orgID))
	ctx = obscontext.WithOrgID(ctx, orgID.String())
	c.Request = c.Request.WithContext(ctx)
	c.Set("org_id", orgID)
	c.Next()
}

func orgIDFrom(c *gin.Context) snowflake.ID {
	if v, ok := c.Get("org_id"); ok {
		if id, ok := v.(snowflake.ID); ok {
			return id
		}
	}
	id, _ := orgcontext.OrgIDFromContext(c.Request.Context())
	return id
}

func pathSnowflakeID(c *gin.Context, name string) (snowflake.ID, error) {
	id, err := parseOptionalSnowflakeID(c.Param(name))
	if err != nil || id == nil {
		return 0, newValidationError(name, "invalid_"+name, "invalid "+strings.ReplaceAll(name, "_", " "))
	}
	return *id, nil
}
