// Package orgcontext carries the organization a request acts for.
package orgcontext

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type orgKey struct{}

// WithOrgID scopes ctx to an organization. Zero leaves ctx unscoped.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	if orgID == 0 {
		return ctx
	}
	return context.WithValue(ctx, orgKey{}, snowflake.ID(orgID))
}

// OrgIDFromContext returns the organization set by WithOrgID.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}
	id, ok := ctx.Value(orgKey{}).(snowflake.ID)
	return id, ok && id != 0
}

// Resolve prefers an explicit organization and falls back to the one in ctx.
// missing is returned when neither is set.
func Resolve(ctx context.Context, explicit snowflake.ID, missing error) (snowflake.ID, error) {
	if explicit != 0 {
		return explicit, nil
	}
	if id, ok := OrgIDFromContext(ctx); ok {
		return id, nil
	}
	return 0, missing
}
