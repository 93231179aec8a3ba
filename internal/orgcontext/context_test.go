package orgcontext

import (
	"context"
	"errors"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMissing = errors.New("missing_org")

func TestResolve(t *testing.T) {
	scoped := WithOrgID(context.Background(), 42)

	id, err := Resolve(scoped, 0, errMissing)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(42), id)

	id, err = Resolve(scoped, 7, errMissing)
	require.NoError(t, err)
	assert.Equal(t, snowflake.ID(7), id)

	_, err = Resolve(context.Background(), 0, errMissing)
	assert.ErrorIs(t, err, errMissing)
}

func TestWithZeroOrgLeavesContextUnscoped(t *testing.T) {
	_, ok := OrgIDFromContext(WithOrgID(context.Background(), 0))
	assert.False(t, ok)
}
