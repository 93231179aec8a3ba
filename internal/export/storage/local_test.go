package storage

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "exports/1/job.csv", strings.NewReader("a,b\n"), "text/csv"))

	rc, err := store.Open(ctx, "exports/1/job.csv")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(body))

	require.NoError(t, store.Delete(ctx, "exports/1/job.csv"))
	require.NoError(t, store.Delete(ctx, "exports/1/job.csv"))

	_, err = store.Open(ctx, "exports/1/job.csv")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalStoreConfinesKeys(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root)
	require.NoError(t, err)

	path, err := store.path("../../etc/passwd")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(path, root))

	_, err = store.path("")
	assert.Error(t, err)
}
