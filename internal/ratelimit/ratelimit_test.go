package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerExclusiveAndTokenChecked(t *testing.T) {
	mr, client := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "invoice-run", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "invoice-run", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "invoice-run", "someone-else"))
	assert.True(t, mr.Exists("invoice-run"))

	require.NoError(t, locker.Release(ctx, "invoice-run", token))
	assert.False(t, mr.Exists("invoice-run"))

	_, ok, err = locker.TryLock(ctx, "invoice-run", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLockerValidation(t *testing.T) {
	_, client := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, _, err := locker.TryLock(ctx, "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidLockKey)
	_, _, err = locker.TryLock(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrInvalidLockTTL)

	var nilLocker *Locker
	_, _, err = nilLocker.TryLock(ctx, "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.Nil(t, NewLocker(nil))
}

func TestTokenBucketExhaustsBurst(t *testing.T) {
	_, client := newClient(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 3, res.Limit)
	}

	res, err := bucket.Allow(ctx, "bucket", 0.001, 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	_, err = bucket.Allow(ctx, "bucket", 0, 3)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

func TestIngestLimiterDisabledAllowsAll(t *testing.T) {
	limiter, err := NewIngestLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.False(t, limiter.Enabled())

	res, err := limiter.AllowOrg(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestIngestLimiterPerOrganization(t *testing.T) {
	_, client := newClient(t)
	cfg := config.Config{RateLimit: config.RateLimitConfig{Enabled: true, OrgRate: 0.001, OrgBurst: 1}}
	limiter, err := NewIngestLimiter(cfg, client)
	require.NoError(t, err)
	require.True(t, limiter.Enabled())
	ctx := context.Background()

	res, err := limiter.AllowOrg(ctx, "1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.AllowOrg(ctx, "1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.AllowOrg(ctx, "2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	_, err = NewIngestLimiter(config.Config{RateLimit: config.RateLimitConfig{Enabled: true}}, client)
	assert.ErrorIs(t, err, ErrInvalidRate)
}
