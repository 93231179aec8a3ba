package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, q Queue) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Message{JobID: "a", Carrier: correlation.Carrier{CorrelationID: "cid-a"}}))
	require.NoError(t, q.Enqueue(ctx, Message{JobID: "b"}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", first.JobID)
	assert.Equal(t, "cid-a", first.Carrier.CorrelationID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", second.JobID)

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = q.Dequeue(timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannelQueue(t *testing.T) {
	exercise(t, NewChannelQueue(4))
}

func TestRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	exercise(t, NewRedisQueue(client, ""))
}
