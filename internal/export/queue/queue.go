// Package queue hands export jobs from the API to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/pkg/telemetry/correlation"
)

const (
	DefaultKey     = "tally:exports"
	defaultBuffer  = 128
	popWaitTimeout = 5 * time.Second
)

var ErrQueueClosed = errors.New("export_queue_closed")

// Message is what travels through the queue. The job itself lives in the
// database; the carrier links the worker's logs and spans to the request.
type Message struct {
	JobID   string             `json:"job_id"`
	Carrier correlation.Carrier `json:"carrier"`
}

type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message arrives or ctx is done.
	Dequeue(ctx context.Context) (Message, error)
}

// RedisQueue is a Redis list shared by every worker process.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.key, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		res, err := q.client.BRPop(ctx, popWaitTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Message{}, ctx.Err()
			}
			return Message{}, err
		}
		// BRPOP replies with [key, value].
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			return Message{}, fmt.Errorf("decode export message: %w", err)
		}
		return msg, nil
	}
}

// ChannelQueue keeps messages in process. Used when Redis is not configured,
// so the API and worker must share a process.
type ChannelQueue struct {
	ch chan Message
}

func NewChannelQueue(size int) *ChannelQueue {
	if size <= 0 {
		size = defaultBuffer
	}
	return &ChannelQueue{ch: make(chan Message, size)}
}

func (q *ChannelQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ChannelQueue) Dequeue(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-q.ch:
		if !ok {
			return Message{}, ErrQueueClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}
