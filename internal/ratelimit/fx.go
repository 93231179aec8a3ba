package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewIngestLimiter),
	fx.Provide(func(client *redis.Client) *Locker { return NewLocker(client) }),
)
