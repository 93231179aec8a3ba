package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tally/internal/config"
)

const keyUsageIngestOrg = "tally:ingest:org:%s"

// IngestLimiter throttles usage ingest per organization. A nil limiter or a
// disabled one allows everything.
type IngestLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

func NewIngestLimiter(cfg config.Config, client *redis.Client) (*IngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled || client == nil {
		return nil, nil
	}
	if limitCfg.OrgRate <= 0 || limitCfg.OrgBurst <= 0 {
		return nil, fmt.Errorf("usage ingest rate limit: %w", ErrInvalidRate)
	}
	return &IngestLimiter{
		bucket: NewTokenBucket(client),
		rate:   limitCfg.OrgRate,
		burst:  limitCfg.OrgBurst,
	}, nil
}

func (l *IngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *IngestLimiter) AllowOrg(ctx context.Context, orgID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keyUsageIngestOrg, strings.TrimSpace(orgID)), l.rate, l.burst)
}
