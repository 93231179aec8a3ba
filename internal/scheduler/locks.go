package scheduler

import (
	"context"
	"errors"

	"github.com/smallbiznis/tally/internal/ratelimit"
	"go.uber.org/zap"
)

var errLockHeld = errors.New("scheduler_lock_held")

func lockKey(job string) string {
	return "tally:scheduler:" + job
}

// withLock runs fn while holding the job's Redis lock, so only one scheduler
// instance works a job at a time. Without Redis fn runs unguarded.
func (s *Scheduler) withLock(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	key := lockKey(job)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.LockTTL)
	if errors.Is(err, ratelimit.ErrLockNotConfigured) {
		return fn(ctx)
	}
	if err != nil {
		return err
	}
	if !ok {
		return errLockHeld
	}
	defer func() {
		// release on a fresh context; the job context may already be done
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("scheduler.lock.release_failed", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
