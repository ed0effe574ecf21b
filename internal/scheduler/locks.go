package scheduler

import (
	"context"
	"time"
)

const jobLockPrefix = "medibill:scheduler:lock:"

// jobLocker keeps replicas from running the same job at once.
type jobLocker interface {
	Do(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// withJobLock runs fn under the job's lock when a locker is configured. It
// reports false when another replica holds the lock.
func (s *Scheduler) withJobLock(ctx context.Context, job string, fn func(context.Context) error) (bool, error) {
	if s.locker == nil {
		return true, fn(ctx)
	}
	return s.locker.Do(ctx, jobLockPrefix+job, s.cfg.LockTTL, fn)
}
