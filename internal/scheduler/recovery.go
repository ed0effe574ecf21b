package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// recoverJob turns a panic inside fn into an error so one broken job does not
// stop the loop.
func (s *Scheduler) recoverJob(ctx context.Context, job string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger(ctx).Error("scheduler.job.panic",
				zap.String("job", job),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("panic in %s: %v", job, r)
		}
	}()
	return fn(ctx)
}
