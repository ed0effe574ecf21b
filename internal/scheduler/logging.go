package scheduler

import (
	"context"
	"time"

	"github.com/smallbiznis/medibill/pkg/log/ctxlogger"
	"github.com/smallbiznis/medibill/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

// jobRun accumulates the outcome of one job execution for the finish log.
type jobRun struct {
	job       string
	id        string
	processed int
	failures  int
	log       *zap.Logger
}

// startRun gives the run its own correlation id so every row it touches can
// be traced back to it.
func (s *Scheduler) startRun(ctx context.Context, job string) (context.Context, *jobRun) {
	id := s.genID.Generate().String()
	ctx = correlation.ContextWithCorrelationID(ctx, "scheduler-"+id)
	return ctx, &jobRun{
		job: job,
		id:  id,
		log: s.logger(ctx).With(zap.String("job", job), zap.String("run_id", id)),
	}
}

func (r *jobRun) AddProcessed(count int) {
	if count > 0 {
		r.processed += count
	}
}

func (r *jobRun) fail(msg string, err error, fields ...zap.Field) {
	r.failures++
	r.log.Error(msg, append(fields, zap.Error(err))...)
}

// finish logs at warn on failure, info when work was done and debug for
// idle runs.
func (r *jobRun) finish(elapsed time.Duration) {
	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.failures),
	}
	switch {
	case r.failures > 0:
		r.log.Warn("scheduler.job.finish", fields...)
	case r.processed > 0:
		r.log.Info("scheduler.job.finish", fields...)
	default:
		r.log.Debug("scheduler.job.finish", fields...)
	}
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return ctxlogger.WithContext(ctx, s.log)
}
