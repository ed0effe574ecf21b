package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/events"
	obsmetrics "github.com/smallbiznis/medibill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/medibill/internal/payment/domain"
	"github.com/smallbiznis/medibill/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSessionExpiry = "payment_session_expiry"
	JobOutboxRelay   = "outbox_relay"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type sessionExpirer interface {
	ExpireStale(ctx context.Context) (int, error)
}

type outboxRelay interface {
	Enabled() bool
	RunOnce(ctx context.Context) (int, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	GenID      *snowflake.Node
	PaymentSvc paymentdomain.Service
	Relay      *events.Relay
	Locker     *ratelimit.Locker `optional:"true"`
	Config     Config            `optional:"true"`
}

// Scheduler drives the tick-based work: expiring payment sessions whose
// window elapsed and relaying the outbox to the broker.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	expirer sessionExpirer
	relay   outboxRelay
	locker  jobLocker
	metrics *obsmetrics.SchedulerMetrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.GenID == nil || p.PaymentSvc == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		expirer: p.PaymentSvc,
		metrics: obsmetrics.Scheduler(),
	}
	if p.Relay != nil {
		s.relay = p.Relay
	}
	if p.Locker != nil {
		s.locker = p.Locker
	}
	return s, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startRun(ctx, name)
	s.metrics.IncJobRun(name)

	ran, err := s.withJobLock(ctx, name, func(ctx context.Context) error {
		return s.recoverJob(ctx, name, func(ctx context.Context) error {
			return fn(ctx, run)
		})
	})
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if !ran && err == nil {
		run.log.Debug("scheduler.job.skipped", zap.String("reason", "locked"))
		return nil
	}
	if err != nil && run.failures == 0 {
		run.failures++
	}
	run.finish(s.clock.Now().Sub(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		run.log.Warn("scheduler.job.timeout",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobSessionExpiry, s.ExpireSessionsJob},
		{JobOutboxRelay, s.RelayOutboxJob},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now()

	for {
		if runLag := s.clock.Now().Sub(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireSessionsJob moves elapsed payment sessions to expired and frees their
// bills for a new session.
func (s *Scheduler) ExpireSessionsJob(ctx context.Context, run *jobRun) error {
	expired, err := s.expirer.ExpireStale(ctx)
	run.AddProcessed(expired)
	s.metrics.AddBatchProcessed(JobSessionExpiry, "payment_sessions", expired)
	if err != nil {
		run.fail("scheduler.sessions.expire.failed", err)
		return err
	}
	return nil
}

// RelayOutboxJob drains the outbox in batches until it is empty or the
// broker fails.
func (s *Scheduler) RelayOutboxJob(ctx context.Context, run *jobRun) error {
	if s.relay == nil || !s.relay.Enabled() {
		return nil
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		published, err := s.relay.RunOnce(ctx)
		run.AddProcessed(published)
		s.metrics.AddBatchProcessed(JobOutboxRelay, "outbox_events", published)
		if err != nil {
			run.fail("scheduler.outbox.relay.failed", err,
				zap.String("reason", obsmetrics.ClassifySchedulerJobReason(err)),
			)
			return err
		}
		if published == 0 {
			return nil
		}
	}
}
