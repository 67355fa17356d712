package redemption

import (
	"context"
	"errors"
	"time"

	"github.com/hibiken/asynq"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"getonblockchain/pkg/config"
	"getonblockchain/pkg/task"
)

// Scheduler enqueues the expiry sweep on REDEMPTION.CLEANUP_SCHEDULE. The
// sweep itself runs on an asynq worker, so any number of schedulers may run;
// asynq.Unique collapses duplicate ticks.
type Scheduler struct {
	cron     *cron.Cron
	enqueuer task.Enqueuer
	spec     string
}

func NewScheduler(cfg *config.Config, enqueuer task.Enqueuer) *Scheduler {
	spec := cfg.Redemption.CleanupSchedule
	if spec == "" {
		spec = "@every 1m"
	}

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)),
		),
		enqueuer: enqueuer,
		spec:     spec,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.EnqueueCleanup); err != nil {
		return err
	}
	s.cron.Start()
	zap.L().Info("redemption cleanup scheduled", zap.String("schedule", s.spec))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) EnqueueCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.enqueuer.Enqueue(ctx, NewCleanupTask(), asynq.Unique(time.Minute))
	switch {
	case err == nil:
	case errors.Is(err, asynq.ErrDuplicateTask):
		zap.L().Debug("redemption cleanup already queued")
	default:
		zap.L().Warn("failed to enqueue redemption cleanup", zap.Error(err))
	}
}
