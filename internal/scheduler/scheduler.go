// Package scheduler triggers the nightly validation sweep on a cron
// schedule. The sweep itself carries its own retry and alerting logic; the
// scheduler only owns the timing and the per-run deadline.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"refsync/lib/sl"
)

const runTimeout = 30 * time.Minute

type Sweeper interface {
	Run(ctx context.Context) error
}

type SweepJob struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	log      *slog.Logger
}

func NewSweepJob(sweeper Sweeper, schedule string, log *slog.Logger) *SweepJob {
	return &SweepJob{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		sweeper:  sweeper,
		schedule: schedule,
		log:      log.With(sl.Module("scheduler")),
	}
}

func (j *SweepJob) Start() error {
	if j == nil || j.cron == nil || j.sweeper == nil {
		return nil
	}

	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()

		if err := j.sweeper.Run(ctx); err != nil {
			j.log.Error("validation sweep failed", sl.Err(err))
		}
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.log.Info("sweep scheduled", slog.String("schedule", j.schedule))
	return nil
}

func (j *SweepJob) Stop() {
	if j == nil || j.cron == nil {
		return
	}

	stopCtx := j.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
	}
}
