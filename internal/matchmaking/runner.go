// internal/matchmaking/runner.go
package matchmaking

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Sweeper clears dodges that fell out of the penalty window.
type Sweeper interface {
	ClearStaleDodges(ctx context.Context) (int, error)
}

// RunnerConfig sets the job intervals of a Runner.
type RunnerConfig struct {
	TickInterval  time.Duration
	SweepInterval time.Duration
	Clock         clockwork.Clock
}

// Runner drives the queue tick and the dodge sweep on a gocron scheduler.
// Both jobs run in singleton mode: a run that would overlap the previous one
// is rescheduled instead.
type Runner struct {
	sched gocron.Scheduler
	ticks atomic.Int64
	log   logrus.FieldLogger
}

func NewRunner(s *Scheduler, sweeper Sweeper, cfg RunnerConfig, log logrus.FieldLogger) (*Runner, error) {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	sched, err := gocron.NewScheduler(gocron.WithClock(cfg.Clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	r := &Runner{sched: sched, log: log.WithField("component", "queuetick")}

	_, err = sched.NewJob(
		gocron.DurationJob(cfg.TickInterval),
		gocron.NewTask(func(ctx context.Context) {
			s.Tick(ctx)
			r.ticks.Add(1)
		}),
		gocron.WithName("queue tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule queue tick: %w", err)
	}

	if sweeper != nil && cfg.SweepInterval > 0 {
		_, err = sched.NewJob(
			gocron.DurationJob(cfg.SweepInterval),
			gocron.NewTask(func(ctx context.Context) {
				n, err := sweeper.ClearStaleDodges(ctx)
				if err != nil {
					r.log.WithError(err).Warn("dodge sweep failed")
					return
				}
				r.log.WithField("cleared", n).Debug("dodge sweep done")
			}),
			gocron.WithName("dodge sweep"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("schedule dodge sweep: %w", err)
		}
	}
	return r, nil
}

// Start begins running the jobs in the background.
func (r *Runner) Start() {
	r.log.Info("queue tick started")
	r.sched.Start()
}

// Shutdown stops the jobs, waiting for running ones to return.
func (r *Runner) Shutdown() error {
	if err := r.sched.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	r.log.Info("queue tick stopped")
	return nil
}

// Ticks returns how many queue ticks completed.
func (r *Runner) Ticks() int64 { return r.ticks.Load() }
