package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/usageguard/governor/internal/enforcement"
	"github.com/usageguard/governor/pkg/models"
	"go.uber.org/zap"
)

// Breaker is the minute sweep.
type Breaker interface {
	Sweep(ctx context.Context) (evaluated, changed int)
}

// Throttle is the minute PID pass.
type Throttle interface {
	TickAll(ctx context.Context) int
}

// Rollup aggregates one period.
type Rollup interface {
	Run(ctx context.Context, period models.PeriodKind, date time.Time) (int, error)
}

// Anomaly runs the detection passes.
type Anomaly interface {
	RunHourly(ctx context.Context) (checked, flagged int)
	RunDaily(ctx context.Context) (checked, flagged int)
}

// Monthly re-runs budget classification over calendar-month rollups.
type Monthly interface {
	Run(ctx context.Context) (enforcement.Outcome, error)
}

// Scheduler drives the periodic half of the engine. Every job carries a
// bounded timeout: evaluation cadence must stay well inside the breaker
// state TTL, so a wedged dependency times out rather than starving the
// sweep.
type Scheduler struct {
	cron     *cron.Cron
	logger   *zap.Logger
	breaker  Breaker
	throttle Throttle
	rollup   Rollup
	anomaly  Anomaly
	monthly  Monthly
}

// Cadences, in UTC. The offsets keep rollups from racing the period
// boundary they aggregate.
const (
	sweepSpec       = "* * * * *"    // breaker sweep + PID tick, every minute
	hourlySpec      = "5 * * * *"    // hour rollup + hourly anomaly pass
	dailySpec       = "15 0 * * *"   // day rollup + daily anomaly pass
	monthlySpec     = "30 0 1 * *"   // month rollup + monthly budget pass
	minuteJobBudget = 50 * time.Second
	batchJobBudget  = 10 * time.Minute
)

func NewScheduler(breaker Breaker, throttle Throttle, rollup Rollup, anomaly Anomaly, monthly Monthly, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger,
		breaker:  breaker,
		throttle: throttle,
		rollup:   rollup,
		anomaly:  anomaly,
		monthly:  monthly,
	}
}

// Start registers the jobs and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{sweepSpec, "minute-governance", s.runMinute},
		{hourlySpec, "hourly-rollup", s.runHourly},
		{dailySpec, "daily-rollup", s.runDaily},
		{monthlySpec, "monthly-rollup", s.runMonthly},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			budget := batchJobBudget
			if job.name == "minute-governance" {
				budget = minuteJobBudget
			}
			jobCtx, cancel := context.WithTimeout(ctx, budget)
			defer cancel()
			job.run(jobCtx)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("sweep", sweepSpec),
		zap.String("hourly", hourlySpec),
		zap.String("daily", dailySpec),
		zap.String("monthly", monthlySpec),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the cron loop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runMinute(ctx context.Context) {
	evaluated, changed := s.breaker.Sweep(ctx)
	ticked := s.throttle.TickAll(ctx)
	s.logger.Debug("minute governance pass completed",
		zap.Int("breakers_evaluated", evaluated),
		zap.Int("breakers_changed", changed),
		zap.Int("throttles_ticked", ticked),
	)
}

func (s *Scheduler) runHourly(ctx context.Context) {
	// Aggregate the hour that just closed.
	written, err := s.rollup.Run(ctx, models.PeriodHour, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		s.logger.Error("hourly rollup failed", zap.Error(err))
	} else {
		s.logger.Info("hourly rollup completed", zap.Int("rows", written))
	}

	checked, flagged := s.anomaly.RunHourly(ctx)
	s.logger.Info("hourly anomaly pass completed",
		zap.Int("checked", checked),
		zap.Int("flagged", flagged),
	)
}

func (s *Scheduler) runDaily(ctx context.Context) {
	written, err := s.rollup.Run(ctx, models.PeriodDay, time.Now().UTC().AddDate(0, 0, -1))
	if err != nil {
		s.logger.Error("daily rollup failed", zap.Error(err))
	} else {
		s.logger.Info("daily rollup completed", zap.Int("rows", written))
	}

	checked, flagged := s.anomaly.RunDaily(ctx)
	s.logger.Info("daily anomaly pass completed",
		zap.Int("checked", checked),
		zap.Int("flagged", flagged),
	)
}

func (s *Scheduler) runMonthly(ctx context.Context) {
	written, err := s.rollup.Run(ctx, models.PeriodMonth, time.Now().UTC().AddDate(0, -1, 0))
	if err != nil {
		s.logger.Error("monthly rollup failed", zap.Error(err))
	} else {
		s.logger.Info("monthly rollup completed", zap.Int("rows", written))
	}

	outcome, err := s.monthly.Run(ctx)
	if err != nil {
		s.logger.Error("monthly budget pass failed", zap.Error(err))
		return
	}
	s.logger.Info("monthly budget pass completed",
		zap.Int("violations", len(outcome.Violations)),
		zap.Int("warnings", len(outcome.Warnings)),
	)
}
