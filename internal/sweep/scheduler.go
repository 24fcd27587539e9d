// Package sweep holds the periodic jobs that repair state when webhooks are
// lost: the CI reconciliation pass and the stale-task watchdog. Both converge
// to the same task store the webhook handlers write, and both are safe to run
// concurrently with live webhook processing.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweep is one periodic job.
type Sweep struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context) error
}

// Scheduler drives registered sweeps on their cron schedules with a coarse
// one-tick loop: every interval it fires whichever sweeps are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	sweeps []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type entry struct {
	sweep   Sweep
	sched   cronlib.Schedule
	nextRun time.Time
}

func NewScheduler(logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Add registers a sweep. Invalid cron expressions are rejected here, before
// the loop starts.
func (s *Scheduler) Add(sweep Sweep) error {
	sched, err := cronParser.Parse(sweep.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron %q for %s: %w", sweep.CronExpr, sweep.Name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps = append(s.sweeps, &entry{
		sweep:   sweep,
		sched:   sched,
		nextRun: sched.Next(time.Now()),
	})
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("sweep scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.sweeps {
		if !now.Before(e.nextRun) {
			due = append(due, e)
			e.nextRun = e.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		start := time.Now()
		if err := e.sweep.Run(ctx); err != nil {
			s.logger.Error("sweep failed", "sweep", e.sweep.Name, "error", err)
			continue
		}
		s.logger.Info("sweep completed", "sweep", e.sweep.Name, "duration", time.Since(start))
	}
}
