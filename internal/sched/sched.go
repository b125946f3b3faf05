// Package sched runs the engine's periodic jobs (stale task sweeps, project
// rescans, report rollups) from cron expressions.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named periodic job with its schedule.
type Job struct {
	Name     string
	CronExpr string
	Run      func(ctx context.Context)

	schedule cronlib.Schedule
	nextRun  time.Time
}

// Scheduler ticks at a fixed interval and fires jobs whose next run time has
// passed.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds the scheduler dependencies.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:   logger.With("component", "sched"),
		interval: interval,
	}
}

// JobOption adjusts a job at registration time.
type JobOption func(*Job)

// Immediately makes the job fire on the first tick instead of waiting for
// its first cron boundary.
func Immediately() JobOption {
	return func(j *Job) { j.nextRun = time.Time{} }
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(name, cronExpr string, run func(ctx context.Context), opts ...JobOption) error {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expr %q for %s: %w", cronExpr, name, err)
	}
	job := &Job{
		Name:     name,
		CronExpr: cronExpr,
		Run:      run,
		schedule: schedule,
		nextRun:  schedule.Next(time.Now()),
	}
	for _, opt := range opts {
		opt(job)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires every job whose next run time has passed and advances it.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.nextRun.After(now) {
			due = append(due, job)
			job.nextRun = job.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		s.logger.Info("job fired", "job", job.Name, "next_run_at", s.nextRunOf(job))
		job.Run(ctx)
	}
}

func (s *Scheduler) nextRunOf(job *Job) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return job.nextRun
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}
