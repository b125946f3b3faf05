// Package orchestrator wires detection, the error store, the task queue and
// the fixer into the remediation pipeline.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/calder/remedy/internal/bus"
	"github.com/calder/remedy/internal/detect"
	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/fixer"
	"github.com/calder/remedy/internal/guard"
	"github.com/calder/remedy/internal/otel"
	"github.com/calder/remedy/internal/persistence"
	"github.com/calder/remedy/internal/report"
	"github.com/calder/remedy/internal/shared"
	"github.com/calder/remedy/internal/taskqueue"
)

const defaultPollInterval = 200 * time.Millisecond

// Config holds the orchestrator dependencies. Guard, Errors, Queue, Scanner
// and Fixer are required; the rest may be nil.
type Config struct {
	Guard   *guard.Guard
	Errors  *errstore.Store
	Queue   *taskqueue.Queue
	Scanner *detect.Scanner
	Fixer   *fixer.Fixer
	Reports *report.Writer
	Store   *persistence.Store
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger

	Workers      int
	PollInterval time.Duration

	// MaxRetries overrides the per-error retry budget for newly registered
	// errors. Zero keeps the store default.
	MaxRetries int
}

// Orchestrator runs the remediation pipeline: changed files are scanned,
// detected errors become tasks, and workers drain the queue.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	// claimMu serializes task claiming so two workers never pick the same
	// pending task.
	claimMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "orchestrator"),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx, i)
	}
	o.logger.Info("orchestrator started", "workers", o.cfg.Workers)
}

// Stop cancels the workers and waits for them to drain.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// HandleChanges scans the changed files and queues fix tasks for anything
// found. Called by the file watcher.
func (o *Orchestrator) HandleChanges(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		return
	}
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	start := time.Now()
	found := o.cfg.Scanner.ScanFiles(paths)
	o.registerErrors(ctx, found)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ScanDuration.Record(ctx, time.Since(start).Seconds())
	}
	o.logger.InfoContext(ctx, "change batch scanned", "files", len(paths), "errors", len(found))
}

// ScanProject scans the whole project tree.
func (o *Orchestrator) ScanProject(ctx context.Context) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	var span trace.Span
	if o.cfg.Tracer != nil {
		ctx, span = otel.StartSpan(ctx, o.cfg.Tracer, "project.scan")
		defer span.End()
	}
	start := time.Now()
	found := o.cfg.Scanner.Scan()
	o.registerErrors(ctx, found)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ScanDuration.Record(ctx, time.Since(start).Seconds())
	}
	o.logger.InfoContext(ctx, "project scanned", "errors", len(found))
}

// registerErrors adds detected errors to the store and queues a fix task for
// each newly registered one. Duplicates are dropped by the store.
func (o *Orchestrator) registerErrors(ctx context.Context, found []*errstore.Error) {
	for _, e := range found {
		if e.MaxRetries <= 0 {
			e.MaxRetries = o.cfg.MaxRetries
		}
		if !o.cfg.Errors.Add(e) {
			continue
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.ErrorsDetected.Add(ctx, 1)
		}
		if o.cfg.Bus != nil {
			o.cfg.Bus.Publish(bus.TopicErrorDetected, bus.ErrorDetectedEvent{
				ErrorID:   e.ID,
				ErrorType: e.ErrorType,
				FilePath:  e.FilePath,
				Line:      e.LineNumber,
				Severity:  string(e.Severity),
			})
		}
		o.persist(ctx, e.ID)

		task := o.cfg.Queue.CreateErrorFixTask(e, e.FilePath, e.LineNumber, e.Traceback)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.PendingTasks.Add(ctx, 1)
		}
		o.logger.InfoContext(ctx, "error registered",
			"error_id", e.ID,
			"error_type", e.ErrorType,
			"path", e.FilePath,
			"line", e.LineNumber,
			"task_id", task.ID)
	}
}

// worker drains the queue until the context is canceled.
func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Check cancellation between tasks so Stop does not wait
			// for the whole backlog to drain.
			for ctx.Err() == nil {
				task := o.claim()
				if task == nil {
					break
				}
				o.execute(ctx, task)
			}
		}
	}
}

// claim picks the highest-priority pending task and marks it in progress.
func (o *Orchestrator) claim() *taskqueue.Task {
	o.claimMu.Lock()
	defer o.claimMu.Unlock()

	pending := o.cfg.Queue.PendingTasks()
	if len(pending) == 0 {
		return nil
	}
	task := pending[0]
	if !o.cfg.Queue.UpdateStatus(task.ID, taskqueue.StatusInProgress) {
		return nil
	}
	return task
}

func (o *Orchestrator) execute(ctx context.Context, task *taskqueue.Task) {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithTaskID(ctx, task.ID)
	if task.ErrorID != "" {
		ctx = shared.WithErrorID(ctx, task.ErrorID)
	}

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PendingTasks.Add(ctx, -1)
	}

	var span trace.Span
	if o.cfg.Tracer != nil {
		ctx, span = otel.StartSpan(ctx, o.cfg.Tracer, "task.execute",
			otel.AttrTaskID.String(task.ID),
			otel.AttrTaskKind.String(string(task.Kind)),
		)
		defer span.End()
	}

	switch task.Kind {
	case taskqueue.KindErrorFix:
		o.executeFix(ctx, task)
	case taskqueue.KindLinting:
		found := o.cfg.Scanner.ScanFiles([]string{task.FilePath})
		o.registerErrors(ctx, found)
		o.complete(ctx, task, true)
	case taskqueue.KindProjectScan:
		found := o.cfg.Scanner.Scan()
		o.registerErrors(ctx, found)
		o.complete(ctx, task, true)
	case taskqueue.KindRunTests:
		found := o.cfg.Scanner.ScanFiles([]string{task.FilePath})
		o.registerErrors(ctx, found)
		o.complete(ctx, task, true)
	default:
		o.logger.WarnContext(ctx, "unknown task kind", "task_id", task.ID, "kind", task.Kind)
		o.complete(ctx, task, false)
	}
}

// executeFix runs the fixer against the task's error, retrying up to the
// error's retry budget by queueing a fresh task.
func (o *Orchestrator) executeFix(ctx context.Context, task *taskqueue.Task) {
	e := o.cfg.Errors.Get(task.ErrorID)
	if e == nil {
		o.logger.WarnContext(ctx, "fix task references unknown error", "task_id", task.ID, "error_id", task.ErrorID)
		o.complete(ctx, task, false)
		return
	}
	if e.Status == errstore.StatusFixed {
		o.complete(ctx, task, true)
		return
	}

	o.cfg.Errors.SetStatus(e.ID, errstore.StatusInProgress)
	start := time.Now()
	fix, err := o.cfg.Fixer.Fix(e)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.FixDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err == nil && fix != nil {
		o.cfg.Errors.MarkResolved(e.ID, fix)
		o.persist(ctx, e.ID)
		o.complete(ctx, task, true)

		if o.cfg.Metrics != nil {
			o.cfg.Metrics.FixesApplied.Add(ctx, 1)
			o.cfg.Metrics.ErrorsResolved.Add(ctx, 1)
		}
		if o.cfg.Bus != nil {
			o.cfg.Bus.Publish(bus.TopicFixApplied, bus.FixAppliedEvent{
				ErrorID:  e.ID,
				FilePath: e.FilePath,
				FixType:  fix.FixType,
				Success:  true,
			})
			o.cfg.Bus.Publish(bus.TopicErrorResolved, bus.ErrorDetectedEvent{
				ErrorID:   e.ID,
				ErrorType: e.ErrorType,
				FilePath:  e.FilePath,
				Line:      e.LineNumber,
			})
		}
		o.report(e.ID, fix)
		return
	}

	if err != nil {
		o.logger.ErrorContext(ctx, "fix failed", "error_id", e.ID, "task_id", task.ID, "error", err)
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.FixesRejected.Add(ctx, 1)
		}
		if o.cfg.Bus != nil {
			o.cfg.Bus.Publish(bus.TopicFixRejected, bus.FixAppliedEvent{
				ErrorID:  e.ID,
				FilePath: e.FilePath,
				Success:  false,
			})
		}
	}

	attempts := o.cfg.Errors.IncrementFixAttempts(e.ID)
	if attempts < 0 || attempts >= e.MaxRetries {
		o.cfg.Errors.SetStatus(e.ID, errstore.StatusFailed)
		o.persist(ctx, e.ID)
		o.complete(ctx, task, false)
		o.report(e.ID, nil)
		o.logger.WarnContext(ctx, "error abandoned, retry budget exhausted",
			"error_id", e.ID, "attempts", attempts, "max_retries", e.MaxRetries)
		return
	}

	// Back to pending with a fresh task for the next attempt.
	o.cfg.Errors.SetStatus(e.ID, errstore.StatusPending)
	o.persist(ctx, e.ID)
	o.complete(ctx, task, false)
	retry := o.cfg.Errors.Get(e.ID)
	o.cfg.Queue.CreateErrorFixTask(retry, retry.FilePath, retry.LineNumber, retry.Traceback)
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.PendingTasks.Add(ctx, 1)
	}
	o.logger.InfoContext(ctx, "fix retry queued", "error_id", e.ID, "attempt", attempts+1)
}

func (o *Orchestrator) complete(ctx context.Context, task *taskqueue.Task, ok bool) {
	status := taskqueue.StatusCompleted
	if !ok {
		status = taskqueue.StatusFailed
	}
	o.cfg.Queue.UpdateStatus(task.ID, status)
	if o.cfg.Metrics != nil {
		if ok {
			o.cfg.Metrics.TasksCompleted.Add(ctx, 1)
		} else {
			o.cfg.Metrics.TasksFailed.Add(ctx, 1)
		}
	}
}

// report writes the markdown/JSON pair for a finished error.
func (o *Orchestrator) report(errorID string, fix *errstore.Fix) {
	if o.cfg.Reports == nil {
		return
	}
	e := o.cfg.Errors.Get(errorID)
	if e == nil {
		return
	}
	if _, err := o.cfg.Reports.Generate(e, fix, nil); err != nil {
		o.logger.Error("report generation failed", "error_id", errorID, "error", err)
	}
}

// persist snapshots the error's current state to sqlite.
func (o *Orchestrator) persist(ctx context.Context, errorID string) {
	if o.cfg.Store == nil {
		return
	}
	e := o.cfg.Errors.Get(errorID)
	if e == nil {
		return
	}
	if err := o.cfg.Store.SaveError(ctx, e); err != nil {
		o.logger.ErrorContext(ctx, "error snapshot failed", "error_id", errorID, "error", err)
	}
}

// SweepStale fails stuck tasks; wired to the scheduler.
func (o *Orchestrator) SweepStale(ctx context.Context) {
	n := o.cfg.Queue.CleanupStaleTasks()
	if n > 0 && o.cfg.Metrics != nil {
		o.cfg.Metrics.StaleTasksSwept.Add(ctx, int64(n))
	}
}

// Restore loads persisted unresolved errors back into the store and queues
// fix tasks for them. Called once at startup.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.cfg.Store == nil {
		return nil
	}
	saved, err := o.cfg.Store.LoadErrors(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, e := range saved {
		if e.Status == errstore.StatusFixed || e.Status == errstore.StatusFailed {
			continue
		}
		e.Status = errstore.StatusPending
		if !o.cfg.Errors.Add(e) {
			continue
		}
		o.cfg.Queue.CreateErrorFixTask(e, e.FilePath, e.LineNumber, e.Traceback)
		restored++
	}
	if restored > 0 {
		o.logger.Info("unresolved errors restored", "count", restored)
	}
	return nil
}
