// Package taskqueue tracks remediation tasks from creation to completion.
// All mutations are serialized by one queue-wide lock; task volume is
// operator-scale, so correctness wins over throughput.
package taskqueue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/calder/remedy/internal/bus"
	"github.com/calder/remedy/internal/errstore"
	"github.com/calder/remedy/internal/shared"
)

// Kind names a category of remediation work.
type Kind string

const (
	KindErrorFix    Kind = "error_fix"
	KindLinting     Kind = "linting"
	KindRunTests    Kind = "run_tests"
	KindProjectScan Kind = "project_scan"
)

// dedupeKinds marks kinds for which at most one non-terminal task may exist
// per (kind, file). Error-fix tasks never dedup: every detected error gets
// its own task.
var dedupeKinds = map[Kind]bool{
	KindLinting:     true,
	KindProjectScan: true,
}

// Priority orders pending tasks.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Status tracks a task through its lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one unit of remediation work.
type Task struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	FilePath  string    `json:"file_path,omitempty"`
	Line      int       `json:"line,omitempty"`
	Context   string    `json:"context,omitempty"`
	Priority  Priority  `json:"priority"`
	Status    Status    `json:"status"`
	ErrorID   string    `json:"error_id,omitempty"` // lookup-only back-reference
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (t *Task) clone() *Task {
	cp := *t
	return &cp
}

// DefaultStaleWindow is how long a task may sit in_progress before the
// cleanup sweep declares it failed.
const DefaultStaleWindow = 5 * time.Minute

// Queue is the lock-protected list of remediation tasks.
type Queue struct {
	mu          sync.Mutex
	tasks       []*Task
	staleWindow time.Duration
	logger      *slog.Logger
	bus         *bus.Bus

	now func() time.Time // test hook
}

// Option configures a Queue.
type Option func(*Queue)

// WithStaleWindow overrides the staleness window.
func WithStaleWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.staleWindow = d
		}
	}
}

// WithBus attaches an event bus for task lifecycle events.
func WithBus(b *bus.Bus) Option {
	return func(q *Queue) { q.bus = b }
}

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates an empty Queue.
func New(logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		staleWindow: DefaultStaleWindow,
		logger:      logger.With("component", "taskqueue"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// CreateErrorFixTask queues a fix task for a detected error. Error-fix tasks
// are never deduplicated.
func (q *Queue) CreateErrorFixTask(e *errstore.Error, file string, line int, context string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.insert(&Task{
		Kind:     KindErrorFix,
		FilePath: file,
		Line:     line,
		Context:  context,
		Priority: priorityFor(e),
	})
	if e != nil {
		task.ErrorID = e.ID
	}
	q.logger.Info("error fix task created", "task_id", task.ID, "file", file, "line", line)
	return task.clone()
}

// CreateLintingTask queues a lint pass for a file. If a pending or
// in-progress linting task for the same file already exists, that task is
// returned instead of creating a duplicate.
func (q *Queue) CreateLintingTask(file string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing := q.findLive(KindLinting, file); existing != nil {
		return existing.clone()
	}
	task := q.insert(&Task{Kind: KindLinting, FilePath: file, Priority: PriorityLow})
	q.logger.Info("linting task created", "task_id", task.ID, "file", file)
	return task.clone()
}

// CreateTestExecutionTask queues a test run for a test file.
func (q *Queue) CreateTestExecutionTask(testFile string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	task := q.insert(&Task{Kind: KindRunTests, FilePath: testFile, Priority: PriorityMedium})
	q.logger.Info("test execution task created", "task_id", task.ID, "file", testFile)
	return task.clone()
}

// CreateProjectScanTask queues a full project scan. Deduplicated: a second
// request while one scan is live returns the existing task.
func (q *Queue) CreateProjectScanTask() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing := q.findLive(KindProjectScan, ""); existing != nil {
		return existing.clone()
	}
	task := q.insert(&Task{Kind: KindProjectScan, Priority: PriorityMedium})
	q.logger.Info("project scan task created", "task_id", task.ID)
	return task.clone()
}

// PendingTasks returns copies of all tasks currently pending, highest
// priority first, oldest first within a priority.
func (q *Queue) PendingTasks() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Task
	for _, t := range q.tasks {
		if t.Status == StatusPending {
			out = append(out, t.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority.rank() > out[j].Priority.rank()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// All returns copies of every task in creation order.
func (q *Queue) All() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.clone())
	}
	return out
}

// Get returns a copy of the task with the given id, or nil.
func (q *Queue) Get(id string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if t.ID == id {
			return t.clone()
		}
	}
	return nil
}

// UpdateStatus moves a task to the given status. Returns false for an
// unknown id.
func (q *Queue) UpdateStatus(id string, status Status) bool {
	q.mu.Lock()
	var ev *bus.TaskStateChangedEvent
	ok := false
	for _, t := range q.tasks {
		if t.ID == id {
			ev = &bus.TaskStateChangedEvent{
				TaskID:    t.ID,
				Kind:      string(t.Kind),
				FilePath:  t.FilePath,
				OldStatus: string(t.Status),
				NewStatus: string(status),
			}
			t.Status = status
			t.UpdatedAt = q.now()
			ok = true
			break
		}
	}
	q.mu.Unlock()

	if ok {
		q.logger.Info("task status updated", "task_id", id, "status", status)
		if q.bus != nil && ev != nil {
			q.bus.Publish(bus.TopicTaskStateChanged, *ev)
		}
	}
	return ok
}

// CleanupStaleTasks marks every in-progress task older than the staleness
// window as failed. Returns the number of tasks swept.
func (q *Queue) CleanupStaleTasks() int {
	q.mu.Lock()
	now := q.now()
	var swept []*Task
	for _, t := range q.tasks {
		if t.Status == StatusInProgress && now.Sub(t.UpdatedAt) > q.staleWindow {
			t.Status = StatusFailed
			t.UpdatedAt = now
			swept = append(swept, t.clone())
		}
	}
	q.mu.Unlock()

	for _, t := range swept {
		q.logger.Warn("stale task marked failed", "task_id", t.ID, "kind", t.Kind)
		if q.bus != nil {
			q.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
				TaskID:    t.ID,
				Kind:      string(t.Kind),
				FilePath:  t.FilePath,
				OldStatus: string(StatusInProgress),
				NewStatus: string(StatusFailed),
			})
		}
	}
	return len(swept)
}

// insert appends a new task with defaults filled in. Caller holds the lock.
func (q *Queue) insert(t *Task) *Task {
	now := q.now()
	t.ID = shared.NewID()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	q.tasks = append(q.tasks, t)
	if q.bus != nil {
		q.bus.Publish(bus.TopicTaskCreated, bus.TaskStateChangedEvent{
			TaskID:    t.ID,
			Kind:      string(t.Kind),
			FilePath:  t.FilePath,
			NewStatus: string(StatusPending),
		})
	}
	return t
}

// findLive returns the live (pending or in-progress) task for a dedup-eligible
// (kind, file) pair, or nil. Caller holds the lock.
func (q *Queue) findLive(kind Kind, file string) *Task {
	if !dedupeKinds[kind] {
		return nil
	}
	for _, t := range q.tasks {
		if t.Kind == kind && t.FilePath == file && !t.Status.terminal() {
			return t
		}
	}
	return nil
}

func priorityFor(e *errstore.Error) Priority {
	if e == nil {
		return PriorityMedium
	}
	switch e.Severity {
	case errstore.SeverityCritical:
		return PriorityCritical
	case errstore.SeverityHigh:
		return PriorityHigh
	case errstore.SeverityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}
