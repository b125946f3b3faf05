// Package errstore holds the registry of detected errors. Errors are
// deduplicated by (file, line, type) while unresolved, so repeated detector
// passes over an unchanged defect produce a single entry.
package errstore

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/calder/remedy/internal/shared"
)

const defaultMaxRetries = 3

// Store is a lock-protected registry of detected errors keyed by id.
type Store struct {
	mu     sync.Mutex
	errors map[string]*Error
	logger *slog.Logger
}

// New creates an empty Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		errors: make(map[string]*Error),
		logger: logger.With("component", "errstore"),
	}
}

// Add registers a detected error. It returns false when an unresolved error
// with the same (file, line, type) already exists. Missing fields are
// defaulted: id, severity, status, timestamps, max_retries.
func (s *Store) Add(e *Error) bool {
	if e == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.errors {
		if existing.FilePath == e.FilePath &&
			existing.LineNumber == e.LineNumber &&
			existing.ErrorType == e.ErrorType &&
			!existing.resolved() {
			return false
		}
	}

	now := time.Now()
	if e.ID == "" {
		e.ID = shared.NewID()
	}
	if e.Severity == "" {
		e.Severity = SeverityHigh
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	if e.MaxRetries <= 0 {
		e.MaxRetries = defaultMaxRetries
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	s.errors[e.ID] = e.clone()
	s.logger.Info("error registered",
		"error_id", e.ID, "type", e.ErrorType, "file", e.FilePath, "line", e.LineNumber)
	return true
}

// Get returns a copy of the error with the given id, or nil if absent.
func (s *Store) Get(id string) *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errors[id]
	if !ok {
		return nil
	}
	return e.clone()
}

// List returns copies of all errors, ordered by creation time.
func (s *Store) List() []*Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Error, 0, len(s.errors))
	for _, e := range s.errors {
		out = append(out, e.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// allowedTransitions is the legal status graph. Fixed is terminal; failed
// errors may only be reopened to pending for a retry.
var allowedTransitions = map[Status]map[Status]bool{
	StatusPending:    {StatusInProgress: true, StatusFailed: true},
	StatusInProgress: {StatusPending: true, StatusFixed: true, StatusFailed: true},
	StatusFailed:     {StatusPending: true},
	StatusFixed:      {},
}

// SetStatus moves an error to the given status. Returns false if the error is
// absent or the transition is not allowed. Setting the current status again
// is a no-op that reports success.
func (s *Store) SetStatus(id string, status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errors[id]
	if !ok {
		return false
	}
	if status == e.Status {
		return true
	}
	if !allowedTransitions[e.Status][status] {
		s.logger.Warn("illegal status transition rejected",
			"error_id", id, "from", e.Status, "to", status)
		return false
	}
	e.Status = status
	e.UpdatedAt = time.Now()
	return true
}

// MarkResolved records the fix and moves the error to fixed. Calling it again
// for an already-fixed error is a no-op and still reports success.
func (s *Store) MarkResolved(id string, fix *Fix) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errors[id]
	if !ok {
		s.logger.Warn("mark resolved for unknown error", "error_id", id)
		return false
	}
	if e.resolved() {
		return true
	}
	now := time.Now()
	e.Status = StatusFixed
	e.UpdatedAt = now
	e.FixedAt = &now
	if fix != nil {
		cp := *fix
		cp.ErrorID = id
		cp.Changes = append([]Change(nil), fix.Changes...)
		if cp.FixedAt == nil {
			cp.FixedAt = &now
		}
		e.Fix = &cp
	}
	s.logger.Info("error resolved", "error_id", id)
	return true
}

// IncrementFixAttempts bumps the attempt counter and returns the new value,
// or -1 if the error is absent. Callers compare the result against the
// error's MaxRetries to decide whether to stop retrying.
func (s *Store) IncrementFixAttempts(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.errors[id]
	if !ok {
		return -1
	}
	e.FixAttempts++
	e.UpdatedAt = time.Now()
	return e.FixAttempts
}

// Stats returns aggregate counters over the whole registry.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ByType: make(map[string]int),
		ByFile: make(map[string]int),
	}
	for _, e := range s.errors {
		st.Total++
		if e.resolved() {
			st.Resolved++
		} else {
			st.Unresolved++
		}
		st.ByType[e.ErrorType]++
		st.ByFile[e.FilePath]++
	}
	return st
}
