package errstore

import "time"

// Severity classifies how urgent a detected error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Status tracks an error through its remediation lifecycle.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusFixed      Status = "fixed"
	StatusFailed     Status = "failed"
)

// Change is one edit applied by a fix.
type Change struct {
	Type string `json:"type"` // "replace", "append", "prepend", "delete"
	Old  string `json:"old,omitempty"`
	New  string `json:"new,omitempty"`
}

// Fix is the recorded outcome of a successful remediation applied to an Error.
type Fix struct {
	ErrorID    string     `json:"error_id"`
	Success    bool       `json:"success"`
	Message    string     `json:"message"`
	FixType    string     `json:"fix_type"`
	Changes    []Change   `json:"changes"`
	BackupPath string     `json:"backup_path,omitempty"`
	FixedAt    *time.Time `json:"fixed_at,omitempty"`
}

// Error is a single detected defect in the project.
type Error struct {
	ID          string     `json:"id"`
	ErrorType   string     `json:"error_type"`
	Message     string     `json:"message"`
	FilePath    string     `json:"file_path"`
	LineNumber  int        `json:"line_number"`
	Column      int        `json:"column,omitempty"`
	Severity    Severity   `json:"severity"`
	Status      Status     `json:"status"`
	Traceback   string     `json:"traceback,omitempty"`
	FixAttempts int        `json:"fix_attempts"`
	MaxRetries  int        `json:"max_retries"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FixedAt     *time.Time `json:"fixed_at,omitempty"`
	Fix         *Fix       `json:"fix,omitempty"`
}

// resolved reports whether the error has reached a terminal fixed state.
func (e *Error) resolved() bool {
	return e.Status == StatusFixed
}

// clone returns a deep copy so callers never share store-owned memory.
func (e *Error) clone() *Error {
	cp := *e
	if e.FixedAt != nil {
		ts := *e.FixedAt
		cp.FixedAt = &ts
	}
	if e.Fix != nil {
		fix := *e.Fix
		fix.Changes = append([]Change(nil), e.Fix.Changes...)
		if e.Fix.FixedAt != nil {
			ts := *e.Fix.FixedAt
			fix.FixedAt = &ts
		}
		cp.Fix = &fix
	}
	return &cp
}

// Stats is an aggregate snapshot of the store contents.
type Stats struct {
	Total      int            `json:"total"`
	Resolved   int            `json:"resolved"`
	Unresolved int            `json:"unresolved"`
	ByType     map[string]int `json:"by_type"`
	ByFile     map[string]int `json:"by_file"`
}
