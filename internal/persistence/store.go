// Package persistence is the durable sqlite layer: error snapshots survive
// restarts and every remediation event lands in an append-only history.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/calder/remedy/internal/bus"
	"github.com/calder/remedy/internal/errstore"
)

// Event is one row of the remediation history.
type Event struct {
	EventID    int64     `json:"event_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	Payload    string    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the sqlite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// DefaultDBPath places the database under the user's home directory.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".remedy", "remedy.db")
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: logger.With("component", "persistence")}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS errors (
		id TEXT PRIMARY KEY,
		error_type TEXT NOT NULL,
		message TEXT NOT NULL,
		file_path TEXT NOT NULL,
		line_number INTEGER NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		traceback TEXT,
		fix_attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		fix_json TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		fixed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_errors_status ON errors(status);
	CREATE INDEX IF NOT EXISTS idx_errors_file ON errors(file_path);

	CREATE TABLE IF NOT EXISTS history (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_history_entity ON history(entity_id);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// SaveError upserts an error snapshot.
func (s *Store) SaveError(ctx context.Context, e *errstore.Error) error {
	var fixJSON sql.NullString
	if e.Fix != nil {
		data, err := json.Marshal(e.Fix)
		if err != nil {
			return fmt.Errorf("encode fix: %w", err)
		}
		fixJSON = sql.NullString{String: string(data), Valid: true}
	}
	var fixedAt sql.NullTime
	if e.FixedAt != nil {
		fixedAt = sql.NullTime{Time: *e.FixedAt, Valid: true}
	}

	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO errors (
				id, error_type, message, file_path, line_number, severity,
				status, traceback, fix_attempts, max_retries, fix_json,
				created_at, updated_at, fixed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				fix_attempts = excluded.fix_attempts,
				fix_json = excluded.fix_json,
				updated_at = excluded.updated_at,
				fixed_at = excluded.fixed_at`,
			e.ID, e.ErrorType, e.Message, e.FilePath, e.LineNumber, string(e.Severity),
			string(e.Status), e.Traceback, e.FixAttempts, e.MaxRetries, fixJSON,
			e.CreatedAt, e.UpdatedAt, fixedAt)
		if err != nil {
			return fmt.Errorf("save error %s: %w", e.ID, err)
		}
		return nil
	})
}

// LoadErrors returns all persisted error snapshots, oldest first.
func (s *Store) LoadErrors(ctx context.Context) ([]*errstore.Error, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, error_type, message, file_path, line_number, severity,
		       status, traceback, fix_attempts, max_retries, fix_json,
		       created_at, updated_at, fixed_at
		FROM errors ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load errors: %w", err)
	}
	defer rows.Close()

	var out []*errstore.Error
	for rows.Next() {
		var (
			e         errstore.Error
			severity  string
			status    string
			traceback sql.NullString
			fixJSON   sql.NullString
			fixedAt   sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.ErrorType, &e.Message, &e.FilePath, &e.LineNumber,
			&severity, &status, &traceback, &e.FixAttempts, &e.MaxRetries, &fixJSON,
			&e.CreatedAt, &e.UpdatedAt, &fixedAt); err != nil {
			return nil, fmt.Errorf("scan error row: %w", err)
		}
		e.Severity = errstore.Severity(severity)
		e.Status = errstore.Status(status)
		e.Traceback = traceback.String
		if fixedAt.Valid {
			ts := fixedAt.Time
			e.FixedAt = &ts
		}
		if fixJSON.Valid {
			var fix errstore.Fix
			if err := json.Unmarshal([]byte(fixJSON.String), &fix); err != nil {
				s.logger.Error("fix decode failed", "error_id", e.ID, "error", err)
			} else {
				e.Fix = &fix
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordEvent appends one row to the history ledger.
func (s *Store) RecordEvent(ctx context.Context, entityType, entityID, eventType, payload string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO history (entity_type, entity_id, event_type, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			entityType, entityID, eventType, payload, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		return nil
	})
}

// History returns events for an entity, newest first. A zero limit means all.
func (s *Store) History(ctx context.Context, entityID string, limit int) ([]Event, error) {
	q := `SELECT event_id, entity_type, entity_id, event_type, payload, created_at
	      FROM history WHERE entity_id = ? ORDER BY event_id DESC`
	args := []any{entityID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.EventID, &ev.EntityType, &ev.EntityID, &ev.EventType,
			&ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Record consumes bus events and writes them to the history ledger until the
// context is canceled. Run it on its own goroutine.
func (s *Store) Record(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			entityType, entityID := classify(ev)
			payload, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Error("event encode failed", "topic", ev.Topic, "error", err)
				continue
			}
			if err := s.RecordEvent(ctx, entityType, entityID, ev.Topic, string(payload)); err != nil {
				s.logger.Error("event record failed", "topic", ev.Topic, "error", err)
			}
		}
	}
}

// classify extracts the entity a bus event is about.
func classify(ev bus.Event) (string, string) {
	switch p := ev.Payload.(type) {
	case bus.ErrorDetectedEvent:
		return "error", p.ErrorID
	case bus.TaskStateChangedEvent:
		return "task", p.TaskID
	case bus.FixAppliedEvent:
		return "error", p.ErrorID
	case bus.AgentEvent:
		return "agent", p.AgentID
	default:
		return "event", ev.Topic
	}
}
