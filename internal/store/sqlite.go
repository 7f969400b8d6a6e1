package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// migrations are ordered, numbered scripts. The highest applied number is
// recorded in schema_migrations; missing ones are applied in order at
// startup, each in its own transaction.
var migrations = []string{
	// 1: base schema
	`
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		categories TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS jobs (
		event_id TEXT PRIMARY KEY REFERENCES events(id),
		event_name TEXT NOT NULL,
		scheduled_time TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status);
	`,
	// 2: per-job audit identifier, stable across retries
	`
	ALTER TABLE jobs ADD COLUMN audit_id TEXT NOT NULL DEFAULT '';
	`,
}

// SQLiteStore implements Store on a single embedded database file.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

// Open opens (creating if absent) the embedded database file at path and
// applies any migrations not yet recorded as applied.
func Open(ctx context.Context, path string, log *logrus.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(2000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A single embedded file is best served by one writer at a time;
	// the retry wrapper below handles the rest of the contention.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("store: migration table: %w", err)
	}

	var applied int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&applied); err != nil {
		return fmt.Errorf("store: read applied migration version: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", version, err)
		}
		s.log.WithField("version", version).Info("store: applied migration")
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// withRetry retries fn on "database is locked"/busy errors with bounded
// exponential backoff: 5 attempts, 10ms -> 160ms.
func withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	delay := 10 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}

func joinCategories(cats []string) string { return strings.Join(cats, "|") }

func splitCategories(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}

func (s *SQLiteStore) UpsertEvents(ctx context.Context, events []Event) (int, error) {
	inserted := 0
	err := withRetry(ctx, func() error {
		inserted = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for _, e := range events {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO events (id, name, start_time, categories, status, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO NOTHING
			`, e.ID, e.Name, e.StartTime, joinCategories(e.Categories), EventPending, e.CreatedAt, e.UpdatedAt)
			if err != nil {
				return fmt.Errorf("upsert event %s: %w", e.ID, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return tx.Commit()
	})
	return inserted, err
}

func (s *SQLiteStore) ArmJob(ctx context.Context, eventID, eventName string, scheduledTime time.Time) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var existingStatus string
		err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE event_id = ?`, eventID).Scan(&existingStatus)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil {
			// A job row already exists, terminal or not: eventID is the
			// primary key, so a second ArmJob for the same event is
			// always a caller bug or a duplicate discovery pass.
			return ErrAlreadyScheduled
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (event_id, event_name, scheduled_time, status, retry_count, error_message, audit_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, '', ?, ?, ?)
		`, eventID, eventName, scheduledTime, JobScheduled, uuid.NewString(), now, now); err != nil {
			return fmt.Errorf("arm job %s: %w", eventID, err)
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, eventID string, status JobStatus, errMsg string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE event_id = ?
		`, status, errMsg, time.Now().UTC(), eventID)
		return err
	})
}

func (s *SQLiteStore) IncrementJobRetry(ctx context.Context, eventID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET retry_count = retry_count + 1, updated_at = ? WHERE event_id = ?
		`, time.Now().UTC(), eventID)
		return err
	})
}

func (s *SQLiteStore) UpdateEventStatus(ctx context.Context, eventID string, status EventStatus) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE events SET status = ?, updated_at = ? WHERE id = ?
		`, status, time.Now().UTC(), eventID)
		return err
	})
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, eventID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, updated_at = ? WHERE event_id = ?`, JobCompleted, now, eventID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ?, updated_at = ? WHERE id = ?`, EventProcessed, now, eventID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) FailJob(ctx context.Context, eventID string, errMsg string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE event_id = ?`, JobFailed, errMsg, now, eventID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE events SET status = ?, updated_at = ? WHERE id = ?`, EventFailed, now, eventID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLiteStore) GetEvent(ctx context.Context, eventID string) (Event, error) {
	var e Event
	var cats string
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, start_time, categories, status, created_at, updated_at FROM events WHERE id = ?
	`, eventID)
	err := row.Scan(&e.ID, &e.Name, &e.StartTime, &cats, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	e.Categories = splitCategories(cats)
	return e, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, eventID string) (ScheduledJob, error) {
	var j ScheduledJob
	row := s.db.QueryRowContext(ctx, `
		SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, audit_id, created_at, updated_at
		FROM jobs WHERE event_id = ?
	`, eventID)
	err := row.Scan(&j.EventID, &j.EventName, &j.ScheduledTime, &j.Status, &j.RetryCount, &j.ErrorMessage, &j.AuditID, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduledJob{}, ErrNotFound
	}
	return j, err
}

func (s *SQLiteStore) ListActiveJobs(ctx context.Context) ([]ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, event_name, scheduled_time, status, retry_count, error_message, audit_id, created_at, updated_at
		FROM jobs WHERE status IN (?, ?, ?)
	`, JobScheduled, JobProcessing, JobRetrying)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		if err := rows.Scan(&j.EventID, &j.EventName, &j.ScheduledTime, &j.Status, &j.RetryCount, &j.ErrorMessage, &j.AuditID, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	var affected int
	err := withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?
		`, JobCompleted, JobFailed, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		affected = int(n)

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE status IN (?, ?) AND updated_at < ?
			AND id NOT IN (SELECT event_id FROM jobs)
		`, EventProcessed, EventFailed, cutoff); err != nil {
			return err
		}
		return tx.Commit()
	})
	return affected, err
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context, status JobStatus) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = ?`, status)
	err := row.Scan(&n)
	return n, err
}
