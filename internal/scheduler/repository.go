// Package scheduler runs the recurring jobs: price updates, snapshots,
// reviews, expiries and backups. Jobs are cron-driven in market time
// (America/New_York), never overlap themselves, and retry transient
// failures with backoff before being marked failed.
package scheduler

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"moves/internal/domain"
)

// Repository mirrors job state into the scheduled_tasks table so the UI
// can observe last/next runs and failures.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new scheduler repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "scheduler").Logger(),
	}
}

// Register upserts a job row at startup, keeping last_run from previous
// runs of the process.
func (r *Repository) Register(name, schedule string) error {
	_, err := r.db.Exec(`INSERT INTO scheduled_tasks (name, schedule, status)
		VALUES (?, ?, 'active')
		ON CONFLICT(name) DO UPDATE SET
			schedule = excluded.schedule,
			status = 'active',
			error_log = ''`,
		name, schedule)
	if err != nil {
		return fmt.Errorf("failed to register task %s: %w", name, err)
	}
	return nil
}

// MarkRun records a successful run and the next scheduled time.
func (r *Repository) MarkRun(name string, ranAt, next time.Time) error {
	_, err := r.db.Exec(`UPDATE scheduled_tasks
		SET status = 'active', last_run = ?, next_run = ?, error_log = ''
		WHERE name = ?`,
		ranAt.Format(domain.TimeFormat), next.Format(domain.TimeFormat), name)
	if err != nil {
		return fmt.Errorf("failed to mark task %s run: %w", name, err)
	}
	return nil
}

// MarkFailed records a run that exhausted its retries.
func (r *Repository) MarkFailed(name string, ranAt time.Time, runErr error) error {
	_, err := r.db.Exec(`UPDATE scheduled_tasks
		SET status = 'failed', last_run = ?, error_log = ?
		WHERE name = ?`,
		ranAt.Format(domain.TimeFormat), runErr.Error(), name)
	if err != nil {
		return fmt.Errorf("failed to mark task %s failed: %w", name, err)
	}
	return nil
}

// Tasks returns every job row.
func (r *Repository) Tasks() ([]domain.ScheduledTask, error) {
	rows, err := r.db.Query(`SELECT name, schedule, status, last_run, next_run, error_log
		FROM scheduled_tasks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		var t domain.ScheduledTask
		var lastRun, nextRun sql.NullString
		if err := rows.Scan(&t.Name, &t.Schedule, &t.Status, &lastRun, &nextRun, &t.ErrorLog); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled task: %w", err)
		}
		if lastRun.Valid {
			t.LastRun = &lastRun.String
		}
		if nextRun.Valid {
			t.NextRun = &nextRun.String
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
