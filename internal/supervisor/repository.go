// Package supervisor composes the per-user trading services behind a
// controllable lifecycle: unified or individual scheduling, cooperative
// stop with a grace period, and conflict-checked ad-hoc runs.
package supervisor

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// StatusRepository persists per-user task running state for the control
// surface
type StatusRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStatusRepository creates a service status repository
func NewStatusRepository(db *sql.DB, log zerolog.Logger) *StatusRepository {
	return &StatusRepository{
		db:  db,
		log: log.With().Str("repo", "service_status").Logger(),
	}
}

// SetRunning marks a task started or stopped for a user
func (r *StatusRepository) SetRunning(userID, taskName string, running bool, at time.Time) error {
	var startedAt interface{}
	if running {
		startedAt = at.Unix()
	}
	_, err := r.db.Exec(
		`INSERT INTO service_status (user_id, task_name, is_running, started_at, process_handle)
		 VALUES (?, ?, ?, ?, '')
		 ON CONFLICT(user_id, task_name) DO UPDATE SET
		   is_running = excluded.is_running,
		   started_at = excluded.started_at`,
		userID, taskName, boolToInt(running), startedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to set service status %s/%s: %w", userID, taskName, err)
	}
	return nil
}

// MarkExecution records when a task last ran and when it will next
func (r *StatusRepository) MarkExecution(userID, taskName string, at time.Time, next *time.Time) error {
	var nextAt interface{}
	if next != nil {
		nextAt = next.Unix()
	}
	_, err := r.db.Exec(
		`INSERT INTO service_status (user_id, task_name, is_running, last_execution_at, next_execution_at, process_handle)
		 VALUES (?, ?, 0, ?, ?, '')
		 ON CONFLICT(user_id, task_name) DO UPDATE SET
		   last_execution_at = excluded.last_execution_at,
		   next_execution_at = excluded.next_execution_at`,
		userID, taskName, at.Unix(), nextAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark execution %s/%s: %w", userID, taskName, err)
	}
	return nil
}

// Get returns the status row for a user's task. Returns nil when not found.
func (r *StatusRepository) Get(userID, taskName string) (*domain.ServiceStatus, error) {
	row := r.db.QueryRow(
		`SELECT user_id, task_name, is_running, started_at, last_execution_at, next_execution_at, process_handle
		 FROM service_status WHERE user_id = ? AND task_name = ?`,
		userID, taskName,
	)
	status, err := scanStatus(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get service status %s/%s: %w", userID, taskName, err)
	}
	return status, nil
}

// List returns all status rows for a user
func (r *StatusRepository) List(userID string) ([]domain.ServiceStatus, error) {
	rows, err := r.db.Query(
		`SELECT user_id, task_name, is_running, started_at, last_execution_at, next_execution_at, process_handle
		 FROM service_status WHERE user_id = ? ORDER BY task_name ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list service status: %w", err)
	}
	defer rows.Close()

	var out []domain.ServiceStatus
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan service status: %w", err)
		}
		out = append(out, *status)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row scannable) (*domain.ServiceStatus, error) {
	var s domain.ServiceStatus
	var running int
	var startedAt, lastExec, nextExec sql.NullInt64

	err := row.Scan(&s.UserID, &s.TaskName, &running, &startedAt, &lastExec, &nextExec, &s.ProcessHandle)
	if err != nil {
		return nil, err
	}

	s.IsRunning = running != 0
	s.StartedAt = epochPtr(startedAt)
	s.LastExecutionAt = epochPtr(lastExec)
	s.NextExecutionAt = epochPtr(nextExec)
	return &s, nil
}

func epochPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
