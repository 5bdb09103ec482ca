// Package scheduler triggers trading tasks on cron schedules with market
// hours gating and a per-task state machine.
package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/domain"
)

// Task names driven by the supervisor
const (
	TaskPremarketRetry  = "premarket_retry"
	TaskSellMonitor     = "sell_monitor"
	TaskPositionMonitor = "position_monitor"
	TaskAnalysis        = "analysis"
	TaskBuyOrders       = "buy_orders"
	TaskEODCleanup      = "eod_cleanup"
)

// DefaultSchedules is the out-of-the-box trigger table, all times in the
// market timezone. Admin edits persist over these and take effect at the
// next service restart.
func DefaultSchedules() []domain.Schedule {
	return []domain.Schedule{
		{TaskName: TaskPremarketRetry, ScheduleTime: "09:00", Enabled: true},
		{TaskName: TaskSellMonitor, ScheduleTime: "09:15", Enabled: true, IsContinuous: true, EndTime: "15:30"},
		{TaskName: TaskPositionMonitor, ScheduleTime: "09:30", Enabled: true, IsHourly: true, EndTime: "15:30"},
		{TaskName: TaskAnalysis, ScheduleTime: "16:00", Enabled: true},
		{TaskName: TaskBuyOrders, ScheduleTime: "16:05", Enabled: true},
		{TaskName: TaskEODCleanup, ScheduleTime: "18:00", Enabled: true},
	}
}

// Repository persists the global, admin-editable schedule table
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a schedules repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "schedules").Logger(),
	}
}

// SeedDefaults inserts the default schedule rows, leaving existing edits alone
func (r *Repository) SeedDefaults() error {
	for _, s := range DefaultSchedules() {
		_, err := r.db.Exec(
			`INSERT INTO schedules
			   (task_name, schedule_time, enabled, is_hourly, is_continuous, end_time, updated_by, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, 'system', ?)
			 ON CONFLICT(task_name) DO NOTHING`,
			s.TaskName, s.ScheduleTime, boolToInt(s.Enabled), boolToInt(s.IsHourly),
			boolToInt(s.IsContinuous), s.EndTime, time.Now().Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to seed schedule %s: %w", s.TaskName, err)
		}
	}
	return nil
}

// List returns all schedules ordered by trigger time
func (r *Repository) List() ([]domain.Schedule, error) {
	rows, err := r.db.Query(
		`SELECT task_name, schedule_time, enabled, is_hourly, is_continuous, end_time, updated_by, updated_at
		 FROM schedules ORDER BY schedule_time ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Get returns the schedule for a task. Returns nil when not found.
func (r *Repository) Get(taskName string) (*domain.Schedule, error) {
	row := r.db.QueryRow(
		`SELECT task_name, schedule_time, enabled, is_hourly, is_continuous, end_time, updated_by, updated_at
		 FROM schedules WHERE task_name = ?`,
		taskName,
	)
	s, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule %s: %w", taskName, err)
	}
	return s, nil
}

// Update replaces a task's trigger definition. Edits apply to all users and
// take effect at the next service restart.
func (r *Repository) Update(s domain.Schedule, updatedBy string) error {
	res, err := r.db.Exec(
		`UPDATE schedules
		 SET schedule_time = ?, enabled = ?, is_hourly = ?, is_continuous = ?, end_time = ?,
		     updated_by = ?, updated_at = ?
		 WHERE task_name = ?`,
		s.ScheduleTime, boolToInt(s.Enabled), boolToInt(s.IsHourly), boolToInt(s.IsContinuous),
		s.EndTime, updatedBy, time.Now().Unix(), s.TaskName,
	)
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", s.TaskName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("unknown task %q", s.TaskName)
	}

	r.log.Info().
		Str("task", s.TaskName).
		Str("schedule_time", s.ScheduleTime).
		Str("updated_by", updatedBy).
		Msg("Schedule updated")
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scannable) (*domain.Schedule, error) {
	var s domain.Schedule
	var enabled, hourly, continuous int
	var updatedAt int64

	err := row.Scan(&s.TaskName, &s.ScheduleTime, &enabled, &hourly, &continuous,
		&s.EndTime, &s.UpdatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}

	s.Enabled = enabled != 0
	s.IsHourly = hourly != 0
	s.IsContinuous = continuous != 0
	s.UpdatedAt = time.Unix(updatedAt, 0)
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
