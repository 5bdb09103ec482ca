package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
	"github.com/aristath/vigil/internal/marketcal"
	"github.com/aristath/vigil/internal/scheduler"
)

// Mode selects how a user's tasks are scheduled
type Mode string

const (
	// ModeUnified runs every enabled task under one supervisor
	ModeUnified Mode = "unified"
	// ModeIndividual runs a chosen subset of tasks
	ModeIndividual Mode = "individual"
)

var (
	ErrAlreadyRunning = errors.New("conflicting service already running for user")
	ErrNotRunning     = errors.New("no service running for user")
	ErrUnknownTask    = errors.New("unknown task")
)

// TaskFunc is one task implementation bound at wiring time
type TaskFunc func(ctx context.Context, userID string) error

// Tasks maps task names to implementations
type Tasks map[string]TaskFunc

// Manager owns the per-user supervisors. Users run in parallel; within one
// user all scheduled work is sequential on the supervisor's tick loop.
type Manager struct {
	status    *StatusRepository
	schedules *scheduler.Repository
	calendar  *marketcal.Calendar
	cfg       *config.Config
	tasks     Tasks
	log       zerolog.Logger

	mu      sync.Mutex
	active  map[string]*userService
	runners map[string]map[string]*scheduler.Runner // user -> task; survive stop for the conflict window

	now func() time.Time
}

type userService struct {
	mode   Mode
	tasks  []string
	sched  *scheduler.Scheduler
	cancel context.CancelFunc
}

// NewManager creates a service manager
func NewManager(
	status *StatusRepository,
	schedules *scheduler.Repository,
	calendar *marketcal.Calendar,
	cfg *config.Config,
	tasks Tasks,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		status:    status,
		schedules: schedules,
		calendar:  calendar,
		cfg:       cfg,
		tasks:     tasks,
		log:       log.With().Str("service", "manager").Logger(),
		active:    make(map[string]*userService),
		runners:   make(map[string]map[string]*scheduler.Runner),
		now:       time.Now,
	}
}

// Start begins scheduling for a user. Unified mode runs every enabled task;
// individual mode runs only the named ones. A unified service and any
// individual service for the same user cannot both run.
func (m *Manager) Start(userID string, mode Mode, taskNames ...string) error {
	if mode != ModeUnified && mode != ModeIndividual {
		return fmt.Errorf("unknown mode %q", mode)
	}
	if mode == ModeIndividual && len(taskNames) == 0 {
		return errors.New("individual mode requires at least one task")
	}
	for _, name := range taskNames {
		if _, ok := m.tasks[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTask, name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing := m.active[userID]; existing != nil {
		return fmt.Errorf("%w: %s mode active", ErrAlreadyRunning, existing.mode)
	}

	all, err := m.schedules.List()
	if err != nil {
		return fmt.Errorf("failed to load schedules: %w", err)
	}

	selected := make([]domain.Schedule, 0, len(all))
	for _, s := range all {
		if !s.Enabled {
			continue
		}
		if _, ok := m.tasks[s.TaskName]; !ok {
			continue
		}
		if mode == ModeIndividual && !contains(taskNames, s.TaskName) {
			continue
		}
		selected = append(selected, s)
	}
	if len(selected) == 0 {
		return errors.New("no enabled tasks selected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.New(m.calendar.Location(), m.cfg.MonitorInterval, m.log.With().Str("user_id", userID).Logger())

	startedAt := m.now()
	var started []string
	for _, s := range selected {
		runner := m.runnerFor(userID, s)
		if err := sched.Register(ctx, s, runner); err != nil {
			cancel()
			return err
		}
		started = append(started, s.TaskName)
	}

	sched.Start()
	m.active[userID] = &userService{mode: mode, tasks: started, sched: sched, cancel: cancel}

	for _, name := range started {
		if err := m.status.SetRunning(userID, name, true, startedAt); err != nil {
			m.log.Warn().Err(err).Str("task", name).Msg("Status persistence failed")
		}
	}

	m.log.Info().
		Str("user_id", userID).
		Str("mode", string(mode)).
		Strs("tasks", started).
		Msg("Supervisor started")
	return nil
}

// Stop requests cooperative shutdown for a user's supervisor. A tick in
// progress completes; exceeding the grace period abandons the wait and the
// context cancellation terminates the stragglers.
func (m *Manager) Stop(userID string) error {
	m.mu.Lock()
	svc := m.active[userID]
	if svc == nil {
		m.mu.Unlock()
		return ErrNotRunning
	}
	delete(m.active, userID)
	m.mu.Unlock()

	stopCtx := svc.sched.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(m.cfg.StopGracePeriod):
		m.log.Warn().
			Str("user_id", userID).
			Dur("grace_period", m.cfg.StopGracePeriod).
			Msg("Grace period exceeded, terminating supervisor")
	}
	svc.cancel()

	for _, name := range svc.tasks {
		if err := m.status.SetRunning(userID, name, false, m.now()); err != nil {
			m.log.Warn().Err(err).Str("task", name).Msg("Status persistence failed")
		}
	}

	m.log.Info().Str("user_id", userID).Msg("Supervisor stopped")
	return nil
}

// RunOnce dispatches one task ad hoc under the configured hard deadline.
// The same runner backs scheduled and ad-hoc execution, so a run in
// progress or dispatched within the last two minutes is rejected.
func (m *Manager) RunOnce(ctx context.Context, userID, taskName string) error {
	if _, ok := m.tasks[taskName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}

	schedule, err := m.schedules.Get(taskName)
	if err != nil {
		return err
	}
	if schedule == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskName)
	}

	m.mu.Lock()
	runner := m.runnerFor(userID, *schedule)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.RunOnceDeadline)
	defer cancel()

	at := m.now()
	if err := runner.ExecuteOnce(ctx); err != nil {
		return err
	}
	if err := m.status.MarkExecution(userID, taskName, at, nil); err != nil {
		m.log.Warn().Err(err).Str("task", taskName).Msg("Status persistence failed")
	}
	return nil
}

// Running reports the active mode for a user, if any
func (m *Manager) Running(userID string) (Mode, []string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc := m.active[userID]
	if svc == nil {
		return "", nil, false
	}
	return svc.mode, svc.tasks, true
}

// TaskStates returns the live state of each known runner for a user
func (m *Manager) TaskStates(userID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for name, r := range m.runners[userID] {
		state, lastErr := r.State()
		if lastErr != "" {
			out[name] = fmt.Sprintf("%s (%s)", state, lastErr)
		} else {
			out[name] = string(state)
		}
	}
	return out
}

// runnerFor returns the user's runner for a task, creating it on first use.
// Runners are retained across restarts so the ad-hoc conflict window spans
// stop/start cycles. Caller holds m.mu or is otherwise single-threaded for
// the user.
func (m *Manager) runnerFor(userID string, s domain.Schedule) *scheduler.Runner {
	byTask := m.runners[userID]
	if byTask == nil {
		byTask = make(map[string]*scheduler.Runner)
		m.runners[userID] = byTask
	}
	if r := byTask[s.TaskName]; r != nil {
		return r
	}

	impl := m.tasks[s.TaskName]
	fn := func(ctx context.Context) error { return impl(ctx, userID) }
	runner := scheduler.NewRunner(s.TaskName, fn, m.gateFor(s), m.log.With().Str("user_id", userID).Logger())
	runner.SetClock(func() time.Time { return m.now() })
	byTask[s.TaskName] = runner
	return runner
}

// gateFor builds the market-hours gate for a schedule. One-shot tasks run on
// trading days only; continuous and hourly tasks additionally stay inside
// their session window.
func (m *Manager) gateFor(s domain.Schedule) func(time.Time) bool {
	if !s.IsContinuous && !s.IsHourly {
		return m.calendar.IsTradingDay
	}

	startH, startM, err := config.ParseClock(s.ScheduleTime)
	if err != nil {
		return m.calendar.IsTradingDay
	}
	endH, endM := 23, 59
	if s.EndTime != "" {
		if h, mm, err := config.ParseClock(s.EndTime); err == nil {
			endH, endM = h, mm
		}
	}

	loc := m.calendar.Location()
	return func(t time.Time) bool {
		if !m.calendar.IsTradingDay(t) {
			return false
		}
		local := t.In(loc)
		start := time.Date(local.Year(), local.Month(), local.Day(), startH, startM, 0, 0, loc)
		end := time.Date(local.Year(), local.Month(), local.Day(), endH, endM, 0, 0, loc)
		return !local.Before(start) && !local.After(end)
	}
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
