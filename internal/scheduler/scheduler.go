package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/domain"
)

// TaskState is the lifecycle state of one registered task
type TaskState string

const (
	StateIdle            TaskState = "idle"
	StateScheduled       TaskState = "scheduled"
	StateRunning         TaskState = "running"
	StateFailedTransient TaskState = "failed_transient"
)

// runOnceConflictWindow blocks ad-hoc dispatch of a task that started within
// this window, scheduled or manual alike
const runOnceConflictWindow = 2 * time.Minute

var (
	ErrTaskRunning  = errors.New("task is already running")
	ErrTaskConflict = errors.New("task was dispatched within the conflict window")
)

// TaskFunc is one unit of scheduled work
type TaskFunc func(ctx context.Context) error

// Runner wraps a task with its state machine. A transient failure records
// last_error and leaves future triggers unaffected.
type Runner struct {
	name string
	fn   TaskFunc
	gate func(time.Time) bool
	log  zerolog.Logger

	mu          sync.Mutex
	state       TaskState
	lastError   string
	lastStarted time.Time

	now func() time.Time
}

// NewRunner creates a runner. A nil gate means the task is never gated.
func NewRunner(name string, fn TaskFunc, gate func(time.Time) bool, log zerolog.Logger) *Runner {
	return &Runner{
		name:  name,
		fn:    fn,
		gate:  gate,
		log:   log.With().Str("task", name).Logger(),
		state: StateIdle,
		now:   time.Now,
	}
}

// Name returns the task name
func (r *Runner) Name() string { return r.name }

// SetClock overrides the runner's time source
func (r *Runner) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// State returns the current state and last recorded error
func (r *Runner) State() (TaskState, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.lastError
}

// Execute runs the task if its gate passes. A tick that lands while the
// previous one still runs is skipped rather than queued.
func (r *Runner) Execute(ctx context.Context) error {
	now := r.now()
	if r.gate != nil && !r.gate(now) {
		return nil
	}

	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		r.log.Warn().Msg("Previous run still in progress, tick skipped")
		return nil
	}
	r.state = StateRunning
	r.lastStarted = now
	r.mu.Unlock()

	return r.finish(r.fn(ctx))
}

// ExecuteOnce is the ad-hoc entry point. It enforces the dispatch conflict
// window on top of the running check, and still honors the gate for tasks
// that need live prices.
func (r *Runner) ExecuteOnce(ctx context.Context) error {
	now := r.now()
	if r.gate != nil && !r.gate(now) {
		return fmt.Errorf("task %s is gated outside market hours", r.name)
	}

	r.mu.Lock()
	if r.state == StateRunning {
		r.mu.Unlock()
		return ErrTaskRunning
	}
	if !r.lastStarted.IsZero() && now.Sub(r.lastStarted) < runOnceConflictWindow {
		r.mu.Unlock()
		return ErrTaskConflict
	}
	r.state = StateRunning
	r.lastStarted = now
	r.mu.Unlock()

	return r.finish(r.fn(ctx))
}

func (r *Runner) finish(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = StateFailedTransient
		r.lastError = err.Error()
		r.log.Error().Err(err).Msg("Task failed")
		return err
	}
	r.state = StateIdle
	r.lastError = ""
	return nil
}

// Scheduler drives registered runners on cron triggers in the market
// timezone. Weekend skipping for timed tasks is in the cron expression;
// holiday and session window gating lives in each runner's gate.
type Scheduler struct {
	cron            *cron.Cron
	continuousEvery time.Duration
	log             zerolog.Logger
	mu              sync.Mutex
	runners         map[string]*Runner
}

// New creates a scheduler ticking in the given location. continuousEvery is
// the cadence of continuous tasks; zero falls back to one minute.
func New(loc *time.Location, continuousEvery time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:            cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		continuousEvery: continuousEvery,
		log:             log.With().Str("component", "scheduler").Logger(),
		runners:         make(map[string]*Runner),
	}
}

// Register wires a runner to its schedule row. The context bounds every
// triggered execution and outlives individual ticks.
func (s *Scheduler) Register(ctx context.Context, schedule domain.Schedule, runner *Runner) error {
	spec, err := CronSpec(schedule, s.continuousEvery)
	if err != nil {
		return err
	}

	_, err = s.cron.AddFunc(spec, func() {
		if err := runner.Execute(ctx); err != nil {
			// Already logged by the runner; transient failures never stop
			// future ticks
			return
		}
	})
	if err != nil {
		return fmt.Errorf("failed to register task %s: %w", runner.Name(), err)
	}

	s.mu.Lock()
	s.runners[runner.Name()] = runner
	s.mu.Unlock()

	s.log.Info().
		Str("task", runner.Name()).
		Str("spec", spec).
		Msg("Task registered")
	return nil
}

// Runner returns the registered runner for a task, or nil
func (s *Scheduler) Runner(name string) *Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[name]
}

// Start begins ticking
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("Scheduler started")
}

// Stop halts triggering and waits for in-flight jobs. The returned context
// is done when the last job returns.
func (s *Scheduler) Stop() context.Context {
	s.log.Info().Msg("Scheduler stopping")
	return s.cron.Stop()
}

// CronSpec translates a schedule row into a cron expression. Continuous
// tasks tick at the configured monitor cadence and rely on their gate for
// weekday and session window checks; hourly tasks fire at the trigger's
// minute.
func CronSpec(s domain.Schedule, continuousEvery time.Duration) (string, error) {
	hour, minute, err := config.ParseClock(s.ScheduleTime)
	if err != nil {
		return "", fmt.Errorf("invalid schedule time for %s: %w", s.TaskName, err)
	}

	switch {
	case s.IsContinuous:
		if continuousEvery <= 0 {
			continuousEvery = time.Minute
		}
		return fmt.Sprintf("@every %s", continuousEvery), nil
	case s.IsHourly:
		return fmt.Sprintf("0 %d * * * MON-FRI", minute), nil
	default:
		return fmt.Sprintf("0 %d %d * * MON-FRI", minute, hour), nil
	}
}
