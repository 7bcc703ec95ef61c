package control

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/reza/kalda/pkg/agent"
	"github.com/reza/kalda/pkg/events"
	"github.com/reza/kalda/pkg/memory"
	"github.com/reza/kalda/pkg/scheduler"
)

const (
	defaultGoalInterval     = 30 * time.Second
	defaultScheduleInterval = 60 * time.Second
	defaultIdleInterval     = 300 * time.Second
	defaultHeartbeatIdle    = 10 * time.Minute

	errorBackoffStep     = 5 * time.Second
	errorCooldown        = 60 * time.Second
	errorCooldownAtCount = 5
)

// TurnRunner is the slice of the agent the loop needs.
type TurnRunner interface {
	Run(ctx context.Context, sessionKey, text string) (agent.Result, error)
}

// Config assembles a Loop.
type Config struct {
	Runner    TurnRunner
	Scheduler *scheduler.Scheduler
	Goals     *Goals
	Store     *memory.Store
	Events    events.Sink
	Logger    zerolog.Logger

	// Sleep intervals between cycles. Zero values take the defaults
	// (30 s after goal work, 60 s with schedules pending, 300 s idle).
	GoalInterval     time.Duration
	ScheduleInterval time.Duration
	IdleInterval     time.Duration
	// HeartbeatIdle is how long the session may sit idle before the
	// heartbeat runs a turn. Default 10 minutes.
	HeartbeatIdle time.Duration
}

// Loop is the autonomous control loop. Each cycle does at most one unit of
// work, in priority order: due scheduled task, then highest active goal,
// then heartbeat.
type Loop struct {
	runner    TurnRunner
	scheduler *scheduler.Scheduler
	goals     *Goals
	store     *memory.Store
	sink      events.Sink
	logger    zerolog.Logger

	goalInterval     time.Duration
	scheduleInterval time.Duration
	idleInterval     time.Duration
	heartbeatIdle    time.Duration

	running    atomic.Bool
	errorCount int

	// now is replaceable in tests.
	now func() time.Time
}

// NewLoop builds a Loop; Runner, Scheduler, Goals and Store are required.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Scheduler == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if cfg.Goals == nil {
		return nil, fmt.Errorf("goals are required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	sink := cfg.Events
	if sink == nil {
		sink = events.NopSink{}
	}
	l := &Loop{
		runner:           cfg.Runner,
		scheduler:        cfg.Scheduler,
		goals:            cfg.Goals,
		store:            cfg.Store,
		sink:             sink,
		logger:           cfg.Logger.With().Str("component", "control").Logger(),
		goalInterval:     cfg.GoalInterval,
		scheduleInterval: cfg.ScheduleInterval,
		idleInterval:     cfg.IdleInterval,
		heartbeatIdle:    cfg.HeartbeatIdle,
		now:              time.Now,
	}
	if l.goalInterval <= 0 {
		l.goalInterval = defaultGoalInterval
	}
	if l.scheduleInterval <= 0 {
		l.scheduleInterval = defaultScheduleInterval
	}
	if l.idleInterval <= 0 {
		l.idleInterval = defaultIdleInterval
	}
	if l.heartbeatIdle <= 0 {
		l.heartbeatIdle = defaultHeartbeatIdle
	}
	return l, nil
}

// Stop requests a cooperative stop. The current cycle finishes first.
func (l *Loop) Stop() {
	l.running.Store(false)
}

// Run cycles until Stop is called or ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	l.running.Store(true)
	l.logger.Info().Msg("control loop started")
	defer l.logger.Info().Msg("control loop stopped")

	for l.running.Load() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		work, err := l.cycle(ctx)
		if err != nil {
			l.errorCount++
			l.logger.Error().Err(err).Int("consecutive", l.errorCount).Msg("cycle failed")
		} else {
			l.errorCount = 0
		}

		delay := l.nextDelay(work)
		if delay == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

// cycleWork classifies what a cycle did; the next sleep depends on it.
type cycleWork int

const (
	workedNothing cycleWork = iota
	workedTask
	workedGoal
)

// cycle performs at most one unit of work and reports which kind.
func (l *Loop) cycle(ctx context.Context) (cycleWork, error) {
	now := l.now()

	if task, ok := l.scheduler.DueTask(now); ok {
		return workedTask, l.runTask(ctx, task)
	}

	if goal, ok := l.goals.HighestActive(); ok {
		return workedGoal, l.runGoal(ctx, goal)
	}

	return workedNothing, l.heartbeat(ctx, now)
}

func (l *Loop) runTask(ctx context.Context, task scheduler.Task) error {
	ev := events.New(events.TypeTaskDispatch)
	ev.TaskID = task.ID
	l.sink.Emit(ev)

	l.logger.Info().Str("task", task.ID).Msg("dispatching scheduled task")
	_, err := l.runner.Run(ctx, "", task.Action)

	// Under the default policy the task completes regardless of outcome
	// so a failing action cannot wedge the schedule.
	if err == nil || l.scheduler.Policy() == scheduler.CompleteOnFailure {
		l.scheduler.MarkComplete(task.ID, l.now())
	}
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}
	return nil
}

func (l *Loop) runGoal(ctx context.Context, goal Goal) error {
	start := events.New(events.TypeGoalStart)
	start.GoalID = goal.ID
	l.sink.Emit(start)

	prompt := "Work on this goal: " + goal.Description
	if goal.Context != "" {
		prompt += "\nContext: " + goal.Context
	}
	l.logger.Info().Str("goal", goal.ID).Str("priority", string(goal.Priority)).Msg("working on goal")
	res, err := l.runner.Run(ctx, "", prompt)

	done := events.New(events.TypeGoalComplete)
	done.GoalID = goal.ID
	if err != nil {
		done.Detail = "error"
	} else {
		done.Detail = res.State.String()
	}
	l.sink.Emit(done)

	if err != nil {
		return fmt.Errorf("goal %s: %w", goal.ID, err)
	}
	return nil
}

func (l *Loop) heartbeat(ctx context.Context, now time.Time) error {
	l.sink.Emit(events.New(events.TypeHeartbeat))

	mem, err := l.store.Active()
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if now.Sub(mem.LastActivity()) < l.heartbeatIdle {
		return nil
	}

	l.logger.Debug().Msg("session idle, running heartbeat turn")
	prompt := "Heartbeat check. Review your task state and pending work. " +
		"If nothing needs attention, reply briefly that all is quiet."
	if _, err := l.runner.Run(ctx, mem.Key(), prompt); err != nil {
		return fmt.Errorf("heartbeat turn: %w", err)
	}
	return nil
}

// nextDelay picks the sleep before the next cycle: nothing after a task
// dispatch, the goal interval after goal work, the schedule interval when
// schedules are pending, the idle interval otherwise. The scheduler's hint
// caps the result, and consecutive errors add a progressive backoff with a
// flat cooldown once they pile up.
func (l *Loop) nextDelay(work cycleWork) time.Duration {
	now := l.now()

	if l.errorCount >= errorCooldownAtCount {
		return errorCooldown
	}

	var delay time.Duration
	switch {
	case work == workedTask:
		// A completed task restarts the cycle right away so a pending
		// goal or another due task is picked up without waiting.
		delay = 0
	case work == workedGoal:
		delay = l.goalInterval
	case len(l.scheduler.Tasks()) > 0:
		delay = l.scheduleInterval
	default:
		delay = l.idleInterval
	}

	if hint := l.scheduler.NextDelay(now); hint < delay {
		delay = hint
	}
	if l.errorCount > 0 {
		delay += time.Duration(l.errorCount) * errorBackoffStep
	}
	return delay
}
