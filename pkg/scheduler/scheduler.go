// Package scheduler runs time-based triggers over five-field cron
// expressions. It decides WHEN a task is due; executing the task's action
// belongs to the control loop.
package scheduler

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// ErrNoNextRun marks a schedule whose expression never fires within the
// next year (or does not parse). Fatal for that schedule only.
var ErrNoNextRun = errors.New("no next run within one year")

// defaultIdleDelay is the sleep hint when nothing is scheduled at all.
const defaultIdleDelay = 6 * time.Hour

// FailurePolicy decides what happens to a task when its action fails.
type FailurePolicy string

const (
	// CompleteOnFailure marks the task complete regardless of outcome, so
	// a failing task does not retry until its next scheduled fire.
	CompleteOnFailure FailurePolicy = "complete-on-failure"
	// RetryOnFailure leaves a failed task due, retrying on the next cycle.
	RetryOnFailure FailurePolicy = "retry-on-failure"
)

// ParseFailurePolicy validates a policy string, defaulting empty input to
// CompleteOnFailure.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "":
		return CompleteOnFailure, nil
	case CompleteOnFailure, RetryOnFailure:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown failure policy: %s", s)
	}
}

// fieldParser accepts the classic five-field grammar (minute hour dom month
// dow) with names, ranges, lists and steps.
var fieldParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Task is one scheduled trigger. Action is the instruction handed to the
// agent when the task fires.
type Task struct {
	ID      string    `json:"id"`
	Expr    string    `json:"expr"`
	Action  string    `json:"action"`
	Enabled bool      `json:"enabled"`
	NextRun time.Time `json:"next_run"`
	LastRun time.Time `json:"last_run,omitempty"`
}

// Spec is the declarative form of a task as it appears in configuration.
type Spec struct {
	ID      string `json:"id,omitempty" mapstructure:"id"`
	Expr    string `json:"expr" mapstructure:"expr"`
	Action  string `json:"action" mapstructure:"action"`
	Enabled *bool  `json:"enabled,omitempty" mapstructure:"enabled"`
}

// NextRunFrom computes the first activation of expr strictly after now,
// starting the scan at the next whole minute. Activations more than one
// year out are reported as ErrNoNextRun.
func NextRunFrom(expr string, now time.Time) (time.Time, error) {
	sched, err := fieldParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", expr, ErrNoNextRun)
	}
	next := sched.Next(now)
	if next.IsZero() || next.After(now.AddDate(1, 0, 0)) {
		return time.Time{}, ErrNoNextRun
	}
	return next, nil
}

// Scheduler tracks tasks and answers which one is due. At most one fire
// per task per wall-clock minute: a completed-this-minute set suppresses
// re-dispatch until the minute rolls over. Disabling a task moves it out
// of the active set entirely; only its definition is kept for listing and
// later re-enabling.
type Scheduler struct {
	mu sync.Mutex

	tasks         map[string]*Task
	disabled      map[string]*Task
	completed     map[string]bool
	currentMinute time.Time
	policy        FailurePolicy
	logger        zerolog.Logger
}

// New builds a scheduler from declarative specs. A spec whose expression
// yields no next run is logged and skipped; the rest keep running.
func New(specs []Spec, policy FailurePolicy, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		tasks:     make(map[string]*Task),
		disabled:  make(map[string]*Task),
		completed: make(map[string]bool),
		policy:    policy,
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
	if s.policy == "" {
		s.policy = CompleteOnFailure
	}
	now := time.Now()
	for _, spec := range specs {
		enabled := spec.Enabled == nil || *spec.Enabled
		task := Task{
			ID:      spec.ID,
			Expr:    spec.Expr,
			Action:  spec.Action,
			Enabled: enabled,
		}
		if _, err := s.add(task, now); err != nil {
			s.logger.Error().Err(err).Str("expr", spec.Expr).Msg("schedule rejected")
		}
	}
	return s
}

// Policy returns the configured failure policy.
func (s *Scheduler) Policy() FailurePolicy { return s.policy }

// Add registers a task. A missing ID gets a generated one; the stored task
// (with its computed NextRun) is returned.
func (s *Scheduler) Add(task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.add(task, time.Now())
	if err != nil {
		return Task{}, err
	}
	return *stored, nil
}

func (s *Scheduler) add(task Task, now time.Time) (*Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Enabled {
		next, err := NextRunFrom(task.Expr, now)
		if err != nil {
			return nil, err
		}
		task.NextRun = next
	}
	t := task
	if t.Enabled {
		s.tasks[t.ID] = &t
	} else {
		s.disabled[t.ID] = &t
	}
	s.logger.Info().
		Str("task", t.ID).
		Str("expr", t.Expr).
		Bool("enabled", t.Enabled).
		Time("next_run", t.NextRun).
		Msg("task scheduled")
	return &t, nil
}

// Remove deletes a task.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	delete(s.disabled, id)
	delete(s.completed, id)
}

// SetEnabled toggles a task. Disabling moves it out of the active set,
// keeping only its definition; re-enabling moves it back with a freshly
// computed next run.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[id]; ok {
		if enabled {
			return nil
		}
		task.Enabled = false
		task.NextRun = time.Time{}
		delete(s.tasks, id)
		s.disabled[id] = task
		return nil
	}

	task, ok := s.disabled[id]
	if !ok {
		return fmt.Errorf("unknown task: %s", id)
	}
	if !enabled {
		return nil
	}
	next, err := NextRunFrom(task.Expr, time.Now())
	if err != nil {
		return err
	}
	task.Enabled = true
	task.NextRun = next
	delete(s.disabled, id)
	s.tasks[id] = task
	return nil
}

// Tasks returns a snapshot of all tasks, disabled ones included, ordered
// by ID.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Task, 0, len(s.tasks)+len(s.disabled))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	for _, t := range s.disabled {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rollMinute clears the completed set when the wall-clock minute changes.
func (s *Scheduler) rollMinute(now time.Time) {
	minute := now.Truncate(time.Minute)
	if !minute.Equal(s.currentMinute) {
		s.currentMinute = minute
		s.completed = make(map[string]bool)
	}
}

// DueTask returns the next task that should run now, or false. A task is
// due when its NextRun has passed and it has not already completed this
// minute; disabled tasks are not in the active set at all.
func (s *Scheduler) DueTask(now time.Time) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollMinute(now)

	var due *Task
	for _, t := range s.tasks {
		if t.NextRun.After(now) || s.completed[t.ID] {
			continue
		}
		if due == nil || t.NextRun.Before(due.NextRun) {
			due = t
		}
	}
	if due == nil {
		return Task{}, false
	}
	return *due, true
}

// MarkComplete records a fire and advances the task to its next run. A
// schedule that no longer yields a next run is disabled and logged.
func (s *Scheduler) MarkComplete(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollMinute(now)

	task, ok := s.tasks[id]
	if !ok {
		return
	}
	s.completed[id] = true
	task.LastRun = now
	next, err := NextRunFrom(task.Expr, now)
	if err != nil {
		s.logger.Error().Err(err).Str("task", id).Msg("schedule exhausted, disabling")
		task.Enabled = false
		task.NextRun = time.Time{}
		delete(s.tasks, id)
		s.disabled[id] = task
		return
	}
	task.NextRun = next
}

// NextDelay returns how long the caller may sleep before the earliest
// upcoming run. With nothing scheduled the hint is deliberately large.
func (s *Scheduler) NextDelay(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	delay := defaultIdleDelay
	for _, t := range s.tasks {
		d := t.NextRun.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < delay {
			delay = d
		}
	}
	return delay
}
