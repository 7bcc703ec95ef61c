package control

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reza/kalda/pkg/agent"
	"github.com/reza/kalda/pkg/events"
	"github.com/reza/kalda/pkg/memory"
	"github.com/reza/kalda/pkg/scheduler"
)

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	err     error
}

func (r *fakeRunner) Run(_ context.Context, _ string, text string) (agent.Result, error) {
	r.mu.Lock()
	r.prompts = append(r.prompts, text)
	r.mu.Unlock()
	if r.err != nil {
		return agent.Result{}, r.err
	}
	return agent.Result{Text: "ok", State: agent.StateFinished, Iterations: 1}, nil
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Emit(evt events.Event) {
	s.mu.Lock()
	s.events = append(s.events, evt)
	s.mu.Unlock()
}

func (s *captureSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, 0, len(s.events))
	for _, evt := range s.events {
		out = append(out, evt.Type)
	}
	return out
}

func newTestLoop(t *testing.T, runner TurnRunner, sched *scheduler.Scheduler, goals *Goals, sink events.Sink) (*Loop, *memory.Store) {
	t.Helper()
	store, err := memory.Open(t.TempDir(), memory.StoreOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)

	loop, err := NewLoop(Config{
		Runner:    runner,
		Scheduler: sched,
		Goals:     goals,
		Store:     store,
		Events:    sink,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	return loop, store
}

func emptyGoals(t *testing.T) *Goals {
	t.Helper()
	goals, err := NewGoals(filepath.Join(t.TempDir(), "goals.json"), zerolog.Nop())
	require.NoError(t, err)
	return goals
}

func activeGoals(t *testing.T, body string) *Goals {
	t.Helper()
	path := filepath.Join(t.TempDir(), "goals.json")
	writeGoals(t, path, body)
	goals, err := NewGoals(path, zerolog.Nop())
	require.NoError(t, err)
	return goals
}

func TestCycleDispatchesDueTask(t *testing.T) {
	runner := &fakeRunner{}
	sched := scheduler.New([]scheduler.Spec{{ID: "tick", Expr: "* * * * *", Action: "check the mail"}}, scheduler.CompleteOnFailure, zerolog.Nop())
	sink := &captureSink{}
	loop, _ := newTestLoop(t, runner, sched, emptyGoals(t), sink)

	// Advance the loop's clock to the task's fire time.
	fireAt := sched.Tasks()[0].NextRun
	loop.now = func() time.Time { return fireAt }

	work, err := loop.cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workedTask, work)
	assert.Equal(t, []string{"check the mail"}, runner.prompts)
	assert.Contains(t, sink.types(), events.TypeTaskDispatch)

	// The task completed; this minute it will not fire again.
	_, due := sched.DueTask(fireAt)
	assert.False(t, due)
}

func TestCycleCompletesFailedTaskUnderDefaultPolicy(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("model down")}
	sched := scheduler.New([]scheduler.Spec{{ID: "tick", Expr: "* * * * *", Action: "x"}}, scheduler.CompleteOnFailure, zerolog.Nop())
	loop, _ := newTestLoop(t, runner, sched, emptyGoals(t), &captureSink{})

	fireAt := sched.Tasks()[0].NextRun
	loop.now = func() time.Time { return fireAt }

	work, err := loop.cycle(context.Background())
	assert.Equal(t, workedTask, work)
	assert.Error(t, err)

	// complete-on-failure: the failure does not leave the task due.
	_, due := sched.DueTask(fireAt)
	assert.False(t, due)
}

func TestCycleRetryPolicyLeavesFailedTaskDue(t *testing.T) {
	runner := &fakeRunner{err: fmt.Errorf("model down")}
	sched := scheduler.New([]scheduler.Spec{{ID: "tick", Expr: "* * * * *", Action: "x"}}, scheduler.RetryOnFailure, zerolog.Nop())
	loop, _ := newTestLoop(t, runner, sched, emptyGoals(t), &captureSink{})

	fireAt := sched.Tasks()[0].NextRun
	loop.now = func() time.Time { return fireAt }

	_, err := loop.cycle(context.Background())
	assert.Error(t, err)

	task, due := sched.DueTask(fireAt)
	require.True(t, due, "retry-on-failure keeps the task due")
	assert.Equal(t, "tick", task.ID)
}

func TestCycleWorksOnHighestGoal(t *testing.T) {
	runner := &fakeRunner{}
	sched := scheduler.New(nil, scheduler.CompleteOnFailure, zerolog.Nop())
	goals := activeGoals(t, `{"goals":[
		{"id":"g1","description":"tidy inbox","priority":"low","status":"active"},
		{"id":"g2","description":"ship release","priority":"high","status":"active","context":"deadline friday"}
	]}`)
	sink := &captureSink{}
	loop, _ := newTestLoop(t, runner, sched, goals, sink)

	work, err := loop.cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workedGoal, work)
	require.Len(t, runner.prompts, 1)
	assert.Contains(t, runner.prompts[0], "ship release")
	assert.Contains(t, runner.prompts[0], "deadline friday")
	assert.Contains(t, sink.types(), events.TypeGoalStart)
	assert.Contains(t, sink.types(), events.TypeGoalComplete)
}

func TestCycleHeartbeatSkipsRecentlyActiveSession(t *testing.T) {
	runner := &fakeRunner{}
	sched := scheduler.New(nil, scheduler.CompleteOnFailure, zerolog.Nop())
	sink := &captureSink{}
	loop, _ := newTestLoop(t, runner, sched, emptyGoals(t), sink)

	work, err := loop.cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, workedNothing, work)
	assert.Contains(t, sink.types(), events.TypeHeartbeat)
	assert.Empty(t, runner.prompts, "a fresh session is not idle yet")
}

func TestCycleHeartbeatRunsTurnWhenIdle(t *testing.T) {
	runner := &fakeRunner{}
	sched := scheduler.New(nil, scheduler.CompleteOnFailure, zerolog.Nop())
	sink := &captureSink{}

	store, err := memory.Open(t.TempDir(), memory.StoreOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	loop, err := NewLoop(Config{
		Runner:        runner,
		Scheduler:     sched,
		Goals:         emptyGoals(t),
		Store:         store,
		Events:        sink,
		Logger:        zerolog.Nop(),
		HeartbeatIdle: time.Nanosecond,
	})
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = loop.cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, runner.prompts, 1)
	assert.Contains(t, runner.prompts[0], "Heartbeat")
}

func TestNextDelayErrorBackoff(t *testing.T) {
	sched := scheduler.New(nil, scheduler.CompleteOnFailure, zerolog.Nop())
	loop, _ := newTestLoop(t, &fakeRunner{}, sched, emptyGoals(t), &captureSink{})

	loop.errorCount = 2
	delay := loop.nextDelay(workedNothing)
	assert.Equal(t, defaultIdleInterval+2*errorBackoffStep, delay)

	loop.errorCount = errorCooldownAtCount
	assert.Equal(t, errorCooldown, loop.nextDelay(workedNothing))
}

func TestNextDelayRestartsImmediatelyAfterTask(t *testing.T) {
	sched := scheduler.New([]scheduler.Spec{{ID: "tick", Expr: "0 0 * * *", Action: "x"}}, scheduler.CompleteOnFailure, zerolog.Nop())
	goals := activeGoals(t, `{"goals":[
		{"id":"g1","description":"tidy inbox","priority":"low","status":"active"}
	]}`)
	loop, _ := newTestLoop(t, &fakeRunner{}, sched, goals, &captureSink{})

	// A dispatched task hands control straight back so the pending goal
	// runs in the very next cycle.
	assert.Equal(t, time.Duration(0), loop.nextDelay(workedTask))

	idle := scheduler.New(nil, scheduler.CompleteOnFailure, zerolog.Nop())
	goalLoop, _ := newTestLoop(t, &fakeRunner{}, idle, goals, &captureSink{})
	assert.Equal(t, defaultGoalInterval, goalLoop.nextDelay(workedGoal))
}

func TestStopEndsRun(t *testing.T) {
	sched := scheduler.New(nil, scheduler.CompleteOnFailure, zerolog.Nop())
	loop, _ := newTestLoop(t, &fakeRunner{}, sched, emptyGoals(t), &captureSink{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// Give the loop a moment to enter its first cycle, then stop it.
	time.Sleep(10 * time.Millisecond)
	loop.Stop()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
