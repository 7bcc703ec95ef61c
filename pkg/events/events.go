// Package events defines the notification surface of the agent core.
//
// Components never publish to a process-wide singleton; a Sink is injected
// at construction so multiple agent instances can run in one process.
package events

import (
	"time"

	"github.com/rs/zerolog"
)

// Type identifies an event category.
type Type string

const (
	TypeTurnStart    Type = "turn.start"
	TypeTurnComplete Type = "turn.complete"
	TypeTurnError    Type = "turn.error"
	TypeToolStart    Type = "tool.start"
	TypeToolEnd      Type = "tool.end"
	TypeTaskDispatch Type = "schedule.dispatch"
	TypeGoalStart    Type = "goal.start"
	TypeGoalComplete Type = "goal.complete"
	TypeHeartbeat    Type = "heartbeat"
)

// Event is a tagged notification record.
type Event struct {
	Type       Type      `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	SessionKey string    `json:"session_key,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	GoalID     string    `json:"goal_id,omitempty"`
	Tool       string    `json:"tool,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink receives events. Implementations must not block the caller.
type Sink interface {
	Emit(evt Event)
}

// New builds an event of the given type with the current timestamp.
func New(t Type) Event {
	return Event{Type: t, Timestamp: time.Now()}
}

// LogSink writes events to a zerolog logger.
type LogSink struct {
	Logger zerolog.Logger
}

// Emit logs the event at debug level.
func (s *LogSink) Emit(evt Event) {
	s.Logger.Debug().
		Str("event", string(evt.Type)).
		Str("session_key", evt.SessionKey).
		Str("task_id", evt.TaskID).
		Str("goal_id", evt.GoalID).
		Str("tool", evt.Tool).
		Str("detail", evt.Detail).
		Msg("Event")
}

// ChanSink forwards events to a channel, dropping when the channel is full
// so a slow consumer can never stall a turn.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Event, buffer)}
}

// Emit delivers the event or drops it when the buffer is full.
func (s *ChanSink) Emit(evt Event) {
	select {
	case s.C <- evt:
	default:
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) {}
