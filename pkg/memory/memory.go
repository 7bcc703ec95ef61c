// Package memory implements per-session conversational memory and the
// multi-session store that persists it under a single data directory.
//
// Each session owns a short-term message window, long-term fact/skill/
// relationship sets, and a free-form task-state map. Snapshots are written
// atomically; every appended message is additionally mirrored into an
// append-only daily JSONL log for audit.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reza/kalda/pkg/llm"
)

const (
	// compactThreshold is the short-term length at which Compact summarizes.
	compactThreshold = 20
	// compactKeep is how many of the newest messages survive compaction.
	compactKeep = 10

	memoryFileName = "memory.json"
)

// SizeEstimator scores a message against the context budget. The default
// uses the marshalled JSON length as a cheap proxy for token count.
type SizeEstimator func(llm.Message) int

// DefaultSizeEstimator measures the marshalled JSON size of the message.
func DefaultSizeEstimator(msg llm.Message) int {
	b, err := json.Marshal(msg)
	if err != nil {
		return len(msg.Content)
	}
	return len(b)
}

// Record is one short-term entry: the message plus when it was appended.
type Record struct {
	Message   llm.Message `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
}

// Memory is the in-process state of one session. All methods are safe for
// concurrent use.
type Memory struct {
	mu sync.Mutex

	key string
	dir string

	shortTerm     []Record
	facts         []string
	skills        []string
	relationships []string
	taskState     map[string]any

	created      time.Time
	lastActivity time.Time

	dirty     bool
	estimator SizeEstimator
	logger    zerolog.Logger
}

// memorySnapshot is the persisted form of Memory.
type memorySnapshot struct {
	Key           string         `json:"key"`
	ShortTerm     []Record       `json:"short_term"`
	Facts         []string       `json:"facts,omitempty"`
	Skills        []string       `json:"skills,omitempty"`
	Relationships []string       `json:"relationships,omitempty"`
	TaskState     map[string]any `json:"task_state,omitempty"`
	Created       time.Time      `json:"created"`
	LastActivity  time.Time      `json:"last_activity"`
}

func newMemory(key, dir string, estimator SizeEstimator, logger zerolog.Logger) *Memory {
	if estimator == nil {
		estimator = DefaultSizeEstimator
	}
	now := time.Now()
	return &Memory{
		key:          key,
		dir:          dir,
		taskState:    make(map[string]any),
		created:      now,
		lastActivity: now,
		estimator:    estimator,
		logger:       logger.With().Str("session", key).Logger(),
	}
}

func loadMemory(key, dir string, estimator SizeEstimator, logger zerolog.Logger) (*Memory, error) {
	m := newMemory(key, dir, estimator, logger)
	path := filepath.Join(dir, memoryFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory snapshot: %w", err)
	}
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse memory snapshot %s: %w", path, err)
	}
	m.shortTerm = snap.ShortTerm
	m.facts = snap.Facts
	m.skills = snap.Skills
	m.relationships = snap.Relationships
	if snap.TaskState != nil {
		m.taskState = snap.TaskState
	}
	if !snap.Created.IsZero() {
		m.created = snap.Created
	}
	if !snap.LastActivity.IsZero() {
		m.lastActivity = snap.LastActivity
	}
	return m, nil
}

// Key returns the opaque session key.
func (m *Memory) Key() string { return m.key }

// Created returns the session creation time.
func (m *Memory) Created() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created
}

// LastActivity returns the time of the most recent append.
func (m *Memory) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastActivity
}

// Append adds a message to short-term memory. Image parts are stripped
// before storage; only the textual alternative (or a placeholder) is kept.
// The message is also mirrored into the current daily log.
func (m *Memory) Append(msg llm.Message) {
	stripped := llm.WithoutImages([]llm.Message{msg})[0]
	now := time.Now()

	m.mu.Lock()
	m.shortTerm = append(m.shortTerm, Record{Message: stripped, Timestamp: now})
	m.lastActivity = now
	m.dirty = true
	m.mu.Unlock()

	if err := m.appendDailyLog(stripped, now); err != nil {
		m.logger.Warn().Err(err).Msg("daily log append failed")
	}
}

func (m *Memory) appendDailyLog(msg llm.Message, ts time.Time) error {
	if m.dir == "" {
		return nil
	}
	name := fmt.Sprintf("log-%s.jsonl", ts.Format("2006-01-02"))
	path := filepath.Join(m.dir, name)
	line, err := json.Marshal(Record{Message: msg, Timestamp: ts})
	if err != nil {
		return fmt.Errorf("marshal log record: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write daily log: %w", err)
	}
	return f.Sync()
}

// RecentContext returns the newest messages whose cumulative estimated size
// stays within budget, in chronological order. The newest message is always
// considered first; older messages are included until the budget would be
// exceeded.
func (m *Memory) RecentContext(budget int) []llm.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []llm.Message
	used := 0
	for i := len(m.shortTerm) - 1; i >= 0; i-- {
		cost := m.estimator(m.shortTerm[i].Message)
		if used+cost > budget {
			break
		}
		used += cost
		out = append(out, m.shortTerm[i].Message)
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len returns the short-term message count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shortTerm)
}

// AddFact records a long-term fact, ignoring exact duplicates.
func (m *Memory) AddFact(fact string) { m.addLongTerm(&m.facts, fact) }

// AddSkill records a long-term skill, ignoring exact duplicates.
func (m *Memory) AddSkill(skill string) { m.addLongTerm(&m.skills, skill) }

// AddRelationship records a long-term relationship, ignoring exact duplicates.
func (m *Memory) AddRelationship(rel string) { m.addLongTerm(&m.relationships, rel) }

func (m *Memory) addLongTerm(set *[]string, entry string) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range *set {
		if existing == entry {
			return
		}
	}
	*set = append(*set, entry)
	m.dirty = true
}

// LongTermBlock renders the long-term sets as a prompt block. Empty sets
// are omitted; an entirely empty long-term memory yields "".
func (m *Memory) LongTermBlock() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	writeSection := func(title string, entries []string) {
		if len(entries) == 0 {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(title)
		b.WriteString(":\n")
		for _, e := range entries {
			b.WriteString("- ")
			b.WriteString(e)
			b.WriteString("\n")
		}
	}
	writeSection("Facts", m.facts)
	writeSection("Skills", m.skills)
	writeSection("Relationships", m.relationships)
	return b.String()
}

// SetTaskState stores an arbitrary value under key in the task-state map.
func (m *Memory) SetTaskState(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskState[key] = value
	m.dirty = true
}

// TaskState returns the stored value for key, if any.
func (m *Memory) TaskState(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.taskState[key]
	return v, ok
}

// NeedsCompaction reports whether short-term memory has reached the
// compaction threshold.
func (m *Memory) NeedsCompaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shortTerm) >= compactThreshold
}

// Compact summarizes everything except the newest messages and records the
// summary as a long-term fact. No-op below the threshold. If summarize
// fails the short-term window is left untouched.
func (m *Memory) Compact(ctx context.Context, summarize func(ctx context.Context, msgs []llm.Message) (string, error)) error {
	m.mu.Lock()
	if len(m.shortTerm) < compactThreshold {
		m.mu.Unlock()
		return nil
	}
	cut := len(m.shortTerm) - compactKeep
	old := make([]llm.Message, 0, cut)
	for _, rec := range m.shortTerm[:cut] {
		old = append(old, rec.Message)
	}
	m.mu.Unlock()

	summary, err := summarize(ctx, old)
	if err != nil {
		return fmt.Errorf("summarize for compaction: %w", err)
	}

	m.mu.Lock()
	// Recompute the cut: appends may have landed during summarization.
	cut = len(m.shortTerm) - compactKeep
	if cut > 0 {
		m.shortTerm = append([]Record(nil), m.shortTerm[cut:]...)
	}
	m.dirty = true
	m.mu.Unlock()

	if summary != "" {
		m.AddFact(fmt.Sprintf("Conversation summary (%s): %s", time.Now().Format("2006-01-02"), summary))
	}
	m.logger.Info().Int("compacted", cut).Msg("short-term memory compacted")
	return nil
}

// Dirty reports whether there are unsaved changes.
func (m *Memory) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

// Save writes the snapshot if anything changed since the last save.
// The write goes to a temp file first and is then renamed into place.
func (m *Memory) Save() error {
	m.mu.Lock()
	if !m.dirty || m.dir == "" {
		m.mu.Unlock()
		return nil
	}
	snap := memorySnapshot{
		Key:           m.key,
		ShortTerm:     m.shortTerm,
		Facts:         m.facts,
		Skills:        m.skills,
		Relationships: m.relationships,
		TaskState:     m.taskState,
		Created:       m.created,
		LastActivity:  m.lastActivity,
	}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory snapshot: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(m.dir, memoryFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write memory snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename memory snapshot: %w", err)
	}

	m.mu.Lock()
	m.dirty = false
	m.mu.Unlock()
	return nil
}
