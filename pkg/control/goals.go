// Package control runs the autonomous loop: dispatch due scheduled tasks,
// work on standing goals, heartbeat when idle. Goals live in an external
// JSON file the user (or another process) edits; the loop watches it and
// reloads on change.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Priority orders goals. Unknown values sort last.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	default:
		return 3
	}
}

// Goal statuses. Only active goals are worked on.
const (
	StatusActive = "active"
	StatusPaused = "paused"
	StatusDone   = "done"
)

// Goal is one standing objective from the goals file.
type Goal struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Priority    Priority `json:"priority"`
	Status      string   `json:"status"`
	Context     string   `json:"context,omitempty"`
}

// goalsFile is the on-disk wrapper. A bare JSON array is also accepted.
type goalsFile struct {
	Goals []Goal `json:"goals"`
}

// Goals holds the current goal list, reloading from its file on demand or
// via the file watcher.
type Goals struct {
	mu     sync.RWMutex
	path   string
	goals  []Goal
	logger zerolog.Logger
}

// NewGoals loads the goals file at path. A missing file is an empty list,
// not an error; the file may appear later.
func NewGoals(path string, logger zerolog.Logger) (*Goals, error) {
	g := &Goals{
		path:   path,
		logger: logger.With().Str("component", "goals").Logger(),
	}
	if err := g.Reload(); err != nil {
		return nil, err
	}
	return g, nil
}

// Reload re-reads the goals file. A malformed file keeps the previous list
// and returns the parse error.
func (g *Goals) Reload() error {
	if g.path == "" {
		return nil
	}
	data, err := os.ReadFile(g.path)
	if os.IsNotExist(err) {
		g.mu.Lock()
		g.goals = nil
		g.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read goals file: %w", err)
	}

	var wrapper goalsFile
	if err := json.Unmarshal(data, &wrapper); err != nil {
		var bare []Goal
		if err2 := json.Unmarshal(data, &bare); err2 != nil {
			return fmt.Errorf("parse goals file %s: %w", g.path, err)
		}
		wrapper.Goals = bare
	}

	g.mu.Lock()
	g.goals = wrapper.Goals
	g.mu.Unlock()
	g.logger.Debug().Int("count", len(wrapper.Goals)).Msg("goals reloaded")
	return nil
}

// All returns a snapshot of the current goals in file order.
func (g *Goals) All() []Goal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Goal(nil), g.goals...)
}

// HighestActive returns the highest-priority active goal. Ties keep file
// order.
func (g *Goals) HighestActive() (Goal, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Goal
	for i := range g.goals {
		goal := &g.goals[i]
		if goal.Status != StatusActive {
			continue
		}
		if best == nil || goal.Priority.rank() < best.Priority.rank() {
			best = goal
		}
	}
	if best == nil {
		return Goal{}, false
	}
	return *best, true
}

// Watch reloads the goal list whenever its file changes, until ctx is
// done. Editors that replace the file (rename over it) are handled by
// watching the parent directory.
func (g *Goals) Watch(ctx context.Context) error {
	if g.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create goals watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(g.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(g.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := g.Reload(); err != nil {
				g.logger.Warn().Err(err).Msg("goals reload failed, keeping previous list")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn().Err(err).Msg("goals watcher error")
		}
	}
}
