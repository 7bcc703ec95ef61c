package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	manifestFileName = "manifest.json"
	sessionsDirName  = "sessions"

	sessionKeyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	sessionKeyLength   = 12
)

// SessionInfo is one manifest entry.
type SessionInfo struct {
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

type manifest struct {
	Sessions []SessionInfo `json:"sessions"`
	Active   string        `json:"active"`
}

// StoreOptions configures a Store.
type StoreOptions struct {
	// Estimator overrides the context size estimator for all sessions.
	Estimator SizeEstimator
	Logger    zerolog.Logger
}

// Store manages every session under one root directory. It owns the
// manifest and lazily materializes Memory instances on first access.
type Store struct {
	mu sync.Mutex

	root      string
	manifest  manifest
	cache     map[string]*Memory
	estimator SizeEstimator
	logger    zerolog.Logger
}

// Open loads (or initializes) the store at root, migrating any legacy
// single-session layout it finds. A store with no sessions gets one created
// and marked active so callers always have a session to talk to.
func Open(root string, opts StoreOptions) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("memory store root is required")
	}
	if err := os.MkdirAll(filepath.Join(root, sessionsDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create store layout: %w", err)
	}

	s := &Store{
		root:      root,
		cache:     make(map[string]*Memory),
		estimator: opts.Estimator,
		logger:    opts.Logger.With().Str("component", "memory").Logger(),
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}
	if err := s.migrateLegacy(); err != nil {
		return nil, err
	}
	if len(s.manifest.Sessions) == 0 {
		if _, err := s.createLocked(""); err != nil {
			return nil, err
		}
	}
	if s.manifest.Active == "" || s.infoIndex(s.manifest.Active) < 0 {
		s.manifest.Active = s.mostRecentlyActive()
		if err := s.saveManifest(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) loadManifest() error {
	path := filepath.Join(s.root, manifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := json.Unmarshal(data, &s.manifest); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	return nil
}

func (s *Store) saveManifest() error {
	data, err := json.MarshalIndent(s.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(s.root, manifestFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}

// migrateLegacy moves a pre-multi-session memory.json at the store root
// into a proper session directory. Running it again is a no-op.
func (s *Store) migrateLegacy() error {
	legacy := filepath.Join(s.root, memoryFileName)
	if _, err := os.Stat(legacy); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat legacy memory: %w", err)
	}

	key, err := newSessionKey()
	if err != nil {
		return err
	}
	dir := s.sessionDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migrated session dir: %w", err)
	}
	if err := os.Rename(legacy, filepath.Join(dir, memoryFileName)); err != nil {
		return fmt.Errorf("move legacy memory: %w", err)
	}

	now := time.Now()
	s.manifest.Sessions = append(s.manifest.Sessions, SessionInfo{
		Key:          key,
		Title:        "Migrated Chat",
		Created:      now,
		LastActivity: now,
	})
	s.manifest.Active = key
	s.logger.Info().Str("session", key).Msg("migrated legacy memory layout")
	return s.saveManifest()
}

func (s *Store) sessionDir(key string) string {
	return filepath.Join(s.root, sessionsDirName, key)
}

func (s *Store) infoIndex(key string) int {
	for i, info := range s.manifest.Sessions {
		if info.Key == key {
			return i
		}
	}
	return -1
}

func (s *Store) mostRecentlyActive() string {
	if len(s.manifest.Sessions) == 0 {
		return ""
	}
	best := s.manifest.Sessions[0]
	for _, info := range s.manifest.Sessions[1:] {
		if info.LastActivity.After(best.LastActivity) {
			best = info
		}
	}
	return best.Key
}

func newSessionKey() (string, error) {
	key, err := gonanoid.Generate(sessionKeyAlphabet, sessionKeyLength)
	if err != nil {
		return "", fmt.Errorf("generate session key: %w", err)
	}
	return key, nil
}

// nextTitle produces the "New Chat N" fallback title, using the smallest N
// not already taken.
func (s *Store) nextTitle() string {
	taken := make(map[string]bool, len(s.manifest.Sessions))
	for _, info := range s.manifest.Sessions {
		taken[info.Title] = true
	}
	for n := 1; ; n++ {
		title := fmt.Sprintf("New Chat %d", n)
		if !taken[title] {
			return title
		}
	}
}

// Create makes a new session with an opaque key. An empty title gets the
// "New Chat N" fallback. The new session becomes active.
func (s *Store) Create(title string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(title)
}

func (s *Store) createLocked(title string) (*Memory, error) {
	key, err := newSessionKey()
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = s.nextTitle()
	}
	dir := s.sessionDir(key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	now := time.Now()
	s.manifest.Sessions = append(s.manifest.Sessions, SessionInfo{
		Key:          key,
		Title:        title,
		Created:      now,
		LastActivity: now,
	})
	s.manifest.Active = key
	if err := s.saveManifest(); err != nil {
		return nil, err
	}

	mem := newMemory(key, dir, s.estimator, s.logger)
	s.cache[key] = mem
	s.logger.Info().Str("session", key).Str("title", title).Msg("session created")
	return mem, nil
}

// Get returns the session memory for key, loading its snapshot on first
// access.
func (s *Store) Get(key string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (*Memory, error) {
	if mem, ok := s.cache[key]; ok {
		return mem, nil
	}
	if s.infoIndex(key) < 0 {
		return nil, fmt.Errorf("unknown session: %s", key)
	}
	mem, err := loadMemory(key, s.sessionDir(key), s.estimator, s.logger)
	if err != nil {
		return nil, err
	}
	s.cache[key] = mem
	return mem, nil
}

// Active returns the memory of the active session.
func (s *Store) Active() (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(s.manifest.Active)
}

// ActiveKey returns the active session key.
func (s *Store) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manifest.Active
}

// SetActive marks an existing session as active.
func (s *Store) SetActive(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.infoIndex(key) < 0 {
		return fmt.Errorf("unknown session: %s", key)
	}
	s.manifest.Active = key
	return s.saveManifest()
}

// List returns manifest entries ordered by creation time.
func (s *Store) List() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]SessionInfo(nil), s.manifest.Sessions...)
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// Rename changes a session's title.
func (s *Store) Rename(key, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.infoIndex(key)
	if idx < 0 {
		return fmt.Errorf("unknown session: %s", key)
	}
	s.manifest.Sessions[idx].Title = title
	return s.saveManifest()
}

// Touch refreshes a session's last-activity time in the manifest.
func (s *Store) Touch(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.infoIndex(key)
	if idx < 0 {
		return fmt.Errorf("unknown session: %s", key)
	}
	s.manifest.Sessions[idx].LastActivity = time.Now()
	return s.saveManifest()
}

// Delete removes a session and its directory. Deleting the last session
// immediately creates a fresh one so the store never ends up empty; if the
// active session was deleted, the most recently active survivor takes over.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.infoIndex(key)
	if idx < 0 {
		return fmt.Errorf("unknown session: %s", key)
	}
	s.manifest.Sessions = append(s.manifest.Sessions[:idx], s.manifest.Sessions[idx+1:]...)
	delete(s.cache, key)
	if err := os.RemoveAll(s.sessionDir(key)); err != nil {
		return fmt.Errorf("remove session dir: %w", err)
	}

	if len(s.manifest.Sessions) == 0 {
		if _, err := s.createLocked(""); err != nil {
			return err
		}
		s.logger.Info().Str("deleted", key).Msg("last session deleted, fresh session created")
		return nil
	}
	if s.manifest.Active == key {
		s.manifest.Active = s.mostRecentlyActive()
	}
	return s.saveManifest()
}

// SaveAll flushes every dirty loaded session.
func (s *Store) SaveAll() error {
	s.mu.Lock()
	mems := make([]*Memory, 0, len(s.cache))
	for _, mem := range s.cache {
		mems = append(mems, mem)
	}
	s.mu.Unlock()

	var firstErr error
	for _, mem := range mems {
		if err := mem.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
