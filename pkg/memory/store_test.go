package memory

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reza/kalda/pkg/llm"
)

func openTestStore(t *testing.T, root string) *Store {
	t.Helper()
	store, err := Open(root, StoreOptions{Logger: zerolog.Nop()})
	require.NoError(t, err)
	return store
}

func TestOpenCreatesFirstSession(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	sessions := store.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "New Chat 1", sessions[0].Title)
	assert.Equal(t, sessions[0].Key, store.ActiveKey())
}

func TestCreateNumbersTitles(t *testing.T) {
	store := openTestStore(t, t.TempDir())

	second, err := store.Create("")
	require.NoError(t, err)
	third, err := store.Create("Custom Title")
	require.NoError(t, err)

	titles := make(map[string]bool)
	for _, info := range store.List() {
		titles[info.Title] = true
	}
	assert.True(t, titles["New Chat 1"])
	assert.True(t, titles["New Chat 2"])
	assert.True(t, titles["Custom Title"])

	// The newest session becomes active.
	assert.Equal(t, third.Key(), store.ActiveKey())
	assert.NotEqual(t, second.Key(), third.Key())
}

func TestSessionKeysAreOpaque(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	mem, err := store.Create("")
	require.NoError(t, err)
	assert.Len(t, mem.Key(), sessionKeyLength)
	assert.NotContains(t, mem.Key(), "/")
}

func TestDeleteLastSessionResynthesizes(t *testing.T) {
	root := t.TempDir()
	store := openTestStore(t, root)
	only := store.List()[0]

	require.NoError(t, store.Delete(only.Key))

	sessions := store.List()
	require.Len(t, sessions, 1, "the store must never be left empty")
	assert.NotEqual(t, only.Key, sessions[0].Key)
	assert.Equal(t, sessions[0].Key, store.ActiveKey())
}

func TestDeleteActiveReassignsToMostRecentlyActive(t *testing.T) {
	store := openTestStore(t, t.TempDir())
	first := store.List()[0]

	second, err := store.Create("")
	require.NoError(t, err)
	third, err := store.Create("")
	require.NoError(t, err)

	// Make the second session the busiest one.
	require.NoError(t, store.Touch(second.Key()))

	require.Equal(t, third.Key(), store.ActiveKey())
	require.NoError(t, store.Delete(third.Key()))

	assert.Equal(t, second.Key(), store.ActiveKey())
	assert.Len(t, store.List(), 2)

	// The survivor set is first and second.
	keys := map[string]bool{}
	for _, info := range store.List() {
		keys[info.Key] = true
	}
	assert.True(t, keys[first.Key])
	assert.True(t, keys[second.Key()])
}

func TestDeleteRemovesSessionDirectory(t *testing.T) {
	root := t.TempDir()
	store := openTestStore(t, root)

	mem, err := store.Create("")
	require.NoError(t, err)
	mem.Append(llm.Message{Role: llm.RoleUser, Content: "bye"})
	require.NoError(t, mem.Save())

	dir := filepath.Join(root, sessionsDirName, mem.Key())
	_, err = os.Stat(dir)
	require.NoError(t, err)

	require.NoError(t, store.Delete(mem.Key()))
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestGetLoadsSnapshotLazily(t *testing.T) {
	root := t.TempDir()
	store := openTestStore(t, root)
	mem, err := store.Active()
	require.NoError(t, err)
	mem.Append(llm.Message{Role: llm.RoleUser, Content: "remember this"})
	require.NoError(t, mem.Save())
	key := mem.Key()

	// A fresh store reads the snapshot from disk on first access.
	reopened := openTestStore(t, root)
	loaded, err := reopened.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Len())

	_, err = reopened.Get("nope")
	assert.Error(t, err)
}

func TestLegacyMigrationIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root, 0o755))

	legacy := memorySnapshot{
		Key:       "legacy",
		ShortTerm: []Record{{Message: llm.Message{Role: llm.RoleUser, Content: "old world"}, Timestamp: time.Now()}},
	}
	writeSnapshot(t, filepath.Join(root, memoryFileName), legacy)

	store := openTestStore(t, root)

	// The legacy file moved into a session directory.
	_, err := os.Stat(filepath.Join(root, memoryFileName))
	assert.True(t, os.IsNotExist(err))

	sessions := store.List()
	require.Len(t, sessions, 1)
	assert.Equal(t, "Migrated Chat", sessions[0].Title)

	mem, err := store.Active()
	require.NoError(t, err)
	assert.Equal(t, 1, mem.Len())

	// Opening again must not migrate twice or grow the session list.
	again := openTestStore(t, root)
	assert.Len(t, again.List(), 1)
}

func writeSnapshot(t *testing.T, path string, snap memorySnapshot) {
	t.Helper()
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}
