package sessionstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"file":   fs,
		"sqlite": db,
	}
}

func TestStores_Contract(t *testing.T) {
	ctx := context.Background()
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id, err := store.SessionID(ctx, "conv-1")
			require.NoError(t, err)
			assert.Empty(t, id)

			require.NoError(t, store.SetSessionID(ctx, "conv-1", "sess-a"))
			id, err = store.SessionID(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, "sess-a", id)

			require.NoError(t, store.SetSessionID(ctx, "conv-1", "sess-b"))
			id, _ = store.SessionID(ctx, "conv-1")
			assert.Equal(t, "sess-b", id)

			require.NoError(t, store.Clear(ctx, "conv-1"))
			id, _ = store.SessionID(ctx, "conv-1")
			assert.Empty(t, id)
			assert.NoError(t, store.Clear(ctx, "conv-1"))

			assert.ErrorIs(t, store.SetSessionID(ctx, "", "x"), ErrEmptyKey)
		})
	}
}

func TestScoped_Isolation(t *testing.T) {
	ctx := context.Background()
	base := NewMemory()
	claude := Scoped(base, "claude")
	codex := Scoped(base, "codex")

	require.NoError(t, claude.SetSessionID(ctx, "conv", "claude-sess"))
	require.NoError(t, codex.SetSessionID(ctx, "conv", "codex-thread"))

	id, _ := claude.SessionID(ctx, "conv")
	assert.Equal(t, "claude-sess", id)
	id, _ = codex.SessionID(ctx, "conv")
	assert.Equal(t, "codex-thread", id)
	id, _ = base.SessionID(ctx, "conv")
	assert.Empty(t, id)
}

func TestFileStore_AtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, fs.SetSessionID(context.Background(), "a/b:c", "s1"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a_b_c.json", entries[0].Name())
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	db, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, db.SetSessionID(context.Background(), "conv", "sess"))
	require.NoError(t, db.Close())

	db, err = OpenSQLite(path)
	require.NoError(t, err)
	defer db.Close()
	id, err := db.SessionID(context.Background(), "conv")
	require.NoError(t, err)
	assert.Equal(t, "sess", id)
}
