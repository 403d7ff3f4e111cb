package sync

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := OpenStore(filepath.Join(t.TempDir(), "state.db"), testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s
}

func TestStore_KVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.Get(ctx, KeyRootID)
	require.NoError(t, err)
	assert.Empty(t, got, "missing keys read as empty")

	require.NoError(t, s.Set(ctx, KeyRootID, "root-1"))
	require.NoError(t, s.Set(ctx, KeyRootID, "root-2"))

	got, err = s.Get(ctx, KeyRootID)
	require.NoError(t, err)
	assert.Equal(t, "root-2", got, "Set overwrites")
}

func TestStore_DBVersionStamped(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), KeyDBVersion)
	require.NoError(t, err)
	assert.Equal(t, dbVersion, got)
}

func TestStore_LoadTree_FirstRun(t *testing.T) {
	s := newTestStore(t)

	tree, found, err := s.LoadTree(context.Background(), TreeSaved, "root-1")
	require.NoError(t, err)

	assert.False(t, found)
	assert.Equal(t, "root-1", tree.RootID)
	assert.Len(t, tree.Dirs, 1, "only the root")
	assert.Empty(t, tree.Files)
}

func TestStore_SaveTree_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tree := NewTree("root-1")
	tree.Dirs["d1"] = newTreeDir("d1", "docs", "root-1")
	tree.Files["f1"] = &TreeFile{
		ID: "f1", Name: "a.txt", Parent: "d1", Size: 10,
		ETag: "e1", CTag: "c1", ModTimeNano: 12345,
		QuickXorHash: "qx==", SHA256Hash: "aa11",
	}
	tree.ReconstructByParents()

	require.NoError(t, s.SaveTree(ctx, TreeSaved, tree))

	loaded, found, err := s.LoadTree(ctx, TreeSaved, "root-1")
	require.NoError(t, err)
	require.True(t, found)

	assert.True(t, loaded.Equal(tree))

	f := loaded.Files["f1"]
	require.NotNil(t, f)
	assert.Equal(t, "c1", f.CTag)
	assert.Equal(t, "qx==", f.QuickXorHash, "digest table re-attached")
	assert.Equal(t, "aa11", f.SHA256Hash)
	assert.Equal(t, int64(12345), f.ModTimeNano)

	// The derived children index is rebuilt on load.
	_, hasChild := loaded.Dirs["d1"].Files["f1"]
	assert.True(t, hasChild)
}

func TestStore_SaveTree_ReplacesPrevious(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := NewTree("root-1")
	first.Files["f1"] = &TreeFile{ID: "f1", Name: "old.txt", Parent: "root-1"}
	require.NoError(t, s.SaveTree(ctx, TreeSaved, first))

	second := NewTree("root-1")
	second.Files["f2"] = &TreeFile{ID: "f2", Name: "new.txt", Parent: "root-1"}
	require.NoError(t, s.SaveTree(ctx, TreeSaved, second))

	loaded, _, err := s.LoadTree(ctx, TreeSaved, "root-1")
	require.NoError(t, err)

	assert.NotContains(t, loaded.Files, "f1")
	assert.Contains(t, loaded.Files, "f2")
}

func TestStore_TreeKindsAreIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	saved := NewTree("root-1")
	saved.Files["f1"] = &TreeFile{ID: "f1", Name: "a", Parent: "root-1"}
	require.NoError(t, s.SaveTree(ctx, TreeSaved, saved))

	delta := NewTree("root-1")
	delta.Files["f2"] = &TreeFile{ID: "f2", Name: "b", Parent: "root-1"}
	require.NoError(t, s.SaveTree(ctx, TreeDelta, delta))

	gotSaved, _, err := s.LoadTree(ctx, TreeSaved, "root-1")
	require.NoError(t, err)
	gotDelta, _, err := s.LoadTree(ctx, TreeDelta, "root-1")
	require.NoError(t, err)

	assert.Contains(t, gotSaved.Files, "f1")
	assert.NotContains(t, gotSaved.Files, "f2")
	assert.Contains(t, gotDelta.Files, "f2")
}
