package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/driftsync/internal/graph"
)

// testEnv is a complete engine fixture: real store and filesystem, fake
// drive and xattrs.
type testEnv struct {
	engine *Engine
	store  *Store
	drive  *fakeDrive
	fs     *LocalFS
	attrs  *fakeXattrs
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()

	store := newTestStore(t)
	require.NoError(t, store.Set(context.Background(), KeyRootID, "root-1"))

	drive := newFakeDrive()
	cloud := NewCloudDrive(drive, "root-1", testLogger(t))

	fs, attrs := newTestFS(t)

	return &testEnv{
		engine: NewEngine(store, cloud, fs, testLogger(t)),
		store:  store,
		drive:  drive,
		fs:     fs,
		attrs:  attrs,
	}
}

func (env *testEnv) abs(rel string) string {
	return filepath.Join(env.fs.Root(), rel)
}

// TestEngine_CloudAddFlowsToLocal is §8 scenario 1: the cloud added a file,
// the local side is empty. The cloud script must be empty and the local
// script a single AddFile; after apply both sides agree.
func TestEngine_CloudAddFlowsToLocal(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	env.drive.deltaItems = []graph.Item{cloudFileItem("f1", "a.txt", "root-1", "hello cloud")}
	env.drive.content["f1"] = []byte("hello cloud")

	plan, err := env.engine.Plan(ctx, ModeTwoWay)
	require.NoError(t, err)

	assert.Empty(t, plan.CloudScript)
	require.Len(t, plan.LocalScript, 1)
	assert.Equal(t, OpAddFile, plan.LocalScript[0].Kind)
	assert.Equal(t, "f1", plan.LocalScript[0].ChildID)

	_, err = env.engine.Apply(ctx, plan, ModeTwoWay)
	require.NoError(t, err)

	// File landed, with the cloud id recorded in its attribute.
	got, readErr := os.ReadFile(env.abs("a.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "hello cloud", string(got))
	assert.Equal(t, "f1", env.attrs.values[env.abs("a.txt")])

	// The saved tree is the converged state.
	saved, found, err := env.store.LoadTree(ctx, TreeSaved, "root-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Contains(t, saved.Files, "f1")

	// A second run has nothing to do.
	plan2, err := env.engine.Plan(ctx, ModeTwoWay)
	require.NoError(t, err)
	assert.True(t, plan2.Empty())
}

// TestEngine_LocalAddFlowsToCloud: a new local file is uploaded, its
// placeholder id replaced by the cloud-assigned one, and the attribute
// written back.
func TestEngine_LocalAddFlowsToCloud(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	writeFile(t, env.fs.Root(), "notes.txt", "local words")

	plan, err := env.engine.Plan(ctx, ModeTwoWay)
	require.NoError(t, err)

	assert.Empty(t, plan.LocalScript)
	require.Len(t, plan.CloudScript, 1)
	assert.Equal(t, OpAddFile, plan.CloudScript[0].Kind)
	assert.True(t, IsPlaceholder(plan.CloudScript[0].ChildID))

	_, err = env.engine.Apply(ctx, plan, ModeTwoWay)
	require.NoError(t, err)

	// Uploaded with the right bytes, under the root.
	require.Len(t, env.drive.created, 1)
	assert.Equal(t, "root-1/notes.txt", env.drive.created[0])
	assert.Equal(t, []byte("local words"), env.drive.uploads["cloud-01"])

	// The real id replaced the placeholder on disk and in the saved tree.
	assert.Equal(t, "cloud-01", env.attrs.values[env.abs("notes.txt")])

	saved, _, err := env.store.LoadTree(ctx, TreeSaved, "root-1")
	require.NoError(t, err)
	assert.Contains(t, saved.Files, "cloud-01")

	// Once the cloud echoes the new item back through delta, a second run
	// has nothing to do.
	env.drive.deltaItems = []graph.Item{cloudFileItem("cloud-01", "notes.txt", "root-1", "local words")}

	plan2, err := env.engine.Plan(ctx, ModeTwoWay)
	require.NoError(t, err)
	assert.True(t, plan2.Empty())
}

// TestEngine_DoubleRenameRefused is §8 scenario 2: both sides renamed the
// same file; the detector refuses before anything is touched.
func TestEngine_DoubleRenameRefused(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	// First sync establishes f1 as shared state.
	env.drive.deltaItems = []graph.Item{cloudFileItem("f1", "a.txt", "root-1", "v1")}
	env.drive.content["f1"] = []byte("v1")

	plan, err := env.engine.Plan(ctx, ModeTwoWay)
	require.NoError(t, err)
	_, err = env.engine.Apply(ctx, plan, ModeTwoWay)
	require.NoError(t, err)

	// Cloud renames to b.txt; locally the same file becomes c.txt.
	env.drive.deltaItems = []graph.Item{cloudFileItem("f1", "b.txt", "root-1", "v1")}

	require.NoError(t, os.Rename(env.abs("a.txt"), env.abs("c.txt")))
	env.attrs.values[env.abs("c.txt")] = "f1" // rename keeps the attribute

	_, err = env.engine.Plan(ctx, ModeTwoWay)
	require.Error(t, err)

	var conflict *ErrAmbiguousConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "f1", conflict.ID)
	assert.Contains(t, conflict.Kind, "rename")

	// Refused means untouched: no cloud calls, local file still there.
	assert.Empty(t, env.drive.moved)
	_, statErr := os.Stat(env.abs("c.txt"))
	assert.NoError(t, statErr)
}

// TestEngine_UploadOnlyElidesChildDeletes: deleting a populated directory
// issues only the directory deletion to the cloud (the subtree goes with
// it), while the converged tree still reflects every removal.
func TestEngine_UploadOnlyElidesChildDeletes(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	env.drive.deltaItems = []graph.Item{
		cloudDirItem("d1", "old", "root-1"),
		cloudFileItem("f1", "inner.txt", "d1", "bytes"),
	}

	// Local side is empty: upload-only converges the cloud onto it.
	plan, err := env.engine.Plan(ctx, ModeUploadOnly)
	require.NoError(t, err)

	assert.Empty(t, plan.LocalScript)
	require.Len(t, plan.CloudScript, 2, "DelFile then DelDir")

	_, err = env.engine.Apply(ctx, plan, ModeUploadOnly)
	require.NoError(t, err)

	// Only the directory deletion went out; the file ride along.
	assert.Equal(t, []string{"d1"}, env.drive.deleted)

	saved, _, err := env.store.LoadTree(ctx, TreeSaved, "root-1")
	require.NoError(t, err)
	assert.Empty(t, saved.Files)
	assert.Len(t, saved.Dirs, 1, "only the root remains")
}

// TestEngine_DownloadOnlyMirrorsCloud: download-only converges the local
// tree onto the cloud by content digest, removing local-only entries.
func TestEngine_DownloadOnlyMirrorsCloud(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	env.drive.deltaItems = []graph.Item{cloudFileItem("f1", "keep.txt", "root-1", "cloud copy")}
	env.drive.content["f1"] = []byte("cloud copy")

	writeFile(t, env.fs.Root(), "junk.txt", "local only")

	plan, err := env.engine.Plan(ctx, ModeDownloadOnly)
	require.NoError(t, err)

	assert.Empty(t, plan.CloudScript)

	_, err = env.engine.Apply(ctx, plan, ModeDownloadOnly)
	require.NoError(t, err)

	_, statErr := os.Stat(env.abs("junk.txt"))
	assert.True(t, os.IsNotExist(statErr), "local-only file removed")

	got, readErr := os.ReadFile(env.abs("keep.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "cloud copy", string(got))

	// Nothing was pushed to the cloud.
	assert.Empty(t, env.drive.created)
	assert.Empty(t, env.drive.deleted)
}

// TestEngine_NestedCloudAdd covers §8 scenario 5's shape end to end: a new
// directory with a file inside arrives; the directory is created first and
// the deferred file download lands inside it.
func TestEngine_NestedCloudAdd(t *testing.T) {
	env := newTestEngine(t)
	ctx := context.Background()

	env.drive.deltaItems = []graph.Item{
		cloudDirItem("d1", "docs", "root-1"),
		cloudFileItem("f1", "inner.txt", "d1", "nested"),
	}
	env.drive.content["f1"] = []byte("nested")

	plan, err := env.engine.Plan(ctx, ModeTwoWay)
	require.NoError(t, err)

	require.Len(t, plan.LocalScript, 2)
	assert.Equal(t, OpAddDir, plan.LocalScript[0].Kind, "AddFile deferred behind its directory")
	assert.Equal(t, OpAddFile, plan.LocalScript[1].Kind)

	_, err = env.engine.Apply(ctx, plan, ModeTwoWay)
	require.NoError(t, err)

	got, readErr := os.ReadFile(env.abs("docs/inner.txt"))
	require.NoError(t, readErr)
	assert.Equal(t, "nested", string(got))

	assert.Equal(t, "d1", env.attrs.values[env.abs("docs")])
	assert.Equal(t, "f1", env.attrs.values[env.abs("docs/inner.txt")])
}

// TestEngine_MissingRootID fails fast before touching either side.
func TestEngine_MissingRootID(t *testing.T) {
	env := newTestEngine(t)
	require.NoError(t, env.store.Set(context.Background(), KeyRootID, ""))

	_, err := env.engine.Plan(context.Background(), ModeTwoWay)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root id")
}
