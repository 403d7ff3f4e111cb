package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
)

// fakeLocalApplier records filesystem operations in order.
type fakeLocalApplier struct {
	ops       []string
	failPath  string // Unlink/Rename against this path fails
	savedIDs  map[string]string
	downloads []string
}

func newFakeLocalApplier() *fakeLocalApplier {
	return &fakeLocalApplier{savedIDs: make(map[string]string)}
}

func (f *fakeLocalApplier) Mkdir(_ context.Context, path string) error {
	f.ops = append(f.ops, "mkdir "+path)
	return nil
}

func (f *fakeLocalApplier) Rmdir(_ context.Context, path string) error {
	f.ops = append(f.ops, "rmdir "+path)
	return nil
}

func (f *fakeLocalApplier) Unlink(_ context.Context, path string) error {
	if path == f.failPath {
		return errors.New("unlink refused")
	}

	f.ops = append(f.ops, "unlink "+path)

	return nil
}

func (f *fakeLocalApplier) Rename(_ context.Context, oldPath, newPath string) error {
	if oldPath == f.failPath {
		return errors.New("rename refused")
	}

	f.ops = append(f.ops, "rename "+oldPath+" -> "+newPath)

	return nil
}

func (f *fakeLocalApplier) Download(_ context.Context, id, dst string) error {
	f.downloads = append(f.downloads, id)
	f.ops = append(f.ops, "download "+id+" -> "+dst)

	return nil
}

func (f *fakeLocalApplier) SaveID(_ context.Context, path, id string) error {
	f.savedIDs[path] = id
	return nil
}

// pathIndex is the id -> path bookkeeping ApplyLocalScript threads through.
type pathIndex map[string]string

func (p pathIndex) pathOf(id string) (string, bool) {
	path, ok := p[id]
	return path, ok
}

func (p pathIndex) setPathOf(id, path string) { p[id] = path }

func TestApplyLocalScript_AddDirThenFile(t *testing.T) {
	applier := newFakeLocalApplier()
	paths := pathIndex{"root": ""}

	script := []Operation{
		{Kind: OpAddDir, ParentID: "root", ChildID: "d1", Name: "docs"},
		{Kind: OpAddFile, ParentID: "d1", ChildID: "f1", Name: "a.txt", Size: 3},
	}

	err := ApplyLocalScript(context.Background(), script, applier, paths.pathOf, paths.setPathOf)
	if err != nil {
		t.Fatalf("ApplyLocalScript: %v", err)
	}

	want := []string{
		"mkdir docs",
		"download f1 -> docs/a.txt",
	}

	if len(applier.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", applier.ops, want)
	}

	for i := range want {
		if applier.ops[i] != want[i] {
			t.Errorf("ops[%d] = %q, want %q", i, applier.ops[i], want[i])
		}
	}

	// Identifiers persisted in extended attributes, paths registered.
	if applier.savedIDs["docs"] != "d1" || applier.savedIDs["docs/a.txt"] != "f1" {
		t.Errorf("savedIDs = %v", applier.savedIDs)
	}

	if paths["f1"] != "docs/a.txt" {
		t.Errorf("path index f1 = %q, want %q", paths["f1"], "docs/a.txt")
	}
}

func TestApplyLocalScript_RenameMoveTracksNewPath(t *testing.T) {
	applier := newFakeLocalApplier()
	paths := pathIndex{"root": "", "d1": "old", "d2": "dest", "f1": "old/x.txt"}

	newName := "y.txt"
	script := []Operation{
		{Kind: OpRenameMoveFile, ID: "f1", NewName: &newName, Destination: strPtr("d2")},
	}

	err := ApplyLocalScript(context.Background(), script, applier, paths.pathOf, paths.setPathOf)
	if err != nil {
		t.Fatalf("ApplyLocalScript: %v", err)
	}

	if paths["f1"] != "dest/y.txt" {
		t.Errorf("path index f1 = %q, want %q", paths["f1"], "dest/y.txt")
	}

	if applier.ops[0] != "rename old/x.txt -> dest/y.txt" {
		t.Errorf("ops[0] = %q", applier.ops[0])
	}
}

func TestApplyLocalScript_RenameOnlyKeepsParent(t *testing.T) {
	applier := newFakeLocalApplier()
	paths := pathIndex{"f1": "docs/a.txt"}

	newName := "b.txt"
	script := []Operation{{Kind: OpRenameMoveFile, ID: "f1", NewName: &newName}}

	err := ApplyLocalScript(context.Background(), script, applier, paths.pathOf, paths.setPathOf)
	if err != nil {
		t.Fatalf("ApplyLocalScript: %v", err)
	}

	if paths["f1"] != "docs/b.txt" {
		t.Errorf("path index f1 = %q, want %q", paths["f1"], "docs/b.txt")
	}
}

func TestApplyLocalScript_ErrorStopsScript(t *testing.T) {
	applier := newFakeLocalApplier()
	applier.failPath = "gone.txt"
	paths := pathIndex{"f1": "gone.txt", "f2": "other.txt"}

	script := []Operation{
		{Kind: OpDelFile, ID: "f1"},
		{Kind: OpDelFile, ID: "f2"},
	}

	err := ApplyLocalScript(context.Background(), script, applier, paths.pathOf, paths.setPathOf)
	if err == nil {
		t.Fatal("expected error")
	}

	// Second op must not run after the first failed.
	if len(applier.ops) != 0 {
		t.Errorf("ops = %v, want none", applier.ops)
	}
}

// fakeCloudApplier assigns real ids to additions and records calls.
type fakeCloudApplier struct {
	nextID      int
	createdDirs []string // "parentID/name"
	uploads     []string
	deletes     []string
	moves       []string
}

func (f *fakeCloudApplier) realID() string {
	f.nextID++
	return "real-" + string(rune('0'+f.nextID))
}

func (f *fakeCloudApplier) CreateDir(_ context.Context, parentID, name string) (string, error) {
	f.createdDirs = append(f.createdDirs, parentID+"/"+name)
	return f.realID(), nil
}

func (f *fakeCloudApplier) CreateFile(
	_ context.Context, parentID, name string, _ io.ReaderAt, _ int64,
) (*TreeFile, error) {
	f.createdDirs = append(f.createdDirs, parentID+"/"+name)

	return &TreeFile{ID: f.realID(), Name: name, ETag: "e1", CTag: "c1", QuickXorHash: "qx1"}, nil
}

func (f *fakeCloudApplier) Upload(_ context.Context, id string, _ io.ReaderAt, _ int64) (*TreeFile, error) {
	f.uploads = append(f.uploads, id)
	return &TreeFile{ID: id, ETag: "e2", CTag: "c2", QuickXorHash: "qx2"}, nil
}

func (f *fakeCloudApplier) Delete(_ context.Context, id string) error {
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeCloudApplier) RenameMove(_ context.Context, id string, newName, destParentID *string) error {
	entry := id
	if newName != nil {
		entry += " name=" + *newName
	}

	if destParentID != nil {
		entry += " dest=" + *destParentID
	}

	f.moves = append(f.moves, entry)

	return nil
}

// noContent satisfies the content callback for scripts without transfers.
func noContent(string) (io.ReaderAt, int64, error) {
	return nil, 0, errors.New("no content expected")
}

func TestApplyCloudScript_PlaceholderRemap(t *testing.T) {
	applier := &fakeCloudApplier{}

	// A placeholder dir added under root, then a placeholder file under the
	// placeholder dir: the file's parent must be rewritten to the dir's
	// real id before CreateFile is issued.
	p1 := NewPlaceholderID(1)
	p2 := NewPlaceholderID(2)

	script := []Operation{
		{Kind: OpAddDir, ParentID: "root", ChildID: p1, Name: "new-dir"},
		{Kind: OpAddFile, ParentID: p1, ChildID: p2, Name: "new.txt", Size: 0},
	}

	contentOf := func(string) (io.ReaderAt, int64, error) {
		return bytes.NewReader(nil), 0, nil
	}

	resolved, err := ApplyCloudScript(context.Background(), script, applier, contentOf)
	if err != nil {
		t.Fatalf("ApplyCloudScript: %v", err)
	}

	// Dir got real-1; file was created under real-1, not the placeholder.
	if applier.createdDirs[0] != "root/new-dir" {
		t.Errorf("createdDirs[0] = %q", applier.createdDirs[0])
	}

	if applier.createdDirs[1] != "real-1/new.txt" {
		t.Errorf("createdDirs[1] = %q, want parent rewritten to real id", applier.createdDirs[1])
	}

	// Resolved script carries real ids and the cloud's tags.
	if IsPlaceholder(resolved[0].ChildID) || IsPlaceholder(resolved[1].ChildID) {
		t.Errorf("resolved script still carries placeholders: %v", resolved)
	}

	if resolved[1].ETag != "e1" || resolved[1].CTag != "c1" {
		t.Errorf("resolved file op missing cloud tags: %+v", resolved[1])
	}
}

func TestApplyCloudScript_MoveDestinationRemapped(t *testing.T) {
	applier := &fakeCloudApplier{}

	p1 := NewPlaceholderID(1)

	script := []Operation{
		{Kind: OpAddDir, ParentID: "root", ChildID: p1, Name: "target"},
		{Kind: OpRenameMoveFile, ID: "f1", Destination: strPtr(p1)},
	}

	_, err := ApplyCloudScript(context.Background(), script, applier, noContent)
	if err != nil {
		t.Fatalf("ApplyCloudScript: %v", err)
	}

	if len(applier.moves) != 1 || applier.moves[0] != "f1 dest=real-1" {
		t.Errorf("moves = %v, want destination rewritten to real-1", applier.moves)
	}
}

func TestApplyCloudScript_DeletesAndModifies(t *testing.T) {
	applier := &fakeCloudApplier{}

	script := []Operation{
		{Kind: OpDelFile, ID: "f1"},
		{Kind: OpDelDir, ID: "d1"},
		{Kind: OpModifyFile, ID: "f2", Size: 2},
	}

	contentOf := func(string) (io.ReaderAt, int64, error) {
		return bytes.NewReader([]byte("ab")), 2, nil
	}

	resolved, err := ApplyCloudScript(context.Background(), script, applier, contentOf)
	if err != nil {
		t.Fatalf("ApplyCloudScript: %v", err)
	}

	if len(applier.deletes) != 2 {
		t.Errorf("deletes = %v", applier.deletes)
	}

	if len(applier.uploads) != 1 || applier.uploads[0] != "f2" {
		t.Errorf("uploads = %v", applier.uploads)
	}

	if resolved[2].CTag != "c2" {
		t.Errorf("modify op missing refreshed cTag: %+v", resolved[2])
	}
}

func TestOptimizeCloudDeletion_PureAndOrderPreserving(t *testing.T) {
	tree := NewTree("root")
	ApplyOperation(Operation{Kind: OpAddDir, ParentID: "root", ChildID: "d1", Name: "dir"}, tree)
	ApplyOperation(Operation{Kind: OpAddFile, ParentID: "d1", ChildID: "f1", Name: "x", Size: 1}, tree)

	script := []Operation{
		{Kind: OpDelFile, ID: "f1"},
		{Kind: OpDelDir, ID: "d1"},
	}

	optimized := OptimizeCloudDeletion(script, tree)

	// The child delete is implied by the parent dir delete.
	if len(optimized) != 1 || optimized[0].Kind != OpDelDir {
		t.Fatalf("optimized = %v, want only DelDir", optimized)
	}

	// Purity: the input script is untouched.
	if len(script) != 2 {
		t.Errorf("input script mutated: %v", script)
	}
}
