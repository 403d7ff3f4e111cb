package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTree_ReconstructByParents_RebuildsIndices(t *testing.T) {
	tr := NewTree("root")
	tr.Dirs["d1"] = newTreeDir("d1", "docs", "root")
	tr.Files["f1"] = &TreeFile{ID: "f1", Name: "a.txt", Parent: "d1", Size: 10}

	tr.ReconstructByParents()

	require.Contains(t, tr.Dirs["root"].Dirs, "d1")
	require.Contains(t, tr.Dirs["d1"].Files, "f1")
}

func TestTree_ReconstructByParents_RemovesOrphans(t *testing.T) {
	tr := NewTree("root")
	tr.Files["f1"] = &TreeFile{ID: "f1", Name: "a.txt", Parent: "missing-dir", Size: 10}

	tr.ReconstructByParents()

	assert.NotContains(t, tr.Files, "f1")
}

func TestTree_ReconstructByParents_Idempotent(t *testing.T) {
	tr := NewTree("root")
	tr.Dirs["d1"] = newTreeDir("d1", "docs", "root")
	tr.Files["f1"] = &TreeFile{ID: "f1", Name: "a.txt", Parent: "d1", Size: 10}

	tr.ReconstructByParents()
	first := tr.Clone()
	tr.ReconstructByParents()

	assert.True(t, tr.Equal(first))
}

func TestTree_NameTaken(t *testing.T) {
	tr := NewTree("root")
	tr.Files["f1"] = &TreeFile{ID: "f1", Name: "a.txt", Parent: "root"}
	tr.ReconstructByParents()

	assert.True(t, tr.NameTaken("root", "a.txt"))
	assert.False(t, tr.NameTaken("root", "b.txt"))
}

func TestTree_Equal_IgnoresChildIndices(t *testing.T) {
	a := NewTree("root")
	a.Files["f1"] = &TreeFile{ID: "f1", Name: "a.txt", Parent: "root", Size: 1}
	a.ReconstructByParents()

	b := a.Clone()
	b.Dirs["root"].Files = map[string]struct{}{} // derived index only; must not affect Equal

	assert.True(t, a.Equal(b))
}

func TestOperation_CheckAddFile(t *testing.T) {
	tr := NewTree("root")
	op := Operation{Kind: OpAddFile, ParentID: "root", ChildID: "f1", Name: "a.txt", Size: 10}

	require.True(t, CheckOperation(op, tr))
	ApplyOperation(op, tr)
	assert.False(t, CheckOperation(op, tr), "adding the same name twice must fail")
}

func TestOperation_DelDir_RequiresEmpty(t *testing.T) {
	tr := NewTree("root")
	ApplyOperation(Operation{Kind: OpAddDir, ParentID: "root", ChildID: "d1", Name: "docs"}, tr)
	ApplyOperation(Operation{Kind: OpAddFile, ParentID: "d1", ChildID: "f1", Name: "a.txt"}, tr)

	assert.False(t, CheckOperation(Operation{Kind: OpDelDir, ID: "d1"}, tr))

	ApplyOperation(Operation{Kind: OpDelFile, ID: "f1"}, tr)
	assert.True(t, CheckOperation(Operation{Kind: OpDelDir, ID: "d1"}, tr))
}

func TestOperation_RenameMoveFile(t *testing.T) {
	tr := NewTree("root")
	ApplyOperation(Operation{Kind: OpAddDir, ParentID: "root", ChildID: "d1", Name: "dest"}, tr)
	ApplyOperation(Operation{Kind: OpAddFile, ParentID: "root", ChildID: "f1", Name: "a.txt"}, tr)

	op := Operation{Kind: OpRenameMoveFile, ID: "f1", NewName: strPtr("b.txt"), Destination: strPtr("d1")}
	require.True(t, CheckOperation(op, tr))
	ApplyOperation(op, tr)

	assert.Equal(t, "b.txt", tr.Files["f1"].Name)
	assert.Equal(t, "d1", tr.Files["f1"].Parent)
	assert.Contains(t, tr.Dirs["d1"].Files, "f1")
	assert.NotContains(t, tr.Dirs["root"].Files, "f1")
}

func TestOperation_RenameMoveDir_RootIsImmutable(t *testing.T) {
	tr := NewTree("root")
	op := Operation{Kind: OpRenameMoveDir, ID: "root", NewName: strPtr("x")}
	assert.False(t, CheckOperation(op, tr))
}
