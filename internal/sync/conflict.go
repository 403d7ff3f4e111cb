package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxConflictSuffix is the upper bound on the numeric suffix tried when
// describing a conflict-copy path for the user. Exceeding 1000 collisions
// is implausible in practice; past that the timestamp-only base path is
// returned as a best-effort description.
const maxConflictSuffix = 1000

// ErrAmbiguousConflict reports that the same identifier was touched by
// incompatible operations on both sides of a reconciliation, grounded on
// onedrive/algorithms.py's check_same_node_operations. Per the Non-goal
// that rules out conflict resolution policies beyond refuse, the detector
// never picks a winner: it raises this error and the caller (the CLI, or a
// future automation layer) decides out of band.
type ErrAmbiguousConflict struct {
	ID       string
	Kind     string // human description of the ambiguity, e.g. "double rename"
	CloudOp  Operation
	LocalOp  Operation
}

func (e *ErrAmbiguousConflict) Error() string {
	return fmt.Sprintf("ambiguous conflict on %s: %s (cloud=%s, local=%s)", e.ID, e.Kind, e.CloudOp, e.LocalOp)
}

// DetectConflicts groups the non-add operations of cloudOps and localOps by
// identifier and raises ErrAmbiguousConflict for every pair that cannot be
// reconciled without a human decision. Add operations are excluded: their
// identifiers are freshly minted on each side (real cloud id vs. local
// placeholder id) and cannot collide before the apply phase resolves them.
//
// This is the full extent of conflict *handling* in this engine: detection
// and refusal, never auto-merge.
func DetectConflicts(cloudOps, localOps []Operation) error {
	cloudByID := groupNonAddByID(cloudOps)
	localByID := groupNonAddByID(localOps)

	for id, cloudGroup := range cloudByID {
		localGroup, ok := localByID[id]
		if !ok {
			continue
		}

		for _, c := range cloudGroup {
			for _, l := range localGroup {
				if err := classifyPair(id, c, l); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func groupNonAddByID(ops []Operation) map[string][]Operation {
	out := make(map[string][]Operation)

	for _, op := range ops {
		if op.Kind == OpAddFile || op.Kind == OpAddDir {
			continue
		}

		out[op.ID] = append(out[op.ID], op)
	}

	return out
}

func isFileOp(k OpKind) bool {
	return k == OpDelFile || k == OpModifyFile || k == OpRenameMoveFile
}

func isDirOp(k OpKind) bool {
	return k == OpDelDir || k == OpRenameMoveDir
}

// classifyPair implements the ambiguity table from §4.C.
func classifyPair(id string, c, l Operation) error {
	if isFileOp(c.Kind) != isFileOp(l.Kind) {
		// Same identifier used for a file on one side and a directory on
		// the other cannot happen against valid, invariant-respecting
		// trees: file and directory id namespaces are disjoint (tree
		// invariant 5). Surfacing it as a panic marks it as a programmer
		// error in the diff or tree-construction stage, never a
		// user-triggerable state.
		panic(fmt.Sprintf("sync: id %s used as both file and directory operation", id))
	}

	switch {
	case c.Kind == OpDelFile || c.Kind == OpDelDir:
		if l.Kind != c.Kind {
			return &ErrAmbiguousConflict{ID: id, Kind: "modify of deleted", CloudOp: c, LocalOp: l}
		}

		return nil

	case l.Kind == OpDelFile || l.Kind == OpDelDir:
		return &ErrAmbiguousConflict{ID: id, Kind: "modify of deleted", CloudOp: c, LocalOp: l}

	case c.Kind == OpModifyFile && l.Kind == OpModifyFile:
		return &ErrAmbiguousConflict{ID: id, Kind: "double modify", CloudOp: c, LocalOp: l}

	case (c.Kind == OpRenameMoveFile && l.Kind == OpRenameMoveFile) ||
		(c.Kind == OpRenameMoveDir && l.Kind == OpRenameMoveDir):
		return classifyRenameMovePair(id, c, l)

	default:
		return nil
	}
}

func classifyRenameMovePair(id string, c, l Operation) error {
	cRenamed, lRenamed := c.NewName != nil, l.NewName != nil
	cMoved, lMoved := c.Destination != nil, l.Destination != nil

	if cRenamed && lRenamed {
		return &ErrAmbiguousConflict{ID: id, Kind: "double rename", CloudOp: c, LocalOp: l}
	}

	if cMoved && lMoved {
		return &ErrAmbiguousConflict{ID: id, Kind: "double move", CloudOp: c, LocalOp: l}
	}

	return nil
}

// DescribeConflictCopyPath previews the path a manual keep-both resolution
// would write the local copy to, for inclusion in the error surfaced to the
// operator. It does not touch the filesystem. The naming scheme is
// preserved from the teacher's keep-both conflict handler, which this
// engine no longer applies automatically (see ErrAmbiguousConflict).
func DescribeConflictCopyPath(originalPath string, now time.Time) string {
	stem, ext := treeConflictStemExt(originalPath)
	ts := now.UTC().Format("20060102-150405")
	base := stem + ".conflict-" + ts + ext

	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}

	for i := 1; i <= maxConflictSuffix; i++ {
		candidate := fmt.Sprintf("%s.conflict-%s-%d%s", stem, ts, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	return base
}

// treeConflictStemExt splits originalPath into a (stem, ext) pair. Dotfiles
// with no embedded extension (e.g. ".bashrc") are treated as having an
// empty extension so the conflict suffix is appended to the full filename
// rather than before the leading dot.
func treeConflictStemExt(originalPath string) (stem, ext string) {
	base := filepath.Base(originalPath)
	dir := originalPath[:len(originalPath)-len(base)]

	if strings.HasPrefix(base, ".") && strings.Count(base, ".") == 1 {
		return dir + base, ""
	}

	ext = filepath.Ext(base)
	stem = dir + base[:len(base)-len(ext)]

	return stem, ext
}
