package sync

import (
	"context"
	"fmt"
	"io"
)

// LocalApplier is the local filesystem collaborator used by the apply
// orchestrator, grounded on onedrive/sync.py's local_apply_operation and
// generalized to the interfaces named in §6.
type LocalApplier interface {
	Mkdir(ctx context.Context, path string) error
	Rmdir(ctx context.Context, path string) error
	Unlink(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
	Download(ctx context.Context, id string, dst string) error
	SaveID(ctx context.Context, path, id string) error
}

// CloudApplier is the cloud collaborator used by the apply orchestrator,
// grounded on onedrive/sync.py's cloud_apply_operation.
type CloudApplier interface {
	CreateDir(ctx context.Context, parentID, name string) (id string, err error)
	CreateFile(ctx context.Context, parentID, name string, content io.ReaderAt, size int64) (*TreeFile, error)
	Upload(ctx context.Context, id string, content io.ReaderAt, size int64) (*TreeFile, error)
	Delete(ctx context.Context, id string) error
	RenameMove(ctx context.Context, id string, newName, destParentID *string) error
}

// idRemap threads placeholder -> real cloud id substitutions through a
// single apply pass, grounded on onedrive/local.py's real_id dict.
type idRemap map[string]string

func (m idRemap) resolve(id string) string {
	if real, ok := m[id]; ok {
		return real
	}

	return id
}

// rewriteForRemap applies m to op's id-valued fields, mirroring
// onedrive/local.py's convert_temp_id.
func rewriteForRemap(op Operation, m idRemap) Operation {
	switch op.Kind {
	case OpAddFile, OpAddDir:
		op.ParentID = m.resolve(op.ParentID)
	case OpRenameMoveFile, OpRenameMoveDir:
		if op.Destination != nil {
			resolved := m.resolve(*op.Destination)
			op.Destination = &resolved
		}
	}

	return op
}

// ApplyLocalScript executes script against the local filesystem through
// applier, in order. Content-path resolution (id -> filesystem path) is the
// caller's responsibility via pathOf/setPathOf, mirroring onedrive/sync.py's
// id_to_path bookkeeping that local_apply_script maintains as it runs.
func ApplyLocalScript(
	ctx context.Context,
	script []Operation,
	applier LocalApplier,
	pathOf func(id string) (string, bool),
	setPathOf func(id, path string),
) error {
	for _, op := range script {
		if err := applyLocalOp(ctx, op, applier, pathOf, setPathOf); err != nil {
			return fmt.Errorf("sync: apply local op %s: %w", op, err)
		}
	}

	return nil
}

func applyLocalOp(
	ctx context.Context,
	op Operation,
	applier LocalApplier,
	pathOf func(id string) (string, bool),
	setPathOf func(id, path string),
) error {
	switch op.Kind {
	case OpAddFile:
		parentPath, ok := pathOf(op.ParentID)
		if !ok {
			return fmt.Errorf("unknown parent path for %s", op.ParentID)
		}

		childPath := joinPath(parentPath, op.Name)
		if err := applier.Download(ctx, op.ChildID, childPath); err != nil {
			return err
		}

		if err := applier.SaveID(ctx, childPath, op.ChildID); err != nil {
			return err
		}

		setPathOf(op.ChildID, childPath)

	case OpAddDir:
		parentPath, ok := pathOf(op.ParentID)
		if !ok {
			return fmt.Errorf("unknown parent path for %s", op.ParentID)
		}

		childPath := joinPath(parentPath, op.Name)
		if err := applier.Mkdir(ctx, childPath); err != nil {
			return err
		}

		if err := applier.SaveID(ctx, childPath, op.ChildID); err != nil {
			return err
		}

		setPathOf(op.ChildID, childPath)

	case OpDelFile:
		path, ok := pathOf(op.ID)
		if !ok {
			return fmt.Errorf("unknown path for %s", op.ID)
		}

		return applier.Unlink(ctx, path)

	case OpDelDir:
		path, ok := pathOf(op.ID)
		if !ok {
			return fmt.Errorf("unknown path for %s", op.ID)
		}

		return applier.Rmdir(ctx, path)

	case OpModifyFile:
		path, ok := pathOf(op.ID)
		if !ok {
			return fmt.Errorf("unknown path for %s", op.ID)
		}

		return applier.Download(ctx, op.ID, path)

	case OpRenameMoveFile, OpRenameMoveDir:
		return applyLocalRenameMove(ctx, op, applier, pathOf, setPathOf)
	}

	return nil
}

func applyLocalRenameMove(
	ctx context.Context,
	op Operation,
	applier LocalApplier,
	pathOf func(id string) (string, bool),
	setPathOf func(id, path string),
) error {
	oldPath, ok := pathOf(op.ID)
	if !ok {
		return fmt.Errorf("unknown path for %s", op.ID)
	}

	destDir := parentDirOf(oldPath)
	if op.Destination != nil {
		destPath, ok := pathOf(*op.Destination)
		if !ok {
			return fmt.Errorf("unknown destination path for %s", *op.Destination)
		}

		destDir = destPath
	}

	name := baseNameOf(oldPath)
	if op.NewName != nil {
		name = *op.NewName
	}

	newPath := joinPath(destDir, name)
	if err := applier.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}

	setPathOf(op.ID, newPath)

	return nil
}

// ApplyCloudScript executes script against the cloud through applier,
// rewriting placeholder ids as additions are acknowledged. Grounded on
// onedrive/sync.py's cloud_apply_script/register_real_id: every AddFile/
// AddDir registers its assigned real id in remap before the next operation
// is rewritten, and the returned script carries the real ids actual callers
// (e.g. the persisted saved-tree writer) should use going forward.
func ApplyCloudScript(
	ctx context.Context,
	script []Operation,
	applier CloudApplier,
	content func(id string) (io.ReaderAt, int64, error),
) ([]Operation, error) {
	remap := make(idRemap)
	resolved := make([]Operation, 0, len(script))

	for _, op := range script {
		op = rewriteForRemap(op, remap)

		out, err := applyCloudOp(ctx, op, applier, content, remap)
		if err != nil {
			return nil, fmt.Errorf("sync: apply cloud op %s: %w", op, err)
		}

		resolved = append(resolved, out)
	}

	return resolved, nil
}

func applyCloudOp(
	ctx context.Context,
	op Operation,
	applier CloudApplier,
	content func(id string) (io.ReaderAt, int64, error),
	remap idRemap,
) (Operation, error) {
	switch op.Kind {
	case OpAddDir:
		realID, err := applier.CreateDir(ctx, op.ParentID, op.Name)
		if err != nil {
			return op, err
		}

		remap[op.ChildID] = realID
		op.ChildID = realID

		return op, nil

	case OpAddFile:
		r, size, err := content(op.ChildID)
		if err != nil {
			return op, err
		}

		if !sizesCompatible(op.Size, size) {
			return op, fmt.Errorf("size mismatch for %s", op.ChildID)
		}

		f, err := applier.CreateFile(ctx, op.ParentID, op.Name, r, size)
		if err != nil {
			return op, err
		}

		remap[op.ChildID] = f.ID
		op.ChildID = f.ID
		op.ETag, op.CTag, op.QuickXorHash = f.ETag, f.CTag, f.QuickXorHash

		return op, nil

	case OpDelFile, OpDelDir:
		return op, applier.Delete(ctx, op.ID)

	case OpModifyFile:
		r, size, err := content(op.ID)
		if err != nil {
			return op, err
		}

		f, err := applier.Upload(ctx, op.ID, r, size)
		if err != nil {
			return op, err
		}

		op.ETag, op.CTag, op.QuickXorHash = f.ETag, f.CTag, f.QuickXorHash

		return op, nil

	case OpRenameMoveFile, OpRenameMoveDir:
		return op, applier.RenameMove(ctx, op.ID, op.NewName, op.Destination)

	default:
		return op, nil
	}
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}

	return dir + "/" + name
}

func parentDirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}

	return ""
}

func baseNameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}

	return path
}
