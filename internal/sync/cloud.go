package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/driftsync/driftsync/internal/graph"
)

// DriveAPI is the transport surface the cloud collaborator consumes,
// satisfied by *graph.Client. Defined here so the engine can be exercised
// against a fake drive.
type DriveAPI interface {
	Delta(ctx context.Context, rootID, token string) ([]graph.Item, string, error)
	CreateFolder(ctx context.Context, parentID, name string) (*graph.Item, error)
	CreateFile(ctx context.Context, parentID, name string, content io.Reader, size int64) (*graph.Item, error)
	Replace(ctx context.Context, itemID string, content io.Reader, size int64) (*graph.Item, error)
	RenameMove(ctx context.Context, itemID string, newName, newParentID *string) error
	Delete(ctx context.Context, itemID string) error
	Download(ctx context.Context, itemID string, w io.Writer) (int64, error)
}

// CloudDrive adapts the drive transport to the reconciliation engine: it
// folds delta events into a Tree snapshot and implements the CloudApplier
// interface the apply orchestrator drives.
type CloudDrive struct {
	api    DriveAPI
	rootID string
	logger *slog.Logger
}

// NewCloudDrive creates a collaborator anchored at rootID.
func NewCloudDrive(api DriveAPI, rootID string, logger *slog.Logger) *CloudDrive {
	if logger == nil {
		logger = slog.Default()
	}

	return &CloudDrive{api: api, rootID: rootID, logger: logger}
}

// Snapshot returns the current cloud tree and the next delta token. cached
// is the tree the previous token corresponds to; events are folded into a
// clone of it. When the server reports the token expired, the enumeration
// restarts from scratch rather than failing the run.
func (c *CloudDrive) Snapshot(ctx context.Context, cached *Tree, token string) (*Tree, string, error) {
	base := NewTree(c.rootID)
	if token != "" && cached != nil {
		base = cached.Clone()
	}

	items, newToken, err := c.api.Delta(ctx, c.rootID, token)
	if err != nil {
		if token == "" {
			return nil, "", err
		}

		// Expired or otherwise unusable token: fall back to a full listing.
		c.logger.Warn("delta token rejected, re-enumerating from scratch",
			slog.String("error", err.Error()),
		)

		base = NewTree(c.rootID)

		items, newToken, err = c.api.Delta(ctx, c.rootID, "")
		if err != nil {
			return nil, "", err
		}
	}

	for i := range items {
		foldDeltaItem(base, &items[i])
	}

	base.ReconstructByParents()

	c.logger.Debug("cloud snapshot built",
		slog.Int("events", len(items)),
		slog.Int("dirs", len(base.Dirs)),
		slog.Int("files", len(base.Files)),
	)

	return base, newToken, nil
}

// foldDeltaItem applies one delta event to the tree under construction.
// Deletions arrive for the node only, not its descendants; purging the
// subtree here is the trusted bulk path noted on ApplyOperation's DelDir
// design decision.
func foldDeltaItem(t *Tree, it *graph.Item) {
	if it.Root || it.ID == t.RootID {
		return
	}

	if it.Deleted {
		if _, isDir := t.Dirs[it.ID]; isDir {
			purgeSubtree(t, it.ID)
			return
		}

		delete(t.Files, it.ID)

		return
	}

	if it.Folder || it.Package {
		if d, ok := t.Dirs[it.ID]; ok {
			d.Name = it.Name
			d.Parent = it.ParentID

			return
		}

		t.Dirs[it.ID] = newTreeDir(it.ID, it.Name, it.ParentID)

		return
	}

	t.Files[it.ID] = itemToFile(it)
}

// itemToFile converts a drive item into a tree file node.
func itemToFile(it *graph.Item) *TreeFile {
	f := &TreeFile{
		ID:          it.ID,
		Name:        it.Name,
		Parent:      it.ParentID,
		Size:        it.Size,
		ETag:        it.ETag,
		CTag:        it.CTag,
		ModTimeNano: it.Modified.UnixNano(),
	}

	f.QuickXorHash = it.Hashes[string(HashQuickXor)]
	f.SHA1Hash = it.Hashes[string(HashSHA1)]
	f.SHA256Hash = it.Hashes[string(HashSHA256)]

	return f
}

// Digests returns the advertised content digests for a cloud file, keyed
// by algorithm, for post-download verification.
func Digests(f *TreeFile) map[HashAlgorithm]string {
	out := make(map[HashAlgorithm]string)

	if f.QuickXorHash != "" {
		out[HashQuickXor] = f.QuickXorHash
	}

	if f.SHA1Hash != "" {
		out[HashSHA1] = f.SHA1Hash
	}

	if f.SHA256Hash != "" {
		out[HashSHA256] = f.SHA256Hash
	}

	return out
}

// --- CloudApplier ---

// CreateDir creates a directory and returns its real id.
func (c *CloudDrive) CreateDir(ctx context.Context, parentID, name string) (string, error) {
	it, err := c.api.CreateFolder(ctx, parentID, name)
	if err != nil {
		return "", err
	}

	return it.ID, nil
}

// CreateFile uploads a new file and returns its node with the cloud's
// assigned id and tags.
func (c *CloudDrive) CreateFile(ctx context.Context, parentID, name string, content io.ReaderAt, size int64) (*TreeFile, error) {
	it, err := c.api.CreateFile(ctx, parentID, name, io.NewSectionReader(content, 0, size), size)
	if err != nil {
		return nil, err
	}

	return itemToFile(it), nil
}

// Upload replaces a file's content and returns its refreshed node.
func (c *CloudDrive) Upload(ctx context.Context, id string, content io.ReaderAt, size int64) (*TreeFile, error) {
	it, err := c.api.Replace(ctx, id, io.NewSectionReader(content, 0, size), size)
	if err != nil {
		return nil, err
	}

	return itemToFile(it), nil
}

// Delete removes a node.
func (c *CloudDrive) Delete(ctx context.Context, id string) error {
	return c.api.Delete(ctx, id)
}

// RenameMove renames and/or reparents a node.
func (c *CloudDrive) RenameMove(ctx context.Context, id string, newName, destParentID *string) error {
	return c.api.RenameMove(ctx, id, newName, destParentID)
}

// Download streams a file's bytes, verifying every supplied digest once
// the stream ends. A mismatch fails the download after the bytes are
// written; the caller stages into a temp file and discards on error.
func (c *CloudDrive) Download(ctx context.Context, id string, w io.Writer, size int64, digests map[HashAlgorithm]string) error {
	writers := []io.Writer{w}
	checks := make(map[HashAlgorithm]func() string, len(digests))

	for algo := range digests {
		h := newHasher(algo)
		if h == nil {
			continue
		}

		writers = append(writers, h)
		checks[algo] = func() string { return encodeDigest(algo, h) }
	}

	n, err := c.api.Download(ctx, id, io.MultiWriter(writers...))
	if err != nil {
		return err
	}

	if !sizesCompatible(n, size) {
		return fmt.Errorf("sync: downloaded %d bytes of %s, expected %d", n, id, size)
	}

	for algo, want := range digests {
		check, ok := checks[algo]
		if !ok {
			continue
		}

		if got := check(); !equalFoldDigest(got, want) {
			return fmt.Errorf("sync: %s digest mismatch for %s: got %s, want %s", algo, id, got, want)
		}
	}

	return nil
}
