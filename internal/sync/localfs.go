package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"

	"github.com/google/uuid"
	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"
	"golang.org/x/sys/unix"
)

// idAttr is the extended attribute holding a node's stable identifier.
const idAttr = "user.driftsync.id"

// ignoreFile is the optional per-root ignore pattern file, gitignore
// syntax. Entries matching it are invisible to the walk.
const ignoreFile = ".driftignore"

// hashWorkers bounds concurrent digest computation during pre-hashing.
const hashWorkers = 4

// Xattrs abstracts extended-attribute access so tests can run on
// filesystems (and CI sandboxes) without xattr support.
type Xattrs interface {
	// Get returns the attribute value, or "" when the attribute is absent.
	Get(path, name string) (string, error)
	Set(path, name, value string) error
}

// unixXattrs is the production implementation over getxattr/setxattr.
type unixXattrs struct{}

func (unixXattrs) Get(path, name string) (string, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		if errors.Is(err, unix.ENODATA) || errors.Is(err, unix.ENOTSUP) {
			return "", nil
		}

		return "", fmt.Errorf("getxattr %s: %w", path, err)
	}

	buf := make([]byte, size)

	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return "", fmt.Errorf("getxattr %s: %w", path, err)
	}

	return string(buf[:n]), nil
}

func (unixXattrs) Set(path, name, value string) error {
	if err := unix.Setxattr(path, name, []byte(value), 0); err != nil {
		return fmt.Errorf("setxattr %s: %w", path, err)
	}

	return nil
}

// LocalFS is the local filesystem collaborator: it walks the sync root
// into a Tree with placeholder identifiers, reads and writes the id
// extended attribute, and performs the filesystem mutations the apply
// orchestrator requests.
type LocalFS struct {
	root   string
	attrs  Xattrs
	logger *slog.Logger
}

// NewLocalFS creates a collaborator rooted at root.
func NewLocalFS(root string, logger *slog.Logger) *LocalFS {
	if logger == nil {
		logger = slog.Default()
	}

	return &LocalFS{root: root, attrs: unixXattrs{}, logger: logger}
}

// Root returns the sync root path.
func (l *LocalFS) Root() string { return l.root }

// WalkResult is a parsed local snapshot: the tree (placeholder ids for
// every node except the root), the id → relative-path index, and the
// extended-attribute id candidates found on disk (realID → placeholders
// that claimed it; more than one placeholder means a duplicated attribute,
// resolved later by NormalizeDuplicateIDs).
type WalkResult struct {
	Tree         *Tree
	PathOf       map[string]string
	IDCandidates map[string][]string

	hashMu gosync.Mutex
	hashes map[string]string
}

// Walk enumerates the sync root depth-first into a WalkResult. rootID
// anchors the tree so it diffs directly against the cloud and saved trees.
func (l *LocalFS) Walk(ctx context.Context, rootID string) (*WalkResult, error) {
	res := &WalkResult{
		Tree:         NewTree(rootID),
		PathOf:       map[string]string{rootID: ""},
		IDCandidates: make(map[string][]string),
		hashes:       make(map[string]string),
	}

	matcher := l.loadIgnore()
	dirIDs := map[string]string{"": rootID} // relative dir path -> tree id
	nextPlaceholder := 0

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(l.root, path)
		if relErr != nil {
			return relErr
		}

		if rel == "." {
			return nil
		}

		if matcher != nil && matcher.MatchesPath(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.Name() == ignoreFile || strings.HasSuffix(d.Name(), ".partial") {
			return nil
		}

		parentKey := filepath.Dir(rel)
		if parentKey == "." {
			parentKey = ""
		}

		parentID, ok := dirIDs[parentKey]
		if !ok {
			return fmt.Errorf("sync: walk reached %s before its parent", rel)
		}

		nextPlaceholder++
		id := NewPlaceholderID(nextPlaceholder)
		name := norm.NFC.String(d.Name())

		if d.IsDir() {
			l.addWalkedDir(res, dirIDs, id, name, parentID, rel)
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}

		if !info.Mode().IsRegular() {
			l.logger.Debug("skipping irregular entry", slog.String("path", rel))
			return nil
		}

		l.addWalkedFile(res, id, name, parentID, rel, info)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sync: walking %s: %w", l.root, err)
	}

	res.Tree.ReconstructByParents()

	return res, nil
}

func (l *LocalFS) addWalkedDir(res *WalkResult, dirIDs map[string]string, id, name, parentID, rel string) {
	res.Tree.Dirs[id] = newTreeDir(id, name, parentID)
	res.PathOf[id] = rel
	dirIDs[rel] = id

	l.recordIDCandidate(res, id, rel)
}

func (l *LocalFS) addWalkedFile(res *WalkResult, id, name, parentID, rel string, info fs.FileInfo) {
	res.Tree.Files[id] = &TreeFile{
		ID:          id,
		Name:        name,
		Parent:      parentID,
		Size:        info.Size(),
		ModTimeNano: info.ModTime().UnixNano(),
	}
	res.PathOf[id] = rel

	l.recordIDCandidate(res, id, rel)
}

// recordIDCandidate reads the entry's id attribute; a present value makes
// this placeholder a candidate for that real id.
func (l *LocalFS) recordIDCandidate(res *WalkResult, placeholder, rel string) {
	value, err := l.attrs.Get(filepath.Join(l.root, rel), idAttr)
	if err != nil {
		l.logger.Warn("cannot read id attribute",
			slog.String("path", rel),
			slog.String("error", err.Error()),
		)

		return
	}

	if value == "" {
		return
	}

	res.IDCandidates[value] = append(res.IDCandidates[value], placeholder)
}

// loadIgnore parses the root's .driftignore, when present.
func (l *LocalFS) loadIgnore() *ignore.GitIgnore {
	path := filepath.Join(l.root, ignoreFile)

	if _, err := os.Stat(path); err != nil {
		return nil
	}

	matcher, err := ignore.CompileIgnoreFile(path)
	if err != nil {
		l.logger.Warn("cannot parse ignore file", slog.String("error", err.Error()))
		return nil
	}

	return matcher
}

// RewriteID substitutes a placeholder id with its real cloud id across the
// walk result: tree node maps, parent references, and the path index.
func (res *WalkResult) RewriteID(placeholder, real string) {
	if f, ok := res.Tree.Files[placeholder]; ok {
		delete(res.Tree.Files, placeholder)
		f.ID = real
		res.Tree.Files[real] = f
	}

	if d, ok := res.Tree.Dirs[placeholder]; ok {
		delete(res.Tree.Dirs, placeholder)
		d.ID = real
		res.Tree.Dirs[real] = d

		for _, child := range res.Tree.Dirs {
			if child.Parent == placeholder {
				child.Parent = real
			}
		}

		for _, child := range res.Tree.Files {
			if child.Parent == placeholder {
				child.Parent = real
			}
		}
	}

	if path, ok := res.PathOf[placeholder]; ok {
		delete(res.PathOf, placeholder)
		res.PathOf[real] = path
	}
}

// Hasher returns a hashOf callback for ContentHashEquivalent: it digests
// the local file behind id under algo, caching results per id.
func (l *LocalFS) Hasher(res *WalkResult, algo HashAlgorithm) func(id string) (string, error) {
	return func(id string) (string, error) {
		res.hashMu.Lock()
		cached, ok := res.hashes[id]
		res.hashMu.Unlock()

		if ok {
			return cached, nil
		}

		rel, ok := res.PathOf[id]
		if !ok {
			return "", fmt.Errorf("sync: no local path for id %s", id)
		}

		digest, err := l.hashPath(rel, algo)
		if err != nil {
			return "", err
		}

		res.hashMu.Lock()
		res.hashes[id] = digest
		res.hashMu.Unlock()

		return digest, nil
	}
}

// PrehashAll warms the digest cache for every walked file with a bounded
// worker pool, so a one-way reconciliation doesn't hash serially inside
// the diff. The digests land in the same cache Hasher reads.
func (l *LocalFS) PrehashAll(ctx context.Context, res *WalkResult, algo HashAlgorithm) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashWorkers)

	hashOf := l.Hasher(res, algo)

	for id := range res.Tree.Files {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			_, err := hashOf(id)

			return err
		})
	}

	return g.Wait()
}

func (l *LocalFS) hashPath(rel string, algo HashAlgorithm) (string, error) {
	f, err := os.Open(filepath.Join(l.root, rel))
	if err != nil {
		return "", fmt.Errorf("sync: opening %s for hashing: %w", rel, err)
	}
	defer f.Close()

	return HashFile(algo, f)
}

// --- filesystem mutations (the LocalApplier surface) ---

// Mkdir creates a directory at the relative path.
func (l *LocalFS) Mkdir(_ context.Context, rel string) error {
	return os.Mkdir(filepath.Join(l.root, rel), 0o755)
}

// Rmdir removes an (empty) directory.
func (l *LocalFS) Rmdir(_ context.Context, rel string) error {
	return os.Remove(filepath.Join(l.root, rel))
}

// Unlink removes a file.
func (l *LocalFS) Unlink(_ context.Context, rel string) error {
	return os.Remove(filepath.Join(l.root, rel))
}

// Rename moves oldRel to newRel.
func (l *LocalFS) Rename(_ context.Context, oldRel, newRel string) error {
	return os.Rename(filepath.Join(l.root, oldRel), filepath.Join(l.root, newRel))
}

// SaveID records id in the entry's extended attribute.
func (l *LocalFS) SaveID(_ context.Context, rel, id string) error {
	return l.attrs.Set(filepath.Join(l.root, rel), idAttr, id)
}

// Open opens a local file for reading; the cloud applier streams uploads
// from it.
func (l *LocalFS) Open(rel string) (*os.File, error) {
	return os.Open(filepath.Join(l.root, rel))
}

// TempPath returns a dot-hidden, uniquely-suffixed sibling path used to
// stage a download before the atomic rename into place.
func (l *LocalFS) TempPath(rel string) string {
	dir := filepath.Dir(rel)
	name := filepath.Base(rel)

	return filepath.Join(dir, "."+name+"."+uuid.NewString()[:8]+".partial")
}

// Promote atomically renames a staged temp file over its destination.
func (l *LocalFS) Promote(tempRel, rel string) error {
	return os.Rename(filepath.Join(l.root, tempRel), filepath.Join(l.root, rel))
}

// Discard removes a staged temp file after a failed download.
func (l *LocalFS) Discard(tempRel string) {
	os.Remove(filepath.Join(l.root, tempRel))
}

// CreateStaged creates the temp file for writing.
func (l *LocalFS) CreateStaged(tempRel string) (*os.File, error) {
	return os.Create(filepath.Join(l.root, tempRel))
}
