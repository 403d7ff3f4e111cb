package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Mode selects which sides of the reconciliation are active.
type Mode int

// Reconciliation modes, matching the CLI's mutually-exclusive flags.
const (
	ModeTwoWay Mode = iota
	ModeDownloadOnly
	ModeUploadOnly
)

// String returns the flag-style name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDownloadOnly:
		return "download-only"
	case ModeUploadOnly:
		return "upload-only"
	default:
		return "two-way"
	}
}

// ErrConvergenceMismatch reports that a field-tested script did not
// reproduce the snapshot it was derived from — a bug in the diff or the
// scheduler, never an expected production condition.
type ErrConvergenceMismatch struct {
	Check string
}

func (e *ErrConvergenceMismatch) Error() string {
	return "sync: validator disagreement: " + e.Check
}

// Plan is a fully validated reconciliation proposal: the three snapshots
// and the two totally-ordered scripts that converge them.
//
// Naming follows the direction of application: LocalScript holds the
// cloud side's changes, to be replayed against the local filesystem;
// CloudScript holds the local side's changes, to be issued to the cloud.
type Plan struct {
	RootID string

	SavedTree *Tree
	CloudTree *Tree
	LocalTree *Tree

	LocalScript []Operation
	CloudScript []Operation

	// DeltaToken resumes the next cloud enumeration after this plan's
	// snapshot is persisted.
	DeltaToken string

	walk *WalkResult
}

// Empty reports whether the plan changes nothing on either side.
func (p *Plan) Empty() bool {
	return len(p.LocalScript) == 0 && len(p.CloudScript) == 0
}

// Report summarizes an applied plan.
type Report struct {
	LocalOps int
	CloudOps int
	Duration time.Duration
}

// Engine is the reconciliation core's orchestrator: it builds the three
// snapshots, runs diff → conflict detection → scheduling → field tests,
// and drives the resulting scripts through the collaborators.
type Engine struct {
	store  *Store
	cloud  *CloudDrive
	local  *LocalFS
	logger *slog.Logger
}

// NewEngine wires the collaborators together.
func NewEngine(store *Store, cloud *CloudDrive, local *LocalFS, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{store: store, cloud: cloud, local: local, logger: logger}
}

// Plan builds and validates a reconciliation proposal without touching
// either side. All ambiguity and validator errors surface here, before
// any side effect.
func (e *Engine) Plan(ctx context.Context, mode Mode) (*Plan, error) {
	rootID, err := e.store.Get(ctx, KeyRootID)
	if err != nil {
		return nil, err
	}

	if rootID == "" {
		return nil, fmt.Errorf("sync: no root id configured (run with --set-root-id, or login to anchor at the drive root)")
	}

	saved, _, err := e.store.LoadTree(ctx, TreeSaved, rootID)
	if err != nil {
		return nil, err
	}

	cloudTree, token, err := e.cloudSnapshot(ctx, rootID)
	if err != nil {
		return nil, err
	}

	walk, err := e.localSnapshot(ctx, rootID, cloudTree)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		RootID:     rootID,
		SavedTree:  saved,
		CloudTree:  cloudTree,
		LocalTree:  walk.Tree,
		DeltaToken: token,
		walk:       walk,
	}

	switch mode {
	case ModeDownloadOnly:
		err = e.planDownloadOnly(ctx, plan)
	case ModeUploadOnly:
		err = e.planUploadOnly(ctx, plan)
	default:
		err = e.planTwoWay(ctx, plan)
	}

	if err != nil {
		return nil, err
	}

	e.logger.Info("reconciliation planned",
		slog.String("mode", mode.String()),
		slog.Int("local_ops", len(plan.LocalScript)),
		slog.Int("cloud_ops", len(plan.CloudScript)),
	)

	return plan, nil
}

// cloudSnapshot builds the current cloud tree from the cached delta tree
// plus new events.
func (e *Engine) cloudSnapshot(ctx context.Context, rootID string) (*Tree, string, error) {
	cached, haveCache, err := e.store.LoadTree(ctx, TreeDelta, rootID)
	if err != nil {
		return nil, "", err
	}

	token, err := e.store.Get(ctx, KeyDeltaLink)
	if err != nil {
		return nil, "", err
	}

	if !haveCache {
		// A token without its tree cannot be incremented; start over.
		token = ""
	}

	return e.cloud.Snapshot(ctx, cached, token)
}

// localSnapshot walks the filesystem and resolves extended-attribute ids:
// singletons are adopted directly, duplicated ids go through the
// winner-picking normalization, and winners are rewritten from their
// placeholder to the real id.
func (e *Engine) localSnapshot(ctx context.Context, rootID string, cloudTree *Tree) (*WalkResult, error) {
	walk, err := e.local.Walk(ctx, rootID)
	if err != nil {
		return nil, err
	}

	substitutions, err := NormalizeDuplicateIDs(walk.Tree, walk.IDCandidates, cloudTree)
	if err != nil {
		return nil, err
	}

	for placeholder, real := range substitutions {
		walk.RewriteID(placeholder, real)
	}

	walk.Tree.ReconstructByParents()

	return walk, nil
}

// planTwoWay diffs both sides against the saved tree, refuses ambiguous
// concurrent edits, schedules both scripts, and proves the §4.F
// post-conditions including the diamond property.
func (e *Engine) planTwoWay(ctx context.Context, plan *Plan) error {
	lastSync, err := e.lastSyncTime(ctx)
	if err != nil {
		return err
	}

	cloudChanges := Diff(plan.SavedTree, plan.CloudTree, CTagEquivalent)
	localChanges := Diff(plan.SavedTree, plan.LocalTree, MtimeEquivalent(lastSync))

	if err := DetectConflicts(cloudChanges, localChanges); err != nil {
		return err
	}

	if plan.LocalScript, err = Schedule(cloudChanges, plan.SavedTree); err != nil {
		return err
	}

	if plan.CloudScript, err = Schedule(localChanges, plan.SavedTree); err != nil {
		return err
	}

	return e.validateTwoWay(plan)
}

// validateTwoWay replays both scripts against clones and asserts the three
// §4.F post-conditions.
func (e *Engine) validateTwoWay(plan *Plan) error {
	fromSavedCloud, err := FieldTest(plan.SavedTree, plan.LocalScript)
	if err != nil {
		return err
	}

	if !fromSavedCloud.Equal(plan.CloudTree) {
		return &ErrConvergenceMismatch{Check: "cloud-side script does not reproduce the cloud tree"}
	}

	fromSavedLocal, err := FieldTest(plan.SavedTree, plan.CloudScript)
	if err != nil {
		return err
	}

	if !fromSavedLocal.Equal(plan.LocalTree) {
		return &ErrConvergenceMismatch{Check: "local-side script does not reproduce the local tree"}
	}

	viaCloud, err := FieldTest(plan.CloudTree, plan.CloudScript)
	if err != nil {
		return err
	}

	viaLocal, err := FieldTest(plan.LocalTree, plan.LocalScript)
	if err != nil {
		return err
	}

	if !viaCloud.Equal(viaLocal) {
		return &ErrConvergenceMismatch{Check: "diamond property: the two application orders diverge"}
	}

	return nil
}

// planDownloadOnly derives a single script converging the local tree onto
// the cloud tree, comparing file content by digest.
func (e *Engine) planDownloadOnly(ctx context.Context, plan *Plan) error {
	algo := pickHashAlgorithm(plan.CloudTree)

	if err := e.local.PrehashAll(ctx, plan.walk, algo); err != nil {
		return err
	}

	changes := Diff(plan.LocalTree, plan.CloudTree, ContentHashEquivalent(algo, e.local.Hasher(plan.walk, algo)))

	script, err := Schedule(changes, plan.LocalTree)
	if err != nil {
		return err
	}

	converged, err := FieldTest(plan.LocalTree, script)
	if err != nil {
		return err
	}

	if !converged.Equal(plan.CloudTree) {
		return &ErrConvergenceMismatch{Check: "download script does not reproduce the cloud tree"}
	}

	plan.LocalScript = script

	return nil
}

// planUploadOnly derives a single script converging the cloud tree onto
// the local tree.
func (e *Engine) planUploadOnly(ctx context.Context, plan *Plan) error {
	algo := pickHashAlgorithm(plan.CloudTree)

	if err := e.local.PrehashAll(ctx, plan.walk, algo); err != nil {
		return err
	}

	changes := Diff(plan.CloudTree, plan.LocalTree, ContentHashEquivalent(algo, e.local.Hasher(plan.walk, algo)))

	script, err := Schedule(changes, plan.CloudTree)
	if err != nil {
		return err
	}

	converged, err := FieldTest(plan.CloudTree, script)
	if err != nil {
		return err
	}

	if !converged.Equal(plan.LocalTree) {
		return &ErrConvergenceMismatch{Check: "upload script does not reproduce the local tree"}
	}

	plan.CloudScript = script

	return nil
}

// pickHashAlgorithm chooses the digest algorithm for content comparison:
// the one most of the cloud's files actually advertise.
func pickHashAlgorithm(cloudTree *Tree) HashAlgorithm {
	counts := map[HashAlgorithm]int{}

	for _, f := range cloudTree.Files {
		if f.QuickXorHash != "" {
			counts[HashQuickXor]++
		}

		if f.SHA256Hash != "" {
			counts[HashSHA256]++
		}

		if f.SHA1Hash != "" {
			counts[HashSHA1]++
		}
	}

	best := HashQuickXor
	for _, algo := range []HashAlgorithm{HashSHA256, HashSHA1} {
		if counts[algo] > counts[best] {
			best = algo
		}
	}

	return best
}

func (e *Engine) lastSyncTime(ctx context.Context) (int64, error) {
	raw, err := e.store.Get(ctx, KeyLastSyncTime)
	if err != nil {
		return 0, err
	}

	if raw == "" {
		return 0, nil
	}

	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sync: corrupt last_sync_time %q: %w", raw, err)
	}

	return ns, nil
}

// Apply executes a validated plan: the local script first, then the cloud
// script (a fixed order the diamond property makes safe), then persists
// the converged tree as the new saved tree. There is no rollback: a
// partial failure leaves both sides partially reconciled and the next run
// reconciles from there.
func (e *Engine) Apply(ctx context.Context, plan *Plan, mode Mode) (*Report, error) {
	start := time.Now()

	// The cloud snapshot and its resume token are durable regardless of
	// what happens below; they describe the cloud, not our progress.
	if err := e.store.SaveTree(ctx, TreeDelta, plan.CloudTree); err != nil {
		return nil, err
	}

	if err := e.store.Set(ctx, KeyDeltaLink, plan.DeltaToken); err != nil {
		return nil, err
	}

	if err := e.applyLocalSide(ctx, plan); err != nil {
		return nil, err
	}

	resolved, err := e.applyCloudSide(ctx, plan, mode)
	if err != nil {
		return nil, err
	}

	if err := e.persistConverged(ctx, plan, resolved); err != nil {
		return nil, err
	}

	report := &Report{
		LocalOps: len(plan.LocalScript),
		CloudOps: len(plan.CloudScript),
		Duration: time.Since(start),
	}

	e.logger.Info("reconciliation applied",
		slog.Int("local_ops", report.LocalOps),
		slog.Int("cloud_ops", report.CloudOps),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// applyLocalSide replays the cloud side's changes onto the filesystem.
func (e *Engine) applyLocalSide(ctx context.Context, plan *Plan) error {
	if len(plan.LocalScript) == 0 {
		return nil
	}

	applier := &localApplier{fs: e.local, cloud: e.cloud, cloudTree: plan.CloudTree}

	pathOf := func(id string) (string, bool) {
		p, ok := plan.walk.PathOf[id]
		return p, ok
	}

	setPathOf := func(id, path string) {
		plan.walk.PathOf[id] = path
	}

	return ApplyLocalScript(ctx, plan.LocalScript, applier, pathOf, setPathOf)
}

// applyCloudSide issues the local side's changes to the cloud and returns
// the full script with placeholder ids resolved to real ones. Redundant
// child deletions are elided at issue time only; the returned script stays
// complete so the converged tree can be computed from it.
func (e *Engine) applyCloudSide(ctx context.Context, plan *Plan, mode Mode) ([]Operation, error) {
	if len(plan.CloudScript) == 0 {
		return nil, nil
	}

	optBase := plan.SavedTree
	if mode == ModeUploadOnly {
		optBase = plan.CloudTree
	}

	issue := OptimizeCloudDeletion(plan.CloudScript, optBase)

	content, closeAll := e.contentOpener(plan)
	defer closeAll()

	issuedResolved, err := ApplyCloudScript(ctx, issue, e.cloud, content)
	if err != nil {
		return nil, err
	}

	resolved := mergeResolved(plan.CloudScript, issue, issuedResolved)

	if err := e.recordRealIDs(ctx, plan, issue, issuedResolved); err != nil {
		return nil, err
	}

	return resolved, nil
}

// contentOpener returns the content callback for ApplyCloudScript: id →
// (reader, size) over the walked local file, plus a closer for every file
// it opened during the apply pass.
func (e *Engine) contentOpener(plan *Plan) (func(id string) (io.ReaderAt, int64, error), func()) {
	var opened []*os.File

	content := func(id string) (io.ReaderAt, int64, error) {
		rel, ok := plan.walk.PathOf[id]
		if !ok {
			return nil, 0, fmt.Errorf("sync: no local path for upload of %s", id)
		}

		f, err := e.local.Open(rel)
		if err != nil {
			return nil, 0, err
		}

		opened = append(opened, f)

		info, err := f.Stat()
		if err != nil {
			return nil, 0, err
		}

		return f, info.Size(), nil
	}

	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	return content, closeAll
}

// mergeResolved grafts the resolved (real-id) forms of the issued
// operations back onto the full script. Elided deletions already carry
// real ids, so they pass through unchanged.
func mergeResolved(full, issued, issuedResolved []Operation) []Operation {
	out := make([]Operation, len(full))
	j := 0

	for i, op := range full {
		if j < len(issued) && sameOperation(op, issued[j]) {
			out[i] = issuedResolved[j]
			j++

			continue
		}

		out[i] = op
	}

	return out
}

// sameOperation matches an operation with its issued twin by kind and
// identity (pointer fields rule out plain equality).
func sameOperation(a, b Operation) bool {
	return a.Kind == b.Kind && a.ID == b.ID && a.ChildID == b.ChildID
}

// recordRealIDs writes the cloud-assigned id into the extended attribute
// of every local entry whose addition was just acknowledged, and reindexes
// the walk's path map onto the real ids.
func (e *Engine) recordRealIDs(ctx context.Context, plan *Plan, issued, resolved []Operation) error {
	for i := range issued {
		orig := issued[i]
		if orig.Kind != OpAddFile && orig.Kind != OpAddDir {
			continue
		}

		if !IsPlaceholder(orig.ChildID) {
			continue
		}

		realID := resolved[i].ChildID

		rel, ok := plan.walk.PathOf[orig.ChildID]
		if !ok {
			continue
		}

		if err := e.local.SaveID(ctx, rel, realID); err != nil {
			return fmt.Errorf("sync: recording id for %s: %w", rel, err)
		}

		plan.walk.RewriteID(orig.ChildID, realID)
	}

	return nil
}

// persistConverged computes the agreed post-state — the diamond's meeting
// point — and stores it as the new saved tree, stamping the sync time the
// local-side mtime comparator uses next run.
func (e *Engine) persistConverged(ctx context.Context, plan *Plan, resolvedCloudScript []Operation) error {
	var converged *Tree

	if len(resolvedCloudScript) == 0 {
		converged = plan.CloudTree.Clone()
	} else {
		c, err := FieldTest(plan.CloudTree, resolvedCloudScript)
		if err != nil {
			return err
		}

		converged = c
	}

	if err := e.store.SaveTree(ctx, TreeSaved, converged); err != nil {
		return err
	}

	return e.store.Set(ctx, KeyLastSyncTime, strconv.FormatInt(time.Now().UnixNano(), 10))
}

// localApplier adapts the LocalFS collaborator (plus verified cloud
// downloads) to the LocalApplier interface the apply orchestrator drives.
type localApplier struct {
	fs        *LocalFS
	cloud     *CloudDrive
	cloudTree *Tree
}

func (a *localApplier) Mkdir(ctx context.Context, path string) error {
	return a.fs.Mkdir(ctx, path)
}

func (a *localApplier) Rmdir(ctx context.Context, path string) error {
	return a.fs.Rmdir(ctx, path)
}

func (a *localApplier) Unlink(ctx context.Context, path string) error {
	return a.fs.Unlink(ctx, path)
}

func (a *localApplier) Rename(ctx context.Context, oldPath, newPath string) error {
	return a.fs.Rename(ctx, oldPath, newPath)
}

func (a *localApplier) SaveID(ctx context.Context, path, id string) error {
	return a.fs.SaveID(ctx, path, id)
}

// Download stages the cloud file into a hidden temp sibling, verifies
// every digest the cloud advertises, and renames it into place.
func (a *localApplier) Download(ctx context.Context, id, dst string) error {
	f, ok := a.cloudTree.Files[id]
	if !ok {
		return fmt.Errorf("sync: download of %s: not in cloud tree", id)
	}

	temp := a.fs.TempPath(dst)

	w, err := a.fs.CreateStaged(temp)
	if err != nil {
		return err
	}

	if err := a.cloud.Download(ctx, id, w, f.Size, Digests(f)); err != nil {
		w.Close()
		a.fs.Discard(temp)

		return err
	}

	if err := w.Close(); err != nil {
		a.fs.Discard(temp)
		return err
	}

	return a.fs.Promote(temp, dst)
}
