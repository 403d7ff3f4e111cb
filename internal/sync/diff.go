package sync

// FileEquivalent reports whether a file is unchanged between two snapshots
// of the same identifier. It is injected into Diff so one algorithm serves
// three comparators (cTag-based, mtime-based, content-hash-based), matching
// onedrive/algorithms.py's compare_file_by_cTag / compare_file_by_mtime /
// compare_file_by_hashes.
type FileEquivalent func(before, after *TreeFile) bool

// CTagEquivalent compares cloud files by change tag — used for the cloud-
// side diff in two-way mode.
func CTagEquivalent(before, after *TreeFile) bool {
	return before.CTag == after.CTag
}

// MtimeEquivalent treats a local file as unchanged if it was not modified
// after lastSyncNano — used for the local-side diff in two-way mode.
// It is returned as a closure because the cutoff is
// fixed once per reconciliation run, mirroring compare_file_by_mtime's
// closure over last_sync_timestamp in the reference implementation.
func MtimeEquivalent(lastSyncNano int64) FileEquivalent {
	return func(_, after *TreeFile) bool {
		return after.ModTimeNano <= lastSyncNano
	}
}

// ContentHashEquivalent compares by digest under the named algorithm via
// the registry in hashalgo.go. hashOf reads (or recomputes) the digest for
// a given file id under that algorithm; it is supplied by the caller so
// Diff stays free of filesystem/network concerns. Used for the
// download-only and upload-only comparators (§3.1 hash registry), matching
// onedrive/algorithms.py's compare_file_by_hashes.
func ContentHashEquivalent(algo HashAlgorithm, hashOf func(id string) (string, error)) FileEquivalent {
	return func(before, after *TreeFile) bool {
		wantDigest := cloudDigest(before, algo)
		if wantDigest == "" {
			wantDigest = cloudDigest(after, algo)
		}

		if wantDigest == "" {
			return false
		}

		got, err := hashOf(after.ID)
		if err != nil {
			return false
		}

		return equalFoldDigest(got, wantDigest)
	}
}

func cloudDigest(f *TreeFile, algo HashAlgorithm) string {
	switch algo {
	case HashQuickXor:
		return f.QuickXorHash
	case HashSHA1:
		return f.SHA1Hash
	case HashSHA256:
		return f.SHA256Hash
	default:
		return ""
	}
}

func equalFoldDigest(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}

		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}

		if ca != cb {
			return false
		}
	}

	return true
}

// Diff computes the set of operations that turn before into after,
// grounded on onedrive/algorithms.py's get_change_set. fileEquivalent
// decides whether a file present on both sides counts as modified.
func Diff(before, after *Tree, fileEquivalent FileEquivalent) []Operation {
	var ops []Operation

	for id, af := range after.Files {
		bf, existed := before.Files[id]
		if !existed {
			ops = append(ops, Operation{
				Kind: OpAddFile, ParentID: af.Parent, ChildID: id, Name: af.Name, Size: af.Size,
				ETag: af.ETag, CTag: af.CTag, QuickXorHash: af.QuickXorHash,
			})

			continue
		}

		ops = append(ops, diffExistingFile(id, bf, af, fileEquivalent)...)
	}

	for id, bf := range before.Files {
		if _, stillExists := after.Files[id]; !stillExists {
			ops = append(ops, Operation{Kind: OpDelFile, ID: id, Name: bf.Name, ParentID: bf.Parent})
		}
	}

	for id, ad := range after.Dirs {
		if id == after.RootID {
			continue
		}

		bd, existed := before.Dirs[id]
		if !existed {
			ops = append(ops, Operation{Kind: OpAddDir, ParentID: ad.Parent, ChildID: id, Name: ad.Name})
			continue
		}

		if mv := diffRenameMove(id, bd.Parent, bd.Name, ad.Parent, ad.Name, OpRenameMoveDir); mv != nil {
			ops = append(ops, *mv)
		}
	}

	for id, bd := range before.Dirs {
		if id == before.RootID {
			continue
		}

		if _, stillExists := after.Dirs[id]; !stillExists {
			ops = append(ops, Operation{Kind: OpDelDir, ID: id, Name: bd.Name, ParentID: bd.Parent})
		}
	}

	return ops
}

func diffExistingFile(id string, bf, af *TreeFile, fileEquivalent FileEquivalent) []Operation {
	var ops []Operation

	if mv := diffRenameMove(id, bf.Parent, bf.Name, af.Parent, af.Name, OpRenameMoveFile); mv != nil {
		ops = append(ops, *mv)
	}

	if !fileEquivalent(bf, af) {
		ops = append(ops, Operation{
			Kind: OpModifyFile, ID: id, Size: af.Size,
			ETag: af.ETag, CTag: af.CTag, QuickXorHash: af.QuickXorHash,
		})
	}

	return ops
}

func diffRenameMove(id, beforeParent, beforeName, afterParent, afterName string, kind OpKind) *Operation {
	parentChanged := beforeParent != afterParent
	nameChanged := beforeName != afterName

	if !parentChanged && !nameChanged {
		return nil
	}

	op := Operation{Kind: kind, ID: id}
	if nameChanged {
		op.NewName = strPtr(afterName)
	}

	if parentChanged {
		op.Destination = strPtr(afterParent)
	}

	return &op
}
