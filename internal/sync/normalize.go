package sync

import "fmt"

// ErrUnknownNormalizationID reports that a local walk discovered an
// extended-attribute id that exists on neither side of the cloud tree — an
// operator-level anomaly (e.g. extended attributes copied from an
// unrelated drive), grounded on onedrive/local.py's
// "Unknown id ... pretend to be provided by cloud" exception.
type ErrUnknownNormalizationID struct{ ID string }

func (e *ErrUnknownNormalizationID) Error() string {
	return fmt.Sprintf("sync: id %s claimed by a local entry but absent from the cloud tree", e.ID)
}

// NormalizeDuplicateIDs resolves extended-attribute ids that were read from
// more than one local filesystem entry (e.g. after a file-manager copy
// preserved the attribute) by picking exactly one winning placeholder per
// colliding real id, grounded on onedrive/local.py's _normalize_local_tree.
//
// idToPlaceholders maps each real id found on disk to the set of
// placeholder ids minted for the entries that reported it. For every real
// id with more than one placeholder, a winner is chosen by the
// lexicographic comparison key described in §6: for files, (content-size
// match against the cloud, parent match, name match); for directories,
// (child-count matches, parent match, name match). The losing placeholders
// are removed from the substitution map, so they keep their placeholder
// identity and are treated as new additions.
func NormalizeDuplicateIDs(
	localTree *Tree,
	idToPlaceholders map[string][]string,
	cloudTree *Tree,
) (map[string]string, error) {
	placeholderToReal := make(map[string]string)

	for realID, placeholders := range idToPlaceholders {
		if len(placeholders) == 1 {
			placeholderToReal[placeholders[0]] = realID
			continue
		}

		winner, err := pickNormalizationWinner(realID, placeholders, localTree, cloudTree)
		if err != nil {
			return nil, err
		}

		placeholderToReal[winner] = realID
	}

	return placeholderToReal, nil
}

func pickNormalizationWinner(realID string, placeholders []string, localTree, cloudTree *Tree) (string, error) {
	if cf, ok := cloudTree.Files[realID]; ok {
		best := placeholders[0]
		bestKey := fileCompareKey(localTree.Files[best], cf)

		for _, p := range placeholders[1:] {
			k := fileCompareKey(localTree.Files[p], cf)
			if lessKey3(bestKey, k) {
				best, bestKey = p, k
			}
		}

		return best, nil
	}

	if cd, ok := cloudTree.Dirs[realID]; ok {
		best := placeholders[0]
		bestKey := dirCompareKey(localTree.Dirs[best], cd)

		for _, p := range placeholders[1:] {
			k := dirCompareKey(localTree.Dirs[p], cd)
			if lessKey4(bestKey, k) {
				best, bestKey = p, k
			}
		}

		return best, nil
	}

	return "", &ErrUnknownNormalizationID{ID: realID}
}

func fileCompareKey(lf, cf *TreeFile) [3]int {
	return [3]int{
		boolInt(sizesCompatible(lf.Size, cf.Size)),
		boolInt(lf.Parent == cf.Parent),
		boolInt(lf.Name == cf.Name),
	}
}

func dirCompareKey(ld, cd *TreeDir) [4]int {
	return [4]int{
		boolInt(len(ld.Dirs) == len(cd.Dirs)),
		boolInt(len(ld.Files) == len(cd.Files)),
		boolInt(ld.Parent == cd.Parent),
		boolInt(ld.Name == cd.Name),
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}

// lessKey3/lessKey4 implement lexicographic "less than" for the comparison
// keys, mirroring Python's tuple comparison used by max(..., key=...) in
// the reference implementation. Ties favor the first maximal candidate.
func lessKey3(a, b [3]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}

func lessKey4(a, b [4]int) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}

	return false
}
