package sync

import "sort"

// ErrCyclicDependency indicates the dependency graph still has unresolved
// operations after the peeling loop converges — a bug in the diff or
// conflict-detection stage, never an expected runtime condition, grounded
// on onedrive/algorithms.py's topological_sort raising on leftover cycles.
type ErrCyclicDependency struct {
	Remaining []Operation
}

func (e *ErrCyclicDependency) Error() string {
	return "sync: cyclic operation dependency, possible loop in change set"
}

func isDeferred(op Operation) bool {
	return op.Kind == OpAddFile || op.Kind == OpModifyFile
}

// TopologicalSort linearizes ops so that every operation observes the tree
// as left by its predecessors, grounded on onedrive/algorithms.py's
// topological_sort. AddFile/ModifyFile are deferred to the end — content
// transfers are expensive, so the directory skeleton is finalized first
// (§4.E). Returns ErrCyclicDependency if the graph cannot be fully peeled.
func TopologicalSort(ops []Operation, g *dependencyGraph) ([]Operation, error) {
	remainingPreds := make(map[int]int, len(ops))
	for i := range ops {
		remainingPreds[i] = len(g.predecessors[i])
	}

	removed := make([]bool, len(ops))
	var ordered []Operation
	var deferred []int

	progressed := true
	for progressed {
		progressed = false

		ready := make([]int, 0)
		for i := range ops {
			if removed[i] || remainingPreds[i] != 0 {
				continue
			}

			if isDeferred(ops[i]) {
				continue
			}

			ready = append(ready, i)
		}

		if len(ready) == 0 {
			break
		}

		sort.Ints(ready)

		for _, i := range ready {
			removed[i] = true
			progressed = true
			ordered = append(ordered, ops[i])

			for succ := range g.successors[i] {
				remainingPreds[succ]--
			}
		}
	}

	for i := range ops {
		if removed[i] {
			continue
		}

		if isDeferred(ops[i]) && remainingPreds[i] == 0 {
			deferred = append(deferred, i)
			removed[i] = true
		}
	}

	sort.Slice(deferred, func(a, b int) bool {
		oa, ob := ops[deferred[a]], ops[deferred[b]]
		if oa.ParentID != ob.ParentID {
			return oa.ParentID < ob.ParentID
		}

		return oa.ChildID < ob.ChildID
	})

	for _, i := range deferred {
		ordered = append(ordered, ops[i])
	}

	var remaining []Operation
	for i := range ops {
		if !removed[i] {
			remaining = append(remaining, ops[i])
		}
	}

	if len(remaining) > 0 {
		return nil, &ErrCyclicDependency{Remaining: remaining}
	}

	return ordered, nil
}

// Schedule runs the dependency graph construction and topological sort in
// one call: the common entry point used by the reconciler for each side's
// change set.
func Schedule(ops []Operation, preStateTree *Tree) ([]Operation, error) {
	g := BuildDependencyGraph(ops, preStateTree)
	return TopologicalSort(ops, g)
}

// OptimizeCloudDeletion filters out any DelFile/DelDir in script whose
// parent is also being deleted by a DelDir elsewhere in script — the cloud
// implicitly removes the subtree, so the redundant call is elided. This is
// a pure performance pass: correctness holds with or without it (§4.G, P11).
// Per the §9 design note, the result must always be used by the caller,
// never computed and discarded.
func OptimizeCloudDeletion(script []Operation, t *Tree) []Operation {
	deletedDirs := make(map[string]struct{})

	for _, op := range script {
		if op.Kind == OpDelDir {
			deletedDirs[op.ID] = struct{}{}
		}
	}

	out := make([]Operation, 0, len(script))

	for _, op := range script {
		if op.Kind != OpDelFile && op.Kind != OpDelDir {
			out = append(out, op)
			continue
		}

		node := nodeOf(op.ID, t)
		if node != nil {
			if _, parentDeleted := deletedDirs[node.parent]; parentDeleted {
				continue
			}
		}

		out = append(out, op)
	}

	return out
}
