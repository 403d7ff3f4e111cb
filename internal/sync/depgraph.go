package sync

// Condition is a sum type describing a fact about tree state that an
// operation either produces (its effect) or requires (its prerequisites),
// grounded on onedrive/algorithms.py's Condition/DirectoryExists/
// NameReleased attrs classes.
type Condition struct {
	kind conditionKind
	id   string // DirectoryExists: directory id
	dir  string // NameReleased: parent directory id
	name string // NameReleased: released name
}

type conditionKind int

const (
	conditionDirectoryExists conditionKind = iota
	conditionNameReleased
)

// DirectoryExists is satisfied once a directory with the given id has been
// created in the tree under construction.
func DirectoryExists(id string) Condition {
	return Condition{kind: conditionDirectoryExists, id: id}
}

// NameReleased is satisfied once name is free to use under dir — either
// because it was never taken, or because whatever used it has been
// removed/renamed/moved away.
func NameReleased(dir, name string) Condition {
	return Condition{kind: conditionNameReleased, dir: dir, name: name}
}

// EffectOf returns the condition op produces once applied, or false if op
// produces no effect relevant to scheduling. Mirrors
// onedrive/algorithms.py's effect_of_operation singledispatch.
func EffectOf(op Operation, t *Tree) (Condition, bool) {
	switch op.Kind {
	case OpDelFile, OpDelDir:
		node := nodeOf(op.ID, t)
		if node == nil {
			return Condition{}, false
		}

		return NameReleased(node.parent, node.name), true

	case OpRenameMoveFile, OpRenameMoveDir:
		node := nodeOf(op.ID, t)
		if node == nil {
			return Condition{}, false
		}

		return NameReleased(node.parent, node.name), true

	case OpAddDir:
		return DirectoryExists(op.ChildID), true

	default: // OpAddFile, OpModifyFile produce no scheduling-relevant effect.
		return Condition{}, false
	}
}

// PrerequisitesOf returns the conditions op requires to be legal, mirroring
// onedrive/algorithms.py's prerequisites_of_operation singledispatch.
func PrerequisitesOf(op Operation, t *Tree) []Condition {
	switch op.Kind {
	case OpAddFile, OpAddDir:
		return []Condition{DirectoryExists(op.ParentID), NameReleased(op.ParentID, op.Name)}

	case OpRenameMoveFile, OpRenameMoveDir:
		dest, _ := op.targetParent(t)
		name, _ := op.targetName(t)

		return []Condition{DirectoryExists(dest), NameReleased(dest, name)}

	case OpDelDir:
		var out []Condition
		for _, name := range t.ChildNames(op.ID) {
			out = append(out, NameReleased(op.ID, name))
		}

		return out

	default: // DelFile, ModifyFile require nothing.
		return nil
	}
}

type nodeRef struct {
	parent string
	name   string
}

func nodeOf(id string, t *Tree) *nodeRef {
	if f, ok := t.Files[id]; ok {
		return &nodeRef{parent: f.Parent, name: f.Name}
	}

	if d, ok := t.Dirs[id]; ok {
		return &nodeRef{parent: d.Parent, name: d.Name}
	}

	return nil
}

// dependencyGraph holds, for a change set evaluated against its pre-state
// tree, the producer of each condition and the consumers that require it.
// Built once by BuildDependencyGraph and consumed by TopologicalSort.
type dependencyGraph struct {
	// predecessors[i] = set of operation indices that must run before i.
	predecessors map[int]map[int]struct{}
	// successors[i] = set of operation indices that must run after i.
	successors map[int]map[int]struct{}
}

// BuildDependencyGraph computes the edge set for a change set, grounded on
// onedrive/algorithms.py's mark_dependencies: an edge (consumer -> producer)
// exists whenever a producer's effect satisfies one of consumer's
// prerequisites.
func BuildDependencyGraph(ops []Operation, t *Tree) *dependencyGraph {
	effects := make(map[Condition]int) // condition -> producing operation index
	for i, op := range ops {
		if eff, ok := EffectOf(op, t); ok {
			effects[eff] = i
		}
	}

	g := &dependencyGraph{
		predecessors: make(map[int]map[int]struct{}),
		successors:   make(map[int]map[int]struct{}),
	}

	for i, op := range ops {
		for _, pre := range PrerequisitesOf(op, t) {
			producer, ok := effects[pre]
			if !ok || producer == i {
				continue
			}

			addEdge(g, i, producer)
		}
	}

	return g
}

func addEdge(g *dependencyGraph, consumer, producer int) {
	if g.predecessors[consumer] == nil {
		g.predecessors[consumer] = make(map[int]struct{})
	}

	g.predecessors[consumer][producer] = struct{}{}

	if g.successors[producer] == nil {
		g.successors[producer] = make(map[int]struct{})
	}

	g.successors[producer][consumer] = struct{}{}
}
