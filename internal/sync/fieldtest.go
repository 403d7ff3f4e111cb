package sync

import "fmt"

// ErrValidatorDisagreement reports that an operation in a scheduled script
// failed CheckOperation against the cloned tree during a field test —
// always a bug in the engine (diff, conflict detection, or scheduling),
// never an expected production condition, grounded on
// onedrive/algorithms.py's field_test raising on check failure.
type ErrValidatorDisagreement struct {
	Index     int
	Operation Operation
}

func (e *ErrValidatorDisagreement) Error() string {
	return fmt.Sprintf("sync: field test failed at op %d (%s): check_operation returned false", e.Index, e.Operation)
}

// FieldTest replays script against a clone of tree, asserting
// CheckOperation before every ApplyOperation, and returns the resulting
// tree. Grounded on onedrive/algorithms.py's field_test. Used both to
// validate a script's legality before executing it for real, and to prove
// the diamond property (§4.F post-condition 3).
func FieldTest(tree *Tree, script []Operation) (*Tree, error) {
	clone := tree.Clone()

	for i, op := range script {
		if !CheckOperation(op, clone) {
			return nil, &ErrValidatorDisagreement{Index: i, Operation: op}
		}

		ApplyOperation(op, clone)
	}

	return clone, nil
}
