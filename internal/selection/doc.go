// Package selection models per-replica cursors and selections built from
// buffer anchors.
//
// A Selection is a pair of anchors plus a reversed flag, so selecting
// backward preserves which end carries the caret. A SelectionSet holds all
// selections owned by one replica in one buffer and is replaced atomically
// on update and removed atomically when the owning replica's view closes
// or disconnects.
package selection
