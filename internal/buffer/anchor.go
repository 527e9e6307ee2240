package buffer

import "fmt"

// ReplicaID identifies one editing endpoint (host or guest) for a buffer.
// It is unique for the lifetime of the shared buffer and never reused
// while the buffer is shared.
type ReplicaID uint16

// Bias controls which side of an insertion an anchor sticks to when text
// is inserted exactly at the anchor's position.
type Bias uint8

const (
	// BiasLeft keeps the anchor before text inserted at its position.
	BiasLeft Bias = iota

	// BiasRight moves the anchor after text inserted at its position.
	BiasRight
)

// String returns the bias name.
func (b Bias) String() string {
	if b == BiasRight {
		return "right"
	}
	return "left"
}

// Anchor is a stable logical position in a buffer. It stores no live
// reference to the buffer; it is resolved against an explicit Snapshot.
//
// The (Replica, Seq) pair is assigned by the replica that created the
// anchor from its own monotonically increasing counter, so no two replicas
// ever produce the same anchor identity.
type Anchor struct {
	Replica ReplicaID
	Seq     uint64
	Bias    Bias
}

// IsZero returns true for the zero-value anchor, which never resolves.
func (a Anchor) IsZero() bool {
	return a.Replica == 0 && a.Seq == 0
}

// String returns a human-readable representation of the anchor.
func (a Anchor) String() string {
	return fmt.Sprintf("anchor(%d.%d %s)", a.Replica, a.Seq, a.Bias)
}

// anchorKey is the comparable identity of an anchor, without bias.
// Bias affects transformation, not identity, so re-registering the same
// (replica, seq) with a different bias is rejected.
type anchorKey struct {
	replica ReplicaID
	seq     uint64
}

func (a Anchor) key() anchorKey {
	return anchorKey{replica: a.Replica, seq: a.Seq}
}

// anchorState is the tracked position of one anchor.
type anchorState struct {
	offset ByteOffset
	bias   Bias
}

// transform moves a tracked anchor position across one replace operation.
// The rules preserve the anchor's logical character:
//
//   - strictly before the replaced range: unchanged
//   - strictly after the replaced range: shifted by the edit's byte delta
//   - inside the replaced range: collapsed to the edit boundary matching
//     the anchor's bias (left -> start of new text, right -> end of new text)
//   - exactly at an insertion point: bias decides whether the anchor stays
//     before the inserted text or moves after it
func (st anchorState) transform(e Edit) anchorState {
	delta := ByteOffset(len(e.NewText)) - e.Range.Len()
	newEnd := e.Range.Start + ByteOffset(len(e.NewText))

	switch {
	case st.offset < e.Range.Start:
		return st
	case st.offset == e.Range.Start:
		if e.Range.IsEmpty() && st.bias == BiasRight {
			return anchorState{offset: newEnd, bias: st.bias}
		}
		return st
	case st.offset > e.Range.End:
		return anchorState{offset: st.offset + delta, bias: st.bias}
	case st.offset == e.Range.End:
		if e.Range.IsEmpty() {
			// Unreachable: empty range means Start == End, handled above.
			return st
		}
		return anchorState{offset: newEnd, bias: st.bias}
	default:
		// Inside the replaced range.
		if st.bias == BiasRight {
			return anchorState{offset: newEnd, bias: st.bias}
		}
		return anchorState{offset: e.Range.Start, bias: st.bias}
	}
}
