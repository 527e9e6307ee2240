package selection

import (
	"fmt"

	"github.com/dshills/coedit/internal/buffer"
)

// Selection is one cursor/range owned by a replica. Start and End are
// anchors in document order; Reversed marks the caret as sitting at Start
// instead of End.
type Selection struct {
	Start    buffer.Anchor
	End      buffer.Anchor
	Reversed bool
}

// Cursor creates an empty selection (a caret) from a single anchor.
func Cursor(a buffer.Anchor) Selection {
	return Selection{Start: a, End: a}
}

// Resolved is a selection resolved against a concrete snapshot.
type Resolved struct {
	Range    buffer.Range
	Reversed bool
}

// Head returns the caret offset of a resolved selection.
func (r Resolved) Head() buffer.ByteOffset {
	if r.Reversed {
		return r.Range.Start
	}
	return r.Range.End
}

// Tail returns the non-caret end of a resolved selection.
func (r Resolved) Tail() buffer.ByteOffset {
	if r.Reversed {
		return r.Range.End
	}
	return r.Range.Start
}

// IsEmpty returns true if the resolved selection is a bare caret.
func (r Resolved) IsEmpty() bool {
	return r.Range.IsEmpty()
}

// String returns a human-readable representation.
func (r Resolved) String() string {
	if r.IsEmpty() {
		return fmt.Sprintf("Cursor(%d)", r.Range.Start)
	}
	dir := "fwd"
	if r.Reversed {
		dir = "rev"
	}
	return fmt.Sprintf("Selection(%v %s)", r.Range, dir)
}

// Resolve resolves the selection's anchors against a snapshot.
// Both anchors must be registered; the start/end invariant is restored if
// anchor transformation collapsed the pair out of order.
func (s Selection) Resolve(snap *buffer.Snapshot) (Resolved, error) {
	start, err := snap.Resolve(s.Start)
	if err != nil {
		return Resolved{}, err
	}
	end, err := snap.Resolve(s.End)
	if err != nil {
		return Resolved{}, err
	}

	reversed := s.Reversed
	if start > end {
		start, end = end, start
		reversed = !reversed
	}
	return Resolved{
		Range:    buffer.Range{Start: start, End: end},
		Reversed: reversed,
	}, nil
}
