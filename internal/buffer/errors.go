package buffer

import "errors"

// Errors returned by buffer operations.
var (
	// ErrOffsetOutOfRange indicates an offset outside the buffer text.
	ErrOffsetOutOfRange = errors.New("offset out of range")

	// ErrRangeInvalid indicates a malformed or out-of-range edit range.
	ErrRangeInvalid = errors.New("invalid range")

	// ErrEditsOverlap indicates an edit batch with overlapping or unsorted ranges.
	ErrEditsOverlap = errors.New("edits overlap or are not in ascending order")

	// ErrAnchorUnknown indicates an anchor that is not registered with the buffer.
	ErrAnchorUnknown = errors.New("anchor not registered")

	// ErrAnchorExists indicates an anchor identity that is already registered.
	ErrAnchorExists = errors.New("anchor already registered")

	// ErrReadOnly indicates an edit attempted on a read-only buffer.
	ErrReadOnly = errors.New("buffer is read-only")
)
