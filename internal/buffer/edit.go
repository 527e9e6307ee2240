package buffer

// Edit is a single replace operation: the bytes in Range are replaced by
// NewText. An insertion has an empty range; a deletion has empty NewText.
type Edit struct {
	Range   Range
	NewText string
}

// Delta returns the byte delta the edit applies to the buffer length.
func (e Edit) Delta() ByteOffset {
	return ByteOffset(len(e.NewText)) - e.Range.Len()
}

// IsInsert returns true if the edit inserts without removing.
func (e Edit) IsInsert() bool {
	return e.Range.IsEmpty() && e.NewText != ""
}

// IsDelete returns true if the edit removes without inserting.
func (e Edit) IsDelete() bool {
	return !e.Range.IsEmpty() && e.NewText == ""
}

// EditResult describes one applied edit.
type EditResult struct {
	OldRange Range
	NewRange Range
	OldText  string
}
