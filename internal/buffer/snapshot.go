package buffer

import "strings"

// Snapshot is an immutable view of a buffer at one revision. Anchor
// resolution, coordinate conversion, and text reads against a snapshot are
// unaffected by later edits to the buffer.
type Snapshot struct {
	buffer   ID
	text     string
	version  Version
	revision uint64
	anchors  map[anchorKey]anchorState
	tabWidth int
}

// Buffer returns the id of the buffer this snapshot was taken from.
func (s *Snapshot) Buffer() ID {
	return s.buffer
}

// Text returns the full snapshot content.
func (s *Snapshot) Text() string {
	return s.text
}

// Len returns the byte length of the snapshot text.
func (s *Snapshot) Len() ByteOffset {
	return ByteOffset(len(s.text))
}

// Version returns the snapshot's version. The returned map must not be
// modified.
func (s *Snapshot) Version() Version {
	return s.version
}

// Revision returns the local revision counter at capture time.
func (s *Snapshot) Revision() uint64 {
	return s.revision
}

// TabWidth returns the tab width at capture time.
func (s *Snapshot) TabWidth() int {
	return s.tabWidth
}

// Resolve returns the byte offset an anchor denotes in this snapshot.
// Resolution is total and deterministic: the same anchor resolves to the
// same offset in any snapshot at the same version.
func (s *Snapshot) Resolve(a Anchor) (ByteOffset, error) {
	st, ok := s.anchors[a.key()]
	if !ok {
		return 0, ErrAnchorUnknown
	}
	return st.offset, nil
}

// TextRange returns the text in [start, end), clamped to the snapshot.
func (s *Snapshot) TextRange(start, end ByteOffset) string {
	if start < 0 {
		start = 0
	}
	if end > ByteOffset(len(s.text)) {
		end = ByteOffset(len(s.text))
	}
	if start >= end {
		return ""
	}
	return s.text[start:end]
}

// LineCount returns the number of lines in the snapshot.
func (s *Snapshot) LineCount() uint32 {
	return uint32(strings.Count(s.text, "\n")) + 1
}

// OffsetToPoint converts a byte offset to a line/column point.
func (s *Snapshot) OffsetToPoint(offset ByteOffset) Point {
	if offset < 0 {
		offset = 0
	}
	if offset > ByteOffset(len(s.text)) {
		offset = ByteOffset(len(s.text))
	}

	prefix := s.text[:offset]
	line := uint32(strings.Count(prefix, "\n"))
	lineStart := strings.LastIndexByte(prefix, '\n') + 1
	return Point{Line: line, Column: uint32(int(offset) - lineStart)}
}

// PointToOffset converts a line/column point to a byte offset.
// Out-of-range points clamp to the nearest valid offset.
func (s *Snapshot) PointToOffset(p Point) ByteOffset {
	start, end := s.lineBounds(p.Line)
	offset := start + ByteOffset(p.Column)
	if offset > end {
		offset = end
	}
	return offset
}

// OffsetToPointUTF16 converts a byte offset to an LSP-style UTF-16 point.
func (s *Snapshot) OffsetToPointUTF16(offset ByteOffset) PointUTF16 {
	p := s.OffsetToPoint(offset)
	lineStart := offset - ByteOffset(p.Column)
	return PointUTF16{
		Line:   p.Line,
		Column: utf16ColumnFromString(s.text[lineStart:offset]),
	}
}

// PointUTF16ToOffset converts an LSP-style UTF-16 point to a byte offset.
func (s *Snapshot) PointUTF16ToOffset(p PointUTF16) ByteOffset {
	start, end := s.lineBounds(p.Line)
	col := byteOffsetFromUTF16Column(s.text[start:end], p.Column)
	return start + ByteOffset(col)
}

// lineBounds returns the byte range of a line, excluding the newline.
func (s *Snapshot) lineBounds(line uint32) (ByteOffset, ByteOffset) {
	var start int
	for i := uint32(0); i < line; i++ {
		next := strings.IndexByte(s.text[start:], '\n')
		if next < 0 {
			return ByteOffset(len(s.text)), ByteOffset(len(s.text))
		}
		start += next + 1
	}

	end := strings.IndexByte(s.text[start:], '\n')
	if end < 0 {
		return ByteOffset(start), ByteOffset(len(s.text))
	}
	return ByteOffset(start), ByteOffset(start + end)
}
