package session

import (
	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/config"
	"github.com/dshills/coedit/internal/selection"
)

// SharedBuffer pairs a replicated buffer with the selection sets every
// collaborator holds in it.
type SharedBuffer struct {
	buf      *buffer.Buffer
	sels     *selection.Map
	path     string
	language string
}

// Buffer returns the underlying replicated buffer.
func (sb *SharedBuffer) Buffer() *buffer.Buffer { return sb.buf }

// Path returns the buffer's project-relative path.
func (sb *SharedBuffer) Path() string { return sb.path }

// Language returns the buffer's language name.
func (sb *SharedBuffer) Language() string { return sb.language }

// Selections returns every collaborator's current selection set,
// ordered by replica id.
func (sb *SharedBuffer) Selections() []*selection.Set {
	return sb.sels.All()
}

// applyIndent pushes the project's editor settings into the buffer.
func (sb *SharedBuffer) applyIndent(ec config.EditorConfig) {
	sb.buf.SetTabWidth(ec.TabWidth)
	sb.buf.SetIndentTabs(ec.IndentStyle == config.IndentTabs)
}

// CreateSelection builds a selection from byte offsets, creating the
// anchors in the buffer. The start anchor leans left and the end anchor
// leans right so the selection grows around concurrent insertions at
// its edges.
func (sb *SharedBuffer) CreateSelection(start, end buffer.ByteOffset, reversed bool) (selection.Selection, error) {
	a, err := sb.buf.CreateAnchor(start, buffer.BiasLeft)
	if err != nil {
		return selection.Selection{}, err
	}
	b, err := sb.buf.CreateAnchor(end, buffer.BiasRight)
	if err != nil {
		sb.buf.RemoveAnchor(a)
		return selection.Selection{}, err
	}
	return selection.Selection{Start: a, End: b, Reversed: reversed}, nil
}

// CreateCursor builds an empty selection at one offset with right bias,
// so it stays at the insertion point as the collaborator types.
func (sb *SharedBuffer) CreateCursor(at buffer.ByteOffset) (selection.Selection, error) {
	a, err := sb.buf.CreateAnchor(at, buffer.BiasRight)
	if err != nil {
		return selection.Selection{}, err
	}
	return selection.Cursor(a), nil
}
