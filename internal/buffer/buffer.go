package buffer

import (
	"sort"
	"strings"
	"sync"
)

// ID identifies a buffer within a shared project.
type ID uint64

// Version is a per-replica edit counter. A replica increments its own entry
// each time it originates an edit batch; entries for other replicas advance
// as their batches are applied locally. Comparing versions answers "has this
// replica caught up with everything the sender had seen".
type Version map[ReplicaID]uint64

// Clone returns an independent copy of the version.
func (v Version) Clone() Version {
	c := make(Version, len(v))
	for r, n := range v {
		c[r] = n
	}
	return c
}

// Observes returns true if v has applied at least everything in other.
func (v Version) Observes(other Version) bool {
	for r, n := range other {
		if v[r] < n {
			return false
		}
	}
	return true
}

// Buffer is a replicated text buffer with tracked anchors.
// All methods are thread-safe.
type Buffer struct {
	mu sync.RWMutex

	id      ID
	replica ReplicaID
	text    string

	version  Version
	revision uint64

	anchors map[anchorKey]anchorState
	nextSeq uint64

	tabWidth   int
	indentTabs bool
	readOnly   bool

	subscribers []func(Event)
}

// Option configures a new Buffer.
type Option func(*Buffer)

// WithTabWidth sets the buffer's tab width.
func WithTabWidth(width int) Option {
	return func(b *Buffer) {
		if width > 0 {
			b.tabWidth = width
		}
	}
}

// WithVersion seeds the buffer's version vector. Guests use this to
// start a mirrored buffer from the host's version at join time.
func WithVersion(v Version) Option {
	return func(b *Buffer) {
		b.version = v.Clone()
	}
}

// New creates a buffer owned by the given replica with initial content.
func New(id ID, replica ReplicaID, text string, opts ...Option) *Buffer {
	b := &Buffer{
		id:       id,
		replica:  replica,
		text:     text,
		version:  make(Version),
		anchors:  make(map[anchorKey]anchorState),
		nextSeq:  1,
		tabWidth: 4,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the buffer's identifier.
func (b *Buffer) ID() ID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.id
}

// Replica returns the local replica id.
func (b *Buffer) Replica() ReplicaID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.replica
}

// Text returns the full buffer content.
func (b *Buffer) Text() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.text
}

// Len returns the byte length of the buffer.
func (b *Buffer) Len() ByteOffset {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return ByteOffset(len(b.text))
}

// Version returns a copy of the buffer's current version.
func (b *Buffer) Version() Version {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version.Clone()
}

// TabWidth returns the buffer's tab width.
func (b *Buffer) TabWidth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tabWidth
}

// SetTabWidth sets the buffer's tab width.
func (b *Buffer) SetTabWidth(width int) {
	if width <= 0 {
		return
	}
	b.mu.Lock()
	b.tabWidth = width
	b.mu.Unlock()
}

// SetIndentTabs switches the Tab keystroke between a hard tab and
// spaces.
func (b *Buffer) SetIndentTabs(tabs bool) {
	b.mu.Lock()
	b.indentTabs = tabs
	b.mu.Unlock()
}

// IndentText returns the text a Tab keystroke inserts, derived from the
// buffer's current indent settings.
func (b *Buffer) IndentText() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.indentTabs {
		return "\t"
	}
	return strings.Repeat(" ", b.tabWidth)
}

// SetReadOnly marks the buffer read-only. Edits are rejected until the
// flag is cleared.
func (b *Buffer) SetReadOnly(readOnly bool) {
	b.mu.Lock()
	b.readOnly = readOnly
	b.mu.Unlock()
}

// IsReadOnly reports whether the buffer rejects edits.
func (b *Buffer) IsReadOnly() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readOnly
}

// Subscribe registers a callback invoked after every applied edit batch.
// Callbacks run synchronously in application order.
func (b *Buffer) Subscribe(fn func(Event)) {
	b.mu.Lock()
	b.subscribers = append(b.subscribers, fn)
	b.mu.Unlock()
}

// CreateAnchor registers a new anchor at the given offset. The anchor
// identity comes from the local replica's sequence counter; no other
// replica can mint the same identity.
func (b *Buffer) CreateAnchor(offset ByteOffset, bias Bias) (Anchor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 || offset > ByteOffset(len(b.text)) {
		return Anchor{}, ErrOffsetOutOfRange
	}

	a := Anchor{Replica: b.replica, Seq: b.nextSeq, Bias: bias}
	b.nextSeq++
	b.anchors[a.key()] = anchorState{offset: offset, bias: bias}
	return a, nil
}

// RegisterAnchor registers an anchor minted by another replica at the
// given offset. The caller must have verified, via Version.Observes, that
// the local buffer has caught up with the state the anchor was created in.
func (b *Buffer) RegisterAnchor(a Anchor, offset ByteOffset) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if offset < 0 || offset > ByteOffset(len(b.text)) {
		return ErrOffsetOutOfRange
	}
	if _, exists := b.anchors[a.key()]; exists {
		return ErrAnchorExists
	}
	b.anchors[a.key()] = anchorState{offset: offset, bias: a.Bias}
	return nil
}

// RemoveAnchor drops an anchor from the tracking table.
func (b *Buffer) RemoveAnchor(a Anchor) {
	b.mu.Lock()
	delete(b.anchors, a.key())
	b.mu.Unlock()
}

// RemoveAnchorsFor drops every anchor minted by the given replica.
// Used when a collaborator disconnects.
func (b *Buffer) RemoveAnchorsFor(replica ReplicaID) {
	b.mu.Lock()
	for key := range b.anchors {
		if key.replica == replica {
			delete(b.anchors, key)
		}
	}
	b.mu.Unlock()
}

// AnchorCount returns the number of tracked anchors.
func (b *Buffer) AnchorCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.anchors)
}

// Edit applies a locally originated edit batch.
func (b *Buffer) Edit(edits []Edit) ([]EditResult, error) {
	return b.apply(b.Replica(), edits, true)
}

// ApplyRemote applies an edit batch originated by another replica.
// The transport guarantees batches from one replica arrive in send order,
// so no reordering handling is needed here.
func (b *Buffer) ApplyRemote(replica ReplicaID, edits []Edit) ([]EditResult, error) {
	return b.apply(replica, edits, false)
}

// apply validates and applies a batch of non-overlapping edits, given in
// ascending offset order relative to the current snapshot. The text and
// every tracked anchor transition atomically to the new snapshot.
func (b *Buffer) apply(origin ReplicaID, edits []Edit, local bool) ([]EditResult, error) {
	if len(edits) == 0 {
		return nil, nil
	}

	b.mu.Lock()

	if local && b.readOnly {
		b.mu.Unlock()
		return nil, ErrReadOnly
	}

	textLen := ByteOffset(len(b.text))
	for i, e := range edits {
		if e.Range.Start < 0 || e.Range.Start > e.Range.End || e.Range.End > textLen {
			b.mu.Unlock()
			return nil, ErrRangeInvalid
		}
		if i > 0 && e.Range.Start < edits[i-1].Range.End {
			b.mu.Unlock()
			return nil, ErrEditsOverlap
		}
	}

	results := make([]EditResult, len(edits))

	// Apply back-to-front so earlier edit coordinates stay valid, and
	// transform the anchor table with each edit. Per-edit transforms
	// compose correctly in this order because each edit only moves
	// anchors at or above its own start.
	for i := len(edits) - 1; i >= 0; i-- {
		e := edits[i]
		oldText := b.text[e.Range.Start:e.Range.End]
		b.text = b.text[:e.Range.Start] + e.NewText + b.text[e.Range.End:]

		for key, st := range b.anchors {
			b.anchors[key] = st.transform(e)
		}

		results[i] = EditResult{
			OldRange: e.Range,
			NewRange: Range{Start: e.Range.Start, End: e.Range.Start + ByteOffset(len(e.NewText))},
			OldText:  oldText,
		}
	}

	b.version[origin]++
	b.revision++

	ev := Event{
		Buffer:  b.id,
		Origin:  origin,
		Edits:   append([]Edit(nil), edits...),
		Results: results,
		Version: b.version.Clone(),
		Local:   local,
	}
	subs := append([]func(Event){}, b.subscribers...)
	b.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return results, nil
}

// Snapshot returns an immutable view of the current buffer state.
// Anchors resolve against the snapshot they were captured in, so callers
// holding a snapshot are insulated from later edits.
func (b *Buffer) Snapshot() *Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	anchors := make(map[anchorKey]anchorState, len(b.anchors))
	for key, st := range b.anchors {
		anchors[key] = st
	}

	return &Snapshot{
		buffer:   b.id,
		text:     b.text,
		version:  b.version.Clone(),
		revision: b.revision,
		anchors:  anchors,
		tabWidth: b.tabWidth,
	}
}

// SortEdits orders an edit batch by ascending start offset, as required
// by Edit and ApplyRemote.
func SortEdits(edits []Edit) {
	sort.Slice(edits, func(i, j int) bool {
		return edits[i].Range.Start < edits[j].Range.Start
	})
}
