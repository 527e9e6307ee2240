package buffer

import (
	"testing"
)

func TestApplyEditsBasic(t *testing.T) {
	b := New(1, 1, "hello world")

	_, err := b.Edit([]Edit{
		{Range: Range{Start: 0, End: 5}, NewText: "goodbye"},
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	if got, want := b.Text(), "goodbye world"; got != want {
		t.Errorf("Text: got %q, want %q", got, want)
	}
}

func TestApplyEditsMultiple(t *testing.T) {
	b := New(1, 1, "abcdef")

	// Two non-overlapping edits in ascending order, relative to the
	// same starting snapshot.
	_, err := b.Edit([]Edit{
		{Range: Range{Start: 1, End: 2}, NewText: "X"},  // abcdef -> aXcdef
		{Range: Range{Start: 4, End: 5}, NewText: "YY"}, // -> aXcdYYf
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	if got, want := b.Text(), "aXcdYYf"; got != want {
		t.Errorf("Text: got %q, want %q", got, want)
	}
}

func TestApplyEditsValidation(t *testing.T) {
	tests := []struct {
		name  string
		edits []Edit
		want  error
	}{
		{
			name:  "out of range",
			edits: []Edit{{Range: Range{Start: 0, End: 100}}},
			want:  ErrRangeInvalid,
		},
		{
			name:  "negative start",
			edits: []Edit{{Range: Range{Start: -1, End: 2}}},
			want:  ErrRangeInvalid,
		},
		{
			name: "overlapping",
			edits: []Edit{
				{Range: Range{Start: 0, End: 3}, NewText: "x"},
				{Range: Range{Start: 2, End: 4}, NewText: "y"},
			},
			want: ErrEditsOverlap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New(1, 1, "hello")
			if _, err := b.Edit(tt.edits); err != tt.want {
				t.Errorf("got %v, want %v", err, tt.want)
			}
			if b.Text() != "hello" {
				t.Errorf("failed batch must not modify text, got %q", b.Text())
			}
		})
	}
}

func TestReadOnlyRejectsLocalEdits(t *testing.T) {
	b := New(1, 2, "text")
	b.SetReadOnly(true)

	if _, err := b.Edit([]Edit{{Range: Range{Start: 0, End: 0}, NewText: "x"}}); err != ErrReadOnly {
		t.Errorf("local edit: got %v, want ErrReadOnly", err)
	}

	// Remote edits still apply: the host remains authoritative while a
	// guest is read-only.
	if _, err := b.ApplyRemote(1, []Edit{{Range: Range{Start: 0, End: 0}, NewText: "x"}}); err != nil {
		t.Errorf("remote edit: %v", err)
	}
	if got, want := b.Text(), "xtext"; got != want {
		t.Errorf("Text: got %q, want %q", got, want)
	}
}

func TestAnchorStability(t *testing.T) {
	// An anchor created before an edit and not inside the replaced range
	// keeps denoting the same logical character after the edit.
	b := New(1, 1, "fn main() { a }")

	// Anchor on the "a".
	a, err := b.CreateAnchor(12, BiasLeft)
	if err != nil {
		t.Fatalf("CreateAnchor: %v", err)
	}

	// Insert before the anchor.
	if _, err := b.Edit([]Edit{{Range: Range{Start: 3, End: 3}, NewText: "xx_"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	snap := b.Snapshot()
	off, err := snap.Resolve(a)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := snap.TextRange(off, off+1); got != "a" {
		t.Errorf("anchor drifted: points at %q, want \"a\"", got)
	}

	// Delete after the anchor; it must not move.
	if _, err := b.Edit([]Edit{{Range: Range{Start: off + 1, End: off + 2}, NewText: ""}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	snap = b.Snapshot()
	off2, err := snap.Resolve(a)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if off2 != off {
		t.Errorf("anchor moved across a later edit: got %d, want %d", off2, off)
	}
}

func TestAnchorBiasAtInsertionPoint(t *testing.T) {
	b := New(1, 1, "ab")

	left, _ := b.CreateAnchor(1, BiasLeft)
	right, _ := b.CreateAnchor(1, BiasRight)

	if _, err := b.Edit([]Edit{{Range: Range{Start: 1, End: 1}, NewText: "XY"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	snap := b.Snapshot()
	if off, _ := snap.Resolve(left); off != 1 {
		t.Errorf("left-biased anchor: got %d, want 1", off)
	}
	if off, _ := snap.Resolve(right); off != 3 {
		t.Errorf("right-biased anchor: got %d, want 3", off)
	}
}

func TestAnchorInsideReplacedRange(t *testing.T) {
	b := New(1, 1, "hello world")

	left, _ := b.CreateAnchor(7, BiasLeft)
	right, _ := b.CreateAnchor(8, BiasRight)

	// Replace "world" with "go".
	if _, err := b.Edit([]Edit{{Range: Range{Start: 6, End: 11}, NewText: "go"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	snap := b.Snapshot()
	if off, _ := snap.Resolve(left); off != 6 {
		t.Errorf("left-biased anchor inside replacement: got %d, want 6", off)
	}
	if off, _ := snap.Resolve(right); off != 8 {
		t.Errorf("right-biased anchor inside replacement: got %d, want 8", off)
	}
}

func TestAnchorRelativeOrderPreserved(t *testing.T) {
	b := New(1, 1, "0123456789")

	var anchors []Anchor
	for off := ByteOffset(0); off <= 10; off += 2 {
		a, err := b.CreateAnchor(off, BiasLeft)
		if err != nil {
			t.Fatalf("CreateAnchor(%d): %v", off, err)
		}
		anchors = append(anchors, a)
	}

	edits := [][]Edit{
		{{Range: Range{Start: 3, End: 3}, NewText: "abc"}},
		{{Range: Range{Start: 0, End: 2}, NewText: ""}},
		{{Range: Range{Start: 5, End: 9}, NewText: "Z"}},
	}
	for _, batch := range edits {
		if _, err := b.Edit(batch); err != nil {
			t.Fatalf("Edit %v: %v", batch, err)
		}

		snap := b.Snapshot()
		var prev ByteOffset = -1
		for i, a := range anchors {
			off, err := snap.Resolve(a)
			if err != nil {
				t.Fatalf("Resolve anchor %d: %v", i, err)
			}
			if off < prev {
				t.Errorf("anchors out of order after %v: anchor %d at %d, previous at %d", batch, i, off, prev)
			}
			prev = off
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	b := New(1, 1, "abc")
	a, _ := b.CreateAnchor(2, BiasLeft)

	snap := b.Snapshot()

	if _, err := b.Edit([]Edit{{Range: Range{Start: 0, End: 0}, NewText: "xxxx"}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	// The old snapshot is unaffected by the edit.
	if got, want := snap.Text(), "abc"; got != want {
		t.Errorf("snapshot text: got %q, want %q", got, want)
	}
	if off, _ := snap.Resolve(a); off != 2 {
		t.Errorf("snapshot anchor: got %d, want 2", off)
	}

	// A new snapshot sees the transformed anchor.
	if off, _ := b.Snapshot().Resolve(a); off != 6 {
		t.Errorf("new snapshot anchor: got %d, want 6", off)
	}
}

func TestVersionTracking(t *testing.T) {
	b := New(1, 1, "abc")

	b.Edit([]Edit{{Range: Range{Start: 0, End: 0}, NewText: "x"}})
	b.ApplyRemote(2, []Edit{{Range: Range{Start: 0, End: 0}, NewText: "y"}})
	b.ApplyRemote(2, []Edit{{Range: Range{Start: 0, End: 0}, NewText: "z"}})

	v := b.Version()
	if v[1] != 1 || v[2] != 2 {
		t.Errorf("version: got %v, want map[1:1 2:2]", v)
	}

	older := Version{1: 1, 2: 1}
	if !v.Observes(older) {
		t.Errorf("version %v should observe %v", v, older)
	}
	newer := Version{2: 3}
	if v.Observes(newer) {
		t.Errorf("version %v should not observe %v", v, newer)
	}
}

func TestRemoveAnchorsFor(t *testing.T) {
	b := New(1, 1, "abc")
	b.CreateAnchor(0, BiasLeft)

	remote := Anchor{Replica: 2, Seq: 1, Bias: BiasLeft}
	if err := b.RegisterAnchor(remote, 1); err != nil {
		t.Fatalf("RegisterAnchor: %v", err)
	}
	if err := b.RegisterAnchor(remote, 1); err != ErrAnchorExists {
		t.Errorf("duplicate register: got %v, want ErrAnchorExists", err)
	}

	b.RemoveAnchorsFor(2)
	if _, err := b.Snapshot().Resolve(remote); err != ErrAnchorUnknown {
		t.Errorf("after RemoveAnchorsFor: got %v, want ErrAnchorUnknown", err)
	}
	if got := b.AnchorCount(); got != 1 {
		t.Errorf("AnchorCount: got %d, want 1", got)
	}
}

func TestEditEvents(t *testing.T) {
	b := New(7, 1, "abc")

	var events []Event
	b.Subscribe(func(ev Event) {
		events = append(events, ev)
	})

	b.Edit([]Edit{{Range: Range{Start: 3, End: 3}, NewText: "d"}})
	b.ApplyRemote(2, []Edit{{Range: Range{Start: 0, End: 1}, NewText: ""}})

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if !events[0].Local || events[0].Origin != 1 || events[0].Buffer != 7 {
		t.Errorf("first event: %+v", events[0])
	}
	if events[1].Local || events[1].Origin != 2 {
		t.Errorf("second event: %+v", events[1])
	}
	if got := events[1].MinStart(); got != 0 {
		t.Errorf("MinStart: got %d, want 0", got)
	}
}

func TestPointConversion(t *testing.T) {
	b := New(1, 1, "ab\ncde\n\nf")
	snap := b.Snapshot()

	tests := []struct {
		offset ByteOffset
		want   Point
	}{
		{0, Point{Line: 0, Column: 0}},
		{2, Point{Line: 0, Column: 2}},
		{3, Point{Line: 1, Column: 0}},
		{6, Point{Line: 1, Column: 3}},
		{7, Point{Line: 2, Column: 0}},
		{9, Point{Line: 3, Column: 1}},
	}

	for _, tt := range tests {
		if got := snap.OffsetToPoint(tt.offset); got != tt.want {
			t.Errorf("OffsetToPoint(%d): got %v, want %v", tt.offset, got, tt.want)
		}
		if got := snap.PointToOffset(tt.want); got != tt.offset {
			t.Errorf("PointToOffset(%v): got %d, want %d", tt.want, got, tt.offset)
		}
	}

	if got := snap.LineCount(); got != 4 {
		t.Errorf("LineCount: got %d, want 4", got)
	}
}

func TestUTF16Conversion(t *testing.T) {
	// "𝕏" is outside the BMP: 4 bytes in UTF-8, 2 code units in UTF-16.
	b := New(1, 1, "a𝕏b\ncd")
	snap := b.Snapshot()

	// Offset of "b" is 5 (1 + 4); UTF-16 column is 3 (1 + 2).
	got := snap.OffsetToPointUTF16(5)
	want := PointUTF16{Line: 0, Column: 3}
	if got != want {
		t.Errorf("OffsetToPointUTF16: got %v, want %v", got, want)
	}

	if off := snap.PointUTF16ToOffset(want); off != 5 {
		t.Errorf("PointUTF16ToOffset: got %d, want 5", off)
	}

	second := snap.PointUTF16ToOffset(PointUTF16{Line: 1, Column: 1})
	if second != 8 {
		t.Errorf("PointUTF16ToOffset line 1: got %d, want 8", second)
	}
}

func TestIndentText(t *testing.T) {
	b := New(1, 1, "", WithTabWidth(2))
	if got, want := b.IndentText(), "  "; got != want {
		t.Errorf("IndentText: got %q, want %q", got, want)
	}

	b.SetTabWidth(8)
	if got := len(b.IndentText()); got != 8 {
		t.Errorf("IndentText after SetTabWidth: got %d spaces, want 8", got)
	}

	b.SetIndentTabs(true)
	if got := b.IndentText(); got != "\t" {
		t.Errorf("IndentText with tabs: got %q, want tab", got)
	}
}
