package selection

import (
	"testing"

	"github.com/dshills/coedit/internal/buffer"
)

func mkBuffer(t *testing.T, text string) *buffer.Buffer {
	t.Helper()
	return buffer.New(1, 1, text)
}

func anchorAt(t *testing.T, b *buffer.Buffer, off buffer.ByteOffset, bias buffer.Bias) buffer.Anchor {
	t.Helper()
	a, err := b.CreateAnchor(off, bias)
	if err != nil {
		t.Fatalf("CreateAnchor(%d): %v", off, err)
	}
	return a
}

func TestSelectionResolve(t *testing.T) {
	b := mkBuffer(t, "hello world")
	sel := Selection{
		Start:    anchorAt(t, b, 0, buffer.BiasLeft),
		End:      anchorAt(t, b, 5, buffer.BiasRight),
		Reversed: true,
	}

	res, err := sel.Resolve(b.Snapshot())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Range != (buffer.Range{Start: 0, End: 5}) {
		t.Errorf("Range: got %v", res.Range)
	}
	if res.Head() != 0 {
		t.Errorf("Head of reversed selection: got %d, want 0", res.Head())
	}
	if res.Tail() != 5 {
		t.Errorf("Tail: got %d, want 5", res.Tail())
	}
}

func TestSelectionSurvivesEdit(t *testing.T) {
	b := mkBuffer(t, "hello world")
	sel := Selection{
		Start: anchorAt(t, b, 6, buffer.BiasLeft),
		End:   anchorAt(t, b, 11, buffer.BiasRight),
	}

	// Insert before the selection.
	if _, err := b.Edit([]buffer.Edit{{Range: buffer.Range{Start: 0, End: 0}, NewText: ">> "}}); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	res, err := sel.Resolve(b.Snapshot())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	snap := b.Snapshot()
	if got := snap.TextRange(res.Range.Start, res.Range.End); got != "world" {
		t.Errorf("selection drifted: covers %q, want \"world\"", got)
	}
}

func TestSelectionUnknownAnchor(t *testing.T) {
	b := mkBuffer(t, "abc")
	sel := Selection{
		Start: buffer.Anchor{Replica: 9, Seq: 42},
		End:   buffer.Anchor{Replica: 9, Seq: 43},
	}
	if _, err := sel.Resolve(b.Snapshot()); err != buffer.ErrAnchorUnknown {
		t.Errorf("got %v, want ErrAnchorUnknown", err)
	}
}

func TestMapUpdateAndRemove(t *testing.T) {
	b := mkBuffer(t, "abc def")
	m := NewMap()

	sel := Cursor(anchorAt(t, b, 2, buffer.BiasLeft))
	if err := m.Update(b.Snapshot(), 2, []Selection{sel}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	set := m.Get(2)
	if set == nil || len(set.Selections) != 1 || !set.Active {
		t.Fatalf("Get: %+v", set)
	}

	// Replace wholesale.
	sel2 := Cursor(anchorAt(t, b, 5, buffer.BiasLeft))
	if err := m.Update(b.Snapshot(), 2, []Selection{sel2}, false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	set = m.Get(2)
	if set.Active {
		t.Error("set should be inactive after update")
	}

	m.Remove(2)
	if m.Get(2) != nil {
		t.Error("set should be gone after Remove")
	}
	// Removing an absent replica is safe.
	m.Remove(99)
}

func TestNormalizeMergesOverlapping(t *testing.T) {
	b := mkBuffer(t, "0123456789")

	s1 := Selection{Start: anchorAt(t, b, 1, buffer.BiasLeft), End: anchorAt(t, b, 5, buffer.BiasRight)}
	s2 := Selection{Start: anchorAt(t, b, 3, buffer.BiasLeft), End: anchorAt(t, b, 8, buffer.BiasRight)}
	s3 := Selection{Start: anchorAt(t, b, 9, buffer.BiasLeft), End: anchorAt(t, b, 10, buffer.BiasRight)}

	snap := b.Snapshot()
	got, err := Normalize(snap, []Selection{s3, s1, s2})
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d selections, want 2", len(got))
	}

	first, _ := got[0].Resolve(snap)
	if first.Range != (buffer.Range{Start: 1, End: 8}) {
		t.Errorf("merged range: got %v, want [1,8)", first.Range)
	}
	second, _ := got[1].Resolve(snap)
	if second.Range != (buffer.Range{Start: 9, End: 10}) {
		t.Errorf("second range: got %v", second.Range)
	}
}

func TestAllOrderedByReplica(t *testing.T) {
	b := mkBuffer(t, "abc")
	m := NewMap()

	snap := b.Snapshot()
	m.Update(snap, 3, nil, true)
	m.Update(snap, 1, nil, true)
	m.Update(snap, 2, nil, false)

	all := m.All()
	if len(all) != 3 {
		t.Fatalf("got %d sets, want 3", len(all))
	}
	for i, want := range []buffer.ReplicaID{1, 2, 3} {
		if all[i].Replica != want {
			t.Errorf("All[%d].Replica: got %d, want %d", i, all[i].Replica, want)
		}
	}
}
