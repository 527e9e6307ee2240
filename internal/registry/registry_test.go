package registry

import (
	"testing"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/selection"
)

func TestAddIdempotent(t *testing.T) {
	d := New(1)

	c1 := d.Add("peer-a", Identity{Name: "Ada"})
	c2 := d.Add("peer-a", Identity{Name: "Ada"})

	if c1.Replica != c2.Replica {
		t.Errorf("replica changed on re-add: %d vs %d", c1.Replica, c2.Replica)
	}
	if d.Len() != 1 {
		t.Errorf("Len: got %d, want 1", d.Len())
	}
}

func TestReplicaIDsNeverReused(t *testing.T) {
	d := New(1)

	a := d.Add("peer-a", Identity{})
	d.Remove("peer-a")
	b := d.Add("peer-a", Identity{})

	if b.Replica == a.Replica {
		t.Errorf("replica id %d reused after removal", a.Replica)
	}
	if b.Replica <= a.Replica {
		t.Errorf("replica ids must increase: %d then %d", a.Replica, b.Replica)
	}
}

func TestRemoveCascades(t *testing.T) {
	d := New(1)
	buf := buffer.New(1, 1, "hello world")
	sels := selection.NewMap()
	d.TrackBuffer(1, buf, sels)

	c := d.Add("peer-a", Identity{Name: "Ada"})
	d.MarkOpen("peer-a", 1)

	// Simulate the guest publishing a selection.
	remote := buffer.Anchor{Replica: c.Replica, Seq: 1, Bias: buffer.BiasLeft}
	if err := buf.RegisterAnchor(remote, 3); err != nil {
		t.Fatalf("RegisterAnchor: %v", err)
	}
	sel := selection.Cursor(remote)
	if err := sels.Update(buf.Snapshot(), c.Replica, []selection.Selection{sel}, true); err != nil {
		t.Fatalf("Update: %v", err)
	}

	d.Remove("peer-a")

	if sels.Get(c.Replica) != nil {
		t.Error("selection set not cascade-removed")
	}
	if buf.AnchorCount() != 0 {
		t.Errorf("anchors not cascade-removed: %d left", buf.AnchorCount())
	}
	if d.IsObserved(1) {
		t.Error("buffer still observed after removal")
	}
}

func TestRemoveUnknownPeerSafe(t *testing.T) {
	d := New(1)
	d.Remove("never-joined")
	d.MarkClosed("never-joined", 42)
}

func TestIsObserved(t *testing.T) {
	d := New(1)
	buf := buffer.New(9, 1, "x")
	d.TrackBuffer(9, buf, selection.NewMap())

	if d.IsObserved(9) {
		t.Error("fresh buffer should be unobserved")
	}

	d.Add("peer-a", Identity{})
	d.MarkOpen("peer-a", 9)
	if !d.IsObserved(9) {
		t.Error("buffer should be observed after MarkOpen")
	}

	d.MarkClosed("peer-a", 9)
	if d.IsObserved(9) {
		t.Error("buffer should be unobserved after MarkClosed")
	}
}

func TestChangeNotifications(t *testing.T) {
	d := New(1)

	var changes []Change
	d.Subscribe(func(c Change) { changes = append(changes, c) })

	d.Add("peer-a", Identity{Name: "Ada"})
	d.Add("peer-b", Identity{Name: "Bob"})
	d.Remove("peer-a")

	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	if changes[0].Kind != ChangeJoined || changes[0].Collaborator.Identity.Name != "Ada" {
		t.Errorf("first change: %+v", changes[0])
	}
	if changes[2].Kind != ChangeLeft || changes[2].Collaborator.Identity.Name != "Ada" {
		t.Errorf("third change: %+v", changes[2])
	}
}

func TestClear(t *testing.T) {
	d := New(1)
	d.Add("peer-a", Identity{})
	d.Add("peer-b", Identity{})

	d.Clear()
	if d.Len() != 0 {
		t.Errorf("Len after Clear: got %d, want 0", d.Len())
	}
}

func TestAllOrderedByReplica(t *testing.T) {
	d := New(1)
	d.Add("peer-a", Identity{})
	d.Add("peer-b", Identity{})
	d.Add("peer-c", Identity{})

	all := d.All()
	if len(all) != 3 {
		t.Fatalf("got %d collaborators, want 3", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Replica <= all[i-1].Replica {
			t.Errorf("not ordered by replica: %v", all)
		}
	}
}

func TestGuestMirror(t *testing.T) {
	d := New(5)
	c := d.AddWithReplica("host", 1, Identity{Name: "Host"})
	if c.Replica != 1 {
		t.Errorf("Replica: got %d, want 1", c.Replica)
	}

	r, ok := d.ReplicaFor("host")
	if !ok || r != 1 {
		t.Errorf("ReplicaFor: got %d %v", r, ok)
	}
}
