// Package registry maintains the collaborator directory for a shared
// project: which peers are connected, which replica id each holds, and
// which buffers each peer is observing.
//
// The directory is the single source of truth other components consult to
// decide whether remote-facing work is worth doing at all (no diagnostics
// or code-lens polling when nobody is watching a buffer).
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/selection"
)

// PeerID identifies one connected peer process.
type PeerID string

// Identity is the user-facing identity of a collaborator.
type Identity struct {
	Name  string `json:"name"`
	Login string `json:"login,omitempty"`
}

// Collaborator is a peer currently viewing the shared project.
type Collaborator struct {
	Peer     PeerID
	Replica  buffer.ReplicaID
	Identity Identity
	JoinedAt time.Time
}

// ChangeKind describes a directory change.
type ChangeKind uint8

const (
	// ChangeJoined indicates a collaborator was added.
	ChangeJoined ChangeKind = iota

	// ChangeLeft indicates a collaborator was removed.
	ChangeLeft
)

// Change is delivered to directory subscribers.
type Change struct {
	Kind         ChangeKind
	Collaborator Collaborator
}

// trackedBuffer pairs a buffer with its selection map for cascade removal.
type trackedBuffer struct {
	buf  *buffer.Buffer
	sels *selection.Map
}

// Directory tracks collaborators and their observed buffers.
// All methods are thread-safe.
type Directory struct {
	mu sync.RWMutex

	collaborators map[PeerID]*Collaborator
	observed      map[buffer.ID]map[PeerID]struct{}
	buffers       map[buffer.ID]trackedBuffer

	nextReplica buffer.ReplicaID
	subscribers []func(Change)
}

// New creates an empty directory. Replica ids are handed out starting
// after localReplica and are never reused for the directory's lifetime.
func New(localReplica buffer.ReplicaID) *Directory {
	return &Directory{
		collaborators: make(map[PeerID]*Collaborator),
		observed:      make(map[buffer.ID]map[PeerID]struct{}),
		buffers:       make(map[buffer.ID]trackedBuffer),
		nextReplica:   localReplica + 1,
	}
}

// Subscribe registers a callback for collaborator changes.
func (d *Directory) Subscribe(fn func(Change)) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, fn)
	d.mu.Unlock()
}

// Add registers a collaborator and assigns it a replica id. Adding an
// already-present peer is idempotent and returns the existing entry.
func (d *Directory) Add(peer PeerID, identity Identity) Collaborator {
	d.mu.Lock()

	if existing, ok := d.collaborators[peer]; ok {
		c := *existing
		d.mu.Unlock()
		return c
	}

	c := &Collaborator{
		Peer:     peer,
		Replica:  d.nextReplica,
		Identity: identity,
		JoinedAt: time.Now(),
	}
	d.nextReplica++
	d.collaborators[peer] = c

	subs := append([]func(Change){}, d.subscribers...)
	cp := *c
	d.mu.Unlock()

	for _, fn := range subs {
		fn(Change{Kind: ChangeJoined, Collaborator: cp})
	}
	return cp
}

// AddWithReplica registers a collaborator under a replica id assigned
// elsewhere. Guests use this to mirror host-assigned directory state.
func (d *Directory) AddWithReplica(peer PeerID, replica buffer.ReplicaID, identity Identity) Collaborator {
	d.mu.Lock()

	if existing, ok := d.collaborators[peer]; ok {
		c := *existing
		d.mu.Unlock()
		return c
	}

	c := &Collaborator{
		Peer:     peer,
		Replica:  replica,
		Identity: identity,
		JoinedAt: time.Now(),
	}
	d.collaborators[peer] = c
	if replica >= d.nextReplica {
		d.nextReplica = replica + 1
	}

	subs := append([]func(Change){}, d.subscribers...)
	cp := *c
	d.mu.Unlock()

	for _, fn := range subs {
		fn(Change{Kind: ChangeJoined, Collaborator: cp})
	}
	return cp
}

// Remove drops a collaborator and cascade-removes its selection sets and
// anchors from every buffer it had open. Safe to call for a peer that
// never finished joining.
func (d *Directory) Remove(peer PeerID) {
	d.mu.Lock()

	c, ok := d.collaborators[peer]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.collaborators, peer)

	for id, peers := range d.observed {
		if _, watching := peers[peer]; !watching {
			continue
		}
		delete(peers, peer)
		if tb, tracked := d.buffers[id]; tracked {
			if tb.sels != nil {
				tb.sels.Remove(c.Replica)
			}
			if tb.buf != nil {
				tb.buf.RemoveAnchorsFor(c.Replica)
			}
		}
	}

	subs := append([]func(Change){}, d.subscribers...)
	cp := *c
	d.mu.Unlock()

	for _, fn := range subs {
		fn(Change{Kind: ChangeLeft, Collaborator: cp})
	}
}

// Clear removes every collaborator, cascading as Remove does.
// Used when a project is unshared.
func (d *Directory) Clear() {
	d.mu.RLock()
	peers := make([]PeerID, 0, len(d.collaborators))
	for p := range d.collaborators {
		peers = append(peers, p)
	}
	d.mu.RUnlock()

	for _, p := range peers {
		d.Remove(p)
	}
}

// TrackBuffer registers a buffer and its selection map so Remove can
// cascade into them.
func (d *Directory) TrackBuffer(id buffer.ID, buf *buffer.Buffer, sels *selection.Map) {
	d.mu.Lock()
	d.buffers[id] = trackedBuffer{buf: buf, sels: sels}
	if _, ok := d.observed[id]; !ok {
		d.observed[id] = make(map[PeerID]struct{})
	}
	d.mu.Unlock()
}

// UntrackBuffer forgets a closed buffer.
func (d *Directory) UntrackBuffer(id buffer.ID) {
	d.mu.Lock()
	delete(d.buffers, id)
	delete(d.observed, id)
	d.mu.Unlock()
}

// MarkOpen records that a peer has a buffer open.
func (d *Directory) MarkOpen(peer PeerID, id buffer.ID) {
	d.mu.Lock()
	if _, ok := d.observed[id]; !ok {
		d.observed[id] = make(map[PeerID]struct{})
	}
	d.observed[id][peer] = struct{}{}
	d.mu.Unlock()
}

// MarkClosed records that a peer closed a buffer, removing its selection
// set from that buffer.
func (d *Directory) MarkClosed(peer PeerID, id buffer.ID) {
	d.mu.Lock()
	if peers, ok := d.observed[id]; ok {
		delete(peers, peer)
	}
	c, ok := d.collaborators[peer]
	var tb trackedBuffer
	if ok {
		tb = d.buffers[id]
	}
	d.mu.Unlock()

	if ok && tb.sels != nil {
		tb.sels.Remove(c.Replica)
	}
	if ok && tb.buf != nil {
		tb.buf.RemoveAnchorsFor(c.Replica)
	}
}

// IsObserved returns true if at least one remote peer has the buffer open.
// Components use this to skip polling work nobody would see.
func (d *Directory) IsObserved(id buffer.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.observed[id]) > 0
}

// Get returns a collaborator by peer id.
func (d *Directory) Get(peer PeerID) (Collaborator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.collaborators[peer]
	if !ok {
		return Collaborator{}, false
	}
	return *c, true
}

// ReplicaFor returns the replica id assigned to a peer.
func (d *Directory) ReplicaFor(peer PeerID) (buffer.ReplicaID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.collaborators[peer]
	if !ok {
		return 0, false
	}
	return c.Replica, true
}

// All returns every collaborator ordered by replica id.
func (d *Directory) All() []Collaborator {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]Collaborator, 0, len(d.collaborators))
	for _, c := range d.collaborators {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Replica < result[j].Replica
	})
	return result
}

// Len returns the number of collaborators.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.collaborators)
}
