package selection

import (
	"sort"
	"sync"

	"github.com/dshills/coedit/internal/buffer"
)

// Set holds all selections owned by one replica in one buffer.
type Set struct {
	Replica    buffer.ReplicaID
	Selections []Selection

	// Active is true while the owning view is focused; inactive sets are
	// still replicated but drawn dimmed.
	Active bool
}

// Map tracks the selection sets of every replica for a single buffer.
// All methods are thread-safe.
type Map struct {
	mu   sync.RWMutex
	sets map[buffer.ReplicaID]*Set
}

// NewMap creates an empty selection map.
func NewMap() *Map {
	return &Map{sets: make(map[buffer.ReplicaID]*Set)}
}

// Update replaces a replica's selection set. Overlapping selections are
// merged against the given snapshot using the same rule the single-user
// editor applies to multiple cursors.
func (m *Map) Update(snap *buffer.Snapshot, replica buffer.ReplicaID, sels []Selection, active bool) error {
	normalized, err := Normalize(snap, sels)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.sets[replica] = &Set{
		Replica:    replica,
		Selections: normalized,
		Active:     active,
	}
	m.mu.Unlock()
	return nil
}

// Remove drops a replica's selection set atomically. Safe to call for a
// replica that never published selections.
func (m *Map) Remove(replica buffer.ReplicaID) {
	m.mu.Lock()
	delete(m.sets, replica)
	m.mu.Unlock()
}

// Get returns a replica's selection set, or nil if it has none.
func (m *Map) Get(replica buffer.ReplicaID) *Set {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.sets[replica]
	if !ok {
		return nil
	}
	cp := *set
	cp.Selections = append([]Selection(nil), set.Selections...)
	return &cp
}

// All returns every replica's selection set, ordered by replica id.
func (m *Map) All() []*Set {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Set, 0, len(m.sets))
	for _, set := range m.sets {
		cp := *set
		cp.Selections = append([]Selection(nil), set.Selections...)
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Replica < result[j].Replica
	})
	return result
}

// Replicas returns the ids of replicas that currently own selections.
func (m *Map) Replicas() []buffer.ReplicaID {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]buffer.ReplicaID, 0, len(m.sets))
	for id := range m.sets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of replicas with selections.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets)
}

// Normalize resolves selections against a snapshot, orders them by start
// offset, and merges overlapping ones. Merged selections lose their
// direction, matching single-cursor merge behavior.
func Normalize(snap *buffer.Snapshot, sels []Selection) ([]Selection, error) {
	if len(sels) <= 1 {
		return append([]Selection(nil), sels...), nil
	}

	type entry struct {
		sel Selection
		res Resolved
	}

	entries := make([]entry, 0, len(sels))
	for _, sel := range sels {
		res, err := sel.Resolve(snap)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{sel: sel, res: res})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].res.Range.Start != entries[j].res.Range.Start {
			return entries[i].res.Range.Start < entries[j].res.Range.Start
		}
		return entries[i].res.Range.End < entries[j].res.Range.End
	})

	merged := entries[:1]
	for _, e := range entries[1:] {
		last := &merged[len(merged)-1]
		if e.res.Range.Start < last.res.Range.End ||
			(e.res.Range.Start == last.res.Range.End && e.res.IsEmpty() && last.res.IsEmpty()) {
			// Overlap: extend the previous selection to cover both.
			if e.res.Range.End > last.res.Range.End {
				last.sel = Selection{Start: last.sel.Start, End: e.sel.End}
				last.res.Range.End = e.res.Range.End
			}
			continue
		}
		merged = append(merged, e)
	}

	result := make([]Selection, len(merged))
	for i, e := range merged {
		result[i] = e.sel
	}
	return result, nil
}
