package buffer

// Event describes one applied edit batch. Subscribers receive events
// synchronously in application order.
type Event struct {
	// Buffer is the id of the edited buffer.
	Buffer ID

	// Origin is the replica that originated the batch.
	Origin ReplicaID

	// Edits are the applied operations in ascending offset order,
	// relative to the snapshot before the batch.
	Edits []Edit

	// Results describe each applied edit.
	Results []EditResult

	// Version is the buffer version after the batch.
	Version Version

	// Local is true if the batch originated at this replica and should
	// be broadcast to peers.
	Local bool
}

// MinStart returns the lowest start offset among the event's edits.
// Diagnostics invalidation uses this as the "everything at or after this
// point has shifted" boundary.
func (e Event) MinStart() ByteOffset {
	if len(e.Edits) == 0 {
		return 0
	}
	min := e.Edits[0].Range.Start
	for _, ed := range e.Edits[1:] {
		if ed.Range.Start < min {
			min = ed.Range.Start
		}
	}
	return min
}
