// Package buffer implements the replicated text buffer substrate for
// collaborative editing.
//
// A Buffer holds text content plus a table of anchors: stable logical
// positions identified by (replica, sequence, bias) that survive concurrent
// edits from any replica. Anchors are never live references; they are
// resolved against an explicit Snapshot passed in by the caller.
//
// Edits are applied atomically relative to one snapshot transition. All
// registered anchors are transformed in the same transition, so no anchor
// can observe a half-applied edit batch. Components that need to react to
// edits (the request proxy, the diagnostics reconciler, the session layer)
// subscribe to the buffer's edit-event stream.
package buffer
