package session

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/rpc"
	"github.com/dshills/coedit/internal/selection"
)

// OpenBuffer creates a buffer owned by this process and, when hosting,
// announces it to every guest. Guests receive buffers from the host and
// never open shared buffers themselves.
func (s *Session) OpenBuffer(path, text string) (*SharedBuffer, error) {
	s.mu.Lock()
	if s.role == RoleGuest {
		s.mu.Unlock()
		return nil, ErrNotShared
	}
	replica := s.localReplica
	if replica == 0 {
		replica = hostReplica
	}
	id := s.nextBufferID
	if id == 0 {
		id = 1
	}
	s.nextBufferID = id + 1

	sb := &SharedBuffer{
		buf:      buffer.New(id, replica, text, buffer.WithTabWidth(s.editorCfg.TabWidth)),
		sels:     selection.NewMap(),
		path:     path,
		language: languageFromPath(path),
	}
	sb.applyIndent(s.editorCfg)
	s.buffers[id] = sb
	if s.directory != nil {
		s.directory.TrackBuffer(id, sb.buf, sb.sels)
	}
	s.subscribeBuffer(sb)
	shared := s.state == StateShared && s.role == RoleHost
	project := s.projectID
	s.mu.Unlock()

	if shared {
		env, err := rpc.NewEnvelope(rpc.KindBufferOpen, project, s.wireBuffer(sb))
		if err == nil {
			s.broadcast(context.Background(), env, "")
		}
	}
	return sb, nil
}

// CloseBuffer drops a buffer and everything keyed on it.
func (s *Session) CloseBuffer(ctx context.Context, id buffer.ID) error {
	s.mu.Lock()
	sb, ok := s.buffers[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownBuffer
	}
	delete(s.buffers, id)
	if s.directory != nil {
		s.directory.UntrackBuffer(id)
	}
	shared := s.state == StateShared && s.role == RoleHost
	project := s.projectID
	s.mu.Unlock()

	if shared {
		env, err := rpc.NewEnvelope(rpc.KindBufferClose, project, rpc.BufferStatePayload{
			Buffer: id, Path: sb.path,
		})
		if err == nil {
			s.broadcast(ctx, env, "")
		}
	}
	return nil
}

// Buffer returns a shared buffer by id.
func (s *Session) Buffer(id buffer.ID) (*SharedBuffer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sb, ok := s.buffers[id]
	return sb, ok
}

// Buffers returns every shared buffer.
func (s *Session) Buffers() []*SharedBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SharedBuffer, 0, len(s.buffers))
	for _, sb := range s.buffers {
		out = append(out, sb)
	}
	return out
}

// Edit applies a local edit batch. Fails with buffer.ErrReadOnly while
// the session is disconnected or unshared on a guest. The broadcast to
// peers happens through the buffer's event stream.
func (s *Session) Edit(id buffer.ID, edits []buffer.Edit) ([]buffer.EditResult, error) {
	sb, ok := s.Buffer(id)
	if !ok {
		return nil, ErrUnknownBuffer
	}
	return sb.buf.Edit(edits)
}

// UpdateSelections replaces this replica's selection set in a buffer and
// broadcasts it with the current version vector, so receivers know when
// they have caught up enough to resolve the anchors.
func (s *Session) UpdateSelections(ctx context.Context, id buffer.ID, sels []selection.Selection, active bool) error {
	sb, ok := s.Buffer(id)
	if !ok {
		return ErrUnknownBuffer
	}

	snap := sb.buf.Snapshot()
	if err := sb.sels.Update(snap, s.LocalReplica(), sels, active); err != nil {
		return err
	}
	s.notifyDirty(id)

	s.mu.Lock()
	shared := s.state == StateShared
	project := s.projectID
	replica := s.localReplica
	s.mu.Unlock()
	if !shared {
		return nil
	}

	wire := make([]rpc.WireSelection, 0, len(sels))
	for _, sel := range sels {
		ws, err := wireSelection(snap, sel)
		if err != nil {
			continue
		}
		wire = append(wire, ws)
	}
	env, err := rpc.NewEnvelope(rpc.KindSelection, project, rpc.SelectionPayload{
		Buffer:     id,
		Replica:    uint16(replica),
		Selections: wire,
		Active:     active,
		Version:    versionToWire(snap.Version()),
	})
	if err != nil {
		return err
	}
	s.broadcast(ctx, env, "")
	return nil
}

// subscribeBuffer wires a buffer's event stream into broadcast, pending
// selection retry, and dirty notification. Caller holds s.mu; the
// callback itself runs without it.
func (s *Session) subscribeBuffer(sb *SharedBuffer) {
	sb.buf.Subscribe(func(ev buffer.Event) {
		if ev.Local {
			s.broadcastEdit(sb, ev)
		}
		s.retryPendingSelections(ev.Buffer)
		s.notifyDirty(ev.Buffer)
	})
}

// broadcastEdit sends a locally applied batch to peers.
func (s *Session) broadcastEdit(sb *SharedBuffer, ev buffer.Event) {
	s.mu.Lock()
	shared := s.state == StateShared
	project := s.projectID
	s.mu.Unlock()
	if !shared {
		return
	}

	wire := make([]rpc.WireEdit, len(ev.Edits))
	for i, e := range ev.Edits {
		wire[i] = rpc.WireEdit{
			Start:   int(e.Range.Start),
			End:     int(e.Range.End),
			NewText: e.NewText,
		}
	}
	env, err := rpc.NewEnvelope(rpc.KindEdit, project, rpc.EditPayload{
		Buffer:  ev.Buffer,
		Replica: uint16(ev.Origin),
		Edits:   wire,
	})
	if err != nil {
		s.logger.Error("encode edit", "error", err)
		return
	}
	s.broadcast(context.Background(), env, "")
}

// applyRemoteSelections installs a peer's selection set. If the local
// replica has not observed the sender's version yet, the update is
// queued and retried after the next local snapshot advance.
func (s *Session) applyRemoteSelections(sb *SharedBuffer, p rpc.SelectionPayload) {
	snap := sb.buf.Snapshot()
	if !snap.Version().Observes(versionFromWire(p.Version)) {
		s.mu.Lock()
		s.pendingSels = append(s.pendingSels, pendingSelection{buffer: p.Buffer, payload: p})
		s.mu.Unlock()
		return
	}

	sels := make([]selection.Selection, 0, len(p.Selections))
	for _, ws := range p.Selections {
		start, err := s.registerWireAnchor(sb, ws.Start)
		if err != nil {
			s.logger.Warn("selection anchor unresolved after catch-up",
				"buffer", p.Buffer, "replica", p.Replica, "error", err)
			continue
		}
		end, err := s.registerWireAnchor(sb, ws.End)
		if err != nil {
			s.logger.Warn("selection anchor unresolved after catch-up",
				"buffer", p.Buffer, "replica", p.Replica, "error", err)
			continue
		}
		sels = append(sels, selection.Selection{Start: start, End: end, Reversed: ws.Reversed})
	}

	fresh := sb.buf.Snapshot()
	if err := sb.sels.Update(fresh, buffer.ReplicaID(p.Replica), sels, p.Active); err != nil {
		s.logger.Warn("selection update failed", "buffer", p.Buffer, "replica", p.Replica, "error", err)
		return
	}
	s.notifyDirty(p.Buffer)
}

// registerWireAnchor makes a remote anchor resolvable locally. Anchors
// already known keep their tracked position; the wire offset only seeds
// newly seen ones.
func (s *Session) registerWireAnchor(sb *SharedBuffer, wa rpc.WireAnchor) (buffer.Anchor, error) {
	a := buffer.Anchor{
		Replica: buffer.ReplicaID(wa.Replica),
		Seq:     wa.Seq,
		Bias:    buffer.Bias(wa.Bias),
	}
	err := sb.buf.RegisterAnchor(a, buffer.ByteOffset(wa.Offset))
	if err != nil && err != buffer.ErrAnchorExists {
		return buffer.Anchor{}, err
	}
	return a, nil
}

// retryPendingSelections re-applies queued selection updates for a
// buffer after its snapshot advanced.
func (s *Session) retryPendingSelections(id buffer.ID) {
	s.mu.Lock()
	if len(s.pendingSels) == 0 {
		s.mu.Unlock()
		return
	}
	var retry []pendingSelection
	var keep []pendingSelection
	for _, p := range s.pendingSels {
		if p.buffer == id {
			retry = append(retry, p)
		} else {
			keep = append(keep, p)
		}
	}
	s.pendingSels = keep
	s.mu.Unlock()

	for _, p := range retry {
		sb, ok := s.Buffer(p.buffer)
		if !ok {
			continue
		}
		s.applyRemoteSelections(sb, p.payload)
	}
}

// wireBuffer snapshots a buffer for transmission to guests.
func (s *Session) wireBuffer(sb *SharedBuffer) rpc.WireBuffer {
	snap := sb.buf.Snapshot()
	wb := rpc.WireBuffer{
		ID:      sb.buf.ID(),
		Path:    sb.path,
		Text:    snap.Text(),
		Version: versionToWire(snap.Version()),
	}
	for _, set := range sb.sels.All() {
		entry := struct {
			Replica    uint16              `json:"replica"`
			Selections []rpc.WireSelection `json:"selections"`
			Active     bool                `json:"active"`
		}{Replica: uint16(set.Replica), Active: set.Active}
		for _, sel := range set.Selections {
			ws, err := wireSelection(snap, sel)
			if err != nil {
				continue
			}
			entry.Selections = append(entry.Selections, ws)
		}
		wb.Selections = append(wb.Selections, entry)
	}
	return wb
}

// wireSelection resolves a selection's anchors so the receiver can seed
// them if it has never seen them.
func wireSelection(snap *buffer.Snapshot, sel selection.Selection) (rpc.WireSelection, error) {
	start, err := snap.Resolve(sel.Start)
	if err != nil {
		return rpc.WireSelection{}, err
	}
	end, err := snap.Resolve(sel.End)
	if err != nil {
		return rpc.WireSelection{}, err
	}
	return rpc.WireSelection{
		Start: rpc.WireAnchor{
			Replica: uint16(sel.Start.Replica), Seq: sel.Start.Seq,
			Bias: uint8(sel.Start.Bias), Offset: int(start),
		},
		End: rpc.WireAnchor{
			Replica: uint16(sel.End.Replica), Seq: sel.End.Seq,
			Bias: uint8(sel.End.Bias), Offset: int(end),
		},
		Reversed: sel.Reversed,
	}, nil
}

// languageFromPath maps a file extension to a language name.
func languageFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".py":
		return "python"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".hpp":
		return "cpp"
	default:
		return "plaintext"
	}
}
