package session

import (
	"context"
	"time"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/config"
	"github.com/dshills/coedit/internal/registry"
	"github.com/dshills/coedit/internal/rpc"
	"github.com/dshills/coedit/internal/selection"
)

// handleMessage dispatches one incoming envelope.
func (s *Session) handleMessage(from rpc.PeerID, env rpc.Envelope) {
	s.mu.Lock()
	role := s.role
	project := s.projectID
	s.mu.Unlock()

	// Join traffic establishes the project; everything else must match.
	switch env.Kind {
	case rpc.KindJoin, rpc.KindJoinResponse:
	default:
		if project == "" || env.Project != project {
			return
		}
	}

	switch env.Kind {
	case rpc.KindJoin:
		if role == RoleHost {
			s.handleJoin(from, env)
		}
	case rpc.KindJoinResponse:
		var resp rpc.JoinResponsePayload
		if err := env.Decode(&resp); err != nil {
			s.logger.Warn("bad join response", "error", err)
			return
		}
		s.mu.Lock()
		ch := s.joinWait
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- resp:
			default:
			}
		}
	case rpc.KindEdit:
		s.handleEdit(from, env)
	case rpc.KindSelection:
		s.handleSelection(from, env)
	case rpc.KindBufferOpen:
		s.handleBufferOpen(from, env)
	case rpc.KindBufferClose:
		s.handleBufferClose(from, env)
	case rpc.KindShareState:
		s.handleShareState(from, env)
	case rpc.KindCollaborators:
		if role == RoleGuest {
			s.handleCollaborators(env)
		}
	case rpc.KindEditorConfig:
		if role == RoleGuest {
			s.handleEditorConfig(env)
		}
	case rpc.KindRequest:
		if role == RoleHost {
			s.handleRequest(from, env)
		}
	case rpc.KindResponse:
		s.handleResponse(env)
	case rpc.KindCancel:
		s.handleCancel(from, env)
	case rpc.KindResultPush:
		s.handleResultPush(env)
	case rpc.KindDiagnostics:
		if role == RoleGuest {
			s.handleDiagnostics(env)
		}
	}
}

// handleDiagnostics routes host-pushed diagnostics on a guest.
func (s *Session) handleDiagnostics(env rpc.Envelope) {
	var p rpc.DiagnosticsPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	fn := s.onDiagnostics
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// PushDiagnostics broadcasts the host's reconciled diagnostic set for a
// buffer to every guest.
func (s *Session) PushDiagnostics(p rpc.DiagnosticsPayload) {
	s.mu.Lock()
	isHost := s.role == RoleHost && s.state == StateShared
	project := s.projectID
	s.mu.Unlock()
	if !isHost {
		return
	}
	env, err := rpc.NewEnvelope(rpc.KindDiagnostics, project, p)
	if err != nil {
		return
	}
	s.broadcast(context.Background(), env, "")
}

// handleJoin admits a guest: assigns its replica id, answers with the
// full ground truth, and tells everyone else about the new collaborator.
func (s *Session) handleJoin(from rpc.PeerID, env rpc.Envelope) {
	var join rpc.JoinPayload
	if err := env.Decode(&join); err != nil {
		s.logger.Warn("bad join payload", "peer", from, "error", err)
		return
	}

	s.mu.Lock()
	project := s.projectID
	dir := s.directory
	accepting := s.state == StateShared
	s.mu.Unlock()

	conn, ok := s.endpoint.ConnTo(from)
	if !ok {
		return
	}

	if !accepting || join.Project != project {
		resp, err := rpc.NewEnvelope(rpc.KindJoinResponse, join.Project, rpc.JoinResponsePayload{
			Error: "project not shared",
		})
		if err == nil {
			conn.Send(context.Background(), resp)
		}
		return
	}

	// A returning guest keeps its replica id; Add is idempotent.
	collab := dir.Add(registry.PeerID(from), registry.Identity{Name: join.Name, Login: join.Login})
	s.cancelGrace(from)

	s.mu.Lock()
	payload := rpc.JoinResponsePayload{
		Replica: uint16(collab.Replica),
		EditorConfig: rpc.EditorConfigPayload{
			TabWidth:    s.editorCfg.TabWidth,
			IndentStyle: string(s.editorCfg.IndentStyle),
			Generation:  s.ecGeneration,
		},
	}
	buffers := make([]*SharedBuffer, 0, len(s.buffers))
	for _, sb := range s.buffers {
		buffers = append(buffers, sb)
	}
	s.mu.Unlock()

	for _, sb := range buffers {
		payload.Buffers = append(payload.Buffers, s.wireBuffer(sb))
		dir.MarkOpen(registry.PeerID(from), sb.buf.ID())
	}
	payload.Collaborators = wireCollaborators(dir, s.endpoint.ID(), s.identity)

	resp, err := rpc.NewEnvelope(rpc.KindJoinResponse, project, payload)
	if err != nil {
		s.logger.Error("encode join response", "error", err)
		return
	}
	if err := conn.Send(context.Background(), resp); err != nil {
		s.logger.Warn("send join response", "peer", from, "error", err)
		return
	}

	s.broadcastCollaborators(from)
	s.logger.Info("guest joined", "peer", from, "replica", collab.Replica)
}

// broadcastCollaborators sends the authoritative directory to guests.
func (s *Session) broadcastCollaborators(except rpc.PeerID) {
	s.mu.Lock()
	dir := s.directory
	project := s.projectID
	s.mu.Unlock()
	if dir == nil {
		return
	}
	env, err := rpc.NewEnvelope(rpc.KindCollaborators, project, rpc.CollaboratorsPayload{
		Collaborators: wireCollaborators(dir, s.endpoint.ID(), s.identity),
	})
	if err != nil {
		return
	}
	s.broadcast(context.Background(), env, except)
}

// wireCollaborators serializes the directory plus the host itself.
func wireCollaborators(dir *registry.Directory, hostPeer rpc.PeerID, hostIdentity registry.Identity) []rpc.WireCollaborator {
	out := []rpc.WireCollaborator{{
		Peer:    hostPeer,
		Replica: uint16(hostReplica),
		Name:    hostIdentity.Name,
		Login:   hostIdentity.Login,
	}}
	for _, c := range dir.All() {
		out = append(out, rpc.WireCollaborator{
			Peer:    rpc.PeerID(c.Peer),
			Replica: uint16(c.Replica),
			Name:    c.Identity.Name,
			Login:   c.Identity.Login,
		})
	}
	return out
}

func (s *Session) handleEdit(from rpc.PeerID, env rpc.Envelope) {
	var p rpc.EditPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Warn("bad edit payload", "error", err)
		return
	}
	sb, ok := s.Buffer(p.Buffer)
	if !ok {
		return
	}

	edits := make([]buffer.Edit, len(p.Edits))
	for i, we := range p.Edits {
		edits[i] = buffer.Edit{
			Range:   buffer.Range{Start: buffer.ByteOffset(we.Start), End: buffer.ByteOffset(we.End)},
			NewText: we.NewText,
		}
	}
	if _, err := sb.buf.ApplyRemote(buffer.ReplicaID(p.Replica), edits); err != nil {
		s.logger.Error("apply remote edit", "buffer", p.Buffer, "replica", p.Replica, "error", err)
		return
	}

	// The host relays guest edits to the other guests.
	if s.Role() == RoleHost {
		s.broadcast(context.Background(), env, from)
	}
}

func (s *Session) handleSelection(from rpc.PeerID, env rpc.Envelope) {
	var p rpc.SelectionPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Warn("bad selection payload", "error", err)
		return
	}
	sb, ok := s.Buffer(p.Buffer)
	if !ok {
		return
	}
	s.applyRemoteSelections(sb, p)

	if s.Role() == RoleHost {
		s.broadcast(context.Background(), env, from)
	}
}

// handleBufferOpen installs a host-announced buffer on a guest, or marks
// observation when a guest announces it opened one.
func (s *Session) handleBufferOpen(from rpc.PeerID, env rpc.Envelope) {
	if s.Role() == RoleHost {
		var p rpc.BufferStatePayload
		if err := env.Decode(&p); err != nil {
			return
		}
		s.mu.Lock()
		dir := s.directory
		s.mu.Unlock()
		if dir != nil {
			dir.MarkOpen(registry.PeerID(from), p.Buffer)
		}
		return
	}

	var wb rpc.WireBuffer
	if err := env.Decode(&wb); err != nil {
		s.logger.Warn("bad buffer open payload", "error", err)
		return
	}

	s.mu.Lock()
	if _, exists := s.buffers[wb.ID]; exists {
		s.mu.Unlock()
		return
	}
	sb := &SharedBuffer{
		buf: buffer.New(wb.ID, s.localReplica, wb.Text,
			buffer.WithVersion(versionFromWire(wb.Version)),
			buffer.WithTabWidth(s.editorCfg.TabWidth)),
		sels:     selection.NewMap(),
		path:     wb.Path,
		language: languageFromPath(wb.Path),
	}
	sb.applyIndent(s.editorCfg)
	s.buffers[wb.ID] = sb
	if wb.ID >= s.nextBufferID {
		s.nextBufferID = wb.ID + 1
	}
	if s.directory != nil {
		s.directory.TrackBuffer(wb.ID, sb.buf, sb.sels)
	}
	s.subscribeBuffer(sb)
	s.mu.Unlock()
	s.notifyDirty(wb.ID)
}

func (s *Session) handleBufferClose(from rpc.PeerID, env rpc.Envelope) {
	var p rpc.BufferStatePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	if s.Role() == RoleHost {
		s.mu.Lock()
		dir := s.directory
		s.mu.Unlock()
		if dir != nil {
			dir.MarkClosed(registry.PeerID(from), p.Buffer)
		}
		return
	}

	s.mu.Lock()
	delete(s.buffers, p.Buffer)
	if s.directory != nil {
		s.directory.UntrackBuffer(p.Buffer)
	}
	s.mu.Unlock()
	s.notifyDirty(p.Buffer)
}

// handleShareState reacts to the host unsharing.
func (s *Session) handleShareState(from rpc.PeerID, env rpc.Envelope) {
	var p rpc.ShareStatePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	isGuest := s.role == RoleGuest && from == s.hostPeer
	s.mu.Unlock()
	if !isGuest || p.Shared {
		return
	}
	s.logger.Info("host unshared the project")
	s.teardown()
}

// handleCollaborators reconciles the guest's directory mirror against
// the host's broadcast.
func (s *Session) handleCollaborators(env rpc.Envelope) {
	var p rpc.CollaboratorsPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	dir := s.directory
	s.mu.Unlock()
	if dir == nil {
		return
	}

	seen := make(map[registry.PeerID]struct{}, len(p.Collaborators))
	for _, wc := range p.Collaborators {
		peer := registry.PeerID(wc.Peer)
		seen[peer] = struct{}{}
		dir.AddWithReplica(peer, buffer.ReplicaID(wc.Replica),
			registry.Identity{Name: wc.Name, Login: wc.Login})
	}
	for _, c := range dir.All() {
		if _, ok := seen[c.Peer]; !ok {
			dir.Remove(c.Peer)
		}
	}
}

// handleEditorConfig applies a host settings broadcast. The generation
// guards against reordered deliveries across reconnects.
func (s *Session) handleEditorConfig(env rpc.Envelope) {
	var p rpc.EditorConfigPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	if p.Generation <= s.ecGeneration {
		s.mu.Unlock()
		return
	}
	s.ecGeneration = p.Generation
	s.editorCfg.TabWidth = p.TabWidth
	if p.IndentStyle != "" {
		s.editorCfg.IndentStyle = config.IndentStyle(p.IndentStyle)
	}
	ec := s.editorCfg
	buffers := make([]*SharedBuffer, 0, len(s.buffers))
	for _, sb := range s.buffers {
		buffers = append(buffers, sb)
	}
	s.mu.Unlock()

	for _, sb := range buffers {
		sb.applyIndent(ec)
	}
}

// handleConnect cancels a leaving peer's grace timer when it returns,
// and lets a disconnected guest notice its host is back.
func (s *Session) handleConnect(peer rpc.PeerID) {
	s.cancelGrace(peer)
}

// handleDisconnect starts the loss machinery for a dropped peer.
func (s *Session) handleDisconnect(peer rpc.PeerID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.role == RoleGuest && peer == s.hostPeer && s.state == StateShared:
		// Host lost: everything goes read-only while the reconnection
		// timer runs.
		for _, sb := range s.buffers {
			sb.buf.SetReadOnly(true)
		}
		if s.directory != nil {
			dir := s.directory
			s.mu.Unlock()
			dir.Clear()
			s.mu.Lock()
		}
		s.setState(StateDisconnected)
		s.startReconnectTimerLocked()
		s.logger.Warn("connection to host lost", "host", peer)

	case s.role == RoleHost && s.state == StateShared:
		if _, ok := s.directory.Get(registry.PeerID(peer)); !ok {
			return
		}
		s.startGraceLocked(peer)
	}
}

// startGraceLocked arms the removal timer for a silent guest.
func (s *Session) startGraceLocked(peer rpc.PeerID) {
	if t, ok := s.graceTimers[peer]; ok {
		t.Stop()
	}
	s.graceTimers[peer] = time.AfterFunc(s.cfg.GracePeriod, func() {
		s.mu.Lock()
		delete(s.graceTimers, peer)
		dir := s.directory
		stillHost := s.role == RoleHost
		s.mu.Unlock()
		if !stillHost || dir == nil {
			return
		}
		if _, ok := s.endpoint.ConnTo(peer); ok {
			return
		}
		dir.Remove(registry.PeerID(peer))
		s.forgetReplicaRequests(peer)
		s.broadcastCollaborators(peer)
		s.logger.Info("collaborator timed out", "peer", peer)
	})
}

func (s *Session) cancelGrace(peer rpc.PeerID) {
	s.mu.Lock()
	if t, ok := s.graceTimers[peer]; ok {
		t.Stop()
		delete(s.graceTimers, peer)
	}
	s.mu.Unlock()
}

// startReconnectTimerLocked arms the guest-side unshare deadline.
func (s *Session) startReconnectTimerLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectTimeout, func() {
		s.mu.Lock()
		timedOut := s.state == StateDisconnected
		s.mu.Unlock()
		if timedOut {
			s.logger.Warn("reconnect window elapsed, unsharing")
			s.teardown()
		}
	})
}

// Reconnect attempts to restore a disconnected guest session. On
// success the session returns to Shared with state resynchronized from
// the host's ground truth.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrNotShared
	}
	s.mu.Unlock()

	if err := s.dialAndJoin(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.setState(StateShared)
	s.mu.Unlock()
	s.logger.Info("reconnected to host")
	return nil
}
