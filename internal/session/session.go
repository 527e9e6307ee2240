package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/config"
	"github.com/dshills/coedit/internal/registry"
	"github.com/dshills/coedit/internal/rpc"
	"github.com/dshills/coedit/internal/selection"
)

// hostReplica is the replica id the sharing process always holds.
const hostReplica buffer.ReplicaID = 1

// Session is one process's view of a shared project.
type Session struct {
	endpoint rpc.Endpoint
	cfg      config.Config
	identity registry.Identity
	logger   *slog.Logger

	mu           sync.Mutex
	role         Role
	state        State
	projectID    string
	localReplica buffer.ReplicaID
	directory    *registry.Directory
	buffers      map[buffer.ID]*SharedBuffer
	nextBufferID buffer.ID

	hostPeer       rpc.PeerID
	reconnectTimer *time.Timer
	graceTimers    map[rpc.PeerID]*time.Timer

	editorCfg    config.EditorConfig
	ecGeneration uint64

	pendingSels []pendingSelection
	joinWait    chan rpc.JoinResponsePayload

	nextReqID   uint64
	pendingReqs map[uint64]chan rpc.ResponsePayload
	serving     map[servingKey]context.CancelFunc

	requestServer RequestServer
	onResultPush  func(rpc.ResultPushPayload)
	onDiagnostics func(rpc.DiagnosticsPayload)
	stateSubs     []func(State)
	dirtySubs     []func(buffer.ID)
}

// pendingSelection is a remote selection update the local replica has
// not caught up to yet. Retried after every local buffer change.
type pendingSelection struct {
	buffer  buffer.ID
	payload rpc.SelectionPayload
}

type servingKey struct {
	peer rpc.PeerID
	id   uint64
}

// RequestServer answers forwarded guest queries on the host. The proxy
// layer provides the implementation. Replica is the requesting guest's
// replica id, so the answerer can apply per-replica supersede rules.
type RequestServer interface {
	Serve(ctx context.Context, replica buffer.ReplicaID, buf buffer.ID, kind string, params []byte, generation uint64) ([]byte, error)
}

// Option configures a Session.
type Option func(*Session)

// WithSessionLogger sets the session's logger.
func WithSessionLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithRequestServer installs the host-side answerer for forwarded
// queries. Sessions that never host may omit it.
func WithRequestServer(rs RequestServer) Option {
	return func(s *Session) { s.requestServer = rs }
}

// New creates an idle session bound to a transport endpoint.
func New(endpoint rpc.Endpoint, cfg config.Config, identity registry.Identity, opts ...Option) *Session {
	s := &Session{
		endpoint:    endpoint,
		cfg:         cfg,
		identity:    identity,
		logger:      slog.Default(),
		state:       StateUnshared,
		buffers:     make(map[buffer.ID]*SharedBuffer),
		graceTimers: make(map[rpc.PeerID]*time.Timer),
		pendingReqs: make(map[uint64]chan rpc.ResponsePayload),
		serving:     make(map[servingKey]context.CancelFunc),
		editorCfg:   config.DefaultEditorConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}

	endpoint.OnMessage(s.handleMessage)
	endpoint.OnConnect(s.handleConnect)
	endpoint.OnDisconnect(s.handleDisconnect)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the session role.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// ProjectID returns the live project id, empty when unshared.
func (s *Session) ProjectID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectID
}

// LocalReplica returns this process's replica id.
func (s *Session) LocalReplica() buffer.ReplicaID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localReplica
}

// ReadOnly reports whether local edits are currently rejected.
func (s *Session) ReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role == RoleGuest && s.state != StateShared
}

// Directory returns the collaborator directory, nil when unshared.
func (s *Session) Directory() *registry.Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directory
}

// EditorConfig returns the propagated editor settings.
func (s *Session) EditorConfig() config.EditorConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editorCfg
}

// OnStateChange registers a callback fired after every state transition.
// The "connection lost" signal UI layers watch for is the transition to
// StateDisconnected.
func (s *Session) OnStateChange(fn func(State)) {
	s.mu.Lock()
	s.stateSubs = append(s.stateSubs, fn)
	s.mu.Unlock()
}

// OnBufferChanged registers a callback fired when a buffer's content or
// selections changed for any reason.
func (s *Session) OnBufferChanged(fn func(buffer.ID)) {
	s.mu.Lock()
	s.dirtySubs = append(s.dirtySubs, fn)
	s.mu.Unlock()
}

// OnResultPush registers the callback for host-pushed proxy results.
// Guests route these into their local result cache.
func (s *Session) OnResultPush(fn func(rpc.ResultPushPayload)) {
	s.mu.Lock()
	s.onResultPush = fn
	s.mu.Unlock()
}

// OnDiagnostics registers the callback for host-pushed diagnostics.
func (s *Session) OnDiagnostics(fn func(rpc.DiagnosticsPayload)) {
	s.mu.Lock()
	s.onDiagnostics = fn
	s.mu.Unlock()
}

// setState transitions and notifies. Caller must hold s.mu; the lock is
// released while subscribers run.
func (s *Session) setState(next State) {
	if s.state == next {
		return
	}
	s.state = next
	subs := append([]func(State){}, s.stateSubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(next)
	}
	s.mu.Lock()
}

func (s *Session) notifyDirty(id buffer.ID) {
	s.mu.Lock()
	subs := append([]func(buffer.ID){}, s.dirtySubs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(id)
	}
}

// Share makes the local project joinable and returns its fresh id.
// Re-sharing after an unshare always produces a new id; nothing carries
// over.
func (s *Session) Share() (string, error) {
	s.mu.Lock()
	if s.state != StateUnshared {
		s.mu.Unlock()
		return "", ErrAlreadyShared
	}
	s.role = RoleHost
	s.localReplica = hostReplica
	s.projectID = uuid.NewString()
	s.directory = registry.New(hostReplica)
	for _, sb := range s.buffers {
		s.directory.TrackBuffer(sb.buf.ID(), sb.buf, sb.sels)
	}
	id := s.projectID
	s.setState(StateShared)
	s.mu.Unlock()

	s.logger.Info("project shared", "project", id)
	return id, nil
}

// Join connects to a host and joins its shared project. On success the
// session holds mirrored buffers, the collaborator directory, and the
// replica id the host assigned.
func (s *Session) Join(ctx context.Context, projectID string, hostPeer rpc.PeerID) error {
	s.mu.Lock()
	if s.state != StateUnshared {
		s.mu.Unlock()
		return ErrAlreadyShared
	}
	s.role = RoleGuest
	s.hostPeer = hostPeer
	s.projectID = projectID
	s.mu.Unlock()

	if err := s.dialAndJoin(ctx); err != nil {
		s.mu.Lock()
		s.role = RoleNone
		s.projectID = ""
		s.hostPeer = ""
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.setState(StateShared)
	s.mu.Unlock()
	s.logger.Info("joined project", "project", projectID, "host", hostPeer)
	return nil
}

// dialAndJoin performs the connect + join handshake and installs the
// host's ground truth. Used by Join and by reconnection.
func (s *Session) dialAndJoin(ctx context.Context) error {
	s.mu.Lock()
	hostPeer := s.hostPeer
	projectID := s.projectID
	s.mu.Unlock()

	conn, ok := s.endpoint.ConnTo(hostPeer)
	if !ok {
		var err error
		conn, err = s.endpoint.Dial(ctx, hostPeer)
		if err != nil {
			return fmt.Errorf("dial host: %w", err)
		}
	}

	joined := make(chan rpc.JoinResponsePayload, 1)
	s.mu.Lock()
	s.joinWait = joined
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.joinWait = nil
		s.mu.Unlock()
	}()

	env, err := rpc.NewEnvelope(rpc.KindJoin, projectID, rpc.JoinPayload{
		Project: projectID,
		Peer:    s.endpoint.ID(),
		Name:    s.identity.Name,
		Login:   s.identity.Login,
	})
	if err != nil {
		return err
	}
	if err := conn.Send(ctx, env); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	var resp rpc.JoinResponsePayload
	select {
	case resp = <-joined:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.cfg.RequestTimeout):
		return fmt.Errorf("join: %w", ErrNotConnected)
	}
	if resp.Error != "" {
		return fmt.Errorf("%w: %s", ErrJoinRejected, resp.Error)
	}

	s.installGroundTruth(resp)
	return nil
}

// installGroundTruth replaces all mirrored state with the host's. Any
// speculative guest state is discarded, never merged.
func (s *Session) installGroundTruth(resp rpc.JoinResponsePayload) {
	s.mu.Lock()
	s.localReplica = buffer.ReplicaID(resp.Replica)
	s.directory = registry.New(s.localReplica)

	s.buffers = make(map[buffer.ID]*SharedBuffer)
	s.pendingSels = nil
	installed := make(map[*SharedBuffer]rpc.WireBuffer, len(resp.Buffers))
	for _, wb := range resp.Buffers {
		sb := &SharedBuffer{
			buf: buffer.New(wb.ID, s.localReplica, wb.Text,
				buffer.WithVersion(versionFromWire(wb.Version)),
				buffer.WithTabWidth(resp.EditorConfig.TabWidth)),
			sels:     selection.NewMap(),
			path:     wb.Path,
			language: languageFromPath(wb.Path),
		}
		s.buffers[wb.ID] = sb
		s.directory.TrackBuffer(wb.ID, sb.buf, sb.sels)
		if wb.ID >= s.nextBufferID {
			s.nextBufferID = wb.ID + 1
		}
		s.subscribeBuffer(sb)
		installed[sb] = wb
	}

	for _, wc := range resp.Collaborators {
		s.directory.AddWithReplica(registry.PeerID(wc.Peer), buffer.ReplicaID(wc.Replica),
			registry.Identity{Name: wc.Name, Login: wc.Login})
	}

	s.ecGeneration = resp.EditorConfig.Generation
	s.editorCfg = config.EditorConfig{
		TabWidth:    resp.EditorConfig.TabWidth,
		IndentStyle: config.IndentStyle(resp.EditorConfig.IndentStyle),
	}
	if s.editorCfg.TabWidth == 0 {
		s.editorCfg = config.DefaultEditorConfig()
	}
	for _, sb := range s.buffers {
		sb.applyIndent(s.editorCfg)
	}

	s.mu.Unlock()

	// Other collaborators' selections arrive inside the snapshot.
	for sb, wb := range installed {
		for _, entry := range wb.Selections {
			s.applyRemoteSelections(sb, rpc.SelectionPayload{
				Buffer:     wb.ID,
				Replica:    entry.Replica,
				Selections: entry.Selections,
				Active:     entry.Active,
				Version:    wb.Version,
			})
		}
	}
}

// Unshare tears the session down. On the host every guest is told the
// project is gone; on a guest the mirrors are dropped locally.
func (s *Session) Unshare(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateUnshared {
		s.mu.Unlock()
		return ErrNotShared
	}
	role := s.role
	project := s.projectID
	s.mu.Unlock()

	if role == RoleHost {
		env, err := rpc.NewEnvelope(rpc.KindShareState, project, rpc.ShareStatePayload{Shared: false})
		if err == nil {
			s.broadcast(ctx, env, "")
		}
	}

	s.teardown()
	s.logger.Info("project unshared", "project", project, "role", role.String())
	return nil
}

// teardown moves the session to Unshared and releases all live state.
func (s *Session) teardown() {
	s.mu.Lock()
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	for peer, t := range s.graceTimers {
		t.Stop()
		delete(s.graceTimers, peer)
	}
	for id, cancel := range s.serving {
		cancel()
		delete(s.serving, id)
	}
	for id, ch := range s.pendingReqs {
		close(ch)
		delete(s.pendingReqs, id)
	}
	if s.role == RoleGuest {
		for _, sb := range s.buffers {
			sb.buf.SetReadOnly(true)
		}
	}
	if s.directory != nil {
		dir := s.directory
		s.mu.Unlock()
		dir.Clear()
		s.mu.Lock()
	}
	s.directory = nil
	s.pendingSels = nil
	s.projectID = ""
	s.hostPeer = ""
	s.role = RoleNone
	s.setState(StateUnshared)
	s.mu.Unlock()
}

// Close tears down the session and its endpoint.
func (s *Session) Close() error {
	s.mu.Lock()
	active := s.state != StateUnshared
	s.mu.Unlock()
	if active {
		s.teardown()
	}
	return s.endpoint.Close()
}

// SetEditorConfig applies new editor settings locally and, on the host,
// broadcasts them so guests' next Tab keystroke indents identically.
func (s *Session) SetEditorConfig(ctx context.Context, ec config.EditorConfig) {
	s.mu.Lock()
	s.editorCfg = ec
	s.ecGeneration++
	gen := s.ecGeneration
	project := s.projectID
	role := s.role
	buffers := make([]*SharedBuffer, 0, len(s.buffers))
	for _, sb := range s.buffers {
		buffers = append(buffers, sb)
	}
	s.mu.Unlock()

	for _, sb := range buffers {
		sb.applyIndent(ec)
	}

	if role == RoleHost {
		env, err := rpc.NewEnvelope(rpc.KindEditorConfig, project, rpc.EditorConfigPayload{
			TabWidth:    ec.TabWidth,
			IndentStyle: string(ec.IndentStyle),
			Generation:  gen,
		})
		if err != nil {
			s.logger.Error("encode editorconfig", "error", err)
			return
		}
		s.broadcast(ctx, env, "")
	}
}

// broadcast sends an envelope to every connected collaborator except
// one. Never called with s.mu held.
func (s *Session) broadcast(ctx context.Context, env rpc.Envelope, except rpc.PeerID) {
	s.mu.Lock()
	dir := s.directory
	role := s.role
	hostPeer := s.hostPeer
	s.mu.Unlock()

	if role == RoleGuest {
		if hostPeer == "" || hostPeer == except {
			return
		}
		if conn, ok := s.endpoint.ConnTo(hostPeer); ok {
			if err := conn.Send(ctx, env); err != nil {
				s.logger.Debug("send to host failed", "kind", env.Kind.String(), "error", err)
			}
		}
		return
	}

	if dir == nil {
		return
	}
	for _, c := range dir.All() {
		peer := rpc.PeerID(c.Peer)
		if peer == except || peer == s.endpoint.ID() {
			continue
		}
		conn, ok := s.endpoint.ConnTo(peer)
		if !ok {
			continue
		}
		if err := conn.Send(ctx, env); err != nil {
			s.logger.Debug("broadcast failed", "peer", peer, "kind", env.Kind.String(), "error", err)
		}
	}
}

func versionFromWire(v map[uint16]uint64) buffer.Version {
	out := make(buffer.Version, len(v))
	for r, n := range v {
		out[buffer.ReplicaID(r)] = n
	}
	return out
}

func versionToWire(v buffer.Version) map[uint16]uint64 {
	out := make(map[uint16]uint64, len(v))
	for r, n := range v {
		out[uint16(r)] = n
	}
	return out
}
