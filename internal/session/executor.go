package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/proxy"
	"github.com/dshills/coedit/internal/registry"
	"github.com/dshills/coedit/internal/rpc"
)

// GuestExecutor forwards semantic queries to the host over the session
// connection. It satisfies the proxy's Executor so a guest's debounce
// and cache behave exactly like the host's.
type GuestExecutor struct {
	s *Session
}

// Executor returns the forwarding executor for this session.
func (s *Session) Executor() proxy.Executor {
	return &GuestExecutor{s: s}
}

// Execute implements proxy.Executor.
func (e *GuestExecutor) Execute(ctx context.Context, req proxy.Request) (json.RawMessage, error) {
	return e.s.forward(ctx, req.Kind.String(), req.Buffer, req.Params, req.Generation)
}

// Resolve implements proxy.Executor.
func (e *GuestExecutor) Resolve(ctx context.Context, kind proxy.Kind, buf buffer.ID, params json.RawMessage) (json.RawMessage, error) {
	return e.s.forward(ctx, kind.String()+":resolve", buf, params, 0)
}

// forward sends one request to the host and waits for its response,
// withdrawing it with a cancel message if ctx ends first.
func (s *Session) forward(ctx context.Context, kind string, buf buffer.ID, params json.RawMessage, generation uint64) (json.RawMessage, error) {
	s.mu.Lock()
	if s.role != RoleGuest || s.state != StateShared {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	hostPeer := s.hostPeer
	project := s.projectID
	s.nextReqID++
	id := s.nextReqID
	ch := make(chan rpc.ResponsePayload, 1)
	s.pendingReqs[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pendingReqs, id)
		s.mu.Unlock()
	}()

	conn, ok := s.endpoint.ConnTo(hostPeer)
	if !ok {
		return nil, ErrNotConnected
	}
	env, err := rpc.NewEnvelope(rpc.KindRequest, project, rpc.RequestPayload{
		ID:         id,
		Buffer:     buf,
		Kind:       kind,
		Params:     params,
		Generation: generation,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(ctx, env); err != nil {
		return nil, fmt.Errorf("forward %s: %w", kind, err)
	}

	select {
	case <-ctx.Done():
		if cancelEnv, err := rpc.NewEnvelope(rpc.KindCancel, project, rpc.CancelPayload{ID: id}); err == nil {
			if c, ok := s.endpoint.ConnTo(hostPeer); ok {
				c.Send(context.Background(), cancelEnv)
			}
		}
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		return resp.Result, nil
	}
}

// handleRequest answers one forwarded guest query on the host.
func (s *Session) handleRequest(from rpc.PeerID, env rpc.Envelope) {
	var p rpc.RequestPayload
	if err := env.Decode(&p); err != nil {
		s.logger.Warn("bad request payload", "peer", from, "error", err)
		return
	}

	s.mu.Lock()
	server := s.requestServer
	project := s.projectID
	dir := s.directory
	s.mu.Unlock()

	var replica buffer.ReplicaID
	if dir != nil {
		if r, ok := dir.ReplicaFor(registry.PeerID(from)); ok {
			replica = r
		}
	}

	respond := func(result json.RawMessage, reqErr error) {
		payload := rpc.ResponsePayload{ID: p.ID, Generation: p.Generation, Result: result}
		if reqErr != nil {
			payload.Error = reqErr.Error()
		}
		resp, err := rpc.NewEnvelope(rpc.KindResponse, project, payload)
		if err != nil {
			return
		}
		if conn, ok := s.endpoint.ConnTo(from); ok {
			conn.Send(context.Background(), resp)
		}
	}

	if server == nil {
		respond(nil, errors.New("host has no request server"))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	key := servingKey{peer: from, id: p.ID}
	s.mu.Lock()
	s.serving[key] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.serving, key)
			s.mu.Unlock()
		}()
		result, err := server.Serve(ctx, replica, p.Buffer, p.Kind, p.Params, p.Generation)
		if ctx.Err() != nil {
			// Withdrawn; the guest no longer wants an answer.
			return
		}
		respond(result, err)
	}()
}

// handleResponse completes a forwarded request on the guest.
func (s *Session) handleResponse(env rpc.Envelope) {
	var p rpc.ResponsePayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	ch, ok := s.pendingReqs[p.ID]
	s.mu.Unlock()
	if ok {
		select {
		case ch <- p:
		default:
		}
	}
}

// handleCancel withdraws a forwarded request on the host.
func (s *Session) handleCancel(from rpc.PeerID, env rpc.Envelope) {
	var p rpc.CancelPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	cancel, ok := s.serving[servingKey{peer: from, id: p.ID}]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// handleResultPush routes a host-pushed proxy result on the guest.
func (s *Session) handleResultPush(env rpc.Envelope) {
	var p rpc.ResultPushPayload
	if err := env.Decode(&p); err != nil {
		return
	}
	s.mu.Lock()
	fn := s.onResultPush
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// BroadcastResult pushes a committed proxy result to every guest with
// the buffer open. The host wires its proxy's OnResult here.
func (s *Session) BroadcastResult(p rpc.ResultPushPayload) {
	s.mu.Lock()
	isHost := s.role == RoleHost && s.state == StateShared
	project := s.projectID
	dir := s.directory
	s.mu.Unlock()
	if !isHost || dir == nil || !dir.IsObserved(p.Buffer) {
		return
	}
	env, err := rpc.NewEnvelope(rpc.KindResultPush, project, p)
	if err != nil {
		return
	}
	s.broadcast(context.Background(), env, "")
}

// forgetReplicaRequests cancels every query a departed peer still has
// in flight on the host.
func (s *Session) forgetReplicaRequests(peer rpc.PeerID) {
	s.mu.Lock()
	for key, cancel := range s.serving {
		if key.peer == peer {
			cancel()
			delete(s.serving, key)
		}
	}
	s.mu.Unlock()
}
