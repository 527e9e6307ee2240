package rpc

import (
	"context"
	"sync"
	"sync/atomic"
)

// Network is an in-memory transport for tests. Delivery is synchronous and
// in send order, which makes test interleavings deterministic. Partitions
// are simulated by forbidding new connections and forcibly dropping
// existing ones.
type Network struct {
	mu        sync.Mutex
	endpoints map[PeerID]*MemoryEndpoint
	forbidden bool
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[PeerID]*MemoryEndpoint)}
}

// Endpoint creates and attaches an endpoint for the given peer id.
func (n *Network) Endpoint(id PeerID) *MemoryEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep := &MemoryEndpoint{
		id:      id,
		network: n,
		conns:   make(map[PeerID]*memConn),
	}
	n.endpoints[id] = ep
	return ep
}

// ForbidConnections makes subsequent Dial calls fail, simulating a
// partition for new connections. Existing connections are unaffected.
func (n *Network) ForbidConnections() {
	n.mu.Lock()
	n.forbidden = true
	n.mu.Unlock()
}

// AllowConnections re-enables Dial after ForbidConnections.
func (n *Network) AllowConnections() {
	n.mu.Lock()
	n.forbidden = false
	n.mu.Unlock()
}

// DropConnection forcibly severs the connection between two peers, firing
// disconnect handlers on both sides.
func (n *Network) DropConnection(a, b PeerID) {
	n.mu.Lock()
	epA := n.endpoints[a]
	n.mu.Unlock()
	if epA == nil {
		return
	}

	epA.mu.Lock()
	conn := epA.conns[b]
	epA.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// MemoryEndpoint is one peer's attachment to a Network.
type MemoryEndpoint struct {
	id      PeerID
	network *Network

	mu           sync.Mutex
	conns        map[PeerID]*memConn
	onMessage    MessageHandler
	onConnect    ConnHandler
	onDisconnect ConnHandler
}

// ID returns the local peer id.
func (ep *MemoryEndpoint) ID() PeerID { return ep.id }

// OnMessage registers the inbound envelope handler.
func (ep *MemoryEndpoint) OnMessage(fn MessageHandler) {
	ep.mu.Lock()
	ep.onMessage = fn
	ep.mu.Unlock()
}

// OnConnect registers a handler for new connections.
func (ep *MemoryEndpoint) OnConnect(fn ConnHandler) {
	ep.mu.Lock()
	ep.onConnect = fn
	ep.mu.Unlock()
}

// OnDisconnect registers a handler for lost connections.
func (ep *MemoryEndpoint) OnDisconnect(fn ConnHandler) {
	ep.mu.Lock()
	ep.onDisconnect = fn
	ep.mu.Unlock()
}

// ConnTo returns the established connection to a peer, if any.
func (ep *MemoryEndpoint) ConnTo(peer PeerID) (Conn, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c, ok := ep.conns[peer]
	return c, ok
}

// Dial connects to another endpoint on the same network.
func (ep *MemoryEndpoint) Dial(ctx context.Context, peer PeerID) (Conn, error) {
	ep.network.mu.Lock()
	forbidden := ep.network.forbidden
	remote := ep.network.endpoints[peer]
	ep.network.mu.Unlock()

	if forbidden {
		return nil, ErrConnectionsForbidden
	}
	if remote == nil {
		return nil, ErrPeerUnreachable
	}

	local := &memConn{local: ep, remote: remote}
	reverse := &memConn{local: remote, remote: ep}
	local.twin = reverse
	reverse.twin = local

	ep.mu.Lock()
	ep.conns[peer] = local
	ep.mu.Unlock()

	remote.mu.Lock()
	remote.conns[ep.id] = reverse
	onConnect := remote.onConnect
	remote.mu.Unlock()

	ep.mu.Lock()
	localConnect := ep.onConnect
	ep.mu.Unlock()

	if onConnect != nil {
		onConnect(ep.id)
	}
	if localConnect != nil {
		localConnect(peer)
	}
	return local, nil
}

// Close tears down every connection of this endpoint.
func (ep *MemoryEndpoint) Close() error {
	ep.mu.Lock()
	conns := make([]*memConn, 0, len(ep.conns))
	for _, c := range ep.conns {
		conns = append(conns, c)
	}
	ep.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// memConn is one direction-owning half of an in-memory connection pair.
type memConn struct {
	local  *MemoryEndpoint
	remote *MemoryEndpoint
	twin   *memConn

	sendMu sync.Mutex
	seq    uint64
	closed atomic.Bool
}

// RemotePeer returns the peer on the other end.
func (c *memConn) RemotePeer() PeerID { return c.remote.id }

// Send delivers the envelope synchronously to the remote handler. The
// send mutex is held across delivery, so concurrent senders on one
// connection cannot interleave out of Seq order.
func (c *memConn) Send(_ context.Context, env Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}
	c.seq++
	env.Seq = c.seq

	c.remote.mu.Lock()
	handler := c.remote.onMessage
	c.remote.mu.Unlock()

	if handler != nil {
		handler(c.local.id, env)
	}
	return nil
}

// Close severs both halves of the connection and fires disconnect
// handlers on both endpoints.
func (c *memConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.twin.closed.Store(true)

	c.local.mu.Lock()
	delete(c.local.conns, c.remote.id)
	localDisc := c.local.onDisconnect
	c.local.mu.Unlock()

	c.remote.mu.Lock()
	delete(c.remote.conns, c.local.id)
	remoteDisc := c.remote.onDisconnect
	c.remote.mu.Unlock()

	if localDisc != nil {
		localDisc(c.remote.id)
	}
	if remoteDisc != nil {
		remoteDisc(c.local.id)
	}
	return nil
}
