package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// WebSocketEndpoint is the websocket-backed Endpoint. The host serves it
// over HTTP; guests dial it. Each connection starts with a Hello envelope
// identifying the remote peer, after which envelopes flow in both
// directions in send order (guaranteed by the single websocket stream).
type WebSocketEndpoint struct {
	id  PeerID
	log *slog.Logger

	mu           sync.Mutex
	conns        map[PeerID]*wsConn
	onMessage    MessageHandler
	onConnect    ConnHandler
	onDisconnect ConnHandler

	// addr maps peer ids to dialable URLs for outbound connections.
	addr map[PeerID]string

	closed atomic.Bool
}

// NewWebSocketEndpoint creates a websocket endpoint for the local peer.
func NewWebSocketEndpoint(id PeerID, log *slog.Logger) *WebSocketEndpoint {
	if log == nil {
		log = slog.Default()
	}
	return &WebSocketEndpoint{
		id:    id,
		log:   log.With("component", "rpc"),
		conns: make(map[PeerID]*wsConn),
		addr:  make(map[PeerID]string),
	}
}

// ID returns the local peer id.
func (ep *WebSocketEndpoint) ID() PeerID { return ep.id }

// OnMessage registers the inbound envelope handler.
func (ep *WebSocketEndpoint) OnMessage(fn MessageHandler) {
	ep.mu.Lock()
	ep.onMessage = fn
	ep.mu.Unlock()
}

// OnConnect registers a handler for new connections.
func (ep *WebSocketEndpoint) OnConnect(fn ConnHandler) {
	ep.mu.Lock()
	ep.onConnect = fn
	ep.mu.Unlock()
}

// OnDisconnect registers a handler for lost connections.
func (ep *WebSocketEndpoint) OnDisconnect(fn ConnHandler) {
	ep.mu.Lock()
	ep.onDisconnect = fn
	ep.mu.Unlock()
}

// SetPeerAddr records the URL used to dial a peer.
func (ep *WebSocketEndpoint) SetPeerAddr(peer PeerID, url string) {
	ep.mu.Lock()
	ep.addr[peer] = url
	ep.mu.Unlock()
}

// ConnTo returns the established connection to a peer, if any.
func (ep *WebSocketEndpoint) ConnTo(peer PeerID) (Conn, bool) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	c, ok := ep.conns[peer]
	return c, ok
}

// ServeHTTP upgrades inbound connections. The first envelope must be a
// Hello identifying the remote peer.
func (ep *WebSocketEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		ep.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx := context.Background()
	peer, err := ep.readHello(ctx, ws)
	if err != nil {
		ep.log.Error("websocket handshake failed", "error", err)
		ws.Close(websocket.StatusProtocolError, "bad hello")
		return
	}

	ep.attach(ctx, peer, ws)
}

// Dial connects to a peer registered via SetPeerAddr.
func (ep *WebSocketEndpoint) Dial(ctx context.Context, peer PeerID) (Conn, error) {
	ep.mu.Lock()
	url, ok := ep.addr[peer]
	ep.mu.Unlock()
	if !ok {
		return nil, ErrPeerUnreachable
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", peer, err)
	}

	// Identify ourselves before anything else.
	hello, err := NewEnvelope(KindHello, "", Hello{Peer: ep.id})
	if err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	data, _ := json.Marshal(hello)
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		ws.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send hello: %w", err)
	}

	return ep.attach(ctx, peer, ws), nil
}

// readHello reads and validates the identifying first envelope.
func (ep *WebSocketEndpoint) readHello(ctx context.Context, ws *websocket.Conn) (PeerID, error) {
	_, data, err := ws.Read(ctx)
	if err != nil {
		return "", err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.Kind != KindHello {
		return "", fmt.Errorf("expected hello, got %s", env.Kind)
	}
	var hello Hello
	if err := env.Decode(&hello); err != nil {
		return "", err
	}
	if hello.Peer == "" {
		return "", fmt.Errorf("hello without peer id")
	}
	return hello.Peer, nil
}

// attach registers a connection and starts its read loop.
func (ep *WebSocketEndpoint) attach(ctx context.Context, peer PeerID, ws *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(ctx)
	c := &wsConn{
		ep:     ep,
		peer:   peer,
		ws:     ws,
		cancel: cancel,
	}

	ep.mu.Lock()
	ep.conns[peer] = c
	onConnect := ep.onConnect
	ep.mu.Unlock()

	if onConnect != nil {
		onConnect(peer)
	}

	go c.readLoop(ctx)
	return c
}

// detach removes a connection and fires the disconnect handler.
func (ep *WebSocketEndpoint) detach(c *wsConn) {
	ep.mu.Lock()
	current, ok := ep.conns[c.peer]
	if ok && current == c {
		delete(ep.conns, c.peer)
	}
	onDisconnect := ep.onDisconnect
	ep.mu.Unlock()

	if ok && current == c && onDisconnect != nil {
		onDisconnect(c.peer)
	}
}

// Close tears down every connection.
func (ep *WebSocketEndpoint) Close() error {
	if ep.closed.Swap(true) {
		return nil
	}

	ep.mu.Lock()
	conns := make([]*wsConn, 0, len(ep.conns))
	for _, c := range ep.conns {
		conns = append(conns, c)
	}
	ep.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// wsConn is one websocket connection to a remote peer.
type wsConn struct {
	ep     *WebSocketEndpoint
	peer   PeerID
	ws     *websocket.Conn
	cancel context.CancelFunc

	sendMu sync.Mutex
	seq    uint64
	closed atomic.Bool
}

// RemotePeer returns the peer on the other end.
func (c *wsConn) RemotePeer() PeerID { return c.peer }

// Send transmits an envelope. The per-connection mutex plus the single
// websocket stream preserve send order.
func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.seq++
	env.Seq = c.seq

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Close shuts the connection down.
func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	err := c.ws.Close(websocket.StatusNormalClosure, "")
	c.ep.detach(c)
	return err
}

// readLoop delivers inbound envelopes until the connection drops.
func (c *wsConn) readLoop(ctx context.Context) {
	defer func() {
		c.closed.Store(true)
		c.ws.Close(websocket.StatusNormalClosure, "")
		c.ep.detach(c)
	}()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.ep.log.Error("bad envelope", "peer", c.peer, "error", err)
			continue
		}

		c.ep.mu.Lock()
		handler := c.ep.onMessage
		c.ep.mu.Unlock()

		if handler != nil {
			handler(c.peer, env)
		}
	}
}
