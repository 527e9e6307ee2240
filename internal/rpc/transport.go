package rpc

import (
	"context"
	"errors"
)

// Errors returned by transports.
var (
	// ErrClosed indicates the connection has been closed.
	ErrClosed = errors.New("connection closed")

	// ErrPeerUnreachable indicates the peer could not be reached.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrConnectionsForbidden indicates the network is refusing new
	// connections (partition simulation).
	ErrConnectionsForbidden = errors.New("connections forbidden")
)

// Conn is one ordered, reliable connection to a remote peer. Send returns
// after the envelope is accepted for in-order delivery; envelopes sent on
// one Conn arrive at the remote peer in send order.
type Conn interface {
	// Send transmits an envelope to the remote peer.
	Send(ctx context.Context, env Envelope) error

	// RemotePeer returns the peer on the other end.
	RemotePeer() PeerID

	// Close tears the connection down. Further Sends return ErrClosed.
	Close() error
}

// MessageHandler receives envelopes from a remote peer.
type MessageHandler func(from PeerID, env Envelope)

// ConnHandler receives connect/disconnect notifications.
type ConnHandler func(peer PeerID)

// Endpoint is one peer's attachment to a transport: it accepts inbound
// connections, dials outbound ones, and delivers received envelopes to the
// registered handler.
type Endpoint interface {
	// ID returns the local peer id.
	ID() PeerID

	// Dial connects to a remote peer.
	Dial(ctx context.Context, peer PeerID) (Conn, error)

	// OnMessage registers the inbound envelope handler.
	OnMessage(fn MessageHandler)

	// OnConnect registers a handler for newly established connections.
	OnConnect(fn ConnHandler)

	// OnDisconnect registers a handler for lost connections.
	OnDisconnect(fn ConnHandler)

	// ConnTo returns the established connection to a peer, if any.
	ConnTo(peer PeerID) (Conn, bool)

	// Close tears down every connection.
	Close() error
}
