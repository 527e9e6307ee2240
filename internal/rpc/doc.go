// Package rpc is the envelope layer the collaboration components ride on.
//
// It defines the message envelope, the payload types exchanged between
// host and guests, and a small transport boundary: ordered, reliable
// per-peer delivery with connect/disconnect callbacks. Two transports are
// provided: a websocket transport for real sessions and an in-memory
// network for tests, which can simulate partitions by forbidding new
// connections and forcibly dropping existing ones.
package rpc
