// Package session owns the lifecycle of a shared project.
//
// A session moves through Unshared, Shared, and Disconnected states. The
// host assigns replica ids, holds ground truth for every buffer, and
// answers forwarded semantic queries; guests mirror directory and buffer
// state from host broadcasts and become read-only whenever the host is
// unreachable. All cross-process consistency rests on the transport's
// per-peer ordering guarantee plus the proxy's generation counters.
package session
