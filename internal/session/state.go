package session

import "errors"

// State is the session lifecycle state.
type State int

const (
	// StateUnshared means no project is shared or joined.
	StateUnshared State = iota

	// StateShared means the project is live and editable.
	StateShared

	// StateDisconnected means a guest lost its host and a reconnection
	// timer is running. Buffers are read-only until it resolves.
	StateDisconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnshared:
		return "unshared"
	case StateShared:
		return "shared"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Role says which side of the session this process is.
type Role int

const (
	// RoleNone means the session is idle.
	RoleNone Role = iota

	// RoleHost owns ground truth and the language servers.
	RoleHost

	// RoleGuest mirrors the host.
	RoleGuest
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleGuest:
		return "guest"
	default:
		return "none"
	}
}

// Session errors.
var (
	// ErrAlreadyShared is returned when sharing or joining over a live
	// session.
	ErrAlreadyShared = errors.New("session already active")

	// ErrNotShared is returned for operations requiring a live session.
	ErrNotShared = errors.New("no active session")

	// ErrJoinRejected is returned when the host declines a join.
	ErrJoinRejected = errors.New("join rejected by host")

	// ErrUnknownBuffer is returned for operations on untracked buffers.
	ErrUnknownBuffer = errors.New("unknown buffer")

	// ErrNotConnected is returned when the host is unreachable.
	ErrNotConnected = errors.New("not connected to host")
)
