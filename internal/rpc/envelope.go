package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/dshills/coedit/internal/buffer"
)

// PeerID identifies one peer process on the wire.
type PeerID string

// Kind discriminates envelope payloads.
type Kind uint8

const (
	// KindHello introduces a peer after the transport connects.
	KindHello Kind = iota + 1

	// KindJoin asks the host to join a shared project.
	KindJoin

	// KindJoinResponse carries the host's ground truth to a new guest.
	KindJoinResponse

	// KindEdit broadcasts an applied edit batch.
	KindEdit

	// KindSelection broadcasts a replica's replaced selection set.
	KindSelection

	// KindBufferOpen announces a peer opened a buffer.
	KindBufferOpen

	// KindBufferClose announces a peer closed a buffer.
	KindBufferClose

	// KindShareState announces share/unshare transitions.
	KindShareState

	// KindCollaborators broadcasts the host's collaborator list.
	KindCollaborators

	// KindEditorConfig broadcasts editorconfig settings changes.
	KindEditorConfig

	// KindRequest forwards a guest's semantic query to the host.
	KindRequest

	// KindResponse returns a semantic query result to the requester.
	KindResponse

	// KindCancel withdraws a previously forwarded request.
	KindCancel

	// KindResultPush pushes a cached result to every interested replica.
	KindResultPush

	// KindDiagnostics pushes reconciled diagnostics for a buffer.
	KindDiagnostics
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindJoin:
		return "join"
	case KindJoinResponse:
		return "join_response"
	case KindEdit:
		return "edit"
	case KindSelection:
		return "selection"
	case KindBufferOpen:
		return "buffer_open"
	case KindBufferClose:
		return "buffer_close"
	case KindShareState:
		return "share_state"
	case KindCollaborators:
		return "collaborators"
	case KindEditorConfig:
		return "editorconfig"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindCancel:
		return "cancel"
	case KindResultPush:
		return "result_push"
	case KindDiagnostics:
		return "diagnostics"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Envelope is the unit of transmission. Envelopes from one peer to another
// are delivered in send order; Seq is assigned per sender and lets the
// receiver assert the contract.
type Envelope struct {
	Seq     uint64          `json:"seq"`
	Kind    Kind            `json:"kind"`
	Project string          `json:"project,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals a payload into an envelope.
func NewEnvelope(kind Kind, project string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Project: project, Payload: data}, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Wire payload types.

// Hello introduces a peer after connect.
type Hello struct {
	Peer PeerID `json:"peer"`
	Name string `json:"name,omitempty"`
}

// WireEdit is one replace operation on the wire.
type WireEdit struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	NewText string `json:"new_text"`
}

// EditPayload broadcasts an edit batch for one buffer.
type EditPayload struct {
	Buffer  buffer.ID  `json:"buffer"`
	Replica uint16     `json:"replica"`
	Edits   []WireEdit `json:"edits"`
}

// WireAnchor is an anchor plus its offset at the sender's version, letting
// the receiver register unknown anchors once it has caught up.
type WireAnchor struct {
	Replica uint16 `json:"replica"`
	Seq     uint64 `json:"seq"`
	Bias    uint8  `json:"bias"`
	Offset  int    `json:"offset"`
}

// WireSelection is one selection on the wire.
type WireSelection struct {
	Start    WireAnchor `json:"start"`
	End      WireAnchor `json:"end"`
	Reversed bool       `json:"reversed,omitempty"`
}

// SelectionPayload replaces a replica's selection set in one buffer.
type SelectionPayload struct {
	Buffer     buffer.ID         `json:"buffer"`
	Replica    uint16            `json:"replica"`
	Selections []WireSelection   `json:"selections"`
	Active     bool              `json:"active"`
	Version    map[uint16]uint64 `json:"version,omitempty"`
}

// BufferStatePayload announces buffer open/close.
type BufferStatePayload struct {
	Buffer buffer.ID `json:"buffer"`
	Path   string    `json:"path,omitempty"`
}

// ShareStatePayload announces share/unshare transitions.
type ShareStatePayload struct {
	Shared   bool   `json:"shared"`
	HostPeer PeerID `json:"host_peer,omitempty"`
}

// WireCollaborator is a directory entry on the wire.
type WireCollaborator struct {
	Peer    PeerID `json:"peer"`
	Replica uint16 `json:"replica"`
	Name    string `json:"name,omitempty"`
	Login   string `json:"login,omitempty"`
}

// CollaboratorsPayload broadcasts the authoritative collaborator list.
type CollaboratorsPayload struct {
	Collaborators []WireCollaborator `json:"collaborators"`
}

// EditorConfigPayload broadcasts editor settings for the project.
type EditorConfigPayload struct {
	TabWidth    int    `json:"tab_width"`
	IndentStyle string `json:"indent_style,omitempty"`
	Generation  uint64 `json:"generation"`
}

// RequestPayload forwards a semantic query from a guest to the host.
type RequestPayload struct {
	ID         uint64          `json:"id"`
	Buffer     buffer.ID       `json:"buffer"`
	Kind       string          `json:"request_kind"`
	Params     json.RawMessage `json:"params,omitempty"`
	Generation uint64          `json:"generation"`
}

// ResponsePayload answers a forwarded query.
type ResponsePayload struct {
	ID         uint64          `json:"id"`
	Generation uint64          `json:"generation"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CancelPayload withdraws a forwarded query.
type CancelPayload struct {
	ID uint64 `json:"id"`
}

// ResultPushPayload pushes a committed cache entry to interested replicas.
type ResultPushPayload struct {
	Buffer     buffer.ID       `json:"buffer"`
	Kind       string          `json:"request_kind"`
	Generation uint64          `json:"generation"`
	Result     json.RawMessage `json:"result"`
}

// DiagnosticsPayload pushes the host's reconciled diagnostic set for one
// buffer to guests, pre-serialized by the diagnostics layer.
type DiagnosticsPayload struct {
	Buffer buffer.ID       `json:"buffer"`
	Items  json.RawMessage `json:"items"`
}

// WireBuffer is a buffer snapshot sent to a late joiner.
type WireBuffer struct {
	ID         buffer.ID         `json:"id"`
	Path       string            `json:"path"`
	Text       string            `json:"text"`
	Version    map[uint16]uint64 `json:"version,omitempty"`
	Selections []struct {
		Replica    uint16          `json:"replica"`
		Selections []WireSelection `json:"selections"`
		Active     bool            `json:"active"`
	} `json:"selections,omitempty"`
}

// JoinPayload asks to join a shared project.
type JoinPayload struct {
	Project string `json:"project"`
	Peer    PeerID `json:"peer"`
	Name    string `json:"name,omitempty"`
	Login   string `json:"login,omitempty"`
}

// JoinResponsePayload carries the host's current ground truth to the new
// guest: assigned replica id, buffers, collaborators, editor settings.
type JoinResponsePayload struct {
	Replica       uint16              `json:"replica"`
	Buffers       []WireBuffer        `json:"buffers"`
	Collaborators []WireCollaborator  `json:"collaborators"`
	EditorConfig  EditorConfigPayload `json:"editorconfig"`
	Error         string              `json:"error,omitempty"`
}
