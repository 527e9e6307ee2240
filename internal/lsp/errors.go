package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the language-server boundary.
var (
	// ErrShutdown indicates the client has been shut down.
	ErrShutdown = errors.New("lsp client shut down")

	// ErrNoServer indicates no server is registered for the language.
	ErrNoServer = errors.New("no server registered for language")

	// ErrNotSupported indicates the server lacks the requested capability.
	ErrNotSupported = errors.New("feature not supported by server")

	// ErrInvalidResponse indicates a malformed response from the server.
	ErrInvalidResponse = errors.New("invalid response from server")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// JSON-RPC and LSP error codes the core reacts to.
const (
	CodeRequestCancelled = -32800
	CodeContentModified  = -32801
	CodeServerCancelled  = -32802
)

// IsCancellation returns true if the error indicates the server observed a
// cancellation rather than failing the request.
func IsCancellation(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == CodeRequestCancelled || rpcErr.Code == CodeServerCancelled
	}
	return false
}
