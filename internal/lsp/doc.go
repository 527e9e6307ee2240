// Package lsp is the host-only language-server boundary.
//
// It defines the protocol type subset the collaboration core consumes, a
// JSON-RPC client speaking the LSP base protocol over stdio, and a
// Registry that holds every server registered for a language. More than
// one server may be registered per language; registration order is stable
// and determines merge order when results from several servers are
// combined.
//
// Only the host process talks to language servers. Guests reach this
// package indirectly through the request proxy.
package lsp
