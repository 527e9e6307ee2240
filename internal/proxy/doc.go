// Package proxy drives language-intelligence requests for every replica.
//
// All request kinds share one debounce + dedup + cache driver keyed by
// (buffer, kind). A new trigger supersedes any pending or in-flight
// request for its key, and a generation counter captured at send time
// decides which result may commit to the visible cache, so late results
// from superseded requests are discarded regardless of arrival order.
//
// The driver is transport-agnostic: on the host the Executor fans out to
// the registered language servers, on a guest it forwards the request to
// the host over the session connection.
package proxy
