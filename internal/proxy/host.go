package proxy

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/coedit/internal/buffer"
)

// HostService answers forwarded guest queries against the host's proxy.
// The session layer hands it the wire kind name; a ":resolve" suffix
// marks a dependent item resolution.
type HostService struct {
	p *Proxy
}

// NewHostService wraps a proxy for serving forwarded requests.
func NewHostService(p *Proxy) *HostService {
	return &HostService{p: p}
}

// Serve runs one forwarded request to completion. Debounced kinds go
// through the commit path, so the answer lands in the host's cache and
// is pushed to every other replica observing the buffer. Rename is
// single-shot: its edit is applied once by the requester and must not
// be replayed elsewhere.
func (h *HostService) Serve(ctx context.Context, replica buffer.ReplicaID, buf buffer.ID, kind string, params []byte, generation uint64) ([]byte, error) {
	name, resolve := strings.CutSuffix(kind, ":resolve")
	k, ok := KindFromString(name)
	if !ok {
		return nil, fmt.Errorf("unknown request kind %q", kind)
	}
	if resolve {
		return h.p.Resolve(ctx, k, buf, params)
	}
	req := Request{
		Key:        Key{Buffer: buf, Kind: k},
		Replica:    replica,
		Params:     params,
		Generation: generation,
	}
	if k == KindRename {
		return h.p.Do(ctx, req)
	}
	return h.p.DoCommitted(ctx, req)
}
