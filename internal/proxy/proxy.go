package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/lsp"
)

// ErrProxyClosed is returned for requests arriving after Close.
var ErrProxyClosed = errors.New("proxy closed")

// Key identifies one cached request slot.
type Key struct {
	Buffer buffer.ID
	Kind   Kind
}

// cacheKey folds a Key into the cache's integer key space.
func (k Key) cacheKey() uint64 {
	return uint64(k.Buffer)<<8 | uint64(k.Kind)&0xff
}

// Request is one dispatched language-intelligence request.
type Request struct {
	Key
	Replica    buffer.ReplicaID
	Params     json.RawMessage
	Generation uint64
}

// Result is a committed response for a key. Generation is the trigger
// generation captured when the request was sent.
type Result struct {
	Key
	Generation uint64
	Payload    json.RawMessage
}

// Executor performs the actual request. On the host it fans out to the
// language servers; on a guest it forwards to the host.
type Executor interface {
	// Execute runs a debounced request kind to completion.
	Execute(ctx context.Context, req Request) (json.RawMessage, error)

	// Resolve runs a dependent single-item resolution (completion item,
	// code lens, code action). Not debounced.
	Resolve(ctx context.Context, kind Kind, buf buffer.ID, params json.RawMessage) (json.RawMessage, error)
}

// Proxy is the shared debounce + dedup + cache driver.
type Proxy struct {
	exec     Executor
	debounce map[Kind]time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	cache    *ristretto.Cache[uint64, Result]

	mu          sync.Mutex
	keys        map[Key]*keyState
	subscribers []func(Result)
	closed      bool
}

type keyState struct {
	latest    uint64
	committed uint64
	triggers  map[buffer.ReplicaID]*trigger
}

type trigger struct {
	gen       uint64
	timer     *time.Timer
	cancel    context.CancelFunc
	cancelled bool
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithDebounce overrides the per-kind debounce windows.
func WithDebounce(windows map[Kind]time.Duration) Option {
	return func(p *Proxy) { p.debounce = windows }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.timeout = d }
}

// WithProxyLogger sets the proxy's logger.
func WithProxyLogger(logger *slog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// New creates a proxy driving requests through the given executor.
func New(exec Executor, opts ...Option) (*Proxy, error) {
	p := &Proxy{
		exec:     exec,
		debounce: DefaultDebounce(),
		timeout:  5 * time.Second,
		logger:   slog.Default(),
		keys:     make(map[Key]*keyState),
	}
	for _, opt := range opts {
		opt(p)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[uint64, Result]{
		NumCounters: 1 << 12,
		MaxCost:     32 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	p.cache = cache
	return p, nil
}

// OnResult registers a callback invoked after every committed result.
func (p *Proxy) OnResult(fn func(Result)) {
	p.mu.Lock()
	p.subscribers = append(p.subscribers, fn)
	p.mu.Unlock()
}

// Trigger starts (or restarts) the debounce window for a key on behalf
// of one replica. A trigger from the same replica supersedes that
// replica's pending or in-flight request for the key; triggers from
// other replicas run concurrently and are serialized by the generation
// counter at commit time.
func (p *Proxy) Trigger(key Key, replica buffer.ReplicaID, params json.RawMessage) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}

	ks := p.keys[key]
	if ks == nil {
		ks = &keyState{triggers: make(map[buffer.ReplicaID]*trigger)}
		p.keys[key] = ks
	}

	if prev := ks.triggers[replica]; prev != nil {
		p.supersede(prev)
	}

	ks.latest++
	gen := ks.latest
	tr := &trigger{gen: gen}
	ks.triggers[replica] = tr

	window := p.debounce[key.Kind]
	fire := func() { p.fire(key, replica, gen, params) }
	if window <= 0 {
		go fire()
	} else {
		tr.timer = time.AfterFunc(window, fire)
	}
	return gen
}

// Forget cancels one replica's pending or in-flight request for a key
// without touching other replicas' requests for the same key.
func (p *Proxy) Forget(key Key, replica buffer.ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks := p.keys[key]
	if ks == nil {
		return
	}
	if tr := ks.triggers[replica]; tr != nil {
		p.supersede(tr)
		delete(ks.triggers, replica)
	}
}

// ForgetReplica cancels every pending request a replica owns, across all
// keys. Used when a collaborator leaves or a project unshares.
func (p *Proxy) ForgetReplica(replica buffer.ReplicaID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ks := range p.keys {
		if tr := ks.triggers[replica]; tr != nil {
			p.supersede(tr)
			delete(ks.triggers, replica)
		}
	}
}

// ForgetBuffer cancels every pending request for a buffer and drops its
// cached results. Used when a buffer closes.
func (p *Proxy) ForgetBuffer(buf buffer.ID) {
	p.mu.Lock()
	for key, ks := range p.keys {
		if key.Buffer != buf {
			continue
		}
		for replica, tr := range ks.triggers {
			p.supersede(tr)
			delete(ks.triggers, replica)
		}
		p.cache.Del(key.cacheKey())
		delete(p.keys, key)
	}
	p.mu.Unlock()
}

// supersede stops a trigger. Caller holds p.mu.
func (p *Proxy) supersede(tr *trigger) {
	tr.cancelled = true
	if tr.timer != nil {
		tr.timer.Stop()
	}
	if tr.cancel != nil {
		tr.cancel()
	}
}

// fire runs when a debounce window elapses.
func (p *Proxy) fire(key Key, replica buffer.ReplicaID, gen uint64, params json.RawMessage) {
	p.mu.Lock()
	ks := p.keys[key]
	if p.closed || ks == nil {
		p.mu.Unlock()
		return
	}
	tr := ks.triggers[replica]
	if tr == nil || tr.gen != gen || tr.cancelled {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	tr.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	payload, err := p.exec.Execute(ctx, Request{
		Key:        key,
		Replica:    replica,
		Params:     params,
		Generation: gen,
	})

	p.mu.Lock()
	if cur := ks.triggers[replica]; cur == tr {
		delete(ks.triggers, replica)
	}
	if err != nil {
		p.mu.Unlock()
		if errors.Is(err, context.Canceled) || lsp.IsCancellation(err) {
			return
		}
		p.logger.Warn("request failed",
			"kind", key.Kind.String(), "buffer", key.Buffer, "error", err)
		return
	}
	if tr.cancelled || gen != ks.latest || gen <= ks.committed {
		// A newer trigger exists or already committed; this result is stale.
		p.mu.Unlock()
		return
	}
	ks.committed = gen
	// The cache write stays under the lock so entries land in commit
	// order; an unlocked write could let a lower generation overwrite a
	// higher one.
	result := Result{Key: key, Generation: gen, Payload: payload}
	p.cache.Set(key.cacheKey(), result, int64(len(payload))+1)
	p.cache.Wait()
	subs := make([]func(Result), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(result)
	}
}

// Cached returns the visible result for a key, if one is cached.
func (p *Proxy) Cached(key Key) (Result, bool) {
	return p.cache.Get(key.cacheKey())
}

// Commit installs an externally produced result, subject to the same
// generation discipline as locally fired requests. Guests use this when
// the host pushes a result for a request they forwarded.
func (p *Proxy) Commit(result Result) bool {
	p.mu.Lock()
	ks := p.keys[result.Key]
	if ks == nil {
		ks = &keyState{triggers: make(map[buffer.ReplicaID]*trigger)}
		p.keys[result.Key] = ks
	}
	if result.Generation <= ks.committed {
		p.mu.Unlock()
		return false
	}
	ks.committed = result.Generation
	if result.Generation > ks.latest {
		ks.latest = result.Generation
	}
	p.cache.Set(result.Key.cacheKey(), result, int64(len(result.Payload))+1)
	p.cache.Wait()
	subs := make([]func(Result), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(result)
	}
	return true
}

// DoCommitted runs a request immediately and installs the result through
// the generation gate, so it also lands in the cache and reaches
// subscribers. Forwarded guest requests take this path: the answer goes
// back to the requester while every other interested replica gets it via
// the result push. A later trigger from the same replica supersedes the
// in-flight call, same as Trigger. The payload is returned even when a
// newer generation won the commit.
func (p *Proxy) DoCommitted(ctx context.Context, req Request) (json.RawMessage, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrProxyClosed
	}
	ks := p.keys[req.Key]
	if ks == nil {
		ks = &keyState{triggers: make(map[buffer.ReplicaID]*trigger)}
		p.keys[req.Key] = ks
	}
	if prev := ks.triggers[req.Replica]; prev != nil {
		p.supersede(prev)
	}
	ks.latest++
	gen := ks.latest
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	tr := &trigger{gen: gen, cancel: cancel}
	ks.triggers[req.Replica] = tr
	p.mu.Unlock()
	defer cancel()

	req.Generation = gen
	payload, err := p.exec.Execute(ctx, req)

	p.mu.Lock()
	if cur := ks.triggers[req.Replica]; cur == tr {
		delete(ks.triggers, req.Replica)
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if tr.cancelled || gen != ks.latest || gen <= ks.committed {
		p.mu.Unlock()
		return payload, nil
	}
	ks.committed = gen
	result := Result{Key: req.Key, Generation: gen, Payload: payload}
	p.cache.Set(req.Key.cacheKey(), result, int64(len(payload))+1)
	p.cache.Wait()
	subs := make([]func(Result), len(p.subscribers))
	copy(subs, p.subscribers)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(result)
	}
	return payload, nil
}

// Do runs a single-shot request immediately, outside the debounce and
// cache machinery. Rename and code-action application use this; failures
// come back to the caller instead of being absorbed.
func (p *Proxy) Do(ctx context.Context, req Request) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.exec.Execute(ctx, req)
}

// Resolve runs a dependent resolution request for a previously returned
// item. Not debounced; the caller owns cancellation.
func (p *Proxy) Resolve(ctx context.Context, kind Kind, buf buffer.ID, params json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.exec.Resolve(ctx, kind, buf, params)
}

// Close cancels all pending requests and releases the cache.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, ks := range p.keys {
		for replica, tr := range ks.triggers {
			p.supersede(tr)
			delete(ks.triggers, replica)
		}
	}
	p.mu.Unlock()
	p.cache.Close()
}
