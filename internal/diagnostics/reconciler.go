// Package diagnostics reconciles every diagnostic source for a document.
//
// Three sources feed the visible set: server pushes, per-document pulls,
// and workspace-wide pulls. Each is invalidated independently and none
// shadows another; overlapping entries from different sources are all
// retained.
package diagnostics

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/dshills/coedit/internal/lsp"
)

// Origin says which channel a diagnostic arrived through.
type Origin int

// Diagnostic origins.
const (
	OriginPush Origin = iota + 1
	OriginDocumentPull
	OriginWorkspacePull
)

// String returns the origin's display name.
func (o Origin) String() string {
	switch o {
	case OriginPush:
		return "push"
	case OriginDocumentPull:
		return "pull"
	case OriginWorkspacePull:
		return "workspace"
	default:
		return "unknown"
	}
}

// Sourced is one visible diagnostic with its provenance.
type Sourced struct {
	Server     lsp.ServerID
	Origin     Origin
	Diagnostic lsp.Diagnostic
}

// Scheduler receives the follow-up pulls an edit makes necessary. The
// reconciler never blocks on them.
type Scheduler interface {
	ScheduleDocumentPull(uri lsp.DocumentURI)
	ScheduleWorkspacePull()
}

type pullResult struct {
	resultID string
	items    []lsp.Diagnostic
}

type docState struct {
	push    map[lsp.ServerID][]lsp.Diagnostic
	docPull map[lsp.ServerID]pullResult
	wsPull  map[lsp.ServerID]pullResult
}

func newDocState() *docState {
	return &docState{
		push:    make(map[lsp.ServerID][]lsp.Diagnostic),
		docPull: make(map[lsp.ServerID]pullResult),
		wsPull:  make(map[lsp.ServerID]pullResult),
	}
}

// Reconciler owns the visible diagnostic set for every open document.
type Reconciler struct {
	mu          sync.Mutex
	docs        map[lsp.DocumentURI]*docState
	scheduler   Scheduler
	logger      *slog.Logger
	subscribers []func(lsp.DocumentURI)
}

// New creates a reconciler. The scheduler may be nil when follow-up
// pulls are driven elsewhere.
func New(scheduler Scheduler, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		docs:      make(map[lsp.DocumentURI]*docState),
		scheduler: scheduler,
		logger:    logger,
	}
}

// Subscribe registers a callback fired after a document's visible set
// changes.
func (r *Reconciler) Subscribe(fn func(lsp.DocumentURI)) {
	r.mu.Lock()
	r.subscribers = append(r.subscribers, fn)
	r.mu.Unlock()
}

func (r *Reconciler) notify(uri lsp.DocumentURI) {
	r.mu.Lock()
	subs := make([]func(lsp.DocumentURI), len(r.subscribers))
	copy(subs, r.subscribers)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(uri)
	}
}

func (r *Reconciler) doc(uri lsp.DocumentURI) *docState {
	ds := r.docs[uri]
	if ds == nil {
		ds = newDocState()
		r.docs[uri] = ds
	}
	return ds
}

// ApplyPush replaces one server's pushed diagnostics for a document
// wholesale. An empty list clears that server's pushed set.
func (r *Reconciler) ApplyPush(server lsp.ServerID, params lsp.PublishDiagnosticsParams) {
	r.mu.Lock()
	ds := r.doc(params.URI)
	if len(params.Diagnostics) == 0 {
		delete(ds.push, server)
	} else {
		ds.push[server] = params.Diagnostics
	}
	r.mu.Unlock()
	r.notify(params.URI)
}

// ApplyDocumentReport folds one server's document pull result in. An
// "unchanged" report keeps the previous result; a "full" report
// replaces it.
func (r *Reconciler) ApplyDocumentReport(uri lsp.DocumentURI, server lsp.ServerID, report lsp.DocumentDiagnosticReport) {
	r.mu.Lock()
	ds := r.doc(uri)
	switch report.Kind {
	case lsp.DiagnosticReportUnchanged:
		// Reconfirmed; the stored items stay as they are.
		if prev, ok := ds.docPull[server]; ok && report.ResultID != "" {
			prev.resultID = report.ResultID
			ds.docPull[server] = prev
		}
		r.mu.Unlock()
		return
	case lsp.DiagnosticReportFull:
		ds.docPull[server] = pullResult{resultID: report.ResultID, items: report.Items}
	default:
		r.mu.Unlock()
		r.logger.Warn("unknown diagnostic report kind", "kind", report.Kind)
		return
	}
	r.mu.Unlock()
	r.notify(uri)
}

// ApplyWorkspaceReport folds one workspace pull batch in. A terminal
// empty batch means no additional documents, never a wipe.
func (r *Reconciler) ApplyWorkspaceReport(server lsp.ServerID, report lsp.WorkspaceDiagnosticReport) {
	changed := make([]lsp.DocumentURI, 0, len(report.Items))
	r.mu.Lock()
	for _, item := range report.Items {
		ds := r.doc(item.URI)
		switch item.Kind {
		case lsp.DiagnosticReportUnchanged:
			if prev, ok := ds.wsPull[server]; ok && item.ResultID != "" {
				prev.resultID = item.ResultID
				ds.wsPull[server] = prev
			}
		case lsp.DiagnosticReportFull:
			ds.wsPull[server] = pullResult{resultID: item.ResultID, items: item.Items}
			changed = append(changed, item.URI)
		}
	}
	r.mu.Unlock()
	for _, uri := range changed {
		r.notify(uri)
	}
}

// PreviousResultIDs returns the result id each server reported for a
// document's last pull, for inclusion in the next pull request.
func (r *Reconciler) PreviousResultIDs(uri lsp.DocumentURI) map[lsp.ServerID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds := r.docs[uri]
	if ds == nil {
		return nil
	}
	out := make(map[lsp.ServerID]string, len(ds.docPull))
	for server, res := range ds.docPull {
		if res.resultID != "" {
			out[server] = res.resultID
		}
	}
	return out
}

// WorkspacePreviousIDs enumerates the per-document result ids from one
// server's last workspace pull.
func (r *Reconciler) WorkspacePreviousIDs(server lsp.ServerID) []lsp.PreviousResultID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []lsp.PreviousResultID
	for uri, ds := range r.docs {
		if res, ok := ds.wsPull[server]; ok && res.resultID != "" {
			out = append(out, lsp.PreviousResultID{URI: uri, Value: res.resultID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// RunWorkspacePull performs one workspace pull against a server,
// streaming partial batches into the visible set as they arrive.
func (r *Reconciler) RunWorkspacePull(ctx context.Context, server lsp.Server) error {
	params := lsp.WorkspaceDiagnosticParams{
		PreviousResultIDs: r.WorkspacePreviousIDs(server.ID()),
	}
	if params.PreviousResultIDs == nil {
		params.PreviousResultIDs = []lsp.PreviousResultID{}
	}
	return server.WorkspaceDiagnostics(ctx, params, func(report lsp.WorkspaceDiagnosticReport) {
		r.ApplyWorkspaceReport(server.ID(), report)
	})
}

// Diagnostics returns a document's full visible set: every source, every
// server, overlapping entries included. Sorted by range start, then
// severity, then provenance so the order is stable.
func (r *Reconciler) Diagnostics(uri lsp.DocumentURI) []Sourced {
	r.mu.Lock()
	ds := r.docs[uri]
	if ds == nil {
		r.mu.Unlock()
		return nil
	}
	out := make([]Sourced, 0, 8)
	for server, items := range ds.push {
		for _, d := range items {
			out = append(out, Sourced{Server: server, Origin: OriginPush, Diagnostic: d})
		}
	}
	for server, res := range ds.docPull {
		for _, d := range res.items {
			out = append(out, Sourced{Server: server, Origin: OriginDocumentPull, Diagnostic: d})
		}
	}
	for server, res := range ds.wsPull {
		for _, d := range res.items {
			out = append(out, Sourced{Server: server, Origin: OriginWorkspacePull, Diagnostic: d})
		}
	}
	r.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Diagnostic.Range.Start != b.Diagnostic.Range.Start {
			return positionLess(a.Diagnostic.Range.Start, b.Diagnostic.Range.Start)
		}
		if a.Diagnostic.Severity != b.Diagnostic.Severity {
			return a.Diagnostic.Severity < b.Diagnostic.Severity
		}
		if a.Origin != b.Origin {
			return a.Origin < b.Origin
		}
		return a.Server < b.Server
	})
	return out
}

// DiagnosticsInRange returns the visible diagnostics overlapping a range.
func (r *Reconciler) DiagnosticsInRange(uri lsp.DocumentURI, rng lsp.Range) []Sourced {
	all := r.Diagnostics(uri)
	out := make([]Sourced, 0, len(all))
	for _, s := range all {
		if rangesOverlap(s.Diagnostic.Range, rng) {
			out = append(out, s)
		}
	}
	return out
}

// OnEdit invalidates a document's pull caches and drops pushed
// diagnostics at or after the edit point, whose offsets have shifted.
// Fresh pulls are scheduled but not awaited.
func (r *Reconciler) OnEdit(uri lsp.DocumentURI, editStart lsp.Position) {
	r.mu.Lock()
	ds := r.docs[uri]
	if ds == nil {
		r.mu.Unlock()
		return
	}
	ds.docPull = make(map[lsp.ServerID]pullResult)
	ds.wsPull = make(map[lsp.ServerID]pullResult)
	for server, items := range ds.push {
		kept := items[:0]
		for _, d := range items {
			if positionLess(d.Range.Start, editStart) {
				kept = append(kept, d)
			}
		}
		if len(kept) == 0 {
			delete(ds.push, server)
		} else {
			ds.push[server] = kept
		}
	}
	r.mu.Unlock()
	r.notify(uri)

	if r.scheduler != nil {
		r.scheduler.ScheduleDocumentPull(uri)
		r.scheduler.ScheduleWorkspacePull()
	}
}

// ClearServer drops every diagnostic a server contributed, across all
// documents. Used when a server detaches.
func (r *Reconciler) ClearServer(server lsp.ServerID) {
	var changed []lsp.DocumentURI
	r.mu.Lock()
	for uri, ds := range r.docs {
		before := len(ds.push[server]) + len(ds.docPull[server].items) + len(ds.wsPull[server].items)
		delete(ds.push, server)
		delete(ds.docPull, server)
		delete(ds.wsPull, server)
		if before > 0 {
			changed = append(changed, uri)
		}
	}
	r.mu.Unlock()
	for _, uri := range changed {
		r.notify(uri)
	}
}

// Forget drops all state for a document. Used when a buffer closes.
func (r *Reconciler) Forget(uri lsp.DocumentURI) {
	r.mu.Lock()
	delete(r.docs, uri)
	r.mu.Unlock()
	r.notify(uri)
}

func positionLess(a, b lsp.Position) bool {
	if a.Line != b.Line {
		return a.Line < b.Line
	}
	return a.Character < b.Character
}

func rangesOverlap(a, b lsp.Range) bool {
	if positionLess(a.End, b.Start) || a.End == b.Start {
		return false
	}
	if positionLess(b.End, a.Start) || b.End == a.Start {
		return false
	}
	return true
}
