package app

import (
	"context"
	"encoding/json"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/lsp"
	"github.com/dshills/coedit/internal/proxy"
	"github.com/dshills/coedit/internal/rpc"
	"github.com/dshills/coedit/internal/session"
)

// wireDiagnostics connects language server notifications and reconciler
// output to the rest of the host.
func (a *App) wireDiagnostics() {
	for _, c := range a.clients {
		c.OnDiagnostics(func(server lsp.ServerID, params lsp.PublishDiagnosticsParams) {
			a.reconciler.ApplyPush(server, params)
		})
		c.OnDiagnosticRefresh(func(lsp.ServerID) {
			a.schedulePullsForOpenBuffers()
		})
		c.OnInlayHintRefresh(func(lsp.ServerID) {
			a.retriggerOpenBuffers(proxy.KindInlayHint)
		})
	}

	a.reconciler.Subscribe(func(uri lsp.DocumentURI) {
		sb, ok := a.bufferForURI(uri)
		if !ok {
			return
		}
		items, err := json.Marshal(a.reconciler.Diagnostics(uri))
		if err != nil {
			return
		}
		a.session.PushDiagnostics(rpc.DiagnosticsPayload{
			Buffer: sb.Buffer().ID(),
			Items:  items,
		})
	})
}

// trackBuffer hooks a newly seen buffer's edit stream into diagnostics
// invalidation. Fired from OnBufferChanged, so it is idempotent.
func (a *App) trackBuffer(id buffer.ID) {
	a.mu.Lock()
	if _, seen := a.tracked[id]; seen {
		a.mu.Unlock()
		return
	}
	sb, ok := a.session.Buffer(id)
	if !ok {
		a.mu.Unlock()
		return
	}
	a.tracked[id] = sb
	a.mu.Unlock()

	uri := lsp.FilePathToURI(sb.Path())
	sb.Buffer().Subscribe(func(ev buffer.Event) {
		if len(ev.Edits) == 0 {
			return
		}
		if a.reconciler != nil {
			pt := sb.Buffer().Snapshot().OffsetToPointUTF16(ev.MinStart())
			a.reconciler.OnEdit(uri, lsp.Position{
				Line:      int(pt.Line),
				Character: int(pt.Column),
			})
		}
		a.maybeTriggerOnChar(sb, ev)
	})
}

// onProxyResult relays committed results to guests and feeds document
// pulls back into the reconciler.
func (a *App) onProxyResult(res proxy.Result) {
	a.session.BroadcastResult(rpc.ResultPushPayload{
		Buffer:     res.Buffer,
		Kind:       res.Kind.String(),
		Generation: res.Generation,
		Result:     res.Payload,
	})

	if res.Kind != proxy.KindDiagnostic {
		return
	}
	var reports []proxy.ServerDiagnosticReport
	if err := json.Unmarshal(res.Payload, &reports); err != nil {
		a.log.Warn("bad diagnostic result payload", "buffer", res.Buffer, "error", err)
		return
	}
	sb, ok := a.session.Buffer(res.Buffer)
	if !ok {
		return
	}
	uri := lsp.FilePathToURI(sb.Path())
	for _, r := range reports {
		a.reconciler.ApplyDocumentReport(uri, r.Server, r.Report)
	}
}

// schedulePullsForOpenBuffers re-pulls every open document plus the
// workspace, used when a server requests a refresh.
func (a *App) schedulePullsForOpenBuffers() {
	sched := &pullScheduler{app: a}
	for _, sb := range a.session.Buffers() {
		sched.ScheduleDocumentPull(lsp.FilePathToURI(sb.Path()))
	}
	sched.ScheduleWorkspacePull()
}

// retriggerOpenBuffers restarts a request kind for every open buffer.
func (a *App) retriggerOpenBuffers(kind proxy.Kind) {
	replica := a.session.LocalReplica()
	for _, sb := range a.session.Buffers() {
		params, err := json.Marshal(struct {
			TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
		}{lsp.TextDocumentIdentifier{URI: lsp.FilePathToURI(sb.Path())}})
		if err != nil {
			continue
		}
		a.proxy.Trigger(proxy.Key{Buffer: sb.Buffer().ID(), Kind: kind}, replica, params)
	}
}

// bufferForURI finds the shared buffer a document URI refers to.
func (a *App) bufferForURI(uri lsp.DocumentURI) (*session.SharedBuffer, bool) {
	for _, sb := range a.session.Buffers() {
		if lsp.FilePathToURI(sb.Path()) == uri {
			return sb, true
		}
	}
	return nil, false
}

// pullScheduler satisfies the reconciler's Scheduler by routing pulls
// through the proxy's debounce machinery.
type pullScheduler struct {
	app *App
}

// ScheduleDocumentPull implements diagnostics.Scheduler.
func (s *pullScheduler) ScheduleDocumentPull(uri lsp.DocumentURI) {
	a := s.app
	sb, ok := a.bufferForURI(uri)
	if !ok {
		return
	}
	params, err := json.Marshal(proxy.DiagnosticParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: uri},
		Previous:     a.reconciler.PreviousResultIDs(uri),
	})
	if err != nil {
		return
	}
	a.proxy.Trigger(proxy.Key{Buffer: sb.Buffer().ID(), Kind: proxy.KindDiagnostic},
		a.session.LocalReplica(), params)
}

// ScheduleWorkspacePull implements diagnostics.Scheduler.
func (s *pullScheduler) ScheduleWorkspacePull() {
	a := s.app
	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, server := range a.registry.All() {
		server := server
		go func() {
			ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
			defer cancel()
			if err := a.reconciler.RunWorkspacePull(ctx, server); err != nil && ctx.Err() == nil {
				a.log.Warn("workspace diagnostics pull failed",
					"server", server.Name(), "error", err)
			}
		}()
	}
}
