package diagnostics

import (
	"context"
	"sync"
	"testing"

	"github.com/dshills/coedit/internal/lsp"
)

const mainURI = lsp.DocumentURI("file:///src/main.rs")

func diag(line int, msg string, sev lsp.DiagnosticSeverity) lsp.Diagnostic {
	return lsp.Diagnostic{
		Range:    lsp.Range{Start: lsp.Position{Line: line}, End: lsp.Position{Line: line, Character: 10}},
		Message:  msg,
		Severity: sev,
	}
}

type recordingScheduler struct {
	mu        sync.Mutex
	docPulls  []lsp.DocumentURI
	workspace int
}

func (s *recordingScheduler) ScheduleDocumentPull(uri lsp.DocumentURI) {
	s.mu.Lock()
	s.docPulls = append(s.docPulls, uri)
	s.mu.Unlock()
}

func (s *recordingScheduler) ScheduleWorkspacePull() {
	s.mu.Lock()
	s.workspace++
	s.mu.Unlock()
}

func TestPushAndPullBothRetained(t *testing.T) {
	r := New(nil, nil)

	// Push and pull report overlapping ranges; both must stay visible.
	r.ApplyPush(1, lsp.PublishDiagnosticsParams{
		URI:         mainURI,
		Diagnostics: []lsp.Diagnostic{diag(3, "pushed: unused import", lsp.SeverityWarning)},
	})
	r.ApplyDocumentReport(mainURI, 1, lsp.DocumentDiagnosticReport{
		Kind:     lsp.DiagnosticReportFull,
		ResultID: "r1",
		Items:    []lsp.Diagnostic{diag(3, "pulled: unused import", lsp.SeverityError)},
	})

	got := r.Diagnostics(mainURI)
	if len(got) != 2 {
		t.Fatalf("got %d diagnostics, want 2", len(got))
	}
	// Sorted by severity within the same range start.
	if got[0].Origin != OriginDocumentPull || got[1].Origin != OriginPush {
		t.Errorf("origins: %v, %v", got[0].Origin, got[1].Origin)
	}
}

func TestUnchangedPullIsIdempotent(t *testing.T) {
	r := New(nil, nil)

	r.ApplyDocumentReport(mainURI, 1, lsp.DocumentDiagnosticReport{
		Kind:     lsp.DiagnosticReportFull,
		ResultID: "r1",
		Items:    []lsp.Diagnostic{diag(0, "syntax error", lsp.SeverityError)},
	})
	first := r.Diagnostics(mainURI)

	// Server reconfirms via result id; the visible set must not change.
	r.ApplyDocumentReport(mainURI, 1, lsp.DocumentDiagnosticReport{
		Kind:     lsp.DiagnosticReportUnchanged,
		ResultID: "r1",
	})
	second := r.Diagnostics(mainURI)

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("got %d then %d diagnostics, want 1 and 1", len(first), len(second))
	}
	if first[0].Diagnostic.Message != second[0].Diagnostic.Message {
		t.Error("unchanged pull altered the visible set")
	}

	prev := r.PreviousResultIDs(mainURI)
	if prev[1] != "r1" {
		t.Errorf("previous result id: %q", prev[1])
	}
}

func TestEmptyPushClearsThatServerOnly(t *testing.T) {
	r := New(nil, nil)

	r.ApplyPush(1, lsp.PublishDiagnosticsParams{
		URI:         mainURI,
		Diagnostics: []lsp.Diagnostic{diag(1, "from server 1", lsp.SeverityError)},
	})
	r.ApplyPush(2, lsp.PublishDiagnosticsParams{
		URI:         mainURI,
		Diagnostics: []lsp.Diagnostic{diag(2, "from server 2", lsp.SeverityError)},
	})

	r.ApplyPush(1, lsp.PublishDiagnosticsParams{URI: mainURI})

	got := r.Diagnostics(mainURI)
	if len(got) != 1 || got[0].Server != 2 {
		t.Errorf("got %+v, want only server 2's diagnostic", got)
	}
}

func TestWorkspaceStreamedBatches(t *testing.T) {
	r := New(nil, nil)
	otherURI := lsp.DocumentURI("file:///src/lib.rs")

	r.ApplyWorkspaceReport(1, lsp.WorkspaceDiagnosticReport{
		Items: []lsp.WorkspaceDocumentDiagnosticReport{
			{Kind: lsp.DiagnosticReportFull, URI: mainURI, ResultID: "m1",
				Items: []lsp.Diagnostic{diag(0, "main issue", lsp.SeverityError)}},
		},
	})
	r.ApplyWorkspaceReport(1, lsp.WorkspaceDiagnosticReport{
		Items: []lsp.WorkspaceDocumentDiagnosticReport{
			{Kind: lsp.DiagnosticReportFull, URI: otherURI, ResultID: "l1",
				Items: []lsp.Diagnostic{diag(5, "lib issue", lsp.SeverityWarning)}},
		},
	})

	// The terminal empty report means "no additional", never "clear".
	r.ApplyWorkspaceReport(1, lsp.WorkspaceDiagnosticReport{})

	if got := r.Diagnostics(mainURI); len(got) != 1 {
		t.Errorf("main: got %d diagnostics, want 1", len(got))
	}
	if got := r.Diagnostics(otherURI); len(got) != 1 {
		t.Errorf("lib: got %d diagnostics, want 1", len(got))
	}

	prev := r.WorkspacePreviousIDs(1)
	if len(prev) != 2 {
		t.Fatalf("previous ids: %v", prev)
	}
	if prev[0].URI != otherURI || prev[0].Value != "l1" {
		t.Errorf("previous ids not sorted by uri: %v", prev)
	}
}

func TestWorkspaceUnchangedKeepsItems(t *testing.T) {
	r := New(nil, nil)

	r.ApplyWorkspaceReport(1, lsp.WorkspaceDiagnosticReport{
		Items: []lsp.WorkspaceDocumentDiagnosticReport{
			{Kind: lsp.DiagnosticReportFull, URI: mainURI, ResultID: "m1",
				Items: []lsp.Diagnostic{diag(0, "issue", lsp.SeverityError)}},
		},
	})
	r.ApplyWorkspaceReport(1, lsp.WorkspaceDiagnosticReport{
		Items: []lsp.WorkspaceDocumentDiagnosticReport{
			{Kind: lsp.DiagnosticReportUnchanged, URI: mainURI, ResultID: "m1"},
		},
	})

	if got := r.Diagnostics(mainURI); len(got) != 1 {
		t.Errorf("got %d diagnostics, want 1", len(got))
	}
}

func TestRunWorkspacePullStreams(t *testing.T) {
	r := New(nil, nil)

	server := &streamingServer{id: 1, batches: []lsp.WorkspaceDiagnosticReport{
		{Items: []lsp.WorkspaceDocumentDiagnosticReport{
			{Kind: lsp.DiagnosticReportFull, URI: mainURI, ResultID: "m1",
				Items: []lsp.Diagnostic{diag(0, "streamed", lsp.SeverityError)}},
		}},
		{},
	}}

	if err := r.RunWorkspacePull(context.Background(), server); err != nil {
		t.Fatalf("RunWorkspacePull: %v", err)
	}
	if got := r.Diagnostics(mainURI); len(got) != 1 || got[0].Origin != OriginWorkspacePull {
		t.Errorf("got %+v", got)
	}

	// A second pull must carry the result id from the first.
	if err := r.RunWorkspacePull(context.Background(), server); err != nil {
		t.Fatalf("RunWorkspacePull: %v", err)
	}
	if len(server.previous) != 1 || server.previous[0].Value != "m1" {
		t.Errorf("previous ids sent: %v", server.previous)
	}
}

func TestOnEditInvalidation(t *testing.T) {
	sched := &recordingScheduler{}
	r := New(sched, nil)

	r.ApplyPush(1, lsp.PublishDiagnosticsParams{
		URI: mainURI,
		Diagnostics: []lsp.Diagnostic{
			diag(1, "before edit", lsp.SeverityError),
			diag(8, "after edit", lsp.SeverityError),
		},
	})
	r.ApplyDocumentReport(mainURI, 1, lsp.DocumentDiagnosticReport{
		Kind: lsp.DiagnosticReportFull, ResultID: "r1",
		Items: []lsp.Diagnostic{diag(2, "pulled", lsp.SeverityWarning)},
	})

	r.OnEdit(mainURI, lsp.Position{Line: 5})

	got := r.Diagnostics(mainURI)
	if len(got) != 1 {
		t.Fatalf("got %d diagnostics, want 1: %+v", len(got), got)
	}
	if got[0].Diagnostic.Message != "before edit" {
		t.Errorf("kept: %s", got[0].Diagnostic.Message)
	}

	// The stale result id must not be reconfirmed on the next pull.
	if prev := r.PreviousResultIDs(mainURI); len(prev) != 0 {
		t.Errorf("previous result ids survived the edit: %v", prev)
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if len(sched.docPulls) != 1 || sched.docPulls[0] != mainURI {
		t.Errorf("document pulls scheduled: %v", sched.docPulls)
	}
	if sched.workspace != 1 {
		t.Errorf("workspace pulls scheduled: %d", sched.workspace)
	}
}

func TestClearServer(t *testing.T) {
	r := New(nil, nil)
	r.ApplyPush(1, lsp.PublishDiagnosticsParams{
		URI:         mainURI,
		Diagnostics: []lsp.Diagnostic{diag(0, "a", lsp.SeverityError)},
	})
	r.ApplyPush(2, lsp.PublishDiagnosticsParams{
		URI:         mainURI,
		Diagnostics: []lsp.Diagnostic{diag(1, "b", lsp.SeverityError)},
	})

	r.ClearServer(1)

	got := r.Diagnostics(mainURI)
	if len(got) != 1 || got[0].Server != 2 {
		t.Errorf("got %+v", got)
	}
}

// streamingServer implements lsp.Server just enough for workspace pulls.
type streamingServer struct {
	id       lsp.ServerID
	batches  []lsp.WorkspaceDiagnosticReport
	previous []lsp.PreviousResultID
}

func (s *streamingServer) ID() lsp.ServerID { return s.id }
func (s *streamingServer) Name() string     { return "streaming" }

func (s *streamingServer) WorkspaceDiagnostics(_ context.Context, params lsp.WorkspaceDiagnosticParams, partial func(lsp.WorkspaceDiagnosticReport)) error {
	s.previous = params.PreviousResultIDs
	for _, batch := range s.batches {
		partial(batch)
	}
	return nil
}

func (s *streamingServer) Completion(context.Context, lsp.CompletionParams) (*lsp.CompletionList, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) ResolveCompletionItem(context.Context, lsp.CompletionItem) (*lsp.CompletionItem, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) CodeActions(context.Context, lsp.CodeActionParams) ([]lsp.CodeAction, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) ResolveCodeAction(context.Context, lsp.CodeAction) (*lsp.CodeAction, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) PrepareRename(context.Context, lsp.TextDocumentPositionParams) (*lsp.PrepareRenameResult, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) Rename(context.Context, lsp.RenameParams) (*lsp.WorkspaceEdit, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) OnTypeFormatting(context.Context, lsp.DocumentOnTypeFormattingParams) ([]lsp.TextEdit, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) CodeLens(context.Context, lsp.CodeLensParams) ([]lsp.CodeLens, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) ResolveCodeLens(context.Context, lsp.CodeLens) (*lsp.CodeLens, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) InlayHints(context.Context, lsp.InlayHintParams) ([]lsp.InlayHint, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) DocumentColors(context.Context, lsp.DocumentColorParams) ([]lsp.ColorInformation, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) DocumentDiagnostics(context.Context, lsp.DocumentDiagnosticParams) (*lsp.DocumentDiagnosticReport, error) {
	return nil, lsp.ErrNotSupported
}
func (s *streamingServer) TriggerCharacters() (completion, onTypeFormatting []string) {
	return nil, nil
}
