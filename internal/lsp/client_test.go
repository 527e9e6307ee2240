package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeServer answers framed JSON-RPC requests over an in-process pipe.
type fakeServer struct {
	in  *io.PipeReader
	out *io.PipeWriter

	mu      sync.Mutex
	methods map[string]func(id int64, params json.RawMessage)
	notes   []string
}

func newFakePair() (*Client, *fakeServer) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	fs := &fakeServer{
		in:      serverIn,
		out:     serverOut,
		methods: make(map[string]func(id int64, params json.RawMessage)),
	}
	go fs.serve()

	transport := NewTransport(clientIn, clientOut, nil)
	transport.Start(context.Background())
	return NewClient("fake", transport), fs
}

func (s *fakeServer) handle(method string, fn func(id int64, params json.RawMessage)) {
	s.mu.Lock()
	s.methods[method] = fn
	s.mu.Unlock()
}

func (s *fakeServer) respond(id int64, result any) {
	s.write(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (s *fakeServer) notify(method string, params any) {
	s.write(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

func (s *fakeServer) write(msg any) {
	data, _ := json.Marshal(msg)
	s.mu.Lock()
	fmt.Fprintf(s.out, "Content-Length: %d\r\n\r\n", len(data))
	s.out.Write(data)
	s.mu.Unlock()
}

func (s *fakeServer) serve() {
	r := bufio.NewReader(s.in)
	for {
		var length int
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				break
			}
			if _, v, ok := strings.Cut(line, ":"); ok {
				length, _ = strconv.Atoi(strings.TrimSpace(v))
			}
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		var msg struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		if msg.ID == 0 {
			s.mu.Lock()
			s.notes = append(s.notes, msg.Method)
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		fn, ok := s.methods[msg.Method]
		s.mu.Unlock()
		if ok {
			fn(msg.ID, msg.Params)
		}
	}
}

func (s *fakeServer) notifications() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.notes))
	copy(out, s.notes)
	return out
}

func TestClientCompletionListShape(t *testing.T) {
	client, server := newFakePair()
	server.handle("textDocument/completion", func(id int64, _ json.RawMessage) {
		server.respond(id, CompletionList{
			IsIncomplete: true,
			Items:        []CompletionItem{{Label: "Println"}, {Label: "Printf"}},
		})
	})

	list, err := client.Completion(context.Background(), CompletionParams{})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if !list.IsIncomplete {
		t.Error("IsIncomplete not carried through")
	}
	if len(list.Items) != 2 || list.Items[0].Label != "Println" {
		t.Errorf("items: %+v", list.Items)
	}
}

func TestClientCompletionBareArrayShape(t *testing.T) {
	client, server := newFakePair()
	server.handle("textDocument/completion", func(id int64, _ json.RawMessage) {
		server.respond(id, []CompletionItem{{Label: "len"}})
	})

	list, err := client.Completion(context.Background(), CompletionParams{})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].Label != "len" {
		t.Errorf("items: %+v", list.Items)
	}
}

func TestClientCompletionNullResult(t *testing.T) {
	client, server := newFakePair()
	server.handle("textDocument/completion", func(id int64, _ json.RawMessage) {
		server.respond(id, nil)
	})

	list, err := client.Completion(context.Background(), CompletionParams{})
	if err != nil {
		t.Fatalf("Completion: %v", err)
	}
	if len(list.Items) != 0 {
		t.Errorf("items: %+v", list.Items)
	}
}

func TestClientCancelSendsNotification(t *testing.T) {
	client, server := newFakePair()
	// Never answer; the call must end via context cancellation.
	server.handle("textDocument/codeLens", func(int64, json.RawMessage) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := client.CodeLens(ctx, CodeLensParams{})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; err != context.Canceled {
		t.Fatalf("got %v, want context.Canceled", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		for _, m := range server.notifications() {
			if m == "$/cancelRequest" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("$/cancelRequest never reached the server")
}

func TestClientPublishDiagnosticsRouting(t *testing.T) {
	client, server := newFakePair()

	got := make(chan PublishDiagnosticsParams, 1)
	client.OnDiagnostics(func(_ ServerID, p PublishDiagnosticsParams) {
		got <- p
	})

	server.notify("textDocument/publishDiagnostics", PublishDiagnosticsParams{
		URI: "file:///main.go",
		Diagnostics: []Diagnostic{
			{Message: "unused variable", Severity: SeverityWarning},
		},
	})

	select {
	case p := <-got:
		if p.URI != "file:///main.go" || len(p.Diagnostics) != 1 {
			t.Errorf("params: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("diagnostics never delivered")
	}
}

func TestClientDocumentDiagnosticsUnchanged(t *testing.T) {
	client, server := newFakePair()
	server.handle("textDocument/diagnostic", func(id int64, params json.RawMessage) {
		var p DocumentDiagnosticParams
		json.Unmarshal(params, &p)
		if p.PreviousResultID == "r1" {
			server.respond(id, DocumentDiagnosticReport{Kind: DiagnosticReportUnchanged, ResultID: "r1"})
			return
		}
		server.respond(id, DocumentDiagnosticReport{
			Kind:     DiagnosticReportFull,
			ResultID: "r1",
			Items:    []Diagnostic{{Message: "syntax error"}},
		})
	})

	report, err := client.DocumentDiagnostics(context.Background(), DocumentDiagnosticParams{})
	if err != nil {
		t.Fatalf("DocumentDiagnostics: %v", err)
	}
	if report.Kind != DiagnosticReportFull || report.ResultID != "r1" {
		t.Fatalf("first pull: %+v", report)
	}

	report, err = client.DocumentDiagnostics(context.Background(), DocumentDiagnosticParams{PreviousResultID: "r1"})
	if err != nil {
		t.Fatalf("DocumentDiagnostics: %v", err)
	}
	if report.Kind != DiagnosticReportUnchanged {
		t.Errorf("second pull: got kind %q, want unchanged", report.Kind)
	}
}

func TestClientWorkspaceDiagnosticsStreaming(t *testing.T) {
	client, server := newFakePair()
	server.handle("workspace/diagnostic", func(id int64, params json.RawMessage) {
		var probe struct {
			PartialResultToken string `json:"partialResultToken"`
		}
		if err := json.Unmarshal(params, &probe); err != nil || probe.PartialResultToken == "" {
			t.Error("partial result token missing from params")
			server.respond(id, WorkspaceDiagnosticReport{})
			return
		}

		// One streamed batch, then a terminal empty report.
		server.notify("$/progress", map[string]any{
			"token": probe.PartialResultToken,
			"value": WorkspaceDiagnosticReport{
				Items: []WorkspaceDocumentDiagnosticReport{
					{Kind: DiagnosticReportFull, URI: "file:///a.go", ResultID: "a1"},
				},
			},
		})
		server.respond(id, WorkspaceDiagnosticReport{})
	})

	var mu sync.Mutex
	var batches []WorkspaceDiagnosticReport
	err := client.WorkspaceDiagnostics(context.Background(), WorkspaceDiagnosticParams{}, func(r WorkspaceDiagnosticReport) {
		mu.Lock()
		batches = append(batches, r)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("WorkspaceDiagnostics: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2", len(batches))
	}
	if len(batches[0].Items) != 1 || batches[0].Items[0].URI != "file:///a.go" {
		t.Errorf("streamed batch: %+v", batches[0])
	}
	if len(batches[1].Items) != 0 {
		t.Errorf("terminal batch should be empty: %+v", batches[1])
	}
}

func TestClientRPCErrorSurface(t *testing.T) {
	client, server := newFakePair()
	server.handle("textDocument/rename", func(id int64, _ json.RawMessage) {
		server.write(map[string]any{
			"jsonrpc": "2.0",
			"id":      id,
			"error":   RPCError{Code: CodeContentModified, Message: "content modified"},
		})
	})

	_, err := client.Rename(context.Background(), RenameParams{NewName: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var rpcErr *RPCError
	if !asRPCError(err, &rpcErr) || rpcErr.Code != CodeContentModified {
		t.Errorf("got %v, want content modified rpc error", err)
	}
	if IsCancellation(err) {
		t.Error("content modified is not a cancellation")
	}
}

func asRPCError(err error, target **RPCError) bool {
	for err != nil {
		if e, ok := err.(*RPCError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestRegistryOrderAndMerge(t *testing.T) {
	reg := NewRegistry()

	first := NewClient("gopls", NewTransport(strings.NewReader(""), io.Discard, nil),
		WithTriggerCharacters([]string{".", "("}, []string{"}"}))
	second := NewClient("golangci", NewTransport(strings.NewReader(""), io.Discard, nil),
		WithTriggerCharacters([]string{".", ":"}, nil))

	id1 := reg.Register("go", first)
	id2 := reg.Register("go", second)
	if id1 >= id2 {
		t.Errorf("ids not increasing: %d, %d", id1, id2)
	}
	if first.ID() != id1 || second.ID() != id2 {
		t.Error("registration did not assign ids")
	}

	servers := reg.ServersFor("go")
	if len(servers) != 2 || servers[0].Name() != "gopls" || servers[1].Name() != "golangci" {
		t.Fatalf("servers: %v", servers)
	}
	if got := reg.ServersFor("rust"); len(got) != 0 {
		t.Errorf("unexpected servers for rust: %v", got)
	}

	comp, fmtTriggers := reg.TriggerCharactersFor("go")
	if len(comp) != 3 || comp[0] != "." || comp[1] != "(" || comp[2] != ":" {
		t.Errorf("completion triggers: %v", comp)
	}
	if len(fmtTriggers) != 1 || fmtTriggers[0] != "}" {
		t.Errorf("formatting triggers: %v", fmtTriggers)
	}
}
