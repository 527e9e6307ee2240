package lsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ServerID identifies a registered server. IDs are assigned in
// registration order and are stable for the life of the registry.
type ServerID int

// Server is one language server as seen by the collaboration core.
type Server interface {
	ID() ServerID
	Name() string

	Completion(ctx context.Context, params CompletionParams) (*CompletionList, error)
	ResolveCompletionItem(ctx context.Context, item CompletionItem) (*CompletionItem, error)
	CodeActions(ctx context.Context, params CodeActionParams) ([]CodeAction, error)
	ResolveCodeAction(ctx context.Context, action CodeAction) (*CodeAction, error)
	PrepareRename(ctx context.Context, params TextDocumentPositionParams) (*PrepareRenameResult, error)
	Rename(ctx context.Context, params RenameParams) (*WorkspaceEdit, error)
	OnTypeFormatting(ctx context.Context, params DocumentOnTypeFormattingParams) ([]TextEdit, error)
	CodeLens(ctx context.Context, params CodeLensParams) ([]CodeLens, error)
	ResolveCodeLens(ctx context.Context, lens CodeLens) (*CodeLens, error)
	InlayHints(ctx context.Context, params InlayHintParams) ([]InlayHint, error)
	DocumentColors(ctx context.Context, params DocumentColorParams) ([]ColorInformation, error)
	DocumentDiagnostics(ctx context.Context, params DocumentDiagnosticParams) (*DocumentDiagnosticReport, error)

	// WorkspaceDiagnostics streams partial reports through the callback as
	// they arrive. The final (possibly empty) report is also delivered
	// through the callback before the method returns.
	WorkspaceDiagnostics(ctx context.Context, params WorkspaceDiagnosticParams, partial func(WorkspaceDiagnosticReport)) error

	// TriggerCharacters are the characters that should fire automatic
	// completion and on-type formatting requests, as advertised by the
	// server's capabilities.
	TriggerCharacters() (completion, onTypeFormatting []string)
}

// DiagnosticsHandler receives pushed diagnostics from a server.
type DiagnosticsHandler func(server ServerID, params PublishDiagnosticsParams)

// RefreshHandler receives a server-initiated refresh request.
type RefreshHandler func(server ServerID)

// Client is a Server backed by a JSON-RPC transport, usually a child
// process speaking LSP over stdio.
type Client struct {
	id        ServerID
	name      string
	transport *Transport
	cmd       *exec.Cmd
	logger    *slog.Logger

	onDiagnostics       atomic.Pointer[DiagnosticsHandler]
	onDiagnosticRefresh atomic.Pointer[RefreshHandler]
	onInlayHintRefresh  atomic.Pointer[RefreshHandler]

	progressMu sync.Mutex
	progress   map[string]func(json.RawMessage)

	completionTriggers []string
	formatTriggers     []string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTriggerCharacters overrides the trigger characters advertised by
// the server's capabilities.
func WithTriggerCharacters(completion, onTypeFormatting []string) ClientOption {
	return func(c *Client) {
		c.completionTriggers = completion
		c.formatTriggers = onTypeFormatting
	}
}

// NewClient creates a client over an existing transport. The id is
// assigned by the registry at registration time.
func NewClient(name string, transport *Transport, opts ...ClientOption) *Client {
	c := &Client{
		name:      name,
		transport: transport,
		logger:    slog.Default(),
		progress:  make(map[string]func(json.RawMessage)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.installHandlers()
	return c
}

// StartCommand launches a server binary and returns a client speaking
// LSP over its stdio.
func StartCommand(ctx context.Context, name string, cmd *exec.Cmd, opts ...ClientOption) (*Client, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	transport := NewTransport(stdout, stdin, closerFunc(func() error {
		stdin.Close()
		return cmd.Process.Kill()
	}))
	transport.Start(ctx)

	c := NewClient(name, transport, opts...)
	c.cmd = cmd
	return c, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// installHandlers wires the server-initiated notifications the core
// reacts to. Routing inspects the raw params with gjson so a malformed
// notification from one server never takes the client down.
func (c *Client) installHandlers() {
	c.transport.OnNotification("textDocument/publishDiagnostics", func(_ string, params json.RawMessage) {
		if !gjson.GetBytes(params, "uri").Exists() {
			c.logger.Warn("publishDiagnostics without uri", "server", c.name)
			return
		}
		var p PublishDiagnosticsParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.logger.Warn("bad publishDiagnostics params", "server", c.name, "error", err)
			return
		}
		if h := c.onDiagnostics.Load(); h != nil {
			(*h)(c.id, p)
		}
	})

	c.transport.OnNotification("workspace/diagnostic/refresh", func(string, json.RawMessage) {
		if h := c.onDiagnosticRefresh.Load(); h != nil {
			(*h)(c.id)
		}
	})

	c.transport.OnNotification("workspace/inlayHint/refresh", func(string, json.RawMessage) {
		if h := c.onInlayHintRefresh.Load(); h != nil {
			(*h)(c.id)
		}
	})

	c.transport.OnNotification("$/progress", func(_ string, params json.RawMessage) {
		token := gjson.GetBytes(params, "token").String()
		if token == "" {
			return
		}
		c.progressMu.Lock()
		sink, ok := c.progress[token]
		c.progressMu.Unlock()
		if ok {
			value := gjson.GetBytes(params, "value")
			sink(json.RawMessage(value.Raw))
		}
	})
}

// OnDiagnostics sets the handler for pushed diagnostics.
func (c *Client) OnDiagnostics(h DiagnosticsHandler) { c.onDiagnostics.Store(&h) }

// OnDiagnosticRefresh sets the handler for workspace/diagnostic/refresh.
func (c *Client) OnDiagnosticRefresh(h RefreshHandler) { c.onDiagnosticRefresh.Store(&h) }

// OnInlayHintRefresh sets the handler for workspace/inlayHint/refresh.
func (c *Client) OnInlayHintRefresh(h RefreshHandler) { c.onInlayHintRefresh.Store(&h) }

// ID implements Server.
func (c *Client) ID() ServerID { return c.id }

// Name implements Server.
func (c *Client) Name() string { return c.name }

// TriggerCharacters implements Server.
func (c *Client) TriggerCharacters() (completion, onTypeFormatting []string) {
	return c.completionTriggers, c.formatTriggers
}

// Shutdown sends the shutdown/exit handshake and closes the transport.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.transport.Call(ctx, "shutdown", nil, nil); err != nil {
		c.transport.Close()
		return err
	}
	c.transport.Notify("exit", nil)
	return c.transport.Close()
}

// Completion implements Server.
func (c *Client) Completion(ctx context.Context, params CompletionParams) (*CompletionList, error) {
	raw := json.RawMessage{}
	if err := c.transport.Call(ctx, "textDocument/completion", params, &raw); err != nil {
		return nil, err
	}
	// Servers may answer with a list, a bare item array, or null.
	if len(raw) == 0 || string(raw) == "null" {
		return &CompletionList{}, nil
	}
	if gjson.GetBytes(raw, "items").Exists() {
		var list CompletionList
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return &list, nil
	}
	var items []CompletionItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &CompletionList{Items: items}, nil
}

// ResolveCompletionItem implements Server.
func (c *Client) ResolveCompletionItem(ctx context.Context, item CompletionItem) (*CompletionItem, error) {
	var resolved CompletionItem
	if err := c.transport.Call(ctx, "completionItem/resolve", item, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// CodeActions implements Server.
func (c *Client) CodeActions(ctx context.Context, params CodeActionParams) ([]CodeAction, error) {
	var actions []CodeAction
	if err := c.transport.Call(ctx, "textDocument/codeAction", params, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// ResolveCodeAction implements Server.
func (c *Client) ResolveCodeAction(ctx context.Context, action CodeAction) (*CodeAction, error) {
	var resolved CodeAction
	if err := c.transport.Call(ctx, "codeAction/resolve", action, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// PrepareRename implements Server.
func (c *Client) PrepareRename(ctx context.Context, params TextDocumentPositionParams) (*PrepareRenameResult, error) {
	var result PrepareRenameResult
	if err := c.transport.Call(ctx, "textDocument/prepareRename", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rename implements Server.
func (c *Client) Rename(ctx context.Context, params RenameParams) (*WorkspaceEdit, error) {
	var edit WorkspaceEdit
	if err := c.transport.Call(ctx, "textDocument/rename", params, &edit); err != nil {
		return nil, err
	}
	return &edit, nil
}

// OnTypeFormatting implements Server.
func (c *Client) OnTypeFormatting(ctx context.Context, params DocumentOnTypeFormattingParams) ([]TextEdit, error) {
	var edits []TextEdit
	if err := c.transport.Call(ctx, "textDocument/onTypeFormatting", params, &edits); err != nil {
		return nil, err
	}
	return edits, nil
}

// CodeLens implements Server.
func (c *Client) CodeLens(ctx context.Context, params CodeLensParams) ([]CodeLens, error) {
	var lenses []CodeLens
	if err := c.transport.Call(ctx, "textDocument/codeLens", params, &lenses); err != nil {
		return nil, err
	}
	return lenses, nil
}

// ResolveCodeLens implements Server.
func (c *Client) ResolveCodeLens(ctx context.Context, lens CodeLens) (*CodeLens, error) {
	var resolved CodeLens
	if err := c.transport.Call(ctx, "codeLens/resolve", lens, &resolved); err != nil {
		return nil, err
	}
	return &resolved, nil
}

// InlayHints implements Server.
func (c *Client) InlayHints(ctx context.Context, params InlayHintParams) ([]InlayHint, error) {
	var hints []InlayHint
	if err := c.transport.Call(ctx, "textDocument/inlayHint", params, &hints); err != nil {
		return nil, err
	}
	return hints, nil
}

// DocumentColors implements Server.
func (c *Client) DocumentColors(ctx context.Context, params DocumentColorParams) ([]ColorInformation, error) {
	var colors []ColorInformation
	if err := c.transport.Call(ctx, "textDocument/documentColor", params, &colors); err != nil {
		return nil, err
	}
	return colors, nil
}

// DocumentDiagnostics implements Server.
func (c *Client) DocumentDiagnostics(ctx context.Context, params DocumentDiagnosticParams) (*DocumentDiagnosticReport, error) {
	var report DocumentDiagnosticReport
	if err := c.transport.Call(ctx, "textDocument/diagnostic", params, &report); err != nil {
		return nil, err
	}
	if report.Kind != DiagnosticReportFull && report.Kind != DiagnosticReportUnchanged {
		return nil, fmt.Errorf("%w: diagnostic report kind %q", ErrInvalidResponse, report.Kind)
	}
	return &report, nil
}

// WorkspaceDiagnostics implements Server. A partial result token is
// injected into the params so the server may stream interim reports via
// $/progress; the final response body is delivered last.
func (c *Client) WorkspaceDiagnostics(ctx context.Context, params WorkspaceDiagnosticParams, partial func(WorkspaceDiagnosticReport)) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal workspace diagnostic params: %w", err)
	}

	token := fmt.Sprintf("workspace-diagnostics-%s-%d", c.name, c.transport.nextID.Load())
	raw, err = sjson.SetBytes(raw, "partialResultToken", token)
	if err != nil {
		return fmt.Errorf("set partial result token: %w", err)
	}

	c.progressMu.Lock()
	c.progress[token] = func(value json.RawMessage) {
		var report WorkspaceDiagnosticReport
		if err := json.Unmarshal(value, &report); err != nil {
			c.logger.Warn("bad workspace diagnostic progress", "server", c.name, "error", err)
			return
		}
		partial(report)
	}
	c.progressMu.Unlock()
	defer func() {
		c.progressMu.Lock()
		delete(c.progress, token)
		c.progressMu.Unlock()
	}()

	var final WorkspaceDiagnosticReport
	if err := c.transport.Call(ctx, "workspace/diagnostic", json.RawMessage(raw), &final); err != nil {
		return err
	}
	partial(final)
	return nil
}
