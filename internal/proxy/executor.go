package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/lsp"
)

// ServerCompletion is one completion candidate tagged with the server it
// came from, so merged lists stay visually distinguishable and item
// resolution can be routed back to the right server.
type ServerCompletion struct {
	Server     lsp.ServerID       `json:"server"`
	ServerName string             `json:"serverName"`
	Item       lsp.CompletionItem `json:"item"`
}

// CompletionResults is the merged completion payload. Items from every
// server are concatenated in registration order.
type CompletionResults struct {
	IsIncomplete bool               `json:"isIncomplete"`
	Items        []ServerCompletion `json:"items"`
}

// ServerCodeAction tags a code action with its originating server.
type ServerCodeAction struct {
	Server lsp.ServerID   `json:"server"`
	Action lsp.CodeAction `json:"action"`
}

// ServerCodeLens tags a code lens with its originating server.
type ServerCodeLens struct {
	Server lsp.ServerID `json:"server"`
	Lens   lsp.CodeLens `json:"lens"`
}

// DiagnosticParams asks every server for a document pull, each with the
// result id it returned last time.
type DiagnosticParams struct {
	TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
	Previous     map[lsp.ServerID]string    `json:"previous,omitempty"`
}

// ServerDiagnosticReport is one server's document pull result.
type ServerDiagnosticReport struct {
	Server lsp.ServerID                 `json:"server"`
	Report lsp.DocumentDiagnosticReport `json:"report"`
}

// ResolveParams routes a dependent resolution to a specific server.
type ResolveParams struct {
	Server lsp.ServerID    `json:"server"`
	Item   json.RawMessage `json:"item"`
}

// LanguageFunc maps a buffer to its language name.
type LanguageFunc func(buffer.ID) string

// ServerExecutor is the host-side executor: it fans requests out to
// every language server registered for the buffer's language and merges
// the responses.
type ServerExecutor struct {
	registry *lsp.Registry
	language LanguageFunc
	logger   *slog.Logger
}

// NewServerExecutor creates the host-side executor.
func NewServerExecutor(registry *lsp.Registry, language LanguageFunc, logger *slog.Logger) *ServerExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServerExecutor{registry: registry, language: language, logger: logger}
}

// Execute implements Executor. A missing server or a failing server
// yields an empty result for that server rather than an error; only
// user-facing single-shot kinds (rename) propagate failures.
func (e *ServerExecutor) Execute(ctx context.Context, req Request) (json.RawMessage, error) {
	servers := e.registry.ServersFor(e.language(req.Buffer))

	switch req.Kind {
	case KindCompletion:
		return e.completion(ctx, servers, req.Params)
	case KindCodeAction:
		return e.codeActions(ctx, servers, req.Params)
	case KindCodeLens:
		return e.codeLens(ctx, servers, req.Params)
	case KindInlayHint:
		return fanConcat(ctx, e.logger, servers, req.Params, "inlay hints",
			func(ctx context.Context, s lsp.Server, p lsp.InlayHintParams) ([]lsp.InlayHint, error) {
				return s.InlayHints(ctx, p)
			})
	case KindColor:
		return fanConcat(ctx, e.logger, servers, req.Params, "document colors",
			func(ctx context.Context, s lsp.Server, p lsp.DocumentColorParams) ([]lsp.ColorInformation, error) {
				return s.DocumentColors(ctx, p)
			})
	case KindDiagnostic:
		return e.diagnostics(ctx, servers, req.Params)
	case KindOnTypeFormatting:
		return e.onTypeFormatting(ctx, servers, req.Params)
	case KindRename:
		return e.rename(ctx, servers, req.Params)
	default:
		return nil, fmt.Errorf("unhandled request kind %v", req.Kind)
	}
}

func (e *ServerExecutor) completion(ctx context.Context, servers []lsp.Server, raw json.RawMessage) (json.RawMessage, error) {
	var params lsp.CompletionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode completion params: %w", err)
	}

	results := make([]*lsp.CompletionList, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			list, err := s.Completion(ctx, params)
			if err != nil {
				e.logCallFailure(ctx, "completion", s, err)
				return ctx.Err()
			}
			results[i] = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := CompletionResults{Items: []ServerCompletion{}}
	for i, list := range results {
		if list == nil {
			continue
		}
		if list.IsIncomplete {
			merged.IsIncomplete = true
		}
		for _, item := range list.Items {
			merged.Items = append(merged.Items, ServerCompletion{
				Server:     servers[i].ID(),
				ServerName: servers[i].Name(),
				Item:       item,
			})
		}
	}
	return json.Marshal(merged)
}

func (e *ServerExecutor) codeActions(ctx context.Context, servers []lsp.Server, raw json.RawMessage) (json.RawMessage, error) {
	var params lsp.CodeActionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode code action params: %w", err)
	}

	results := make([][]lsp.CodeAction, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			actions, err := s.CodeActions(ctx, params)
			if err != nil {
				e.logCallFailure(ctx, "code actions", s, err)
				return ctx.Err()
			}
			results[i] = actions
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := []ServerCodeAction{}
	for i, actions := range results {
		for _, a := range actions {
			merged = append(merged, ServerCodeAction{Server: servers[i].ID(), Action: a})
		}
	}
	return json.Marshal(merged)
}

func (e *ServerExecutor) codeLens(ctx context.Context, servers []lsp.Server, raw json.RawMessage) (json.RawMessage, error) {
	var params lsp.CodeLensParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode code lens params: %w", err)
	}

	results := make([][]lsp.CodeLens, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			lenses, err := s.CodeLens(ctx, params)
			if err != nil {
				e.logCallFailure(ctx, "code lens", s, err)
				return ctx.Err()
			}
			results[i] = lenses
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := []ServerCodeLens{}
	for i, lenses := range results {
		for _, l := range lenses {
			merged = append(merged, ServerCodeLens{Server: servers[i].ID(), Lens: l})
		}
	}
	return json.Marshal(merged)
}

func (e *ServerExecutor) diagnostics(ctx context.Context, servers []lsp.Server, raw json.RawMessage) (json.RawMessage, error) {
	var params DiagnosticParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode diagnostic params: %w", err)
	}

	results := make([]*lsp.DocumentDiagnosticReport, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			report, err := s.DocumentDiagnostics(ctx, lsp.DocumentDiagnosticParams{
				TextDocument:     params.TextDocument,
				PreviousResultID: params.Previous[s.ID()],
			})
			if err != nil {
				e.logCallFailure(ctx, "document diagnostics", s, err)
				return ctx.Err()
			}
			results[i] = report
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	reports := []ServerDiagnosticReport{}
	for i, report := range results {
		if report == nil {
			continue
		}
		reports = append(reports, ServerDiagnosticReport{Server: servers[i].ID(), Report: *report})
	}
	return json.Marshal(reports)
}

// onTypeFormatting asks servers in registration order and takes the
// first non-empty edit set.
func (e *ServerExecutor) onTypeFormatting(ctx context.Context, servers []lsp.Server, raw json.RawMessage) (json.RawMessage, error) {
	var params lsp.DocumentOnTypeFormattingParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode on-type formatting params: %w", err)
	}

	for _, s := range servers {
		edits, err := s.OnTypeFormatting(ctx, params)
		if err != nil {
			e.logCallFailure(ctx, "on-type formatting", s, err)
			continue
		}
		if len(edits) > 0 {
			return json.Marshal(edits)
		}
	}
	return json.Marshal([]lsp.TextEdit{})
}

// rename is user-initiated; unlike the decorative kinds its failure is
// surfaced. The first registered server that supports rename handles it.
func (e *ServerExecutor) rename(ctx context.Context, servers []lsp.Server, raw json.RawMessage) (json.RawMessage, error) {
	var params lsp.RenameParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode rename params: %w", err)
	}
	if len(servers) == 0 {
		return nil, lsp.ErrNoServer
	}

	for _, s := range servers {
		edit, err := s.Rename(ctx, params)
		if err != nil {
			if errors.Is(err, lsp.ErrNotSupported) {
				continue
			}
			return nil, fmt.Errorf("%s: %w", s.Name(), err)
		}
		return json.Marshal(edit)
	}
	return nil, lsp.ErrNotSupported
}

// Resolve implements Executor.
func (e *ServerExecutor) Resolve(ctx context.Context, kind Kind, buf buffer.ID, raw json.RawMessage) (json.RawMessage, error) {
	var params ResolveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode resolve params: %w", err)
	}
	server, ok := e.registry.ByID(params.Server)
	if !ok {
		return nil, lsp.ErrNoServer
	}

	switch kind {
	case KindCompletion:
		var item lsp.CompletionItem
		if err := json.Unmarshal(params.Item, &item); err != nil {
			return nil, fmt.Errorf("decode completion item: %w", err)
		}
		resolved, err := server.ResolveCompletionItem(ctx, item)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resolved)
	case KindCodeLens:
		var lens lsp.CodeLens
		if err := json.Unmarshal(params.Item, &lens); err != nil {
			return nil, fmt.Errorf("decode code lens: %w", err)
		}
		resolved, err := server.ResolveCodeLens(ctx, lens)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resolved)
	case KindCodeAction:
		var action lsp.CodeAction
		if err := json.Unmarshal(params.Item, &action); err != nil {
			return nil, fmt.Errorf("decode code action: %w", err)
		}
		resolved, err := server.ResolveCodeAction(ctx, action)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resolved)
	default:
		return nil, fmt.Errorf("kind %v has no resolution step", kind)
	}
}

// logCallFailure downgrades cancellations to debug noise.
func (e *ServerExecutor) logCallFailure(ctx context.Context, what string, s lsp.Server, err error) {
	if ctx.Err() != nil || lsp.IsCancellation(err) {
		return
	}
	e.logger.Warn(what+" failed", "server", s.Name(), "error", err)
}

// fanConcat fans a request out to every server and concatenates the
// results in registration order.
func fanConcat[P any, R any](ctx context.Context, logger *slog.Logger, servers []lsp.Server, raw json.RawMessage, what string, call func(context.Context, lsp.Server, P) ([]R, error)) (json.RawMessage, error) {
	var params P
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode %s params: %w", what, err)
	}

	var mu sync.Mutex
	results := make([][]R, len(servers))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range servers {
		i, s := i, s
		g.Go(func() error {
			items, err := call(ctx, s, params)
			if err != nil {
				if ctx.Err() == nil && !lsp.IsCancellation(err) {
					logger.Warn(what+" failed", "server", s.Name(), "error", err)
				}
				return ctx.Err()
			}
			mu.Lock()
			results[i] = items
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := []R{}
	for _, items := range results {
		merged = append(merged, items...)
	}
	return json.Marshal(merged)
}
