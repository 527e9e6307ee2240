// Package app assembles the collaboration runtime: transport endpoint,
// session, request proxy, language servers, and the diagnostics
// reconciler. The host runs the full stack; guests run the session plus
// a forwarding proxy.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/coedit/internal/buffer"
	"github.com/dshills/coedit/internal/config"
	"github.com/dshills/coedit/internal/diagnostics"
	"github.com/dshills/coedit/internal/logger"
	"github.com/dshills/coedit/internal/lsp"
	"github.com/dshills/coedit/internal/proxy"
	"github.com/dshills/coedit/internal/registry"
	"github.com/dshills/coedit/internal/rpc"
	"github.com/dshills/coedit/internal/session"
)

// hostAlias is the local name guests use for the host peer.
const hostAlias rpc.PeerID = "host"

// Options are the command-line level settings.
type Options struct {
	ConfigPath string
	Listen     string
	JoinURL    string
	ProjectID  string
	Name       string
	LogLevel   string
	Files      []string
}

// App owns the wired-together runtime for one process.
type App struct {
	opts Options
	cfg  config.Config
	log  *slog.Logger

	endpoint   *rpc.WebSocketEndpoint
	session    *session.Session
	proxy      *proxy.Proxy
	registry   *lsp.Registry
	reconciler *diagnostics.Reconciler
	clients    []*lsp.Client
	httpSrv    *http.Server

	runCtx context.Context

	mu      sync.Mutex
	tracked map[buffer.ID]*session.SharedBuffer
	remote  map[buffer.ID][]byte
}

// New validates options and prepares an app. Nothing starts until Run.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	role := "host"
	if opts.JoinURL != "" {
		role = "guest"
	}
	if opts.Name == "" {
		opts.Name = role
	}

	return &App{
		opts:    opts,
		cfg:     cfg,
		log:     logger.New(cfg.LogLevel, role),
		tracked: make(map[buffer.ID]*session.SharedBuffer),
		remote:  make(map[buffer.ID][]byte),
	}, nil
}

// Hosting reports whether this process shares rather than joins.
func (a *App) Hosting() bool { return a.opts.JoinURL == "" }

// Session returns the live session. Valid after Run has started.
func (a *App) Session() *session.Session { return a.session }

// Proxy returns the request proxy. Valid after Run has started.
func (a *App) Proxy() *proxy.Proxy { return a.proxy }

// Run blocks until the context ends or the transport fails.
func (a *App) Run(ctx context.Context) error {
	a.runCtx = ctx
	if a.Hosting() {
		return a.runHost(ctx)
	}
	return a.runGuest(ctx)
}

func (a *App) runHost(ctx context.Context) error {
	a.endpoint = rpc.NewWebSocketEndpoint(hostAlias, a.log)
	a.registry = lsp.NewRegistry()
	for _, spec := range a.cfg.Servers {
		cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
		client, err := lsp.StartCommand(ctx, spec.Name, cmd, lsp.WithLogger(a.log))
		if err != nil {
			a.log.Error("language server failed to start",
				"server", spec.Name, "command", spec.Command[0], "error", err)
			continue
		}
		a.registry.Register(spec.Language, client)
		a.clients = append(a.clients, client)
	}

	executor := proxy.NewServerExecutor(a.registry, a.languageFor, a.log)
	prox, err := proxy.New(executor,
		proxy.WithDebounce(a.debounceWindows()),
		proxy.WithTimeout(a.cfg.RequestTimeout),
		proxy.WithProxyLogger(a.log))
	if err != nil {
		return err
	}
	a.proxy = prox

	a.session = session.New(a.endpoint, a.cfg, registry.Identity{Name: a.opts.Name},
		session.WithSessionLogger(a.log),
		session.WithRequestServer(proxy.NewHostService(prox)))

	a.reconciler = diagnostics.New(&pullScheduler{app: a}, a.log)
	a.wireDiagnostics()
	a.session.OnBufferChanged(a.trackBuffer)
	prox.OnResult(a.onProxyResult)

	for _, path := range a.opts.Files {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		if _, err := a.session.OpenBuffer(path, string(data)); err != nil {
			return err
		}
	}

	projectID, err := a.session.Share()
	if err != nil {
		return err
	}
	a.log.Info("project shared", "project", projectID, "listen", a.cfg.Listen)

	// First pull right after the servers attach; refresh requests and
	// edits re-run it from then on.
	a.schedulePullsForOpenBuffers()

	a.watchEditorConfig(ctx)

	srv := &http.Server{Addr: a.cfg.Listen, Handler: a.endpoint}
	a.httpSrv = srv
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		a.teardown()
		return nil
	case err := <-errCh:
		a.teardown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", a.cfg.Listen, err)
		}
		return nil
	}
}

func (a *App) runGuest(ctx context.Context) error {
	a.endpoint = rpc.NewWebSocketEndpoint(rpc.PeerID(a.opts.Name+"-"+uuid.NewString()[:8]), a.log)
	a.endpoint.SetPeerAddr(hostAlias, a.opts.JoinURL)

	a.session = session.New(a.endpoint, a.cfg, registry.Identity{Name: a.opts.Name},
		session.WithSessionLogger(a.log))

	prox, err := proxy.New(a.session.Executor(),
		proxy.WithDebounce(a.debounceWindows()),
		proxy.WithTimeout(a.cfg.RequestTimeout),
		proxy.WithProxyLogger(a.log))
	if err != nil {
		return err
	}
	a.proxy = prox

	a.session.OnResultPush(func(p rpc.ResultPushPayload) {
		kind, ok := proxy.KindFromString(p.Kind)
		if !ok {
			return
		}
		prox.Commit(proxy.Result{
			Key:        proxy.Key{Buffer: p.Buffer, Kind: kind},
			Generation: p.Generation,
			Payload:    p.Result,
		})
	})
	a.session.OnDiagnostics(func(p rpc.DiagnosticsPayload) {
		a.mu.Lock()
		a.remote[p.Buffer] = p.Items
		a.mu.Unlock()
	})
	a.session.OnStateChange(func(st session.State) {
		if st == session.StateDisconnected {
			a.log.Warn("connection to host lost")
			go a.reconnectLoop(ctx)
		}
	})

	if err := a.session.Join(ctx, a.opts.ProjectID, hostAlias); err != nil {
		return fmt.Errorf("join %s: %w", a.opts.JoinURL, err)
	}
	a.log.Info("joined project",
		"project", a.opts.ProjectID, "replica", a.session.LocalReplica())

	<-ctx.Done()
	a.teardown()
	return nil
}

// RemoteDiagnostics returns the last diagnostic set the host pushed for
// a buffer. Guest side only.
func (a *App) RemoteDiagnostics(id buffer.ID) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote[id]
}

// reconnectLoop retries until the session is shared again, gives up, or
// the context ends. The session's own timeout unshares on expiry.
func (a *App) reconnectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.session.State() != session.StateDisconnected {
				return
			}
			if err := a.session.Reconnect(ctx); err != nil {
				a.log.Warn("reconnect attempt failed", "error", err)
				continue
			}
			a.log.Info("reconnected to host")
			return
		}
	}
}

// watchEditorConfig feeds .editorconfig changes into the session, which
// broadcasts them to guests.
func (a *App) watchEditorConfig(ctx context.Context) {
	dir := "."
	if len(a.opts.Files) > 0 {
		if abs, err := filepath.Abs(a.opts.Files[0]); err == nil {
			dir = filepath.Dir(abs)
		}
	}
	path := filepath.Join(dir, ".editorconfig")
	w, err := config.NewWatcher(path, a.log, func(ec config.EditorConfig) {
		a.session.SetEditorConfig(ctx, ec)
	})
	if err != nil {
		a.log.Warn("editorconfig watch unavailable", "path", path, "error", err)
		return
	}
	go w.Run(ctx)
}

// debounceWindows maps the config's wire-name keys onto request kinds.
func (a *App) debounceWindows() map[proxy.Kind]time.Duration {
	windows := proxy.DefaultDebounce()
	for name, d := range a.cfg.Debounce {
		if kind, ok := proxy.KindFromString(name); ok {
			windows[kind] = d
		} else {
			a.log.Warn("unknown debounce key ignored", "key", name)
		}
	}
	return windows
}

// languageFor resolves a buffer's language for server routing.
func (a *App) languageFor(id buffer.ID) string {
	if sb, ok := a.session.Buffer(id); ok {
		return sb.Language()
	}
	return "plaintext"
}

// teardown stops everything in dependency order.
func (a *App) teardown() {
	if a.proxy != nil {
		a.proxy.Close()
	}
	if a.session != nil {
		a.session.Close()
	}
	for _, c := range a.clients {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.Shutdown(ctx); err != nil {
			a.log.Warn("language server shutdown failed", "server", c.Name(), "error", err)
		}
		cancel()
	}
	if a.endpoint != nil {
		a.endpoint.Close()
	}
}
