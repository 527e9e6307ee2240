package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the project's .editorconfig when it changes on disk
// and hands the parsed result to a callback. The host runs one per
// shared project; guests receive the result by broadcast instead.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	onLoad  func(EditorConfig)
}

// NewWatcher watches the .editorconfig at path. The callback fires once
// immediately with the current content, then on every change.
func NewWatcher(path string, logger *slog.Logger, onLoad func(EditorConfig)) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; editors replace files on save, and a watch
	// on the file itself is lost across the rename.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, watcher: fw, logger: logger, onLoad: onLoad}
	w.reload()
	return w, nil
}

// Run processes change events until the context ends.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("editorconfig watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	ec, err := LoadEditorConfig(w.path)
	if err != nil {
		w.logger.Warn("editorconfig reload failed", "path", w.path, "error", err)
		return
	}
	w.onLoad(ec)
}
