package stepgraph

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pipeviz/internal/logging"
)

// Watcher reloads a step config file when it changes on disk. A reload that
// fails validation is logged and dropped; the caller keeps its current
// graph.
type Watcher struct {
	path    string
	fsw     *fsnotify.Watcher
	logger  *slog.Logger
	current string
}

// NewWatcher starts watching the directory containing path. The watch is
// registered before NewWatcher returns, so writes made afterwards are seen
// by Run.
func NewWatcher(path string, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Editors often replace the file instead of writing in place, so the
	// directory is watched rather than the file itself.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{
		path:   abs,
		fsw:    fsw,
		logger: logging.OrDiscard(logger).With("component", "stepgraph.watcher", "path", abs),
	}, nil
}

// SetCurrent records the version already in use so an event that rewrites
// identical contents does not trigger apply.
func (w *Watcher) SetCurrent(version string) { w.current = version }

// Run blocks until ctx is canceled, calling apply with every new valid
// graph.
func (w *Watcher) Run(ctx context.Context, apply func(*Graph)) error {
	defer w.fsw.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("step config watch error", "err", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			g, err := Load(w.path)
			if err != nil {
				w.logger.Error("step config reload rejected", "err", err)
				continue
			}
			if g.Version() == w.current {
				continue
			}
			w.current = g.Version()
			w.logger.Info("step config reloaded", "version", g.Version(), "steps", g.Len())
			apply(g)
		}
	}
}
