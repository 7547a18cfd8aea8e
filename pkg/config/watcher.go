package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

const reloadDelay = 500 * time.Millisecond

// Watcher keeps a Stack loaded from layer files current. Options resolved
// after a reload see the new layers; snapshots already handed out are
// unaffected.
type Watcher struct {
	loader   *Loader
	paths    []string
	current  atomic.Pointer[Stack]
	logger   zerolog.Logger
	onReload func(*Stack)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewWatcher loads paths once and returns a watcher serving the result.
func NewWatcher(loader *Loader, paths []string, logger zerolog.Logger) (*Watcher, error) {
	stack, err := loader.Load(paths...)
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		loader: loader,
		paths:  paths,
		logger: logger.With().Str("component", "config-watcher").Logger(),
	}
	w.current.Store(stack)
	return w, nil
}

// OnReload registers a callback invoked after each successful reload.
func (w *Watcher) OnReload(fn func(*Stack)) {
	w.onReload = fn
}

// Current returns the most recently loaded stack.
func (w *Watcher) Current() *Stack {
	return w.current.Load()
}

// Resolve resolves options against the current stack.
func (w *Watcher) Resolve(iface, item string, call Layer) (engine.Options, error) {
	return w.Current().Resolve(iface, item, call)
}

// Reload loads the watched paths again. A failed load keeps the previous stack.
func (w *Watcher) Reload() error {
	stack, err := w.loader.Load(w.paths...)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	w.current.Store(stack)
	if w.onReload != nil {
		w.onReload(stack)
	}
	w.logger.Info().Msg("Configuration layers reloaded")
	return nil
}

// Start watches the layer files until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// editors replace files on save, so watch the parent directories
	dirs := make(map[string]struct{})
	for _, p := range w.paths {
		dirs[filepath.Dir(filepath.Clean(p))] = struct{}{}
		dirs[filepath.Clean(p)] = struct{}{}
	}
	for d := range dirs {
		if err := fw.Add(d); err != nil {
			w.logger.Debug().Err(err).Str("path", d).Msg("Failed to watch path")
		}
	}

	w.mu.Lock()
	w.watcher = fw
	w.mu.Unlock()

	go w.processEvents(ctx, fw)

	w.logger.Info().Int("paths", len(w.paths)).Msg("Started watching configuration layers")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, fw *fsnotify.Watcher) {
	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			_ = fw.Close()
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !strings.HasSuffix(event.Name, ".cue") {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Configuration file changed")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := w.Reload(); err != nil {
					w.logger.Error().Err(err).Msg("Keeping previous configuration")
				}
			})

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Stop stops watching.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
