// Package watch watches a workspace for file changes and invalidates the
// cache entries a changed file could have stale (spec.md §4.3's
// invalidate-on-change path).
//
// Grounded on the teacher's internal/indexing/watcher.go: a recursive
// fsnotify.Watcher over every directory under the root, skipping
// dependency/VCS directories, with events debounced per path before the
// callback fires so a burst of writes from a single save collapses to one
// invalidation.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/standardbeagle/lsp-daemon/internal/errors"
	"github.com/standardbeagle/lsp-daemon/internal/logging"
)

var skipDirNames = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"vendor":       true,
	"__pycache__":  true,
}

// Handler is invoked once (after debouncing) per changed file path.
type Handler func(path string)

// Watcher recursively watches a workspace root and debounces fsnotify
// events before calling Handler.
type Watcher struct {
	fsw     *fsnotify.Watcher
	root    string
	handler Handler
	debounce time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a Watcher over root. Events are debounced by debounce before
// handler fires; a zero debounce fires immediately.
func New(root string, debounce time.Duration, handler Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(errors.Shutdown, "creating fsnotify watcher", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		fsw:      fsw,
		root:     root,
		handler:  handler,
		debounce: debounce,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]*time.Timer),
	}
	return w, nil
}

// Start adds recursive watches under root and begins processing events in
// the background.
func (w *Watcher) Start() error {
	if err := w.addWatches(w.root); err != nil {
		return errors.Wrap(errors.Shutdown, "adding fsnotify watches under "+w.root, err)
	}

	w.wg.Add(1)
	go w.processEvents()

	logging.Logf("watch", "watching %s", w.root)
	return nil
}

// addWatches walks root and registers every directory except the skipped
// dependency/VCS ones, following the teacher's filepath.Walk + visited-set
// approach to tolerate unreadable subtrees without aborting the whole scan.
func (w *Watcher) addWatches(root string) error {
	visited := make(map[string]bool)
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if skipDirNames[filepath.Base(path)] {
			return filepath.SkipDir
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return nil
		}
		if visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true
		return w.fsw.Add(path)
	})
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Logf("watch", "fsnotify error: %v", err)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDirNames[filepath.Base(event.Name)] {
			_ = w.fsw.Add(event.Name)
		}
	}

	if w.debounce <= 0 {
		w.handler(event.Name)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[event.Name]; ok {
		t.Stop()
	}
	path := event.Name
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.handler(path)
	})
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() error {
	w.cancel()
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()

	if err != nil {
		return errors.Wrap(errors.Shutdown, "closing fsnotify watcher", err)
	}
	return nil
}
