package memory

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// memoryWatcher watches the agent's memory documents (MEMORY.md,
// memory.md, memory/, extra paths) and fires a debounced callback on any
// add/change/unlink. The debounce timer resets on every event, which also
// coalesces in-progress writes: the callback fires only after the file
// has been quiet for the full window.
type memoryWatcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	onFire   func()
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

func newMemoryWatcher(s Settings, onFire func()) (*memoryWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &memoryWatcher{
		fsw:      fsw,
		debounce: s.WatchDebounce,
		onFire:   onFire,
	}, nil
}

// Start registers the watch roots and begins the event loop.
func (w *memoryWatcher) Start(ctx context.Context, s Settings) {
	watched := 0
	add := func(path string) {
		st, err := os.Lstat(path)
		if err != nil || st.Mode()&os.ModeSymlink != 0 {
			return
		}
		if err := w.fsw.Add(path); err == nil {
			watched++
		}
	}

	// The workspace root catches MEMORY.md / memory.md create and unlink.
	add(s.WorkspaceDir)
	add(filepath.Join(s.WorkspaceDir, "memory"))
	for _, extra := range s.ExtraPaths {
		add(extra)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	slog.Info("memory watcher started",
		"workspace", s.WorkspaceDir,
		"watched", watched,
		"debounce_ms", w.debounce.Milliseconds())
}

// Stop shuts the watcher down and drops any pending debounce.
func (w *memoryWatcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	_ = w.fsw.Close()

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *memoryWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("memory watcher error", "error", err)
		}
	}
}

func (w *memoryWatcher) handleEvent(event fsnotify.Event) {
	path := event.Name
	base := filepath.Base(path)

	// A new directory under a watched root (e.g. memory/ created later)
	// is added to the watch set.
	if event.Has(fsnotify.Create) {
		if st, err := os.Lstat(path); err == nil && st.IsDir() && st.Mode()&os.ModeSymlink == 0 {
			_ = w.fsw.Add(path)
		}
	}

	if !strings.HasSuffix(strings.ToLower(base), ".md") &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	w.schedule()
}

func (w *memoryWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *memoryWatcher) flush() {
	w.mu.Lock()
	if !w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.mu.Unlock()
	w.onFire()
}
