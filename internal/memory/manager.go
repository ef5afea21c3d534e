package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/Manatan801/OpenClaw/internal/config"
)

// queryLRUSize bounds the in-process query-embedding memoization.
const queryLRUSize = 256

// Manager is the per-agent facade over the memory index. It exclusively
// owns the store handle and all in-memory delta state; watchers and
// timers only enqueue work through it.
type Manager struct {
	settings Settings

	mu       sync.Mutex // guards store, provider, fallback state, lastError
	store    *indexStore
	provider *Provider

	cache *embeddingCache
	batch *batchManager

	fallback        *FallbackInfo
	fallbackApplied bool
	lastError       string

	syncGroup singleflight.Group

	dirtyMu sync.Mutex
	dirty   bool

	watcher  *memoryWatcher
	deltas   *sessionDeltaTracker
	stopTick context.CancelFunc

	warmed   sync.Map // sessionKey → struct{}
	queryLRU *lru.Cache[string, []float32]

	registryKey string
	closed      atomic.Bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Manager{}
)

// GetManager returns the process-wide manager singleton for (agentID,
// workspaceDir, settings fingerprint), creating it on first use.
func GetManager(cfg *config.Config, agentID, workspaceDir, sessionsDir string) (*Manager, error) {
	settings, err := ResolveSettings(cfg, agentID, workspaceDir, sessionsDir)
	if err != nil {
		return nil, err
	}
	key := settings.AgentID + "|" + settings.WorkspaceDir + "|" + settings.Fingerprint()

	registryMu.Lock()
	defer registryMu.Unlock()
	if m, ok := registry[key]; ok {
		return m, nil
	}
	m, err := NewManager(settings)
	if err != nil {
		return nil, err
	}
	m.registryKey = key
	registry[key] = m
	return m, nil
}

// NewManager builds a standalone manager (no registry entry) for the
// resolved settings. Most callers want GetManager.
func NewManager(settings Settings) (*Manager, error) {
	provider, err := NewProvider(settings)
	if err != nil {
		return nil, err
	}
	return NewManagerWithProvider(settings, provider)
}

// NewManagerWithProvider wires a manager around an already-constructed
// provider. Useful when the caller built the provider itself (probes,
// tests with in-process fakes).
func NewManagerWithProvider(settings Settings, provider *Provider) (*Manager, error) {
	store, err := openIndexStore(settings.StorePath, settings.VectorEnabled)
	if err != nil {
		_ = provider.Close()
		return nil, err
	}

	m := &Manager{
		settings: settings,
		store:    store,
		provider: provider,
	}
	if provider.FallbackFrom != "" {
		m.fallback = &FallbackInfo{From: provider.FallbackFrom, Reason: provider.FallbackReason}
		m.fallbackApplied = true
	}
	m.cache = newEmbeddingCache(m.currentProvider, settings)
	m.batch = newBatchManager(m.currentProvider, settings)
	m.queryLRU, _ = lru.New[string, []float32](queryLRUSize)
	m.deltas = newSessionDeltaTracker(settings, m.onSessionDirty)

	if settings.WatchEnabled {
		w, err := newMemoryWatcher(settings, func() {
			m.markDirty()
			go m.backgroundSync(ReasonWatch)
		})
		if err != nil {
			slog.Warn("memory watcher unavailable", "error", err)
		} else {
			m.watcher = w
			w.Start(context.Background(), settings)
		}
	}
	if settings.SyncInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		m.stopTick = cancel
		go m.intervalLoop(ctx)
	}

	slog.Info("memory manager ready",
		"agent", settings.AgentID,
		"provider", provider.ID,
		"model", provider.Model,
		"store", settings.StorePath)
	return m, nil
}

func (m *Manager) intervalLoop(ctx context.Context) {
	ticker := time.NewTicker(m.settings.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.backgroundSync(ReasonInterval)
		}
	}
}

func (m *Manager) currentProvider() *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.provider
}

func (m *Manager) markDirty() {
	m.dirtyMu.Lock()
	m.dirty = true
	m.dirtyMu.Unlock()
}

func (m *Manager) clearDirty() {
	m.dirtyMu.Lock()
	m.dirty = false
	m.dirtyMu.Unlock()
}

func (m *Manager) isDirty() bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	return m.dirty
}

func (m *Manager) noteError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
}

// NoteSessionUpdate feeds one transcript update event into the delta
// tracker. The gateway's session subscription calls this on every append.
func (m *Manager) NoteSessionUpdate(absPath string) {
	if m.closed.Load() || !m.settings.hasSource(SourceSessions) {
		return
	}
	m.deltas.Note(absPath)
}

func (m *Manager) onSessionDirty(paths []string) {
	m.markDirty()
	slog.Debug("session transcripts dirty", "agent", m.settings.AgentID, "count", len(paths))
	go m.backgroundSync(ReasonSessionDelta)
}

// WarmSession runs one background session-start sync per unique session
// key. Fire-and-forget: warm-up failures never reach the caller.
func (m *Manager) WarmSession(sessionKey string) {
	if sessionKey == "" || !m.settings.SyncOnSessionStart {
		return
	}
	if _, loaded := m.warmed.LoadOrStore(sessionKey, struct{}{}); loaded {
		return
	}
	go m.backgroundSync(ReasonSessionStart)
}

// ReadFile returns a memory document, restricted to .md files inside the
// workspace or under an explicitly configured extra path. Symlinks are
// rejected. From is 1-based; Lines bounds the slice length.
func (m *Manager) ReadFile(relPath string, opts ReadFileOptions) (string, error) {
	raw := strings.TrimSpace(relPath)
	if raw == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathDenied)
	}
	abs := raw
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(m.settings.WorkspaceDir, raw)
	}
	abs = filepath.Clean(abs)

	if !strings.HasSuffix(strings.ToLower(abs), ".md") {
		return "", fmt.Errorf("%w: only .md files are readable", ErrPathDenied)
	}
	if !m.pathAllowed(abs) {
		return "", fmt.Errorf("%w: %s is outside the memory roots", ErrPathDenied, raw)
	}
	st, err := os.Lstat(abs)
	if err != nil {
		return "", fmt.Errorf("read memory file: %w", err)
	}
	if !st.Mode().IsRegular() || st.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: not a regular file", ErrPathDenied)
	}
	b, err := os.ReadFile(abs)
	if err != nil {
		return "", err
	}
	content := string(b)
	if opts.From <= 0 && opts.Lines <= 0 {
		return content, nil
	}
	lines := strings.Split(content, "\n")
	start := opts.From
	if start <= 0 {
		start = 1
	}
	count := opts.Lines
	if count <= 0 {
		count = len(lines)
	}
	from := min(start-1, len(lines))
	to := min(from+count, len(lines))
	return strings.Join(lines[from:to], "\n"), nil
}

// pathAllowed confines abs to the workspace or to a configured extra
// path (the path itself, or a directory containing the file).
func (m *Manager) pathAllowed(abs string) bool {
	if within(m.settings.WorkspaceDir, abs) {
		return true
	}
	for _, extra := range m.settings.ExtraPaths {
		if abs == extra {
			return true
		}
		st, err := os.Lstat(extra)
		if err == nil && st.IsDir() && within(extra, abs) {
			return true
		}
	}
	return false
}

func within(root, abs string) bool {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Status reports a snapshot of the index.
func (m *Manager) Status() Status {
	batchActive := m.batch.Active()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Provider:      m.provider.ID,
		Model:         m.provider.Model,
		DBPath:        m.settings.StorePath,
		Files:         m.store.fileCount(),
		Chunks:        m.store.chunkCount(),
		VectorEnabled: m.settings.VectorEnabled,
		VectorReady:   m.store.vectorReady,
		VectorDims:    m.store.vectorDims,
		FTSReady:      m.store.ftsReady,
		BatchEnabled:  batchActive,
		Fallback:      m.fallback,
		LastError:     m.lastError,
	}
}

// ProbeVectorAvailability reports whether the vector runtime is loadable.
func (m *Manager) ProbeVectorAvailability() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.VectorEnabled && m.store.probeVectorRuntime() == nil
}

// ProbeEmbeddingAvailability exercises the per-request embedding path
// once. Provider-side batch mode is deliberately not probed.
func (m *Manager) ProbeEmbeddingAvailability(ctx context.Context) error {
	_, err := m.batch.embedBatchWithRetry(ctx, []string{"ping"})
	return err
}

// Close stops background work, releases the provider and store, and
// removes the manager from the registry.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.watcher != nil {
		m.watcher.Stop()
	}
	if m.stopTick != nil {
		m.stopTick()
	}
	m.deltas.Close()

	registryMu.Lock()
	if m.registryKey != "" {
		delete(registry, m.registryKey)
	}
	registryMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.provider.Close()
	return m.store.Close()
}
