package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// embedFailureRe matches sync errors eligible for provider fallback.
var embedFailureRe = regexp.MustCompile(`(?i)embedding|embeddings|batch`)

// Sync brings the index up to date. Concurrent callers share a single
// in-flight run and observe its outcome.
func (m *Manager) Sync(ctx context.Context, opts SyncOptions) error {
	_, err, _ := m.syncGroup.Do("sync", func() (any, error) {
		return nil, m.runSync(ctx, opts)
	})
	return err
}

// backgroundSync is the fire-and-forget variant used by watchers, timers,
// and search warm-ups: it logs and swallows.
func (m *Manager) backgroundSync(reason SyncReason) {
	if m.closed.Load() {
		return
	}
	if err := m.Sync(context.Background(), SyncOptions{Reason: reason}); err != nil {
		slog.Warn("background memory sync failed", "agent", m.settings.AgentID, "reason", reason, "error", err)
	}
}

func (m *Manager) runSync(ctx context.Context, opts SyncOptions) error {
	err := m.syncOnce(ctx, opts)
	if err == nil {
		return nil
	}
	if m.applyFallback(err) {
		slog.Info("retrying sync with fallback provider", "agent", m.settings.AgentID, "provider", m.currentProvider().ID)
		return m.syncOnce(ctx, SyncOptions{Reason: ReasonFallback, Force: true})
	}
	return err
}

// applyFallback switches the provider in place when a sync failed on an
// embedding-shaped error and a different fallback provider is configured
// and not already applied. The provider key changes with the provider, so
// the next sync runs full.
func (m *Manager) applyFallback(err error) bool {
	s := m.settings
	if s.Fallback == "" || !embedFailureRe.MatchString(err.Error()) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fallbackApplied || m.provider.ID == s.Fallback {
		return false
	}
	fb, buildErr := buildProvider(s, s.Fallback)
	if buildErr != nil {
		slog.Warn("fallback provider unavailable", "provider", s.Fallback, "error", buildErr)
		return false
	}
	fb.FallbackFrom = m.provider.ID
	fb.FallbackReason = err.Error()
	_ = m.provider.Close()
	m.provider = fb
	m.fallbackApplied = true
	m.fallback = &FallbackInfo{From: fb.FallbackFrom, Reason: fb.FallbackReason}
	slog.Warn("memory provider fallback", "from", fb.FallbackFrom, "to", fb.ID, "reason", fb.FallbackReason)
	return true
}

func (m *Manager) syncOnce(ctx context.Context, opts SyncOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.clearDirty()
	start := time.Now()

	m.mu.Lock()
	store := m.store
	p := m.provider
	meta, err := store.readMeta()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("read index meta: %w", err)
	}

	needFull := opts.Force || meta == nil ||
		meta.Model != p.Model ||
		meta.Provider != p.ID ||
		meta.ProviderKey != p.Key() ||
		meta.ChunkTokens != m.settings.ChunkTokens ||
		meta.ChunkOver != m.settings.ChunkOverlap ||
		(m.settings.VectorEnabled && meta.VectorDims == 0 && store.probeVectorRuntime() == nil)

	if needFull {
		if err := m.fullReindex(ctx, opts.Reason); err != nil {
			m.noteError(err)
			return err
		}
	} else {
		if err := m.syncInto(ctx, store, false); err != nil {
			m.noteError(err)
			return err
		}
	}

	slog.Info("memory sync complete",
		"agent", m.settings.AgentID,
		"reason", opts.Reason,
		"full", needFull,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// syncInto indexes changed files into store and deletes stale rows. With
// full set, every file is (re)indexed regardless of stored hashes. Ends
// by writing the meta fingerprint and pruning the cache.
func (m *Manager) syncInto(ctx context.Context, store *indexStore, full bool) error {
	entries, err := m.scanFiles()
	if err != nil {
		return err
	}
	stored, err := store.storedFiles()
	if err != nil {
		return err
	}

	active := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		active[e.RelPath] = struct{}{}
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !full {
			if oldHash, ok := stored[e.RelPath]; ok && oldHash == e.Hash {
				continue
			}
		}
		if err := m.indexEntry(ctx, store, e); err != nil {
			return fmt.Errorf("index %s: %w", e.RelPath, err)
		}
	}

	var stale []string
	for p := range stored {
		if _, ok := active[p]; !ok {
			stale = append(stale, p)
		}
	}
	sort.Strings(stale)
	for _, p := range stale {
		if err := store.deletePath(p); err != nil {
			return fmt.Errorf("delete stale %s: %w", p, err)
		}
	}

	p := m.currentProvider()
	meta := &indexMeta{
		Model:       p.Model,
		Provider:    p.ID,
		ProviderKey: p.Key(),
		ChunkTokens: m.settings.ChunkTokens,
		ChunkOver:   m.settings.ChunkOverlap,
		VectorDims:  store.vectorDims,
	}
	if err := store.writeMeta(meta); err != nil {
		return fmt.Errorf("write index meta: %w", err)
	}
	return m.cache.PruneIfNeeded(store)
}

// indexEntry chunks one document, resolves embeddings through the cache
// and the batch orchestrator, and writes the rows.
func (m *Manager) indexEntry(ctx context.Context, store *indexStore, entry fileEntry) error {
	p := m.currentProvider()
	chunks := chunkMarkdown(entry.Content, m.settings.ChunkTokens, m.settings.ChunkOverlap)

	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = c.Hash
	}
	cached := m.cache.Load(store, hashes)

	embeddings := make([][]float32, len(chunks))
	var missing []int
	var items []embedItem
	for i, c := range chunks {
		if vec, ok := cached[c.Hash]; ok {
			embeddings[i] = vec
			continue
		}
		missing = append(missing, i)
		items = append(items, newEmbedItem(entry.Source, entry.RelPath, c, i))
	}

	if len(items) > 0 {
		vecs, err := m.batch.EmbedItems(ctx, items)
		if err != nil {
			return err
		}
		rows := make([]cacheRow, 0, len(missing))
		for j, i := range missing {
			embeddings[i] = vecs[j]
			rows = append(rows, cacheRow{Hash: chunks[i].Hash, Embedding: vecs[j]})
		}
		if err := m.cache.Upsert(store, rows); err != nil {
			return fmt.Errorf("cache embeddings: %w", err)
		}
	}

	return store.indexFile(ctx, entry, chunks, embeddings, p.Model)
}

// fullReindex rebuilds the entire index into a shadow store and swaps it
// in atomically. The live store keeps serving reads until the swap; on
// any failure the prior files and state stay usable.
func (m *Manager) fullReindex(ctx context.Context, reason SyncReason) error {
	s := m.settings
	tmpPath := s.StorePath + ".tmp-" + uuid.NewString()
	tmp, err := openIndexStore(tmpPath, s.VectorEnabled)
	if err != nil {
		return fmt.Errorf("open shadow store: %w", err)
	}
	discard := func(cause error) error {
		_ = tmp.Close()
		removeStoreFiles(tmpPath)
		return cause
	}

	m.mu.Lock()
	live := m.store
	seedErr := m.cache.Seed(tmp, live)
	m.mu.Unlock()
	if seedErr != nil {
		slog.Warn("could not seed embedding cache into shadow store", "error", seedErr)
	}

	if err := m.syncInto(ctx, tmp, true); err != nil {
		return discard(err)
	}

	// Swap under the manager lock: no reads race the rename. Readers that
	// grabbed the old handle earlier keep reading the old inode.
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := tmp.Close(); err != nil {
		return discard(fmt.Errorf("close shadow store: %w", err))
	}
	if err := m.store.Close(); err != nil {
		removeStoreFiles(tmpPath)
		return fmt.Errorf("close live store: %w", err)
	}

	backup := s.StorePath + ".bak-" + uuid.NewString()
	if err := swapStoreFiles(s.StorePath, tmpPath, backup); err != nil {
		removeStoreFiles(tmpPath)
		reopened, openErr := openIndexStore(s.StorePath, s.VectorEnabled)
		if openErr != nil {
			return fmt.Errorf("swap failed (%v) and reopen failed: %w", err, openErr)
		}
		m.store = reopened
		return err
	}

	reopened, err := openIndexStore(s.StorePath, s.VectorEnabled)
	if err != nil {
		return fmt.Errorf("reopen store after swap: %w", err)
	}
	m.store = reopened
	slog.Info("full reindex swapped in",
		"agent", s.AgentID,
		"reason", reason,
		"files", reopened.fileCount(),
		"chunks", reopened.chunkCount())
	return nil
}

// scanFiles enumerates the indexable documents for the configured
// sources: memory Markdown under the workspace and extra paths, and
// session transcripts. Symlinks are rejected at every step.
func (m *Manager) scanFiles() ([]fileEntry, error) {
	var out []fileEntry
	if m.settings.hasSource(SourceMemory) {
		entries, err := m.scanMemoryFiles()
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	if m.settings.hasSource(SourceSessions) {
		out = append(out, m.scanSessionFiles()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelPath < out[j].RelPath })
	return out, nil
}

func (m *Manager) scanMemoryFiles() ([]fileEntry, error) {
	ws := m.settings.WorkspaceDir
	seen := map[string]struct{}{}
	var out []fileEntry

	addFile := func(abs string) {
		st, err := os.Lstat(abs)
		if err != nil || !st.Mode().IsRegular() || st.Mode()&os.ModeSymlink != 0 {
			return
		}
		if !strings.HasSuffix(strings.ToLower(abs), ".md") {
			return
		}
		key := abs
		if resolved, err := filepath.EvalSymlinks(abs); err == nil {
			key = resolved
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}

		content, err := os.ReadFile(abs)
		if err != nil {
			return
		}
		rel, err := filepath.Rel(ws, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			// Extra paths outside the workspace keep their absolute path
			// as the stored key.
			rel = abs
		}
		out = append(out, fileEntry{
			AbsPath: abs,
			RelPath: filepath.ToSlash(rel),
			Source:  SourceMemory,
			Hash:    hashText(string(content)),
			Size:    st.Size(),
			Mtime:   st.ModTime().UnixMilli(),
			Content: string(content),
		})
	}

	walkDir := func(dir string) {
		_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.Type()&os.ModeSymlink != 0 {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			addFile(path)
			return nil
		})
	}

	addFile(filepath.Join(ws, "MEMORY.md"))
	addFile(filepath.Join(ws, "memory.md"))
	walkDir(filepath.Join(ws, "memory"))

	for _, extra := range m.settings.ExtraPaths {
		st, err := os.Lstat(extra)
		if err != nil || st.Mode()&os.ModeSymlink != 0 {
			continue
		}
		if st.IsDir() {
			walkDir(extra)
		} else {
			addFile(extra)
		}
	}
	return out, nil
}

// scanSessionFiles parses each transcript into indexable text. The stored
// path lives under the reserved sessions/ prefix so it cannot collide
// with memory paths, and the hash covers the extracted text so
// non-message noise in the transcript does not force reindexing.
func (m *Manager) scanSessionFiles() []fileEntry {
	var out []fileEntry
	for _, abs := range listSessionFiles(m.settings.SessionsDir) {
		st, err := os.Lstat(abs)
		if err != nil || !st.Mode().IsRegular() {
			continue
		}
		raw, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		text := transcriptToText(string(raw))
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, fileEntry{
			AbsPath: abs,
			RelPath: sessionPathPrefix + filepath.Base(abs),
			Source:  SourceSessions,
			Hash:    hashText(text),
			Size:    st.Size(),
			Mtime:   st.ModTime().UnixMilli(),
			Content: text,
		})
	}
	return out
}
