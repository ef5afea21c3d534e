package memory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Manatan801/OpenClaw/internal/config"
)

func writeFileT(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func chunkIDs(t *testing.T, m *Manager) map[string]struct{} {
	t.Helper()
	rows, err := m.store.db.Query(`SELECT id FROM chunks`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	out := map[string]struct{}{}
	for rows.Next() {
		var id string
		rows.Scan(&id)
		out[id] = struct{}{}
	}
	return out
}

func TestManager_IncrementalIndex(t *testing.T) {
	ws := t.TempDir()
	p1 := "alpha bravo charlie delta echo foxtrot golf hotel"
	p2 := "india juliett kilo lima mike november oscar papa"
	p3 := "quebec romeo sierra tango uniform victor whiskey"
	writeFileT(t, filepath.Join(ws, "MEMORY.md"), p1+"\n\n"+p2+"\n\n"+p3)

	s := testSettings(t, ws)
	s.ChunkTokens = 64
	s.ChunkOverlap = 0
	m := newTestManager(t, s, nil, nil)
	ctx := context.Background()

	if err := m.Sync(ctx, SyncOptions{Reason: ReasonExplicit}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := m.store.fileCount(); got != 1 {
		t.Fatalf("files = %d, want 1", got)
	}
	before := chunkIDs(t, m)
	if len(before) < 2 {
		t.Fatalf("chunks = %d, want >= 2", len(before))
	}
	var oldHash string
	m.store.db.QueryRow(`SELECT hash FROM files WHERE path = 'MEMORY.md'`).Scan(&oldHash)

	// Append a paragraph: the file row updates, old chunk ids stay stable,
	// new chunks appear.
	p4 := "xray yankee zulu one two three four five six seven"
	writeFileT(t, filepath.Join(ws, "MEMORY.md"), p1+"\n\n"+p2+"\n\n"+p3+"\n\n"+p4)
	if err := m.Sync(ctx, SyncOptions{Reason: ReasonExplicit}); err != nil {
		t.Fatalf("second sync: %v", err)
	}

	if got := m.store.fileCount(); got != 1 {
		t.Fatalf("files after append = %d, want 1", got)
	}
	var newHash string
	m.store.db.QueryRow(`SELECT hash FROM files WHERE path = 'MEMORY.md'`).Scan(&newHash)
	if newHash == oldHash {
		t.Error("file hash did not change after append")
	}
	after := chunkIDs(t, m)
	if len(after) <= len(before) {
		t.Errorf("chunks after append = %d, want > %d", len(after), len(before))
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			t.Errorf("previously stable chunk id %s disappeared after append", id[:12])
		}
	}
}

func TestManager_SyncIdempotent(t *testing.T) {
	ws := t.TempDir()
	writeFileT(t, filepath.Join(ws, "MEMORY.md"), "stable content that never changes")

	var calls atomic.Int64
	m := newTestManager(t, testSettings(t, ws), &calls, nil)
	ctx := context.Background()

	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	first := calls.Load()
	if first == 0 {
		t.Fatal("expected provider calls on first sync")
	}
	before := chunkIDs(t, m)

	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if calls.Load() != first {
		t.Errorf("second sync made %d extra provider calls, want 0", calls.Load()-first)
	}
	after := chunkIDs(t, m)
	if len(before) != len(after) {
		t.Fatalf("chunk count changed: %d → %d", len(before), len(after))
	}
	for id := range before {
		if _, ok := after[id]; !ok {
			t.Errorf("chunk id %s not stable across idempotent syncs", id[:12])
		}
	}
}

func TestManager_CacheSkipsReembedding(t *testing.T) {
	ws := t.TempDir()
	writeFileT(t, filepath.Join(ws, "MEMORY.md"), "cached paragraph one")

	var calls atomic.Int64
	m := newTestManager(t, testSettings(t, ws), &calls, nil)
	ctx := context.Background()
	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	first := calls.Load()

	// A forced full reindex re-chunks everything, but every embedding is
	// served from the persistent cache.
	if err := m.Sync(ctx, SyncOptions{Force: true}); err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if calls.Load() != first {
		t.Errorf("forced reindex made %d extra provider calls, want 0 (cache)", calls.Load()-first)
	}
}

func TestManager_HybridRanking(t *testing.T) {
	ws := t.TempDir()
	writeFileT(t, filepath.Join(ws, "memory", "a.md"), "the quick brown fox jumps over the lazy dog")
	writeFileT(t, filepath.Join(ws, "memory", "b.md"), "foxes and dogs in the forest")

	s := testSettings(t, ws)
	s.VectorWeight = 0.6
	s.TextWeight = 0.4
	s.CandidateMul = 4
	m := newTestManager(t, s, nil, nil)
	ctx := context.Background()
	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	results, err := m.Search(ctx, "fox dog", SearchOptions{MaxResults: 5, MinScore: 0.2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	var aScore, bScore float64
	for _, r := range results {
		switch r.Path {
		case "memory/a.md":
			aScore = r.Score
		case "memory/b.md":
			bScore = r.Score
		}
	}
	if aScore == 0 || bScore == 0 {
		t.Fatalf("expected both documents in results, got %+v", results)
	}
	if aScore < bScore {
		t.Errorf("exact-match doc ranks below stemmed-match doc: a=%f b=%f", aScore, bScore)
	}
	for _, r := range results {
		if r.Score < 0.2 {
			t.Errorf("result %s below minScore: %f", r.Path, r.Score)
		}
	}
}

func TestManager_SessionsIndexed(t *testing.T) {
	ws := t.TempDir()
	s := testSettings(t, ws)
	transcript := strings.Join([]string{
		`{"type":"message","message":{"role":"user","content":"how do I deploy the billing service"}}`,
		`{"type":"message","message":{"role":"assistant","content":"run the billing deploy pipeline from main"}}`,
	}, "\n")
	writeFileT(t, filepath.Join(s.SessionsDir, "chat-1.jsonl"), transcript)

	m := newTestManager(t, s, nil, nil)
	ctx := context.Background()
	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var source string
	err := m.store.db.QueryRow(`SELECT source FROM files WHERE path = 'sessions/chat-1.jsonl'`).Scan(&source)
	if err != nil || source != SourceSessions {
		t.Fatalf("session file row missing or wrong source: %q err=%v", source, err)
	}

	results, err := m.Search(ctx, "billing deploy", SearchOptions{MaxResults: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, r := range results {
		if r.Source == SourceSessions {
			found = true
			if !strings.Contains(r.Snippet, "User:") && !strings.Contains(r.Snippet, "Assistant:") {
				t.Errorf("session snippet lacks role prefixes: %q", r.Snippet)
			}
		}
	}
	if !found {
		t.Errorf("no session results for transcript query: %+v", results)
	}
}

func TestManager_DeletedFileRemoved(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "memory", "gone.md")
	writeFileT(t, path, "temporary note")

	m := newTestManager(t, testSettings(t, ws), nil, nil)
	ctx := context.Background()
	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := m.store.fileCount(); got != 1 {
		t.Fatalf("files = %d, want 1", got)
	}

	os.Remove(path)
	if err := m.Sync(ctx, SyncOptions{}); err != nil {
		t.Fatalf("sync after delete: %v", err)
	}
	if got := m.store.fileCount(); got != 0 {
		t.Errorf("files after delete = %d, want 0", got)
	}
	if got := m.store.chunkCount(); got != 0 {
		t.Errorf("chunks after delete = %d, want 0", got)
	}
}

func TestManager_ReadFileConfinement(t *testing.T) {
	ws := t.TempDir()
	notes := filepath.Join(ws, "memory", "notes.md")
	writeFileT(t, notes, "line1\nline2\nline3\nline4\nline5\nline6")

	m := newTestManager(t, testSettings(t, ws), nil, nil)

	if _, err := m.ReadFile("../../etc/passwd", ReadFileOptions{}); !errors.Is(err, ErrPathDenied) {
		t.Errorf("traversal should be denied, got %v", err)
	}
	if _, err := m.ReadFile("memory/notes.txt", ReadFileOptions{}); !errors.Is(err, ErrPathDenied) {
		t.Errorf("non-markdown should be denied, got %v", err)
	}

	if err := os.Symlink(notes, filepath.Join(ws, "memory", "sym.md")); err == nil {
		if _, err := m.ReadFile("memory/sym.md", ReadFileOptions{}); !errors.Is(err, ErrPathDenied) {
			t.Errorf("symlink should be denied, got %v", err)
		}
	}

	got, err := m.ReadFile("memory/notes.md", ReadFileOptions{From: 5, Lines: 2})
	if err != nil {
		t.Fatalf("ReadFile slice: %v", err)
	}
	if got != "line5\nline6" {
		t.Errorf("slice = %q, want lines 5-6", got)
	}

	full, err := m.ReadFile("memory/notes.md", ReadFileOptions{})
	if err != nil || !strings.HasPrefix(full, "line1") {
		t.Errorf("full read = %q err=%v", full, err)
	}
}

func TestManager_ProviderFallbackOnSyncFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{0.6, 0.8}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	ws := t.TempDir()
	writeFileT(t, filepath.Join(ws, "MEMORY.md"), "content that needs embedding")

	s := testSettings(t, ws)
	s.Fallback = "openai"
	s.OpenAI = remoteTestConfig(srv.URL)

	var failWith atomic.Value
	failWith.Store("embeddings rate limited")
	m := newTestManager(t, s, nil, &failWith)
	ctx := context.Background()

	if err := m.Sync(ctx, SyncOptions{Reason: ReasonExplicit}); err != nil {
		t.Fatalf("sync should recover via fallback, got %v", err)
	}

	st := m.Status()
	if st.Provider != "openai" {
		t.Errorf("provider after fallback = %s, want openai", st.Provider)
	}
	if st.Fallback == nil || st.Fallback.From != "fake" {
		t.Fatalf("fallback info = %+v, want from=fake", st.Fallback)
	}
	if !strings.Contains(st.Fallback.Reason, "rate limited") {
		t.Errorf("fallback reason = %q, want the triggering failure message", st.Fallback.Reason)
	}
	if got := m.store.chunkCount(); got == 0 {
		t.Error("fallback reindex produced no chunks")
	}
}

func TestManager_StatusSnapshot(t *testing.T) {
	ws := t.TempDir()
	writeFileT(t, filepath.Join(ws, "MEMORY.md"), "status check content")

	m := newTestManager(t, testSettings(t, ws), nil, nil)
	if err := m.Sync(context.Background(), SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}

	st := m.Status()
	if st.Provider != "fake" || st.Model != "fake-model" {
		t.Errorf("status provider/model = %s/%s", st.Provider, st.Model)
	}
	if st.Files != 1 || st.Chunks == 0 {
		t.Errorf("status counts = %d files %d chunks", st.Files, st.Chunks)
	}
	if !st.FTSReady {
		t.Error("status FTSReady = false")
	}
	if !st.VectorReady || st.VectorDims != 64 {
		t.Errorf("status vector = ready:%v dims:%d, want ready at 64", st.VectorReady, st.VectorDims)
	}
}

func TestGetManager_RegistrySingleton(t *testing.T) {
	ws := t.TempDir()
	off := false
	cfg := &config.Config{Env: map[string]string{"OPENAI_API_KEY": "test-key"}}
	ms := &cfg.Agents.Defaults.MemorySearch
	ms.Sync.Watch = &off
	ms.Sync.OnSearch = &off
	ms.Sync.OnSessionStart = &off

	m1, err := GetManager(cfg, "Reg Test", ws, filepath.Join(ws, "session-data"))
	if err != nil {
		t.Fatalf("GetManager: %v", err)
	}
	m2, err := GetManager(cfg, "reg-test", ws, filepath.Join(ws, "session-data"))
	if err != nil {
		t.Fatalf("GetManager second: %v", err)
	}
	if m1 != m2 {
		t.Error("same (agent, workspace, settings) should share one manager")
	}

	if err := m1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	m3, err := GetManager(cfg, "reg-test", ws, filepath.Join(ws, "session-data"))
	if err != nil {
		t.Fatalf("GetManager after close: %v", err)
	}
	defer m3.Close()
	if m3 == m1 {
		t.Error("Close should remove the registry entry")
	}
}

func TestManager_ProbeEmbeddingAvailability(t *testing.T) {
	ws := t.TempDir()
	m := newTestManager(t, testSettings(t, ws), nil, nil)
	if err := m.ProbeEmbeddingAvailability(context.Background()); err != nil {
		t.Errorf("probe with working provider failed: %v", err)
	}

	var failWith atomic.Value
	failWith.Store("embedding backend down")
	m2 := newTestManager(t, testSettings(t, filepath.Join(ws, "other")), nil, &failWith)
	if err := m2.ProbeEmbeddingAvailability(context.Background()); err == nil {
		t.Error("probe with failing provider should error")
	}
}
