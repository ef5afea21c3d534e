package memory

import (
	"context"
	"hash/fnv"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Manatan801/OpenClaw/internal/config"
)

func remoteTestConfig(baseURL string) config.RemoteConfig {
	return config.RemoteConfig{BaseURL: baseURL, APIKey: "test-key"}
}

// fakeEmbed maps words into hash buckets so cosine similarity tracks word
// overlap. Deterministic and offline.
func fakeEmbed(text string) []float32 {
	vec := make([]float32, 64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if w == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%64]++
	}
	return normalizeVector(vec)
}

// newFakeProvider returns an in-process provider counting every embedded
// text. failWith, when non-empty, makes every call fail with that message.
func newFakeProvider(calls *atomic.Int64, failWith *atomic.Value) *Provider {
	return &Provider{
		ID:           "fake",
		Model:        "fake-model",
		key:          hashText("fake|fake-model"),
		queryTimeout: 5 * time.Second,
		batchTimeout: 5 * time.Second,
		embedFn: func(ctx context.Context, texts []string) ([][]float32, error) {
			if failWith != nil {
				if msg, _ := failWith.Load().(string); msg != "" {
					return nil, &fakeEmbedError{msg}
				}
			}
			if calls != nil {
				calls.Add(int64(len(texts)))
			}
			out := make([][]float32, len(texts))
			for i, t := range texts {
				out[i] = fakeEmbed(t)
			}
			return out, nil
		},
	}
}

type fakeEmbedError struct{ msg string }

func (e *fakeEmbedError) Error() string { return e.msg }

// testSettings resolves settings for a temp workspace with background
// machinery (watch, sync-on-search, session warm-up) turned off so tests
// drive syncs explicitly.
func testSettings(t *testing.T, workspace string) Settings {
	t.Helper()
	off := false
	cfg := &config.Config{}
	ms := &cfg.Agents.Defaults.MemorySearch
	ms.Sync.Watch = &off
	ms.Sync.OnSearch = &off
	ms.Sync.OnSessionStart = &off

	s, err := ResolveSettings(cfg, "tester", workspace, filepath.Join(workspace, "session-data"))
	if err != nil {
		t.Fatalf("ResolveSettings: %v", err)
	}
	return s
}

func newTestManager(t *testing.T, s Settings, calls *atomic.Int64, failWith *atomic.Value) *Manager {
	t.Helper()
	m, err := NewManagerWithProvider(s, newFakeProvider(calls, failWith))
	if err != nil {
		t.Fatalf("NewManagerWithProvider: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}
