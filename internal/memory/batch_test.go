package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestPackItems(t *testing.T) {
	items := []embedItem{
		{Tokens: 3000}, {Tokens: 3000}, {Tokens: 3000}, // 2 + 1
		{Tokens: maxBatchTokens + 1}, // singleton
		{Tokens: 10},
	}
	batches := packItems(items)
	if len(batches) != 4 {
		t.Fatalf("batches = %d, want 4: %v", len(batches), batches)
	}
	if len(batches[1]) != 1 || batches[1][0] != 2 {
		t.Errorf("third item should start a new batch: %v", batches)
	}
	if len(batches[2]) != 1 || batches[2][0] != 3 {
		t.Errorf("oversized item should be a singleton: %v", batches)
	}
}

func TestBackoffWithJitter_Bounds(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := backoffWithJitter(backoffBase, backoffCap, attempt)
		if d < 0 {
			t.Fatalf("negative delay %v at attempt %d", d, attempt)
		}
		if d > backoffCap+time.Duration(float64(backoffCap)*backoffJitter) {
			t.Fatalf("delay %v exceeds cap+jitter at attempt %d", d, attempt)
		}
	}
}

func TestEmbedBatchWithRetry_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int64
	p := &Provider{
		ID: "fake", Model: "m", key: "k",
		queryTimeout: time.Second, batchTimeout: time.Second,
		embedFn: func(ctx context.Context, texts []string) ([][]float32, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("429 too many requests")
			}
			out := make([][]float32, len(texts))
			for i := range out {
				out[i] = []float32{1}
			}
			return out, nil
		},
	}
	b := newBatchManager(func() *Provider { return p }, Settings{BatchConcurrency: 1, BatchPoll: time.Millisecond, BatchTimeout: time.Second})

	vecs, err := b.embedBatchWithRetry(context.Background(), []string{"a"})
	if err != nil {
		t.Fatalf("embedBatchWithRetry: %v", err)
	}
	if len(vecs) != 1 || calls.Load() != 3 {
		t.Errorf("vecs=%d calls=%d, want 1 vec after 3 calls", len(vecs), calls.Load())
	}
}

func TestEmbedBatchWithRetry_NonRetryableFailsFast(t *testing.T) {
	var calls atomic.Int64
	p := &Provider{
		ID: "fake", Model: "m", key: "k",
		queryTimeout: time.Second, batchTimeout: time.Second,
		embedFn: func(ctx context.Context, texts []string) ([][]float32, error) {
			calls.Add(1)
			return nil, errors.New("invalid api key")
		},
	}
	b := newBatchManager(func() *Provider { return p }, Settings{BatchConcurrency: 1, BatchPoll: time.Millisecond, BatchTimeout: time.Second})

	if _, err := b.embedBatchWithRetry(context.Background(), []string{"a"}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on non-retryable)", calls.Load())
	}
}

func TestBatchFailureLatch(t *testing.T) {
	p := &Provider{ID: "fake", Model: "m", key: "k"}
	b := newBatchManager(func() *Provider { return p }, Settings{BatchEnabled: true, BatchConcurrency: 1, BatchPoll: time.Millisecond, BatchTimeout: time.Second})

	b.recordFailure(errors.New("submit failed"), 1)
	if b.disabled {
		t.Fatal("one failure should not latch")
	}
	b.recordFailure(errors.New("submit failed again"), 1)
	if !b.disabled {
		t.Fatal("two failures should latch batch mode off")
	}
	// The latch holds: success resets the counter, not the disable flag.
	b.recordSuccess()
	if b.disabled != true {
		t.Error("latch released by success")
	}
}

func TestBatchFailureLatch_UnsupportedDisablesImmediately(t *testing.T) {
	p := &Provider{ID: "fake", Model: "m", key: "k"}
	b := newBatchManager(func() *Provider { return p }, Settings{BatchEnabled: true, BatchConcurrency: 1, BatchPoll: time.Millisecond, BatchTimeout: time.Second})

	b.recordFailure(fmt.Errorf("%w: http 404", errBatchUnsupported), 1)
	if !b.disabled {
		t.Fatal("unsupported endpoint should disable batch mode immediately")
	}
}

// fakeBatchServer implements the OpenAI-shaped batch endpoints: file
// upload, batch create, poll, result download, plus plain /embeddings.
func fakeBatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	var uploaded []batchItem

	mux := http.NewServeMux()
	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		uploaded = nil
		for dec.More() {
			var row struct {
				CustomID string `json:"custom_id"`
				Body     struct {
					Input string `json:"input"`
				} `json:"body"`
			}
			if err := dec.Decode(&row); err != nil {
				break
			}
			uploaded = append(uploaded, batchItem{CustomID: row.CustomID, Text: row.Body.Input})
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "file-in"})
	})
	mux.HandleFunc("/batches", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "batch-1"})
	})
	mux.HandleFunc("/batches/batch-1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "completed", "output_file_id": "file-out"})
	})
	mux.HandleFunc("/files/file-out/content", func(w http.ResponseWriter, r *http.Request) {
		enc := json.NewEncoder(w)
		for _, it := range uploaded {
			enc.Encode(map[string]any{
				"custom_id": it.CustomID,
				"response":  map[string]any{"embedding": []float32{1, 0}},
			})
		}
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{0, 1}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	return httptest.NewServer(mux)
}

func TestEmbedItems_ProviderSideBatch(t *testing.T) {
	srv := fakeBatchServer(t)
	defer srv.Close()

	p, err := newOpenAIProvider(Settings{
		Model:  "m",
		OpenAI: remoteTestConfig(srv.URL),
	})
	if err != nil {
		t.Fatalf("newOpenAIProvider: %v", err)
	}
	b := newBatchManager(func() *Provider { return p }, Settings{
		BatchEnabled:     true,
		BatchWait:        true,
		BatchConcurrency: 2,
		BatchPoll:        5 * time.Millisecond,
		BatchTimeout:     time.Second,
	})

	items := []embedItem{
		{CustomID: "c1", Text: "alpha", Tokens: 10},
		{CustomID: "c2", Text: "beta", Tokens: 10},
	}
	vecs, err := b.EmbedItems(context.Background(), items)
	if err != nil {
		t.Fatalf("EmbedItems: %v", err)
	}
	if len(vecs) != 2 || vecs[0] == nil || vecs[1] == nil {
		t.Fatalf("vecs = %v, want 2 non-nil", vecs)
	}
	if b.disabled {
		t.Error("successful batch run should not latch the disable flag")
	}
}

func TestEmbedItems_FallsBackPerRequest(t *testing.T) {
	// A server with no batch endpoints: 404 on /files forces the
	// unsupported signal; /embeddings still works.
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"index": i, "embedding": []float32{0, 1}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := newOpenAIProvider(Settings{Model: "m", OpenAI: remoteTestConfig(srv.URL)})
	if err != nil {
		t.Fatalf("newOpenAIProvider: %v", err)
	}
	b := newBatchManager(func() *Provider { return p }, Settings{
		BatchEnabled:     true,
		BatchWait:        true,
		BatchConcurrency: 1,
		BatchPoll:        5 * time.Millisecond,
		BatchTimeout:     time.Second,
	})

	vecs, err := b.EmbedItems(context.Background(), []embedItem{{CustomID: "c1", Text: "alpha", Tokens: 5}})
	if err != nil {
		t.Fatalf("EmbedItems: %v", err)
	}
	if len(vecs) != 1 || vecs[0] == nil {
		t.Fatalf("vecs = %v, want per-request fallback result", vecs)
	}
	if !b.disabled {
		t.Error("unsupported batch endpoint should latch the disable flag")
	}
	if b.Active() {
		t.Error("Active() should report batch mode off after the latch")
	}
}

func TestParseBatchResults_Variants(t *testing.T) {
	lines := strings.Join([]string{
		`{"custom_id":"a","response":{"embedding":[1,2]}}`,
		`{"custom_id":"b","response":{"embedding":{"values":[3,4]}}}`,
		`{"custom_id":"c","response":{"body":{"data":[{"embedding":[5,6]}]}}}`,
		`garbage`,
		`{"response":{"embedding":[9]}}`,
	}, "\n")
	got := parseBatchResults(strings.NewReader(lines))
	if len(got) != 3 {
		t.Fatalf("parsed %d rows, want 3: %v", len(got), got)
	}
	for _, id := range []string{"a", "b", "c"} {
		if len(got[id]) != 2 {
			t.Errorf("row %s = %v, want 2 dims", id, got[id])
		}
	}
}

func TestEstimateTokens_Positive(t *testing.T) {
	if n := estimateTokens("hello world"); n <= 0 {
		t.Errorf("estimateTokens = %d, want > 0", n)
	}
}
