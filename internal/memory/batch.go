package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/errgroup"
)

const (
	// maxBatchTokens bounds the summed token estimate of one embedding call.
	maxBatchTokens = 8000

	// batchFailureLimit is the latch threshold: once reached, provider-side
	// batch mode stays disabled for the rest of the process.
	batchFailureLimit = 2

	embedMaxAttempts = 3
	backoffBase      = 500 * time.Millisecond
	backoffCap       = 8 * time.Second
	backoffJitter    = 0.2
)

var retryableEmbedRe = regexp.MustCompile(`(?i)rate.?limit|too many requests|429|resource exhausted|5\d\d|cloudflare`)

// embedItem is one chunk heading into the embedding pipeline, with the
// deterministic correlation id used by provider-side batch jobs.
type embedItem struct {
	CustomID string
	Text     string
	Tokens   int
}

func newEmbedItem(source, path string, c chunkEntry, index int) embedItem {
	return embedItem{
		CustomID: hashText(fmt.Sprintf("%s:%s:%d:%d:%s:%d", source, path, c.StartLine, c.EndLine, c.Hash, index)),
		Text:     c.Text,
		Tokens:   estimateTokens(c.Text),
	}
}

// batchManager groups chunks into token-bounded batches and embeds them,
// preferring the provider's asynchronous batch-job API when enabled and
// falling back to per-request calls. Repeated batch failures latch the
// mode off for the remainder of the process.
type batchManager struct {
	provider func() *Provider // the manager may swap providers on fallback

	enabled     bool
	wait        bool
	concurrency int
	poll        time.Duration
	timeout     time.Duration

	mu       sync.Mutex
	failures int
	disabled bool
}

func newBatchManager(provider func() *Provider, s Settings) *batchManager {
	return &batchManager{
		provider:    provider,
		enabled:     s.BatchEnabled,
		wait:        s.BatchWait,
		concurrency: s.BatchConcurrency,
		poll:        s.BatchPoll,
		timeout:     s.BatchTimeout,
	}
}

// Active reports whether provider-side batch mode would be used for the
// next embedding run.
func (b *batchManager) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enabled && !b.disabled && b.provider().Batch() != nil
}

// EmbedItems embeds all items, returning vectors in item order.
func (b *batchManager) EmbedItems(ctx context.Context, items []embedItem) ([][]float32, error) {
	if len(items) == 0 {
		return [][]float32{}, nil
	}
	out := make([][]float32, len(items))
	batches := packItems(items)

	if b.Active() && b.wait {
		if err := b.runBatchJobs(ctx, batches, items, out); err == nil {
			return out, nil
		} else if ctx.Err() != nil {
			return nil, err
		} else {
			slog.Warn("batch embedding failed, falling back to per-request", "error", err)
		}
	}

	for _, batch := range batches {
		texts := make([]string, len(batch))
		for i, idx := range batch {
			texts[i] = items[idx].Text
		}
		vecs, err := b.embedBatchWithRetry(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, fmt.Errorf("embedding count mismatch: got=%d want=%d", len(vecs), len(batch))
		}
		for i, idx := range batch {
			out[idx] = vecs[i]
		}
	}
	return out, nil
}

// embedBatchWithRetry calls the provider up to embedMaxAttempts times,
// backing off exponentially with jitter on retryable failures.
func (b *batchManager) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < embedMaxAttempts; attempt++ {
		vecs, err := b.provider().EmbedBatch(ctx, texts)
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		if !retryableEmbedRe.MatchString(err.Error()) || attempt == embedMaxAttempts-1 {
			break
		}
		delay := backoffWithJitter(backoffBase, backoffCap, attempt)
		slog.Debug("embedding call retry", "attempt", attempt+1, "delay_ms", delay.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// runBatchJobs submits each packed batch as a provider-side job, polls to
// completion with bounded concurrency, and maps results back by custom id.
func (b *batchManager) runBatchJobs(ctx context.Context, batches [][]int, items []embedItem, out [][]float32) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	var outMu sync.Mutex

	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			reqs := make([]batchItem, len(batch))
			for i, idx := range batch {
				reqs[i] = batchItem{CustomID: items[idx].CustomID, Text: items[idx].Text}
			}
			results, attempts, err := b.submitAndPoll(ctx, reqs)
			if err != nil {
				b.recordFailure(err, attempts)
				return err
			}
			outMu.Lock()
			defer outMu.Unlock()
			for _, idx := range batch {
				vec, ok := results[items[idx].CustomID]
				if !ok {
					return fmt.Errorf("batch result missing custom_id for %s", items[idx].CustomID)
				}
				out[idx] = vec
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	b.recordSuccess()
	return nil
}

// submitAndPoll runs one job to completion. A timed-out job is retried
// once; a second timeout counts as a batch failure.
func (b *batchManager) submitAndPoll(ctx context.Context, reqs []batchItem) (map[string][]float32, int, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		results, err := b.runOneJob(ctx, reqs)
		if err == nil {
			return results, attempt, nil
		}
		lastErr = err
		if !errors.Is(err, errBatchTimeout) || ctx.Err() != nil {
			return nil, attempt, err
		}
	}
	return nil, 2, lastErr
}

var errBatchTimeout = errors.New("batch job timed out")

func (b *batchManager) runOneJob(ctx context.Context, reqs []batchItem) (map[string][]float32, error) {
	client := b.provider().Batch()
	if client == nil {
		return nil, errBatchUnsupported
	}
	jobID, err := client.Submit(ctx, reqs)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(b.timeout)
	for {
		st, err := client.Status(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if st.Done {
			if st.Failed {
				return nil, fmt.Errorf("batch job %s failed: %s", jobID, st.Reason)
			}
			return client.Results(ctx, st)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s (job %s)", errBatchTimeout, b.timeout, jobID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

// recordFailure advances the latch: max(1, attempts) per failed
// submission, the full limit on an unsupported-endpoint signal.
func (b *batchManager) recordFailure(err error, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inc := max(1, attempts)
	if errors.Is(err, errBatchUnsupported) {
		inc = batchFailureLimit
	}
	b.failures += inc
	if b.failures >= batchFailureLimit && !b.disabled {
		b.disabled = true
		slog.Warn("provider batch mode disabled for this process", "failures", b.failures, "error", err)
	}
}

func (b *batchManager) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// packItems greedily bin-packs item indices into batches whose summed
// token estimate stays under maxBatchTokens. An oversized item forms its
// own singleton batch.
func packItems(items []embedItem) [][]int {
	var batches [][]int
	var cur []int
	curTokens := 0
	for i, it := range items {
		tokens := max(1, it.Tokens)
		if tokens >= maxBatchTokens {
			if len(cur) > 0 {
				batches = append(batches, cur)
				cur = nil
				curTokens = 0
			}
			batches = append(batches, []int{i})
			continue
		}
		if curTokens+tokens > maxBatchTokens && len(cur) > 0 {
			batches = append(batches, cur)
			cur = nil
			curTokens = 0
		}
		cur = append(cur, i)
		curTokens += tokens
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

// backoffWithJitter computes min(base * 2^attempt, limit) with up to
// ±20% jitter.
func backoffWithJitter(base, limit time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if delay > limit {
		delay = limit
	}
	spread := time.Duration(float64(delay) * backoffJitter)
	if spread > 0 {
		delay += time.Duration(rand.Int64N(int64(spread*2))) - spread
	}
	return delay
}

var (
	tokenEncOnce sync.Once
	tokenEnc     *tiktoken.Tiktoken
)

// estimateTokens counts tokens with tiktoken when the encoding is
// available, and falls back to the conservative character ratio when it
// is not (offline builds).
func estimateTokens(text string) int {
	tokenEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Debug("tiktoken encoding unavailable, using char estimate", "error", err)
			return
		}
		tokenEnc = enc
	})
	if tokenEnc != nil {
		return len(tokenEnc.Encode(text, nil, nil))
	}
	return max(1, len(text)/charsPerToken)
}
