package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"
)

// Per-call timeouts. Local inference gets more headroom because the first
// call pays for model load.
const (
	remoteQueryTimeout = 60 * time.Second
	localQueryTimeout  = 5 * time.Minute
	remoteBatchTimeout = 2 * time.Minute
	localBatchTimeout  = 10 * time.Minute
)

// MissingKeyError signals that a remote provider has no credentials. In
// auto mode the factory skips the provider; otherwise it surfaces with
// guidance.
type MissingKeyError struct {
	Provider string
	EnvVar   string
}

func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("%s embeddings need an API key: set %s or memorySearch.%s.apiKey", e.Provider, e.EnvVar, e.Provider)
}

// Provider is one embedding backend behind a uniform capability set.
// ID is the variant tag ("local", "openai", "gemini"); Batch() is non-nil
// only for remotes that expose a batch-job API.
type Provider struct {
	ID    string
	Model string

	// Set when this provider was constructed as a fallback after the
	// configured primary failed.
	FallbackFrom   string
	FallbackReason string

	key          string
	queryTimeout time.Duration
	batchTimeout time.Duration

	embedFn func(ctx context.Context, texts []string) ([][]float32, error)
	batch   *BatchJobClient
	closeFn func() error
}

// EmbedQuery embeds a single query string.
func (p *Provider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	vecs, err := p.embedFn(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, errors.New("embedding response is empty")
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in one provider call, preserving order.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.batchTimeout)
	defer cancel()
	return p.embedFn(ctx, texts)
}

// Batch returns the provider-side batch-job client, or nil when the
// variant does not support batch jobs.
func (p *Provider) Batch() *BatchJobClient { return p.batch }

// Key is the deployment discriminator scoping cache entries: a hash over
// the variant id, base URL, model, and non-secret header entries.
func (p *Provider) Key() string { return p.key }

// Close releases provider resources (the local inference session).
func (p *Provider) Close() error {
	if p.closeFn != nil {
		return p.closeFn()
	}
	return nil
}

// NewProvider builds the configured provider. For provider "auto": local
// wins if local.modelPath resolves to a file, then openai, then gemini,
// skipping any that fails with a missing API key; if everything skips the
// aggregated reasons are returned. For a non-auto primary that fails at
// construction, the configured fallback (if different) is tried once and
// annotated with the failure it papered over.
func NewProvider(s Settings) (*Provider, error) {
	if s.Provider == "auto" {
		return autoProvider(s)
	}
	p, err := buildProvider(s, s.Provider)
	if err == nil {
		return p, nil
	}
	if s.Fallback != "" && s.Fallback != s.Provider {
		fb, fbErr := buildProvider(s, s.Fallback)
		if fbErr == nil {
			fb.FallbackFrom = s.Provider
			fb.FallbackReason = err.Error()
			return fb, nil
		}
	}
	return nil, err
}

func autoProvider(s Settings) (*Provider, error) {
	if isLocalFile(s.Local.ModelPath) {
		return buildProvider(s, "local")
	}
	var reasons []string
	for _, id := range []string{"openai", "gemini"} {
		p, err := buildProvider(s, id)
		if err == nil {
			return p, nil
		}
		var mk *MissingKeyError
		if errors.As(err, &mk) {
			reasons = append(reasons, err.Error())
			continue
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNoProvider, strings.Join(reasons, "; "))
}

func buildProvider(s Settings, id string) (*Provider, error) {
	switch id {
	case "local":
		return newLocalProvider(s)
	case "openai":
		return newOpenAIProvider(s)
	case "gemini":
		return newGeminiProvider(s)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", id)
	}
}

// providerKey hashes the deployment identity. Authorization-like headers
// are excluded so rotating a secret does not invalidate the cache.
func providerKey(id, baseURL, model string, headers map[string]string) string {
	pairs := make([]string, 0, len(headers))
	for k, v := range headers {
		k = strings.TrimSpace(k)
		if isSecretHeader(k) {
			continue
		}
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return hashText(id + "|" + baseURL + "|" + model + "|" + strings.Join(pairs, "|"))
}

func isSecretHeader(name string) bool {
	n := strings.ToLower(name)
	return n == "authorization" || n == "proxy-authorization" ||
		strings.Contains(n, "api-key") || strings.Contains(n, "token")
}

func isLocalFile(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}

// normalizeVector scales v to unit length, zeroing non-finite components
// first. A zero vector stays zero.
func normalizeVector(v []float32) []float32 {
	var norm float64
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			v[i] = 0
			continue
		}
		norm += f * f
	}
	if norm <= 1e-10 {
		return v
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= scale
	}
	return v
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}
