// Package config loads and normalizes the OpenClaw configuration file.
// The config is JSON5 (comments and trailing commas allowed) and lives at
// ~/.openclaw/openclaw.json5 unless overridden.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root OpenClaw configuration object.
type Config struct {
	Agents AgentsConfig      `json:"agents"`
	Env    map[string]string `json:"env,omitempty"`
}

// AgentsConfig holds per-agent defaults.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// AgentDefaults carries settings applied to every agent unless overridden.
type AgentDefaults struct {
	Workspace    string             `json:"workspace,omitempty"`
	MemorySearch MemorySearchConfig `json:"memorySearch"`
}

// MemorySearchConfig configures the per-agent semantic memory index.
type MemorySearchConfig struct {
	Enabled    *bool    `json:"enabled,omitempty"`
	Sources    []string `json:"sources,omitempty"` // subset of {"memory","sessions"}
	ExtraPaths []string `json:"extraPaths,omitempty"`

	Provider string `json:"provider,omitempty"` // "auto", "local", "openai", "gemini"
	Fallback string `json:"fallback,omitempty"`
	Model    string `json:"model,omitempty"`

	Local  LocalProviderConfig `json:"local,omitempty"`
	OpenAI RemoteConfig        `json:"openai,omitempty"`
	Gemini RemoteConfig        `json:"gemini,omitempty"`

	Batch    BatchConfig    `json:"batch,omitempty"`
	Chunking ChunkingConfig `json:"chunking,omitempty"`
	Query    QueryConfig    `json:"query,omitempty"`
	Cache    CacheConfig    `json:"cache,omitempty"`
	Store    StoreConfig    `json:"store,omitempty"`
	Sync     SyncConfig     `json:"sync,omitempty"`
}

// LocalProviderConfig configures the in-process embedding runtime.
type LocalProviderConfig struct {
	ModelPath   string `json:"modelPath,omitempty"`
	LibraryPath string `json:"libraryPath,omitempty"`
	CacheDir    string `json:"cacheDir,omitempty"`
	Dims        int    `json:"dims,omitempty"`
}

// RemoteConfig configures an HTTP embedding provider.
type RemoteConfig struct {
	BaseURL string            `json:"baseUrl,omitempty"`
	APIKey  string            `json:"apiKey,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// BatchConfig configures provider-side batch embedding jobs.
type BatchConfig struct {
	Enabled        *bool `json:"enabled,omitempty"`
	Wait           *bool `json:"wait,omitempty"`
	Concurrency    int   `json:"concurrency,omitempty"`
	PollIntervalMs int   `json:"pollIntervalMs,omitempty"`
	TimeoutMinutes int   `json:"timeoutMinutes,omitempty"`
}

// ChunkingConfig sizes the Markdown chunker.
type ChunkingConfig struct {
	Tokens  int `json:"tokens,omitempty"`
	Overlap int `json:"overlap,omitempty"`
}

// QueryConfig shapes search behavior.
type QueryConfig struct {
	MaxResults int          `json:"maxResults,omitempty"`
	MinScore   *float64     `json:"minScore,omitempty"`
	Hybrid     HybridConfig `json:"hybrid,omitempty"`
}

// HybridConfig controls dense + keyword score merging.
type HybridConfig struct {
	Enabled             *bool    `json:"enabled,omitempty"`
	VectorWeight        *float64 `json:"vectorWeight,omitempty"`
	TextWeight          *float64 `json:"textWeight,omitempty"`
	CandidateMultiplier int      `json:"candidateMultiplier,omitempty"`
}

// CacheConfig bounds the persistent embedding cache.
type CacheConfig struct {
	Enabled    *bool `json:"enabled,omitempty"`
	MaxEntries int   `json:"maxEntries,omitempty"`
}

// StoreConfig locates the embedded index store.
type StoreConfig struct {
	Path   string       `json:"path,omitempty"`
	Vector VectorConfig `json:"vector,omitempty"`
}

// VectorConfig toggles the vector virtual table.
type VectorConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	ExtensionPath string `json:"extensionPath,omitempty"`
}

// SyncConfig controls when the index is refreshed.
type SyncConfig struct {
	OnSearch        *bool              `json:"onSearch,omitempty"`
	OnSessionStart  *bool              `json:"onSessionStart,omitempty"`
	Watch           *bool              `json:"watch,omitempty"`
	WatchDebounceMs int                `json:"watchDebounceMs,omitempty"`
	IntervalMinutes int                `json:"intervalMinutes,omitempty"`
	Session         SessionDeltaConfig `json:"session,omitempty"`
}

// SessionDeltaConfig thresholds incremental transcript indexing.
// A threshold <= 0 means any positive delta triggers.
type SessionDeltaConfig struct {
	DeltaBytes    *int `json:"deltaBytes,omitempty"`
	DeltaMessages *int `json:"deltaMessages,omitempty"`
}

// DefaultConfigPath returns the standard config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "openclaw.json5"
	}
	return filepath.Join(home, ".openclaw", "openclaw.json5")
}

// Load reads and parses a JSON5 config file. A missing file yields an
// empty config rather than an error so the defaults apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// EnvOr returns cfg.Env[key] if set, otherwise the process environment value.
func (c *Config) EnvOr(key string) string {
	if c != nil && c.Env != nil {
		if v := strings.TrimSpace(c.Env[key]); v != "" {
			return v
		}
	}
	return strings.TrimSpace(os.Getenv(key))
}

// Fingerprint returns a stable hash of any JSON-marshalable settings value.
// Used to key per-agent singletons on the settings that produced them.
func Fingerprint(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
