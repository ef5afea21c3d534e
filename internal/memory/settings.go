package memory

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Manatan801/OpenClaw/internal/config"
)

// Defaults applied when the config leaves a knob unset.
const (
	defaultChunkTokens   = 512
	defaultChunkOverlap  = 64
	defaultMaxResults    = 6
	defaultMinScore      = 0.1
	defaultVectorWeight  = 0.7
	defaultTextWeight    = 0.3
	defaultCandidateMul  = 4
	defaultCacheMax      = 20000
	defaultWatchDebounce = 1500 * time.Millisecond
	defaultDeltaBytes    = 4096
	defaultDeltaMessages = 10

	defaultBatchConcurrency = 2
	defaultBatchPoll        = 1500 * time.Millisecond
	defaultBatchTimeout     = 10 * time.Minute
)

// Settings is the fully resolved memory-search configuration for one agent.
// All fields are concrete: defaults applied, weights normalized, workspace,
// extra, and store paths absolute. SessionsDir is kept as given.
type Settings struct {
	AgentID      string
	WorkspaceDir string
	SessionsDir  string

	Sources    []string
	ExtraPaths []string

	Provider string
	Fallback string
	Model    string

	Local  config.LocalProviderConfig
	OpenAI config.RemoteConfig
	Gemini config.RemoteConfig

	ChunkTokens  int
	ChunkOverlap int

	MaxResults    int
	MinScore      float64
	HybridEnabled bool
	VectorWeight  float64
	TextWeight    float64
	CandidateMul  int

	CacheEnabled bool
	CacheMax     int

	StorePath     string
	VectorEnabled bool

	BatchEnabled     bool
	BatchWait        bool
	BatchConcurrency int
	BatchPoll        time.Duration
	BatchTimeout     time.Duration

	SyncOnSearch       bool
	SyncOnSessionStart bool
	WatchEnabled       bool
	WatchDebounce      time.Duration
	SyncInterval       time.Duration
	SessionDeltaBytes  int
	SessionDeltaMsgs   int
}

// ResolveSettings turns the raw config block into concrete settings for
// one agent. agentID is normalized; workspace must exist as a directory
// by the time the manager scans it, but is not checked here.
func ResolveSettings(cfg *config.Config, agentID, workspaceDir, sessionsDir string) (Settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	raw := cfg.Agents.Defaults.MemorySearch

	ws, err := filepath.Abs(workspaceDir)
	if err != nil {
		return Settings{}, fmt.Errorf("resolve workspace: %w", err)
	}

	s := Settings{
		AgentID:      config.NormalizeAgentID(agentID),
		WorkspaceDir: ws,
		SessionsDir:  sessionsDir,

		Provider: strings.ToLower(strings.TrimSpace(raw.Provider)),
		Fallback: strings.ToLower(strings.TrimSpace(raw.Fallback)),
		Model:    strings.TrimSpace(raw.Model),

		Local:  raw.Local,
		OpenAI: raw.OpenAI,
		Gemini: raw.Gemini,

		ChunkTokens:  raw.Chunking.Tokens,
		ChunkOverlap: raw.Chunking.Overlap,

		MaxResults:    raw.Query.MaxResults,
		MinScore:      defaultMinScore,
		HybridEnabled: boolOr(raw.Query.Hybrid.Enabled, true),
		VectorWeight:  defaultVectorWeight,
		TextWeight:    defaultTextWeight,
		CandidateMul:  raw.Query.Hybrid.CandidateMultiplier,

		CacheEnabled: boolOr(raw.Cache.Enabled, true),
		CacheMax:     raw.Cache.MaxEntries,

		StorePath:     strings.TrimSpace(raw.Store.Path),
		VectorEnabled: boolOr(raw.Store.Vector.Enabled, true),

		BatchEnabled:     boolOr(raw.Batch.Enabled, false),
		BatchWait:        boolOr(raw.Batch.Wait, true),
		BatchConcurrency: raw.Batch.Concurrency,
		BatchPoll:        time.Duration(raw.Batch.PollIntervalMs) * time.Millisecond,
		BatchTimeout:     time.Duration(raw.Batch.TimeoutMinutes) * time.Minute,

		SyncOnSearch:       boolOr(raw.Sync.OnSearch, true),
		SyncOnSessionStart: boolOr(raw.Sync.OnSessionStart, true),
		WatchEnabled:       boolOr(raw.Sync.Watch, true),
		WatchDebounce:      time.Duration(raw.Sync.WatchDebounceMs) * time.Millisecond,
		SyncInterval:       time.Duration(raw.Sync.IntervalMinutes) * time.Minute,
		SessionDeltaBytes:  intOr(raw.Sync.Session.DeltaBytes, defaultDeltaBytes),
		SessionDeltaMsgs:   intOr(raw.Sync.Session.DeltaMessages, defaultDeltaMessages),
	}

	if len(raw.Sources) == 0 {
		s.Sources = []string{SourceMemory, SourceSessions}
	} else {
		for _, src := range raw.Sources {
			src = strings.ToLower(strings.TrimSpace(src))
			if src != SourceMemory && src != SourceSessions {
				return Settings{}, fmt.Errorf("unknown memory source %q", src)
			}
			if !slices.Contains(s.Sources, src) {
				s.Sources = append(s.Sources, src)
			}
		}
	}

	for _, p := range raw.ExtraPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !filepath.IsAbs(p) {
			p = filepath.Join(ws, p)
		}
		s.ExtraPaths = append(s.ExtraPaths, filepath.Clean(p))
	}

	if s.Provider == "" {
		s.Provider = "auto"
	}
	if s.Model == "" && s.Provider != "auto" && s.Provider != "local" {
		return Settings{}, errors.New("memorySearch.model is required for remote providers")
	}

	// Credentials fall back to the environment.
	if s.OpenAI.APIKey == "" {
		s.OpenAI.APIKey = cfg.EnvOr("OPENAI_API_KEY")
	}
	if s.Gemini.APIKey == "" {
		s.Gemini.APIKey = cfg.EnvOr("GEMINI_API_KEY")
	}

	if s.ChunkTokens <= 0 {
		s.ChunkTokens = defaultChunkTokens
	}
	if s.ChunkOverlap <= 0 {
		s.ChunkOverlap = defaultChunkOverlap
	}
	if s.ChunkOverlap >= s.ChunkTokens {
		s.ChunkOverlap = s.ChunkTokens - 1
	}
	if s.MaxResults <= 0 {
		s.MaxResults = defaultMaxResults
	}
	if raw.Query.MinScore != nil {
		s.MinScore = clampFloat(*raw.Query.MinScore, 0, 1)
	}
	if raw.Query.Hybrid.VectorWeight != nil {
		s.VectorWeight = clampFloat(*raw.Query.Hybrid.VectorWeight, 0, 1)
	}
	if raw.Query.Hybrid.TextWeight != nil {
		s.TextWeight = clampFloat(*raw.Query.Hybrid.TextWeight, 0, 1)
	}
	if sum := s.VectorWeight + s.TextWeight; sum > 0 {
		s.VectorWeight /= sum
		s.TextWeight /= sum
	}
	if s.CandidateMul <= 0 {
		s.CandidateMul = defaultCandidateMul
	}
	if s.CacheMax <= 0 {
		s.CacheMax = defaultCacheMax
	}
	if s.BatchConcurrency <= 0 {
		s.BatchConcurrency = defaultBatchConcurrency
	}
	if s.BatchPoll <= 0 {
		s.BatchPoll = defaultBatchPoll
	}
	if s.BatchTimeout <= 0 {
		s.BatchTimeout = defaultBatchTimeout
	}
	if s.WatchDebounce <= 0 {
		s.WatchDebounce = defaultWatchDebounce
	}

	if s.StorePath == "" {
		s.StorePath = filepath.Join(ws, ".openclaw", "memory", s.AgentID+".sqlite")
	} else {
		p := strings.ReplaceAll(s.StorePath, "{workspace}", ws)
		p = strings.ReplaceAll(p, "{agentId}", s.AgentID)
		if !filepath.IsAbs(p) {
			p = filepath.Join(ws, p)
		}
		s.StorePath = filepath.Clean(p)
	}

	return s, nil
}

// Fingerprint keys the manager registry: same agent + workspace + settings
// reuse one manager, anything else gets its own.
func (s Settings) Fingerprint() string {
	return config.Fingerprint(s)
}

func (s Settings) hasSource(src string) bool {
	return slices.Contains(s.Sources, src)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
