// Package memory implements the per-agent semantic memory index: hybrid
// (dense-vector + BM25) search over workspace Markdown notes and
// append-only session transcripts, backed by an embedded SQLite store
// with a vec0 vector table and an FTS5 keyword table.
package memory

import "errors"

// Source identifies where an indexed document came from.
const (
	SourceMemory   = "memory"
	SourceSessions = "sessions"
)

// sessionPathPrefix namespaces transcript rows in the files table so they
// can never collide with workspace-relative memory paths.
const sessionPathPrefix = "sessions/"

const (
	metaKeyMemoryIndex = "memory_index_meta_v1"
	vectorTableName    = "chunks_vec"
	ftsTableName       = "chunks_fts"
	cacheTableName     = "embedding_cache"
	snippetMaxChars    = 700
)

var (
	// ErrPathDenied is returned by ReadFile for paths outside the allowed
	// roots, symlinks, and non-Markdown files.
	ErrPathDenied = errors.New("memory: path denied")

	// ErrNoProvider is returned when no embedding provider could be
	// constructed.
	ErrNoProvider = errors.New("memory: no embedding provider available")
)

// Chunk is a line-bounded slice of a document stored in the index.
type Chunk struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Source    string    `json:"source"`
	StartLine int       `json:"start_line"`
	EndLine   int       `json:"end_line"`
	Hash      string    `json:"hash"`
	Model     string    `json:"model"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// SearchResult is a single ranked hit.
type SearchResult struct {
	Path      string  `json:"path"`
	Source    string  `json:"source"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Score     float64 `json:"score"`
	Snippet   string  `json:"snippet"`
}

// SearchOptions configures a query.
type SearchOptions struct {
	MaxResults int
	MinScore   float64
	SessionKey string // warms the session index once per unique key
}

// ReadFileOptions selects an optional line slice. From is 1-based.
type ReadFileOptions struct {
	From  int
	Lines int
}

// SyncReason labels what triggered a sync, for logging and fallback logic.
type SyncReason string

const (
	ReasonSessionStart SyncReason = "session-start"
	ReasonSearch       SyncReason = "search"
	ReasonWatch        SyncReason = "watch"
	ReasonInterval     SyncReason = "interval"
	ReasonSessionDelta SyncReason = "session-delta"
	ReasonFallback     SyncReason = "fallback"
	ReasonExplicit     SyncReason = "explicit"
)

// SyncOptions configures a sync run.
type SyncOptions struct {
	Reason SyncReason
	Force  bool
}

// FallbackInfo records an in-place provider switch after a sync failure.
type FallbackInfo struct {
	From   string `json:"from"`
	Reason string `json:"reason"`
}

// Status is a snapshot of the index for operators and callers.
type Status struct {
	Provider      string        `json:"provider"`
	Model         string        `json:"model"`
	DBPath        string        `json:"dbPath"`
	Files         int           `json:"files"`
	Chunks        int           `json:"chunks"`
	VectorEnabled bool          `json:"vectorEnabled"`
	VectorReady   bool          `json:"vectorReady"`
	VectorDims    int           `json:"vectorDims"`
	FTSReady      bool          `json:"ftsReady"`
	BatchEnabled  bool          `json:"batchEnabled"`
	Fallback      *FallbackInfo `json:"fallback,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
}

// indexMeta is the persisted fingerprint of the parameters that produced
// every current chunk row. Any disagreement with the live settings forces
// a full reindex.
type indexMeta struct {
	Model       string `json:"model"`
	Provider    string `json:"provider"`
	ProviderKey string `json:"providerKey"`
	ChunkTokens int    `json:"chunkTokens"`
	ChunkOver   int    `json:"chunkOverlap"`
	VectorDims  int    `json:"vectorDims,omitempty"`
}

// fileEntry describes one on-disk document during a sync scan.
type fileEntry struct {
	AbsPath string
	RelPath string // forward slashes; sessions/ prefix for transcripts
	Source  string
	Hash    string
	Size    int64
	Mtime   int64
	Content string
}
