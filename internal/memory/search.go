package memory

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// candidateCap bounds how many candidates each search leg may fetch.
const candidateCap = 200

type vectorHit struct {
	ID string
	SearchResult
	VectorScore float64
}

type keywordHit struct {
	ID string
	SearchResult
	TextScore float64
}

// Search answers a ranked similarity query over the index.
func (m *Manager) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	cleaned := strings.TrimSpace(query)
	if cleaned == "" {
		return []SearchResult{}, nil
	}

	if opts.SessionKey != "" {
		m.WarmSession(opts.SessionKey)
	}
	if m.settings.SyncOnSearch && m.isDirty() {
		go m.backgroundSync(ReasonSearch)
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = m.settings.MaxResults
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = m.settings.MinScore
	}
	candidates := min(candidateCap, max(1, maxResults*m.settings.CandidateMul))

	var (
		queryVec []float32
		keyword  []keywordHit
	)
	g, gctx := errgroup.WithContext(ctx)
	if m.settings.HybridEnabled {
		g.Go(func() error {
			keyword = m.searchKeyword(cleaned, candidates)
			return nil
		})
	}
	var embedErr error
	g.Go(func() error {
		vec, err := m.embedQueryCached(gctx, cleaned)
		if err != nil {
			embedErr = err
			return nil // keyword-only degradation is decided below
		}
		queryVec = vec
		return nil
	})
	_ = g.Wait()

	var vector []vectorHit
	if embedErr == nil && len(queryVec) > 0 && !isZeroVector(queryVec) {
		vector = m.searchVector(queryVec, candidates)
	}

	if embedErr != nil {
		if !m.settings.HybridEnabled || len(keyword) == 0 {
			m.noteError(embedErr)
			return nil, embedErr
		}
		slog.Warn("query embedding failed, returning keyword-only results", "error", embedErr)
	}

	var merged []SearchResult
	if m.settings.HybridEnabled {
		merged = mergeHybrid(vector, keyword, m.settings.VectorWeight, m.settings.TextWeight)
	} else {
		merged = make([]SearchResult, 0, len(vector))
		for _, h := range vector {
			merged = append(merged, h.SearchResult)
		}
		sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	}
	return clampResults(merged, maxResults, minScore), nil
}

// embedQueryCached embeds the query through a small LRU so repeated
// identical searches skip the provider.
func (m *Manager) embedQueryCached(ctx context.Context, query string) ([]float32, error) {
	key := hashText(query)
	if vec, ok := m.queryLRU.Get(key); ok {
		return vec, nil
	}
	vec, err := m.currentProvider().EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	m.queryLRU.Add(key, vec)
	return vec, nil
}

// searchVector runs kNN over the vec0 table, restricted to the active
// source set and the current model.
func (m *Manager) searchVector(queryVec []float32, limit int) []vectorHit {
	m.mu.Lock()
	defer m.mu.Unlock()
	store := m.store
	if !store.vectorReady || store.vectorDims != len(queryVec) || limit <= 0 {
		return nil
	}
	srcFilter, srcArgs := sourceFilter(m.settings.Sources)
	args := append([]any{vectorToBlob(queryVec), m.provider.Model}, srcArgs...)
	args = append(args, limit)
	rows, err := store.db.Query(
		`SELECT c.id, c.path, c.source, c.start_line, c.end_line, c.text,
		        vec_distance_cosine(v.embedding, ?) AS dist
		   FROM `+vectorTableName+` v
		   JOIN chunks c ON c.id = v.id
		  WHERE c.model = ?`+srcFilter+`
		  ORDER BY dist ASC
		  LIMIT ?`, args...)
	if err != nil {
		slog.Warn("vector search failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []vectorHit
	for rows.Next() {
		var h vectorHit
		var dist float64
		if err := rows.Scan(&h.ID, &h.Path, &h.Source, &h.StartLine, &h.EndLine, &h.Snippet, &dist); err != nil {
			continue
		}
		h.VectorScore = 1 - dist
		h.Score = h.VectorScore
		h.Snippet = truncateText(h.Snippet, snippetMaxChars)
		out = append(out, h)
	}
	return out
}

// searchKeyword runs the BM25 leg. Unavailable FTS degrades to no
// keyword results rather than an error.
func (m *Manager) searchKeyword(query string, limit int) []keywordHit {
	m.mu.Lock()
	defer m.mu.Unlock()
	store := m.store
	if !store.ftsReady || limit <= 0 {
		return nil
	}
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil
	}
	srcFilter, srcArgs := sourceFilter(m.settings.Sources)
	args := append([]any{ftsQuery, m.provider.Model}, srcArgs...)
	args = append(args, limit)
	rows, err := store.db.Query(
		`SELECT id, path, source, start_line, end_line, text,
		        bm25(`+ftsTableName+`) AS rank
		   FROM `+ftsTableName+`
		  WHERE `+ftsTableName+` MATCH ? AND model = ?`+srcFilter+`
		  ORDER BY rank ASC
		  LIMIT ?`, args...)
	if err != nil {
		slog.Debug("keyword search failed", "error", err)
		return nil
	}
	defer rows.Close()

	var out []keywordHit
	for rows.Next() {
		var h keywordHit
		var rank float64
		if err := rows.Scan(&h.ID, &h.Path, &h.Source, &h.StartLine, &h.EndLine, &h.Snippet, &rank); err != nil {
			continue
		}
		h.TextScore = bm25RankToScore(rank)
		h.Score = h.TextScore
		h.Snippet = truncateText(h.Snippet, snippetMaxChars)
		out = append(out, h)
	}
	return out
}

func sourceFilter(sources []string) (string, []any) {
	if len(sources) == 0 {
		return "", nil
	}
	args := make([]any, len(sources))
	for i, s := range sources {
		args[i] = s
	}
	return " AND source IN (" + strings.TrimSuffix(strings.Repeat("?,", len(sources)), ",") + ")", args
}

var ftsTokenRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// buildFTSQuery sanitizes free text into an FTS5 expression: bare tokens
// quoted and AND-joined, operators stripped.
func buildFTSQuery(raw string) string {
	tokens := ftsTokenRe.FindAllString(raw, -1)
	if len(tokens) == 0 {
		return ""
	}
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			parts = append(parts, `"`+t+`"`)
		}
	}
	return strings.Join(parts, " AND ")
}

// bm25RankToScore converts an FTS5 rank (lower is better, usually
// negative) into a 0..1 text score.
func bm25RankToScore(rank float64) float64 {
	if math.IsNaN(rank) || math.IsInf(rank, 0) {
		return 0
	}
	return 1 / (1 + math.Abs(rank))
}

// mergeHybrid max-normalizes each list and combines scores as
// vectorWeight*v + textWeight*t, preserving chunk identity by id.
func mergeHybrid(vector []vectorHit, keyword []keywordHit, vectorWeight, textWeight float64) []SearchResult {
	var maxVec, maxText float64
	for _, h := range vector {
		maxVec = math.Max(maxVec, h.VectorScore)
	}
	for _, h := range keyword {
		maxText = math.Max(maxText, h.TextScore)
	}

	type merged struct {
		SearchResult
		vec, text float64
	}
	byID := map[string]merged{}
	for _, h := range vector {
		score := h.VectorScore
		if maxVec > 0 {
			score /= maxVec
		}
		byID[h.ID] = merged{SearchResult: h.SearchResult, vec: score}
	}
	for _, h := range keyword {
		score := h.TextScore
		if maxText > 0 {
			score /= maxText
		}
		cur, ok := byID[h.ID]
		if !ok {
			cur = merged{SearchResult: h.SearchResult}
		}
		cur.text = score
		byID[h.ID] = cur
	}

	out := make([]SearchResult, 0, len(byID))
	for _, r := range byID {
		r.Score = vectorWeight*r.vec + textWeight*r.text
		out = append(out, r.SearchResult)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func clampResults(results []SearchResult, maxResults int, minScore float64) []SearchResult {
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		out = append(out, r)
		if len(out) >= maxResults {
			break
		}
	}
	return out
}

func truncateText(s string, maxChars int) string {
	if len(s) <= maxChars {
		return s
	}
	if maxChars <= 0 {
		return ""
	}
	return s[:maxChars]
}
