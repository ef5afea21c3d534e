package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// cachePlaceholderBatch bounds the number of SQL placeholders per cache
// lookup query.
const cachePlaceholderBatch = 400

// cacheRow is one embedding keyed by content hash under the current
// provider tuple.
type cacheRow struct {
	Hash      string
	Embedding []float32
}

// embeddingCache persists embeddings keyed by (provider, model,
// providerKey, hash). Switching providers invalidates old hits without
// deleting rows. Every operation no-ops when caching is disabled.
type embeddingCache struct {
	enabled    bool
	maxEntries int
	provider   func() *Provider
}

func newEmbeddingCache(provider func() *Provider, s Settings) *embeddingCache {
	return &embeddingCache{
		enabled:    s.CacheEnabled,
		maxEntries: s.CacheMax,
		provider:   provider,
	}
}

// Load returns hash → vector for cached entries matching the current
// provider tuple, querying in batches of at most 400 placeholders.
// Lookup failures degrade to cache misses.
func (c *embeddingCache) Load(store *indexStore, hashes []string) map[string][]float32 {
	out := map[string][]float32{}
	if !c.enabled || len(hashes) == 0 {
		return out
	}
	p := c.provider()
	uniq := make([]string, 0, len(hashes))
	seen := map[string]struct{}{}
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		uniq = append(uniq, h)
	}
	for start := 0; start < len(uniq); start += cachePlaceholderBatch {
		end := min(start+cachePlaceholderBatch, len(uniq))
		batch := uniq[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, 0, 3+len(batch))
		args = append(args, p.ID, p.Model, p.Key())
		for _, h := range batch {
			args = append(args, h)
		}
		rows, err := store.db.Query(
			fmt.Sprintf(`SELECT hash, embedding FROM %s WHERE provider=? AND model=? AND provider_key=? AND hash IN (%s)`,
				cacheTableName, placeholders),
			args...)
		if err != nil {
			continue
		}
		for rows.Next() {
			var hash, raw string
			if err := rows.Scan(&hash, &raw); err != nil {
				continue
			}
			var vec []float32
			if err := json.Unmarshal([]byte(raw), &vec); err == nil && len(vec) > 0 {
				out[hash] = vec
			}
		}
		_ = rows.Close()
	}
	return out
}

// Upsert replaces entries on conflict, stamping dims and updated_at.
func (c *embeddingCache) Upsert(store *indexStore, entries []cacheRow) error {
	if !c.enabled || len(entries) == 0 {
		return nil
	}
	p := c.provider()
	tx, err := store.db.Begin()
	if err != nil {
		return err
	}
	rollback := true
	defer func() {
		if rollback {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.Prepare(fmt.Sprintf(
		`INSERT INTO %s (provider, model, provider_key, hash, embedding, dims, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(provider, model, provider_key, hash) DO UPDATE SET
			embedding=excluded.embedding,
			dims=excluded.dims,
			updated_at=excluded.updated_at`,
		cacheTableName))
	if err != nil {
		return err
	}
	defer stmt.Close()
	now := time.Now().UnixMilli()
	for _, e := range entries {
		embJSON, _ := json.Marshal(e.Embedding)
		if _, err := stmt.Exec(p.ID, p.Model, p.Key(), e.Hash, string(embJSON), len(e.Embedding), now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rollback = false
	return nil
}

// PruneIfNeeded deletes the oldest entries until the table holds at most
// maxEntries rows.
func (c *embeddingCache) PruneIfNeeded(store *indexStore) error {
	if !c.enabled || c.maxEntries <= 0 {
		return nil
	}
	count := queryCount(store.db, `SELECT COUNT(*) FROM `+cacheTableName)
	if count <= c.maxEntries {
		return nil
	}
	_, err := store.db.Exec(
		fmt.Sprintf(`DELETE FROM %s WHERE rowid IN (
			SELECT rowid FROM %s ORDER BY updated_at ASC LIMIT ?
		)`, cacheTableName, cacheTableName),
		count-c.maxEntries)
	return err
}

// Seed copies every cache row from src into dst. Used when a full reindex
// builds a shadow store so cached embeddings survive the swap.
func (c *embeddingCache) Seed(dst, src *indexStore) error {
	if !c.enabled {
		return nil
	}
	rows, err := src.db.Query(`SELECT provider, model, provider_key, hash, embedding, dims, updated_at FROM ` + cacheTableName)
	if err != nil {
		return err
	}
	defer rows.Close()

	tx, err := dst.db.Begin()
	if err != nil {
		return err
	}
	rollback := true
	defer func() {
		if rollback {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO ` + cacheTableName + ` (provider, model, provider_key, hash, embedding, dims, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for rows.Next() {
		var provider, model, key, hash, embedding string
		var dims int
		var updatedAt int64
		if err := rows.Scan(&provider, &model, &key, &hash, &embedding, &dims, &updatedAt); err != nil {
			return err
		}
		if _, err := stmt.Exec(provider, model, key, hash, embedding, dims, updatedAt); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	rollback = false
	return nil
}
