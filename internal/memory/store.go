package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/asg017/sqlite-vec-go-bindings/ncruces" // embeds a build with vec0 + FTS5
	_ "github.com/ncruces/go-sqlite3/driver"
)

// vectorProbeTimeout bounds how long the vector runtime probe may take.
const vectorProbeTimeout = 30 * time.Second

// indexStore owns one embedded SQLite database holding the files, chunks,
// meta, and embedding-cache tables plus the vec0 and FTS5 virtual tables.
// The manager serializes all access; MaxOpenConns(1) backs that up.
type indexStore struct {
	path string
	db   *sql.DB

	vectorEnabled bool
	vectorReady   bool
	vectorDims    int
	ftsReady      bool
}

func openIndexStore(path string, vectorEnabled bool) (*indexStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &indexStore{path: path, db: db, vectorEnabled: vectorEnabled}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if meta, _ := s.readMeta(); meta != nil && meta.VectorDims > 0 && vectorEnabled {
		if err := s.ensureVectorTable(meta.VectorDims); err != nil {
			slog.Warn("vector table unavailable, degrading to keyword-only", "error", err)
		}
	}
	return s, nil
}

func (s *indexStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *indexStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			source TEXT NOT NULL DEFAULT 'memory',
			hash TEXT NOT NULL,
			mtime INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			path TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT 'memory',
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			hash TEXT NOT NULL,
			model TEXT NOT NULL,
			text TEXT NOT NULL,
			embedding TEXT NOT NULL DEFAULT '[]',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path)`,
		`CREATE TABLE IF NOT EXISTS ` + cacheTableName + ` (
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			provider_key TEXT NOT NULL,
			hash TEXT NOT NULL,
			embedding TEXT NOT NULL,
			dims INTEGER,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (provider, model, provider_key, hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + cacheTableName + `_updated_at ON ` + cacheTableName + `(updated_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	// FTS5 may be missing from the build; keyword search degrades rather
	// than failing the store.
	s.ftsReady = false
	if _, err := s.db.Exec(
		`CREATE VIRTUAL TABLE IF NOT EXISTS ` + ftsTableName + ` USING fts5(
			text,
			id UNINDEXED,
			path UNINDEXED,
			source UNINDEXED,
			model UNINDEXED,
			start_line UNINDEXED,
			end_line UNINDEXED,
			tokenize='porter unicode61'
		)`,
	); err != nil {
		slog.Warn("FTS5 unavailable, keyword search disabled", "error", err)
	} else {
		s.ftsReady = true
	}
	return nil
}

var (
	vecProbeOnce sync.Once
	vecProbeErr  error
)

// probeVectorRuntime checks once per process that the vec0 extension is
// loadable, bounded by vectorProbeTimeout. The cached result is shared by
// every store in the process.
func (s *indexStore) probeVectorRuntime() error {
	vecProbeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), vectorProbeTimeout)
		defer cancel()
		var version string
		vecProbeErr = s.db.QueryRowContext(ctx, `SELECT vec_version()`).Scan(&version)
		if vecProbeErr != nil {
			vecProbeErr = fmt.Errorf("vector extension unavailable: %w", vecProbeErr)
			return
		}
		slog.Debug("sqlite-vec loaded", "version", version)
	})
	return vecProbeErr
}

// ensureVectorTable (re)creates the vec0 table at the given
// dimensionality, dropping a table built for different dims.
func (s *indexStore) ensureVectorTable(dims int) error {
	if !s.vectorEnabled || dims <= 0 {
		return nil
	}
	if s.vectorReady && s.vectorDims == dims {
		return nil
	}
	if err := s.probeVectorRuntime(); err != nil {
		s.vectorReady = false
		return err
	}
	if s.vectorDims > 0 && s.vectorDims != dims {
		_, _ = s.db.Exec(`DROP TABLE IF EXISTS ` + vectorTableName)
	}
	_, err := s.db.Exec(fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
			id TEXT PRIMARY KEY,
			embedding FLOAT[%d]
		)`, vectorTableName, dims))
	if err != nil {
		s.vectorReady = false
		return fmt.Errorf("create vector table: %w", err)
	}
	s.vectorReady = true
	s.vectorDims = dims
	return nil
}

func (s *indexStore) readMeta() (*indexMeta, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = ?`, metaKeyMemoryIndex).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var meta indexMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, nil // unreadable meta forces a full reindex
	}
	return &meta, nil
}

func (s *indexStore) writeMeta(meta *indexMeta) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO meta(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		metaKeyMemoryIndex, string(b))
	return err
}

// storedFiles returns path → hash for every indexed file.
func (s *indexStore) storedFiles() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT path, hash FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var p, h string
		if err := rows.Scan(&p, &h); err != nil {
			return nil, err
		}
		out[p] = h
	}
	return out, rows.Err()
}

// deletePath removes a file row and its chunks, vector rows, and FTS rows.
func (s *indexStore) deletePath(relPath string) error {
	if s.vectorReady {
		_, _ = s.db.Exec(
			`DELETE FROM `+vectorTableName+` WHERE id IN (SELECT id FROM chunks WHERE path = ?)`, relPath)
	}
	if s.ftsReady {
		_, _ = s.db.Exec(`DELETE FROM `+ftsTableName+` WHERE path = ?`, relPath)
	}
	if _, err := s.db.Exec(`DELETE FROM chunks WHERE path = ?`, relPath); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM files WHERE path = ?`, relPath)
	return err
}

// indexFile replaces a file's chunks, vectors, and FTS rows and upserts
// its file record as one transactional unit. Embeddings are positional
// with chunks; an empty vector stores the chunk without a vector row.
func (s *indexStore) indexFile(ctx context.Context, entry fileEntry, chunks []chunkEntry, embeddings [][]float32, model string) error {
	dims := 0
	for _, v := range embeddings {
		if len(v) > 0 {
			dims = len(v)
			break
		}
	}
	vectorOK := false
	if dims > 0 {
		if err := s.ensureVectorTable(dims); err != nil {
			slog.Warn("vector path disabled for this index", "error", err)
		} else {
			vectorOK = true
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	rollback := true
	defer func() {
		if rollback {
			_ = tx.Rollback()
		}
	}()

	if vectorOK {
		_, _ = tx.Exec(`DELETE FROM `+vectorTableName+` WHERE id IN (SELECT id FROM chunks WHERE path = ?)`, entry.RelPath)
	}
	if s.ftsReady {
		_, _ = tx.Exec(`DELETE FROM `+ftsTableName+` WHERE path = ?`, entry.RelPath)
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE path = ?`, entry.RelPath); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i, c := range chunks {
		var emb []float32
		if i < len(embeddings) {
			emb = embeddings[i]
		}
		id := chunkID(entry.Source, entry.RelPath, c.StartLine, c.EndLine, c.Hash, model)
		embJSON, _ := json.Marshal(emb)
		if _, err := tx.Exec(
			`INSERT INTO chunks (id, path, source, start_line, end_line, hash, model, text, embedding, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				hash=excluded.hash,
				text=excluded.text,
				embedding=excluded.embedding,
				updated_at=excluded.updated_at`,
			id, entry.RelPath, entry.Source, c.StartLine, c.EndLine, c.Hash, model, c.Text, string(embJSON), now,
		); err != nil {
			return fmt.Errorf("insert chunk: %w", err)
		}
		if vectorOK && len(emb) > 0 {
			_, _ = tx.Exec(`DELETE FROM `+vectorTableName+` WHERE id = ?`, id)
			if _, err := tx.Exec(
				`INSERT INTO `+vectorTableName+` (id, embedding) VALUES (?, ?)`,
				id, vectorToBlob(emb),
			); err != nil {
				return fmt.Errorf("insert vector: %w", err)
			}
		}
		if s.ftsReady {
			if _, err := tx.Exec(
				`INSERT INTO `+ftsTableName+` (text, id, path, source, model, start_line, end_line)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				c.Text, id, entry.RelPath, entry.Source, model, c.StartLine, c.EndLine,
			); err != nil {
				return fmt.Errorf("insert fts: %w", err)
			}
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO files(path, source, hash, mtime, size) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			source=excluded.source,
			hash=excluded.hash,
			mtime=excluded.mtime,
			size=excluded.size`,
		entry.RelPath, entry.Source, entry.Hash, entry.Mtime, entry.Size,
	); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	rollback = false
	return nil
}

func (s *indexStore) fileCount() int  { return queryCount(s.db, `SELECT COUNT(*) FROM files`) }
func (s *indexStore) chunkCount() int { return queryCount(s.db, `SELECT COUNT(*) FROM chunks`) }

func queryCount(db *sql.DB, q string, args ...any) int {
	var n int
	_ = db.QueryRow(q, args...).Scan(&n)
	return n
}

// vectorToBlob encodes a float32 vector as the little-endian blob vec0
// expects.
func vectorToBlob(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// storeFileSet lists the database file and its WAL siblings, which move
// in lockstep on atomic swap.
func storeFileSet(path string) []string {
	return []string{path, path + "-wal", path + "-shm"}
}

// renameStoreFiles moves a store's file set to another base path. The
// main database file must exist; WAL siblings move when present, and a
// stale sibling at the destination is dropped so the sets never mix.
func renameStoreFiles(from, to string) error {
	if _, err := os.Lstat(from); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return err
	}
	fromSet := storeFileSet(from)
	toSet := storeFileSet(to)
	for i := 1; i < len(fromSet); i++ {
		if _, err := os.Lstat(fromSet[i]); err != nil {
			_ = os.Remove(toSet[i])
			continue
		}
		if err := os.Rename(fromSet[i], toSet[i]); err != nil {
			return err
		}
	}
	return nil
}

func removeStoreFiles(path string) {
	for _, p := range storeFileSet(path) {
		_ = os.Remove(p)
	}
}

// swapStoreFiles atomically replaces the primary store files with the
// temporary ones: primary → backup, temporary → primary. If the second
// step fails the backup is restored so the prior state stays usable.
// Both stores must be closed first.
func swapStoreFiles(primary, tmp, backup string) error {
	if err := renameStoreFiles(primary, backup); err != nil {
		return fmt.Errorf("backup store: %w", err)
	}
	if err := renameStoreFiles(tmp, primary); err != nil {
		if restoreErr := renameStoreFiles(backup, primary); restoreErr != nil {
			return fmt.Errorf("swap failed (%v) and restore failed: %w", err, restoreErr)
		}
		return fmt.Errorf("swap store: %w", err)
	}
	removeStoreFiles(backup)
	return nil
}
