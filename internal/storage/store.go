// Package storage provides the local persisted cache: a key/value store
// with per-record timestamps and schema tags, backed by SQLite.
//
// Callers treat storage failures as cache misses; nothing in the daemon
// depends on this store being writable.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/orchardstore/orchard/internal/logging"
)

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("storage: key not found")

// Values above this size are stored zstd-compressed.
const compressThreshold = 4 * 1024

// Record is one stored cache entry.
type Record struct {
	Key       string
	Value     []byte
	Schema    int
	UpdatedAt time.Time
}

// Store is a SQLite-backed key/value cache.
type Store struct {
	db      *sql.DB
	logger  *logging.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open creates or opens a store at the given path. Parent directories are
// created if needed.
func Open(path string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			compressed INTEGER NOT NULL DEFAULT 0,
			schema INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache schema: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	logger.Info("Cache store opened", zap.String("path", path))

	return &Store{db: db, logger: logger, encoder: encoder, decoder: decoder}, nil
}

// Get returns the record for key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	var (
		value      []byte
		compressed int
		schema     int
		updatedAt  time.Time
	)
	row := s.db.QueryRowContext(ctx,
		"SELECT value, compressed, schema, updated_at FROM cache WHERE key = ?", key)
	if err := row.Scan(&value, &compressed, &schema, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading cache key %q: %w", key, err)
	}

	if compressed != 0 {
		decoded, err := s.decoder.DecodeAll(value, nil)
		if err != nil {
			// Treat a corrupt record as absent; the caller will refetch.
			s.logger.Warn("Dropping corrupt cache record", zap.String("key", key), zap.Error(err))
			return nil, ErrNotFound
		}
		value = decoded
	}

	return &Record{Key: key, Value: value, Schema: schema, UpdatedAt: updatedAt}, nil
}

// Set upserts a record with the current timestamp.
func (s *Store) Set(ctx context.Context, key string, value []byte, schema int) error {
	compressed := 0
	if len(value) > compressThreshold {
		value = s.encoder.EncodeAll(value, nil)
		compressed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, value, compressed, schema, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			compressed = excluded.compressed,
			schema = excluded.schema,
			updated_at = excluded.updated_at
	`, key, value, compressed, schema, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing cache key %q: %w", key, err)
	}
	return nil
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting cache key %q: %w", key, err)
	}
	return nil
}

// DeletePrefix removes all records whose key starts with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM cache WHERE key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%"); err != nil {
		return fmt.Errorf("deleting cache prefix %q: %w", prefix, err)
	}
	return nil
}

// Keys returns all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM cache WHERE key LIKE ? ESCAPE '\\' ORDER BY key", escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("listing cache prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
