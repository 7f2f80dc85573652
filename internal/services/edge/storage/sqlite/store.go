package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/noncefirewall/portfolio/internal/platform/storage/sqlitemigrate"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"github.com/noncefirewall/portfolio/internal/services/edge/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for cache stores.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens and migrates a cache SQLite database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB, now: time.Now}
	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateCache registers a cache store name.
func (s *Store) CreateCache(ctx context.Context, name string) error {
	if err := s.check(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("cache name is required")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		name,
		s.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	return nil
}

// ListCaches returns every cache store name in lexical order.
func (s *Store) ListCaches(ctx context.Context) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM cache_stores ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caches: %w", err)
	}
	return names, nil
}

// DeleteCache removes a cache store and all of its entries in one transaction.
func (s *Store) DeleteCache(ctx context.Context, name string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin delete cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_name = ?`, name); err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete cache entries: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM cache_stores WHERE name = ?`, name)
	if err != nil {
		_ = tx.Rollback()
		return false, fmt.Errorf("delete cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit delete cache: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetEntry loads one stored response by cache name and request key.
func (s *Store) GetEntry(ctx context.Context, cache, key string) (edgestorage.Response, bool, error) {
	if err := s.check(); err != nil {
		return edgestorage.Response{}, false, err
	}
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT status, header_json, body
		 FROM cache_entries
		 WHERE cache_name = ? AND request_key = ?`,
		cache,
		key,
	)
	var status int
	var headerJSON string
	var body []byte
	if err := row.Scan(&status, &headerJSON, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return edgestorage.Response{}, false, nil
		}
		return edgestorage.Response{}, false, fmt.Errorf("get cache entry: %w", err)
	}
	header, err := decodeHeader(headerJSON)
	if err != nil {
		return edgestorage.Response{}, false, fmt.Errorf("decode cache entry header: %w", err)
	}
	return edgestorage.Response{Status: status, Header: header, Body: body}, true, nil
}

// PutEntries writes the batch in one transaction, creating the cache first.
func (s *Store) PutEntries(ctx context.Context, cache string, entries []edgestorage.Entry) error {
	if err := s.check(); err != nil {
		return err
	}
	cache = strings.TrimSpace(cache)
	if cache == "" {
		return fmt.Errorf("cache name is required")
	}
	now := s.now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put entries: %w", err)
	}
	rollback := func(err error) error {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO cache_stores (name, created_at) VALUES (?, ?)`,
		cache,
		now.UnixMilli(),
	); err != nil {
		return rollback(fmt.Errorf("create cache: %w", err))
	}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			return rollback(fmt.Errorf("cache key is required"))
		}
		headerJSON, err := encodeHeader(entry.Response.Header)
		if err != nil {
			return rollback(fmt.Errorf("encode header for %s: %w", key, err))
		}
		storedAt := entry.StoredAt
		if storedAt.IsZero() {
			storedAt = now
		}
		body := entry.Response.Body
		if body == nil {
			body = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE cache_name = ? AND request_key = ?`,
			cache,
			key,
		); err != nil {
			return rollback(fmt.Errorf("replace cache entry %s: %w", key, err))
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cache_entries (cache_name, request_key, status, header_json, body, stored_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			cache,
			key,
			entry.Response.Status,
			headerJSON,
			body,
			storedAt.UTC().UnixMilli(),
		); err != nil {
			return rollback(fmt.Errorf("put cache entry %s: %w", key, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put entries: %w", err)
	}
	return nil
}

// ListEntries returns every entry of cache in insertion order.
func (s *Store) ListEntries(ctx context.Context, cache string) ([]edgestorage.Entry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT request_key, status, header_json, body, stored_at
		 FROM cache_entries
		 WHERE cache_name = ?
		 ORDER BY seq`,
		cache,
	)
	if err != nil {
		return nil, fmt.Errorf("list cache entries: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	entries := make([]edgestorage.Entry, 0)
	for rows.Next() {
		var entry edgestorage.Entry
		var headerJSON string
		var storedAt int64
		if err := rows.Scan(&entry.Key, &entry.Response.Status, &headerJSON, &entry.Response.Body, &storedAt); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		header, err := decodeHeader(headerJSON)
		if err != nil {
			return nil, fmt.Errorf("decode cache entry header: %w", err)
		}
		entry.Response.Header = header
		entry.StoredAt = time.UnixMilli(storedAt).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entries: %w", err)
	}
	return entries, nil
}

func (s *Store) check() error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func encodeHeader(header http.Header) (string, error) {
	if header == nil {
		header = http.Header{}
	}
	data, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeHeader(value string) (http.Header, error) {
	header := http.Header{}
	if strings.TrimSpace(value) == "" {
		return header, nil
	}
	if err := json.Unmarshal([]byte(value), &header); err != nil {
		return nil, err
	}
	return header, nil
}

var _ edgestorage.Backend = (*Store)(nil)
