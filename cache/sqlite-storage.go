package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage is a CacheStorage persisted in an SQLite database.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (creating if needed) the storage in the given db file.
// If the file name is empty or "memory", a private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	inMemory := filename == "" || filename == "memory"
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	// every connection to :memory: is its own database
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache_id INTEGER NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache_id, key)
		)`,
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init schema: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO caches (name) VALUES (?)", name); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id); err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteCache{storage: s, id: id, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	return s.strings(ctx, "SELECT name FROM caches ORDER BY id")
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	var id int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM caches WHERE name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache_id = ?", id); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE id = ?", id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *SQLiteStorage) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return values, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

type sqliteCache struct {
	storage *SQLiteStorage
	id      int64
	name    string
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := c.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache_id = ? AND key = ?", c.id, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return entry, false, nil
	} else if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.UnixMilli(storedAt)
	return entry, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE id = ?", c.id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCacheDeleted
	} else if err != nil {
		return err
	}
	for _, entry := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(cache_id, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			c.id, entry.Key, entry.StoredAt.UnixMilli(), entry.Bytes)
		if err != nil {
			return fmt.Errorf("write %s: %w", entry.Key, err)
		}
	}
	return tx.Commit()
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	return c.storage.strings(ctx, "SELECT key FROM entries WHERE cache_id = ? ORDER BY rowid", c.id)
}

func (c *sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	result, err := c.storage.db.ExecContext(ctx, "DELETE FROM entries WHERE cache_id = ? AND key = ?", c.id, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
