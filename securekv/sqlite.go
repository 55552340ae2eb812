package securekv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultCacheSize is the number of entries kept in the read cache
const DefaultCacheSize = 100

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SQLiteEngine is an Engine storing one namespace per table in a SQLite
// database. Reads go through an LRU cache of raw values.
type SQLiteEngine struct {
	db    *sql.DB
	table string
	cache *lruCache
	owned bool
}

// OpenSQLiteEngine opens path (":memory:" is allowed) and prepares the
// table for namespace.
func OpenSQLiteEngine(path, namespace string, cacheSize int) (*SQLiteEngine, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	engine, err := NewSQLiteEngine(db, namespace, cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	engine.owned = true
	return engine, nil
}

// NewSQLiteEngine uses an existing database handle. Several namespaces may
// share one database.
func NewSQLiteEngine(db *sql.DB, namespace string, cacheSize int) (*SQLiteEngine, error) {
	if !tableNamePattern.MatchString(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}

	e := &SQLiteEngine{
		db:    db,
		table: "kv_" + namespace,
		cache: newLRUCache(cacheSize),
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			item_key TEXT PRIMARY KEY,
			item_value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`, e.table)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return e, nil
}

func (e *SQLiteEngine) GetString(ctx context.Context, key string) (string, bool, error) {
	if v, ok := e.cache.get(key); ok {
		return v, true, nil
	}

	var value string
	err := e.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT item_value FROM %s WHERE item_key = ?`, e.table), key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read item: %w", err)
	}

	e.cache.put(key, value)
	return value, true, nil
}

func (e *SQLiteEngine) Set(ctx context.Context, key, value string) error {
	_, err := e.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (item_key, item_value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(item_key) DO UPDATE SET
			item_value = excluded.item_value,
			updated_at = excluded.updated_at
	`, e.table), key, value, time.Now().Unix())
	if err != nil {
		// Drop any cached value since the row state is unknown
		e.cache.remove(key)
		return fmt.Errorf("failed to write item: %w", err)
	}
	e.cache.put(key, value)
	return nil
}

func (e *SQLiteEngine) Delete(ctx context.Context, key string) error {
	e.cache.remove(key)
	if _, err := e.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE item_key = ?`, e.table), key,
	); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

func (e *SQLiteEngine) ClearAll(ctx context.Context) error {
	e.cache.clear()
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, e.table)); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	return nil
}

// Count returns the number of rows in the namespace
func (e *SQLiteEngine) Count(ctx context.Context) (int, error) {
	var n int
	err := e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, e.table)).Scan(&n)
	return n, err
}

// Close closes the database if the engine opened it.
func (e *SQLiteEngine) Close() error {
	e.cache.clear()
	if e.owned {
		return e.db.Close()
	}
	return nil
}
