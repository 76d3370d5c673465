// Package db is a SQLite-backed push store. The JSON tree is flattened into one
// row per scalar leaf, keyed by its full path, so subtree reads and replacements
// are single range queries.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

type DB struct {
	conn   *sql.DB
	logger *zap.SugaredLogger
	hub    *Hub

	// mu serializes mutations so that change notifications follow commit order.
	mu     sync.Mutex
	closed bool

	connsMu sync.Mutex
	conns   map[string]*Conn
}

func New(path string, logger *zap.SugaredLogger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Every pooled connection to :memory: would be a separate database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	// WAL lets subscription reads proceed while a writer commits.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA cache_size=-64000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	db := &DB{
		conn:   conn,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
	db.hub = newHub(db.read, logger)

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		path TEXT PRIMARY KEY NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_nodes_updated_at ON nodes(updated_at DESC);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close stops every subscription and closes the database. Pending
// on-disconnect actions of open connections are not run.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	db.hub.closeAll()
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}

func (db *DB) Hub() *Hub {
	return db.hub
}

func (db *DB) read(ctx context.Context, path string) ([]byte, error) {
	return getSubtree(ctx, db.conn, path)
}
