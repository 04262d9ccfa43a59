// Package sqlite keeps the store state in a local SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"slicetune/internal/infra/persistence/memory"
	"slicetune/internal/infra/persistence/sqlstate"
	"slicetune/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultPath is used when no database path is configured.
const DefaultPath = "slicetune.db"

var dialect = sqlstate.Dialect{
	Schema: `CREATE TABLE IF NOT EXISTS state (
		id TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`,
	Insert: `INSERT INTO state(id,payload) VALUES(?,?)`,
	Upsert: `INSERT INTO state(id,payload) VALUES(?,?) ON CONFLICT(id) DO UPDATE SET payload=excluded.payload`,
}

// Store is a memory.Store whose commits are written through to SQLite. One
// process owns the file; see package sqlstate.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and loads any
// state already in it.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = DefaultPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection serializes row writes
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	table, err := sqlstate.Open(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, found, err := table.Load(ctx)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore(engine, memory.WithCommitHook(table.Write))
	if found {
		mem.ImportState(snapshot)
	}
	return &Store{Store: mem, db: db, path: path}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for tests that need to corrupt or inspect rows.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Path() string { return s.path }
