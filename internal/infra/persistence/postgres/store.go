// Package postgres keeps the store state in a Postgres JSONB table.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"slicetune/internal/infra/persistence/memory"
	"slicetune/internal/infra/persistence/sqlstate"
	"slicetune/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// DefaultDSN is used when no DSN is configured.
const DefaultDSN = "postgres://localhost/slicetune?sslmode=disable"

var dialect = sqlstate.Dialect{
	Schema: `CREATE TABLE IF NOT EXISTS state (
		id TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`,
	Insert: `INSERT INTO state(id,payload) VALUES($1,$2)`,
	Upsert: `INSERT INTO state(id,payload) VALUES($1,$2) ON CONFLICT(id) DO UPDATE SET payload=EXCLUDED.payload`,
}

var (
	openMu  sync.Mutex
	sqlOpen = sql.Open
)

// Store is a memory.Store whose commits are written through to Postgres.
// One process owns the database; see package sqlstate for what happens to a
// second writer.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore connects to dsn (DefaultDSN when empty) and loads existing state.
func NewStore(ctx context.Context, dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	openMu.Lock()
	open := sqlOpen
	openMu.Unlock()
	db, err := open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	store, err := newStore(ctx, db, engine)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func newStore(ctx context.Context, db *sql.DB, engine *domain.RulesEngine) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	table, err := sqlstate.Open(ctx, db, dialect)
	if err != nil {
		return nil, err
	}
	snapshot, found, err := table.Load(ctx)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine, memory.WithCommitHook(table.Write))
	if found {
		mem.ImportState(snapshot)
	}
	return &Store{Store: mem, db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen replaces sql.Open for tests and returns the restore func.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
