// Package sqlstate stores memory snapshots in a two-column SQL table, one row
// per record. The sqlite and postgres stores differ only in their Dialect.
//
// Only one process may write a database at a time. Each process keeps its
// own copy of the state, so a second writer is not kept in sync; it is
// stopped at its first profile version or feedback record whose row already
// exists, because those rows are inserted, never upserted.
package sqlstate

import (
	"context"
	"database/sql"
	"fmt"

	"slicetune/internal/infra/persistence/memory"
)

// Dialect holds the backend-specific statements. Insert and Upsert take the
// row id and payload as their two parameters; Insert must fail when the id
// exists.
type Dialect struct {
	Schema string
	Insert string
	Upsert string
}

const selectAll = `SELECT id, payload FROM state`

// Table reads and writes snapshot rows.
type Table struct {
	db      *sql.DB
	dialect Dialect
}

// Open ensures the state table exists.
func Open(ctx context.Context, db *sql.DB, d Dialect) (*Table, error) {
	if _, err := db.ExecContext(ctx, d.Schema); err != nil {
		return nil, fmt.Errorf("ensure state table: %w", err)
	}
	return &Table{db: db, dialect: d}, nil
}

// Load assembles a snapshot from every stored row. found reports whether any
// row existed.
func (t *Table) Load(ctx context.Context) (snapshot memory.Snapshot, found bool, err error) {
	rows, err := t.db.QueryContext(ctx, selectAll)
	if err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var (
			id      string
			payload []byte
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return memory.Snapshot{}, false, fmt.Errorf("scan state: %w", err)
		}
		if err := snapshot.DecodeRow(id, payload); err != nil {
			return memory.Snapshot{}, false, err
		}
		found = true
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, false, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, found, nil
}

// Write stores a commit's rows in one SQL transaction. It has the
// memory.CommitHook signature.
func (t *Table) Write(ctx context.Context, c memory.Commit) (err error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin state tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, row := range c.Rows {
		stmt, verb := t.dialect.Insert, "insert"
		if row.Replace {
			stmt, verb = t.dialect.Upsert, "upsert"
		}
		if _, err := tx.ExecContext(ctx, stmt, row.Key, row.Payload); err != nil {
			return fmt.Errorf("%s %s: %w", verb, row.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}
