// Package testutil provides a database/sql driver double that understands the
// handful of statements the postgres snapshot store issues.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"
)

var (
	errStubExec   = errors.New("stub: exec failed")
	errStubCommit = errors.New("stub: commit failed")
	errStubBegin  = errors.New("stub: begin failed")

	// ErrDuplicateKey is returned by a plain INSERT of an existing key.
	ErrDuplicateKey = errors.New("stub: duplicate key")

	insertPattern = regexp.MustCompile(`(?is)^\s*INSERT\s+INTO\s+(\w+)\s*\(\s*(\w+)\s*,\s*(\w+)\s*\)`)
	selectPattern = regexp.MustCompile(`(?is)^\s*SELECT\s+(\w+)\s*,\s*(\w+)\s+FROM\s+(\w+)`)

	driverSeq atomic.Int64
)

// StubConn is a single shared connection. Tables maps a table name to its
// key column values and their payloads; writes made inside a transaction are
// only visible after Commit.
type StubConn struct {
	Execs      []string
	Tables     map[string]map[string][]byte
	FailExec   bool
	FailBegin  bool
	FailCommit bool
	RowsErr    error

	staged map[string]map[string][]byte
}

// NewStubDB returns a handle whose every connection is the returned StubConn.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string]map[string][]byte)}
	name := fmt.Sprintf("pgstub-%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "")
	if err != nil {
		panic(err)
	}
	// one connection keeps transaction staging unambiguous
	db.SetMaxOpenConns(1)
	return db, conn
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare is unused; database/sql takes the ExecerContext/QueryerContext path.
func (c *StubConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("stub: prepared statements unsupported")
}

func (c *StubConn) Close() error { return nil }

func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *StubConn) Ping(context.Context) error {
	if c.FailExec {
		return errStubExec
	}
	return nil
}

func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, errStubBegin
	}
	c.staged = make(map[string]map[string][]byte)
	return stubTx{conn: c}, nil
}

// ExecContext records the statement and applies key/payload inserts. An
// INSERT without ON CONFLICT fails on an existing key, like a primary key
// would. DDL and any other statement only gets recorded.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.Execs = append(c.Execs, query)
	if c.FailExec {
		return nil, errStubExec
	}
	m := insertPattern.FindStringSubmatch(query)
	if m == nil {
		return driver.RowsAffected(0), nil
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("stub: insert into %s wants 2 args, got %d", m[1], len(args))
	}
	key, ok := args[0].Value.(string)
	if !ok {
		return nil, fmt.Errorf("stub: key column %s must be text", m[2])
	}
	payload, err := asBytes(args[1].Value)
	if err != nil {
		return nil, err
	}
	target := c.Tables
	if c.staged != nil {
		target = c.staged
	}
	table := strings.ToLower(m[1])
	if !strings.Contains(strings.ToUpper(query), "ON CONFLICT") {
		_, committed := c.Tables[table][key]
		_, staged := target[table][key]
		if committed || staged {
			return nil, fmt.Errorf("%w %q in %s", ErrDuplicateKey, key, table)
		}
	}
	if target[table] == nil {
		target[table] = make(map[string][]byte)
	}
	target[table][key] = payload
	return driver.RowsAffected(1), nil
}

// QueryContext serves two-column selects over committed rows, ordered by key.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	m := selectPattern.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("stub: unsupported query %q", query)
	}
	stored := c.Tables[strings.ToLower(m[3])]
	keys := make([]string, 0, len(stored))
	for k := range stored {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	rows := &stubRows{cols: []string{m[1], m[2]}, err: c.RowsErr}
	for _, k := range keys {
		rows.data = append(rows.data, [2]driver.Value{k, slices.Clone(stored[k])})
	}
	return rows, nil
}

type stubTx struct{ conn *StubConn }

func (t stubTx) Commit() error {
	staged := t.conn.staged
	t.conn.staged = nil
	if t.conn.FailCommit {
		return errStubCommit
	}
	for table, rows := range staged {
		if t.conn.Tables[table] == nil {
			t.conn.Tables[table] = make(map[string][]byte)
		}
		for k, v := range rows {
			t.conn.Tables[table][k] = v
		}
	}
	return nil
}

func (t stubTx) Rollback() error {
	t.conn.staged = nil
	return nil
}

type stubRows struct {
	cols []string
	data [][2]driver.Value
	pos  int
	err  error
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.data) {
		if r.err != nil {
			return r.err
		}
		return io.EOF
	}
	dest[0], dest[1] = r.data[r.pos][0], r.data[r.pos][1]
	r.pos++
	return nil
}

func asBytes(v driver.Value) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return slices.Clone(p), nil
	case string:
		return []byte(p), nil
	default:
		return nil, fmt.Errorf("stub: payload must be bytes, got %T", v)
	}
}
