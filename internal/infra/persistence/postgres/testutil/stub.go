// Package testutil provides a stub database/sql driver for postgres store
// tests. It understands the handful of statement shapes the store issues:
// CREATE TABLE, INSERT ... ON CONFLICT on the first column, DELETE with a
// single equality predicate, and SELECT of a column list from one table.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

var driverSeq atomic.Uint64

// Table holds stub rows keyed by their first inserted column.
type Table struct {
	Primary string
	Order   []string
	Rows    map[string]map[string]driver.Value
}

// StubConn records statements and stores rows in memory.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string]*Table
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	FailQuery  bool
	// FailExecOn fails any statement containing the substring.
	FailExecOn string
	pending    map[string]*Table
}

// NewStubDB registers a fresh driver and returns a sql.DB bound to it.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string]*Table)}
	name := fmt.Sprintf("stubpg%d", driverSeq.Add(1))
	sql.Register(name, stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// Row returns the stored row for primary key value in table.
func (c *StubConn) Row(table, key string) (map[string]driver.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.Tables[table]
	if !ok {
		return nil, false
	}
	row, ok := t.Rows[key]
	return row, ok
}

// Count returns the number of rows stored in table.
func (c *StubConn) Count(table string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.Tables[table]; ok {
		return len(t.Rows)
	}
	return 0
}

type stubDriver struct{ conn *StubConn }

func (d stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Writes inside the transaction are
// staged and only become visible on commit.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.pending = cloneTables(c.Tables)
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExecOn != "" && strings.Contains(query, c.FailExecOn) {
		return nil, fmt.Errorf("exec fail")
	}
	tables := c.Tables
	if c.pending != nil {
		tables = c.pending
	}
	verb := strings.ToUpper(strings.Fields(strings.TrimSpace(query))[0])
	switch verb {
	case "INSERT":
		return insertRow(tables, query, args)
	case "DELETE":
		return deleteRow(tables, query, args)
	default:
		return driver.RowsAffected(0), nil
	}
}

// QueryContext implements driver.QueryerContext. WHERE clauses are ignored.
func (c *StubConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailQuery {
		return nil, fmt.Errorf("query fail")
	}
	table, cols, err := parseSelect(query)
	if err != nil {
		return nil, err
	}
	rows := &stubRows{cols: cols}
	if t, ok := c.Tables[table]; ok {
		for _, key := range t.Order {
			row := t.Rows[key]
			vals := make([]driver.Value, len(cols))
			for i, col := range cols {
				vals[i] = row[col]
			}
			rows.rows = append(rows.rows, vals)
		}
	}
	return rows, nil
}

type stubTx struct{ conn *StubConn }

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		t.conn.pending = nil
		return fmt.Errorf("commit fail")
	}
	t.conn.Tables = t.conn.pending
	t.conn.pending = nil
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	t.conn.pending = nil
	t.conn.mu.Unlock()
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func insertRow(tables map[string]*Table, query string, args []driver.NamedValue) (driver.Result, error) {
	rest := query[strings.Index(strings.ToUpper(query), "INTO ")+len("INTO "):]
	open, closeIdx := strings.Index(rest, "("), strings.Index(rest, ")")
	if open == -1 || closeIdx < open {
		return nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])
	if len(cols) != len(args) {
		return nil, fmt.Errorf("column/arg mismatch for %s", table)
	}
	t, ok := tables[table]
	if !ok {
		t = &Table{Primary: cols[0], Rows: make(map[string]map[string]driver.Value)}
		tables[table] = t
	}
	row := make(map[string]driver.Value, len(cols))
	for i, col := range cols {
		row[col] = args[i].Value
	}
	key := fmt.Sprint(row[t.Primary])
	if _, exists := t.Rows[key]; exists && !strings.Contains(strings.ToUpper(query), "ON CONFLICT") {
		return nil, fmt.Errorf("duplicate key %s", key)
	}
	if _, exists := t.Rows[key]; !exists {
		t.Order = append(t.Order, key)
	}
	t.Rows[key] = row
	return driver.RowsAffected(1), nil
}

func deleteRow(tables map[string]*Table, query string, args []driver.NamedValue) (driver.Result, error) {
	lower := strings.ToLower(query)
	whereIdx := strings.Index(lower, " where ")
	if !strings.HasPrefix(strings.TrimSpace(lower), "delete from ") || whereIdx == -1 || len(args) == 0 {
		return nil, fmt.Errorf("cannot parse delete: %s", query)
	}
	table := strings.TrimSpace(lower[strings.Index(lower, "from ")+len("from ") : whereIdx])
	t, ok := tables[table]
	if !ok {
		return driver.RowsAffected(0), nil
	}
	key := fmt.Sprint(args[0].Value)
	if _, exists := t.Rows[key]; !exists {
		return driver.RowsAffected(0), nil
	}
	delete(t.Rows, key)
	for i, k := range t.Order {
		if k == key {
			t.Order = append(t.Order[:i], t.Order[i+1:]...)
			break
		}
	}
	return driver.RowsAffected(1), nil
}

func parseSelect(query string) (string, []string, error) {
	lower := strings.ToLower(strings.TrimSpace(query))
	fromIdx := strings.Index(lower, " from ")
	if !strings.HasPrefix(lower, "select ") || fromIdx == -1 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fields := strings.Fields(lower[fromIdx+len(" from "):])
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("cannot parse select: %s", query)
	}
	return fields[0], splitColumns(lower[len("select "):fromIdx]), nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}

func cloneTables(in map[string]*Table) map[string]*Table {
	out := make(map[string]*Table, len(in))
	for name, t := range in {
		cp := &Table{Primary: t.Primary, Order: append([]string(nil), t.Order...), Rows: make(map[string]map[string]driver.Value, len(t.Rows))}
		for k, row := range t.Rows {
			r := make(map[string]driver.Value, len(row))
			for col, v := range row {
				r[col] = v
			}
			cp.Rows[k] = r
		}
		out[name] = cp
	}
	return out
}
