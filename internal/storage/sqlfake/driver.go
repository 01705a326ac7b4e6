// Package sqlfake is a scripted database/sql driver for repository tests.
// Each connection consumes the expected operations in order and fails on the
// first statement that does not match.
package sqlfake

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t opType) String() string {
	switch t {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	default:
		return "rollback"
	}
}

// Op is one expected driver call.
type Op struct {
	typ    opType
	query  string
	result Result
	rows   Rows
	err    error
}

// Result is returned for an Exec.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// execResult adapts Result to driver.Result; the method names would collide
// with Result's fields.
type execResult struct{ res Result }

func (r execResult) LastInsertId() (int64, error) { return r.res.LastInsertID, nil }
func (r execResult) RowsAffected() (int64, error) { return r.res.RowsAffected, nil }

// Rows is returned for a Query.
type Rows struct {
	Columns []string
	Values  [][]driver.Value
}

// Exec expects an exec of query; an empty query matches anything.
func Exec(query string, result Result) Op { return Op{typ: opExec, query: query, result: result} }

// ExecErr expects an exec of query that fails with err.
func ExecErr(query string, err error) Op { return Op{typ: opExec, query: query, err: err} }

// Query expects a query returning rows.
func Query(query string, rows Rows) Op { return Op{typ: opQuery, query: query, rows: rows} }

// Begin expects a transaction start.
func Begin() Op { return Op{typ: opBegin} }

// Commit expects a transaction commit.
func Commit() Op { return Op{typ: opCommit} }

// Rollback expects a transaction rollback.
func Rollback() Op { return Op{typ: opRollback} }

// Driver replays a script of operations.
type Driver struct {
	ops  []Op
	idx  atomic.Int32
	mu   sync.Mutex
	args [][]driver.Value
}

var driverSeq atomic.Int32

// Open registers a fresh driver for ops and opens a single-connection pool on it.
func Open(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("sqlfake-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open fake db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db, drv
}

// AssertConsumed fails the test unless every operation ran.
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	if got := int(d.idx.Load()); got != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", got, len(d.ops))
	}
}

// Args returns the arguments of the i-th exec or query, in call order.
func (d *Driver) Args(i int) []driver.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	return d.args[i]
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string) (*Op, error) {
	idx := int(d.idx.Load())
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", expected, Normalize(query))
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected %s, got %s", op.typ, expected)
	}
	d.idx.Add(1)
	if op.query != "" {
		if want, got := Normalize(op.query), Normalize(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

func (d *Driver) capture(args []driver.NamedValue) {
	values := make([]driver.Value, len(args))
	for i, arg := range args {
		values[i] = arg.Value
	}
	d.mu.Lock()
	d.args = append(d.args, values)
	d.mu.Unlock()
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	c.driver.capture(args)
	if op.err != nil {
		return nil, op.err
	}
	return execResult{res: op.result}, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	c.driver.capture(args)
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

// CheckNamedValue mirrors the default conversion but keeps uint64 values,
// which MySQL accepts for unsigned columns.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	if _, ok := nv.Value.(uint64); ok {
		return nil
	}
	value, err := driver.DefaultParameterConverter.ConvertValue(nv.Value)
	if err != nil {
		return err
	}
	nv.Value = value
	return nil
}

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

// Normalize collapses whitespace so multi-line SQL compares equal.
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
