package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"sync"
	"testing"
)

// captureConnector satisfies database/sql without a server: every
// statement is recorded so tests can assert the SQL the repositories
// emit against the real schema.
type captureConnector struct{ rec *sqlRecorder }

type sqlRecorder struct {
	mu      sync.Mutex
	queries []string
	args    [][]driver.NamedValue
}

func (r *sqlRecorder) record(q string, args []driver.NamedValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, q)
	r.args = append(r.args, args)
}

func (r *sqlRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		return ""
	}
	return r.queries[len(r.queries)-1]
}

func (r *sqlRecorder) lastArgs() []driver.NamedValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.args) == 0 {
		return nil
	}
	return r.args[len(r.args)-1]
}

func captureDB(t *testing.T) (*sql.DB, *sqlRecorder) {
	t.Helper()
	rec := &sqlRecorder{}
	db := sql.OpenDB(captureConnector{rec: rec})
	t.Cleanup(func() { _ = db.Close() })
	return db, rec
}

func (c captureConnector) Connect(context.Context) (driver.Conn, error) {
	return captureConn{rec: c.rec}, nil
}

func (c captureConnector) Driver() driver.Driver { return captureDriver{} }

type captureDriver struct{}

func (captureDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("use sql.OpenDB")
}

type captureConn struct{ rec *sqlRecorder }

var (
	_ driver.ExecerContext  = captureConn{}
	_ driver.QueryerContext = captureConn{}
)

func (captureConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare unsupported")
}
func (captureConn) Close() error              { return nil }
func (captureConn) Begin() (driver.Tx, error) { return nil, errors.New("tx unsupported") }

func (c captureConn) ExecContext(_ context.Context, q string, args []driver.NamedValue) (driver.Result, error) {
	c.rec.record(q, args)
	return driver.RowsAffected(0), nil
}

func (c captureConn) QueryContext(_ context.Context, q string, args []driver.NamedValue) (driver.Rows, error) {
	c.rec.record(q, args)
	return noRows{}, nil
}

type noRows struct{}

func (noRows) Columns() []string         { return nil }
func (noRows) Close() error              { return nil }
func (noRows) Next([]driver.Value) error { return io.EOF }
