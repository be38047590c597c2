package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// recorder scripts driver-level responses for the statements the
// repository issues and keeps them in order for assertions.
type recorder struct {
	mu         sync.Mutex
	statements []string

	onQuery func(query string) (driver.Rows, error)
	onExec  func(query string) (driver.Result, error)
}

func (r *recorder) record(q string) {
	r.mu.Lock()
	r.statements = append(r.statements, q)
	r.mu.Unlock()
}

func (r *recorder) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statements...)
}

type scriptConnector struct{ rec *recorder }

func (c scriptConnector) Connect(context.Context) (driver.Conn, error) {
	return &scriptConn{rec: c.rec}, nil
}

func (c scriptConnector) Driver() driver.Driver { return scriptDriver{} }

type scriptDriver struct{}

func (scriptDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open via connector only")
}

type scriptConn struct{ rec *recorder }

func (c *scriptConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("prepare not scripted")
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) Begin() (driver.Tx, error) {
	return nil, errors.New("tx not scripted")
}

func (c *scriptConn) QueryContext(_ context.Context, q string, _ []driver.NamedValue) (driver.Rows, error) {
	c.rec.record(q)
	return c.rec.onQuery(q)
}

func (c *scriptConn) ExecContext(_ context.Context, q string, _ []driver.NamedValue) (driver.Result, error) {
	c.rec.record(q)
	return c.rec.onExec(q)
}

type scriptRows struct {
	cols []string
	vals [][]driver.Value
	i    int
}

func (r *scriptRows) Columns() []string { return r.cols }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if r.i >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.i])
	r.i++
	return nil
}

func scriptedRepo(rec *recorder) *Repository {
	return NewRepository(sql.OpenDB(scriptConnector{rec: rec}))
}

func TestCreateRetiresExpiredActiveSessionFirst(t *testing.T) {
	rec := &recorder{}
	rec.onExec = func(q string) (driver.Result, error) {
		if !strings.Contains(q, "SET status = 'ended'") {
			t.Fatalf("unexpected exec: %s", q)
		}
		return driver.RowsAffected(1), nil
	}
	rec.onQuery = func(q string) (driver.Rows, error) {
		switch {
		case strings.Contains(q, "SELECT EXISTS"):
			// The database after expiry: no active row remains.
			return &scriptRows{cols: []string{"exists"}, vals: [][]driver.Value{{false}}}, nil
		case strings.Contains(q, "INSERT INTO sessions"):
			return &scriptRows{cols: []string{"created_at"}, vals: [][]driver.Value{{time.Now().UTC()}}}, nil
		}
		t.Fatalf("unexpected query: %s", q)
		return nil, nil
	}

	repo := scriptedRepo(rec)
	if _, err := repo.Create(context.Background(), baseSession()); err != nil {
		t.Fatalf("create after unread expiry: %v", err)
	}

	stmts := rec.recorded()
	if len(stmts) != 3 {
		t.Fatalf("statements = %d, want expiry + busy check + insert", len(stmts))
	}
	if !strings.Contains(stmts[0], "SET status = 'ended'") {
		t.Fatalf("first statement must persist expiry, got: %s", stmts[0])
	}
	if !strings.Contains(stmts[1], "SELECT EXISTS") {
		t.Fatalf("second statement must be the busy check, got: %s", stmts[1])
	}
}

func TestCreateMapsUniqueViolationToClassBusy(t *testing.T) {
	rec := &recorder{}
	rec.onExec = func(string) (driver.Result, error) {
		return driver.RowsAffected(0), nil
	}
	rec.onQuery = func(q string) (driver.Rows, error) {
		switch {
		case strings.Contains(q, "SELECT EXISTS"):
			return &scriptRows{cols: []string{"exists"}, vals: [][]driver.Value{{false}}}, nil
		case strings.Contains(q, "INSERT INTO sessions"):
			// A concurrent create won between check and insert; the
			// partial unique index rejects this one.
			return nil, &pgconn.PgError{Code: "23505", ConstraintName: "idx_sessions_active_class"}
		}
		t.Fatalf("unexpected query: %s", q)
		return nil, nil
	}

	repo := scriptedRepo(rec)
	_, err := repo.Create(context.Background(), baseSession())
	if !errors.Is(err, ErrClassBusy) {
		t.Fatalf("err = %v, want ErrClassBusy", err)
	}
}

func TestListByClassPersistsExpiry(t *testing.T) {
	rec := &recorder{}
	expiryRan := false
	rec.onExec = func(q string) (driver.Result, error) {
		if strings.Contains(q, "SET status = 'ended'") {
			expiryRan = true
		}
		return driver.RowsAffected(1), nil
	}
	past := time.Now().UTC().Add(-2 * time.Hour)
	rec.onQuery = func(q string) (driver.Rows, error) {
		if !strings.Contains(q, "FROM sessions WHERE class_id") {
			t.Fatalf("unexpected query: %s", q)
		}
		return &scriptRows{
			cols: []string{"id", "class_id", "teacher_id", "start_at", "end_at", "on_time_limit_min", "capture_interval_min", "status", "created_at"},
			vals: [][]driver.Value{
				{"sess-1", "class-1", "teach-1", past, past.Add(time.Hour), int64(10), int64(5), "active", past},
			},
		}, nil
	}

	repo := scriptedRepo(rec)
	list, err := repo.ListByClass(context.Background(), "class-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !expiryRan {
		t.Fatal("listing must persist expiry before reading")
	}
	if len(list) != 1 || list[0].Status != StatusEnded {
		t.Fatalf("list = %+v, want one ended session", list)
	}
}
