package mssql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"

	"rowflow/internal/row"
	"rowflow/internal/storage"
)

// TestCopyFromNoRows verifies that an empty batch never touches the pool.
func TestCopyFromNoRows(t *testing.T) {
	t.Parallel()

	repo := &Repository{db: nil, cfg: storage.Config{Table: "dbo.events"}}
	n, err := repo.CopyFrom(context.Background(), []string{"id"}, nil)
	if err != nil || n != 0 {
		t.Fatalf("CopyFrom(no rows) = %d, %v; want 0, nil", n, err)
	}
}

// TestCopyFromBulk verifies that every row goes through the bulk statement
// and that the final flush reports the affected count.
func TestCopyFromBulk(t *testing.T) {
	t.Parallel()

	conn := &bulkConn{}
	repo := newFakeRepo(t, conn)

	n, err := repo.CopyFrom(context.Background(), []string{"id", "name"}, [][]any{{1, "a"}, {2, "b"}, {3, nil}})
	if err != nil {
		t.Fatalf("CopyFrom: %v", err)
	}
	if n != 3 {
		t.Fatalf("CopyFrom rows = %d, want 3", n)
	}
	if !strings.Contains(conn.prepared, "dbo.events") {
		t.Fatalf("prepared = %q, want a bulk statement for dbo.events", conn.prepared)
	}
	if conn.rows != 3 || conn.flushes != 1 {
		t.Fatalf("rows = %d, flushes = %d; want 3 and 1", conn.rows, conn.flushes)
	}
	if conn.commits != 1 || conn.rollbacks != 0 {
		t.Fatalf("commits = %d, rollbacks = %d; want 1 and 0", conn.commits, conn.rollbacks)
	}
}

// TestCopyFromErrors verifies that each failure point rolls back and wraps
// the driver error with the step it came from.
func TestCopyFromErrors(t *testing.T) {
	t.Parallel()

	errDriver := errors.New("driver said no")

	tests := []struct {
		name      string
		conn      *bulkConn
		prefix    string
		rollbacks int
	}{
		{name: "begin", conn: &bulkConn{beginErr: errDriver}, prefix: "begin tx: ", rollbacks: 0},
		{name: "prepare", conn: &bulkConn{prepareErr: errDriver}, prefix: "prepare bulk: ", rollbacks: 1},
		{name: "row", conn: &bulkConn{rowErr: errDriver}, prefix: "bulk row 0: ", rollbacks: 1},
		{name: "finalize", conn: &bulkConn{flushErr: errDriver}, prefix: "bulk finalize: ", rollbacks: 1},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			repo := newFakeRepo(t, tt.conn)
			_, err := repo.CopyFrom(context.Background(), []string{"id"}, [][]any{{1}})
			if !errors.Is(err, errDriver) {
				t.Fatalf("CopyFrom error = %v, want wrapped %v", err, errDriver)
			}
			if !strings.HasPrefix(err.Error(), tt.prefix) {
				t.Fatalf("CopyFrom error = %q, want prefix %q", err, tt.prefix)
			}
			if tt.conn.rollbacks != tt.rollbacks || tt.conn.commits != 0 {
				t.Fatalf("commits = %d, rollbacks = %d; want 0 and %d", tt.conn.commits, tt.conn.rollbacks, tt.rollbacks)
			}
		})
	}
}

func TestNewRepositoryBadDSN(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(context.Background(), storage.Config{DSN: "sqlserver://%zz", Table: "t"})
	if err == nil || !strings.HasPrefix(err.Error(), "mssql dsn: ") {
		t.Fatalf("NewRepository error = %v, want mssql dsn error", err)
	}
}

// TestMsIdent verifies the bracket quoting and escaping in msIdent.
func TestMsIdent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "simple", in: "id", want: "[id]"},
		{name: "empty", in: "", want: "[]"},
		{name: "with space", in: "user id", want: "[user id]"},
		{name: "escape closing bracket", in: "user]id", want: "[user]]id]"},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := msIdent(tt.in); got != tt.want {
				t.Fatalf("msIdent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMapType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		col  storage.ColumnDef
		want string
	}{
		{col: storage.ColumnDef{Type: row.TypeInteger}, want: "BIGINT"},
		{col: storage.ColumnDef{Type: row.TypeNumber}, want: "FLOAT"},
		{col: storage.ColumnDef{Type: row.TypeNumber, Length: 18, Precision: 4}, want: "DECIMAL(18,4)"},
		{col: storage.ColumnDef{Type: row.TypeBoolean}, want: "BIT"},
		{col: storage.ColumnDef{Type: row.TypeDate}, want: "DATETIME2"},
		{col: storage.ColumnDef{Type: row.TypeBinary}, want: "VARBINARY(MAX)"},
		{col: storage.ColumnDef{Type: row.TypeString}, want: "NVARCHAR(MAX)"},
		{col: storage.ColumnDef{Type: row.TypeString, Length: 4000}, want: "NVARCHAR(4000)"},
		{col: storage.ColumnDef{Type: row.TypeString, Length: 4001}, want: "NVARCHAR(MAX)"},
	}

	for _, tt := range tests {
		if got := MapType(tt.col); got != tt.want {
			t.Fatalf("MapType(%+v) = %q, want %q", tt.col, got, tt.want)
		}
	}
}

// TestCreateTableSQL verifies the DDL has no IF NOT EXISTS clause.
func TestCreateTableSQL(t *testing.T) {
	t.Parallel()

	got, err := CreateTableSQL(storage.TableDef{FQN: "dbo.ev]ents", Columns: []storage.ColumnDef{
		{Name: "id", Type: row.TypeInteger},
		{Name: "ok", Type: row.TypeBoolean, Nullable: true},
	}})
	if err != nil {
		t.Fatalf("CreateTableSQL: %v", err)
	}
	want := "CREATE TABLE [dbo].[ev]]ents] (\n  [id] BIGINT NOT NULL,\n  [ok] BIT\n);"
	if got != want {
		t.Fatalf("CreateTableSQL = %q, want %q", got, want)
	}
}

// --- Test driver plumbing for exercising CopyFrom without a real server ---

// bulkConn accepts one prepared bulk statement. Each *Err field makes the
// matching call fail.
type bulkConn struct {
	prepared  string
	rows      int
	flushes   int
	commits   int
	rollbacks int

	beginErr   error
	prepareErr error
	rowErr     error
	flushErr   error
}

type bulkStmt struct{ conn *bulkConn }

type bulkTx struct{ conn *bulkConn }

type fakeConnector struct{ conn *bulkConn }

type fakeDriver struct{}

func newFakeRepo(t *testing.T, conn *bulkConn) *Repository {
	t.Helper()
	db := sql.OpenDB(fakeConnector{conn: conn})
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return &Repository{db: db, cfg: storage.Config{Kind: "mssql", Table: "dbo.events"}}
}

func (c fakeConnector) Connect(context.Context) (driver.Conn, error) { return c.conn, nil }
func (c fakeConnector) Driver() driver.Driver                        { return fakeDriver{} }

func (fakeDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("open by name is not supported")
}

func (c *bulkConn) Prepare(query string) (driver.Stmt, error) {
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	c.prepared = query
	return &bulkStmt{conn: c}, nil
}

func (c *bulkConn) Close() error { return nil }

func (c *bulkConn) Begin() (driver.Tx, error) {
	return nil, errors.New("begin (legacy) should not be called")
}

func (c *bulkConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	return bulkTx{conn: c}, nil
}

func (s *bulkStmt) Close() error  { return nil }
func (s *bulkStmt) NumInput() int { return -1 }

func (s *bulkStmt) Query([]driver.Value) (driver.Rows, error) {
	return nil, errors.New("unexpected Query call")
}

// Exec buffers a row when called with values and flushes when called
// without, the way a bulk copy statement behaves.
func (s *bulkStmt) Exec(args []driver.Value) (driver.Result, error) {
	c := s.conn
	if len(args) == 0 {
		if c.flushErr != nil {
			return nil, c.flushErr
		}
		c.flushes++
		return driver.RowsAffected(c.rows), nil
	}
	if c.rowErr != nil {
		return nil, c.rowErr
	}
	c.rows++
	return driver.RowsAffected(0), nil
}

func (tx bulkTx) Commit() error {
	tx.conn.commits++
	return nil
}

func (tx bulkTx) Rollback() error {
	tx.conn.rollbacks++
	return nil
}
