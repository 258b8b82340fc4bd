// Package mysql implements a MySQL-backed storage.Repository. Batches are
// written as multi-row INSERT statements inside one transaction.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"rowflow/internal/row"
	"rowflow/internal/storage"
)

// maxPlaceholders is the server limit on bound parameters per statement.
const maxPlaceholders = 65535

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, cfg)
	}, CreateTableSQL)
}

// Repository is a MySQL-backed implementation of storage.Repository.
type Repository struct {
	db  *sql.DB
	cfg storage.Config
}

// NewRepository parses the DSN, opens a pool and pings the server. Time
// values are scanned as time.Time.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	mc.ParseTime = true
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(conn)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Repository{db: db, cfg: cfg}, nil
}

// CopyFrom inserts rows with as few multi-row INSERTs as the placeholder
// limit allows, all in one transaction.
func (r *Repository) CopyFrom(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(columns) == 0 {
		return 0, fmt.Errorf("mysql: CopyFrom: columns must not be empty")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	perStmt := maxPlaceholders / len(columns)
	if perStmt < 1 {
		return 0, fmt.Errorf("mysql: %d columns exceed the placeholder limit", len(columns))
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = myIdent(c)
	}
	head := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", myFQN(r.cfg.Table), strings.Join(quoted, ", "))
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		chunk := rows[start:end]

		var sb strings.Builder
		sb.WriteString(head)
		args := make([]any, 0, len(chunk)*len(columns))
		for i, vals := range chunk {
			if len(vals) != len(columns) {
				_ = tx.Rollback()
				return 0, fmt.Errorf("mysql: row %d has %d values for %d columns", start+i, len(vals), len(columns))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(tuple)
			args = append(args, vals...)
		}
		res, err := tx.ExecContext(ctx, sb.String(), args...)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert rows %d-%d: %w", start, end-1, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return total, nil
}

// Exec executes a SQL statement against the pool.
func (r *Repository) Exec(ctx context.Context, sqlText string) error {
	_, err := r.db.ExecContext(ctx, sqlText)
	return err
}

func (r *Repository) Close() { _ = r.db.Close() }

// CreateTableSQL renders a CREATE TABLE IF NOT EXISTS statement.
func CreateTableSQL(t storage.TableDef) (string, error) {
	return storage.RenderCreate(t, true, myIdent, MapType)
}

// MapType maps a logical column type to a MySQL type.
func MapType(c storage.ColumnDef) string {
	switch c.Type {
	case row.TypeInteger:
		return "BIGINT"
	case row.TypeNumber:
		if c.Length > 0 {
			return fmt.Sprintf("DECIMAL(%d,%d)", c.Length, c.Precision)
		}
		return "DOUBLE"
	case row.TypeBoolean:
		return "BOOLEAN"
	case row.TypeDate:
		return "DATETIME(6)"
	case row.TypeBinary:
		return "LONGBLOB"
	default:
		if c.Length > 0 && c.Length <= 16383 {
			return fmt.Sprintf("VARCHAR(%d)", c.Length)
		}
		return "LONGTEXT"
	}
}

func myIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }

func myFQN(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = myIdent(p)
	}
	return strings.Join(parts, ".")
}
