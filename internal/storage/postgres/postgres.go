// Package postgres implements a Postgres repository using pgx v5. Rows are
// loaded with COPY FROM straight into the target table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"rowflow/internal/row"
	"rowflow/internal/storage"
)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
		return NewRepository(ctx, cfg)
	}, CreateTableSQL)
}

// Repository is a Postgres-backed implementation of storage.Repository.
type Repository struct {
	pool *pgxpool.Pool
	cfg  storage.Config
}

// NewRepository creates a connection pool for cfg.DSN. The pool connects
// lazily; the first CopyFrom or Exec surfaces connection errors.
func NewRepository(ctx context.Context, cfg storage.Config) (*Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return &Repository{pool: pool, cfg: cfg}, nil
}

// CopyFrom loads rows with the COPY protocol.
func (r *Repository) CopyFrom(ctx context.Context, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.pool.CopyFrom(ctx, splitFQN(r.cfg.Table), columns, pgx.CopyFromRows(rows))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return n, fmt.Errorf("copy into %s: %s (%s): %w", r.cfg.Table, pgErr.Detail, pgErr.SQLState(), err)
		}
		return n, fmt.Errorf("copy into %s: %w", r.cfg.Table, err)
	}
	return n, nil
}

// Exec implements storage.Repository.Exec for Postgres.
func (r *Repository) Exec(ctx context.Context, sql string) error {
	_, err := r.pool.Exec(ctx, sql)
	return err
}

func (r *Repository) Close() { r.pool.Close() }

// CreateTableSQL renders a CREATE TABLE IF NOT EXISTS statement.
func CreateTableSQL(t storage.TableDef) (string, error) {
	return storage.RenderCreate(t, true, storage.QuoteDouble, MapType)
}

// MapType maps a logical column type to a Postgres type.
//
//	integer -> BIGINT
//	number  -> DOUBLE PRECISION, or NUMERIC(l,p) when a length is set
//	string  -> TEXT, or VARCHAR(l) when a length is set
func MapType(c storage.ColumnDef) string {
	switch c.Type {
	case row.TypeInteger:
		return "BIGINT"
	case row.TypeNumber:
		if c.Length > 0 {
			return fmt.Sprintf("NUMERIC(%d,%d)", c.Length, c.Precision)
		}
		return "DOUBLE PRECISION"
	case row.TypeBoolean:
		return "BOOLEAN"
	case row.TypeDate:
		return "TIMESTAMPTZ"
	case row.TypeBinary:
		return "BYTEA"
	default:
		if c.Length > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.Length)
		}
		return "TEXT"
	}
}

// splitFQN converts "schema.table" into a pgx.Identifier {"schema","table"}.
func splitFQN(fqn string) pgx.Identifier {
	parts := strings.Split(fqn, ".")
	id := make(pgx.Identifier, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			id = append(id, p)
		}
	}
	return id
}
