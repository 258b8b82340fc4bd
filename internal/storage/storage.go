// Package storage contains the backend-agnostic repository contract used by
// table-writing steps, and a factory that concrete backends register with at
// init time.
//
// Importing rowflow/internal/storage/all makes every built-in backend
// available:
//
//	repo, err := storage.New(ctx, storage.Config{Kind: "sqlite", DSN: "out.db", Table: "t"})
//	if err != nil {
//	    // handle error
//	}
//	defer repo.Close()
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Kind is the registered backend name, e.g. "postgres" or "sqlite".
	Kind string
	// DSN is passed to the backend driver unchanged.
	DSN string
	// Table is the target table, optionally schema-qualified ("public.events").
	Table string
	// Columns is the ordered list of destination columns.
	Columns []string
}

// Repository is what steps write through. Rows passed to CopyFrom are aligned
// to columns.
type Repository interface {
	CopyFrom(ctx context.Context, columns []string, rows [][]any) (int64, error)
	Exec(ctx context.Context, sql string) error
	Close()
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

// DDLRenderer renders a CREATE TABLE statement in the backend's dialect.
type DDLRenderer func(t TableDef) (string, error)

type backend struct {
	open Factory
	ddl  DDLRenderer
}

var (
	mu       sync.RWMutex
	backends = map[string]backend{}
)

// Register adds a backend. It is meant to be called from init and replaces
// any earlier registration of the same kind.
func Register(kind string, open Factory, ddl DDLRenderer) {
	mu.Lock()
	defer mu.Unlock()
	backends[kind] = backend{open: open, ddl: ddl}
}

func lookup(kind string) (backend, error) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := backends[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return backend{}, fmt.Errorf("storage: unknown kind %q (registered: %s)", kind, strings.Join(kindsLocked(), ", "))
	}
	return b, nil
}

// New opens a Repository for cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("storage: table must not be empty")
	}
	b, err := lookup(cfg.Kind)
	if err != nil {
		return nil, err
	}
	return b.open(ctx, cfg)
}

// CreateTableSQL renders t for the given backend kind.
func CreateTableSQL(kind string, t TableDef) (string, error) {
	b, err := lookup(kind)
	if err != nil {
		return "", err
	}
	if b.ddl == nil {
		return "", fmt.Errorf("storage: kind %q cannot create tables", kind)
	}
	return b.ddl(t)
}

// Kinds returns the registered backend names in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	return kindsLocked()
}

func kindsLocked() []string {
	out := make([]string, 0, len(backends))
	for k := range backends {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
