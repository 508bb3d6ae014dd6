package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MultiConfig is the minimal configuration needed to create a multi-table repository.
//
// When to use:
//   - Use MultiConfig when constructing a MultiRepository via NewMulti.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - NewMulti returns an error if Kind is empty or unsupported.
type MultiConfig struct {
	Kind string
	DSN  string
}

// RowScanner is satisfied by both *sql.Rows and pgx.Rows.
type RowScanner interface {
	Scan(dest ...any) error
}

// MultiRepository is a backend-agnostic interface for the warehouse tables.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the warehouse and the loader need. Each backend implements these
// semantics in its own idiomatic way (Postgres ON CONFLICT, SQL Server NOT
// EXISTS, MySQL ON DUPLICATE KEY, etc).
type MultiRepository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	//
	// Callers should treat Close as "call once".
	Close()

	// EnsureTables creates tables and constraints if they do not exist yet.
	// Re-running it against an initialized database is a no-op.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// InsertRows inserts rows aligned with columns. When dedupeColumns is
	// non-empty, rows conflicting on those columns are skipped instead of
	// failing the statement. Constraint failures are returned as *ConstraintError.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error)

	// Key lookups: normalized key -> integer value (usually a surrogate key).
	SelectKeyValueByKeys(ctx context.Context, table string, keyColumn string, valueColumn string, keys []any) (map[string]int64, error)
	SelectAllKeyValue(ctx context.Context, table string, keyColumn string, valueColumn string) (map[string]int64, error)

	// SelectMaxInt returns MAX(column) or 0 for an empty table.
	SelectMaxInt(ctx context.Context, table string, column string) (int64, error)

	// Query runs a read query written with '?' placeholders; backends rebind
	// them to their native style. scan is called once per result row.
	Query(ctx context.Context, query string, args []any, scan func(RowScanner) error) error
}

// ---- multi factories ----

type multiFactory func(ctx context.Context, cfg MultiConfig) (MultiRepository, error)

// DDLFunc renders the idempotent create statements for tables, in order.
type DDLFunc func(tables []TableSpec) ([]string, error)

var (
	multiMu        sync.RWMutex
	multiFactories = map[string]multiFactory{}
	ddlFactories   = map[string]DDLFunc{}
)

// RegisterMulti registers a multi-table backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call RegisterMulti from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by NewMulti.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterMulti(kind string, f multiFactory) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterMulti called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterMulti called with nil factory")
	}
	if _, exists := multiFactories[kind]; exists {
		panic(fmt.Sprintf("storage: multi factory already registered for kind=%q", kind))
	}

	multiFactories[kind] = f
}

// RegisterDDL registers the DDL renderer for a backend kind. Same panics as RegisterMulti.
func RegisterDDL(kind string, f DDLFunc) {
	multiMu.Lock()
	defer multiMu.Unlock()

	if kind == "" {
		panic("storage: RegisterDDL called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterDDL called with nil func")
	}
	if _, exists := ddlFactories[kind]; exists {
		panic(fmt.Sprintf("storage: ddl already registered for kind=%q", kind))
	}
	ddlFactories[kind] = f
}

// NewMulti constructs a MultiRepository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with RegisterMulti. NewMulti takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func NewMulti(ctx context.Context, cfg MultiConfig) (MultiRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing multi.Kind")
	}

	multiMu.RLock()
	f := multiFactories[cfg.Kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported multi storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// CreateStatements renders DDL for tables using the backend registered under
// kind, without opening a connection. Tables are emitted in dependency order.
func CreateStatements(kind string, tables []TableSpec) ([]string, error) {
	multiMu.RLock()
	f := ddlFactories[kind]
	multiMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported ddl storage.kind=%s", kind)
	}
	ordered, err := OrderTables(tables)
	if err != nil {
		return nil, err
	}
	return f(ordered)
}

// Kinds returns the registered backend kinds, sorted.
func Kinds() []string {
	multiMu.RLock()
	defer multiMu.RUnlock()

	out := make([]string, 0, len(multiFactories))
	for k := range multiFactories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
