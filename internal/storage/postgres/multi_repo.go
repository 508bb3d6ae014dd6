package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"tollwarehouse/internal/storage"
)

// Postgres accepts at most 65535 bind parameters per statement.
const maxParams = 65535

/*
MultiRepo implements storage.MultiRepository for Postgres.

It provides:
  - Idempotent DDL (CREATE SCHEMA / CREATE TABLE IF NOT EXISTS)
  - Bulk inserts with ON CONFLICT DO NOTHING dedupe
  - Key lookups used by the loader to resolve surrogate keys

Constraint failures are classified by SQLSTATE so callers can use errors.Is
with storage.ErrForeignKey / ErrNotNull / ErrDuplicateKey.
*/
type MultiRepo struct {
	pool *pgxpool.Pool
}

// NewMulti creates a new Postgres-backed MultiRepo.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &MultiRepo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *MultiRepo) Close() {
	r.pool.Close()
}

// EnsureTables creates (if missing) the schema and table for every spec with
// AutoCreateTable set. Tables must already be in dependency order.
//
// This method is idempotent.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// CreateStatements renders the DDL EnsureTables would execute.
func CreateStatements(tables []storage.TableSpec) ([]string, error) {
	var out []string
	for _, t := range tables {
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return nil, err
		}
		if schemaSQL != "" {
			out = append(out, schemaSQL)
		}
		out = append(out, baseSQL)
	}
	return out, nil
}

// InsertRows performs a bulk INSERT, chunked below the bind parameter limit.
//
// If dedupeColumns is non-empty, the INSERT is made idempotent using:
//
//	ON CONFLICT (<dedupeColumns...>) DO NOTHING
func (r *MultiRepo) InsertRows(
	ctx context.Context,
	table string,
	columns []string,
	rows [][]any,
	dedupeColumns []string,
) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("InsertRows: columns is empty")
	}

	perStmt := maxParams / len(columns)
	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := start + perStmt
		if end > len(rows) {
			end = len(rows)
		}

		sql, args, err := buildInsertSQL(table, columns, rows[start:end], dedupeColumns)
		if err != nil {
			return total, err
		}
		cmd, err := r.pool.Exec(ctx, sql, args...)
		if err != nil {
			return total, classify(table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// It is pure and deterministic, so ON CONFLICT behavior and placeholder
// numbering are unit tested without a database.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")

	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(c))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("insert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if len(dedupeColumns) > 0 {
		b.WriteString(" ON CONFLICT (")
		for i, c := range dedupeColumns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(c))
		}
		b.WriteString(") DO NOTHING")
	}

	b.WriteString(";")
	return b.String(), args, nil
}

// SelectAllKeyValue returns a mapping from normalized key -> surrogate id for the whole dimension table.
//
// The returned map key is storage.NormalizeKey(original_key_value) so callers can
// reliably match string/int/etc key inputs.
func (r *MultiRepo) SelectAllKeyValue(
	ctx context.Context,
	table string,
	keyColumn string,
	valueColumn string,
) (map[string]int64, error) {
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectAllKeyValue: table, keyColumn, valueColumn are required")
	}

	q := fmt.Sprintf(
		`SELECT %s, %s FROM %s`,
		pgIdent(keyColumn),
		pgIdent(valueColumn),
		table,
	)

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, fmt.Errorf("SelectAllKeyValue: scan %s: %w", table, err)
		}
		storage.KeepSmallest(out, k, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("SelectAllKeyValue: rows %s: %w", table, err)
	}
	return out, nil
}

// SelectKeyValueByKeys returns a mapping from normalized key -> surrogate id for a set of keys.
//
// This uses a parameterized IN (...) list (chunked) instead of ANY($1) arrays to avoid
// driver array-typing edge cases.
func (r *MultiRepo) SelectKeyValueByKeys(
	ctx context.Context,
	table string,
	keyColumn string,
	valueColumn string,
	keys []any,
) (map[string]int64, error) {
	if len(keys) == 0 {
		return map[string]int64{}, nil
	}
	if table == "" || keyColumn == "" || valueColumn == "" {
		return nil, fmt.Errorf("SelectKeyValueByKeys: table, keyColumn, valueColumn are required")
	}

	out := make(map[string]int64, len(keys))
	for _, part := range storage.Chunks(keys, 2000) {
		var b strings.Builder
		b.WriteString("SELECT ")
		b.WriteString(pgIdent(keyColumn))
		b.WriteString(", ")
		b.WriteString(pgIdent(valueColumn))
		b.WriteString(" FROM ")
		b.WriteString(table)
		b.WriteString(" WHERE ")
		b.WriteString(pgIdent(keyColumn))
		b.WriteString(" IN (")
		for i := range part {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", i+1))
		}
		b.WriteString(")")

		rows, err := r.pool.Query(ctx, b.String(), part...)
		if err != nil {
			return nil, fmt.Errorf("SelectKeyValueByKeys: query %s: %w", table, err)
		}

		for rows.Next() {
			var k any
			var id int64
			if err := rows.Scan(&k, &id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("SelectKeyValueByKeys: scan %s: %w", table, err)
			}
			storage.KeepSmallest(out, k, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("SelectKeyValueByKeys: rows %s: %w", table, err)
		}
		rows.Close()
	}

	return out, nil
}

// SelectMaxInt returns MAX(column), or 0 when the table is empty.
func (r *MultiRepo) SelectMaxInt(ctx context.Context, table, column string) (int64, error) {
	var v *int64
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, pgIdent(column), table)
	if err := r.pool.QueryRow(ctx, q).Scan(&v); err != nil {
		return 0, fmt.Errorf("SelectMaxInt: %s.%s: %w", table, column, err)
	}
	if v == nil {
		return 0, nil
	}
	return *v, nil
}

// Query rebinds '?' placeholders to $n and calls scan for every row.
func (r *MultiRepo) Query(ctx context.Context, query string, args []any, scan func(storage.RowScanner) error) error {
	rows, err := r.pool.Query(ctx, rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func rebind(query string) string {
	return storage.Rebind(query, func(n int) string { return fmt.Sprintf("$%d", n) })
}

// pgIdent quotes an identifier using Postgres rules.
func pgIdent(name string) string {
	return pq.QuoteIdentifier(strings.TrimSpace(name))
}

// SQLSTATE codes for the constraint classes the loader distinguishes.
const (
	codeNotNull    = "23502"
	codeForeignKey = "23503"
	codeUnique     = "23505"
)

// classify maps SQLSTATE codes onto storage constraint kinds. Both the pgx
// error type and lib/pq's are recognised so wrapped driver errors classify
// the same way.
func classify(table string, err error) error {
	var code string

	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case errors.As(err, &pgErr):
		code = pgErr.Code
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	default:
		return err
	}

	switch code {
	case codeForeignKey:
		return storage.WrapConstraint(table, storage.ErrForeignKey, err)
	case codeNotNull:
		return storage.WrapConstraint(table, storage.ErrNotNull, err)
	case codeUnique:
		return storage.WrapConstraint(table, storage.ErrDuplicateKey, err)
	}
	return err
}

// buildColumnDefs returns the list of "<col> <type> ..." definitions.
//
// Primary key handling:
//   - If PrimaryKeySpec is provided, we create it as the first column.
//   - The primary key column is not expected to be present in t.Columns.
func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return nil, fmt.Errorf("buildColumnDefs: table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pkType))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("buildColumnDefs: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("buildColumnDefs: table %s: no columns", t.Name)
	}
	return cols, nil
}

// buildColumnDef renders a single column definition. Columns are nullable
// unless Nullable is explicitly false.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}

	// Foreign key references are expressed inline in the column definition.
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}

	return b.String(), nil
}

// buildConstraints generates table-level constraints. Only UNIQUE is supported.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	if len(t.Constraints) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		kind := strings.ToLower(strings.TrimSpace(c.Kind))
		switch kind {
		case "unique":
			if len(c.Columns) == 0 {
				return nil, fmt.Errorf("table %s: unique constraint requires columns", t.Name)
			}
			var b strings.Builder
			b.WriteString("UNIQUE (")
			for i, col := range c.Columns {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(col))
			}
			b.WriteString(")")
			out = append(out, b.String())
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "warehouse.dim_date" => ("warehouse", "dim_date")
//   - "dim_date"           => ("", "dim_date")
//
// Only a single dot is handled; anything else is treated as unqualified.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// buildCreateSQL builds DDL for one table plus an optional CREATE SCHEMA when
// the name is schema-qualified.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols, err := buildColumnDefs(t)
	if err != nil {
		return "", "", err
	}

	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	cols = append(cols, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(cols, ", "))
	return schemaSQL, baseSQL, nil
}
