package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"

	"tollwarehouse/internal/storage"
)

// SQL Server rejects statements with more than 2100 parameters.
const maxParams = 2000

// MultiRepo implements storage.MultiRepository for Microsoft SQL Server.
//
// This implementation supports:
//   - Idempotent DDL guarded by OBJECT_ID checks.
//   - Plain bulk inserts.
//   - Optional "dedupe insert" using NOT EXISTS (for idempotent reprocessing).
//     SQL Server does not collapse duplicates inside a VALUES source, so the
//     batch is first reduced to one row per dedupe key (first occurrence wins).
//
// Constraint failures are classified by server error number (547, 515, 2627, 2601).
type MultiRepo struct {
	db dbConn
}

func init() {
	storage.RegisterMulti("mssql", NewMulti)
	storage.RegisterDDL("mssql", CreateStatements)
}

// NewMulti constructs a MultiRepo using database/sql and the "sqlserver" driver
// registered by github.com/microsoft/go-mssqldb.
//
// This method validates connectivity via PingContext.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for ETL-style bursty loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &MultiRepo{db: raw}, nil
}

// Close releases database resources held by this repository.
func (r *MultiRepo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates each table with AutoCreateTable set unless it already exists.
//
// This method is idempotent and safe to run on every invocation.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}

		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// CreateStatements renders the DDL EnsureTables would execute.
func CreateStatements(tables []storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// InsertRows inserts rows using either a plain bulk insert or, when
// dedupeColumns is non-empty, an "insert where not exists" statement.
//
// Statements are chunked to stay under SQL Server's parameter limit.
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
		return 0, fmt.Errorf("mssql: InsertRows: columns is empty")
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("mssql: insert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
	}

	if len(dedupeColumns) > 0 {
		deduped, err := dedupeRowsByColumns(rows, columns, dedupeColumns)
		if err != nil {
			return 0, err
		}
		rows = deduped
	}

	maxRows := maxParams / len(columns)
	if maxRows < 1 {
		maxRows = 1
	}

	var total int64
	for start := 0; start < len(rows); start += maxRows {
		end := start + maxRows
		if end > len(rows) {
			end = len(rows)
		}
		part := rows[start:end]

		var q string
		var args []any
		if len(dedupeColumns) > 0 {
			q, args = buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		} else {
			q, args = buildBulkInsertSQL(table, columns, part)
		}

		res, err := r.db.ExecContext(ctx, q, args...)
		if err != nil {
			return total, classify(table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	return total, nil
}

// SelectAllKeyValue returns normalized key -> value for every row of table.
func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	q := fmt.Sprintf("SELECT %s, %s FROM %s", mssqlIdent(keyColumn), mssqlIdent(valueColumn), mssqlTableIdent(table))

	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	if err := scanKeyValues(rows, out); err != nil {
		return nil, fmt.Errorf("mssql: SelectAllKeyValue %s: %w", table, err)
	}
	return out, nil
}

// SelectKeyValueByKeys returns normalized key -> value for the given keys.
func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	for _, part := range storage.Chunks(keys, maxParams) {
		q, args := buildSelectKeyValueByKeysSQL(table, keyColumn, valueColumn, part)

		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("mssql: SelectKeyValueByKeys %s: %w", table, err)
		}
		err = scanKeyValues(rows, out)
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("mssql: SelectKeyValueByKeys %s: %w", table, err)
		}
	}
	return out, nil
}

func scanKeyValues(rows *sql.Rows, out map[string]int64) error {
	for rows.Next() {
		var k any
		var id int64
		if err := rows.Scan(&k, &id); err != nil {
			return err
		}
		storage.KeepSmallest(out, k, id)
	}
	return rows.Err()
}

// SelectMaxInt returns MAX(column), or 0 when the table is empty.
func (r *MultiRepo) SelectMaxInt(ctx context.Context, table, column string) (int64, error) {
	var v sql.NullInt64
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", mssqlIdent(column), mssqlTableIdent(table))
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, fmt.Errorf("mssql: max %s.%s: %w", table, column, err)
	}
	return v.Int64, nil
}

// Query rebinds '?' placeholders to @pN and calls scan for every row.
func (r *MultiRepo) Query(ctx context.Context, query string, args []any, scan func(storage.RowScanner) error) error {
	rows, err := r.db.QueryContext(ctx, rebind(query), args...)
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
	return storage.Rebind(query, func(n int) string { return fmt.Sprintf("@p%d", n) })
}

// classify maps SQL Server error numbers onto storage constraint kinds.
//
//	547  FK (and CHECK) conflict
//	515  cannot insert NULL
//	2627 PK/unique constraint violation
//	2601 unique index violation
func classify(table string, err error) error {
	var msErr mssql.Error
	if !errors.As(err, &msErr) {
		return err
	}
	switch msErr.Number {
	case 547:
		return storage.WrapConstraint(table, storage.ErrForeignKey, err)
	case 515:
		return storage.WrapConstraint(table, storage.ErrNotNull, err)
	case 2627, 2601:
		return storage.WrapConstraint(table, storage.ErrDuplicateKey, err)
	}
	return err
}

// dedupeRowsByColumns keeps the first row for every distinct dedupe key and
// preserves input order.
func dedupeRowsByColumns(rows [][]any, columns []string, dedupeColumns []string) ([][]any, error) {
	idx, err := indicesFor(dedupeColumns, indexColumns(columns))
	if err != nil {
		return nil, fmt.Errorf("mssql: dedupe: %w", err)
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	var b strings.Builder
	for _, row := range rows {
		b.Reset()
		for _, i := range idx {
			b.WriteString(storage.NormalizeKey(row[i]))
			b.WriteByte(0)
		}
		k := b.String()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

// buildCreateSQL returns an OBJECT_ID-guarded CREATE TABLE statement.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	defs, err := buildCreateTableDefs(t)
	if err != nil {
		return "", err
	}
	return wrapCreateIfMissing(t.Name, defs), nil
}

// buildCreateTableDefs produces the "(...)" inner content for CREATE TABLE.
func buildCreateTableDefs(t storage.TableSpec) (string, error) {
	var parts []string

	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s unique constraint has no columns", t.Name)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, mssqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: %s has no columns", t.Name)
	}
	return strings.Join(parts, ", "), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlPrimaryKeyDef returns a column definition for the primary key.
//
// Supported types (case-insensitive):
//   - "serial", "identity" variants -> INT IDENTITY(1,1) PRIMARY KEY
//   - "bigserial" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - otherwise uses pk.Type verbatim with PRIMARY KEY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	typ := strings.ToLower(strings.TrimSpace(pk.Type))
	switch typ {
	case "serial", "int identity", "integer identity", "identity":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), pk.Type), nil
	}
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// It respects nullability and attaches a REFERENCES clause if provided.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(c.Type)

	if c.IsNullable() {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		table, column, err := storage.ParseReference(ref)
		if err != nil {
			return "", fmt.Errorf("mssql: column %s: %w", c.Name, err)
		}
		b.WriteString(" REFERENCES ")
		b.WriteString(mssqlTableIdent(table))
		b.WriteString("(")
		b.WriteString(mssqlIdent(column))
		b.WriteString(")")
	}

	return b.String(), nil
}

// buildSelectKeyValueByKeysSQL returns the SELECT ... IN (...) query and args.
func buildSelectKeyValueByKeysSQL(table, keyColumn, valueColumn string, keys []any) (string, []any) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(", ")
	b.WriteString(mssqlIdent(valueColumn))
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WHERE ")
	b.WriteString(mssqlIdent(keyColumn))
	b.WriteString(" IN (")

	args := make([]any, 0, len(keys))
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("@p%d", i+1))
		args = append(args, k)
	}
	b.WriteString(")")

	return b.String(), args
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeColumnList(&b, "", columns)
	b.WriteString(") VALUES ")

	args := writeValues(&b, columns, rows)
	return b.String(), args
}

// buildInsertNotExistsSQL constructs a single INSERT...SELECT...WHERE NOT EXISTS for a chunk of rows.
//
// It materializes incoming rows as a derived table V via VALUES, then inserts only those
// rows that do not match existing rows per dedupeColumns.
//
// The returned SQL is deterministic for a given input.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	writeColumnList(&b, "", columns)
	b.WriteString(") SELECT ")
	writeColumnList(&b, "v.", columns)
	b.WriteString(" FROM (VALUES ")

	args := writeValues(&b, columns, rows)

	b.WriteString(") AS v(")
	writeColumnList(&b, "", columns)
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")

	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args
}

func writeColumnList(b *strings.Builder, prefix string, columns []string) {
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(prefix)
		b.WriteString(mssqlIdent(c))
	}
}

func writeValues(b *strings.Builder, columns []string, rows [][]any) []any {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args
}

// indexColumns returns a mapping of column name -> index.
func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

// indicesFor returns the indices for required columns based on colIdx.
//
// This helper returns a friendly error if a required column is missing.
func indicesFor(required []string, colIdx map[string]int) ([]int, error) {
	out := make([]int, len(required))
	for i, c := range required {
		idx, ok := colIdx[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found in columns", c)
		}
		out[i] = idx
	}
	return out, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(strings.TrimSpace(name), "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.dim_date" -> [dbo].[dim_date]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(parts[i])
	}
	return strings.Join(parts, ".")
}

// ---- database/sql seam ----

// dbConn is the subset of *sql.DB used by this package; tests substitute a fake.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

var _ dbConn = (*sql.DB)(nil)
