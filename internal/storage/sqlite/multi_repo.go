package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"tollwarehouse/internal/storage"
)

// SQLite caps bound parameters per statement (SQLITE_MAX_VARIABLE_NUMBER).
const maxParams = 32766

// MultiRepo implements storage.MultiRepository for SQLite.
//
// Key design points vs Postgres:
//   - Foreign keys are only enforced with PRAGMA foreign_keys=ON, which is a
//     per-connection setting. NewMulti adds it to the DSN and pins the pool to
//     a single connection so every statement runs with enforcement on.
//   - DECIMAL(10,2) columns get NUMERIC affinity; values round-trip as REAL.
type MultiRepo struct {
	db *sql.DB
}

func init() {
	storage.RegisterMulti("sqlite", NewMulti)
	storage.RegisterDDL("sqlite", CreateStatements)
}

func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	db, err := sql.Open("sqlite", withForeignKeys(cfg.DSN))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db}, nil
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

// withForeignKeys appends the modernc _pragma parameter enabling foreign key
// enforcement unless the DSN already configures foreign_keys.
func withForeignKeys(dsn string) string {
	if strings.Contains(strings.ToLower(dsn), "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// EnsureTables runs CREATE TABLE IF NOT EXISTS for every table with
// AutoCreateTable set, in the order given.
func (r *MultiRepo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		q, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

// CreateStatements renders the DDL EnsureTables would execute.
func CreateStatements(tables []storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		q, err := buildCreateTableSQL(t)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// InsertRows performs multi-row inserts, chunked below the parameter limit.
//
// If dedupeColumns is non-empty, uses ON CONFLICT (...) DO NOTHING. Unlike
// INSERT OR IGNORE this only swallows uniqueness conflicts on those columns;
// NOT NULL and foreign key failures still surface.
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

		q, args, err := buildInsertSQL(table, columns, rows[start:end], dedupeColumns)
		if err != nil {
			return total, err
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

func (r *MultiRepo) SelectAllKeyValue(ctx context.Context, table, keyColumn, valueColumn string) (map[string]int64, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, sqlIdent(keyColumn), sqlIdent(valueColumn), table)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanKeyValues(rows, table, valueColumn, map[string]int64{})
}

func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := map[string]int64{}
	for _, part := range storage.Chunks(keys, 500) {
		ph := strings.TrimRight(strings.Repeat("?,", len(part)), ",")
		q := fmt.Sprintf(
			`SELECT %s, %s FROM %s WHERE %s IN (%s)`,
			sqlIdent(keyColumn), sqlIdent(valueColumn), table, sqlIdent(keyColumn), ph,
		)

		rows, err := r.db.QueryContext(ctx, q, part...)
		if err != nil {
			return nil, err
		}
		_, err = scanKeyValues(rows, table, valueColumn, out)
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func scanKeyValues(rows *sql.Rows, table, valueColumn string, out map[string]int64) (map[string]int64, error) {
	for rows.Next() {
		var k any
		var id sql.NullInt64
		if err := rows.Scan(&k, &id); err != nil {
			return nil, err
		}
		if !id.Valid {
			return nil, fmt.Errorf("sqlite: %s.%s is NULL", table, valueColumn)
		}
		storage.KeepSmallest(out, k, id.Int64)
	}
	return out, rows.Err()
}

func (r *MultiRepo) SelectMaxInt(ctx context.Context, table, column string) (int64, error) {
	var v sql.NullInt64
	q := fmt.Sprintf(`SELECT MAX(%s) FROM %s`, sqlIdent(column), table)
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqlite: max %s.%s: %w", table, column, err)
	}
	return v.Int64, nil
}

func (r *MultiRepo) Query(ctx context.Context, query string, args []any, scan func(storage.RowScanner) error) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
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

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))

		// "INTEGER PRIMARY KEY" is special in sqlite: it aliases the rowid.
		switch pkType {
		case "serial", "bigserial", "int identity", "integer identity", "identity":
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), t.PrimaryKey.Type))
		}
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("%s: column name/type must be set", t.Name)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), c.Type)
		if !c.IsNullable() {
			col += " NOT NULL"
		}
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  ")), nil
}

// buildInsertSQL builds a multi-row INSERT with optional ON CONFLICT DO NOTHING.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any, error) {
	colList := make([]string, 0, len(columns))
	for _, c := range columns {
		colList = append(colList, sqlIdent(c))
	}
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	b.WriteString(" (")
	b.WriteString(strings.Join(colList, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("insert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}

	if len(dedupeColumns) > 0 {
		dd := make([]string, 0, len(dedupeColumns))
		for _, c := range dedupeColumns {
			dd = append(dd, sqlIdent(c))
		}
		b.WriteString(" ON CONFLICT (")
		b.WriteString(strings.Join(dd, ", "))
		b.WriteString(") DO NOTHING")
	}

	return b.String(), args, nil
}

// classify maps SQLite extended result codes onto storage constraint kinds.
// The message fallback covers drivers built without extended codes.
func classify(table string, err error) error {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return storage.WrapConstraint(table, storage.ErrForeignKey, err)
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return storage.WrapConstraint(table, storage.ErrNotNull, err)
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return storage.WrapConstraint(table, storage.ErrDuplicateKey, err)
		}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return storage.WrapConstraint(table, storage.ErrForeignKey, err)
	case strings.Contains(msg, "NOT NULL constraint failed"):
		return storage.WrapConstraint(table, storage.ErrNotNull, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return storage.WrapConstraint(table, storage.ErrDuplicateKey, err)
	}
	return err
}
