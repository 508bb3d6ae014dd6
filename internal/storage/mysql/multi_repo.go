package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"tollwarehouse/internal/storage"
)

const maxParams = 65535

// MultiRepo implements storage.MultiRepository for MySQL / MariaDB (InnoDB).
//
// InnoDB silently ignores inline column REFERENCES, so foreign keys are
// emitted as table-level FOREIGN KEY clauses. Dedupe uses
// ON DUPLICATE KEY UPDATE k = k rather than INSERT IGNORE, which would also
// downgrade NOT NULL and FK failures to warnings.
type MultiRepo struct {
	db *sql.DB
}

func init() {
	storage.RegisterMulti("mysql", NewMulti)
	storage.RegisterDDL("mysql", CreateStatements)
}

// NewMulti opens a pool for cfg.DSN. parseTime is forced on so DATE columns
// scan as time.Time.
func NewMulti(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error) {
	dsn, err := normalizeDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	conn, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MultiRepo{db: db}, nil
}

func normalizeDSN(dsn string) (*mysql.Config, error) {
	c, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: parse dsn: %w", err)
	}
	c.ParseTime = true
	return c, nil
}

func (r *MultiRepo) Close() { _ = r.db.Close() }

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
			return fmt.Errorf("mysql: create table %s: %w", t.Name, err)
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
		return 0, fmt.Errorf("mysql: InsertRows: columns is empty")
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
	q := fmt.Sprintf("SELECT %s, %s FROM %s", myIdent(keyColumn), myIdent(valueColumn), myTableIdent(table))
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mysql: SelectAllKeyValue %s: %w", table, err)
	}
	defer rows.Close()

	out := map[string]int64{}
	if err := scanKeyValues(rows, out); err != nil {
		return nil, fmt.Errorf("mysql: SelectAllKeyValue %s: %w", table, err)
	}
	return out, nil
}

func (r *MultiRepo) SelectKeyValueByKeys(ctx context.Context, table, keyColumn, valueColumn string, keys []any) (map[string]int64, error) {
	out := make(map[string]int64, len(keys))
	for _, part := range storage.Chunks(keys, 2000) {
		ph := strings.TrimSuffix(strings.Repeat("?, ", len(part)), ", ")
		q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s)",
			myIdent(keyColumn), myIdent(valueColumn), myTableIdent(table), myIdent(keyColumn), ph)

		rows, err := r.db.QueryContext(ctx, q, part...)
		if err != nil {
			return nil, fmt.Errorf("mysql: SelectKeyValueByKeys %s: %w", table, err)
		}
		err = scanKeyValues(rows, out)
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("mysql: SelectKeyValueByKeys %s: %w", table, err)
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

func (r *MultiRepo) SelectMaxInt(ctx context.Context, table, column string) (int64, error) {
	var v sql.NullInt64
	q := fmt.Sprintf("SELECT MAX(%s) FROM %s", myIdent(column), myTableIdent(table))
	if err := r.db.QueryRowContext(ctx, q).Scan(&v); err != nil {
		return 0, fmt.Errorf("mysql: max %s.%s: %w", table, column, err)
	}
	return v.Int64, nil
}

// Query runs query as-is; MySQL uses '?' placeholders natively.
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

// classify maps MySQL server error numbers onto storage constraint kinds.
func classify(table string, err error) error {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return err
	}
	switch myErr.Number {
	case 1452, 1216: // ER_NO_REFERENCED_ROW_2, ER_NO_REFERENCED_ROW
		return storage.WrapConstraint(table, storage.ErrForeignKey, err)
	case 1048, 1364: // ER_BAD_NULL_ERROR, ER_NO_DEFAULT_FOR_FIELD
		return storage.WrapConstraint(table, storage.ErrNotNull, err)
	case 1062: // ER_DUP_ENTRY
		return storage.WrapConstraint(table, storage.ErrDuplicateKey, err)
	}
	return err
}

func myIdent(name string) string {
	return "`" + strings.ReplaceAll(strings.TrimSpace(name), "`", "``") + "`"
}

// myTableIdent quotes each part of a database-qualified name.
func myTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = myIdent(parts[i])
	}
	return strings.Join(parts, ".")
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mysql: table name is empty")
	}

	var parts []string
	var foreign []string

	if t.PrimaryKey != nil {
		if strings.TrimSpace(t.PrimaryKey.Name) == "" || strings.TrimSpace(t.PrimaryKey.Type) == "" {
			return "", fmt.Errorf("mysql: %s: primary key name/type must be set", t.Name)
		}
		typ := t.PrimaryKey.Type
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "serial", "identity":
			typ = "INTEGER AUTO_INCREMENT"
		case "bigserial":
			typ = "BIGINT AUTO_INCREMENT"
		}
		parts = append(parts, fmt.Sprintf("%s %s PRIMARY KEY", myIdent(t.PrimaryKey.Name), typ))
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("mysql: %s: column name/type must be set", t.Name)
		}
		def := myIdent(c.Name) + " " + c.Type
		if c.IsNullable() {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		parts = append(parts, def)

		if ref := strings.TrimSpace(c.References); ref != "" {
			refTable, refCol, err := storage.ParseReference(ref)
			if err != nil {
				return "", fmt.Errorf("mysql: %s.%s: %w", t.Name, c.Name, err)
			}
			foreign = append(foreign, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(%s)",
				myIdent(c.Name), myTableIdent(refTable), myIdent(refCol)))
		}
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("mysql: %s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("mysql: %s unique constraint has no columns", t.Name)
		}
		cols := make([]string, 0, len(con.Columns))
		for _, c := range con.Columns {
			cols = append(cols, myIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mysql: %s has no columns", t.Name)
	}
	parts = append(parts, foreign...)

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE=InnoDB;", myTableIdent(t.Name), strings.Join(parts, ", ")), nil
}

// buildInsertSQL builds a multi-row INSERT. With dedupeColumns the statement
// becomes a no-op update on duplicate keys.
func buildInsertSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(myTableIdent(table))
	b.WriteString(" (")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(myIdent(c))
	}
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mysql: insert %s: row %d has %d values, want %d", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		args = append(args, row...)
	}

	if len(dedupeColumns) > 0 {
		k := myIdent(dedupeColumns[0])
		b.WriteString(" ON DUPLICATE KEY UPDATE ")
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(k)
	}

	return b.String(), args, nil
}
