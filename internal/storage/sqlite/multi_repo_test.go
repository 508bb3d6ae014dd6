package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"tollwarehouse/internal/storage"
)

func notNull() *bool { v := false; return &v }

func testTables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name:            "dim_vehicle",
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "vehicle_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "vehicle_id", Type: "VARCHAR(50)", Nullable: notNull()},
				{Name: "vehicle_type", Type: "VARCHAR(50)"},
			},
		},
		{
			Name:            "fact_transactions",
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "transaction_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "vehicle_key", Type: "INTEGER", References: "dim_vehicle(vehicle_key)"},
				{Name: "toll_fee", Type: "DECIMAL(10,2)"},
			},
		},
	}
}

func openTestRepo(t *testing.T) *MultiRepo {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db")
	repo, err := NewMulti(context.Background(), storage.MultiConfig{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	t.Cleanup(repo.Close)

	if err := repo.EnsureTables(context.Background(), testTables()); err != nil {
		t.Fatalf("EnsureTables: %v", err)
	}
	return repo.(*MultiRepo)
}

func TestWithForeignKeys(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"wh.db", "wh.db?_pragma=foreign_keys(1)"},
		{"file:wh.db?cache=shared", "file:wh.db?cache=shared&_pragma=foreign_keys(1)"},
		{"wh.db?_pragma=foreign_keys(0)", "wh.db?_pragma=foreign_keys(0)"},
	}
	for _, tc := range tests {
		if got := withForeignKeys(tc.in); got != tc.want {
			t.Fatalf("withForeignKeys(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildCreateTableSQL(t *testing.T) {
	t.Parallel()

	q, err := buildCreateTableSQL(testTables()[1])
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	for _, want := range []string{
		"CREATE TABLE IF NOT EXISTS fact_transactions",
		`"transaction_key" INTEGER PRIMARY KEY`,
		`"vehicle_key" INTEGER REFERENCES dim_vehicle(vehicle_key)`,
		`"toll_fee" DECIMAL(10,2)`,
	} {
		if !strings.Contains(q, want) {
			t.Fatalf("missing %q in:\n%s", want, q)
		}
	}
	if strings.Contains(q, `"toll_fee" DECIMAL(10,2) NOT NULL`) {
		t.Fatalf("measures must be nullable:\n%s", q)
	}

	q, err = buildCreateTableSQL(testTables()[0])
	if err != nil {
		t.Fatalf("buildCreateTableSQL: %v", err)
	}
	if !strings.Contains(q, `"vehicle_id" VARCHAR(50) NOT NULL`) {
		t.Fatalf("expected NOT NULL business key:\n%s", q)
	}
}

func TestBuildCreateTableSQL_RejectsUnknownConstraint(t *testing.T) {
	t.Parallel()

	tbl := testTables()[0]
	tbl.Constraints = []storage.ConstraintSpec{{Kind: "check", Columns: []string{"vehicle_id"}}}
	if _, err := buildCreateTableSQL(tbl); err == nil {
		t.Fatalf("expected error for unsupported constraint")
	}
}

func TestBuildInsertSQL(t *testing.T) {
	t.Parallel()

	q, args, err := buildInsertSQL("dim_vehicle", []string{"vehicle_key", "vehicle_id"},
		[][]any{{1, "V1"}, {2, "V2"}}, []string{"vehicle_key"})
	if err != nil {
		t.Fatalf("buildInsertSQL: %v", err)
	}
	want := `INSERT INTO dim_vehicle ("vehicle_key", "vehicle_id") VALUES (?,?), (?,?) ON CONFLICT ("vehicle_key") DO NOTHING`
	if q != want {
		t.Fatalf("sql:\n got %s\nwant %s", q, want)
	}
	if len(args) != 4 {
		t.Fatalf("args = %v", args)
	}

	if _, _, err := buildInsertSQL("t", []string{"a", "b"}, [][]any{{1}}, nil); err == nil {
		t.Fatalf("expected error for short row")
	}
}

func TestEnsureTables_Idempotent(t *testing.T) {
	t.Parallel()

	repo := openTestRepo(t)
	if err := repo.EnsureTables(context.Background(), testTables()); err != nil {
		t.Fatalf("second EnsureTables: %v", err)
	}
}

func TestInsertRows_DedupeAndLookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTestRepo(t)

	cols := []string{"vehicle_key", "vehicle_id", "vehicle_type"}
	n, err := repo.InsertRows(ctx, "dim_vehicle", cols, [][]any{{1, "V1", "Car"}, {2, "V2", "Bus"}}, []string{"vehicle_key"})
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	if n != 2 {
		t.Fatalf("inserted = %d, want 2", n)
	}

	n, err = repo.InsertRows(ctx, "dim_vehicle", cols, [][]any{{1, "V1", "Car"}}, []string{"vehicle_key"})
	if err != nil {
		t.Fatalf("re-insert: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-insert inserted = %d, want 0", n)
	}

	all, err := repo.SelectAllKeyValue(ctx, "dim_vehicle", "vehicle_id", "vehicle_key")
	if err != nil {
		t.Fatalf("SelectAllKeyValue: %v", err)
	}
	if all["V1"] != 1 || all["V2"] != 2 {
		t.Fatalf("SelectAllKeyValue = %v", all)
	}

	some, err := repo.SelectKeyValueByKeys(ctx, "dim_vehicle", "vehicle_id", "vehicle_key", []any{"V2", "V9"})
	if err != nil {
		t.Fatalf("SelectKeyValueByKeys: %v", err)
	}
	if len(some) != 1 || some["V2"] != 2 {
		t.Fatalf("SelectKeyValueByKeys = %v", some)
	}

	maxKey, err := repo.SelectMaxInt(ctx, "dim_vehicle", "vehicle_key")
	if err != nil {
		t.Fatalf("SelectMaxInt: %v", err)
	}
	if maxKey != 2 {
		t.Fatalf("max = %d, want 2", maxKey)
	}

	maxKey, err = repo.SelectMaxInt(ctx, "fact_transactions", "transaction_key")
	if err != nil {
		t.Fatalf("SelectMaxInt empty: %v", err)
	}
	if maxKey != 0 {
		t.Fatalf("max on empty table = %d, want 0", maxKey)
	}
}

func TestInsertRows_ClassifiesConstraintFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTestRepo(t)

	_, err := repo.InsertRows(ctx, "fact_transactions", []string{"transaction_key", "vehicle_key", "toll_fee"},
		[][]any{{1, 99, "5.00"}}, nil)
	if !errors.Is(err, storage.ErrForeignKey) {
		t.Fatalf("expected ErrForeignKey, got %v", err)
	}

	// dedupe on the key must not hide a NOT NULL failure
	_, err = repo.InsertRows(ctx, "dim_vehicle", []string{"vehicle_key", "vehicle_id"},
		[][]any{{1, nil}}, []string{"vehicle_key"})
	if !errors.Is(err, storage.ErrNotNull) {
		t.Fatalf("expected ErrNotNull, got %v", err)
	}

	_, err = repo.InsertRows(ctx, "dim_vehicle", []string{"vehicle_key", "vehicle_id"}, [][]any{{1, "V1"}}, nil)
	if err != nil {
		t.Fatalf("InsertRows: %v", err)
	}
	_, err = repo.InsertRows(ctx, "dim_vehicle", []string{"vehicle_key", "vehicle_id"}, [][]any{{1, "V1"}}, nil)
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestQuery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo := openTestRepo(t)

	if _, err := repo.InsertRows(ctx, "dim_vehicle", []string{"vehicle_key", "vehicle_id", "vehicle_type"},
		[][]any{{7, "V7", "Truck"}}, nil); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}

	var got []string
	err := repo.Query(ctx, "SELECT vehicle_type FROM dim_vehicle WHERE vehicle_key = ?", []any{7},
		func(row storage.RowScanner) error {
			var s string
			if err := row.Scan(&s); err != nil {
				return err
			}
			got = append(got, s)
			return nil
		})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0] != "Truck" {
		t.Fatalf("Query rows = %v", got)
	}
}
