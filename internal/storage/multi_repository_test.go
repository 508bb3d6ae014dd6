package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func boolPtr(v bool) *bool { return &v }

func starTables() []TableSpec {
	return []TableSpec{
		{
			Name:       "fact_transactions",
			PrimaryKey: &PrimaryKeySpec{Name: "transaction_key", Type: "INTEGER"},
			Columns: []ColumnSpec{
				{Name: "toll_plaza_key", Type: "INTEGER", References: "dim_toll_plaza(toll_plaza_key)"},
				{Name: "date_key", Type: "INTEGER", References: "dim_date(date_key)"},
			},
			Load: LoadSpec{Kind: "fact"},
		},
		{
			Name:       "dim_toll_plaza",
			PrimaryKey: &PrimaryKeySpec{Name: "toll_plaza_key", Type: "INTEGER"},
			Columns:    []ColumnSpec{{Name: "toll_plaza_id", Type: "VARCHAR(50)", Nullable: boolPtr(false)}},
			Load:       LoadSpec{Kind: "dimension"},
		},
		{
			Name:       "dim_date",
			PrimaryKey: &PrimaryKeySpec{Name: "date_key", Type: "INTEGER"},
			Columns:    []ColumnSpec{{Name: "full_date", Type: "DATE", Nullable: boolPtr(false)}},
			Load:       LoadSpec{Kind: "dimension"},
		},
	}
}

func TestOrderTables_DimensionsBeforeFacts(t *testing.T) {
	t.Parallel()

	got, err := OrderTables(starTables())
	if err != nil {
		t.Fatalf("OrderTables: %v", err)
	}
	names := make([]string, 0, len(got))
	for _, tbl := range got {
		names = append(names, tbl.Name)
	}
	want := "dim_toll_plaza,dim_date,fact_transactions"
	if strings.Join(names, ",") != want {
		t.Fatalf("order = %v, want %s", names, want)
	}
}

func TestOrderTables_UnknownReference(t *testing.T) {
	t.Parallel()

	tables := starTables()[:2] // drop dim_date
	if _, err := OrderTables(tables); err == nil || !strings.Contains(err.Error(), "dim_date") {
		t.Fatalf("expected unknown reference error naming dim_date, got %v", err)
	}
}

func TestOrderTables_Cycle(t *testing.T) {
	t.Parallel()

	tables := []TableSpec{
		{Name: "a", Columns: []ColumnSpec{{Name: "b_id", Type: "INTEGER", References: "b(id)"}}},
		{Name: "b", Columns: []ColumnSpec{{Name: "a_id", Type: "INTEGER", References: "a(id)"}}},
	}
	if _, err := OrderTables(tables); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestParseReference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		table     string
		column    string
		expectErr bool
	}{
		{in: "dim_vehicle(vehicle_key)", table: "dim_vehicle", column: "vehicle_key"},
		{in: " public.dim_date ( date_key ) ", table: "public.dim_date", column: "date_key"},
		{in: "dim_vehicle", expectErr: true},
		{in: "(vehicle_key)", expectErr: true},
		{in: "dim_vehicle(a, b)", expectErr: true},
	}
	for _, tc := range tests {
		table, column, err := ParseReference(tc.in)
		if tc.expectErr {
			if err == nil {
				t.Fatalf("ParseReference(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseReference(%q): %v", tc.in, err)
		}
		if table != tc.table || column != tc.column {
			t.Fatalf("ParseReference(%q) = (%q, %q), want (%q, %q)", tc.in, table, column, tc.table, tc.column)
		}
	}
}

func TestColumnSpec_IsNullableDefaultsTrue(t *testing.T) {
	t.Parallel()

	if !(ColumnSpec{Name: "toll_fee"}).IsNullable() {
		t.Fatalf("unset Nullable should mean nullable")
	}
	if (ColumnSpec{Name: "vehicle_id", Nullable: boolPtr(false)}).IsNullable() {
		t.Fatalf("Nullable=false should mean NOT NULL")
	}
}

func TestTableSpec_ColumnNamesAndForeignKeys(t *testing.T) {
	t.Parallel()

	fact := starTables()[0]
	if got := strings.Join(fact.ColumnNames(), ","); got != "transaction_key,toll_plaza_key,date_key" {
		t.Fatalf("ColumnNames = %s", got)
	}
	fks := fact.ForeignKeys()
	if fks["toll_plaza_key"] != "dim_toll_plaza" || fks["date_key"] != "dim_date" || len(fks) != 2 {
		t.Fatalf("ForeignKeys = %#v", fks)
	}
}

func TestRegisterMulti_Panics(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		fn()
	}

	mustPanic("empty kind", func() { RegisterMulti("", nil) })
	mustPanic("nil factory", func() { RegisterMulti("test-nil", nil) })

	RegisterMulti("test-dup", func(_ context.Context, _ MultiConfig) (MultiRepository, error) {
		return nil, nil
	})
	mustPanic("duplicate", func() {
		RegisterMulti("test-dup", func(_ context.Context, _ MultiConfig) (MultiRepository, error) {
			return nil, nil
		})
	})
}

func TestNewMulti_UnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := NewMulti(context.Background(), MultiConfig{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := NewMulti(context.Background(), MultiConfig{Kind: "nope"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestCreateStatements_OrdersTablesBeforeRendering(t *testing.T) {
	var seen []string
	RegisterDDL("test-ddl", func(tables []TableSpec) ([]string, error) {
		for _, tbl := range tables {
			seen = append(seen, tbl.Name)
		}
		return seen, nil
	})

	if _, err := CreateStatements("test-ddl", starTables()); err != nil {
		t.Fatalf("CreateStatements: %v", err)
	}
	if seen[len(seen)-1] != "fact_transactions" {
		t.Fatalf("fact table must be rendered last, got %v", seen)
	}
	if _, err := CreateStatements("missing", starTables()); err == nil {
		t.Fatalf("expected error for unknown ddl kind")
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()

	got := Rebind("SELECT a FROM t WHERE x = ? AND y = '?' AND z = ?", func(n int) string {
		return fmt.Sprintf("$%d", n)
	})
	want := "SELECT a FROM t WHERE x = $1 AND y = '?' AND z = $2"
	if got != want {
		t.Fatalf("Rebind = %q, want %q", got, want)
	}
}

func TestChunks(t *testing.T) {
	t.Parallel()

	keys := []any{1, 2, 3, 4, 5}
	got := Chunks(keys, 2)
	if len(got) != 3 || len(got[2]) != 1 {
		t.Fatalf("Chunks = %v", got)
	}
	if len(Chunks(nil, 10)) != 0 {
		t.Fatalf("Chunks(nil) should be empty")
	}
}

func TestConstraintError_MatchesSentinelAndDriverError(t *testing.T) {
	t.Parallel()

	driverErr := errors.New("FOREIGN KEY constraint failed")
	err := fmt.Errorf("insert: %w", WrapConstraint("fact_transactions", ErrForeignKey, driverErr))

	if !errors.Is(err, ErrForeignKey) {
		t.Fatalf("expected errors.Is ErrForeignKey")
	}
	if errors.Is(err, ErrNotNull) {
		t.Fatalf("did not expect ErrNotNull")
	}
	if !errors.Is(err, driverErr) {
		t.Fatalf("expected driver error to stay reachable")
	}
	if !IsConstraint(err) {
		t.Fatalf("IsConstraint should be true")
	}
	if WrapConstraint("t", nil, driverErr) != driverErr {
		t.Fatalf("nil kind must return err unchanged")
	}
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{" TP-001 ", "TP-001"},
		{[]byte(" card"), "card"},
		{int64(20240101), "20240101"},
		{42, "42"},
	}
	for _, tc := range tests {
		if got := NormalizeKey(tc.in); got != tc.want {
			t.Fatalf("NormalizeKey(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestKeepSmallest_IndependentOfScanOrder(t *testing.T) {
	t.Parallel()

	for _, order := range [][]int64{{1, 2, 3}, {3, 2, 1}, {2, 3, 1}} {
		out := map[string]int64{}
		for _, id := range order {
			KeepSmallest(out, " card ", id)
		}
		KeepSmallest(out, "cash", 9)
		if out["card"] != 1 || out["cash"] != 9 || len(out) != 2 {
			t.Fatalf("order %v: got %v, want card=1 cash=9", order, out)
		}
	}
}
