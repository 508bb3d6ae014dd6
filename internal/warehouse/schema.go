// Package warehouse defines the toll transaction star schema and typed access to it.
package warehouse

import (
	"fmt"

	"tollwarehouse/internal/storage"
)

const (
	TableTollPlaza     = "dim_toll_plaza"
	TableVehicle       = "dim_vehicle"
	TableDate          = "dim_date"
	TablePaymentMethod = "dim_payment_method"
	TableTransactions  = "fact_transactions"
)

func notNull() *bool { v := false; return &v }

// Tables returns the five tables of the star schema, dimensions first.
func Tables() []storage.TableSpec {
	return []storage.TableSpec{
		{
			Name:            TableTollPlaza,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "toll_plaza_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "toll_plaza_id", Type: "VARCHAR(50)", Nullable: notNull()},
				{Name: "name", Type: "VARCHAR(255)"},
				{Name: "location", Type: "VARCHAR(255)"},
				{Name: "city", Type: "VARCHAR(100)"},
				{Name: "state", Type: "VARCHAR(100)"},
				{Name: "commercial_operation_date", Type: "DATE"},
			},
			Load: storage.LoadSpec{
				Kind:        "dimension",
				BusinessKey: "toll_plaza_id",
				Dedupe:      &storage.DedupeSpec{ConflictColumns: []string{"toll_plaza_key"}, Action: "do_nothing"},
			},
		},
		{
			Name:            TableVehicle,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "vehicle_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "vehicle_id", Type: "VARCHAR(50)", Nullable: notNull()},
				{Name: "license_plate", Type: "VARCHAR(20)"},
				{Name: "vehicle_type", Type: "VARCHAR(50)"},
				{Name: "axle_count", Type: "INTEGER"},
			},
			Load: storage.LoadSpec{
				Kind:        "dimension",
				BusinessKey: "vehicle_id",
				Dedupe:      &storage.DedupeSpec{ConflictColumns: []string{"vehicle_key"}, Action: "do_nothing"},
			},
		},
		{
			Name:            TableDate,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "date_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "full_date", Type: "DATE", Nullable: notNull()},
				{Name: "day", Type: "INTEGER"},
				{Name: "month", Type: "INTEGER"},
				{Name: "year", Type: "INTEGER"},
				{Name: "quarter", Type: "INTEGER"},
				{Name: "day_of_week", Type: "INTEGER"},
			},
			Load: storage.LoadSpec{
				Kind:   "dimension",
				Dedupe: &storage.DedupeSpec{ConflictColumns: []string{"date_key"}, Action: "do_nothing"},
			},
		},
		{
			Name:            TablePaymentMethod,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "payment_method_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "method_name", Type: "VARCHAR(50)", Nullable: notNull()},
			},
			Load: storage.LoadSpec{
				Kind:        "dimension",
				BusinessKey: "method_name",
				Dedupe:      &storage.DedupeSpec{ConflictColumns: []string{"payment_method_key"}, Action: "do_nothing"},
			},
		},
		{
			Name:            TableTransactions,
			AutoCreateTable: true,
			PrimaryKey:      &storage.PrimaryKeySpec{Name: "transaction_key", Type: "INTEGER"},
			Columns: []storage.ColumnSpec{
				{Name: "toll_plaza_key", Type: "INTEGER", References: "dim_toll_plaza(toll_plaza_key)"},
				{Name: "vehicle_key", Type: "INTEGER", References: "dim_vehicle(vehicle_key)"},
				{Name: "date_key", Type: "INTEGER", References: "dim_date(date_key)"},
				{Name: "payment_method_key", Type: "INTEGER", References: "dim_payment_method(payment_method_key)"},
				{Name: "toll_fee", Type: "DECIMAL(10,2)"},
				{Name: "travel_distance_km", Type: "DECIMAL(10,2)"},
				{Name: "travel_time_seconds", Type: "INTEGER"},
				{Name: "queue_length_at_transaction", Type: "INTEGER"},
			},
			Load: storage.LoadSpec{
				Kind:   "fact",
				Dedupe: &storage.DedupeSpec{ConflictColumns: []string{"transaction_key"}, Action: "do_nothing"},
			},
		},
	}
}

// Table returns the TableSpec named name.
func Table(name string) (storage.TableSpec, error) {
	for _, t := range Tables() {
		if t.Name == name {
			return t, nil
		}
	}
	return storage.TableSpec{}, fmt.Errorf("warehouse: unknown table %q", name)
}

// Columns returns the insert column order for name: primary key, then columns.
// It panics on an unknown table; callers pass the package constants.
func Columns(name string) []string {
	t, err := Table(name)
	if err != nil {
		panic(err)
	}
	return t.ColumnNames()
}
