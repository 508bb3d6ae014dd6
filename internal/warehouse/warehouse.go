package warehouse

import (
	"context"
	"errors"
	"fmt"

	"tollwarehouse/internal/storage"
)

// ErrNotFound is returned when a looked-up fact row does not exist.
var ErrNotFound = errors.New("warehouse: not found")

// Warehouse is typed access to the star schema on top of a storage backend.
type Warehouse struct {
	repo storage.MultiRepository
}

func New(repo storage.MultiRepository) *Warehouse {
	return &Warehouse{repo: repo}
}

// Repo exposes the underlying repository for bulk loaders.
func (w *Warehouse) Repo() storage.MultiRepository { return w.repo }

// Init creates the schema. Running it against an initialized database is a no-op.
func (w *Warehouse) Init(ctx context.Context) error {
	ordered, err := storage.OrderTables(Tables())
	if err != nil {
		return err
	}
	if err := w.repo.EnsureTables(ctx, ordered); err != nil {
		return fmt.Errorf("warehouse init: %w", err)
	}
	return nil
}

func (w *Warehouse) InsertTollPlaza(ctx context.Context, p TollPlaza) error {
	return w.insert(ctx, TableTollPlaza, p.Row())
}

func (w *Warehouse) InsertVehicle(ctx context.Context, v Vehicle) error {
	return w.insert(ctx, TableVehicle, v.Row())
}

func (w *Warehouse) InsertDate(ctx context.Context, d Date) error {
	return w.insert(ctx, TableDate, d.Row())
}

func (w *Warehouse) InsertPaymentMethod(ctx context.Context, m PaymentMethod) error {
	return w.insert(ctx, TablePaymentMethod, m.Row())
}

// InsertTransaction inserts one fact row. A foreign key that does not resolve
// yields an error matching storage.ErrForeignKey.
func (w *Warehouse) InsertTransaction(ctx context.Context, t Transaction) error {
	return w.insert(ctx, TableTransactions, t.Row())
}

// insert is a plain single-row insert: duplicates and constraint failures
// surface as errors.
func (w *Warehouse) insert(ctx context.Context, table string, row []any) error {
	if _, err := w.repo.InsertRows(ctx, table, Columns(table), [][]any{row}, nil); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

const transactionQuery = `SELECT
  f.transaction_key, f.toll_plaza_key, f.vehicle_key, f.date_key, f.payment_method_key,
  f.toll_fee, f.travel_distance_km, f.travel_time_seconds, f.queue_length_at_transaction,
  p.toll_plaza_id, p.name, p.location, p.city, p.state,
  v.vehicle_id, v.license_plate, v.vehicle_type, v.axle_count,
  d.full_date, d.quarter, d.day_of_week,
  m.method_name
FROM fact_transactions f
LEFT JOIN dim_toll_plaza p ON p.toll_plaza_key = f.toll_plaza_key
LEFT JOIN dim_vehicle v ON v.vehicle_key = f.vehicle_key
LEFT JOIN dim_date d ON d.date_key = f.date_key
LEFT JOIN dim_payment_method m ON m.payment_method_key = f.payment_method_key
WHERE f.transaction_key = ?`

// Transaction returns the fact row with key joined with all four dimensions.
func (w *Warehouse) Transaction(ctx context.Context, key int64) (TransactionDetail, error) {
	var out TransactionDetail
	found := false

	err := w.repo.Query(ctx, transactionQuery, []any{key}, func(row storage.RowScanner) error {
		found = true
		return row.Scan(
			&out.TransactionKey, &out.TollPlazaKey, &out.VehicleKey, &out.DateKey, &out.PaymentMethodKey,
			&out.TollFee, &out.TravelDistanceKm, &out.TravelTimeSeconds, &out.QueueLength,
			&out.TollPlazaID, &out.PlazaName, &out.Location, &out.City, &out.State,
			&out.VehicleID, &out.LicensePlate, &out.VehicleType, &out.AxleCount,
			&out.FullDate, &out.Quarter, &out.DayOfWeek,
			&out.MethodName,
		)
	})
	if err != nil {
		return TransactionDetail{}, fmt.Errorf("transaction %d: %w", key, err)
	}
	if !found {
		return TransactionDetail{}, fmt.Errorf("transaction %d: %w", key, ErrNotFound)
	}
	return out, nil
}

// Orphans reports, per fact foreign key, the fact rows whose non-null key has
// no matching dimension row. Only keys with at least one orphan are returned.
func (w *Warehouse) Orphans(ctx context.Context) ([]Orphan, error) {
	fact, err := Table(TableTransactions)
	if err != nil {
		return nil, err
	}

	var out []Orphan
	for _, c := range fact.Columns {
		if c.References == "" {
			continue
		}
		dim, dimCol, err := storage.ParseReference(c.References)
		if err != nil {
			return nil, err
		}
		q := fmt.Sprintf(
			`SELECT COUNT(*) FROM %s f WHERE f.%s IS NOT NULL AND NOT EXISTS (SELECT 1 FROM %s d WHERE d.%s = f.%s)`,
			TableTransactions, c.Name, dim, dimCol, c.Name,
		)

		var n int64
		err = w.repo.Query(ctx, q, nil, func(row storage.RowScanner) error {
			return row.Scan(&n)
		})
		if err != nil {
			return nil, fmt.Errorf("orphans %s: %w", c.Name, err)
		}
		if n > 0 {
			out = append(out, Orphan{Column: c.Name, Table: dim, Count: n})
		}
	}
	return out, nil
}
