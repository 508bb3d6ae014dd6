package warehouse

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"tollwarehouse/internal/storage"
	_ "tollwarehouse/internal/storage/sqlite"
)

func openSQLite(t *testing.T, dsnSuffix string) *Warehouse {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "toll.db") + dsnSuffix
	repo, err := storage.NewMulti(context.Background(), storage.MultiConfig{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("NewMulti: %v", err)
	}
	t.Cleanup(repo.Close)

	w := New(repo)
	if err := w.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return w
}

func mustDecimal(t *testing.T, s string) decimal.NullDecimal {
	t.Helper()
	d, err := NullDecimal(s)
	if err != nil {
		t.Fatalf("NullDecimal(%q): %v", s, err)
	}
	return d
}

// seedScenario inserts plaza 1, vehicle 1, date 1, payment 1.
func seedScenario(t *testing.T, w *Warehouse) {
	t.Helper()
	ctx := context.Background()

	opened, err := ParseNullDate("2020-06-01")
	if err != nil {
		t.Fatalf("ParseNullDate: %v", err)
	}
	if err := w.InsertTollPlaza(ctx, TollPlaza{
		TollPlazaKey:            1,
		TollPlazaID:             NullString("TP-001"),
		Name:                    NullString("Main Plaza"),
		Location:                NullString("Highway 1"),
		City:                    NullString("Springfield"),
		State:                   NullString("IL"),
		CommercialOperationDate: opened,
	}); err != nil {
		t.Fatalf("InsertTollPlaza: %v", err)
	}
	if err := w.InsertVehicle(ctx, Vehicle{
		VehicleKey:   1,
		VehicleID:    NullString("V-001"),
		LicensePlate: NullString("ABC123"),
		VehicleType:  NullString("Car"),
		AxleCount:    NullInt(2),
	}); err != nil {
		t.Fatalf("InsertVehicle: %v", err)
	}
	if err := w.InsertDate(ctx, Date{
		DateKey:   1,
		FullDate:  NullDate{Date: civil.Date{Year: 2024, Month: 1, Day: 1}, Valid: true},
		Day:       1,
		Month:     1,
		Year:      2024,
		Quarter:   1,
		DayOfWeek: 1,
	}); err != nil {
		t.Fatalf("InsertDate: %v", err)
	}
	if err := w.InsertPaymentMethod(ctx, PaymentMethod{PaymentMethodKey: 1, MethodName: NullString("card")}); err != nil {
		t.Fatalf("InsertPaymentMethod: %v", err)
	}
}

func scenarioFact(t *testing.T) Transaction {
	return Transaction{
		TransactionKey:    1,
		TollPlazaKey:      NullInt(1),
		VehicleKey:        NullInt(1),
		DateKey:           NullInt(1),
		PaymentMethodKey:  NullInt(1),
		TollFee:           mustDecimal(t, "2.50"),
		TravelDistanceKm:  mustDecimal(t, "5.2"),
		TravelTimeSeconds: NullInt(120),
		QueueLength:       NullInt(3),
	}
}

func TestScenario_InsertAndJoin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openSQLite(t, "")
	seedScenario(t, w)

	if err := w.InsertTransaction(ctx, scenarioFact(t)); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}

	got, err := w.Transaction(ctx, 1)
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got.City.String != "Springfield" || got.TollPlazaID.String != "TP-001" {
		t.Fatalf("plaza join: %+v", got)
	}
	if got.VehicleID.String != "V-001" || got.AxleCount.Int64 != 2 {
		t.Fatalf("vehicle join: %+v", got)
	}
	if got.FullDate.String() != "2024-01-01" || got.Quarter.Int64 != 1 {
		t.Fatalf("date join: %+v", got)
	}
	if got.MethodName.String != "card" {
		t.Fatalf("payment join: %+v", got)
	}
	if !got.TollFee.Valid || !got.TollFee.Decimal.Equal(decimal.RequireFromString("2.50")) {
		t.Fatalf("toll_fee = %v", got.TollFee)
	}
	if !got.TravelDistanceKm.Decimal.Equal(decimal.RequireFromString("5.2")) {
		t.Fatalf("travel_distance_km = %v", got.TravelDistanceKm)
	}
	if got.TravelTimeSeconds.Int64 != 120 || got.QueueLength.Int64 != 3 {
		t.Fatalf("measures: %+v", got.Transaction)
	}
}

func TestInsertTransaction_UnknownPlazaIsReferentialError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openSQLite(t, "")
	seedScenario(t, w)

	fact := scenarioFact(t)
	fact.TollPlazaKey = NullInt(99)

	err := w.InsertTransaction(ctx, fact)
	if !errors.Is(err, storage.ErrForeignKey) {
		t.Fatalf("expected ErrForeignKey, got %v", err)
	}
	if _, err := w.Transaction(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected fact must not be stored, got %v", err)
	}
}

func TestInsertTransaction_NullKeysAndMeasuresAllowed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openSQLite(t, "")

	if err := w.InsertTransaction(ctx, Transaction{TransactionKey: 7}); err != nil {
		t.Fatalf("InsertTransaction with NULLs: %v", err)
	}
	got, err := w.Transaction(ctx, 7)
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got.TollPlazaKey.Valid || got.TollFee.Valid || got.City.Valid || got.FullDate.Valid {
		t.Fatalf("expected NULL keys, measures and dimension fields: %+v", got)
	}
}

func TestInsertVehicle_NullVehicleIDRejected(t *testing.T) {
	t.Parallel()

	w := openSQLite(t, "")
	err := w.InsertVehicle(context.Background(), Vehicle{VehicleKey: 5, VehicleType: NullString("Bus")})
	if !errors.Is(err, storage.ErrNotNull) {
		t.Fatalf("expected ErrNotNull, got %v", err)
	}
}

func TestInsertDimension_DuplicateSurrogateKeyRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openSQLite(t, "")
	seedScenario(t, w)

	err := w.InsertVehicle(ctx, Vehicle{VehicleKey: 1, VehicleID: NullString("V-999")})
	if !errors.Is(err, storage.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	// business identifiers are not unique
	if err := w.InsertVehicle(ctx, Vehicle{VehicleKey: 2, VehicleID: NullString("V-001")}); err != nil {
		t.Fatalf("duplicate vehicle_id must be accepted: %v", err)
	}
}

func TestInit_IsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	w := openSQLite(t, "")
	seedScenario(t, w)
	if err := w.InsertTransaction(ctx, scenarioFact(t)); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}

	if err := w.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
	if _, err := w.Transaction(ctx, 1); err != nil {
		t.Fatalf("data lost after re-init: %v", err)
	}
}

func TestOrphans(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	w := openSQLite(t, "")
	seedScenario(t, w)
	if err := w.InsertTransaction(ctx, scenarioFact(t)); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
	orphans, err := w.Orphans(ctx)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected no orphans, got %v", orphans)
	}

	// With enforcement off the engine accepts a dangling key; Orphans must see it.
	loose := openSQLite(t, "?_pragma=foreign_keys(0)")
	seedScenario(t, loose)
	fact := scenarioFact(t)
	fact.VehicleKey = NullInt(42)
	if err := loose.InsertTransaction(ctx, fact); err != nil {
		t.Fatalf("InsertTransaction without enforcement: %v", err)
	}

	orphans, err = loose.Orphans(ctx)
	if err != nil {
		t.Fatalf("Orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0].Column != "vehicle_key" || orphans[0].Table != TableVehicle || orphans[0].Count != 1 {
		t.Fatalf("unexpected orphans: %+v", orphans)
	}
}

func TestInsertDate_NullFullDateRejected(t *testing.T) {
	t.Parallel()

	w := openSQLite(t, "")
	err := w.InsertDate(context.Background(), Date{DateKey: 20240101, Day: 1, Month: 1, Year: 2024, Quarter: 1, DayOfWeek: 1})
	if !errors.Is(err, storage.ErrNotNull) {
		t.Fatalf("expected ErrNotNull, got %v", err)
	}
}
