package warehouse

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// NullDate is a calendar date that may be NULL. It scans the representations
// the supported drivers return for DATE columns and binds as "YYYY-MM-DD".
type NullDate struct {
	Date  civil.Date
	Valid bool
}

// DateOf returns a valid NullDate for the calendar date of t in t's location.
func DateOf(t time.Time) NullDate {
	return NullDate{Date: civil.DateOf(t), Valid: true}
}

// ParseNullDate parses "YYYY-MM-DD"; the empty string yields NULL.
func ParseNullDate(s string) (NullDate, error) {
	if s == "" {
		return NullDate{}, nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return NullDate{}, err
	}
	return NullDate{Date: d, Valid: true}, nil
}

func (d *NullDate) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = NullDate{}
		return nil
	case time.Time:
		*d = DateOf(v)
		return nil
	case string:
		return d.scanString(v)
	case []byte:
		return d.scanString(string(v))
	default:
		return fmt.Errorf("warehouse: cannot scan %T into NullDate", src)
	}
}

// scanString accepts "YYYY-MM-DD" optionally followed by a time part.
func (d *NullDate) scanString(s string) error {
	if len(s) > 10 {
		s = s[:10]
	}
	p, err := civil.ParseDate(s)
	if err != nil {
		return fmt.Errorf("warehouse: scan date %q: %w", s, err)
	}
	*d = NullDate{Date: p, Valid: true}
	return nil
}

func (d NullDate) Value() (driver.Value, error) {
	if !d.Valid {
		return nil, nil
	}
	return d.Date.String(), nil
}

func (d NullDate) String() string {
	if !d.Valid {
		return "NULL"
	}
	return d.Date.String()
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullInt returns a valid NullInt64.
func NullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: true}
}

// NullDecimal parses s as a decimal; "" yields NULL.
func NullDecimal(s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

type TollPlaza struct {
	TollPlazaKey            int64
	TollPlazaID             sql.NullString
	Name                    sql.NullString
	Location                sql.NullString
	City                    sql.NullString
	State                   sql.NullString
	CommercialOperationDate NullDate
}

func (p TollPlaza) Row() []any {
	return []any{p.TollPlazaKey, p.TollPlazaID, p.Name, p.Location, p.City, p.State, p.CommercialOperationDate}
}

type Vehicle struct {
	VehicleKey   int64
	VehicleID    sql.NullString
	LicensePlate sql.NullString
	VehicleType  sql.NullString
	AxleCount    sql.NullInt64
}

func (v Vehicle) Row() []any {
	return []any{v.VehicleKey, v.VehicleID, v.LicensePlate, v.VehicleType, v.AxleCount}
}

// Date is a dim_date row. DateKey is YYYYMMDD.
type Date struct {
	DateKey   int64
	FullDate  NullDate // NOT NULL in dim_date
	Day       int
	Month     int
	Year      int
	Quarter   int
	DayOfWeek int // ISO: Monday=1 ... Sunday=7
}

// NewDate derives the dim_date row for the calendar day of t.
func NewDate(t time.Time) Date {
	d := civil.DateOf(t)
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return Date{
		DateKey:   DateKey(t),
		FullDate:  NullDate{Date: d, Valid: true},
		Day:       d.Day,
		Month:     int(d.Month),
		Year:      d.Year,
		Quarter:   (int(d.Month)-1)/3 + 1,
		DayOfWeek: wd,
	}
}

// DateKey returns the YYYYMMDD surrogate key for the calendar day of t.
func DateKey(t time.Time) int64 {
	return int64(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

func (d Date) Row() []any {
	return []any{d.DateKey, d.FullDate, d.Day, d.Month, d.Year, d.Quarter, d.DayOfWeek}
}

type PaymentMethod struct {
	PaymentMethodKey int64
	MethodName       sql.NullString
}

func (m PaymentMethod) Row() []any {
	return []any{m.PaymentMethodKey, m.MethodName}
}

// Transaction is a fact_transactions row. Every foreign key and measure is nullable.
type Transaction struct {
	TransactionKey    int64
	TollPlazaKey      sql.NullInt64
	VehicleKey        sql.NullInt64
	DateKey           sql.NullInt64
	PaymentMethodKey  sql.NullInt64
	TollFee           decimal.NullDecimal
	TravelDistanceKm  decimal.NullDecimal
	TravelTimeSeconds sql.NullInt64
	QueueLength       sql.NullInt64
}

func (t Transaction) Row() []any {
	return []any{
		t.TransactionKey,
		t.TollPlazaKey, t.VehicleKey, t.DateKey, t.PaymentMethodKey,
		t.TollFee, t.TravelDistanceKm, t.TravelTimeSeconds, t.QueueLength,
	}
}

// TransactionDetail is a fact row joined with its dimensions. Dimension fields
// are NULL when the corresponding key is NULL.
type TransactionDetail struct {
	Transaction

	TollPlazaID  sql.NullString
	PlazaName    sql.NullString
	Location     sql.NullString
	City         sql.NullString
	State        sql.NullString
	VehicleID    sql.NullString
	LicensePlate sql.NullString
	VehicleType  sql.NullString
	AxleCount    sql.NullInt64
	FullDate     NullDate
	Quarter      sql.NullInt64
	DayOfWeek    sql.NullInt64
	MethodName   sql.NullString
}

// Orphan counts fact rows whose non-null Column has no row in Table.
type Orphan struct {
	Column string
	Table  string
	Count  int64
}
