package loader

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tollwarehouse/internal/warehouse"
)

// measureScale is the number of fractional digits of DECIMAL(10,2).
const measureScale = 2

// maxMeasure is the largest absolute value DECIMAL(10,2) holds.
var maxMeasure = decimal.RequireFromString("99999999.99")

// parsedEvent holds the typed values of one event; parsing happens once per
// pass so both passes agree on which events are usable.
type parsedEvent struct {
	ev Event

	key     int64
	at      time.Time
	hasTime bool

	axles       sql.NullInt64
	travelTime  sql.NullInt64
	queueLength sql.NullInt64
	fee         decimal.NullDecimal
	distance    decimal.NullDecimal
}

// parseEvent validates ev and converts its fields. An error means the event
// cannot be loaded at all.
func parseEvent(ev Event) (parsedEvent, error) {
	p := parsedEvent{ev: ev}

	var err error
	if p.key, err = ev.TransactionKey(); err != nil {
		return p, err
	}
	if p.at, p.hasTime, err = ev.Time(); err != nil {
		return p, err
	}
	if p.axles, err = nullInt("axle_count", ev.AxleCount); err != nil {
		return p, err
	}
	if p.travelTime, err = nullInt("travel_time", ev.TravelTime); err != nil {
		return p, err
	}
	if p.queueLength, err = nullInt("queue_length", ev.QueueLength); err != nil {
		return p, err
	}
	if p.fee, err = measure("toll_fee", ev.TollFee); err != nil {
		return p, err
	}
	if p.distance, err = measure("distance", ev.Distance); err != nil {
		return p, err
	}
	return p, nil
}

func nullInt(field string, n json.Number) (sql.NullInt64, error) {
	v, ok, err := numberToInt(n)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("%s: %w", field, err)
	}
	return sql.NullInt64{Int64: v, Valid: ok}, nil
}

func measure(field string, d decimal.NullDecimal) (decimal.NullDecimal, error) {
	if !d.Valid {
		return d, nil
	}
	r := d.Decimal.Round(measureScale)
	if r.Abs().GreaterThan(maxMeasure) {
		return decimal.NullDecimal{}, fmt.Errorf("%s: %s exceeds DECIMAL(10,2)", field, d.Decimal)
	}
	return decimal.NewNullDecimal(r), nil
}

// dateRow returns the dim_date row for the event day.
func (p parsedEvent) dateRow() (warehouse.Date, bool) {
	if !p.hasTime {
		return warehouse.Date{}, false
	}
	return warehouse.NewDate(p.at), true
}

func (p parsedEvent) plazaRow(key int64) warehouse.TollPlaza {
	return warehouse.TollPlaza{
		TollPlazaKey: key,
		TollPlazaID:  warehouse.NullString(strings.TrimSpace(p.ev.TollPlazaID)),
		Name:         warehouse.NullString(strings.TrimSpace(p.ev.TollPlazaName)),
	}
}

func (p parsedEvent) vehicleRow(key int64) warehouse.Vehicle {
	return warehouse.Vehicle{
		VehicleKey:   key,
		VehicleID:    warehouse.NullString(strings.TrimSpace(p.ev.VehicleID)),
		LicensePlate: warehouse.NullString(strings.TrimSpace(p.ev.LicensePlate)),
		VehicleType:  warehouse.NullString(strings.TrimSpace(p.ev.VehicleType)),
		AxleCount:    p.axles,
	}
}

func (p parsedEvent) paymentRow(key int64) warehouse.PaymentMethod {
	name := strings.Join(strings.Fields(p.ev.PaymentMethod), " ")
	return warehouse.PaymentMethod{PaymentMethodKey: key, MethodName: warehouse.NullString(name)}
}

// factKeys are the resolved dimension keys of one event; invalid means NULL.
type factKeys struct {
	plaza, vehicle, date, payment sql.NullInt64
}

func (p parsedEvent) factRow(k factKeys) warehouse.Transaction {
	return warehouse.Transaction{
		TransactionKey:    p.key,
		TollPlazaKey:      k.plaza,
		VehicleKey:        k.vehicle,
		DateKey:           k.date,
		PaymentMethodKey:  k.payment,
		TollFee:           p.fee,
		TravelDistanceKm:  p.distance,
		TravelTimeSeconds: p.travelTime,
		QueueLength:       p.queueLength,
	}
}
