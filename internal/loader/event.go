// Package loader loads toll transaction events (JSON lines) into the warehouse.
//
// The load is a two-pass stream over the event file:
//   - Pass 1: resolve surrogate keys for plazas, vehicles and payment methods
//     and insert new dimension rows (plus dim_date rows) in batches.
//   - Pass 2: stream again, build fact rows from the resolved keys and insert
//     them in batches across a worker pool.
//
// Both passes are idempotent: dimensions dedupe on their surrogate key and
// facts dedupe on transaction_key, so re-running a load changes nothing.
package loader

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionEventType is the only event_type the loader consumes.
const TransactionEventType = "transaction_event"

// Event is one decoded JSON line.
type Event struct {
	EventType     string              `json:"event_type"`
	TransactionID json.Number         `json:"transaction_id"`
	Timestamp     string              `json:"timestamp"`
	TollPlazaID   string              `json:"toll_plaza_id"`
	TollPlazaName string              `json:"toll_plaza_name"`
	VehicleID     string              `json:"vehicle_id"`
	LicensePlate  string              `json:"license_plate"`
	VehicleType   string              `json:"vehicle_type"`
	AxleCount     json.Number         `json:"axle_count"`
	PaymentMethod string              `json:"payment_method"`
	TollFee       decimal.NullDecimal `json:"toll_fee"`
	Distance      decimal.NullDecimal `json:"distance"`
	TravelTime    json.Number         `json:"travel_time"`
	QueueLength   json.Number         `json:"queue_length"`

	// Line is the 1-based line number in the source file.
	Line int `json:"-"`
}

// TransactionKey returns transaction_id as an integer key.
func (ev Event) TransactionKey() (int64, error) {
	if ev.TransactionID == "" {
		return 0, fmt.Errorf("missing transaction_id")
	}
	n, ok, err := numberToInt(ev.TransactionID)
	if err != nil || !ok {
		return 0, fmt.Errorf("transaction_id %q: not an integer", ev.TransactionID)
	}
	return n, nil
}

// Time parses the event timestamp. ok is false when the timestamp is absent.
func (ev Event) Time() (t time.Time, ok bool, err error) {
	if strings.TrimSpace(ev.Timestamp) == "" {
		return time.Time{}, false, nil
	}
	t, err = ParseTimestamp(ev.Timestamp)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts RFC3339 (with zone) or ISO 8601 without a zone,
// which is read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q: unsupported format", s)
}

// numberToInt converts a JSON number to int64. Whole floats ("12.0") are
// accepted and fractional values are rounded. ok is false for an empty number.
func numberToInt(n json.Number) (v int64, ok bool, err error) {
	if n == "" {
		return 0, false, nil
	}
	if i, err := n.Int64(); err == nil {
		return i, true, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false, fmt.Errorf("number %q out of range", n)
	}
	return int64(math.Round(f)), true, nil
}
