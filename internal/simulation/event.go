package simulation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionEventType matches the event type the loader ingests.
const TransactionEventType = "transaction_event"

// TransactionEvent is one line of the simulation output.
type TransactionEvent struct {
	EventType     string      `json:"event_type"`
	TransactionID int64       `json:"transaction_id"`
	Timestamp     string      `json:"timestamp"`
	TollPlazaID   string      `json:"toll_plaza_id"`
	TollPlazaName string      `json:"toll_plaza_name"`
	BoothID       int         `json:"booth_id"`
	VehicleID     string      `json:"vehicle_id"`
	LicensePlate  string      `json:"license_plate"`
	VehicleType   VehicleType `json:"vehicle_type"`
	AxleCount     int         `json:"axle_count"`
	PaymentMethod string      `json:"payment_method"`
	TollFee       json.Number `json:"toll_fee"`
	Distance      json.Number `json:"distance"`
	TravelTime    int64       `json:"travel_time"`
	QueueLength   int         `json:"queue_length"`
}

// transaction builds the event for v leaving booth b at second at after
// spending wait seconds in the plaza.
func (o Options) transaction(v *vehicle, b int, at, wait float64) TransactionEvent {
	id := o.FirstTransactionID + v.seq - 1
	distance := decimal.NewFromFloat(v.speedKmh * wait / 3600).Round(2)
	return TransactionEvent{
		EventType:     TransactionEventType,
		TransactionID: id,
		Timestamp:     o.Start.Add(seconds(at)).Format(time.RFC3339Nano),
		TollPlazaID:   o.PlazaID,
		TollPlazaName: o.PlazaName,
		BoothID:       b,
		VehicleID:     fmt.Sprintf("V-%07d", id),
		LicensePlate:  v.plate,
		VehicleType:   v.kind,
		AxleCount:     v.axles,
		PaymentMethod: v.payment,
		TollFee:       json.Number(o.Pricing.Fee(v.axles).StringFixed(2)),
		Distance:      json.Number(distance.StringFixed(2)),
		TravelTime:    int64(math.Round(wait)),
		QueueLength:   v.queueLen,
	}
}

// Sink receives simulation events in departure order.
type Sink interface {
	Emit(TransactionEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(TransactionEvent) error

func (f SinkFunc) Emit(ev TransactionEvent) error { return f(ev) }

// JSONLWriter writes one JSON object per line. Call Flush when done.
type JSONLWriter struct {
	bw  *bufio.Writer
	enc *json.Encoder
	n   int
}

func NewJSONLWriter(w io.Writer) *JSONLWriter {
	bw := bufio.NewWriter(w)
	return &JSONLWriter{bw: bw, enc: json.NewEncoder(bw)}
}

func (j *JSONLWriter) Emit(ev TransactionEvent) error {
	if err := j.enc.Encode(ev); err != nil {
		return err
	}
	j.n++
	return nil
}

// Lines returns the number of events written.
func (j *JSONLWriter) Lines() int { return j.n }

func (j *JSONLWriter) Flush() error { return j.bw.Flush() }
