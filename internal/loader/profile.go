package loader

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Profile summarizes an event file without touching the warehouse.
type Profile struct {
	ReadStats

	// Invalid transaction events are counted in Malformed as well.
	Invalid int

	First, Last time.Time

	MinTransactionID int64
	MaxTransactionID int64

	Plazas         int
	Vehicles       int
	PaymentMethods int // distinct after NormalizeName
	Days           int

	TotalFee decimal.Decimal
}

// ProfileEvents reads r once and reports what a load of it would see.
func ProfileEvents(ctx context.Context, r io.Reader) (Profile, error) {
	var p Profile

	ch := make(chan Event, 64)
	done := make(chan struct{})
	var (
		rs      ReadStats
		readErr error
	)
	go func() {
		defer close(done)
		defer close(ch)
		rs, readErr = StreamEvents(ctx, r, ch, nil)
	}()

	plazas := map[string]struct{}{}
	vehicles := map[string]struct{}{}
	methods := map[string]struct{}{}
	days := map[int64]struct{}{}
	seen := false

	for ev := range ch {
		pe, err := parseEvent(ev)
		if err != nil {
			p.Invalid++
			continue
		}

		if !seen {
			p.MinTransactionID, p.MaxTransactionID, seen = pe.key, pe.key, true
		}
		p.MinTransactionID = min(p.MinTransactionID, pe.key)
		p.MaxTransactionID = max(p.MaxTransactionID, pe.key)

		if pe.hasTime {
			if p.First.IsZero() || pe.at.Before(p.First) {
				p.First = pe.at
			}
			if pe.at.After(p.Last) {
				p.Last = pe.at
			}
			d, _ := pe.dateRow()
			days[d.DateKey] = struct{}{}
		}
		if id := strings.TrimSpace(ev.TollPlazaID); id != "" {
			plazas[id] = struct{}{}
		}
		if id := strings.TrimSpace(ev.VehicleID); id != "" {
			vehicles[id] = struct{}{}
		}
		if m := NormalizeName(ev.PaymentMethod); m != "" {
			methods[m] = struct{}{}
		}
		if pe.fee.Valid {
			p.TotalFee = p.TotalFee.Add(pe.fee.Decimal)
		}
	}
	<-done

	p.ReadStats = rs
	p.Events -= p.Invalid
	p.Malformed += p.Invalid
	p.Plazas, p.Vehicles, p.PaymentMethods, p.Days = len(plazas), len(vehicles), len(methods), len(days)
	return p, readErr
}
