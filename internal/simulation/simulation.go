// Package simulation runs a discrete-event simulation of a toll plaza.
//
// Vehicles arrive as a Poisson process, join the booth with the shortest
// queue and are served at 2 seconds per axle. Every vehicle that leaves a
// booth produces one TransactionEvent in the JSONL format the loader reads.
package simulation

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tollwarehouse/internal/config"
)

// Logger is the minimal logging interface used by the simulator.
type Logger interface {
	Printf(format string, v ...any)
}

type VehicleType string

const (
	Car   VehicleType = "Car"
	Bus   VehicleType = "Bus"
	Truck VehicleType = "Truck"
)

const secondsPerAxle = 2

var (
	vehicleTypes   = []VehicleType{Car, Bus, Truck}
	vehicleWeights = []float64{0.6, 0.15, 0.25}

	paymentMethods = []string{"cash", "card", "transponder"}
	paymentWeights = []float64{0.25, 0.35, 0.40}
)

// Pricing computes the toll: Base + PerAxle * axles.
type Pricing struct {
	Base    decimal.Decimal
	PerAxle decimal.Decimal
}

func DefaultPricing() Pricing {
	return Pricing{Base: decimal.RequireFromString("1.50"), PerAxle: decimal.RequireFromString("0.50")}
}

// Fee returns the toll for a vehicle with the given axle count, rounded to cents.
func (p Pricing) Fee(axles int) decimal.Decimal {
	return p.Base.Add(p.PerAxle.Mul(decimal.NewFromInt(int64(axles)))).Round(2)
}

type Options struct {
	Booths          int
	VehiclesPerHour float64
	Duration        time.Duration
	Seed            uint64

	// Start is the wall-clock time of simulation second zero.
	Start time.Time

	PlazaID   string
	PlazaName string

	// FirstTransactionID numbers the emitted transactions; 0 means 1.
	FirstTransactionID int64

	Pricing Pricing
}

func (o Options) validate() error {
	switch {
	case o.Booths <= 0:
		return fmt.Errorf("simulation: booths must be > 0 (got %d)", o.Booths)
	case !(o.VehiclesPerHour > 0) || math.IsInf(o.VehiclesPerHour, 0):
		return fmt.Errorf("simulation: vehicles_per_hour must be > 0 (got %v)", o.VehiclesPerHour)
	case o.Duration <= 0:
		return fmt.Errorf("simulation: duration must be > 0 (got %s)", o.Duration)
	case o.FirstTransactionID < 0:
		return fmt.Errorf("simulation: first transaction id must be >= 0 (got %d)", o.FirstTransactionID)
	}
	return nil
}

// OptionsFromConfig converts the simulation section of a pipeline config.
// An empty Start means now.
func OptionsFromConfig(c config.Simulation, now time.Time) (Options, error) {
	start := now
	if s := strings.TrimSpace(c.Start); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return Options{}, fmt.Errorf("simulation.start: %w", err)
		}
		start = t
	}
	return Options{
		Booths:          c.Booths,
		VehiclesPerHour: c.VehiclesPerHour,
		Duration:        c.Duration.Duration,
		Seed:            c.Seed,
		Start:           start,
		PlazaID:         c.PlazaID,
		PlazaName:       c.PlazaName,
		Pricing:         DefaultPricing(),
	}, nil
}

// Stats summarizes a run.
type Stats struct {
	Arrived   int
	Processed int
	TotalWait time.Duration

	// Remaining vehicles still waiting in booth queues when the run ended;
	// InService were at a booth window.
	Remaining int
	InService int
}

// AverageWait is the mean time from arrival to departure of processed vehicles.
func (s Stats) AverageWait() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return s.TotalWait / time.Duration(s.Processed)
}

type vehicle struct {
	seq       int64
	kind      VehicleType
	axles     int
	speedKmh  float64
	plate     string
	payment   string
	arrivedAt float64
	queueLen  int
}

type booth struct {
	waiting []*vehicle
	current *vehicle
}

// Simulator emits events to Sink. Logger may be nil.
type Simulator struct {
	Options Options
	Sink    Sink
	Logger  Logger
}

// Run simulates Options.Duration of traffic. Events scheduled at or after the
// horizon are not processed; vehicles still queued are reported in Stats.
func (s *Simulator) Run(ctx context.Context) (Stats, error) {
	var st Stats
	o := s.Options
	if err := o.validate(); err != nil {
		return st, err
	}
	if s.Sink == nil {
		return st, fmt.Errorf("simulation: Sink is required")
	}
	if o.Pricing == (Pricing{}) {
		o.Pricing = DefaultPricing()
	}
	if o.FirstTransactionID == 0 {
		o.FirstTransactionID = 1
	}
	logf := s.logger()

	rng := rand.New(rand.NewPCG(o.Seed, o.Seed^0x9e3779b97f4a7c15))
	meanGap := 3600 / o.VehiclesPerHour
	horizon := o.Duration.Seconds()
	booths := make([]booth, o.Booths)

	logf("stage=simulate start booths=%d vehicles_per_hour=%.1f duration=%s seed=%d", o.Booths, o.VehiclesPerHour, o.Duration, o.Seed)

	var sched scheduler
	sched.schedule(rng.ExpFloat64()*meanGap, arrival, -1)

	serve := func(at float64, b int, v *vehicle) {
		booths[b].current = v
		sched.schedule(at+float64(v.axles*secondsPerAxle), finish, b)
	}

	var steps int
	for {
		ev, ok := sched.peek()
		if !ok || ev.at >= horizon {
			break
		}
		sched.next()

		steps++
		if steps%256 == 0 {
			if err := ctx.Err(); err != nil {
				return st, err
			}
		}

		switch ev.kind {
		case arrival:
			st.Arrived++
			v := newVehicle(rng, int64(st.Arrived), ev.at)
			b := shortestQueue(booths)
			v.queueLen = len(booths[b].waiting)
			if booths[b].current == nil {
				serve(ev.at, b, v)
			} else {
				booths[b].waiting = append(booths[b].waiting, v)
			}
			sched.schedule(ev.at+rng.ExpFloat64()*meanGap, arrival, -1)

		case finish:
			bt := &booths[ev.booth]
			v := bt.current
			bt.current = nil

			wait := ev.at - v.arrivedAt
			st.Processed++
			st.TotalWait += seconds(wait)

			if err := s.Sink.Emit(o.transaction(v, ev.booth, ev.at, wait)); err != nil {
				return st, fmt.Errorf("simulation: emit: %w", err)
			}

			if len(bt.waiting) > 0 {
				next := bt.waiting[0]
				bt.waiting = bt.waiting[1:]
				serve(ev.at, ev.booth, next)
			}
		}
	}

	for _, b := range booths {
		st.Remaining += len(b.waiting)
		if b.current != nil {
			st.InService++
		}
	}
	logf("stage=simulate done arrived=%d processed=%d avg_wait=%s remaining=%d in_service=%d",
		st.Arrived, st.Processed, st.AverageWait().Truncate(time.Millisecond), st.Remaining, st.InService)
	return st, nil
}

func (s *Simulator) logger() func(format string, v ...any) {
	if s.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return s.Logger.Printf
}

func newVehicle(rng *rand.Rand, seq int64, at float64) *vehicle {
	v := &vehicle{
		seq:       seq,
		kind:      vehicleTypes[pick(rng, vehicleWeights)],
		speedKmh:  40 + rng.Float64()*40,
		plate:     plate(rng),
		payment:   paymentMethods[pick(rng, paymentWeights)],
		arrivedAt: at,
	}
	switch v.kind {
	case Car:
		v.axles = 2
	case Bus:
		v.axles = 2 + rng.IntN(2)
	default:
		v.axles = 3 + rng.IntN(4)
	}
	return v
}

// shortestQueue returns the booth with the fewest waiting vehicles; an idle
// booth wins a tie against a busy one, then the lowest index.
func shortestQueue(booths []booth) int {
	best := 0
	for i := 1; i < len(booths); i++ {
		bi, bb := len(booths[i].waiting), len(booths[best].waiting)
		if bi < bb || (bi == bb && booths[i].current == nil && booths[best].current != nil) {
			best = i
		}
	}
	return best
}

func pick(rng *rand.Rand, weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := rng.Float64() * total
	for i, w := range weights {
		if r < w {
			return i
		}
		r -= w
	}
	return len(weights) - 1
}

func plate(rng *rand.Rand) string {
	var b [7]byte
	for i := 0; i < 3; i++ {
		b[i] = byte('A' + rng.IntN(26))
	}
	for i := 3; i < 7; i++ {
		b[i] = byte('0' + rng.IntN(10))
	}
	return string(b[:])
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
