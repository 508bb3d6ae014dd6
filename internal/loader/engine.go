package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tollwarehouse/internal/metrics"
	"tollwarehouse/internal/storage"
	"tollwarehouse/internal/warehouse"
)

// Logger is the minimal logging interface used by the engine.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// SourceFn opens the event file. It is called once per pass.
type SourceFn func() (io.ReadCloser, error)

// FileSource opens path for each pass.
func FileSource(path string) SourceFn {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open events: %w", err)
		}
		return f, nil
	}
}

// Options controls batching and concurrency.
type Options struct {
	BatchSize     int
	LoaderWorkers int
	ChannelBuffer int

	// DebugTimings logs duration per fact batch.
	DebugTimings bool

	// Lenient retries a failing fact batch row by row and skips rows the
	// database rejects for constraint reasons.
	Lenient bool
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.LoaderWorkers <= 0 {
		o.LoaderWorkers = 1
	}
	if o.ChannelBuffer < 0 {
		o.ChannelBuffer = 0
	}
	return o
}

// Stats summarizes one load.
type Stats struct {
	RunID string

	Events    int // transaction events read
	Skipped   int // lines of other event types
	Malformed int // undecodable lines and unusable events

	Dimensions int64 // new dimension rows inserted (all four tables)
	Facts      int64 // fact rows inserted (existing transaction keys are skipped)
	Rejected   int64 // fact rows skipped in lenient mode
}

// Engine runs the two-pass load.
type Engine struct {
	Repo    storage.MultiRepository
	Source  SourceFn
	Logger  Logger
	Options Options
}

// Run executes DDL, pass 1 (dimensions) and pass 2 (facts).
//
// Errors:
//   - DDL and dimension insert failures abort the run.
//   - The first fact worker error cancels the run and is returned; in lenient
//     mode constraint violations are counted in Stats.Rejected instead.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	st := Stats{RunID: uuid.NewString()}
	if e.Repo == nil {
		return st, fmt.Errorf("loader: Repo is required")
	}
	if e.Source == nil {
		return st, fmt.Errorf("loader: Source is required")
	}

	opts := e.Options.withDefaults()
	logf := e.logger()
	logf("stage=start run_id=%s batch_size=%d loader_workers=%d lenient=%t", st.RunID, opts.BatchSize, opts.LoaderWorkers, opts.Lenient)

	tables, err := storage.OrderTables(warehouse.Tables())
	if err != nil {
		return st, err
	}
	ddlStart := time.Now()
	err = e.Repo.EnsureTables(ctx, tables)
	metrics.RecordStep("ddl", ddlStart, err)
	if err != nil {
		return st, fmt.Errorf("ddl: %w", err)
	}
	logf("stage=ddl ok duration=%s", durMS(ddlStart))

	res := newResolvers(e.Repo)
	if err := res.payment.Prewarm(ctx); err != nil {
		return st, err
	}

	pass1Start := time.Now()
	rs, dims, err := e.loadDimensions(ctx, opts, res, logf)
	metrics.RecordStep("pass1_dimensions", pass1Start, err)
	st.Events, st.Skipped, st.Malformed, st.Dimensions = rs.Events, rs.Skipped, rs.Malformed, dims
	if err != nil {
		return st, err
	}
	logf("stage=pass1_dimensions ok events=%d skipped=%d malformed=%d new_rows=%d duration=%s",
		st.Events, st.Skipped, st.Malformed, st.Dimensions, durMS(pass1Start))

	pass2Start := time.Now()
	facts, rejected, err := e.loadFacts(ctx, opts, res, logf)
	metrics.RecordStep("pass2_facts", pass2Start, err)
	st.Facts, st.Rejected = facts, rejected
	if err != nil {
		return st, err
	}
	logf("stage=pass2_facts ok inserted=%d rejected=%d loader_workers=%d duration=%s",
		st.Facts, st.Rejected, opts.LoaderWorkers, durMS(pass2Start))

	metrics.RecordRecords("events", st.Events)
	metrics.RecordRecords("skipped", st.Skipped)
	metrics.RecordRecords("malformed", st.Malformed)
	metrics.RecordRecords("dimensions", int(st.Dimensions))
	metrics.RecordRecords("facts", int(st.Facts))
	metrics.RecordRecords("rejected", int(st.Rejected))

	logf("stage=done run_id=%s", st.RunID)
	return st, nil
}

func (e *Engine) logger() func(format string, v ...any) {
	if e.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return e.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// ---- event stream ----

type eventStream struct {
	Events <-chan Event

	done  chan struct{}
	stats ReadStats
	err   error
}

// Wait blocks until the reader goroutine has finished.
func (s *eventStream) Wait() (ReadStats, error) {
	<-s.done
	return s.stats, s.err
}

func (e *Engine) open(ctx context.Context, buffer int, onParseErr func(int, error)) (*eventStream, error) {
	rc, err := e.Source()
	if err != nil {
		return nil, err
	}
	ch := make(chan Event, buffer)
	s := &eventStream{Events: ch, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		defer close(ch)
		defer rc.Close()
		s.stats, s.err = StreamEvents(ctx, rc, ch, onParseErr)
	}()
	return s, nil
}

// ---- key resolution ----

type resolvers struct {
	plaza, vehicle, payment *KeyResolver
}

func newResolvers(repo storage.MultiRepository) resolvers {
	return resolvers{
		plaza:   NewKeyResolver(repo, warehouse.TableTollPlaza, "toll_plaza_key", "toll_plaza_id", nil),
		vehicle: NewKeyResolver(repo, warehouse.TableVehicle, "vehicle_key", "vehicle_id", nil),
		payment: NewKeyResolver(repo, warehouse.TablePaymentMethod, "payment_method_key", "method_name", NormalizeName),
	}
}

// keysFor returns the fact keys of p. Empty identifiers become NULL keys;
// a non-empty identifier without a key is an error (it was not seen in pass 1).
func (r resolvers) keysFor(p parsedEvent) (factKeys, error) {
	var k factKeys
	lookup := func(res *KeyResolver, field, id string) (v int64, valid bool, err error) {
		if strings.TrimSpace(id) == "" {
			return 0, false, nil
		}
		key, ok := res.Key(id)
		if !ok {
			return 0, false, fmt.Errorf("line %d: %s %q has no key in %s", p.ev.Line, field, id, res.Table())
		}
		return key, true, nil
	}

	var err error
	if k.plaza.Int64, k.plaza.Valid, err = lookup(r.plaza, "toll_plaza_id", p.ev.TollPlazaID); err != nil {
		return k, err
	}
	if k.vehicle.Int64, k.vehicle.Valid, err = lookup(r.vehicle, "vehicle_id", p.ev.VehicleID); err != nil {
		return k, err
	}
	if k.payment.Int64, k.payment.Valid, err = lookup(r.payment, "payment_method", p.ev.PaymentMethod); err != nil {
		return k, err
	}
	if d, ok := p.dateRow(); ok {
		k.date.Int64, k.date.Valid = d.DateKey, true
	}
	return k, nil
}

// ---- pass 1: dimensions ----

// loadDimensions streams events, resolves dimension keys per batch and inserts
// rows for identifiers the warehouse has not seen yet.
func (e *Engine) loadDimensions(ctx context.Context, opts Options, res resolvers, logf func(string, ...any)) (ReadStats, int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := e.open(ctx, opts.ChannelBuffer, func(line int, err error) {
		logf("stage=pass1_malformed line=%d err=%v", line, err)
	})
	if err != nil {
		return ReadStats{}, 0, err
	}

	var (
		inserted  int64
		invalid   int
		seenDates = make(map[int64]struct{})
		batch     = make([]parsedEvent, 0, opts.BatchSize)
		pending   = make(map[string][][]any, 4)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		plazaIDs := make([]string, 0, len(batch))
		vehicleIDs := make([]string, 0, len(batch))
		for _, p := range batch {
			plazaIDs = append(plazaIDs, p.ev.TollPlazaID)
			vehicleIDs = append(vehicleIDs, p.ev.VehicleID)
		}
		if err := res.plaza.Lookup(ctx, plazaIDs); err != nil {
			return err
		}
		if err := res.vehicle.Lookup(ctx, vehicleIDs); err != nil {
			return err
		}

		for _, p := range batch {
			if k, created, ok := res.plaza.Resolve(p.ev.TollPlazaID); ok && created {
				pending[warehouse.TableTollPlaza] = append(pending[warehouse.TableTollPlaza], p.plazaRow(k).Row())
			}
			if k, created, ok := res.vehicle.Resolve(p.ev.VehicleID); ok && created {
				pending[warehouse.TableVehicle] = append(pending[warehouse.TableVehicle], p.vehicleRow(k).Row())
			}
			if k, created, ok := res.payment.Resolve(p.ev.PaymentMethod); ok && created {
				pending[warehouse.TablePaymentMethod] = append(pending[warehouse.TablePaymentMethod], p.paymentRow(k).Row())
			}
			if d, ok := p.dateRow(); ok {
				if _, seen := seenDates[d.DateKey]; !seen {
					seenDates[d.DateKey] = struct{}{}
					pending[warehouse.TableDate] = append(pending[warehouse.TableDate], d.Row())
				}
			}
		}
		batch = batch[:0]

		for _, table := range []string{warehouse.TableTollPlaza, warehouse.TableVehicle, warehouse.TableDate, warehouse.TablePaymentMethod} {
			rows := pending[table]
			if len(rows) == 0 {
				continue
			}
			// Columns panics on unknown names; table is one of the constants above.
			n, err := e.Repo.InsertRows(ctx, table, warehouse.Columns(table), rows, dedupeColumns(table))
			metrics.RecordBatch(table, len(rows))
			if err != nil {
				return fmt.Errorf("pass1 %s: %w", table, err)
			}
			inserted += n
			pending[table] = rows[:0]
		}
		return nil
	}

	var runErr error
	for ev := range stream.Events {
		if runErr != nil {
			continue
		}
		p, err := parseEvent(ev)
		if err != nil {
			invalid++
			logf("stage=pass1_invalid line=%d err=%v", ev.Line, err)
			continue
		}
		batch = append(batch, p)
		if len(batch) >= opts.BatchSize {
			if err := flush(); err != nil {
				runErr = err
				cancel()
			}
		}
	}

	rs, readErr := stream.Wait()
	rs.Events -= invalid
	rs.Malformed += invalid

	if runErr != nil {
		return rs, inserted, runErr
	}
	if readErr != nil {
		return rs, inserted, readErr
	}
	if err := flush(); err != nil {
		return rs, inserted, err
	}
	return rs, inserted, nil
}

// ---- pass 2: facts ----

// loadFacts streams events again and inserts fact batches across
// opts.LoaderWorkers goroutines. Any worker error cancels the run.
func (e *Engine) loadFacts(ctx context.Context, opts Options, res resolvers, logf func(string, ...any)) (int64, int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// first error wins
		}
	}

	stream, err := e.open(ctx, opts.ChannelBuffer, nil)
	if err != nil {
		return 0, 0, err
	}

	var inserted, rejected atomic.Int64

	batchCh := make(chan []warehouse.Transaction, opts.LoaderWorkers*2)

	var wg sync.WaitGroup
	wg.Add(opts.LoaderWorkers)
	for w := 0; w < opts.LoaderWorkers; w++ {
		go func(workerID int) {
			defer wg.Done()
			for batch := range batchCh {
				if ctx.Err() != nil {
					continue
				}
				start := time.Now()
				n, rej, err := e.insertFacts(ctx, batch, opts.Lenient, logf)
				inserted.Add(n)
				rejected.Add(rej)
				if err != nil {
					setErr(err)
					if opts.DebugTimings {
						logf("stage=pass2_batch worker=%d status=error duration=%s err=%v", workerID, durMS(start), err)
					}
					continue
				}
				if opts.DebugTimings {
					logf("stage=pass2_batch worker=%d status=ok duration=%s rows=%d inserted=%d rejected=%d", workerID, durMS(start), len(batch), n, rej)
				}
			}
		}(w)
	}

	batch := make([]warehouse.Transaction, 0, opts.BatchSize)
	send := func() {
		if len(batch) == 0 {
			return
		}
		out := batch
		batch = make([]warehouse.Transaction, 0, opts.BatchSize)
		select {
		case batchCh <- out:
		case <-ctx.Done():
		}
	}

	for ev := range stream.Events {
		if ctx.Err() != nil {
			continue
		}
		p, err := parseEvent(ev)
		if err != nil {
			continue // reported in pass 1
		}
		k, err := res.keysFor(p)
		if err != nil {
			if opts.Lenient {
				rejected.Add(1)
				metrics.RecordRejected("lookup_miss")
				logf("stage=pass2_reject transaction_key=%d reason=lookup_miss err=%v", p.key, err)
				continue
			}
			setErr(err)
			continue
		}
		batch = append(batch, p.factRow(k))
		if len(batch) >= opts.BatchSize {
			send()
		}
	}
	send()
	close(batchCh)
	wg.Wait()

	_, readErr := stream.Wait()

	// A worker error is the cause of any cancellation the reader saw.
	select {
	case werr := <-errCh:
		return inserted.Load(), rejected.Load(), werr
	default:
	}
	if readErr != nil {
		return inserted.Load(), rejected.Load(), readErr
	}
	return inserted.Load(), rejected.Load(), nil
}

// insertFacts writes one batch with dedupe on transaction_key. In lenient
// mode a constraint failure is retried row by row and offending rows are skipped.
func (e *Engine) insertFacts(ctx context.Context, batch []warehouse.Transaction, lenient bool, logf func(string, ...any)) (inserted, rejected int64, _ error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}
	table := warehouse.TableTransactions
	cols := warehouse.Columns(table)
	dedupe := dedupeColumns(table)

	rows := make([][]any, len(batch))
	for i, t := range batch {
		rows[i] = t.Row()
	}

	n, err := e.Repo.InsertRows(ctx, table, cols, rows, dedupe)
	metrics.RecordBatch(table, len(rows))
	if err == nil {
		return n, 0, nil
	}
	if !lenient || !storage.IsConstraint(err) {
		return 0, 0, fmt.Errorf("pass2 %s: %w", table, err)
	}

	for i := range rows {
		n, err := e.Repo.InsertRows(ctx, table, cols, rows[i:i+1], dedupe)
		if err == nil {
			inserted += n
			continue
		}
		if !storage.IsConstraint(err) {
			return inserted, rejected, fmt.Errorf("pass2 %s: %w", table, err)
		}
		rejected++
		reason := constraintReason(err)
		metrics.RecordRejected(reason)
		logf("stage=pass2_reject transaction_key=%d reason=%s err=%v", batch[i].TransactionKey, reason, err)
	}
	return inserted, rejected, nil
}

func constraintReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrForeignKey):
		return "foreign_key"
	case errors.Is(err, storage.ErrNotNull):
		return "not_null"
	case errors.Is(err, storage.ErrDuplicateKey):
		return "duplicate_key"
	default:
		return "constraint"
	}
}

func dedupeColumns(table string) []string {
	t, err := warehouse.Table(table)
	if err != nil || t.Load.Dedupe == nil {
		return nil
	}
	return t.Load.Dedupe.ConflictColumns
}
