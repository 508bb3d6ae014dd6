// Package metrics is the backend-neutral metrics facade used by the loader.
//
// Core code only calls the package-level helpers; a concrete backend (e.g.
// internal/metrics/datadog) is installed once at startup with SetBackend.
// Without one, every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions (rendered as tags by backends).
type Labels map[string]string

// Backend receives metric samples.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names.
const (
	RecordsTotal        = "etl_records_total"         // {kind}
	StepTotal           = "etl_step_total"            // {step,status}
	BatchesTotal        = "etl_batches_total"         // no labels
	StepDurationSeconds = "etl_step_duration_seconds" // {step,status}
	RejectedTotal       = "etl_rejected_total"        // {reason}
	BatchRows           = "etl_batch_rows"            // {table}
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. nil restores the no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

func Flush() error { return current().Flush() }

// RecordStep counts a finished step and observes its duration.
func RecordStep(step string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, time.Since(start).Seconds(), l)
}

// RecordRecords counts n records of kind (events, facts, rejected, ...).
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one written batch of rows into table.
func RecordBatch(table string, rows int) {
	IncCounter(BatchesTotal, 1, nil)
	ObserveHistogram(BatchRows, float64(rows), Labels{"table": table})
}

// RecordRejected counts a row rejected by the database for reason.
func RecordRejected(reason string) {
	IncCounter(RejectedTotal, 1, Labels{"reason": reason})
}
