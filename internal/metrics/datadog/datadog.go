// Package datadog ships internal/metrics samples to Datadog.
//
// Samples are aggregated in memory per (series, tags) and submitted on a
// ticker and once more on Close, so a scheduled `tollwh load --every` reports
// steadily instead of only at exit. A SIGKILL loses the current window.
package datadog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"tollwarehouse/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

const (
	defaultJob        = "tollwh"
	defaultFlushEvery = time.Minute
)

// Options configures NewBackend.
type Options struct {
	JobName    string        // tag job:<name>, default "tollwh"
	Tags       []string      // extra tags such as "team:roads"
	FlushEvery time.Duration // default one minute

	// test seams
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter submitter
}

// submitter is the part of *datadogV2.MetricsApi the backend calls.
type submitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// label renders one metrics label as a tag. An empty value is replaced by
// fallback; with no fallback the sample is dropped.
type label struct {
	name     string
	fallback string
	keep     bool // keep empty values as-is
}

type seriesDef struct {
	metric string
	labels []label
}

// counters and histograms maps facade names to Datadog series.
var (
	counters = map[string]seriesDef{
		metrics.StepTotal:     {"tollwh.etl.step.total", []label{{name: "step", keep: true}, {name: "status", keep: true}}},
		metrics.RecordsTotal:  {"tollwh.etl.records.total", []label{{name: "kind"}}},
		metrics.BatchesTotal:  {"tollwh.etl.batches.total", nil},
		metrics.RejectedTotal: {"tollwh.etl.rejected.total", []label{{name: "reason", fallback: "unknown"}}},
	}
	histograms = map[string]seriesDef{
		metrics.StepDurationSeconds: {"tollwh.etl.step.duration_seconds", []label{{name: "step", keep: true}, {name: "status", keep: true}}},
		metrics.BatchRows:           {"tollwh.etl.batch.rows", []label{{name: "table", fallback: "unknown"}}},
	}
)

// tags renders labels in definition order; ok is false when a required label
// is missing.
func (d seriesDef) tags(l metrics.Labels) (tags []string, ok bool) {
	for _, lb := range d.labels {
		v := l[lb.name]
		if v == "" && !lb.keep {
			if lb.fallback == "" {
				return nil, false
			}
			v = lb.fallback
		}
		tags = append(tags, lb.name+":"+v)
	}
	return tags, true
}

// bucket identifies one aggregated series within a flush window.
type bucket struct {
	metric string
	tags   string // "\x1f"-joined
}

func (k bucket) tagList() []string {
	if k.tags == "" {
		return nil
	}
	return strings.Split(k.tags, "\x1f")
}

// window is the buffered state between two flushes.
type window struct {
	counts  map[bucket]float64
	samples map[bucket][]float64
}

func newWindow() window {
	return window{counts: map[bucket]float64{}, samples: map[bucket][]float64{}}
}

func (w window) empty() bool { return len(w.counts) == 0 && len(w.samples) == 0 }

// Backend implements metrics.Backend.
type Backend struct {
	api      submitter
	ctx      context.Context
	baseTags []string
	now      func() time.Time

	flushEvery time.Duration
	newTicker  func(d time.Duration) *time.Ticker
	stop, done chan struct{}

	mu  sync.Mutex
	cur window
}

var _ metrics.Backend = (*Backend)(nil)

// NewBackend starts a backend and its flush loop. The Datadog client reads
// DD_API_KEY and DD_SITE from the environment.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	if parent == nil {
		return nil, errors.New("datadog metrics init: nil context")
	}

	job := orDefault(opts.JobName, defaultJob)
	b := &Backend{
		api:        opts.submitter,
		ctx:        dd.NewDefaultContext(parent),
		baseTags:   append([]string{envTag(), "job:" + job}, opts.Tags...),
		now:        opts.now,
		flushEvery: opts.FlushEvery,
		newTicker:  opts.newTicker,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		cur:        newWindow(),
	}
	if b.api == nil {
		b.api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.flushEvery <= 0 {
		b.flushEvery = defaultFlushEvery
	}
	if b.newTicker == nil {
		b.newTicker = time.NewTicker
	}

	go b.run()
	return b, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// envTag picks env:<ENV>, then env:<DD_ENV>, then env:unknown.
func envTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

func (b *Backend) run() {
	defer close(b.done)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stop:
			return
		}
	}
}

// Close stops the flush loop and flushes what is left. Call it once.
func (b *Backend) Close() error {
	close(b.stop)
	<-b.done
	return b.Flush()
}

// IncCounter buffers a positive delta; unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, l metrics.Labels) {
	def, ok := counters[name]
	if !ok || delta <= 0 {
		return
	}
	k, ok := def.bucket(l)
	if !ok {
		return
	}
	b.mu.Lock()
	b.cur.counts[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram buffers a non-negative sample; unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, l metrics.Labels) {
	def, ok := histograms[name]
	if !ok || value < 0 {
		return
	}
	k, ok := def.bucket(l)
	if !ok {
		return
	}
	b.mu.Lock()
	b.cur.samples[k] = append(b.cur.samples[k], value)
	b.mu.Unlock()
}

func (d seriesDef) bucket(l metrics.Labels) (bucket, bool) {
	tags, ok := d.tags(l)
	if !ok {
		return bucket{}, false
	}
	return bucket{metric: d.metric, tags: strings.Join(tags, "\x1f")}, true
}

// swap detaches the current window and starts a new one.
func (b *Backend) swap() window {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.cur
	b.cur = newWindow()
	return w
}

// Flush submits the current window. The window is dropped even when the
// submit fails, so an intake outage cannot grow memory.
func (b *Backend) Flush() error {
	w := b.swap()
	if w.empty() {
		return nil
	}
	body := datadogV2.MetricPayload{Series: b.series(w, b.now().Unix())}
	if _, _, err := b.api.SubmitMetrics(b.ctx, body, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// series renders w at ts: one COUNT per counter bucket, and p50/p90/p95/p99,
// max and sample-count gauges per histogram bucket.
func (b *Backend) series(w window, ts int64) []datadogV2.MetricSeries {
	out := make([]datadogV2.MetricSeries, 0, len(w.counts)+6*len(w.samples))
	for k, v := range w.counts {
		out = append(out, point(k.metric, datadogV2.METRICINTAKETYPE_COUNT, v, b.tagsFor(k), ts))
	}
	for k, s := range w.samples {
		out = appendSummary(out, k.metric, s, b.tagsFor(k), ts)
	}
	return out
}

func (b *Backend) tagsFor(k bucket) []string {
	return slices.Concat(b.baseTags, k.tagList())
}

var quantiles = []struct {
	suffix string
	q      float64
}{{".p50", 0.50}, {".p90", 0.90}, {".p95", 0.95}, {".p99", 0.99}}

// appendSummary appends the summary gauges of samples without reordering them.
func appendSummary(out []datadogV2.MetricSeries, metric string, samples []float64, tags []string, ts int64) []datadogV2.MetricSeries {
	if len(samples) == 0 {
		return out
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	gauge := datadogV2.METRICINTAKETYPE_GAUGE
	for _, q := range quantiles {
		out = append(out, point(metric+q.suffix, gauge, quantile(sorted, q.q), tags, ts))
	}
	return append(out,
		point(metric+".max", gauge, sorted[len(sorted)-1], tags, ts),
		point(metric+".samples", gauge, float64(len(sorted)), tags, ts),
	)
}

func point(metric string, typ datadogV2.MetricIntakeType, v float64, tags []string, ts int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

// quantile is the nearest-rank quantile of sorted; 0 for no samples.
func quantile(sorted []float64, q float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	return sorted[min(int(q*float64(n-1)+0.5), n-1)]
}
