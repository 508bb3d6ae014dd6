package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tollwarehouse/internal/metrics"
	"tollwarehouse/internal/metrics/datadog"
)

// fakeMetricsBackend records Close calls.
type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeMetricsBackend) Flush() error                                     { return nil }

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

// swapSeams replaces the package seams for one test.
func swapSeams(t *testing.T, newFn func(context.Context, datadog.Options) (metricsBackend, error), setFn func(metrics.Backend)) *bytes.Buffer {
	t.Helper()
	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	t.Cleanup(func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	})

	var logged bytes.Buffer
	newDatadogBackend = newFn
	setMetricsBackend = setFn
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }
	return &logged
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	swapSeams(t, nil, func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	})

	for _, backend := range []string{"", "none", " NONE "} {
		cleanup, err := initMetrics(context.Background(), "job", backend, nil, time.Minute)
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v", backend, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		gotOpts datadog.Options
		set     []metrics.Backend
	)
	logged := swapSeams(t,
		func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
			gotOpts = opts
			return b, nil
		},
		func(mb metrics.Backend) { set = append(set, mb) },
	)

	cleanup, err := initMetrics(context.Background(), "", "datadog", []string{"team:roads"}, 30*time.Second)
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.JobName != "tollwh" || gotOpts.FlushEvery != 30*time.Second || len(gotOpts.Tags) != 1 {
		t.Fatalf("datadog options = %+v", gotOpts)
	}
	if len(set) != 1 || set[0] != metrics.Backend(b) {
		t.Fatalf("backend not installed: %v", set)
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if len(set) != 2 || set[1] != nil {
		t.Fatalf("cleanup must detach the backend: %v", set)
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}
	logged := swapSeams(t,
		func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil },
		func(metrics.Backend) {},
	)

	cleanup, err := initMetrics(context.Background(), "job", "dd", nil, time.Minute)
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_Errors(t *testing.T) {
	swapSeams(t,
		func(context.Context, datadog.Options) (metricsBackend, error) { return nil, errors.New("no api key") },
		func(metrics.Backend) { t.Fatalf("must not install a failed backend") },
	)

	cleanup, err := initMetrics(context.Background(), "job", "datadog", nil, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "no api key") {
		t.Fatalf("err=%v", err)
	}
	cleanup()

	cleanup, err = initMetrics(context.Background(), "job", "nope", nil, time.Minute)
	if err == nil || !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%v", err)
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
}
