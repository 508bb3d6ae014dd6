package cli

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"tollwarehouse/internal/metrics"
	"tollwarehouse/internal/metrics/datadog"
)

// metricsBackend is a metrics.Backend that owns background resources.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// initMetrics installs the configured metrics backend. The returned cleanup
// is never nil; it flushes and detaches the backend.
func initMetrics(ctx context.Context, job, backend string, tags []string, flushEvery time.Duration) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		if job == "" {
			job = "tollwh"
		}
		b, err := newDatadogBackend(ctx, datadog.Options{JobName: job, Tags: tags, FlushEvery: flushEvery})
		if err != nil {
			return noop, fmt.Errorf("metrics: init datadog: %w", err)
		}
		setMetricsBackend(b)
		return func() {
			setMetricsBackend(nil)
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backend)
	}
}
