package config

import (
	"fmt"
	"slices"
	"time"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError Severity = "error"
	SeverityWarn  Severity = "warning"
)

// Issue is one validation finding. Path uses dotted config keys.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// StorageKinds are the backends compiled into tollwh.
var StorageKinds = []string{"mssql", "mysql", "postgres", "sqlite"}

// ValidatePipeline reports problems in p. Errors make the pipeline unusable;
// warnings flag settings that work but are probably unintended.
//
// Source path is not checked here: only `tollwh load` needs it and that
// command reports a missing path itself.
func ValidatePipeline(p Pipeline) []Issue {
	var out []Issue
	add := func(sev Severity, path, format string, args ...any) {
		out = append(out, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	switch {
	case p.Storage.Kind == "":
		add(SeverityError, "storage.kind", "must be set (or STORAGE_KIND)")
	case !slices.Contains(StorageKinds, p.Storage.Kind):
		add(SeverityError, "storage.kind", "unsupported kind %q (want one of %v)", p.Storage.Kind, StorageKinds)
	}
	if p.Storage.DSN == "" {
		add(SeverityError, "storage.dsn", "must be set (or DATABASE_URL)")
	}

	if p.Runtime.BatchSize < 0 {
		add(SeverityError, "runtime.batch_size", "must be >= 0, got %d", p.Runtime.BatchSize)
	}
	if p.Runtime.LoaderWorkers < 0 {
		add(SeverityError, "runtime.loader_workers", "must be >= 0, got %d", p.Runtime.LoaderWorkers)
	}
	if p.Runtime.LoaderWorkers > 1 && p.Storage.Kind == "sqlite" {
		add(SeverityWarn, "runtime.loader_workers", "sqlite uses a single connection; %d workers will serialize", p.Runtime.LoaderWorkers)
	}
	if p.Runtime.ChannelBuffer < 0 {
		add(SeverityError, "runtime.channel_buffer", "must be >= 0, got %d", p.Runtime.ChannelBuffer)
	}

	switch p.Metrics.Backend {
	case "", "none", "datadog":
	default:
		add(SeverityError, "metrics.backend", "unsupported backend %q (want none or datadog)", p.Metrics.Backend)
	}
	if p.Metrics.FlushEvery.Duration < 0 {
		add(SeverityError, "metrics.flush_every", "must not be negative")
	} else if p.Metrics.FlushEvery.Duration > 0 && p.Metrics.FlushEvery.Duration < time.Second {
		add(SeverityWarn, "metrics.flush_every", "%s is very short", p.Metrics.FlushEvery.Duration)
	}

	s := p.Simulation
	if s.Booths < 0 {
		add(SeverityError, "simulation.booths", "must be > 0, got %d", s.Booths)
	}
	if s.VehiclesPerHour < 0 {
		add(SeverityError, "simulation.vehicles_per_hour", "must be > 0, got %v", s.VehiclesPerHour)
	}
	if s.Duration.Duration < 0 {
		add(SeverityError, "simulation.duration", "must not be negative")
	}
	if s.Start != "" {
		if _, err := time.Parse(time.RFC3339, s.Start); err != nil {
			add(SeverityError, "simulation.start", "not RFC3339: %v", err)
		}
	}

	return out
}

// HasErrors reports whether issues contains an error-severity issue.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
