// Package config holds the pipeline configuration shared by the loader, the
// simulation and the tollwh CLI.
//
// A pipeline file is JSON or YAML (picked by extension). Environment variables
// fill in values the file leaves empty, and the storage DSN is expanded with
// os.ExpandEnv so credentials can stay out of the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level pipeline configuration.
type Pipeline struct {
	Job        string        `json:"job" yaml:"job"`
	Source     Source        `json:"source" yaml:"source"`
	Storage    Storage       `json:"storage" yaml:"storage"`
	Runtime    RuntimeConfig `json:"runtime" yaml:"runtime"`
	Metrics    Metrics       `json:"metrics" yaml:"metrics"`
	Simulation Simulation    `json:"simulation" yaml:"simulation"`
}

// Source points at the JSONL event file.
type Source struct {
	Path string `json:"path" yaml:"path"`
}

// Storage selects the warehouse backend.
type Storage struct {
	// Backend kind: "postgres" | "sqlite" | "mssql" | "mysql"
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// RuntimeConfig controls loader execution behavior.
type RuntimeConfig struct {
	BatchSize     int `json:"batch_size" yaml:"batch_size"`
	LoaderWorkers int `json:"loader_workers" yaml:"loader_workers"`
	ChannelBuffer int `json:"channel_buffer" yaml:"channel_buffer"`

	// DebugTimings logs per-batch durations in pass 2.
	DebugTimings bool `json:"debug_timings" yaml:"debug_timings"`

	// Lenient skips fact rows the database rejects for constraint reasons
	// instead of failing the run.
	Lenient bool `json:"lenient" yaml:"lenient"`
}

// Metrics selects and configures the metrics backend.
type Metrics struct {
	// Backend: "" | "none" | "datadog"
	Backend    string   `json:"backend" yaml:"backend"`
	Tags       []string `json:"tags" yaml:"tags"`
	FlushEvery Duration `json:"flush_every" yaml:"flush_every"`
}

// Simulation configures the toll plaza simulation.
type Simulation struct {
	Booths          int      `json:"booths" yaml:"booths"`
	VehiclesPerHour float64  `json:"vehicles_per_hour" yaml:"vehicles_per_hour"`
	Duration        Duration `json:"duration" yaml:"duration"`
	Seed            uint64   `json:"seed" yaml:"seed"`

	// Start is the wall-clock time of simulation second zero (RFC3339).
	// Empty means "now" at run time.
	Start string `json:"start" yaml:"start"`

	PlazaID   string `json:"plaza_id" yaml:"plaza_id"`
	PlazaName string `json:"plaza_name" yaml:"plaza_name"`
}

// Duration is a time.Duration written as "90s" / "1h" in config files.
// Plain numbers are read as seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var v any
	if err := n.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch t := v.(type) {
	case nil:
		d.Duration = 0
	case float64:
		d.Duration = time.Duration(t * float64(time.Second))
	case int:
		d.Duration = time.Duration(t) * time.Second
	case string:
		if strings.TrimSpace(t) == "" {
			d.Duration = 0
			return nil
		}
		p, err := time.ParseDuration(strings.TrimSpace(t))
		if err != nil {
			return fmt.Errorf("duration %q: %w", t, err)
		}
		d.Duration = p
	default:
		return fmt.Errorf("duration: unsupported value %T", v)
	}
	return nil
}

// Defaults used when the file and environment leave a field empty.
const (
	DefaultJob             = "tollwh"
	DefaultBatchSize       = 500
	DefaultLoaderWorkers   = 2
	DefaultChannelBuffer   = 4
	DefaultBooths          = 3
	DefaultVehiclesPerHour = 200
	DefaultSimDuration     = time.Hour
	DefaultPlazaID         = "TP-001"
	DefaultPlazaName       = "Main Plaza"
)

// Default returns a pipeline with every default applied and no source or storage.
func Default() Pipeline {
	var p Pipeline
	p.applyDefaults()
	return p
}

// Load reads a pipeline from path, then applies environment fallbacks and defaults.
func Load(path string) (Pipeline, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, fmt.Errorf("read config: %w", err)
	}
	p, err := Parse(raw, filepath.Ext(path))
	if err != nil {
		return Pipeline{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes raw as YAML when ext is ".yaml"/".yml" and as JSON otherwise.
func Parse(raw []byte, ext string) (Pipeline, error) {
	var p Pipeline
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return Pipeline{}, err
		}
	default:
		if err := json.Unmarshal(raw, &p); err != nil {
			return Pipeline{}, err
		}
	}
	p.ApplyEnv()
	p.applyDefaults()
	return p, nil
}

// LoadEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv fills empty fields from DATABASE_URL, STORAGE_KIND, METRICS_BACKEND
// and METRICS_TAGS, then expands ${VAR} references in the DSN.
func (p *Pipeline) ApplyEnv() {
	if p.Storage.DSN == "" {
		p.Storage.DSN = os.Getenv("DATABASE_URL")
	}
	if p.Storage.Kind == "" {
		p.Storage.Kind = os.Getenv("STORAGE_KIND")
	}
	if p.Metrics.Backend == "" {
		p.Metrics.Backend = os.Getenv("METRICS_BACKEND")
	}
	if len(p.Metrics.Tags) == 0 {
		if v := strings.TrimSpace(os.Getenv("METRICS_TAGS")); v != "" {
			for _, t := range strings.Split(v, ",") {
				if t = strings.TrimSpace(t); t != "" {
					p.Metrics.Tags = append(p.Metrics.Tags, t)
				}
			}
		}
	}
	p.Storage.DSN = os.ExpandEnv(p.Storage.DSN)
	p.Storage.Kind = strings.ToLower(strings.TrimSpace(p.Storage.Kind))
}

func (p *Pipeline) applyDefaults() {
	if p.Job == "" {
		p.Job = DefaultJob
	}
	if p.Runtime.BatchSize == 0 {
		p.Runtime.BatchSize = DefaultBatchSize
	}
	if p.Runtime.LoaderWorkers == 0 {
		p.Runtime.LoaderWorkers = DefaultLoaderWorkers
	}
	if p.Runtime.ChannelBuffer == 0 {
		p.Runtime.ChannelBuffer = DefaultChannelBuffer
	}
	if p.Metrics.FlushEvery.Duration == 0 {
		p.Metrics.FlushEvery.Duration = time.Minute
	}

	s := &p.Simulation
	if s.Booths == 0 {
		s.Booths = DefaultBooths
	}
	if s.VehiclesPerHour == 0 {
		s.VehiclesPerHour = DefaultVehiclesPerHour
	}
	if s.Duration.Duration == 0 {
		s.Duration.Duration = DefaultSimDuration
	}
	if s.PlazaID == "" {
		s.PlazaID = DefaultPlazaID
	}
	if s.PlazaName == "" {
		s.PlazaName = DefaultPlazaName
	}
}
