package app

import (
	"errors"
	"fmt"

	"github.com/vk/beamgridgo/internal/telemetry"
)

// Supported document formats. FormatAuto picks by file extension.
const (
	FormatAuto = "auto"
	FormatHCL  = "hcl"
	FormatYAML = "yaml"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	LatticePath string // .hcl or .yaml files, or a directory of them
	Format      string
	// Jobs restricts the run to the named twiss and match jobs. Empty runs
	// every job in the document.
	Jobs []string
	// SavePath receives the captured document after the run when set.
	SavePath string

	// Watch re-runs the jobs whenever a lattice file changes.
	Watch bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	WorkerCount     int
	ProgressURL     string
	// Metrics and Traces name the telemetry exporters; see package telemetry.
	Metrics string
	Traces  string
}

func NewConfig(cfg Config) (*Config, error) {
	if cfg.LatticePath == "" {
		return nil, errors.New("LatticePath is a required configuration field and cannot be empty")
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatAuto
	case FormatAuto, FormatHCL, FormatYAML:
	default:
		return nil, fmt.Errorf("unknown format %q: must be 'auto', 'hcl' or 'yaml'", cfg.Format)
	}
	switch cfg.Metrics {
	case "":
		cfg.Metrics = telemetry.ExporterNone
	case telemetry.ExporterNone, telemetry.ExporterPrometheus, telemetry.ExporterStdout:
	default:
		return nil, fmt.Errorf("unknown metrics exporter %q: must be 'none', 'prometheus' or 'stdout'", cfg.Metrics)
	}
	switch cfg.Traces {
	case "":
		cfg.Traces = telemetry.ExporterNone
	case telemetry.ExporterNone, telemetry.ExporterStdout:
	default:
		return nil, fmt.Errorf("unknown traces exporter %q: must be 'none' or 'stdout'", cfg.Traces)
	}
	if cfg.WorkerCount < 0 {
		return nil, fmt.Errorf("worker count %d cannot be negative", cfg.WorkerCount)
	}
	return &cfg, nil
}
