package cli

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/vk/beamgridgo/internal/app"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config,
// a boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	slog.Debug("CLI parser started.")
	flagSet := flag.NewFlagSet("beamgridgo", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
BeamGridGo - Live accelerator optics: lattices, twiss, matching and energy ramps.

Usage:
  beamgridgo [options] [LATTICE_PATH]

Arguments:
  LATTICE_PATH
    Path to a single .hcl or .yaml file, or a directory containing them.

Options:
`)
		flagSet.PrintDefaults()
	}

	latticeFlag := flagSet.String("lattice", "", "Path to the lattice file or directory.")
	lFlag := flagSet.String("l", "", "Path to the lattice file or directory (shorthand).")
	formatFlag := flagSet.String("format", app.FormatAuto, "Document format. Options: 'auto', 'hcl' or 'yaml'.")
	jobsFlag := flagSet.String("jobs", "", "Comma-separated twiss and match jobs to run. Empty runs all.")
	saveFlag := flagSet.String("save", "", "Write the environment after the run to this .hcl or .yaml file.")
	progressFlag := flagSet.String("progress-url", "", "socket.io server receiving match progress, e.g. http://localhost:3000/optics.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	workersFlag := flagSet.Int("workers", 0, "Concurrent optics evaluations. 0 uses GOMAXPROCS.")
	watchFlag := flagSet.Bool("watch", false, "Re-run the jobs whenever a lattice file changes.")
	metricsFlag := flagSet.String("metrics", "none", "Metrics exporter. Options: 'none', 'prometheus' (served on the health check port) or 'stdout'.")
	tracesFlag := flagSet.String("traces", "none", "Trace exporter. Options: 'none' or 'stdout'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	slog.Debug("Arguments parsed successfully.")

	path := ""
	if *latticeFlag != "" {
		path = *latticeFlag
	} else if *lFlag != "" {
		path = *lFlag
	} else if flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	slog.Debug("Lattice path determined.", "path", path)

	if path == "" {
		slog.Debug("No lattice path provided, printing usage and exiting.")
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}
	slog.Debug("CLI parameter validation complete.")

	config, err := app.NewConfig(app.Config{
		LatticePath:     path,
		Format:          strings.ToLower(*formatFlag),
		Jobs:            splitList(*jobsFlag),
		SavePath:        *saveFlag,
		ProgressURL:     *progressFlag,
		HealthcheckPort: *healthPortFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		WorkerCount:     *workersFlag,
		Watch:           *watchFlag,
		Metrics:         strings.ToLower(*metricsFlag),
		Traces:          strings.ToLower(*tracesFlag),
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	slog.Debug("CLI parser finished successfully.", "config", config)
	return config, false, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
