package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/app"
)

func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("full flag set", func(t *testing.T) {
		t.Parallel()
		// --- Arrange ---
		args := []string{
			"--format", "YAML", "--jobs", "tunes, cell_optics,", "--save", "out.hcl",
			"--workers", "4", "--log-level", "DEBUG", "--log-format", "text",
			"--healthcheck-port", "8080", "--progress-url", "http://localhost:3000/optics",
			"--watch", "--metrics", "prometheus", "--traces", "stdout",
			"booster.yaml",
		}

		// --- Act ---
		cfg, exit, err := Parse(args, &bytes.Buffer{})

		// --- Assert ---
		require.NoError(t, err)
		assert.False(t, exit)
		assert.Equal(t, &app.Config{
			LatticePath:     "booster.yaml",
			Format:          app.FormatYAML,
			Jobs:            []string{"tunes", "cell_optics"},
			SavePath:        "out.hcl",
			ProgressURL:     "http://localhost:3000/optics",
			HealthcheckPort: 8080,
			LogFormat:       "text",
			LogLevel:        "debug",
			WorkerCount:     4,
			Watch:           true,
			Metrics:         "prometheus",
			Traces:          "stdout",
		}, cfg)
	})

	t.Run("lattice flag wins over argument", func(t *testing.T) {
		t.Parallel()
		cfg, _, err := Parse([]string{"-l", "a.hcl", "b.hcl"}, &bytes.Buffer{})
		require.NoError(t, err)
		assert.Equal(t, "a.hcl", cfg.LatticePath)
		assert.Equal(t, app.FormatAuto, cfg.Format)
		assert.Nil(t, cfg.Jobs)
		assert.Equal(t, "none", cfg.Metrics)
		assert.False(t, cfg.Watch)
	})

	t.Run("no path prints usage", func(t *testing.T) {
		t.Parallel()
		out := &bytes.Buffer{}
		cfg, exit, err := Parse(nil, out)
		require.NoError(t, err)
		assert.True(t, exit)
		assert.Nil(t, cfg)
		assert.Contains(t, out.String(), "LATTICE_PATH")
	})
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		args []string
		want string
	}{
		{name: "log format", args: []string{"--log-format", "xml", "a.hcl"}, want: "invalid log-format"},
		{name: "log level", args: []string{"--log-level", "trace", "a.hcl"}, want: "invalid log-level"},
		{name: "format", args: []string{"--format", "toml", "a.hcl"}, want: "unknown format"},
		{name: "metrics", args: []string{"--metrics", "graphite", "a.hcl"}, want: "unknown metrics exporter"},
		{name: "traces", args: []string{"--traces", "jaeger", "a.hcl"}, want: "unknown traces exporter"},
		{name: "workers", args: []string{"--workers", "-2", "a.hcl"}, want: "cannot be negative"},
		{name: "unknown flag", args: []string{"--nope"}, want: "flag provided but not defined"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Parse(tc.args, &bytes.Buffer{})
			var exitErr *ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, 2, exitErr.Code)
			assert.Contains(t, exitErr.Message, tc.want)
		})
	}
}
