// Package testutil runs lattice documents through the full application for
// integration tests.
package testutil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/app"
)

// SafeBuffer is a thread-safe buffer for capturing log output in tests.
type SafeBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

// Write implements the io.Writer interface for SafeBuffer.
func (b *SafeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

// String implements the fmt.Stringer interface for SafeBuffer.
func (b *SafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// HarnessResult holds the outcomes of an integration test run.
type HarnessResult struct {
	// Output holds the logs and the printed job reports.
	Output string
	Err    error
	App    *app.App
	// Dir is the temporary directory the files were written to.
	Dir string
}

// Option adjusts the application config before the run.
type Option func(cfg *app.Config)

// WithJobs restricts the run to the named jobs.
func WithJobs(names ...string) Option {
	return func(cfg *app.Config) { cfg.Jobs = names }
}

// WithSave writes the environment to name, relative to the test directory.
func WithSave(name string) Option {
	return func(cfg *app.Config) { cfg.SavePath = name }
}

// RunLattice provides a standardized harness for running integration tests
// using a default background context.
func RunLattice(t *testing.T, files map[string]string, opts ...Option) *HarnessResult {
	t.Helper()
	return RunLatticeWithContext(context.Background(), t, files, opts...)
}

// RunLatticeWithContext writes files into a temporary directory, loads it as
// one document and runs every job in it.
func RunLatticeWithContext(ctx context.Context, t *testing.T, files map[string]string, opts ...Option) *HarnessResult {
	t.Helper()

	tmpDir := t.TempDir()
	for name, content := range files {
		filePath := filepath.Join(tmpDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))
	}

	cfg := &app.Config{
		LatticePath: tmpDir,
		Format:      app.FormatAuto,
		LogLevel:    "debug",
		LogFormat:   "text",
		WorkerCount: 4,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.SavePath != "" && !filepath.IsAbs(cfg.SavePath) {
		// Keep the saved file out of the lattice directory.
		saveDir := t.TempDir()
		cfg.SavePath = filepath.Join(saveDir, cfg.SavePath)
	}

	logBuffer := &SafeBuffer{}

	var testApp *app.App
	var panicErr any
	func() {
		defer func() {
			if r := recover(); r != nil {
				if os.Getenv("BGGO_TEST_LOGS") == "true" {
					t.Logf("--- HARNESS RECOVERED PANIC ---\n%q", fmt.Sprintf("%v", r))
				}
				panicErr = r
			}
		}()
		testApp = app.NewApp(logBuffer, cfg, nil)
	}()

	if panicErr != nil {
		return &HarnessResult{
			Output: logBuffer.String(),
			Err:    fmt.Errorf("application startup panicked | %v", panicErr),
			Dir:    tmpDir,
		}
	}

	runErr := testApp.Run(ctx)

	if os.Getenv("BGGO_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
	}

	return &HarnessResult{
		Output: logBuffer.String(),
		Err:    runErr,
		App:    testApp,
		Dir:    tmpDir,
	}
}
