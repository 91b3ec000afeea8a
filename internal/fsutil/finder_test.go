package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFiles(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	dir := t.TempDir()
	sub := filepath.Join(dir, "optics")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for _, name := range []string{"a.yaml", "b.YML", "c.hcl", filepath.Join("optics", "d.yaml")} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	single := filepath.Join(dir, "a.yaml")

	// --- Act ---
	files, err := FindFiles([]string{single, dir}, ".yaml", ".yml")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{
		single,
		filepath.Join(dir, "b.YML"),
		filepath.Join(sub, "d.yaml"),
	}, files)

	t.Run("missing path", func(t *testing.T) {
		t.Parallel()
		_, err := FindFiles([]string{filepath.Join(dir, "nope")}, ".hcl")
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("non-matching file", func(t *testing.T) {
		t.Parallel()
		files, err := FindFiles([]string{filepath.Join(dir, "c.hcl")}, ".yaml")
		require.NoError(t, err)
		assert.Empty(t, files)
	})
}
