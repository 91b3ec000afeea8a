package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/optics"
)

// AssertJobRan checks that the report of a twiss or match job was printed.
func AssertJobRan(t *testing.T, result *HarnessResult, kind, name string) {
	t.Helper()

	var header string
	switch kind {
	case "twiss":
		header = fmt.Sprintf("twiss %s (", name)
	case "match":
		header = fmt.Sprintf("match %s:", name)
	default:
		t.Fatalf("unknown job kind %q", kind)
	}
	require.True(t,
		strings.Contains(result.Output, header),
		"expected report for %s %q was not found in output", kind, name,
	)
}

// Twiss recomputes a twiss job against the environment as the run left it.
func Twiss(t *testing.T, result *HarnessResult, name string) *optics.Table {
	t.Helper()
	require.NoError(t, result.Err)
	require.NotNil(t, result.App)
	tab, err := result.App.Env().RunTwiss(context.Background(), name)
	require.NoError(t, err)
	return tab
}
