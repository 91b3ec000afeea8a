package integrationtests

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/testutil"
)

const elementsHCL = `
particle {
  mass0   = 938272088.16
  energy0 = 7e12
}

variable "kqf" { value = 0.4 }
variable "kqd" { value = -0.4 }

element "qf" "Quadrupole" {
  length = 0.5
  k1     = var.kqf
}
element "d" "Drift" { length = 2 }
element "qd" "Quadrupole" {
  length = 0.5
  k1     = var.kqd
}
element "mid" "Marker" {}

line "half" { components = ["qf", "d", "qd", "mid"] }
line "cell" { components = ["half", "-half"] }
`

const jobsHCL = `
twiss "cell_optics" {
  line = "cell"
}

twiss "cell_reversed" {
  line    = "cell"
  reverse = true
}

match "tunes" {
  twiss = ["cell_optics"]
  vary "kqf" { step = 1e-8 }
  vary "kqd" { step = 1e-8 }
  target "qx" {
    value = 0.21
    tol   = 1e-10
  }
  target "qy" {
    value = 0.19
    tol   = 1e-10
  }
}
`

func TestTuneMatch_AcrossFiles(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	files := map[string]string{
		"optics/elements.hcl": elementsHCL,
		"jobs.hcl":            jobsHCL,
	}

	// --- Act ---
	result := testutil.RunLattice(t, files)

	// --- Assert ---
	require.NoError(t, result.Err)
	testutil.AssertJobRan(t, result, "match", "tunes")
	testutil.AssertJobRan(t, result, "twiss", "cell_optics")
	testutil.AssertJobRan(t, result, "twiss", "cell_reversed")

	tab := testutil.Twiss(t, result, "cell_optics")
	assert.InDelta(t, 0.21, tab.Qx, 1e-8)
	assert.InDelta(t, 0.19, tab.Qy, 1e-8)
}

func TestReverse_SharesTunesAndBetas(t *testing.T) {
	t.Parallel()
	files := map[string]string{"lattice.hcl": elementsHCL + jobsHCL}

	result := testutil.RunLattice(t, files, testutil.WithJobs("cell_optics", "cell_reversed"))

	require.NoError(t, result.Err)
	fwd := testutil.Twiss(t, result, "cell_optics")
	rev := testutil.Twiss(t, result, "cell_reversed")
	assert.True(t, rev.Reversed)
	assert.InDelta(t, fwd.Qx, rev.Qx, 1e-12)
	assert.InDelta(t, fwd.Qy, rev.Qy, 1e-12)
	for _, row := range []string{"qf::0", "mid::0", "qd::1"} {
		b1, err := fwd.Value("betx", row)
		require.NoError(t, err)
		b2, err := rev.Value("betx", row)
		require.NoError(t, err)
		assert.InDelta(t, b1, b2, 1e-9, row)

		a1, err := fwd.Value("alfx", row)
		require.NoError(t, err)
		a2, err := rev.Value("alfx", row)
		require.NoError(t, err)
		assert.InDelta(t, -a1, a2, 1e-9, row)
	}
}

func TestSaveAndReload(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	first := testutil.RunLattice(t, map[string]string{"lattice.hcl": elementsHCL + jobsHCL},
		testutil.WithSave("matched.hcl"))
	require.NoError(t, first.Err)
	saved, err := os.ReadFile(savedPath(t, first))
	require.NoError(t, err)

	// --- Act ---
	second := testutil.RunLattice(t, map[string]string{"lattice.hcl": string(saved)},
		testutil.WithJobs("cell_optics"))

	// --- Assert ---
	require.NoError(t, second.Err)
	a := testutil.Twiss(t, first, "cell_optics")
	b := testutil.Twiss(t, second, "cell_optics")
	assert.Equal(t, a.Qx, b.Qx)
	assert.Equal(t, a.Qy, b.Qy)
}

func savedPath(t *testing.T, result *testutil.HarnessResult) string {
	t.Helper()
	for _, line := range strings.Split(result.Output, "\n") {
		if !strings.Contains(line, "Environment saved.") {
			continue
		}
		_, after, ok := strings.Cut(line, "path=")
		require.True(t, ok, line)
		return strings.Fields(after)[0]
	}
	t.Fatal("no save recorded in output")
	return ""
}

func TestRamp_YAMLDirectory(t *testing.T) {
	t.Parallel()
	files := map[string]string{
		"ring.yaml": `
particle:
  mass0: 938272088.16
  kinetic_energy0: 160e6
elements:
  - {name: d, kind: Drift, attrs: {length: 157.08}}
  - {name: br.c02, kind: Cavity, attrs: {voltage: 3000}}
lines:
  - {name: psb, components: [d, br.c02]}
`,
		"ramp.yml": `
ramp:
  line: psb
  cavity: br.c02
  harmonic: 2
  time: [0, 1e-3, 1e-2]
  kinetic_energy: [160e6, 160e6, 260e6]
  turns: 2000
`,
	}

	result := testutil.RunLattice(t, files)

	require.NoError(t, result.Err)
	ramp := result.App.Env().Ramp
	require.NotNil(t, ramp)
	st, err := ramp.State()
	require.NoError(t, err)
	assert.Equal(t, 2000, st.Turn)
	assert.Greater(t, st.T, 1e-3)
	assert.Greater(t, st.KineticEnergy, 160e6)
	assert.InDelta(t, 2*st.Frev, st.RFFrequency, 1e-3)
	assert.Contains(t, result.Output, "⚡ Ramp advanced.")
}

func TestStartupErrors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "cyclic variables",
			src:  "variable \"a\" { value = var.b }\nvariable \"b\" { value = var.a + 1 }",
			want: "cyclic dependency",
		},
		{name: "unknown kind", src: `element "w" "Wiggler" {}`, want: "Wiggler"},
		{name: "unknown component", src: `line "l" { components = ["ghost"] }`, want: "ghost"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result := testutil.RunLattice(t, map[string]string{"bad.hcl": tc.src})

			require.Error(t, result.Err)
			assert.Contains(t, result.Err.Error(), "application startup panicked")
			assert.Contains(t, result.Err.Error(), tc.want)
		})
	}
}
