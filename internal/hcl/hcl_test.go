package hcl

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
)

const fodoHCL = `
particle {
  mass0   = 938272088.16
  energy0 = 7e12
}

function "ek_program" {
  x = [0, 0.001]
  y = [160e6, 161e6]
}

variable "kqf"         { value = 0.4 }
variable "kqd"         { value = -var.kqf }
variable "on_x1.b"     { value = 2 * var.kqf + pow(var.kqd, 2) }
variable "kqf_at_load" { value = snapshot(var.kqf, 0.4) }

element "qf" "Quadrupole" {
  length = 0.5
  k1     = var.kqf
}
element "d" "Drift" {
  length = 2
}
element "qd" "Quadrupole" {
  length = 0.5
  k1     = var["kqd"]
}
element "mid" "Marker" {}

line "half" { components = ["qf", "d", "qd", "mid"] }
line "cell" { components = ["half", "-half"] }

twiss "cell_optics" {
  line   = "cell"
  method = "4d"
}

twiss "transfer" {
  line  = "half"
  start = "qf"
  end   = "mid"
  init {
    betx = 10
    bety = 2.5
    dx   = 0.1
  }
}

match "tunes" {
  twiss    = ["cell_optics"]
  solver   = "lstsq"
  max_iter = 30
  vary "kqf" {
    step   = 1e-8
    limits = [0, 1]
  }
  target "qx" {
    value = 0.2
    tol   = 1e-9
  }
  target "betx@mid" {
    mode  = "<"
    value = 12
    tag   = "beta"
  }
}
`

func fodoDocument() *config.Document {
	return &config.Document{
		Particle: &config.Particle{Mass0: 938272088.16, Q0: 1, Energy0: 7e12},
		Functions: []config.Function{
			{Name: "ek_program", X: []float64{0, 0.001}, Y: []float64{160e6, 161e6}},
		},
		Variables: []config.Variable{
			{Name: "kqf", Expr: expr.Const(0.4)},
			{Name: "kqd", Expr: expr.Neg(expr.Ref("kqf"))},
			{Name: "on_x1.b", Expr: expr.Add(
				expr.Mul(expr.Const(2), expr.Ref("kqf")),
				expr.Pow(expr.Ref("kqd"), expr.Const(2)),
			)},
			{Name: "kqf_at_load", Expr: expr.Snapshot("kqf", 0.4)},
		},
		Elements: []config.Element{
			{Name: "qf", Kind: lattice.Quadrupole, Attrs: map[string]expr.Node{
				"length": expr.Const(0.5), "k1": expr.Ref("kqf"),
			}},
			{Name: "d", Kind: lattice.Drift, Attrs: map[string]expr.Node{"length": expr.Const(2)}},
			{Name: "qd", Kind: lattice.Quadrupole, Attrs: map[string]expr.Node{
				"length": expr.Const(0.5), "k1": expr.Ref("kqd"),
			}},
			{Name: "mid", Kind: lattice.Marker, Attrs: map[string]expr.Node{}},
		},
		Lines: []config.Line{
			{Name: "half", Components: []string{"qf", "d", "qd", "mid"}},
			{Name: "cell", Components: []string{"half", "-half"}},
		},
		Twiss: []config.Twiss{
			{Name: "cell_optics", Line: "cell", Method: "4d"},
			{Name: "transfer", Line: "half", Start: "qf", End: "mid",
				Init: &optics.InitialConditions{Betx: 10, Bety: 2.5, Dx: 0.1}},
		},
		Matches: []config.Match{{
			Name: "tunes", Twiss: []string{"cell_optics"}, Solver: "lstsq", MaxIter: 30,
			Vary: []config.Vary{{Name: "kqf", Step: 1e-8, Limits: &[2]float64{0, 1}}},
			Targets: []config.Target{
				{Quantity: "qx", Value: 0.2, Tol: 1e-9},
				{Quantity: "betx@mid", Mode: "<", Value: 12, Tag: "beta"},
			},
		}},
	}
}

func TestLoader_Parse(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	l := NewLoader()

	// --- Act ---
	doc, err := l.Parse(context.Background(), []byte(fodoHCL), "fodo.hcl")

	// --- Assert ---
	require.NoError(t, err)
	if diff := cmp.Diff(fodoDocument(), doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
}

func TestWriter_RoundTrip(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	want := fodoDocument()
	want.Ramp = &config.Ramp{
		Line: "cell", Cavity: "mid", Harmonic: 2,
		Time: []float64{0, 1e-3}, KineticEnergy: []float64{160e6, 160.5e6}, Turns: 10,
	}
	var buf bytes.Buffer

	// --- Act ---
	require.NoError(t, NewWriter().Write(&buf, want))
	got, err := NewLoader().Parse(context.Background(), buf.Bytes(), "written.hcl")

	// --- Assert ---
	require.NoError(t, err, "written document:\n%s", buf.String())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s\nwritten:\n%s", diff, buf.String())
	}
	assert.Contains(t, buf.String(), `snapshot(var.kqf, 0.4)`)
	assert.Contains(t, buf.String(), `variable "on_x1.b"`)
}

const shapedHCL = `
particle {
  mass0           = 938272088.16
  kinetic_energy0 = 160e6
}

variable "kq" { value = 0.3 }

element "q" "Quadrupole" {
  length = 1
  k1     = var.kq
}
element "bpm" "Marker" {}
element "cav" "Cavity" { voltage = 8e3 }

line "placed" {
  length = 10
  place "q" { at = 2 }
  place "q2" {
    element = "q"
    at      = 5
    from    = "q"
  }
}

line "ring" {
  components = ["-placed"]
  replicate  = "r"
  repeat     = 2
  insert "bpm_in" {
    element = "bpm"
    index   = 0
  }
  insert "cav" { at = 0.5 }
  slice {
    slices = 2
    kind   = "Quadrupole"
    scheme = "uniform"
  }
}

twiss "ring_optics" {
  line = "ring"
  rows = "^q"
  beam {
    nemitx = 2e-6
    nemity = 1e-6
  }
  column "ratio" { expr = "betx / bety" }
}

ramp {
  line           = "ring"
  cavity         = "cav"
  harmonic       = 1
  time           = [0, 1]
  kinetic_energy = [160e6, 2e9]
  t0             = 0.5
}
`

func shapedDocument() *config.Document {
	index, at := 0, 0.5
	return &config.Document{
		Particle:  &config.Particle{Mass0: 938272088.16, Q0: 1, KineticEnergy0: 160e6},
		Variables: []config.Variable{{Name: "kq", Expr: expr.Const(0.3)}},
		Elements: []config.Element{
			{Name: "q", Kind: lattice.Quadrupole, Attrs: map[string]expr.Node{
				"length": expr.Const(1), "k1": expr.Ref("kq"),
			}},
			{Name: "bpm", Kind: lattice.Marker, Attrs: map[string]expr.Node{}},
			{Name: "cav", Kind: lattice.Cavity, Attrs: map[string]expr.Node{"voltage": expr.Const(8e3)}},
		},
		Lines: []config.Line{
			{Name: "placed", Length: 10, Placements: []config.Placed{
				{Name: "q", Element: "q", At: 2},
				{Name: "q2", Element: "q", At: 5, From: "q"},
			}},
			{
				Name: "ring", Components: []string{"-placed"}, Replicate: "r", Repeat: 2,
				Inserts: []config.Insert{
					{Name: "bpm_in", Element: "bpm", Index: &index},
					{Name: "cav", S: &at},
				},
				Slices: []config.SliceRule{{Slices: 2, Kind: "Quadrupole", Scheme: "uniform"}},
			},
		},
		Twiss: []config.Twiss{{
			Name: "ring_optics", Line: "ring", Rows: "^q",
			Beam:    &optics.Emittances{NEmitX: 2e-6, NEmitY: 1e-6},
			Columns: []config.Column{{Name: "ratio", Expr: "betx / bety"}},
		}},
		Ramp: &config.Ramp{
			Line: "ring", Cavity: "cav", Harmonic: 1,
			Time: []float64{0, 1}, KineticEnergy: []float64{160e6, 2e9}, T0: 0.5,
		},
	}
}

func TestLoader_ShapedLines(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// --- Act ---
	doc, err := NewLoader().Parse(ctx, []byte(shapedHCL), "shaped.hcl")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, NewWriter().Write(&buf, doc))
	again, err := NewLoader().Parse(ctx, buf.Bytes(), "written.hcl")
	require.NoError(t, err, "written document:\n%s", buf.String())

	// --- Assert ---
	if diff := cmp.Diff(shapedDocument(), doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(doc, again); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s\nwritten:\n%s", diff, buf.String())
	}

	env, err := config.Build(ctx, doc)
	require.NoError(t, err)
	ring := env.Lines["ring"]
	assert.Equal(t, "bpm_in", ring.Names()[0])
	assert.True(t, ring.Has("cav"))
	assert.False(t, ring.Has("q.r::0"), "quadrupoles are sliced")
	length, err := ring.Length()
	require.NoError(t, err)
	assert.InDelta(t, 20.0, length, 1e-9)
	tt, err := env.Ramp.Time()
	require.NoError(t, err)
	assert.Equal(t, 0.5, tt)
}

func TestWriter_CapturedEnvironment(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	doc, err := NewLoader().Parse(ctx, []byte(fodoHCL), "fodo.hcl")
	require.NoError(t, err)
	env, err := config.Build(ctx, doc)
	require.NoError(t, err)
	require.NoError(t, env.Graph.SetByName("kqf", 0.25))

	var buf bytes.Buffer
	require.NoError(t, NewWriter().Write(&buf, config.Capture(env)))
	reloaded, err := NewLoader().Parse(ctx, buf.Bytes(), "captured.hcl")
	require.NoError(t, err)
	env2, err := config.Build(ctx, reloaded)
	require.NoError(t, err)

	for _, name := range []string{"kqf", "kqd", "on_x1.b", "kqf_at_load"} {
		a, err := env.Graph.ValueOf(name)
		require.NoError(t, err)
		b, err := env2.Graph.ValueOf(name)
		require.NoError(t, err)
		assert.Equal(t, a, b, name)
	}
	k1, err := env2.Lines["cell"].Attribute("qd::1", lattice.FieldK1)
	require.NoError(t, err)
	assert.Equal(t, -0.25, k1)
}

func TestLoader_Load(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	dir := t.TempDir()
	sub := filepath.Join(dir, "optics")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vars.hcl"), []byte(`variable "k" { value = 1 }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "elements.hcl"),
		[]byte(`element "q" "Quadrupole" { k1 = var.k }`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	// --- Act ---
	doc, err := NewLoader().Load(context.Background(), dir)

	// --- Assert ---
	require.NoError(t, err)
	require.Len(t, doc.Variables, 1)
	require.Len(t, doc.Elements, 1)
	assert.Equal(t, expr.Ref("k"), doc.Elements[0].Attrs["k1"])
}

func TestLoader_Errors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		src  string
		want error
	}{
		{name: "unknown kind", src: `element "x" "Wiggler" {}`, want: lattice.ErrUnknownKind},
		{name: "unknown field", src: `element "x" "Drift" { k1 = 1 }`, want: lattice.ErrUnknownField},
		{name: "two particles", src: "particle {\n mass0 = 1\n}\nparticle {\n mass0 = 1\n}", want: config.ErrInvalidDocument},
		{name: "bad limits", src: `match "m" {
  twiss = ["t"]
  vary "k" { limits = [1] }
}`, want: config.ErrInvalidDocument},
		{name: "string expression", src: `variable "k" { value = "one" }`},
		{name: "syntax", src: `variable "k" {`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewLoader().Parse(context.Background(), []byte(tc.src), "bad.hcl")
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}

	_, err := NewLoader().Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
