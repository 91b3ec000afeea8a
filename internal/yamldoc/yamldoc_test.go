package yamldoc

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
)

const boosterYAML = `
particle:
  mass0: 938272088.16
  kinetic_energy0: 160e6
variables:
  - name: kqf
    value: 0.72
  - name: kqd
    value: -var.kqf * 0.98
  - name: frozen
    value: snapshot(var.kqf, 0.72)
elements:
  - name: qf
    kind: Quadrupole
    attrs: {length: 0.5, k1: var.kqf}
  - name: d
    kind: Drift
    attrs: {length: 4}
  - name: qd
    kind: Quadrupole
    attrs: {length: 0.5, k1: 'var["kqd"]'}
  - name: cav
    kind: Cavity
    attrs: {voltage: 8e3, lag: 180}
lines:
  - name: ring
    components: [qf, d, qd, d, cav]
twiss:
  - name: ring_optics
    line: ring
    method: 4d
ramp:
  line: ring
  cavity: cav
  harmonic: 1
  time: [0, 0.001]
  kinetic_energy: [160e6, 161e6]
  turns: 3
`

func TestDecode(t *testing.T) {
	t.Parallel()
	// --- Act ---
	doc, err := Decode(strings.NewReader(boosterYAML))

	// --- Assert ---
	require.NoError(t, err)
	require.NotNil(t, doc.Particle)
	assert.Equal(t, 1.0, doc.Particle.Q0)
	assert.Equal(t, 160e6, doc.Particle.KineticEnergy0)
	require.Len(t, doc.Variables, 3)
	assert.Equal(t, expr.Const(0.72), doc.Variables[0].Expr)
	assert.Equal(t, expr.Snapshot("kqf", 0.72), doc.Variables[2].Expr)
	assert.Equal(t, expr.Ref("kqd"), doc.Elements[2].Attrs[lattice.FieldK1])
	assert.Equal(t, lattice.Cavity, doc.Elements[3].Kind)
	require.NotNil(t, doc.Ramp)
	assert.Equal(t, 3, doc.Ramp.Turns)

	env, err := config.Build(context.Background(), doc)
	require.NoError(t, err)
	require.NotNil(t, env.Ramp)
	st, err := env.Ramp.State()
	require.NoError(t, err)
	assert.Greater(t, st.RFFrequency, 0.0)
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	want := &config.Document{
		Particle: &config.Particle{Mass0: optics.ElectronMassEV, Q0: -1, Energy0: 45.6e9},
		Functions: []config.Function{
			{Name: "ramp_k", X: []float64{0, 1, 2}, Y: []float64{0.1, 0.2, 0.25}},
		},
		Variables: []config.Variable{
			{Name: "t", Expr: expr.Const(0.5)},
			{Name: "k", Expr: expr.Call("ramp_k", expr.Ref("t"))},
			{Name: "acb.1", Expr: expr.Snapshot("k", 0.15)},
		},
		Elements: []config.Element{
			{Name: "q", Kind: lattice.Quadrupole, Attrs: map[string]expr.Node{
				lattice.FieldLength: expr.Const(1), lattice.FieldK1: expr.Neg(expr.Ref("k")),
			}},
			{Name: "m", Kind: lattice.Marker, Attrs: map[string]expr.Node{}},
		},
		Lines: []config.Line{{Name: "l", Components: []string{"q", "m"}}},
		Twiss: []config.Twiss{{
			Name: "open", Line: "l", InitAt: "m",
			Init: &optics.InitialConditions{Betx: 1, Bety: 2, Px: 1e-6},
		}},
		Matches: []config.Match{{
			Name: "m", Twiss: []string{"open"}, MaxIter: 5,
			Vary: []config.Vary{{Name: "t", Step: 1e-6, Limits: &[2]float64{0, 2}, Tag: "knobs"}},
			Targets: []config.Target{
				{Twiss: "open", Quantity: "betx@q", Mode: ">", Value: 0.5, Weight: 10},
			},
		}},
	}
	var buf bytes.Buffer

	// --- Act ---
	require.NoError(t, New().Write(&buf, want))
	got, err := Decode(&buf)

	// --- Assert ---
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

const shapedYAML = `
elements:
  - {name: q, kind: Quadrupole, attrs: {length: 1, k1: 0.2}}
  - {name: m, kind: Marker}
lines:
  - name: placed
    length: 8
    placements:
      - {element: q, at: 1}
      - {name: q_far, element: q, at: 4, from: q}
  - name: twice
    components: [-placed]
    replicate: b
    repeat: 2
    inserts:
      - {name: m_in, element: m, after: q.b::0}
      - {name: m_mid, element: m, at: 8}
    slices:
      - {slices: 3, mode: thick, name: "q_far*"}
twiss:
  - name: sizes
    line: twice
    rows: "^m"
    beam: {nemitx: 1e-6, nemity: 1e-6, sigma_delta: 1e-3}
    columns:
      - {name: sum, expr: betx + bety}
ramp:
  line: twice
  time: [0, 1]
  kinetic_energy: [1e9, 2e9]
  t0: 0.25
`

func TestDecode_ShapedLines(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	at := 8.0
	want := []config.Line{
		{Name: "placed", Length: 8, Placements: []config.Placed{
			{Element: "q", At: 1},
			{Name: "q_far", Element: "q", At: 4, From: "q"},
		}},
		{
			Name: "twice", Components: []string{"-placed"}, Replicate: "b", Repeat: 2,
			Inserts: []config.Insert{
				{Name: "m_in", Element: "m", After: "q.b::0"},
				{Name: "m_mid", Element: "m", S: &at},
			},
			Slices: []config.SliceRule{{Slices: 3, Mode: "thick", Name: "q_far*"}},
		},
	}

	// --- Act ---
	doc, err := Decode(strings.NewReader(shapedYAML))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, New().Write(&buf, doc))
	again, err := Decode(&buf)
	require.NoError(t, err)

	// --- Assert ---
	if diff := cmp.Diff(want, doc.Lines); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(doc, again); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, doc.Twiss, 1)
	assert.Equal(t, "^m", doc.Twiss[0].Rows)
	assert.Equal(t, &optics.Emittances{NEmitX: 1e-6, NEmitY: 1e-6, SigmaDelta: 1e-3}, doc.Twiss[0].Beam)
	assert.Equal(t, []config.Column{{Name: "sum", Expr: "betx + bety"}}, doc.Twiss[0].Columns)
	require.NotNil(t, doc.Ramp)
	assert.Equal(t, 0.25, doc.Ramp.T0)
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		src  string
		want error
	}{
		{name: "unknown key", src: "variabels: []"},
		{name: "bad expression", src: "variables:\n  - name: a\n    value: 'var.'"},
		{name: "unknown kind", src: "elements:\n  - name: x\n    kind: Wiggler", want: lattice.ErrUnknownKind},
		{name: "unknown field", src: "elements:\n  - name: x\n    kind: Drift\n    attrs: {k1: 1}", want: lattice.ErrUnknownField},
		{name: "bad limits", src: "matches:\n  - name: m\n    twiss: [t]\n    vary: [{name: k, limits: [1, 2, 3]}]\n    targets: []", want: config.ErrInvalidDocument},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(strings.NewReader(tc.src))
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestCodec_Load(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("variables:\n  - {name: a, value: 1}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("variables:\n  - {name: b, value: var.a}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.yaml"), nil, 0o644))

	doc, err := New().Load(context.Background(), dir)

	require.NoError(t, err)
	require.Len(t, doc.Variables, 2)
	assert.Equal(t, expr.Ref("a"), doc.Variables[1].Expr)
}
