package config

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/match"
	"github.com/vk/beamgridgo/internal/optics"
	"github.com/vk/beamgridgo/internal/vargraph"
)

// fodoDocument is a FODO cell built from a half cell and its mirror.
func fodoDocument() *Document {
	return &Document{
		Particle: &Particle{Mass0: optics.ProtonMassEV, Q0: 1, Energy0: 7000e9},
		Variables: []Variable{
			// kqd is listed before the variable it reads.
			{Name: "kqd", Expr: expr.MustParse("-var.kqf")},
			{Name: "kqf", Expr: expr.Const(0.4)},
			{Name: "kqf_at_load", Expr: expr.Snapshot("kqf", 0.4)},
		},
		Elements: []Element{
			{Name: "qf", Kind: lattice.Quadrupole, Attrs: map[string]expr.Node{
				lattice.FieldLength: expr.Const(0.5), lattice.FieldK1: expr.Ref("kqf"),
			}},
			{Name: "d", Kind: lattice.Drift, Attrs: map[string]expr.Node{lattice.FieldLength: expr.Const(2)}},
			{Name: "qd", Kind: lattice.Quadrupole, Attrs: map[string]expr.Node{
				lattice.FieldLength: expr.Const(0.5), lattice.FieldK1: expr.Ref("kqd"),
			}},
			{Name: "mid", Kind: lattice.Marker, Attrs: map[string]expr.Node{}},
		},
		Lines: []Line{
			{Name: "cell", Components: []string{"half", "-half"}},
			{Name: "half", Components: []string{"qf", "d", "qd", "mid"}},
		},
		Twiss: []Twiss{{Name: "cell_optics", Line: "cell", Method: "4d"}},
		Matches: []Match{{
			Name:  "tunes",
			Twiss: []string{"cell_optics"},
			Vary:  []Vary{{Name: "kqf", Step: 1e-8}},
			Targets: []Target{
				{Quantity: "qx", Value: 0.2, Tol: 1e-9},
			},
		}},
	}
}

func TestBuild_ResolvesDocument(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	doc := fodoDocument()

	// --- Act ---
	env, err := Build(context.Background(), doc)

	// --- Assert ---
	require.NoError(t, err)
	cell := env.Lines["cell"]
	require.NotNil(t, cell)
	assert.Equal(t, 8, cell.Len())
	length, err := cell.Length()
	require.NoError(t, err)
	assert.InDelta(t, 6.0, length, 1e-12)

	k1, err := cell.Attribute("qd::0", lattice.FieldK1)
	require.NoError(t, err)
	assert.InDelta(t, -0.4, k1, 1e-15)

	require.NoError(t, env.Graph.SetByName("kqf", 0.3))
	k1, err = cell.Attribute("qd::1", lattice.FieldK1)
	require.NoError(t, err)
	assert.InDelta(t, -0.3, k1, 1e-15)
	frozen, err := env.Graph.ValueOf("kqf_at_load")
	require.NoError(t, err)
	assert.Equal(t, 0.4, frozen)
}

func TestBuild_Rejects(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		mutate func(*Document)
		want   error
	}{
		{
			name: "variable cycle",
			mutate: func(d *Document) {
				d.Variables = append(d.Variables,
					Variable{Name: "a", Expr: expr.Ref("b")},
					Variable{Name: "b", Expr: expr.Ref("a")})
			},
			want: vargraph.ErrCyclicDependency,
		},
		{
			name:   "duplicate variable",
			mutate: func(d *Document) { d.Variables = append(d.Variables, Variable{Name: "kqf", Expr: expr.Const(1)}) },
			want:   vargraph.ErrDuplicateName,
		},
		{
			name: "unknown field",
			mutate: func(d *Document) {
				d.Elements[1].Attrs["k1"] = expr.Const(1)
			},
			want: lattice.ErrUnknownField,
		},
		{
			name:   "unknown component",
			mutate: func(d *Document) { d.Lines[1].Components = append(d.Lines[1].Components, "nowhere") },
			want:   ErrInvalidDocument,
		},
		{
			name:   "line contains itself",
			mutate: func(d *Document) { d.Lines[1].Components = append(d.Lines[1].Components, "cell") },
			want:   ErrInvalidDocument,
		},
		{
			name:   "ambiguous particle",
			mutate: func(d *Document) { d.Particle.P0C = 1e9 },
			want:   ErrInvalidDocument,
		},
		{
			name:   "components and placements",
			mutate: func(d *Document) { d.Lines[1].Placements = []Placed{{Element: "qf", At: 1}} },
			want:   ErrInvalidDocument,
		},
		{
			name: "insert with two positions",
			mutate: func(d *Document) {
				d.Lines[0].Inserts = []Insert{{Name: "mid2", Element: "mid", Before: "qf::0", After: "qd::0"}}
			},
			want: ErrInvalidDocument,
		},
		{
			name:   "insert of unknown element",
			mutate: func(d *Document) { d.Lines[0].Inserts = []Insert{{Name: "nowhere"}} },
			want:   ErrInvalidDocument,
		},
		{
			name:   "unknown slice scheme",
			mutate: func(d *Document) { d.Lines[1].Slices = []SliceRule{{Slices: 2, Scheme: "spiral"}} },
			want:   ErrInvalidDocument,
		},
		{
			name:   "negative repeat",
			mutate: func(d *Document) { d.Lines[0].Repeat = -1 },
			want:   ErrInvalidDocument,
		},
		{
			name: "bad function samples",
			mutate: func(d *Document) {
				d.Functions = []Function{{Name: "f", X: []float64{1, 0}, Y: []float64{0, 1}}}
			},
			want: nil,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc := fodoDocument()
			tc.mutate(doc)

			_, err := Build(context.Background(), doc)

			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
		})
	}
}

func TestBuild_LineShaping(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	doc := fodoDocument()
	doc.Elements = append(doc.Elements, Element{Name: "bpm", Kind: lattice.Marker, Attrs: map[string]expr.Node{}})
	first := 0
	doc.Lines = append(doc.Lines,
		Line{Name: "arc", Components: []string{"-half"}, Replicate: "m"},
		Line{Name: "ring", Components: []string{"cell"}, Repeat: 2, Inserts: []Insert{
			{Name: "bpm1", Element: "bpm", Index: &first},
			{Name: "bpm2", Element: "bpm", After: "bpm1"},
		}},
		Line{Name: "sliced", Components: []string{"half"}, Slices: []SliceRule{{Slices: 4, Kind: "Quadrupole"}}},
		Line{Name: "placed", Length: 6, Placements: []Placed{
			{Element: "qf", At: 1},
			{Element: "qd", At: 3, From: "qf"},
		}},
	)

	// --- Act ---
	env, err := Build(context.Background(), doc)

	// --- Assert ---
	require.NoError(t, err)

	arc := env.Lines["arc"]
	assert.Equal(t, "arc", arc.Name())
	assert.Equal(t, []string{"mid.m", "qd.m", "d.m", "qf.m"}, arc.Names())
	k1, err := arc.Attribute("qd.m", lattice.FieldK1)
	require.NoError(t, err)
	assert.InDelta(t, -0.4, k1, 1e-15)

	ring := env.Lines["ring"]
	assert.Equal(t, 18, ring.Len())
	assert.Equal(t, []string{"bpm1", "bpm2"}, ring.Names()[:2])
	length, err := ring.Length()
	require.NoError(t, err)
	assert.InDelta(t, 12.0, length, 1e-12)

	sliced := env.Lines["sliced"]
	assert.False(t, sliced.Has("qf"))
	kick, err := sliced.Attribute("qf..0", lattice.FieldK1L)
	require.NoError(t, err)
	assert.InDelta(t, 0.4*0.5/4, kick, 1e-15)
	require.NoError(t, env.Graph.SetByName("kqf", 0.3))
	kick, err = sliced.Attribute("qf..3", lattice.FieldK1L)
	require.NoError(t, err)
	assert.InDelta(t, 0.3*0.5/4, kick, 1e-15)

	placed := env.Lines["placed"]
	s, err := placed.Position("qd")
	require.NoError(t, err)
	assert.InDelta(t, 3.75, s, 1e-12)
	length, err = placed.Length()
	require.NoError(t, err)
	assert.InDelta(t, 6.0, length, 1e-12)
}

func TestCapture_RoundTripsBindings(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	env, err := Build(context.Background(), fodoDocument())
	require.NoError(t, err)
	require.NoError(t, env.Graph.SetByName("kqf", 0.35))

	// --- Act ---
	captured := Capture(env)
	rebuilt, err := Build(context.Background(), captured)
	require.NoError(t, err)

	// --- Assert ---
	wantVars := []Variable{
		{Name: "kqd", Expr: expr.MustParse("-var.kqf")},
		{Name: "kqf", Expr: expr.Const(0.35)},
		{Name: "kqf_at_load", Expr: expr.Snapshot("kqf", 0.4)},
	}
	if diff := cmp.Diff(wantVars, captured.Variables); diff != "" {
		t.Errorf("captured variables mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(fodoDocument().Elements, captured.Elements); diff != "" {
		t.Errorf("captured elements mismatch (-want +got):\n%s", diff)
	}
	kqd, err := rebuilt.Graph.ValueOf("kqd")
	require.NoError(t, err)
	assert.Equal(t, -0.35, kqd)
}

func TestCapture_KeepsRampTime(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	doc := fodoDocument()
	doc.Particle = &Particle{Mass0: optics.ProtonMassEV, Q0: 1, KineticEnergy0: 160e6}
	doc.Ramp = &Ramp{Line: "cell", Time: []float64{0, 1}, KineticEnergy: []float64{160e6, 2e9}}
	env, err := Build(context.Background(), doc)
	require.NoError(t, err)
	require.NoError(t, env.Ramp.SetTime(0.25))

	// --- Act ---
	captured := Capture(env)
	rebuilt, err := Build(context.Background(), captured)
	require.NoError(t, err)

	// --- Assert ---
	require.NotNil(t, captured.Ramp)
	assert.Equal(t, 0.25, captured.Ramp.T0)
	assert.Zero(t, doc.Ramp.T0, "capture does not touch the source document")
	tt, err := rebuilt.Ramp.Time()
	require.NoError(t, err)
	assert.Equal(t, 0.25, tt)
	want, err := env.Ramp.State()
	require.NoError(t, err)
	got, err := rebuilt.Ramp.State()
	require.NoError(t, err)
	assert.InDelta(t, want.KineticEnergy, got.KineticEnergy, 1e-6)
}

func TestEnv_TwissReport(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	doc := fodoDocument()
	doc.Twiss = append(doc.Twiss, Twiss{
		Name: "report", Line: "cell",
		Beam: &optics.Emittances{NEmitX: 2e-6, NEmitY: 1e-6},
		Columns: []Column{
			{Name: "ratio", Expr: "betx / bety"},
			{Name: "size_ratio", Expr: "sigma_x / sigma_y"},
		},
		Rows: "^q",
	})
	env, err := Build(context.Background(), doc)
	require.NoError(t, err)

	// --- Act ---
	tab, err := env.TwissReport(context.Background(), "report")

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, []string{"qf::0", "qd::0", "qd::1", "qf::1"}, tab.Names())
	assert.Subset(t, tab.ColumnNames(), []string{"sigma_x", "sigma_y", "ratio", "size_ratio"})
	bx, err := tab.Value("betx", "qf::0")
	require.NoError(t, err)
	by, err := tab.Value("bety", "qf::0")
	require.NoError(t, err)
	ratio, err := tab.Value("ratio", "qf::0")
	require.NoError(t, err)
	assert.InDelta(t, bx/by, ratio, 1e-12)
	sx, err := tab.Value("sigma_x", "qf::0")
	require.NoError(t, err)
	assert.Greater(t, sx, 0.0)

	plain, err := env.TwissReport(context.Background(), "cell_optics")
	require.NoError(t, err)
	assert.Equal(t, optics.Columns, plain.ColumnNames())
}

func TestEnv_Jobs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	env, err := Build(ctx, fodoDocument())
	require.NoError(t, err)

	t.Run("twiss", func(t *testing.T) {
		tab, err := env.RunTwiss(ctx, "cell_optics")
		require.NoError(t, err)
		qx, err := tab.Scalar("qx")
		require.NoError(t, err)
		assert.Greater(t, qx, 0.0)
		assert.Less(t, qx, 0.5)
	})

	t.Run("unknown twiss", func(t *testing.T) {
		_, err := env.RunTwiss(ctx, "nope")
		assert.ErrorIs(t, err, ErrInvalidDocument)
	})

	t.Run("match problem", func(t *testing.T) {
		p, s, err := env.MatchProblem("tunes")
		require.NoError(t, err)
		assert.Same(t, env.Graph, p.Graph)
		require.Len(t, p.Lines, 1)
		assert.Equal(t, "cell_optics", p.Lines[0].Name)
		require.Len(t, p.Knobs, 1)
		assert.Equal(t, "kqf", p.Knobs[0].Name)
		require.Len(t, p.Targets, 1)
		assert.Equal(t, "qx", p.Targets[0].Quantity.String())
		assert.Equal(t, match.LevenbergMarquardt{}, s.Stepper)
	})
}

func TestParse(t *testing.T) {
	t.Parallel()
	q, err := ParseQuantity("betx@mid")
	require.NoError(t, err)
	assert.Equal(t, "betx@mid", q.String())
	_, err = ParseQuantity("nonsense")
	assert.ErrorIs(t, err, ErrInvalidDocument)
	_, err = ParseQuantity("betx@")
	assert.ErrorIs(t, err, ErrInvalidDocument)

	m, err := ParseMode("<")
	require.NoError(t, err)
	assert.Equal(t, match.LessThan, m)
	_, err = ParseMode("~")
	assert.ErrorIs(t, err, ErrInvalidDocument)

	s, err := ParseSolver("lstsq")
	require.NoError(t, err)
	assert.IsType(t, match.LeastSquares{}, s)
}

func TestDocument_Merge(t *testing.T) {
	t.Parallel()
	a := &Document{Particle: &Particle{Mass0: 1, P0C: 1}, Variables: []Variable{{Name: "a"}}}
	b := &Document{Variables: []Variable{{Name: "b"}}, Lines: []Line{{Name: "l"}}}

	require.NoError(t, a.Merge(b))
	assert.Len(t, a.Variables, 2)
	assert.Len(t, a.Lines, 1)

	err := a.Merge(&Document{Particle: &Particle{}})
	assert.ErrorIs(t, err, ErrInvalidDocument)
}
