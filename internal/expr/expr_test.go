package expr

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FormatRoundTrip(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		src  string
		want string
	}{
		{name: "constant", src: "2.5", want: "2.5"},
		{name: "negative constant", src: "-3", want: "-3"},
		{name: "exponent literal", src: "1e-05", want: "1e-05"},
		{name: "plain reference", src: "var.kqf", want: "var.kqf"},
		{name: "dotted reference", src: `var["k1l.qf.1"]`, want: `var["k1l.qf.1"]`},
		{name: "bare reference", src: "betx", want: "var.betx"},
		{name: "precedence kept", src: "var.a + var.b * 2", want: "var.a + var.b * 2"},
		{name: "parentheses kept where needed", src: "(var.a + var.b) * 2", want: "(var.a + var.b) * 2"},
		{name: "redundant parentheses dropped", src: "(var.a * var.b) + 1", want: "var.a * var.b + 1"},
		{name: "right subtraction grouped", src: "var.a - (var.b - var.c)", want: "var.a - (var.b - var.c)"},
		{name: "right division grouped", src: "var.a / (var.b * var.c)", want: "var.a / (var.b * var.c)"},
		{name: "negation of sum", src: "-(var.a + 1)", want: "-(var.a + 1)"},
		{name: "power", src: "pow(var.a, 2)", want: "pow(var.a, 2)"},
		{name: "builtin call", src: "sqrt(var.a * var.b)", want: "sqrt(var.a * var.b)"},
		{name: "user call", src: "ramp(var.t_turn_s)", want: "ramp(var.t_turn_s)"},
		{name: "snapshot", src: "snapshot(var.a, 3)", want: "snapshot(var.a, 3)"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			// --- Act ---
			n, err := Parse(tc.src)
			require.NoError(t, err)
			got := Format(n)

			// --- Assert ---
			assert.Equal(t, tc.want, got)
			again, err := Parse(got)
			require.NoError(t, err)
			assert.True(t, Equal(n, again), "formatting must parse back to the same tree")
		})
	}
}

func TestParse_Rejects(t *testing.T) {
	t.Parallel()
	for _, src := range []string{
		`"text"`,
		"var.a.b",
		"local.a",
		"var.a % 2",
		"var.a == 1",
		"sqrt(1, 2)",
		"snapshot(1, 2)",
		"[1, 2]",
	} {
		_, err := Parse(src)
		assert.Error(t, err, src)
	}
}

func TestEval(t *testing.T) {
	t.Parallel()
	env := MapEnv{
		Vars: map[string]float64{"a": 3, "b": 4},
		Funcs: map[string]func([]float64) (float64, error){
			"twice": func(args []float64) (float64, error) { return 2 * args[0], nil },
		},
	}

	testCases := []struct {
		src  string
		want float64
	}{
		{"var.a + var.b", 7},
		{"var.a - var.b", -1},
		{"var.a * var.b", 12},
		{"var.a / var.b", 0.75},
		{"pow(var.a, 2)", 9},
		{"sqrt(var.a * var.a + var.b * var.b)", 5},
		{"-var.a", -3},
		{"twice(var.b)", 8},
		{"max(var.a, var.b)", 4},
		{"snapshot(var.a, 10)", 10},
	}
	for _, tc := range testCases {
		got, err := Eval(MustParse(tc.src), env)
		require.NoError(t, err, tc.src)
		assert.InDelta(t, tc.want, got, 1e-15, tc.src)
	}

	_, err := Eval(MustParse("nope(1)"), env)
	assert.True(t, errors.Is(err, ErrUnknownFunction))

	_, err = Eval(MustParse("var.missing"), env)
	assert.Error(t, err)
}

func TestRefsAndFunctions(t *testing.T) {
	t.Parallel()
	n := MustParse(`var.b * sqrt(var.a) + snapshot(var.c, 1) + ramp(var.a)`)

	assert.Equal(t, []string{"a", "b"}, Refs(n), "snapshots are not live dependencies")
	assert.Equal(t, []string{"ramp", "sqrt"}, Functions(n))
}

func TestRename(t *testing.T) {
	t.Parallel()
	n := MustParse("var.a + var.b")
	out := Rename(n, func(s string) string {
		if s == "a" {
			return "z"
		}
		return ""
	})
	assert.Equal(t, "var.z + var.b", Format(out))
	assert.Equal(t, "var.a + var.b", Format(n), "original tree is untouched")
}

func TestFormatNumber_ExactRoundTrip(t *testing.T) {
	t.Parallel()
	for _, v := range []float64{math.Pi, 1.0 / 3.0, 6.02214076e23, 1e-300} {
		n, err := Parse(FormatNumber(v))
		require.NoError(t, err)
		assert.Equal(t, v, n.Value)
	}
}
