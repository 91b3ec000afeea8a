package vargraph

import (
	"errors"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/beamgridgo/internal/expr"
)

func mustDefine(t *testing.T, g *Graph, name, src string) Handle {
	t.Helper()
	h, err := g.Define(name, expr.MustParse(src))
	require.NoError(t, err)
	return h
}

func mustValue(t *testing.T, g *Graph, name string) float64 {
	t.Helper()
	v, err := g.ValueOf(name)
	require.NoError(t, err)
	return v
}

func TestGraph_LiveAndSnapshotBindings(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	g := New()
	a := mustDefine(t, g, "a", "3")
	mustDefine(t, g, "b", "2 * var.a")
	snap, err := g.Snapshot("a")
	require.NoError(t, err)
	_, err = g.Define("c", expr.Mul(expr.Const(2), snap))
	require.NoError(t, err)
	require.Equal(t, 6.0, mustValue(t, g, "b"))
	require.Equal(t, 6.0, mustValue(t, g, "c"))

	// --- Act ---
	require.NoError(t, g.Set(a, 4))

	// --- Assert ---
	assert.Equal(t, 8.0, mustValue(t, g, "b"), "live reference follows the new value")
	assert.Equal(t, 6.0, mustValue(t, g, "c"), "snapshot keeps the value it was built with")
}

func TestGraph_CycleRejectedWithoutMutation(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	g := New()
	a := mustDefine(t, g, "a", "1")
	mustDefine(t, g, "b", "var.a + 1")
	mustDefine(t, g, "c", "var.b * 2")
	before := g.Table()
	bindingsBefore := g.Bindings()

	// --- Act ---
	err := g.SetExpr(a, expr.MustParse("var.c - 1"))

	// --- Assert ---
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCyclicDependency))
	var gerr *GraphError
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, "a", gerr.Name)
	assert.Equal(t, before, g.Table(), "a rejected write leaves every variable untouched")
	assert.Equal(t, bindingsBefore, g.Bindings())

	deps, err := g.DependenciesOf(a)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func TestGraph_SelfReferenceIsCyclic(t *testing.T) {
	t.Parallel()
	g := New()
	_, err := g.Define("a", expr.MustParse("var.a + 1"))
	assert.True(t, errors.Is(err, ErrCyclicDependency))

	h := mustDefine(t, g, "b", "1")
	err = g.SetExpr(h, expr.MustParse("var.b * 2"))
	assert.True(t, errors.Is(err, ErrCyclicDependency))
}

func TestGraph_DefineErrors(t *testing.T) {
	t.Parallel()
	g := New()
	mustDefine(t, g, "a", "1")

	_, err := g.Define("a", expr.Const(2))
	assert.True(t, errors.Is(err, ErrDuplicateName))

	_, err = g.Define("b", expr.MustParse("var.missing"))
	assert.True(t, errors.Is(err, ErrUnknownVariable))

	_, err = g.Define("c", expr.MustParse("nofunc(var.a)"))
	assert.True(t, errors.Is(err, expr.ErrUnknownFunction))

	_, ok := g.Lookup("b")
	assert.False(t, ok, "failed definitions leave no trace")
}

func TestGraph_NonFinite(t *testing.T) {
	t.Parallel()
	g := New()
	z := mustDefine(t, g, "z", "1")
	mustDefine(t, g, "inv", "1 / var.z")
	require.Equal(t, 1.0, mustValue(t, g, "inv"))

	require.NoError(t, g.Set(z, 0))
	_, err := g.ValueOf("inv")
	assert.True(t, errors.Is(err, ErrNonFinite))

	require.NoError(t, g.Set(z, 4))
	assert.Equal(t, 0.25, mustValue(t, g, "inv"), "recovers once the input is finite again")
}

func TestGraph_NoStaleReads(t *testing.T) {
	t.Parallel()
	// Random writes interleaved with reads must always agree with a
	// from-scratch evaluation of the same expressions.
	g := New()
	names := []string{"a", "b", "c", "d", "e"}
	hs := map[string]Handle{}
	hs["a"] = mustDefine(t, g, "a", "1")
	hs["b"] = mustDefine(t, g, "b", "2")
	hs["c"] = mustDefine(t, g, "c", "var.a + var.b")
	hs["d"] = mustDefine(t, g, "d", "var.c * var.a")
	hs["e"] = mustDefine(t, g, "e", "var.d - var.b / 2")
	_, err := g.BindAttribute("qf", "k1", expr.MustParse("var.e * 0.5"))
	require.NoError(t, err)

	base := map[string]float64{"a": 1, "b": 2}
	reference := func() map[string]float64 {
		out := map[string]float64{"a": base["a"], "b": base["b"]}
		out["c"] = out["a"] + out["b"]
		out["d"] = out["c"] * out["a"]
		out["e"] = out["d"] - out["b"]/2
		return out
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		name := []string{"a", "b"}[rng.Intn(2)]
		v := rng.Float64()*10 - 5
		base[name] = v
		require.NoError(t, g.Set(hs[name], v))

		want := reference()
		probe := names[rng.Intn(len(names))]
		assert.InDelta(t, want[probe], mustValue(t, g, probe), 1e-12)
		k1, ok, err := g.Attribute("qf", "k1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.InDelta(t, want["e"]*0.5, k1, 1e-12)
	}
}

func TestGraph_DotsInNames(t *testing.T) {
	t.Parallel()
	g := New()
	mustDefine(t, g, "kqf", "0.1")
	mustDefine(t, g, "k1l.qf.1", "var.kqf * 0.5")
	mustDefine(t, g, "total", `var["k1l.qf.1"] * 2`)
	assert.InDelta(t, 0.1, mustValue(t, g, "total"), 1e-15)
}

func TestGraph_AttributeBindings(t *testing.T) {
	t.Parallel()
	g := New()
	mustDefine(t, g, "kqf", "0.1")

	_, ok, err := g.Attribute("qf", "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = g.BindAttribute("qf", "k1", expr.Ref("kqf"))
	require.NoError(t, err)
	v, ok, err := g.Attribute("qf", "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.1, v)

	affected, err := g.AffectedElements("kqf")
	require.NoError(t, err)
	assert.Contains(t, affected, "qf")

	g.Unbind("qf", "k1")
	_, ok, _ = g.Attribute("qf", "k1")
	assert.False(t, ok)
	h, _ := g.Lookup("kqf")
	dependents, err := g.DependentsOf(h)
	require.NoError(t, err)
	assert.Empty(t, dependents, "unbinding drops the reverse edge")
}

func TestGraph_RemoveAndStaleHandles(t *testing.T) {
	t.Parallel()
	g := New()
	a := mustDefine(t, g, "a", "1")
	b := mustDefine(t, g, "b", "var.a")

	assert.True(t, errors.Is(g.Remove(a), ErrInUse))
	require.NoError(t, g.Remove(b))

	_, err := g.Value(b)
	assert.True(t, errors.Is(err, ErrStaleHandle))

	b2 := mustDefine(t, g, "b2", "5")
	assert.NotEqual(t, b, b2, "reused slots get a new generation")
	_, err = g.Value(b)
	assert.True(t, errors.Is(err, ErrStaleHandle))
	v, err := g.Value(b2)
	require.NoError(t, err)
	assert.Equal(t, 5.0, v)
}

func TestGraph_Introspection(t *testing.T) {
	t.Parallel()
	g := New()
	a := mustDefine(t, g, "a", "1")
	mustDefine(t, g, "b", "var.a * 2")
	mustDefine(t, g, "c", "var.b + var.a")

	direct, err := g.DependentsOf(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, refNames(direct))

	all, err := g.TransitiveDependents(a)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, refNames(all))

	info, err := g.Info("b")
	require.NoError(t, err)
	assert.Contains(t, info, "var.b = var.a * 2")
	assert.Contains(t, info, "var.b is used by:")

	rows := g.Table()
	require.Len(t, rows, 3)
	assert.Equal(t, Row{Name: "c", Value: 3, Expr: "var.b + var.a"}, rows[2])
}

func TestGraph_CloneIsIndependent(t *testing.T) {
	t.Parallel()
	g := New()
	a := mustDefine(t, g, "a", "1")
	mustDefine(t, g, "b", "var.a * 10")

	c := g.Clone()
	ca, ok := c.Lookup("a")
	require.True(t, ok)
	require.NoError(t, c.Set(ca, 2))

	assert.Equal(t, 20.0, mustValue(t, c, "b"))
	assert.Equal(t, 10.0, mustValue(t, g, "b"))

	require.NoError(t, g.Set(a, 3))
	assert.Equal(t, 20.0, mustValue(t, c, "b"))
}

func TestGraph_UserFunctions(t *testing.T) {
	t.Parallel()
	g := New()
	require.NoError(t, g.RegisterFunction("triple", func(args []float64) (float64, error) {
		return 3 * args[0], nil
	}))
	assert.True(t, errors.Is(g.RegisterFunction("triple", nil), ErrDuplicateName))
	assert.True(t, errors.Is(g.RegisterFunction("sqrt", nil), ErrDuplicateName))

	mustDefine(t, g, "x", "2")
	mustDefine(t, g, "y", "triple(var.x)")
	assert.Equal(t, 6.0, mustValue(t, g, "y"))
}

func TestGraph_ConcurrentReadersAndWriters(t *testing.T) {
	t.Parallel()
	g := New()
	a := mustDefine(t, g, "a", "1")
	mustDefine(t, g, "b", "var.a * 2")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if i%2 == 0 {
					_ = g.Set(a, float64(j))
				} else {
					v, err := g.ValueOf("b")
					assert.NoError(t, err)
					assert.Equal(t, 0.0, float64(int(v)%2), "b is always an even multiple")
				}
			}
		}(i)
	}
	wg.Wait()
}

func refNames(rs []Ref) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Name
	}
	return out
}
