package optics

import (
	"fmt"
	"math"
	"regexp"

	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
)

// Columns every optics table carries, in display order.
var Columns = []string{
	"s", "x", "px", "y", "py", "zeta", "delta",
	"betx", "alfx", "gamx", "mux",
	"bety", "alfy", "gamy", "muy",
	"dx", "dpx", "dy", "dpy",
}

// Scalars every optics table carries.
var Scalars = []string{
	"qx", "qy", "qs", "dqx", "dqy",
	"momentum_compaction_factor", "slip_factor", "gamma_tr",
	"circumference", "T_rev0",
}

// Table holds optics functions at the entrance of every element plus a final
// EndPoint row. Tables are read-only once returned.
type Table struct {
	names []string
	index map[string]int
	order []string
	cols  map[string][]float64

	Method   Method
	Periodic bool
	Reversed bool
	Particle Particle

	Qx, Qy, Qs         float64
	Dqx, Dqy           float64
	MomentumCompaction float64
	SlipFactor         float64
	GammaTr            float64
	Circumference      float64
	TRev0              float64

	// maps[i] is the linear map of element i at the closed or initial orbit.
	maps []Mat6
}

func newTable(names []string, p Particle, opts Options) *Table {
	t := &Table{
		names:    names,
		index:    make(map[string]int, len(names)),
		order:    append([]string(nil), Columns...),
		cols:     make(map[string][]float64, len(Columns)),
		Method:   opts.Method,
		Periodic: opts.Init == nil,
		Particle: p,
	}
	for i, n := range names {
		t.index[n] = i
	}
	for _, c := range Columns {
		t.cols[c] = make([]float64, len(names))
	}
	return t
}

func (t *Table) record(i int, s float64, st state) {
	set := func(c string, v float64) { t.cols[c][i] = v }
	set("s", s)
	set("x", st.orbit[iX])
	set("px", st.orbit[iPx])
	set("y", st.orbit[iY])
	set("py", st.orbit[iPy])
	set("zeta", st.orbit[iZeta])
	set("delta", st.orbit[iDelta])
	set("betx", st.betx)
	set("alfx", st.alfx)
	set("gamx", (1+st.alfx*st.alfx)/st.betx)
	set("mux", st.mux)
	set("bety", st.bety)
	set("alfy", st.alfy)
	set("gamy", (1+st.alfy*st.alfy)/st.bety)
	set("muy", st.muy)
	set("dx", st.disp[0])
	set("dpx", st.disp[1])
	set("dy", st.disp[2])
	set("dpy", st.disp[3])
}

func (t *Table) last(col string) float64 {
	c := t.cols[col]
	return c[len(c)-1]
}

func (t *Table) shiftPhase(row string, mux, muy float64) {
	i, ok := t.index[row]
	if !ok {
		return
	}
	dx, dy := mux-t.cols["mux"][i], muy-t.cols["muy"][i]
	for j := range t.names {
		t.cols["mux"][j] += dx
		t.cols["muy"][j] += dy
	}
}

// Names returns row names in order; the last is EndPoint.
func (t *Table) Names() []string { return append([]string(nil), t.names...) }

// Len is the number of rows.
func (t *Table) Len() int { return len(t.names) }

// ColumnNames returns the column names in display order.
func (t *Table) ColumnNames() []string { return append([]string(nil), t.order...) }

// Column returns a copy of the named column.
func (t *Table) Column(col string) ([]float64, error) {
	c, ok := t.cols[col]
	if !ok {
		return nil, fmt.Errorf("%q: %w", col, ErrUnknownColumn)
	}
	return append([]float64(nil), c...), nil
}

// Value returns column col at the row called row.
func (t *Table) Value(col, row string) (float64, error) {
	c, ok := t.cols[col]
	if !ok {
		return 0, fmt.Errorf("%q: %w", col, ErrUnknownColumn)
	}
	i, ok := t.index[row]
	if !ok {
		return 0, fmt.Errorf("%q: %w", row, ErrOutOfRange)
	}
	return c[i], nil
}

// ValueAt returns column col at row i; negative i counts from the end.
func (t *Table) ValueAt(col string, i int) (float64, error) {
	c, ok := t.cols[col]
	if !ok {
		return 0, fmt.Errorf("%q: %w", col, ErrUnknownColumn)
	}
	if i < 0 {
		i += len(c)
	}
	if i < 0 || i >= len(c) {
		return 0, fmt.Errorf("row %d: %w", i, ErrOutOfRange)
	}
	return c[i], nil
}

// Row returns every column at the named row.
func (t *Table) Row(row string) (map[string]float64, error) {
	i, ok := t.index[row]
	if !ok {
		return nil, fmt.Errorf("%q: %w", row, ErrOutOfRange)
	}
	out := make(map[string]float64, len(t.order))
	for _, c := range t.order {
		out[c] = t.cols[c][i]
	}
	return out, nil
}

// Scalar returns a ring parameter by name.
func (t *Table) Scalar(name string) (float64, error) {
	switch name {
	case "qx":
		return t.Qx, nil
	case "qy":
		return t.Qy, nil
	case "qs":
		return t.Qs, nil
	case "dqx":
		return t.Dqx, nil
	case "dqy":
		return t.Dqy, nil
	case "momentum_compaction_factor":
		return t.MomentumCompaction, nil
	case "slip_factor":
		return t.SlipFactor, nil
	case "gamma_tr":
		return t.GammaTr, nil
	case "circumference":
		return t.Circumference, nil
	case "T_rev0":
		return t.TRev0, nil
	}
	return 0, fmt.Errorf("scalar %q: %w", name, ErrUnknownColumn)
}

// InitialConditions extracts the optics at row as the seed of an open
// computation.
func (t *Table) InitialConditions(row string) (InitialConditions, error) {
	r, err := t.Row(row)
	if err != nil {
		return InitialConditions{}, err
	}
	return InitialConditions{
		Betx: r["betx"], Alfx: r["alfx"], Bety: r["bety"], Alfy: r["alfy"],
		Dx: r["dx"], Dpx: r["dpx"], Dy: r["dy"], Dpy: r["dpy"],
		X: r["x"], Px: r["px"], Y: r["y"], Py: r["py"],
		Zeta: r["zeta"], Delta: r["delta"],
		Mux: r["mux"], Muy: r["muy"],
	}, nil
}

// Selector picks row indices of a table.
type Selector func(t *Table) ([]int, error)

// ByName selects the listed rows in the given order.
func ByName(names ...string) Selector {
	return func(t *Table) ([]int, error) {
		out := make([]int, 0, len(names))
		for _, n := range names {
			i, ok := t.index[n]
			if !ok {
				return nil, fmt.Errorf("%q: %w", n, ErrOutOfRange)
			}
			out = append(out, i)
		}
		return out, nil
	}
}

// ByPattern selects rows whose name matches the regular expression.
func ByPattern(pattern string) Selector {
	return func(t *Table) ([]int, error) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		var out []int
		for i, n := range t.names {
			if re.MatchString(n) {
				out = append(out, i)
			}
		}
		return out, nil
	}
}

// Between selects the inclusive run of rows from one name to another.
func Between(from, to string) Selector {
	return func(t *Table) ([]int, error) {
		i, ok := t.index[from]
		if !ok {
			return nil, fmt.Errorf("%q: %w", from, ErrOutOfRange)
		}
		j, ok := t.index[to]
		if !ok {
			return nil, fmt.Errorf("%q: %w", to, ErrOutOfRange)
		}
		if j < i {
			return nil, fmt.Errorf("%q comes after %q: %w", from, to, ErrOutOfRange)
		}
		out := make([]int, 0, j-i+1)
		for k := i; k <= j; k++ {
			out = append(out, k)
		}
		return out, nil
	}
}

// ByRange selects rows with lo <= col <= hi. Both bounds must lie within the
// span of the column.
func ByRange(col string, lo, hi float64) Selector {
	return func(t *Table) ([]int, error) {
		c, ok := t.cols[col]
		if !ok {
			return nil, fmt.Errorf("%q: %w", col, ErrUnknownColumn)
		}
		if len(c) == 0 || lo > hi {
			return nil, fmt.Errorf("%s in [%g, %g]: %w", col, lo, hi, ErrOutOfRange)
		}
		first, last := c[0], c[0]
		for _, v := range c[1:] {
			first, last = math.Min(first, v), math.Max(last, v)
		}
		if lo < first || hi > last {
			return nil, fmt.Errorf("%s in [%g, %g] outside [%g, %g]: %w", col, lo, hi, first, last, ErrOutOfRange)
		}
		var out []int
		for i, v := range c {
			if v >= lo && v <= hi {
				out = append(out, i)
			}
		}
		return out, nil
	}
}

// Rows returns a table restricted to the selected rows. Scalars are kept;
// element maps are not, so the result cannot propagate covariances.
func (t *Table) Rows(sel Selector) (*Table, error) {
	idx, err := sel(t)
	if err != nil {
		return nil, err
	}
	out := t.shallow()
	out.names = make([]string, len(idx))
	out.index = make(map[string]int, len(idx))
	out.cols = make(map[string][]float64, len(t.cols))
	for _, c := range t.order {
		out.cols[c] = make([]float64, len(idx))
	}
	for k, i := range idx {
		out.names[k] = t.names[i]
		out.index[t.names[i]] = k
		for _, c := range t.order {
			out.cols[c][k] = t.cols[c][i]
		}
	}
	out.maps = nil
	return out, nil
}

// Derive returns a copy of t with an extra column computed row by row from
// src. Column names are read as bare identifiers (betx / bety), scalars the
// same way (qx).
func (t *Table) Derive(name, src string) (*Table, error) {
	if _, exists := t.cols[name]; exists {
		return nil, fmt.Errorf("column %q already exists", name)
	}
	n, err := expr.Parse(src)
	if err != nil {
		return nil, err
	}
	values := make([]float64, len(t.names))
	for i := range t.names {
		v, err := expr.Eval(n, rowEnv{t: t, i: i})
		if err != nil {
			return nil, fmt.Errorf("column %q row %q: %w", name, t.names[i], err)
		}
		values[i] = v
	}
	out := t.shallow()
	out.cols = make(map[string][]float64, len(t.cols)+1)
	for k, v := range t.cols {
		out.cols[k] = v
	}
	out.cols[name] = values
	out.order = append(append([]string(nil), t.order...), name)
	return out, nil
}

func (t *Table) shallow() *Table {
	cp := *t
	return &cp
}

type rowEnv struct {
	t *Table
	i int
}

func (e rowEnv) Lookup(name string) (float64, error) {
	if c, ok := e.t.cols[name]; ok {
		return c[e.i], nil
	}
	return e.t.Scalar(name)
}

func (e rowEnv) Call(name string, _ []float64) (float64, error) {
	return 0, fmt.Errorf("%s: %w", name, expr.ErrUnknownFunction)
}

// reversed re-indexes a table computed on forward.Reverse() so its rows
// follow forward order and describe the same physical points.
func (t *Table) reversed(forward *lattice.Line) (*Table, error) {
	n := forward.Len()
	names := append(forward.Names(), EndPoint)
	out := t.shallow()
	out.names = names
	out.index = make(map[string]int, len(names))
	for i, name := range names {
		out.index[name] = i
	}
	out.cols = make(map[string][]float64, len(t.cols))
	for c, vals := range t.cols {
		col := make([]float64, n+1)
		for f := 0; f <= n; f++ {
			col[f] = vals[n-f]
		}
		out.cols[c] = col
	}
	total := t.Circumference
	for f := range out.cols["s"] {
		out.cols["s"][f] = total - out.cols["s"][f]
		if math.Abs(out.cols["s"][f]) < 1e-12 {
			out.cols["s"][f] = 0
		}
	}
	out.Reversed = true
	out.maps = nil
	return out, nil
}
