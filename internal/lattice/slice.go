package lattice

import (
	"fmt"
	"math"
	"path"

	"github.com/vk/beamgridgo/internal/expr"
)

// SliceSep joins a parent entry name and a slice number: mq..0, drift_mq..1.
const SliceSep = ".."

// Scheme selects how slices are spaced.
type Scheme uint8

const (
	// Teapot spaces thin kicks so the sliced optics best matches the thick
	// element for a given number of kicks.
	Teapot Scheme = iota
	// Uniform uses equal spacing.
	Uniform
)

// Mode selects between thin kicks separated by drifts and shorter thick
// segments of the same kind.
type Mode uint8

const (
	Thin Mode = iota
	Thick
)

// Strategy is one slicing rule. A rule matches an entry when Kind is empty or
// equal to the element kind, and Name is empty or a path.Match pattern that
// matches the entry name. When several rules match, the last one wins.
type Strategy struct {
	Slices int // zero leaves matching entries unsliced
	Scheme Scheme
	Mode   Mode
	Kind   Kind
	Name   string
}

func (s Strategy) matches(e Entry) (bool, error) {
	if s.Kind != "" && s.Kind != e.Element.Kind() {
		return false, nil
	}
	if s.Name == "" {
		return true, nil
	}
	ok, err := path.Match(s.Name, e.Name)
	if err != nil {
		return false, fmt.Errorf("pattern %q: %w", s.Name, ErrInvalidStrategy)
	}
	return ok, nil
}

// sliceable kinds and the fields whose integral over length is conserved.
var integrated = map[Kind][]string{
	Drift:      {},
	Bend:       {FieldK0, FieldH, FieldK1},
	Quadrupole: {FieldK1},
	Sextupole:  {FieldK2},
}

// thinField maps a thick strength density to its integrated thin counterpart.
var thinField = map[string]string{
	FieldK0: FieldK0L,
	FieldH:  FieldHXL,
	FieldK1: FieldK1L,
	FieldK2: FieldK2L,
}

// Slice returns a new line with thick elements replaced by slices according
// to strategies. Graph-bound strengths stay bound: a slice's attribute is the
// parent's expression scaled by the slice weight.
func (l *Line) Slice(strategies []Strategy) (*Line, error) {
	for _, s := range strategies {
		if s.Slices < 0 {
			return nil, fmt.Errorf("negative slice count %d: %w", s.Slices, ErrInvalidStrategy)
		}
		if s.Kind != "" {
			if _, err := ParseKind(string(s.Kind)); err != nil {
				return nil, err
			}
		}
	}
	var (
		entries []Entry
		pending []staged
	)
	for _, e := range l.entries {
		var chosen *Strategy
		for i := range strategies {
			ok, err := strategies[i].matches(e)
			if err != nil {
				return nil, err
			}
			if ok {
				chosen = &strategies[i]
			}
		}
		fields, sliceable := integrated[e.Element.Kind()]
		if chosen == nil || chosen.Slices == 0 || !sliceable {
			entries = append(entries, e)
			continue
		}
		length, err := l.elementValue(e.Element, FieldLength)
		if err != nil {
			return nil, err
		}
		if length == 0 || (chosen.Mode == Thin && e.Element.Kind() == Drift) {
			entries = append(entries, e)
			continue
		}
		var parts []Entry
		if chosen.Mode == Thin {
			parts, err = l.thinSlices(e, fields, *chosen, &pending)
		} else {
			parts, err = l.thickSlices(e, fields, *chosen, &pending)
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, parts...)
	}
	out, err := New(l.name, l.graph, entries...)
	if err != nil {
		return nil, err
	}
	rollback, err := l.commit(pending)
	if err != nil {
		return nil, err
	}
	if err := l.checkConservation(out); err != nil {
		rollback()
		return nil, err
	}
	return out, nil
}

// staged holds the graph bindings of one slice element until the sliced
// line is known to be valid.
type staged struct {
	id    string
	binds map[string]expr.Node
}

// commit binds the staged attributes. A slice ID that already has bindings
// is shared only when they are identical to the staged ones; anything else
// would silently retarget an existing sliced line and is a collision. The
// returned func undoes the bindings made here.
func (l *Line) commit(pending []staged) (func(), error) {
	if l.graph == nil {
		return func() {}, nil
	}
	var fresh []staged
	for _, st := range pending {
		existing := l.graph.ElementBindings(st.id)
		if len(existing) == 0 {
			if len(st.binds) > 0 {
				fresh = append(fresh, st)
			}
			continue
		}
		if !sameBindings(existing, st.binds) {
			return nil, fmt.Errorf("line %q: slice %q is already bound to other expressions: %w", l.name, st.id, ErrNameCollision)
		}
	}

	var done []staged
	rollback := func() {
		for _, st := range done {
			for f := range st.binds {
				l.graph.Unbind(st.id, f)
			}
		}
	}
	for _, st := range fresh {
		for f, n := range st.binds {
			if _, err := l.graph.BindAttribute(st.id, f, n); err != nil {
				done = append(done, st)
				rollback()
				return nil, err
			}
		}
		done = append(done, st)
	}
	return rollback, nil
}

func sameBindings(a, b map[string]expr.Node) bool {
	if len(a) != len(b) {
		return false
	}
	for f, n := range a {
		m, ok := b[f]
		if !ok || !expr.Equal(n, m) {
			return false
		}
	}
	return true
}

func (l *Line) thinSlices(e Entry, fields []string, s Strategy, pending *[]staged) ([]Entry, error) {
	n := s.Slices
	kick := 1 / float64(n)
	gaps := thinDriftWeights(n, s.Scheme)
	lengthExpr, err := l.fieldExpr(e.Element, FieldLength)
	if err != nil {
		return nil, err
	}

	var out []Entry
	for i := 0; i <= n; i++ {
		dn := fmt.Sprintf("drift_%s%s%d", e.Name, SliceSep, i)
		d, err := l.derive(dn, Drift, map[string]expr.Node{FieldLength: scale(lengthExpr, gaps[i])}, pending)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: dn, Element: d})
		if i == n {
			break
		}
		kn := fmt.Sprintf("%s%s%d", e.Name, SliceSep, i)
		attrs := map[string]expr.Node{FieldLength: scale(lengthExpr, kick)}
		for _, f := range fields {
			fe, err := l.fieldExpr(e.Element, f)
			if err != nil {
				return nil, err
			}
			attrs[thinField[f]] = scale(product(fe, lengthExpr), kick)
		}
		k, err := l.derive(kn, Multipole, attrs, pending)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: kn, Element: k})
	}
	return out, nil
}

func (l *Line) thickSlices(e Entry, fields []string, s Strategy, pending *[]staged) ([]Entry, error) {
	weights := thickWeights(s.Slices, s.Scheme)
	lengthExpr, err := l.fieldExpr(e.Element, FieldLength)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(weights))
	for i, w := range weights {
		name := fmt.Sprintf("%s%s%d", e.Name, SliceSep, i)
		attrs := map[string]expr.Node{FieldLength: scale(lengthExpr, w)}
		for _, f := range fields {
			fe, err := l.fieldExpr(e.Element, f)
			if err != nil {
				return nil, err
			}
			attrs[f] = fe
		}
		el, err := l.derive(name, e.Element.Kind(), attrs, pending)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: name, Element: el})
	}
	return out, nil
}

// derive creates a slice element. Constant attributes are stored on the
// element; anything else is staged for binding in the graph under the
// slice's ID.
func (l *Line) derive(id string, kind Kind, attrs map[string]expr.Node, pending *[]staged) (*Element, error) {
	if l.Has(id) {
		return nil, fmt.Errorf("line %q: slice %q: %w", l.name, id, ErrNameCollision)
	}
	values := make(map[string]float64)
	bound := make(map[string]expr.Node)
	for f, n := range attrs {
		if n.IsConst() {
			values[f] = n.Value
			continue
		}
		bound[f] = n
	}
	el, err := NewElement(id, kind, values)
	if err != nil {
		return nil, err
	}
	if l.graph == nil && len(bound) > 0 {
		return nil, fmt.Errorf("slice %q: expressions require a graph: %w", id, ErrInvalidSlice)
	}
	*pending = append(*pending, staged{id: id, binds: bound})
	return el, nil
}

func scale(n expr.Node, w float64) expr.Node {
	if n.IsConst() {
		return expr.Const(n.Value * w)
	}
	if w == 1 {
		return n
	}
	return expr.Mul(n, expr.Const(w))
}

func product(a, b expr.Node) expr.Node {
	if a.IsConst() && b.IsConst() {
		return expr.Const(a.Value * b.Value)
	}
	return expr.Mul(a, b)
}

// thinDriftWeights returns the n+1 drift fractions around n thin kicks.
func thinDriftWeights(n int, s Scheme) []float64 {
	out := make([]float64, n+1)
	if s == Uniform || n == 1 {
		out[0], out[n] = 1/(2*float64(n)), 1/(2*float64(n))
		for i := 1; i < n; i++ {
			out[i] = 1 / float64(n)
		}
		return out
	}
	fn := float64(n)
	end := 1 / (2 * (1 + fn))
	inner := fn / (fn*fn - 1)
	out[0], out[n] = end, end
	for i := 1; i < n; i++ {
		out[i] = inner
	}
	return out
}

// thickWeights returns segment fractions. Teapot segments are bounded by the
// midpoints between teapot kick positions.
func thickWeights(n int, s Scheme) []float64 {
	out := make([]float64, n)
	if s == Uniform || n == 1 {
		for i := range out {
			out[i] = 1 / float64(n)
		}
		return out
	}
	gaps := thinDriftWeights(n, Teapot)
	kicks := make([]float64, n)
	p := 0.0
	for i := 0; i < n; i++ {
		p += gaps[i]
		kicks[i] = p
	}
	prev := 0.0
	for i := 0; i < n-1; i++ {
		b := (kicks[i] + kicks[i+1]) / 2
		out[i] = b - prev
		prev = b
	}
	out[n-1] = 1 - prev
	return out
}

// checkConservation verifies that the total length and every integrated
// strength of the sliced line equal those of the original.
func (l *Line) checkConservation(out *Line) error {
	before, err := l.integrals()
	if err != nil {
		return err
	}
	after, err := out.integrals()
	if err != nil {
		return err
	}
	for k, v := range before {
		if w := after[k]; math.Abs(w-v) > 1e-9*math.Max(1, math.Abs(v)) {
			return fmt.Errorf("line %q: %s changed from %g to %g: %w", l.name, k, v, w, ErrInvalidSlice)
		}
	}
	return nil
}

func (l *Line) integrals() (map[string]float64, error) {
	params, err := l.Resolve()
	if err != nil {
		return nil, err
	}
	sum := map[string]float64{"length": 0, "k0l": 0, "hxl": 0, "k1l": 0, "k2l": 0}
	for _, p := range params {
		switch p.Kind {
		case Multipole:
			sum["k0l"] += p.K0L
			sum["hxl"] += p.HXL
			sum["k1l"] += p.K1L
			sum["k2l"] += p.K2L
			continue
		case Bend:
			sum["k0l"] += p.K0 * p.Length
			sum["hxl"] += p.H * p.Length
			sum["k1l"] += p.K1 * p.Length
		case Quadrupole:
			sum["k1l"] += p.K1 * p.Length
		case Sextupole:
			sum["k2l"] += p.K2 * p.Length
		}
		sum["length"] += p.Length
	}
	return sum, nil
}
