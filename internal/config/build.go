package config

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/energy"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
	"github.com/vk/beamgridgo/internal/vargraph"
)

// Env is a built document: one graph shared by every element and line.
type Env struct {
	Graph *vargraph.Graph
	// Particle is the zero value when the document has none.
	Particle  optics.Particle
	Elements  map[string]*lattice.Element
	Lines     map[string]*lattice.Line
	Functions map[string]energy.PiecewiseLinear
	// Ramp is nil unless the document has a ramp.
	Ramp *energy.Ramp

	doc *Document
}

// Document returns the document the environment was built from.
func (e *Env) Document() *Document { return e.doc }

// Build resolves doc into a live environment. Variables may be listed in any
// order; they are defined after the variables they reference.
func Build(ctx context.Context, doc *Document) (*Env, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Building environment.",
		"variables", len(doc.Variables), "elements", len(doc.Elements), "lines", len(doc.Lines))

	env := &Env{
		Graph:     vargraph.New(),
		Elements:  make(map[string]*lattice.Element, len(doc.Elements)),
		Lines:     make(map[string]*lattice.Line, len(doc.Lines)),
		Functions: make(map[string]energy.PiecewiseLinear, len(doc.Functions)),
		doc:       doc,
	}
	if err := env.buildFunctions(doc.Functions); err != nil {
		return nil, err
	}
	if err := env.buildVariables(doc.Variables); err != nil {
		return nil, err
	}
	if err := env.buildElements(doc.Elements); err != nil {
		return nil, err
	}
	if err := env.buildLines(doc.Lines); err != nil {
		return nil, err
	}
	if doc.Particle != nil {
		p, err := doc.Particle.build()
		if err != nil {
			return nil, err
		}
		env.Particle = p
	}
	if doc.Ramp != nil {
		if err := env.buildRamp(doc.Ramp); err != nil {
			return nil, err
		}
	}

	logger.Debug("Environment built.", "lines", len(env.Lines), "graph_variables", len(env.Graph.Names()))
	return env, nil
}

func (e *Env) buildFunctions(fns []Function) error {
	for _, f := range fns {
		pl, err := energy.NewPiecewiseLinear(f.X, f.Y)
		if err != nil {
			return fmt.Errorf("function %q: %w", f.Name, err)
		}
		if err := e.Graph.RegisterFunction(f.Name, pl.Func()); err != nil {
			return fmt.Errorf("function %q: %w", f.Name, err)
		}
		e.Functions[f.Name] = pl
	}
	return nil
}

// buildVariables defines vars in dependency order, keeping document order
// among independent variables.
func (e *Env) buildVariables(vars []Variable) error {
	index := make(map[string]int, len(vars))
	for i, v := range vars {
		if _, dup := index[v.Name]; dup {
			return fmt.Errorf("variable %q: %w", v.Name, vargraph.ErrDuplicateName)
		}
		index[v.Name] = i
	}

	pending := make([]int, len(vars))
	dependents := make([][]int, len(vars))
	for i, v := range vars {
		for _, ref := range expr.Refs(v.Expr) {
			if j, ok := index[ref]; ok {
				pending[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}

	var ready []int
	for i := range vars {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}
	defined := 0
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		if _, err := e.Graph.Define(vars[i].Name, vars[i].Expr); err != nil {
			return fmt.Errorf("variable %q: %w", vars[i].Name, err)
		}
		defined++
		for _, d := range dependents[i] {
			pending[d]--
			if pending[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if defined < len(vars) {
		var stuck []string
		for i, v := range vars {
			if pending[i] > 0 {
				stuck = append(stuck, v.Name)
			}
		}
		return fmt.Errorf("variables %s: %w", strings.Join(stuck, ", "), vargraph.ErrCyclicDependency)
	}
	return nil
}

func (e *Env) buildElements(els []Element) error {
	for _, d := range els {
		if _, dup := e.Elements[d.Name]; dup {
			return fmt.Errorf("element %q: %w", d.Name, vargraph.ErrDuplicateName)
		}
		consts := make(map[string]float64)
		for field, n := range d.Attrs {
			if !lattice.HasField(d.Kind, field) {
				return fmt.Errorf("element %q: %s has no field %q: %w", d.Name, d.Kind, field, lattice.ErrUnknownField)
			}
			if n.IsConst() {
				consts[field] = n.Value
			}
		}
		el, err := lattice.NewElement(d.Name, d.Kind, consts)
		if err != nil {
			return err
		}
		for _, field := range sortedKeys(d.Attrs) {
			n := d.Attrs[field]
			if n.IsConst() {
				continue
			}
			if _, err := e.Graph.BindAttribute(d.Name, field, n); err != nil {
				return fmt.Errorf("element %q: %w", d.Name, err)
			}
		}
		e.Elements[d.Name] = el
	}
	return nil
}

func (e *Env) buildLines(lines []Line) error {
	defs := make(map[string]Line, len(lines))
	for _, l := range lines {
		if _, dup := defs[l.Name]; dup {
			return fmt.Errorf("line %q: %w", l.Name, vargraph.ErrDuplicateName)
		}
		if _, clash := e.Elements[l.Name]; clash {
			return fmt.Errorf("line %q shadows an element: %w", l.Name, ErrInvalidDocument)
		}
		defs[l.Name] = l
	}
	visiting := make(map[string]bool)
	var resolve func(name string) (*lattice.Line, error)
	resolve = func(name string) (*lattice.Line, error) {
		if built, ok := e.Lines[name]; ok {
			return built, nil
		}
		if visiting[name] {
			return nil, fmt.Errorf("line %q contains itself: %w", name, ErrInvalidDocument)
		}
		visiting[name] = true
		defer delete(visiting, name)

		def := defs[name]
		built, err := e.compose(def, defs, resolve)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", name, err)
		}
		if built, err = e.shape(def, built); err != nil {
			return nil, fmt.Errorf("line %q: %w", name, err)
		}
		e.Lines[name] = built
		return built, nil
	}
	for _, l := range lines {
		if _, err := resolve(l.Name); err != nil {
			return err
		}
	}
	return nil
}

// compose joins the components of def, or positions its placements.
func (e *Env) compose(def Line, defs map[string]Line, resolve func(string) (*lattice.Line, error)) (*lattice.Line, error) {
	if len(def.Placements) == 0 {
		parts := make([]*lattice.Line, 0, len(def.Components))
		for _, c := range def.Components {
			part, err := e.component(c, defs, resolve)
			if err != nil {
				return nil, err
			}
			parts = append(parts, part)
		}
		return lattice.Concat(def.Name, e.Graph, parts...)
	}
	if len(def.Components) > 0 {
		return nil, fmt.Errorf("components and placements are exclusive: %w", ErrInvalidDocument)
	}
	items := make([]lattice.Placed, 0, len(def.Placements))
	for _, p := range def.Placements {
		el, ok := e.Elements[p.Element]
		if !ok {
			return nil, fmt.Errorf("placement of %q: %w", p.Element, ErrInvalidDocument)
		}
		items = append(items, lattice.Placed{Name: p.Name, Element: el, At: p.At, From: p.From})
	}
	return lattice.FromPlacements(def.Name, e.Graph, def.Length, items)
}

// shape applies the replicate, repeat, insert and slice steps of def.
func (e *Env) shape(def Line, l *lattice.Line) (*lattice.Line, error) {
	var err error
	if def.Replicate != "" {
		if l, err = l.Replicate(def.Replicate); err != nil {
			return nil, err
		}
		l = l.Rename(def.Name)
	}
	switch {
	case def.Repeat < 0:
		return nil, fmt.Errorf("repeat %d: %w", def.Repeat, ErrInvalidDocument)
	case def.Repeat > 1:
		if l, err = l.Repeat(def.Repeat); err != nil {
			return nil, err
		}
	}
	for _, in := range def.Inserts {
		elName := in.Element
		if elName == "" {
			elName = in.Name
		}
		el, ok := e.Elements[elName]
		if !ok {
			return nil, fmt.Errorf("insert %q: element %q: %w", in.Name, elName, ErrInvalidDocument)
		}
		at, err := in.placement()
		if err != nil {
			return nil, err
		}
		if l, err = l.Insert(in.Name, el, at); err != nil {
			return nil, fmt.Errorf("insert %q: %w", in.Name, err)
		}
	}
	if len(def.Slices) == 0 {
		return l, nil
	}
	strategies := make([]lattice.Strategy, 0, len(def.Slices))
	for _, r := range def.Slices {
		st, err := r.strategy()
		if err != nil {
			return nil, err
		}
		strategies = append(strategies, st)
	}
	return l.Slice(strategies)
}

func (e *Env) component(c string, defs map[string]Line, resolve func(string) (*lattice.Line, error)) (*lattice.Line, error) {
	name, mirrored := strings.CutPrefix(c, MirrorPrefix)
	if _, isLine := defs[name]; isLine {
		l, err := resolve(name)
		if err != nil {
			return nil, err
		}
		if mirrored {
			return l.Mirror(), nil
		}
		return l, nil
	}
	if el, ok := e.Elements[name]; ok && !mirrored {
		return lattice.Sequence(name, e.Graph, el)
	}
	return nil, fmt.Errorf("component %q: %w", c, ErrInvalidDocument)
}

func (p *Particle) build() (optics.Particle, error) {
	q0 := p.Q0
	if q0 == 0 {
		q0 = 1
	}
	set := 0
	for _, v := range []float64{p.P0C, p.Energy0, p.KineticEnergy0} {
		if v != 0 {
			set++
		}
	}
	if set != 1 {
		return optics.Particle{}, fmt.Errorf("particle needs exactly one of p0c, energy0 and kinetic_energy0: %w", ErrInvalidDocument)
	}
	switch {
	case p.P0C != 0:
		return optics.FromP0C(p.Mass0, q0, p.P0C)
	case p.Energy0 != 0:
		return optics.FromEnergy(p.Mass0, q0, p.Energy0)
	}
	return optics.FromKinetic(p.Mass0, q0, p.KineticEnergy0)
}

func (e *Env) buildRamp(r *Ramp) error {
	if e.doc.Particle == nil {
		return fmt.Errorf("ramp without a particle: %w", ErrInvalidDocument)
	}
	line, ok := e.Lines[r.Line]
	if !ok {
		return fmt.Errorf("ramp: line %q: %w", r.Line, ErrInvalidDocument)
	}
	length, err := line.Length()
	if err != nil {
		return fmt.Errorf("ramp: %w", err)
	}
	prog, err := energy.NewProgram(r.Time, r.KineticEnergy)
	if err != nil {
		return fmt.Errorf("ramp: %w", err)
	}
	ramp, err := energy.Attach(e.Graph, prog, energy.Wiring{
		Mass0:         e.Particle.Mass0,
		Q0:            e.Particle.Q0,
		Circumference: length,
		Cavity:        r.Cavity,
		Harmonic:      r.Harmonic,
	})
	if err != nil {
		return fmt.Errorf("ramp: %w", err)
	}
	if r.T0 != 0 {
		if err := ramp.SetTime(r.T0); err != nil {
			return fmt.Errorf("ramp: t0: %w", err)
		}
	}
	e.Ramp = ramp
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
