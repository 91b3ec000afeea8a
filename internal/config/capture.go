package config

import (
	"github.com/vk/beamgridgo/internal/energy"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
)

// Capture writes the environment's current state back into a document.
// Variables and element attributes keep their binding mode: live references
// stay references and snapshots stay snapshots. Lines, jobs, functions and
// the particle come from the document the environment was built from;
// variables and bindings created by the ramp are left out because building
// the ramp recreates them. The ramp keeps its current time as t0.
func Capture(env *Env) *Document {
	src := env.doc
	out := &Document{
		Particle:  src.Particle,
		Functions: append([]Function(nil), src.Functions...),
		Lines:     append([]Line(nil), src.Lines...),
		Twiss:     append([]Twiss(nil), src.Twiss...),
		Matches:   append([]Match(nil), src.Matches...),
	}
	if src.Ramp != nil {
		r := *src.Ramp
		if env.Ramp != nil {
			if t, err := env.Ramp.Time(); err == nil {
				r.T0 = t
			}
		}
		out.Ramp = &r
	}

	derived := map[string]bool{}
	if src.Ramp != nil {
		for _, n := range []string{energy.VarTime, energy.VarKinetic, energy.VarP0C, energy.VarFrev} {
			derived[n] = true
		}
	}

	// Document order first, then anything defined since, sorted.
	listed := make(map[string]bool, len(src.Variables))
	names := make([]string, 0, len(src.Variables))
	for _, v := range src.Variables {
		listed[v.Name] = true
		names = append(names, v.Name)
	}
	for _, n := range env.Graph.Names() {
		if !listed[n] {
			names = append(names, n)
		}
	}
	for _, n := range names {
		if derived[n] {
			continue
		}
		h, ok := env.Graph.Lookup(n)
		if !ok {
			continue
		}
		node, err := env.Graph.Expr(h)
		if err != nil {
			continue
		}
		out.Variables = append(out.Variables, Variable{Name: n, Expr: node})
	}

	for _, d := range src.Elements {
		el := env.Elements[d.Name]
		attrs := make(map[string]expr.Node)
		for field, v := range el.Attrs() {
			attrs[field] = expr.Const(v)
		}
		for field, n := range env.Graph.ElementBindings(d.Name) {
			if src.Ramp != nil && d.Name == src.Ramp.Cavity && field == lattice.FieldFrequency {
				continue
			}
			attrs[field] = n
		}
		out.Elements = append(out.Elements, Element{Name: d.Name, Kind: el.Kind(), Attrs: attrs})
	}
	return out
}
