package hcl

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
)

// translate converts the decoded HCL blocks into the agnostic document.
func (l *Loader) translate(ctx context.Context, root *fileRoot) (*config.Document, error) {
	doc := &config.Document{}

	if len(root.Particles) > 1 {
		return nil, fmt.Errorf("particle defined %d times: %w", len(root.Particles), config.ErrInvalidDocument)
	}
	if len(root.Particles) == 1 {
		doc.Particle = translateParticle(root.Particles[0])
	}
	for _, v := range root.Variables {
		n, err := expr.FromHCL(v.Value)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", v.Name, err)
		}
		doc.Variables = append(doc.Variables, config.Variable{Name: v.Name, Expr: n})
	}
	for _, f := range root.Functions {
		fn, err := translateFunction(ctx, f)
		if err != nil {
			return nil, err
		}
		doc.Functions = append(doc.Functions, fn)
	}
	for _, e := range root.Elements {
		el, err := l.translateElement(ctx, e)
		if err != nil {
			return nil, err
		}
		doc.Elements = append(doc.Elements, el)
	}
	for _, ln := range root.Lines {
		doc.Lines = append(doc.Lines, translateLine(ln))
	}
	for _, t := range root.Twiss {
		doc.Twiss = append(doc.Twiss, translateTwiss(t))
	}
	for _, m := range root.Matches {
		mt, err := translateMatch(ctx, m)
		if err != nil {
			return nil, err
		}
		doc.Matches = append(doc.Matches, mt)
	}

	if len(root.Ramps) > 1 {
		return nil, fmt.Errorf("ramp defined %d times: %w", len(root.Ramps), config.ErrInvalidDocument)
	}
	if len(root.Ramps) == 1 {
		r, err := translateRamp(ctx, root.Ramps[0])
		if err != nil {
			return nil, err
		}
		doc.Ramp = r
	}
	return doc, nil
}

func translateParticle(p *particleBlock) *config.Particle {
	out := &config.Particle{
		Mass0:          p.Mass0,
		Q0:             1,
		P0C:            p.P0C,
		Energy0:        p.Energy0,
		KineticEnergy0: p.KineticEnergy0,
	}
	if p.Q0 != nil {
		out.Q0 = *p.Q0
	}
	return out
}

func translateFunction(ctx context.Context, f *functionBlock) (config.Function, error) {
	x, err := decodeNumbers(ctx, f.X, "function "+f.Name+" x")
	if err != nil {
		return config.Function{}, err
	}
	y, err := decodeNumbers(ctx, f.Y, "function "+f.Name+" y")
	if err != nil {
		return config.Function{}, err
	}
	return config.Function{Name: f.Name, X: x, Y: y}, nil
}

// translateElement keeps every attribute as an expression tree. Attributes
// outside the kind's schema are rejected here so the error points at the
// file.
func (l *Loader) translateElement(ctx context.Context, e *elementBlock) (config.Element, error) {
	logger := ctxlog.FromContext(ctx).With("element", e.Name, "kind", e.Kind)

	kind, err := lattice.ParseKind(e.Kind)
	if err != nil {
		return config.Element{}, fmt.Errorf("element %q: %w", e.Name, err)
	}
	attrs, diags := e.Body.JustAttributes()
	if diags.HasErrors() {
		return config.Element{}, fmt.Errorf("element %q: %w", e.Name, diags)
	}

	out := config.Element{Name: e.Name, Kind: kind, Attrs: make(map[string]expr.Node, len(attrs))}
	for _, name := range sortedAttrNames(attrs) {
		if !lattice.HasField(kind, name) {
			return config.Element{}, fmt.Errorf("element %q: %s has no field %q: %w", e.Name, kind, name, lattice.ErrUnknownField)
		}
		n, err := expr.FromHCL(attrs[name].Expr)
		if err != nil {
			return config.Element{}, fmt.Errorf("element %q attribute %q: %w", e.Name, name, err)
		}
		out.Attrs[name] = n
	}
	logger.Debug("Translated element.", "attributes", len(out.Attrs))
	return out, nil
}

func translateLine(ln *lineBlock) config.Line {
	out := config.Line{
		Name: ln.Name, Components: ln.Components, Length: ln.Length,
		Replicate: ln.Replicate, Repeat: ln.Repeat,
	}
	for _, p := range ln.Places {
		el := p.Element
		if el == "" {
			el = p.Name
		}
		out.Placements = append(out.Placements, config.Placed{Name: p.Name, Element: el, At: p.At, From: p.From})
	}
	for _, in := range ln.Inserts {
		out.Inserts = append(out.Inserts, config.Insert{
			Name: in.Name, Element: in.Element, Before: in.Before, After: in.After, Index: in.Index, S: in.At,
		})
	}
	for _, sl := range ln.Slices {
		out.Slices = append(out.Slices, config.SliceRule(*sl))
	}
	return out
}

func translateTwiss(t *twissBlock) config.Twiss {
	out := config.Twiss{
		Name: t.Name, Line: t.Line, Method: t.Method, Delta0: t.Delta0,
		Reverse: t.Reverse, Start: t.Start, End: t.End, InitAt: t.InitAt,
		Rows: t.Rows,
	}
	if b := t.Beam; b != nil {
		out.Beam = &optics.Emittances{NEmitX: b.NEmitX, NEmitY: b.NEmitY, SigmaZeta: b.SigmaZeta, SigmaDelta: b.SigmaDelta}
	}
	for _, c := range t.Columns {
		out.Columns = append(out.Columns, config.Column{Name: c.Name, Expr: c.Expr})
	}
	if b := t.Init; b != nil {
		out.Init = &optics.InitialConditions{
			Betx: b.Betx, Alfx: b.Alfx, Bety: b.Bety, Alfy: b.Alfy,
			Dx: b.Dx, Dpx: b.Dpx, Dy: b.Dy, Dpy: b.Dpy,
			X: b.X, Px: b.Px, Y: b.Y, Py: b.Py,
			Zeta: b.Zeta, Delta: b.Delta, Mux: b.Mux, Muy: b.Muy,
		}
	}
	return out
}

func translateMatch(ctx context.Context, m *matchBlock) (config.Match, error) {
	out := config.Match{Name: m.Name, Twiss: m.Twiss, Solver: m.Solver, MaxIter: m.MaxIter}
	for _, v := range m.Vary {
		limits, err := decodeNumbers(ctx, v.Limits, "vary "+v.Name+" limits")
		if err != nil {
			return config.Match{}, fmt.Errorf("match %q: %w", m.Name, err)
		}
		knob := config.Vary{Name: v.Name, Step: v.Step, Tag: v.Tag}
		switch len(limits) {
		case 0:
		case 2:
			knob.Limits = &[2]float64{limits[0], limits[1]}
		default:
			return config.Match{}, fmt.Errorf("match %q: vary %q: limits need two values: %w", m.Name, v.Name, config.ErrInvalidDocument)
		}
		out.Vary = append(out.Vary, knob)
	}
	for _, t := range m.Targets {
		out.Targets = append(out.Targets, config.Target{
			Twiss: t.Twiss, Quantity: t.Quantity, Mode: t.Mode,
			Value: t.Value, Tol: t.Tol, Weight: t.Weight, Tag: t.Tag,
		})
	}
	return out, nil
}

func translateRamp(ctx context.Context, r *rampBlock) (*config.Ramp, error) {
	ts, err := decodeNumbers(ctx, r.Time, "ramp time")
	if err != nil {
		return nil, err
	}
	ek, err := decodeNumbers(ctx, r.KineticEnergy, "ramp kinetic_energy")
	if err != nil {
		return nil, err
	}
	return &config.Ramp{
		Line: r.Line, Cavity: r.Cavity, Harmonic: r.Harmonic,
		Time: ts, KineticEnergy: ek, Turns: r.Turns, T0: r.T0,
	}, nil
}

func sortedAttrNames(attrs hcl.Attributes) []string {
	names := make([]string, 0, len(attrs))
	for n := range attrs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
