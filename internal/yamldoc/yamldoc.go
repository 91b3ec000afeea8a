// Package yamldoc reads and writes lattice documents in YAML.
//
// Expressions are YAML scalars in the same syntax the HCL format uses
// ("var.kqf * 2", "snapshot(var.kqf, 0.4)"); bare numbers stay numbers.
package yamldoc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/fsutil"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
	"gopkg.in/yaml.v3"
)

// Codec is the YAML implementation of config.Loader and config.Writer.
type Codec struct{}

// New returns a YAML codec.
func New() *Codec { return &Codec{} }

// Load reads every .yaml and .yml file under paths and merges them.
func (c *Codec) Load(ctx context.Context, paths ...string) (*config.Document, error) {
	logger := ctxlog.FromContext(ctx)
	files, err := fsutil.FindFiles(paths, ".yaml", ".yml")
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered YAML files.", "count", len(files))

	doc := &config.Document{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", file, err)
		}
		part, err := Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		if err := doc.Merge(part); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}
	return doc, nil
}

// Write implements config.Writer.
func (c *Codec) Write(w io.Writer, doc *config.Document) error { return Encode(w, doc) }

// Decode reads one document. Unknown keys are errors.
func Decode(r io.Reader) (*config.Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var in document
	if err := dec.Decode(&in); err != nil {
		if errors.Is(err, io.EOF) {
			return &config.Document{}, nil
		}
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return in.toConfig()
}

// Encode writes doc.
func Encode(w io.Writer, doc *config.Document) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(fromConfig(doc)); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

type document struct {
	Particle  *particle  `yaml:"particle,omitempty"`
	Functions []function `yaml:"functions,omitempty"`
	Variables []variable `yaml:"variables,omitempty"`
	Elements  []element  `yaml:"elements,omitempty"`
	Lines     []line     `yaml:"lines,omitempty"`
	Twiss     []twiss    `yaml:"twiss,omitempty"`
	Matches   []match    `yaml:"matches,omitempty"`
	Ramp      *ramp      `yaml:"ramp,omitempty"`
}

type particle struct {
	Mass0          float64 `yaml:"mass0"`
	Q0             float64 `yaml:"q0,omitempty"`
	P0C            float64 `yaml:"p0c,omitempty"`
	Energy0        float64 `yaml:"energy0,omitempty"`
	KineticEnergy0 float64 `yaml:"kinetic_energy0,omitempty"`
}

type function struct {
	Name string    `yaml:"name"`
	X    []float64 `yaml:"x,flow"`
	Y    []float64 `yaml:"y,flow"`
}

type variable struct {
	Name  string     `yaml:"name"`
	Value expression `yaml:"value"`
}

type element struct {
	Name  string                `yaml:"name"`
	Kind  string                `yaml:"kind"`
	Attrs map[string]expression `yaml:"attrs,omitempty"`
}

type line struct {
	Name       string      `yaml:"name"`
	Components []string    `yaml:"components,flow,omitempty"`
	Placements []placement `yaml:"placements,omitempty"`
	Length     float64     `yaml:"length,omitempty"`
	Replicate  string      `yaml:"replicate,omitempty"`
	Repeat     int         `yaml:"repeat,omitempty"`
	Inserts    []insertion `yaml:"inserts,omitempty"`
	Slices     []slice     `yaml:"slices,omitempty"`
}

type placement struct {
	Name    string  `yaml:"name,omitempty"`
	Element string  `yaml:"element"`
	At      float64 `yaml:"at"`
	From    string  `yaml:"from,omitempty"`
}

type insertion struct {
	Name    string   `yaml:"name"`
	Element string   `yaml:"element,omitempty"`
	Before  string   `yaml:"before,omitempty"`
	After   string   `yaml:"after,omitempty"`
	Index   *int     `yaml:"index,omitempty"`
	At      *float64 `yaml:"at,omitempty"`
}

type slice struct {
	Slices int    `yaml:"slices"`
	Scheme string `yaml:"scheme,omitempty"`
	Mode   string `yaml:"mode,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	Name   string `yaml:"name,omitempty"`
}

type twiss struct {
	Name    string   `yaml:"name"`
	Line    string   `yaml:"line"`
	Method  string   `yaml:"method,omitempty"`
	Delta0  float64  `yaml:"delta0,omitempty"`
	Reverse bool     `yaml:"reverse,omitempty"`
	Start   string   `yaml:"start,omitempty"`
	End     string   `yaml:"end,omitempty"`
	InitAt  string   `yaml:"init_at,omitempty"`
	Init    *initial `yaml:"init,omitempty"`
	Beam    *beam    `yaml:"beam,omitempty"`
	Columns []column `yaml:"columns,omitempty"`
	Rows    string   `yaml:"rows,omitempty"`
}

type beam struct {
	NEmitX     float64 `yaml:"nemitx,omitempty"`
	NEmitY     float64 `yaml:"nemity,omitempty"`
	SigmaZeta  float64 `yaml:"sigma_zeta,omitempty"`
	SigmaDelta float64 `yaml:"sigma_delta,omitempty"`
}

type column struct {
	Name string `yaml:"name"`
	Expr string `yaml:"expr"`
}

type initial struct {
	Betx  float64 `yaml:"betx,omitempty"`
	Alfx  float64 `yaml:"alfx,omitempty"`
	Bety  float64 `yaml:"bety,omitempty"`
	Alfy  float64 `yaml:"alfy,omitempty"`
	Dx    float64 `yaml:"dx,omitempty"`
	Dpx   float64 `yaml:"dpx,omitempty"`
	Dy    float64 `yaml:"dy,omitempty"`
	Dpy   float64 `yaml:"dpy,omitempty"`
	X     float64 `yaml:"x,omitempty"`
	Px    float64 `yaml:"px,omitempty"`
	Y     float64 `yaml:"y,omitempty"`
	Py    float64 `yaml:"py,omitempty"`
	Zeta  float64 `yaml:"zeta,omitempty"`
	Delta float64 `yaml:"delta,omitempty"`
	Mux   float64 `yaml:"mux,omitempty"`
	Muy   float64 `yaml:"muy,omitempty"`
}

type match struct {
	Name    string   `yaml:"name"`
	Twiss   []string `yaml:"twiss,flow"`
	Solver  string   `yaml:"solver,omitempty"`
	MaxIter int      `yaml:"max_iter,omitempty"`
	Vary    []vary   `yaml:"vary"`
	Targets []target `yaml:"targets"`
}

type vary struct {
	Name   string    `yaml:"name"`
	Step   float64   `yaml:"step,omitempty"`
	Limits []float64 `yaml:"limits,flow,omitempty"`
	Tag    string    `yaml:"tag,omitempty"`
}

type target struct {
	Twiss    string  `yaml:"twiss,omitempty"`
	Quantity string  `yaml:"quantity"`
	Mode     string  `yaml:"mode,omitempty"`
	Value    float64 `yaml:"value"`
	Tol      float64 `yaml:"tol,omitempty"`
	Weight   float64 `yaml:"weight,omitempty"`
	Tag      string  `yaml:"tag,omitempty"`
}

type ramp struct {
	Line          string    `yaml:"line"`
	Cavity        string    `yaml:"cavity,omitempty"`
	Harmonic      float64   `yaml:"harmonic,omitempty"`
	Time          []float64 `yaml:"time,flow"`
	KineticEnergy []float64 `yaml:"kinetic_energy,flow"`
	Turns         int       `yaml:"turns,omitempty"`
	T0            float64   `yaml:"t0,omitempty"`
}

func (d *document) toConfig() (*config.Document, error) {
	out := &config.Document{}
	if p := d.Particle; p != nil {
		q0 := p.Q0
		if q0 == 0 {
			q0 = 1
		}
		out.Particle = &config.Particle{
			Mass0: p.Mass0, Q0: q0, P0C: p.P0C, Energy0: p.Energy0, KineticEnergy0: p.KineticEnergy0,
		}
	}
	for _, f := range d.Functions {
		out.Functions = append(out.Functions, config.Function{Name: f.Name, X: f.X, Y: f.Y})
	}
	for _, v := range d.Variables {
		out.Variables = append(out.Variables, config.Variable{Name: v.Name, Expr: v.Value.Node})
	}
	for _, e := range d.Elements {
		kind, err := lattice.ParseKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("element %q: %w", e.Name, err)
		}
		el := config.Element{Name: e.Name, Kind: kind, Attrs: make(map[string]expr.Node, len(e.Attrs))}
		for k, v := range e.Attrs {
			if !lattice.HasField(kind, k) {
				return nil, fmt.Errorf("element %q: %s has no field %q: %w", e.Name, kind, k, lattice.ErrUnknownField)
			}
			el.Attrs[k] = v.Node
		}
		out.Elements = append(out.Elements, el)
	}
	for _, l := range d.Lines {
		ln := config.Line{
			Name: l.Name, Components: l.Components, Length: l.Length,
			Replicate: l.Replicate, Repeat: l.Repeat,
		}
		for _, p := range l.Placements {
			ln.Placements = append(ln.Placements, config.Placed(p))
		}
		for _, in := range l.Inserts {
			ln.Inserts = append(ln.Inserts, config.Insert{
				Name: in.Name, Element: in.Element, Before: in.Before, After: in.After, Index: in.Index, S: in.At,
			})
		}
		for _, r := range l.Slices {
			ln.Slices = append(ln.Slices, config.SliceRule(r))
		}
		out.Lines = append(out.Lines, ln)
	}
	for _, t := range d.Twiss {
		tw := config.Twiss{
			Name: t.Name, Line: t.Line, Method: t.Method, Delta0: t.Delta0,
			Reverse: t.Reverse, Start: t.Start, End: t.End, InitAt: t.InitAt,
			Rows: t.Rows,
		}
		if in := t.Init; in != nil {
			ic := optics.InitialConditions(*in)
			tw.Init = &ic
		}
		if b := t.Beam; b != nil {
			em := optics.Emittances(*b)
			tw.Beam = &em
		}
		for _, c := range t.Columns {
			tw.Columns = append(tw.Columns, config.Column(c))
		}
		out.Twiss = append(out.Twiss, tw)
	}
	for _, m := range d.Matches {
		mt := config.Match{Name: m.Name, Twiss: m.Twiss, Solver: m.Solver, MaxIter: m.MaxIter}
		for _, v := range m.Vary {
			k := config.Vary{Name: v.Name, Step: v.Step, Tag: v.Tag}
			switch len(v.Limits) {
			case 0:
			case 2:
				k.Limits = &[2]float64{v.Limits[0], v.Limits[1]}
			default:
				return nil, fmt.Errorf("match %q: vary %q: limits need two values: %w", m.Name, v.Name, config.ErrInvalidDocument)
			}
			mt.Vary = append(mt.Vary, k)
		}
		for _, t := range m.Targets {
			mt.Targets = append(mt.Targets, config.Target(t))
		}
		out.Matches = append(out.Matches, mt)
	}
	if r := d.Ramp; r != nil {
		out.Ramp = &config.Ramp{
			Line: r.Line, Cavity: r.Cavity, Harmonic: r.Harmonic,
			Time: r.Time, KineticEnergy: r.KineticEnergy, Turns: r.Turns, T0: r.T0,
		}
	}
	return out, nil
}

func fromConfig(doc *config.Document) *document {
	out := &document{}
	if p := doc.Particle; p != nil {
		out.Particle = &particle{
			Mass0: p.Mass0, Q0: p.Q0, P0C: p.P0C, Energy0: p.Energy0, KineticEnergy0: p.KineticEnergy0,
		}
	}
	for _, f := range doc.Functions {
		out.Functions = append(out.Functions, function{Name: f.Name, X: f.X, Y: f.Y})
	}
	for _, v := range doc.Variables {
		out.Variables = append(out.Variables, variable{Name: v.Name, Value: expression{v.Expr}})
	}
	for _, e := range doc.Elements {
		el := element{Name: e.Name, Kind: string(e.Kind)}
		if len(e.Attrs) > 0 {
			el.Attrs = make(map[string]expression, len(e.Attrs))
			for k, n := range e.Attrs {
				el.Attrs[k] = expression{n}
			}
		}
		out.Elements = append(out.Elements, el)
	}
	for _, l := range doc.Lines {
		ln := line{
			Name: l.Name, Components: l.Components, Length: l.Length,
			Replicate: l.Replicate, Repeat: l.Repeat,
		}
		for _, p := range l.Placements {
			ln.Placements = append(ln.Placements, placement(p))
		}
		for _, in := range l.Inserts {
			ln.Inserts = append(ln.Inserts, insertion{
				Name: in.Name, Element: in.Element, Before: in.Before, After: in.After, Index: in.Index, At: in.S,
			})
		}
		for _, r := range l.Slices {
			ln.Slices = append(ln.Slices, slice(r))
		}
		out.Lines = append(out.Lines, ln)
	}
	for _, t := range doc.Twiss {
		tw := twiss{
			Name: t.Name, Line: t.Line, Method: t.Method, Delta0: t.Delta0,
			Reverse: t.Reverse, Start: t.Start, End: t.End, InitAt: t.InitAt,
			Rows: t.Rows,
		}
		if t.Init != nil {
			in := initial(*t.Init)
			tw.Init = &in
		}
		if t.Beam != nil {
			b := beam(*t.Beam)
			tw.Beam = &b
		}
		for _, c := range t.Columns {
			tw.Columns = append(tw.Columns, column(c))
		}
		out.Twiss = append(out.Twiss, tw)
	}
	for _, m := range doc.Matches {
		mt := match{Name: m.Name, Twiss: m.Twiss, Solver: m.Solver, MaxIter: m.MaxIter}
		for _, v := range m.Vary {
			k := vary{Name: v.Name, Step: v.Step, Tag: v.Tag}
			if v.Limits != nil {
				k.Limits = []float64{v.Limits[0], v.Limits[1]}
			}
			mt.Vary = append(mt.Vary, k)
		}
		for _, t := range m.Targets {
			mt.Targets = append(mt.Targets, target(t))
		}
		out.Matches = append(out.Matches, mt)
	}
	if r := doc.Ramp; r != nil {
		out.Ramp = &ramp{
			Line: r.Line, Cavity: r.Cavity, Harmonic: r.Harmonic,
			Time: r.Time, KineticEnergy: r.KineticEnergy, Turns: r.Turns, T0: r.T0,
		}
	}
	return out
}
