package hcl

import (
	"fmt"
	"io"
	"sort"

	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/vk/beamgridgo/internal/config"
	"github.com/vk/beamgridgo/internal/expr"
	"github.com/zclconf/go-cty/cty"
)

// Writer is the HCL-specific implementation of the config.Writer interface.
type Writer struct{}

// NewWriter creates a new HCL document writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Write renders doc as one HCL file that Loader reads back into an equal
// document. Zero-valued optional attributes are omitted.
func (wr *Writer) Write(w io.Writer, doc *config.Document) error {
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	if p := doc.Particle; p != nil {
		b := root.AppendNewBlock("particle", nil).Body()
		b.SetAttributeValue("mass0", cty.NumberFloatVal(p.Mass0))
		b.SetAttributeValue("q0", cty.NumberFloatVal(p.Q0))
		setNumber(b, "p0c", p.P0C)
		setNumber(b, "energy0", p.Energy0)
		setNumber(b, "kinetic_energy0", p.KineticEnergy0)
		root.AppendNewline()
	}
	for _, fn := range doc.Functions {
		b := root.AppendNewBlock("function", []string{fn.Name}).Body()
		if err := setNumbers(b, "x", fn.X); err != nil {
			return err
		}
		if err := setNumbers(b, "y", fn.Y); err != nil {
			return err
		}
		root.AppendNewline()
	}
	for _, v := range doc.Variables {
		b := root.AppendNewBlock("variable", []string{v.Name}).Body()
		b.SetAttributeRaw("value", exprTokens(v.Expr))
	}
	if len(doc.Variables) > 0 {
		root.AppendNewline()
	}
	for _, e := range doc.Elements {
		b := root.AppendNewBlock("element", []string{e.Name, string(e.Kind)}).Body()
		fields := make([]string, 0, len(e.Attrs))
		for k := range e.Attrs {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		for _, k := range fields {
			b.SetAttributeRaw(k, exprTokens(e.Attrs[k]))
		}
	}
	if len(doc.Elements) > 0 {
		root.AppendNewline()
	}
	for _, l := range doc.Lines {
		writeLine(root, l)
	}
	for _, t := range doc.Twiss {
		root.AppendNewline()
		writeTwiss(root, t)
	}
	for _, m := range doc.Matches {
		root.AppendNewline()
		if err := writeMatch(root, m); err != nil {
			return err
		}
	}
	if r := doc.Ramp; r != nil {
		root.AppendNewline()
		b := root.AppendNewBlock("ramp", nil).Body()
		b.SetAttributeValue("line", cty.StringVal(r.Line))
		setString(b, "cavity", r.Cavity)
		setNumber(b, "harmonic", r.Harmonic)
		if err := setNumbers(b, "time", r.Time); err != nil {
			return err
		}
		if err := setNumbers(b, "kinetic_energy", r.KineticEnergy); err != nil {
			return err
		}
		if r.Turns != 0 {
			b.SetAttributeValue("turns", cty.NumberIntVal(int64(r.Turns)))
		}
		setNumber(b, "t0", r.T0)
	}

	if _, err := w.Write(hclwrite.Format(f.Bytes())); err != nil {
		return fmt.Errorf("write hcl: %w", err)
	}
	return nil
}

func writeLine(root *hclwrite.Body, l config.Line) {
	b := root.AppendNewBlock("line", []string{l.Name}).Body()
	if len(l.Components) > 0 || len(l.Placements) == 0 {
		b.SetAttributeValue("components", stringList(l.Components))
	}
	setNumber(b, "length", l.Length)
	setString(b, "replicate", l.Replicate)
	if l.Repeat != 0 {
		b.SetAttributeValue("repeat", cty.NumberIntVal(int64(l.Repeat)))
	}
	for _, p := range l.Placements {
		pb := b.AppendNewBlock("place", []string{p.Name}).Body()
		if p.Element != p.Name {
			setString(pb, "element", p.Element)
		}
		pb.SetAttributeValue("at", cty.NumberFloatVal(p.At))
		setString(pb, "from", p.From)
	}
	for _, in := range l.Inserts {
		ib := b.AppendNewBlock("insert", []string{in.Name}).Body()
		setString(ib, "element", in.Element)
		setString(ib, "before", in.Before)
		setString(ib, "after", in.After)
		if in.Index != nil {
			ib.SetAttributeValue("index", cty.NumberIntVal(int64(*in.Index)))
		}
		if in.S != nil {
			ib.SetAttributeValue("at", cty.NumberFloatVal(*in.S))
		}
	}
	for _, r := range l.Slices {
		sb := b.AppendNewBlock("slice", nil).Body()
		sb.SetAttributeValue("slices", cty.NumberIntVal(int64(r.Slices)))
		setString(sb, "scheme", r.Scheme)
		setString(sb, "mode", r.Mode)
		setString(sb, "kind", r.Kind)
		setString(sb, "name", r.Name)
	}
}

func writeTwiss(root *hclwrite.Body, t config.Twiss) {
	b := root.AppendNewBlock("twiss", []string{t.Name}).Body()
	b.SetAttributeValue("line", cty.StringVal(t.Line))
	setString(b, "method", t.Method)
	setNumber(b, "delta0", t.Delta0)
	if t.Reverse {
		b.SetAttributeValue("reverse", cty.True)
	}
	setString(b, "start", t.Start)
	setString(b, "end", t.End)
	setString(b, "init_at", t.InitAt)
	if in := t.Init; in != nil {
		ib := b.AppendNewBlock("init", nil).Body()
		for _, kv := range []struct {
			name string
			v    float64
		}{
			{"betx", in.Betx}, {"alfx", in.Alfx}, {"bety", in.Bety}, {"alfy", in.Alfy},
			{"dx", in.Dx}, {"dpx", in.Dpx}, {"dy", in.Dy}, {"dpy", in.Dpy},
			{"x", in.X}, {"px", in.Px}, {"y", in.Y}, {"py", in.Py},
			{"zeta", in.Zeta}, {"delta", in.Delta}, {"mux", in.Mux}, {"muy", in.Muy},
		} {
			setNumber(ib, kv.name, kv.v)
		}
	}
	setString(b, "rows", t.Rows)
	if bm := t.Beam; bm != nil {
		bb := b.AppendNewBlock("beam", nil).Body()
		setNumber(bb, "nemitx", bm.NEmitX)
		setNumber(bb, "nemity", bm.NEmitY)
		setNumber(bb, "sigma_zeta", bm.SigmaZeta)
		setNumber(bb, "sigma_delta", bm.SigmaDelta)
	}
	for _, c := range t.Columns {
		cb := b.AppendNewBlock("column", []string{c.Name}).Body()
		cb.SetAttributeValue("expr", cty.StringVal(c.Expr))
	}
}

func writeMatch(root *hclwrite.Body, m config.Match) error {
	b := root.AppendNewBlock("match", []string{m.Name}).Body()
	b.SetAttributeValue("twiss", stringList(m.Twiss))
	setString(b, "solver", m.Solver)
	if m.MaxIter != 0 {
		b.SetAttributeValue("max_iter", cty.NumberIntVal(int64(m.MaxIter)))
	}
	for _, v := range m.Vary {
		vb := b.AppendNewBlock("vary", []string{v.Name}).Body()
		setNumber(vb, "step", v.Step)
		if v.Limits != nil {
			if err := setNumbers(vb, "limits", v.Limits[:]); err != nil {
				return err
			}
		}
		setString(vb, "tag", v.Tag)
	}
	for _, t := range m.Targets {
		tb := b.AppendNewBlock("target", []string{t.Quantity}).Body()
		setString(tb, "twiss", t.Twiss)
		setString(tb, "mode", t.Mode)
		tb.SetAttributeValue("value", cty.NumberFloatVal(t.Value))
		setNumber(tb, "tol", t.Tol)
		setNumber(tb, "weight", t.Weight)
		setString(tb, "tag", t.Tag)
	}
	return nil
}

// exprTokens renders n as raw tokens; hclwrite.Format re-lexes them.
func exprTokens(n expr.Node) hclwrite.Tokens {
	return hclwrite.Tokens{{Type: hclsyntax.TokenIdent, Bytes: []byte(expr.Format(n))}}
}

func setNumber(b *hclwrite.Body, name string, v float64) {
	if v != 0 {
		b.SetAttributeValue(name, cty.NumberFloatVal(v))
	}
}

func setString(b *hclwrite.Body, name, v string) {
	if v != "" {
		b.SetAttributeValue(name, cty.StringVal(v))
	}
}

func setNumbers(b *hclwrite.Body, name string, v []float64) error {
	val, err := numbersValue(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	b.SetAttributeValue(name, val)
	return nil
}

func stringList(v []string) cty.Value {
	if len(v) == 0 {
		return cty.ListValEmpty(cty.String)
	}
	vals := make([]cty.Value, len(v))
	for i, s := range v {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}
