package match

import (
	"fmt"
	"math"
	"sort"

	"github.com/vk/beamgridgo/internal/optics"
)

// DefaultTol is the tolerance of a target without one.
const DefaultTol = 1e-10

// Mode selects how a target compares its quantity with its value.
type Mode uint8

const (
	Equal Mode = iota
	LessThan
	GreaterThan
)

func (m Mode) String() string {
	switch m {
	case LessThan:
		return "<"
	case GreaterThan:
		return ">"
	}
	return "="
}

// Tables holds the current table of every line in a problem, by line name.
type Tables map[string]*optics.Table

// Quantity extracts one number from the tables of a problem. t is the table
// of the target's own line.
type Quantity interface {
	Eval(t *optics.Table, all Tables) (float64, error)
	String() string
}

type atQuantity struct{ col, row string }

// At reads column col at row.
func At(col, row string) Quantity { return atQuantity{col: col, row: row} }

func (q atQuantity) Eval(t *optics.Table, _ Tables) (float64, error) { return t.Value(q.col, q.row) }
func (q atQuantity) String() string                                  { return q.col + "@" + q.row }

type scalarQuantity struct{ name string }

// Scalar reads a table scalar such as qx or dqy.
func Scalar(name string) Quantity { return scalarQuantity{name: name} }

func (q scalarQuantity) Eval(t *optics.Table, _ Tables) (float64, error) { return t.Scalar(q.name) }
func (q scalarQuantity) String() string                                  { return q.name }

type funcQuantity struct {
	label string
	fn    func(Tables) (float64, error)
}

// Func computes a quantity from all tables, for targets that combine lines
// or rows.
func Func(label string, fn func(Tables) (float64, error)) Quantity {
	return funcQuantity{label: label, fn: fn}
}

func (q funcQuantity) Eval(_ *optics.Table, all Tables) (float64, error) { return q.fn(all) }
func (q funcQuantity) String() string                                    { return q.label }

// Target asks for Quantity on Line to relate to Value according to Mode.
type Target struct {
	Tag string
	// Line may be empty when the problem has a single line.
	Line     string
	Quantity Quantity
	Mode     Mode
	Value    float64
	// Tol is the satisfaction tolerance; zero selects DefaultTol.
	Tol float64
	// Weight scales the residual; zero selects 1.
	Weight float64
}

func (t Target) String() string {
	s := fmt.Sprintf("%s %s %g", t.Quantity, t.Mode, t.Value)
	if t.Line != "" {
		s = t.Line + ":" + s
	}
	return s
}

// residual is zero for a satisfied inequality and the weighted signed
// error otherwise.
func (t Target) residual(v float64) float64 {
	d := v - t.Value
	switch t.Mode {
	case LessThan:
		d = math.Max(0, d)
	case GreaterThan:
		d = math.Min(0, d)
	}
	return t.Weight * d
}

func (t Target) satisfied(v float64) bool {
	switch t.Mode {
	case LessThan:
		return v <= t.Value+t.Tol
	case GreaterThan:
		return v >= t.Value-t.Tol
	}
	return math.Abs(v-t.Value) <= t.Tol
}

// SetOption configures TargetSet.
type SetOption func(*setConfig)

type setConfig struct {
	at     string
	line   string
	tag    string
	tol    float64
	weight float64
	mode   Mode
}

// AtRow makes every value of the set a column target at row.
func AtRow(row string) SetOption { return func(c *setConfig) { c.at = row } }

// OnLine assigns the set to a line.
func OnLine(name string) SetOption { return func(c *setConfig) { c.line = name } }

// WithTag labels the set.
func WithTag(tag string) SetOption { return func(c *setConfig) { c.tag = tag } }

// WithTol sets the tolerance of the set.
func WithTol(tol float64) SetOption { return func(c *setConfig) { c.tol = tol } }

// WithWeight sets the weight of the set.
func WithWeight(w float64) SetOption { return func(c *setConfig) { c.weight = w } }

// WithMode makes the set inequality targets.
func WithMode(m Mode) SetOption { return func(c *setConfig) { c.mode = m } }

// TargetSet builds one target per value. Names are table scalars unless
// AtRow is given, in which case they are columns read at that row.
func TargetSet(values map[string]float64, opts ...SetOption) ([]Target, error) {
	var cfg setConfig
	for _, o := range opts {
		o(&cfg)
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make([]Target, 0, len(names))
	for _, n := range names {
		var q Quantity
		switch {
		case cfg.at != "" && contains(optics.Columns, n):
			q = At(n, cfg.at)
		case cfg.at == "" && contains(optics.Scalars, n):
			q = Scalar(n)
		default:
			return nil, fmt.Errorf("target %q: %w", n, ErrInvalidProblem)
		}
		out = append(out, Target{
			Tag: cfg.tag, Line: cfg.line, Quantity: q, Mode: cfg.mode,
			Value: values[n], Tol: cfg.tol, Weight: cfg.weight,
		})
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Status is the state of one target at the current knob values.
type Status struct {
	Target    Target
	Current   float64
	Residual  float64
	Satisfied bool
}
