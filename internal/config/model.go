package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/match"
	"github.com/vk/beamgridgo/internal/optics"
)

// ErrInvalidDocument reports a document that cannot be built.
var ErrInvalidDocument = errors.New("invalid document")

// MirrorPrefix marks a line component that is inserted mirrored: "-half".
const MirrorPrefix = "-"

// Document is the unified, format-agnostic representation of a lattice file.
type Document struct {
	Particle  *Particle
	Variables []Variable
	Functions []Function
	Elements  []Element
	Lines     []Line
	Twiss     []Twiss
	Matches   []Match
	Ramp      *Ramp
}

// Particle is the reference particle. Exactly one of P0C, Energy0 and
// KineticEnergy0 is set; all values are in eV.
type Particle struct {
	Mass0          float64
	Q0             float64
	P0C            float64
	Energy0        float64
	KineticEnergy0 float64
}

// Variable is a named graph cell. Expr may be a constant.
type Variable struct {
	Name string
	Expr expr.Node
}

// Function is a piecewise-linear user function callable from expressions.
type Function struct {
	Name string
	X, Y []float64
}

// Element defines an element. Constant attributes are stored on the element,
// anything else is bound in the graph.
type Element struct {
	Name  string
	Kind  lattice.Kind
	Attrs map[string]expr.Node
}

// Line lists its components in order. A component names an element or
// another line; a line name prefixed with MirrorPrefix is inserted mirrored.
// A line may place elements by position instead. The composed line is then
// replicated, repeated, given its inserts and sliced, in that order.
type Line struct {
	Name       string
	Components []string
	// Placements position elements by their centre; Length pads the line
	// with a trailing drift.
	Placements []Placed
	Length     float64
	// Replicate renames every entry name.suffix, keeping the elements.
	Replicate string
	Repeat    int
	Inserts   []Insert
	Slices    []SliceRule
}

// Placed is an element positioned at At, or At past the centre of the
// earlier entry From. Name defaults to Element.
type Placed struct {
	Name    string
	Element string
	At      float64
	From    string
}

// Insert adds Element as entry Name. At most one of Before, After, Index
// and S is set; none appends. Element defaults to Name.
type Insert struct {
	Name    string
	Element string
	Before  string
	After   string
	Index   *int
	S       *float64
}

// SliceRule is one slicing strategy. Scheme is "teapot" (the default) or
// "uniform", Mode "thin" (the default) or "thick". Kind and the glob Name
// restrict the entries it applies to.
type SliceRule struct {
	Slices int
	Scheme string
	Mode   string
	Kind   string
	Name   string
}

// Twiss is an optics job.
type Twiss struct {
	Name    string
	Line    string
	Method  string
	Delta0  float64
	Reverse bool
	Start   string
	End     string
	InitAt  string
	Init    *optics.InitialConditions
	// Beam adds sigma_x and sigma_y from the matched covariance.
	Beam *optics.Emittances
	// Columns are computed row by row from the table columns and scalars.
	Columns []Column
	// Rows keeps only the rows whose name matches this regular expression.
	Rows string
}

// Column is a derived table column.
type Column struct {
	Name string
	Expr string
}

// Match is a matching job over one or more twiss jobs.
type Match struct {
	Name    string
	Twiss   []string
	Solver  string
	MaxIter int
	Vary    []Vary
	Targets []Target
}

// Vary is one knob of a match job.
type Vary struct {
	Name   string
	Step   float64
	Limits *[2]float64
	Tag    string
}

// Target is one goal of a match job. Quantity is a table scalar ("qx") or a
// column at a row ("betx@ip"). Twiss may be empty when the job has a single
// twiss.
type Target struct {
	Twiss    string
	Quantity string
	Mode     string
	Value    float64
	Tol      float64
	Weight   float64
	Tag      string
}

// Ramp drives the reference energy of Line from a time program.
type Ramp struct {
	Line          string
	Cavity        string
	Harmonic      float64
	Time          []float64
	KineticEnergy []float64
	Turns         int
	// T0 is the ramp time the environment starts at.
	T0 float64
}

// Merge appends other to d. A second particle or ramp is an error.
func (d *Document) Merge(other *Document) error {
	if other.Particle != nil {
		if d.Particle != nil {
			return fmt.Errorf("particle defined twice: %w", ErrInvalidDocument)
		}
		d.Particle = other.Particle
	}
	if other.Ramp != nil {
		if d.Ramp != nil {
			return fmt.Errorf("ramp defined twice: %w", ErrInvalidDocument)
		}
		d.Ramp = other.Ramp
	}
	d.Variables = append(d.Variables, other.Variables...)
	d.Functions = append(d.Functions, other.Functions...)
	d.Elements = append(d.Elements, other.Elements...)
	d.Lines = append(d.Lines, other.Lines...)
	d.Twiss = append(d.Twiss, other.Twiss...)
	d.Matches = append(d.Matches, other.Matches...)
	return nil
}

// ParseQuantity reads "col@row" as a column target and anything else as a
// table scalar.
func ParseQuantity(s string) (match.Quantity, error) {
	if col, row, ok := strings.Cut(s, "@"); ok {
		if !contains(optics.Columns, col) || row == "" {
			return nil, fmt.Errorf("quantity %q: %w", s, ErrInvalidDocument)
		}
		return match.At(col, row), nil
	}
	if !contains(optics.Scalars, s) {
		return nil, fmt.Errorf("quantity %q: %w", s, ErrInvalidDocument)
	}
	return match.Scalar(s), nil
}

// ParseMode reads "=", "<" or ">"; the empty string means "=".
func ParseMode(s string) (match.Mode, error) {
	switch s {
	case "", "=", "==":
		return match.Equal, nil
	case "<":
		return match.LessThan, nil
	case ">":
		return match.GreaterThan, nil
	}
	return 0, fmt.Errorf("target mode %q: %w", s, ErrInvalidDocument)
}

// ParseSolver reads "lm" (the default) or "lstsq".
func ParseSolver(s string) (match.Stepper, error) {
	switch s {
	case "", "lm":
		return match.LevenbergMarquardt{}, nil
	case "lstsq":
		return match.LeastSquares{}, nil
	}
	return nil, fmt.Errorf("solver %q: %w", s, ErrInvalidDocument)
}

func (r SliceRule) strategy() (lattice.Strategy, error) {
	out := lattice.Strategy{Slices: r.Slices, Name: r.Name}
	switch r.Scheme {
	case "", "teapot":
		out.Scheme = lattice.Teapot
	case "uniform":
		out.Scheme = lattice.Uniform
	default:
		return out, fmt.Errorf("slice scheme %q: %w", r.Scheme, ErrInvalidDocument)
	}
	switch r.Mode {
	case "", "thin":
		out.Mode = lattice.Thin
	case "thick":
		out.Mode = lattice.Thick
	default:
		return out, fmt.Errorf("slice mode %q: %w", r.Mode, ErrInvalidDocument)
	}
	if r.Kind != "" {
		k, err := lattice.ParseKind(r.Kind)
		if err != nil {
			return out, err
		}
		out.Kind = k
	}
	return out, nil
}

func (in Insert) placement() (lattice.Placement, error) {
	at, set := lattice.Append(), 0
	if in.Before != "" {
		at, set = lattice.Before(in.Before), set+1
	}
	if in.After != "" {
		at, set = lattice.After(in.After), set+1
	}
	if in.Index != nil {
		at, set = lattice.AtIndex(*in.Index), set+1
	}
	if in.S != nil {
		at, set = lattice.AtS(*in.S), set+1
	}
	if set > 1 {
		return at, fmt.Errorf("insert %q: more than one position: %w", in.Name, ErrInvalidDocument)
	}
	return at, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
