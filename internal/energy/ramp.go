package energy

import (
	"fmt"

	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
	"github.com/vk/beamgridgo/internal/vargraph"
)

// Graph names defined by Attach.
const (
	VarTime        = "t_turn_s"
	VarKinetic     = "kinetic_energy0"
	VarP0C         = "p0c"
	VarFrev        = "f_rev"
	FuncKineticAtT = "energy_program_kinetic"
	FuncFrevAtT    = "energy_program_frev"
)

// Wiring describes the machine the program drives.
type Wiring struct {
	Mass0 float64
	// Q0 defaults to 1.
	Q0            float64
	Circumference float64
	// Cavity is the element whose frequency follows Harmonic × f_rev. Empty
	// leaves every cavity alone.
	Cavity   string
	Harmonic float64
}

// Ramp is a program attached to a graph.
type Ramp struct {
	graph   *vargraph.Graph
	program *Program
	wiring  Wiring
	time    vargraph.Handle
	turn    int
}

// TurnState is the machine state at the start of a turn.
type TurnState struct {
	Turn          int
	T             float64
	KineticEnergy float64
	P0C           float64
	Frev          float64
	// RFFrequency is zero without a wired cavity.
	RFFrequency float64
}

// Attach defines t_turn_s, kinetic_energy0, p0c and f_rev in g, registers
// the program as graph functions, and binds the cavity frequency when one is
// wired. Setting t_turn_s afterwards re-derives everything downstream.
func Attach(g *vargraph.Graph, p *Program, w Wiring) (*Ramp, error) {
	if w.Mass0 <= 0 || w.Circumference <= 0 {
		return nil, fmt.Errorf("mass %g, circumference %g: %w", w.Mass0, w.Circumference, ErrInvalidProgram)
	}
	if w.Q0 == 0 {
		w.Q0 = 1
	}
	if w.Harmonic == 0 {
		w.Harmonic = 1
	}

	// Check every name up front so a failed Attach leaves g untouched.
	for _, f := range []string{FuncKineticAtT, FuncFrevAtT} {
		if g.HasFunction(f) {
			return nil, fmt.Errorf("function %q already registered: %w", f, vargraph.ErrDuplicateName)
		}
	}
	for _, v := range []string{VarTime, VarKinetic, VarP0C, VarFrev} {
		if _, ok := g.Lookup(v); ok {
			return nil, fmt.Errorf("variable %q already defined: %w", v, vargraph.ErrDuplicateName)
		}
	}

	if err := g.RegisterFunction(FuncKineticAtT, p.curve.Func()); err != nil {
		return nil, err
	}
	if err := g.RegisterFunction(FuncFrevAtT, func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("%s takes 1 argument, got %d", FuncFrevAtT, len(args))
		}
		return p.FrevAt(args[0], w.Mass0, w.Circumference)
	}); err != nil {
		return nil, err
	}

	t, err := g.Define(VarTime, expr.Const(0))
	if err != nil {
		return nil, err
	}
	defs := []struct {
		name string
		node expr.Node
	}{
		{VarKinetic, expr.Call(FuncKineticAtT, expr.Ref(VarTime))},
		{VarP0C, expr.Call("sqrt", expr.Mul(
			expr.Ref(VarKinetic),
			expr.Add(expr.Ref(VarKinetic), expr.Const(2*w.Mass0)),
		))},
		{VarFrev, expr.Call(FuncFrevAtT, expr.Ref(VarTime))},
	}
	for _, d := range defs {
		if _, err := g.Define(d.name, d.node); err != nil {
			return nil, err
		}
	}
	if w.Cavity != "" {
		node := expr.Mul(expr.Const(w.Harmonic), expr.Ref(VarFrev))
		if _, err := g.BindAttribute(w.Cavity, lattice.FieldFrequency, node); err != nil {
			return nil, err
		}
	}
	return &Ramp{graph: g, program: p, wiring: w, time: t}, nil
}

// SetTime moves the ramp to t seconds.
func (r *Ramp) SetTime(t float64) error {
	return r.graph.Set(r.time, t)
}

// Time is the current value of t_turn_s.
func (r *Ramp) Time() (float64, error) {
	return r.graph.Value(r.time)
}

// Program returns the attached program.
func (r *Ramp) Program() *Program { return r.program }

// Turn counts Advance calls since Attach.
func (r *Ramp) Turn() int { return r.turn }

// Particle returns the reference particle at the current time.
func (r *Ramp) Particle() (optics.Particle, error) {
	p0c, err := r.graph.ValueOf(VarP0C)
	if err != nil {
		return optics.Particle{}, err
	}
	return optics.FromP0C(r.wiring.Mass0, r.wiring.Q0, p0c)
}

// State reads the current turn state from the graph.
func (r *Ramp) State() (TurnState, error) {
	st := TurnState{Turn: r.turn}
	for _, v := range []struct {
		name string
		dst  *float64
	}{
		{VarTime, &st.T},
		{VarKinetic, &st.KineticEnergy},
		{VarP0C, &st.P0C},
		{VarFrev, &st.Frev},
	} {
		val, err := r.graph.ValueOf(v.name)
		if err != nil {
			return TurnState{}, err
		}
		*v.dst = val
	}
	if r.wiring.Cavity != "" {
		f, ok, err := r.graph.Attribute(r.wiring.Cavity, lattice.FieldFrequency)
		if err != nil {
			return TurnState{}, err
		}
		if ok {
			st.RFFrequency = f
		}
	}
	return st, nil
}

// Advance moves time forward by one revolution period at the current
// energy and returns the state of the new turn.
func (r *Ramp) Advance() (TurnState, error) {
	cur, err := r.State()
	if err != nil {
		return TurnState{}, err
	}
	if err := r.SetTime(cur.T + 1/cur.Frev); err != nil {
		return TurnState{}, err
	}
	r.turn++
	return r.State()
}
