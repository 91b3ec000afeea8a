package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot is a struct used to decode all possible top-level blocks from any file.
type fileRoot struct {
	Particles []*particleBlock `hcl:"particle,block"`
	Variables []*variableBlock `hcl:"variable,block"`
	Functions []*functionBlock `hcl:"function,block"`
	Elements  []*elementBlock  `hcl:"element,block"`
	Lines     []*lineBlock     `hcl:"line,block"`
	Twiss     []*twissBlock    `hcl:"twiss,block"`
	Matches   []*matchBlock    `hcl:"match,block"`
	Ramps     []*rampBlock     `hcl:"ramp,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type particleBlock struct {
	Mass0          float64  `hcl:"mass0"`
	Q0             *float64 `hcl:"q0,optional"`
	P0C            float64  `hcl:"p0c,optional"`
	Energy0        float64  `hcl:"energy0,optional"`
	KineticEnergy0 float64  `hcl:"kinetic_energy0,optional"`
}

type variableBlock struct {
	Name  string         `hcl:"name,label"`
	Value hcl.Expression `hcl:"value"`
}

type functionBlock struct {
	Name string         `hcl:"name,label"`
	X    hcl.Expression `hcl:"x"`
	Y    hcl.Expression `hcl:"y"`
}

type elementBlock struct {
	Name string   `hcl:"name,label"`
	Kind string   `hcl:"kind,label"`
	Body hcl.Body `hcl:",remain"`
}

type lineBlock struct {
	Name       string         `hcl:"name,label"`
	Components []string       `hcl:"components,optional"`
	Length     float64        `hcl:"length,optional"`
	Replicate  string         `hcl:"replicate,optional"`
	Repeat     int            `hcl:"repeat,optional"`
	Places     []*placeBlock  `hcl:"place,block"`
	Inserts    []*insertBlock `hcl:"insert,block"`
	Slices     []*sliceBlock  `hcl:"slice,block"`
}

type placeBlock struct {
	Name    string  `hcl:"name,label"`
	Element string  `hcl:"element,optional"`
	At      float64 `hcl:"at"`
	From    string  `hcl:"from,optional"`
}

type insertBlock struct {
	Name    string   `hcl:"name,label"`
	Element string   `hcl:"element,optional"`
	Before  string   `hcl:"before,optional"`
	After   string   `hcl:"after,optional"`
	Index   *int     `hcl:"index,optional"`
	At      *float64 `hcl:"at,optional"`
}

type sliceBlock struct {
	Slices int    `hcl:"slices"`
	Scheme string `hcl:"scheme,optional"`
	Mode   string `hcl:"mode,optional"`
	Kind   string `hcl:"kind,optional"`
	Name   string `hcl:"name,optional"`
}

type twissBlock struct {
	Name    string     `hcl:"name,label"`
	Line    string     `hcl:"line"`
	Method  string     `hcl:"method,optional"`
	Delta0  float64    `hcl:"delta0,optional"`
	Reverse bool       `hcl:"reverse,optional"`
	Start   string     `hcl:"start,optional"`
	End     string     `hcl:"end,optional"`
	InitAt  string         `hcl:"init_at,optional"`
	Rows    string         `hcl:"rows,optional"`
	Init    *initBlock     `hcl:"init,block"`
	Beam    *beamBlock     `hcl:"beam,block"`
	Columns []*columnBlock `hcl:"column,block"`
}

type beamBlock struct {
	NEmitX     float64 `hcl:"nemitx,optional"`
	NEmitY     float64 `hcl:"nemity,optional"`
	SigmaZeta  float64 `hcl:"sigma_zeta,optional"`
	SigmaDelta float64 `hcl:"sigma_delta,optional"`
}

type columnBlock struct {
	Name string `hcl:"name,label"`
	Expr string `hcl:"expr"`
}

type initBlock struct {
	Betx  float64 `hcl:"betx,optional"`
	Alfx  float64 `hcl:"alfx,optional"`
	Bety  float64 `hcl:"bety,optional"`
	Alfy  float64 `hcl:"alfy,optional"`
	Dx    float64 `hcl:"dx,optional"`
	Dpx   float64 `hcl:"dpx,optional"`
	Dy    float64 `hcl:"dy,optional"`
	Dpy   float64 `hcl:"dpy,optional"`
	X     float64 `hcl:"x,optional"`
	Px    float64 `hcl:"px,optional"`
	Y     float64 `hcl:"y,optional"`
	Py    float64 `hcl:"py,optional"`
	Zeta  float64 `hcl:"zeta,optional"`
	Delta float64 `hcl:"delta,optional"`
	Mux   float64 `hcl:"mux,optional"`
	Muy   float64 `hcl:"muy,optional"`
}

type matchBlock struct {
	Name    string         `hcl:"name,label"`
	Twiss   []string       `hcl:"twiss"`
	Solver  string         `hcl:"solver,optional"`
	MaxIter int            `hcl:"max_iter,optional"`
	Vary    []*varyBlock   `hcl:"vary,block"`
	Targets []*targetBlock `hcl:"target,block"`
}

type varyBlock struct {
	Name   string         `hcl:"name,label"`
	Step   float64        `hcl:"step,optional"`
	Limits hcl.Expression `hcl:"limits,optional"`
	Tag    string         `hcl:"tag,optional"`
}

type targetBlock struct {
	Quantity string  `hcl:"quantity,label"`
	Twiss    string  `hcl:"twiss,optional"`
	Mode     string  `hcl:"mode,optional"`
	Value    float64 `hcl:"value"`
	Tol      float64 `hcl:"tol,optional"`
	Weight   float64 `hcl:"weight,optional"`
	Tag      string  `hcl:"tag,optional"`
}

type rampBlock struct {
	Line          string         `hcl:"line"`
	Cavity        string         `hcl:"cavity,optional"`
	Harmonic      float64        `hcl:"harmonic,optional"`
	Time          hcl.Expression `hcl:"time"`
	KineticEnergy hcl.Expression `hcl:"kinetic_energy"`
	Turns         int            `hcl:"turns,optional"`
	T0            float64        `hcl:"t0,optional"`
}
