// Package optics computes closed orbits, linear optics functions and derived
// ring parameters for a lattice line.
//
// Transverse optics are uncoupled: beta, alpha and phase advance are taken
// from the diagonal 2x2 blocks of the transfer maps. The full 6x6 maps are
// kept for dispersion, momentum compaction and beam covariance propagation.
package optics

import (
	"errors"
	"fmt"
	"math"

	"github.com/vk/beamgridgo/internal/lattice"
	"gonum.org/v1/gonum/mat"
)

// Method selects the dimensionality of the periodic solution.
type Method uint8

const (
	// Method4D keeps delta fixed and ignores the longitudinal plane.
	Method4D Method = iota
	// Method6D includes synchrotron motion and needs a stable RF system.
	Method6D
)

func (m Method) String() string {
	if m == Method6D {
		return "6d"
	}
	return "4d"
}

// ParseMethod reads "4d" or "6d"; the empty string selects 4d.
func ParseMethod(s string) (Method, error) {
	switch s {
	case "", "4d", "4D":
		return Method4D, nil
	case "6d", "6D":
		return Method6D, nil
	}
	return 0, fmt.Errorf("method %q: %w", s, ErrInvalidOptions)
}

// Row names with a special meaning.
const (
	// EndPoint is the name of the table row after the last element.
	EndPoint = "_end_point"
	// StartPoint selects the first row of the computed range as InitAt.
	StartPoint = "_start_point"
)

// DefaultDeltaChrom is the momentum offset used for chromaticity.
const DefaultDeltaChrom = 1e-4

// InitialConditions seed an open (non-periodic) computation.
type InitialConditions struct {
	Betx, Alfx float64
	Bety, Alfy float64
	Dx, Dpx    float64
	Dy, Dpy    float64
	X, Px      float64
	Y, Py      float64
	Zeta       float64
	Delta      float64
	Mux, Muy   float64
}

// Options control Compute.
type Options struct {
	Method Method
	// Delta0 is the fixed momentum offset of a 4d computation.
	Delta0 float64
	// Init switches to an open computation. Nil means periodic.
	Init *InitialConditions
	// Start and End restrict an open computation to an inclusive range of
	// entries.
	Start, End string
	// InitAt names the row Init applies to: StartPoint (default), EndPoint or
	// an entry inside the range.
	InitAt string
	// DeltaChrom is the momentum offset used for chromaticity; zero selects
	// DefaultDeltaChrom.
	DeltaChrom float64
	// Reverse computes the optics of the counter-propagating direction. Rows
	// stay in forward order and describe the same physical locations.
	Reverse bool
}

// Compute returns the optics table of line for the reference particle ref.
func Compute(line *lattice.Line, ref Particle, opts Options) (*Table, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if line.Len() == 0 {
		return nil, fmt.Errorf("line %q: %w", line.Name(), ErrEmptyLine)
	}
	if opts.DeltaChrom == 0 {
		opts.DeltaChrom = DefaultDeltaChrom
	}
	if !opts.Reverse {
		return compute(line, ref, opts)
	}
	if opts.Init != nil || opts.Start != "" || opts.End != "" {
		return nil, fmt.Errorf("reverse applies to periodic whole-line optics only: %w", ErrInvalidOptions)
	}
	opts.Reverse = false
	tab, err := compute(line.Reverse(), ref, opts)
	if err != nil {
		return nil, err
	}
	return tab.reversed(line)
}

// state is the optics at one location.
type state struct {
	orbit      Vec6
	betx, alfx float64
	bety, alfy float64
	disp       [4]float64
	mux, muy   float64
}

type run struct {
	ref    *reference
	params []lattice.Params
	segs   [][]segment
	s      []float64
	length float64
	opts   Options
}

func compute(line *lattice.Line, p Particle, opts Options) (*Table, error) {
	all, err := line.Resolve()
	if err != nil {
		return nil, err
	}
	pos, _, err := line.Positions()
	if err != nil {
		return nil, err
	}
	i0, i1 := 0, len(all)-1
	if opts.Init == nil && (opts.Start != "" || opts.End != "") {
		return nil, fmt.Errorf("a range needs initial conditions: %w", ErrInvalidOptions)
	}
	if opts.Start != "" {
		if i0, err = line.Index(opts.Start); err != nil {
			return nil, err
		}
	}
	if opts.End != "" {
		if i1, err = line.Index(opts.End); err != nil {
			return nil, err
		}
	}
	if i1 < i0 {
		return nil, fmt.Errorf("range %q..%q is empty: %w", opts.Start, opts.End, ErrInvalidOptions)
	}

	r := &run{ref: newReference(p), params: all[i0 : i1+1], opts: opts}
	r.segs = make([][]segment, len(r.params))
	r.s = make([]float64, len(r.params)+1)
	for i, prm := range r.params {
		r.segs[i] = elementSegments(prm)
		r.s[i] = pos[i0+i]
	}
	last := r.params[len(r.params)-1]
	r.s[len(r.params)] = pos[i1] + last.PathLength()
	r.length = r.s[len(r.params)] - r.s[0]

	names := make([]string, 0, len(r.params)+1)
	for _, prm := range r.params {
		names = append(names, prm.Name)
	}
	names = append(names, EndPoint)

	var start state
	var qs float64
	if opts.Init == nil {
		start, qs, err = r.periodicStart(opts.Delta0)
	} else {
		start, err = r.openStart(names)
	}
	if err != nil {
		return nil, err
	}

	tab := newTable(names, p, opts)
	maps := r.propagate(start, tab)
	tab.maps = maps
	tab.Qs = qs
	if opts.Init != nil && opts.InitAt != "" && opts.InitAt != StartPoint {
		tab.shiftPhase(opts.InitAt, opts.Init.Mux, opts.Init.Muy)
	}

	tab.Circumference = r.length
	tab.Qx = tab.last("mux") / (2 * math.Pi)
	tab.Qy = tab.last("muy") / (2 * math.Pi)
	gamma0 := p.Gamma0()
	if r.length > 0 {
		tab.SlipFactor = -pathLengthSlip(maps, start.disp) / r.length
	}
	tab.MomentumCompaction = tab.SlipFactor + 1/(gamma0*gamma0)
	tab.GammaTr = math.NaN()
	if tab.MomentumCompaction > 0 {
		tab.GammaTr = 1 / math.Sqrt(tab.MomentumCompaction)
	}
	if r.length > 0 {
		tab.TRev0 = r.length / (p.Beta0() * SpeedOfLight)
	}

	if err := r.chromaticity(tab, start); err != nil {
		return nil, err
	}
	return tab, nil
}

// oneTurn tracks in through the whole range and returns the composed map.
func (r *run) oneTurn(in Vec6) (Mat6, Vec6) {
	m := Identity6()
	cur := in
	for _, segs := range r.segs {
		em, out := elementMap(segs, r.ref, cur)
		m = em.Mul(m)
		cur = out
	}
	return m, cur
}

func (r *run) periodicStart(delta0 float64) (state, float64, error) {
	method := r.opts.Method
	orbit, m, err := r.closedOrbit(method, delta0)
	if err != nil {
		return state{}, 0, err
	}
	var st state
	st.orbit = orbit
	if st.betx, st.alfx, err = periodicTwiss(m, iX, "x"); err != nil {
		return state{}, 0, err
	}
	if st.bety, st.alfy, err = periodicTwiss(m, iY, "y"); err != nil {
		return state{}, 0, err
	}
	disp, err := periodicDispersion(m)
	if err != nil {
		return state{}, 0, err
	}
	st.disp = disp
	qs := 0.0
	if method == Method6D {
		if qs, err = synchrotronTune(m); err != nil {
			return state{}, 0, err
		}
	}
	return st, qs, nil
}

const orbitTol = 1e-13

// closedOrbit finds the fixed point of the one-turn map by Newton iteration.
// In 4d the momentum offset is held at delta0 and zeta is not closed.
func (r *run) closedOrbit(method Method, delta0 float64) (Vec6, Mat6, error) {
	var x Vec6
	x[iDelta] = delta0
	dim := 4
	if method == Method6D {
		dim = 6
	}
	for iter := 0; iter < 50; iter++ {
		m, out := r.oneTurn(x)
		if iter == 0 {
			if err := checkStability(m, method); err != nil {
				return Vec6{}, Mat6{}, err
			}
		}
		res := make([]float64, dim)
		worst := 0.0
		for i := 0; i < dim; i++ {
			res[i] = out[i] - x[i]
			worst = math.Max(worst, math.Abs(res[i]))
		}
		if worst < orbitTol {
			if err := checkStability(m, method); err != nil {
				return Vec6{}, Mat6{}, err
			}
			return x, m, nil
		}
		a := mat.NewDense(dim, dim, nil)
		for i := 0; i < dim; i++ {
			for j := 0; j < dim; j++ {
				v := -m[i][j]
				if i == j {
					v++
				}
				a.Set(i, j, v)
			}
		}
		var step mat.VecDense
		if err := step.SolveVec(a, mat.NewVecDense(dim, res)); err != nil {
			return Vec6{}, Mat6{}, fmt.Errorf("%w: %v", ErrNoClosedOrbit, err)
		}
		for i := 0; i < dim; i++ {
			x[i] += step.AtVec(i)
		}
	}
	return Vec6{}, Mat6{}, ErrNoClosedOrbit
}

func halfTrace(m Mat6, i int) float64 { return (m[i][i] + m[i+1][i+1]) / 2 }

func checkStability(m Mat6, method Method) error {
	for _, pl := range []struct {
		name string
		i    int
	}{{"x", iX}, {"y", iY}} {
		c := halfTrace(m, pl.i)
		if math.IsNaN(c) || math.Abs(c) >= 1 {
			return &UnstableLatticeError{Plane: pl.name, Trace: c}
		}
	}
	if method != Method6D {
		return nil
	}
	vals, _, err := eigen6(m)
	if err != nil {
		return err
	}
	for _, v := range vals {
		mod := math.Hypot(real(v), imag(v))
		if math.Abs(mod-1) > 1e-6 || math.Abs(imag(v)) < 1e-6 {
			return &UnstableLatticeError{Plane: "longitudinal", Trace: halfTrace(m, iZeta)}
		}
	}
	return nil
}

func eigen6(m Mat6) ([]complex128, *mat.CDense, error) {
	d := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	var eig mat.Eigen
	if ok := eig.Factorize(d, mat.EigenRight); !ok {
		return nil, nil, errors.New("optics: eigen decomposition failed")
	}
	var vecs mat.CDense
	eig.VectorsTo(&vecs)
	return eig.Values(nil), &vecs, nil
}

// synchrotronTune picks the eigenvalue pair whose eigenvectors live mostly
// in the longitudinal coordinates.
func synchrotronTune(m Mat6) (float64, error) {
	vals, vecs, err := eigen6(m)
	if err != nil {
		return 0, err
	}
	best, bestWeight := 0, -1.0
	for j := range vals {
		var total, long float64
		for i := 0; i < 6; i++ {
			a := vecs.At(i, j)
			w := real(a)*real(a) + imag(a)*imag(a)
			total += w
			if i >= iZeta {
				long += w
			}
		}
		if total > 0 && long/total > bestWeight {
			best, bestWeight = j, long/total
		}
	}
	v := vals[best]
	return math.Abs(math.Atan2(imag(v), real(v))) / (2 * math.Pi), nil
}

func periodicTwiss(m Mat6, i int, plane string) (beta, alpha float64, err error) {
	a, b, d := m[i][i], m[i][i+1], m[i+1][i+1]
	c := (a + d) / 2
	if math.IsNaN(c) || math.Abs(c) >= 1 {
		return 0, 0, &UnstableLatticeError{Plane: plane, Trace: c}
	}
	s := math.Copysign(math.Sqrt(1-c*c), b)
	return b / s, (a - d) / (2 * s), nil
}

func periodicDispersion(m Mat6) ([4]float64, error) {
	a := mat.NewDense(4, 4, nil)
	rhs := mat.NewVecDense(4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			v := -m[i][j]
			if i == j {
				v++
			}
			a.Set(i, j, v)
		}
		rhs.SetVec(i, m[i][iDelta])
	}
	var sol mat.VecDense
	if err := sol.SolveVec(a, rhs); err != nil {
		return [4]float64{}, fmt.Errorf("periodic dispersion: %w", err)
	}
	return [4]float64{sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), sol.AtVec(3)}, nil
}

// openStart converts the user's initial conditions, given at InitAt, into
// the state at the first row of the range.
func (r *run) openStart(names []string) (state, error) {
	in := r.opts.Init
	if in.Betx <= 0 || in.Bety <= 0 {
		return state{}, fmt.Errorf("initial betx and bety must be positive: %w", ErrInvalidOptions)
	}
	given := state{
		betx: in.Betx, alfx: in.Alfx, bety: in.Bety, alfy: in.Alfy,
		disp: [4]float64{in.Dx, in.Dpx, in.Dy, in.Dpy},
		mux:  in.Mux, muy: in.Muy,
	}
	given.orbit = Vec6{in.X, in.Px, in.Y, in.Py, in.Zeta, in.Delta}

	k := 0
	switch r.opts.InitAt {
	case "", StartPoint:
		return given, nil
	case EndPoint:
		k = len(r.segs)
	default:
		found := false
		for i, n := range names {
			if n == r.opts.InitAt {
				k, found = i, true
				break
			}
		}
		if !found {
			return state{}, fmt.Errorf("init_at %q outside the range: %w", r.opts.InitAt, ErrInvalidOptions)
		}
	}
	if k == 0 {
		return given, nil
	}
	return r.backPropagate(given, k)
}

// backPropagate finds the start state that propagates into target at row k.
func (r *run) backPropagate(target state, k int) (state, error) {
	upTo := func(in Vec6) (Mat6, Vec6) {
		m := Identity6()
		cur := in
		for _, segs := range r.segs[:k] {
			em, out := elementMap(segs, r.ref, cur)
			m = em.Mul(m)
			cur = out
		}
		return m, cur
	}
	x := target.orbit
	var m Mat6
	converged := false
	for iter := 0; iter < 50; iter++ {
		var out Vec6
		m, out = upTo(x)
		res := make([]float64, 6)
		worst := 0.0
		for i := range res {
			res[i] = target.orbit[i] - out[i]
			worst = math.Max(worst, math.Abs(res[i]))
		}
		if worst < orbitTol {
			converged = true
			break
		}
		var step mat.VecDense
		if err := step.SolveVec(denseOf(m), mat.NewVecDense(6, res)); err != nil {
			return state{}, fmt.Errorf("%w: %v", ErrNoClosedOrbit, err)
		}
		for i := range x {
			x[i] += step.AtVec(i)
		}
	}
	if !converged {
		return state{}, ErrNoClosedOrbit
	}

	var inv mat.Dense
	if err := inv.Inverse(denseOf(m)); err != nil {
		return state{}, fmt.Errorf("inverting map to %q: %w", r.params[k-1].Name, err)
	}
	var mi Mat6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			mi[i][j] = inv.At(i, j)
		}
	}
	st := state{orbit: x}
	st.betx, st.alfx, _ = propagateTwiss(mi, iX, target.betx, target.alfx)
	st.bety, st.alfy, _ = propagateTwiss(mi, iY, target.bety, target.alfy)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			st.disp[i] += mi[i][j] * (target.disp[j] - m[j][iDelta])
		}
	}
	return st, nil
}

func denseOf(m Mat6) *mat.Dense {
	d := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	return d
}

// propagateTwiss maps beta and alpha through the 2x2 block of m starting at
// row i and returns the phase advance.
func propagateTwiss(m Mat6, i int, beta, alpha float64) (b1, a1, dmu float64) {
	a, b, c, d := m[i][i], m[i][i+1], m[i+1][i], m[i+1][i+1]
	gamma := (1 + alpha*alpha) / beta
	b1 = a*a*beta - 2*a*b*alpha + b*b*gamma
	a1 = -a*c*beta + (a*d+b*c)*alpha - b*d*gamma
	dmu = math.Atan2(b, a*beta-b*alpha)
	if dmu < -1e-9 {
		dmu += 2 * math.Pi
	} else if dmu < 0 {
		dmu = 0
	}
	return b1, a1, dmu
}

// propagate fills the table rows from st and returns the element maps.
func (r *run) propagate(st state, tab *Table) []Mat6 {
	maps := make([]Mat6, len(r.segs))
	for i, segs := range r.segs {
		tab.record(i, r.s[i], st)
		m := Identity6()
		cur := st.orbit
		disp := st.disp
		for _, seg := range segs {
			sm, out := linearize(seg, r.ref, cur)
			disp = applyDispersion(sm, disp)
			m = sm.Mul(m)
			cur = out
		}
		maps[i] = m
		st.orbit = cur
		st.disp = disp
		var dmu float64
		st.betx, st.alfx, dmu = propagateTwiss(m, iX, st.betx, st.alfx)
		st.mux += dmu
		st.bety, st.alfy, dmu = propagateTwiss(m, iY, st.bety, st.alfy)
		st.muy += dmu
	}
	tab.record(len(r.segs), r.s[len(r.segs)], st)
	return maps
}

// pathLengthSlip is d(zeta)/d(delta) over the range for a particle that
// starts on the dispersive orbit disp.
func pathLengthSlip(maps []Mat6, disp [4]float64) float64 {
	m := Identity6()
	for _, em := range maps {
		m = em.Mul(m)
	}
	slip := m[iZeta][iDelta]
	for j := 0; j < 4; j++ {
		slip += m[iZeta][j] * disp[j]
	}
	return slip
}

func applyDispersion(m Mat6, d [4]float64) [4]float64 {
	var out [4]float64
	for i := 0; i < 4; i++ {
		out[i] = m[i][iDelta]
		for j := 0; j < 4; j++ {
			out[i] += m[i][j] * d[j]
		}
	}
	return out
}

// tunes returns the total phase advances from st over the range.
func (r *run) tunes(st state) (float64, float64) {
	cur := st.orbit
	for _, segs := range r.segs {
		m, out := elementMap(segs, r.ref, cur)
		cur = out
		var dmu float64
		st.betx, st.alfx, dmu = propagateTwiss(m, iX, st.betx, st.alfx)
		st.mux += dmu
		st.bety, st.alfy, dmu = propagateTwiss(m, iY, st.bety, st.alfy)
		st.muy += dmu
	}
	return st.mux / (2 * math.Pi), st.muy / (2 * math.Pi)
}

func (r *run) chromaticity(tab *Table, start state) error {
	dd := r.opts.DeltaChrom
	at := func(sign float64) (float64, float64, error) {
		if r.opts.Init == nil {
			st, _, err := r.periodicStartAt(start.orbit[iDelta] + sign*dd)
			if err != nil {
				return 0, 0, fmt.Errorf("chromaticity at delta %+g: %w", sign*dd, err)
			}
			qx, qy := r.tunes(st)
			return qx, qy, nil
		}
		st := start
		for i := 0; i < 4; i++ {
			st.orbit[i] += sign * dd * start.disp[i]
		}
		st.orbit[iDelta] += sign * dd
		st.mux, st.muy = 0, 0
		qx, qy := r.tunes(st)
		return qx, qy, nil
	}
	qxp, qyp, err := at(1)
	if err != nil {
		return err
	}
	qxm, qym, err := at(-1)
	if err != nil {
		return err
	}
	tab.Dqx = (qxp - qxm) / (2 * dd)
	tab.Dqy = (qyp - qym) / (2 * dd)
	return nil
}

// periodicStartAt is the 4d periodic solution at a fixed momentum offset.
func (r *run) periodicStartAt(delta float64) (state, float64, error) {
	saved := r.opts.Method
	r.opts.Method = Method4D
	defer func() { r.opts.Method = saved }()
	return r.periodicStart(delta)
}
