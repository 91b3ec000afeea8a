package optics

import (
	"math"

	"github.com/vk/beamgridgo/internal/lattice"
)

// Phase-space coordinates: x, px, y, py, zeta, delta. Momenta are canonical
// and normalised to the reference momentum; zeta is positive for particles
// ahead of the reference.
const (
	iX = iota
	iPx
	iY
	iPy
	iZeta
	iDelta
)

// Vec6 is a phase-space vector.
type Vec6 [6]float64

// Mat6 is a linear map on phase space.
type Mat6 [6][6]float64

// Identity6 returns the identity map.
func Identity6() Mat6 {
	var m Mat6
	for i := range m {
		m[i][i] = 1
	}
	return m
}

// Mul returns a*b, i.e. b applied first.
func (a Mat6) Mul(b Mat6) Mat6 {
	var out Mat6
	for i := 0; i < 6; i++ {
		for k := 0; k < 6; k++ {
			if a[i][k] == 0 {
				continue
			}
			for j := 0; j < 6; j++ {
				out[i][j] += a[i][k] * b[k][j]
			}
		}
	}
	return out
}

// Apply returns m*v.
func (m Mat6) Apply(v Vec6) Vec6 {
	var out Vec6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[i] += m[i][j] * v[j]
		}
	}
	return out
}

// Transpose returns m transposed.
func (m Mat6) Transpose() Mat6 {
	var out Mat6
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			out[j][i] = m[i][j]
		}
	}
	return out
}

// segment is one primitive map. Elements are compositions of segments.
type segment interface {
	track(ref *reference, in Vec6) Vec6
	// linear fills the analytic transverse columns of the map at in.
	linear(ref *reference, in Vec6) Mat6
	dependsOnZeta() bool
}

type reference struct {
	Particle
	beta0 float64
}

func newReference(p Particle) *reference {
	return &reference{Particle: p, beta0: p.Beta0()}
}

// fdStep is the central-difference step for the zeta and delta columns.
const fdStep = 1e-6

// linearize returns the Jacobian of seg at in and the tracked output.
func linearize(seg segment, ref *reference, in Vec6) (Mat6, Vec6) {
	m := seg.linear(ref, in)
	cols := []int{iDelta}
	if seg.dependsOnZeta() {
		cols = append(cols, iZeta)
	}
	for _, j := range cols {
		hi, lo := in, in
		hi[j] += fdStep
		lo[j] -= fdStep
		a, b := seg.track(ref, hi), seg.track(ref, lo)
		for i := 0; i < 6; i++ {
			m[i][j] = (a[i] - b[i]) / (2 * fdStep)
		}
	}
	return m, seg.track(ref, in)
}

// elementSegments expands resolved element parameters into primitives.
func elementSegments(p lattice.Params) []segment {
	switch p.Kind {
	case lattice.Drift:
		return []segment{thick{length: p.Length}}
	case lattice.Quadrupole:
		return []segment{thick{length: p.Length, k1: p.K1}}
	case lattice.Bend:
		return []segment{thick{length: p.Length, h: p.H, k0: p.K0, k1: p.K1}}
	case lattice.Sextupole:
		half := thick{length: p.Length / 2}
		return []segment{half, kick{k2l: p.K2 * p.Length}, half}
	case lattice.Multipole:
		return []segment{kick{
			k0l: p.K0L, k1l: p.K1L, k2l: p.K2L,
			k0sl: p.K0SL, k1sl: p.K1SL,
			hxl: p.HXL, length: p.Length,
		}}
	case lattice.Kicker:
		k := kick{k0l: -p.HKick, k0sl: p.VKick}
		if p.Length > 0 {
			half := thick{length: p.Length / 2}
			return []segment{half, k, half}
		}
		return []segment{k}
	case lattice.Cavity:
		rf := rfKick{voltage: p.Voltage, frequency: p.Frequency, lag: p.Lag}
		if p.Length > 0 {
			half := thick{length: p.Length / 2}
			return []segment{half, rf, half}
		}
		return []segment{rf}
	}
	return nil
}

// elementMap tracks in through an element and returns its Jacobian at in.
func elementMap(segs []segment, ref *reference, in Vec6) (Mat6, Vec6) {
	m := Identity6()
	cur := in
	for _, s := range segs {
		sm, out := linearize(s, ref, cur)
		m = sm.Mul(m)
		cur = out
	}
	return m, cur
}

// trackElement tracks without linearising.
func trackElement(segs []segment, ref *reference, in Vec6) Vec6 {
	cur := in
	for _, s := range segs {
		cur = s.track(ref, cur)
	}
	return cur
}

// thick is a body with constant curvature h, dipole k0 and gradient k1. With
// all three zero it is a drift.
type thick struct {
	length float64
	h      float64
	k0     float64
	k1     float64
}

// focusing returns cos-like, sin-like and the two integrals
// (1-C)/K and (L-S)/K, well defined as K goes to zero.
func focusing(k, l float64) (c, s, d, f float64) {
	kl2 := k * l * l
	switch {
	case math.Abs(kl2) < 1e-4:
		l2, l3 := l*l, l*l*l
		c = 1 - kl2/2 + kl2*kl2/24
		s = l - k*l3/6 + k*k*l3*l2/120
		d = l2/2 - k*l2*l2/24 + k*k*l3*l3/720
		f = l3/6 - k*l3*l2/120 + k*k*l3*l2*l2/5040
		return c, s, d, f
	case k > 0:
		w := math.Sqrt(k)
		c, s = math.Cos(w*l), math.Sin(w*l)/w
	default:
		w := math.Sqrt(-k)
		c, s = math.Cosh(w*l), math.Sinh(w*l)/w
	}
	return c, s, (1 - c) / k, (l - s) / k
}

type thickCoeffs struct {
	d, rvv         float64
	cx, sx, dx, fx float64
	kx, ax         float64
	cy, sy, ky     float64
}

func (t thick) coeffs(ref *reference, delta float64) thickCoeffs {
	d := 1 + delta
	var tc thickCoeffs
	tc.d = d
	tc.rvv = ref.Rvv(delta)
	tc.kx = (t.h*t.k0 + t.k1) / d
	tc.ax = t.h - t.k0/d
	tc.ky = -t.k1 / d
	tc.cx, tc.sx, tc.dx, tc.fx = focusing(tc.kx, t.length)
	tc.cy, tc.sy, _, _ = focusing(tc.ky, t.length)
	return tc
}

func (t thick) track(ref *reference, in Vec6) Vec6 {
	c := t.coeffs(ref, in[iDelta])
	x, px, y, py := in[iX], in[iPx], in[iY], in[iPy]
	var out Vec6
	out[iX] = c.cx*x + c.sx*px/c.d + c.ax*c.dx
	out[iPx] = -c.d*c.kx*c.sx*x + c.cx*px + c.d*c.ax*c.sx
	out[iY] = c.cy*y + c.sy*py/c.d
	out[iPy] = -c.d*c.ky*c.sy*y + c.cy*py
	integral := x*c.sx + px/c.d*c.dx + c.ax*c.fx
	out[iZeta] = in[iZeta] + t.length*(1-1/c.rvv) - t.h/c.rvv*integral
	out[iDelta] = in[iDelta]
	return out
}

func (t thick) linear(ref *reference, in Vec6) Mat6 {
	c := t.coeffs(ref, in[iDelta])
	m := Identity6()
	m[iX][iX], m[iX][iPx] = c.cx, c.sx/c.d
	m[iPx][iX], m[iPx][iPx] = -c.d*c.kx*c.sx, c.cx
	m[iY][iY], m[iY][iPy] = c.cy, c.sy/c.d
	m[iPy][iY], m[iPy][iPy] = -c.d*c.ky*c.sy, c.cy
	m[iZeta][iX] = -t.h / c.rvv * c.sx
	m[iZeta][iPx] = -t.h / c.rvv * c.dx / c.d
	return m
}

func (thick) dependsOnZeta() bool { return false }

// kick is a thin multipole up to sextupole order with an optional curvature
// hxl. length is the virtual length the kick stands for and only enters the
// weak-focusing term of a thin dipole.
type kick struct {
	k0l, k1l, k2l float64
	k0sl, k1sl    float64
	hxl           float64
	length        float64
}

func (k kick) weakFocusing() float64 {
	if k.length > 0 {
		return k.hxl * k.k0l / k.length
	}
	return 0
}

func (k kick) track(ref *reference, in Vec6) Vec6 {
	x, y, delta := in[iX], in[iY], in[iDelta]
	out := in
	out[iPx] += -k.k0l + k.hxl*(1+delta) - k.k1l*x + k.k1sl*y - k.k2l/2*(x*x-y*y) - k.weakFocusing()*x
	out[iPy] += k.k0sl + k.k1l*y + k.k1sl*x + k.k2l*x*y
	if k.hxl != 0 {
		out[iZeta] -= k.hxl / ref.Rvv(delta) * x
	}
	return out
}

func (k kick) linear(ref *reference, in Vec6) Mat6 {
	x, y := in[iX], in[iY]
	m := Identity6()
	m[iPx][iX] = -k.k1l - k.k2l*x - k.weakFocusing()
	m[iPx][iY] = k.k1sl + k.k2l*y
	m[iPy][iX] = k.k1sl + k.k2l*y
	m[iPy][iY] = k.k1l + k.k2l*x
	if k.hxl != 0 {
		m[iZeta][iX] = -k.hxl / ref.Rvv(in[iDelta])
	}
	return m
}

func (kick) dependsOnZeta() bool { return false }

// rfKick is a thin accelerating gap. lag is in degrees; the energy gain of
// the reference particle is q0 V sin(lag).
type rfKick struct {
	voltage   float64
	frequency float64
	lag       float64
}

func (r rfKick) track(ref *reference, in Vec6) Vec6 {
	out := in
	if r.voltage == 0 {
		return out
	}
	phase := r.lag*math.Pi/180 - 2*math.Pi*r.frequency*in[iZeta]/(ref.beta0*SpeedOfLight)
	gain := ref.Q0 * r.voltage * math.Sin(phase)
	pc := ref.P0C * (1 + in[iDelta])
	energy := math.Hypot(pc, ref.Mass0) + gain
	pc1 := math.Sqrt(math.Max(energy*energy-ref.Mass0*ref.Mass0, 0))
	out[iDelta] = pc1/ref.P0C - 1
	return out
}

func (rfKick) linear(*reference, Vec6) Mat6 { return Identity6() }

func (r rfKick) dependsOnZeta() bool { return r.voltage != 0 }
