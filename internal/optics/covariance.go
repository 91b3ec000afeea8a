package optics

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/mat"
)

// Emittances describe the beam distribution used for covariance
// propagation. Transverse emittances are normalised.
type Emittances struct {
	NEmitX     float64
	NEmitY     float64
	SigmaZeta  float64
	SigmaDelta float64
}

// CovarianceTable holds the 6x6 beam covariance at every row.
type CovarianceTable struct {
	names []string
	index map[string]int
	sigma []Mat6
}

// Covariance builds the matched covariance at the first row and propagates
// it through the full element maps. The betatron part comes from the Twiss
// functions, or for a periodic table with transverse coupling from the
// normal modes of the one-turn map, so that the result closes on itself.
func (t *Table) Covariance(em Emittances) (*CovarianceTable, error) {
	if t.maps == nil || len(t.maps) != len(t.names)-1 {
		return nil, errors.New("optics: covariance needs a complete, unfiltered table")
	}
	if em.NEmitX < 0 || em.NEmitY < 0 || em.SigmaZeta < 0 || em.SigmaDelta < 0 {
		return nil, fmt.Errorf("negative emittance: %w", ErrInvalidOptions)
	}
	bg := t.Particle.BetaGamma0()
	ex, ey := em.NEmitX/bg, em.NEmitY/bg
	sd2 := em.SigmaDelta * em.SigmaDelta
	r, err := t.Row(t.names[0])
	if err != nil {
		return nil, err
	}

	var s Mat6
	turn := Identity6()
	for _, m := range t.maps {
		turn = m.Mul(turn)
	}
	if t.Periodic && coupled(turn) {
		beta, err := normalModes(turn, ex, ey)
		if err != nil {
			return nil, err
		}
		for i := 0; i < 4; i++ {
			copy(s[i][:4], beta[i][:])
		}
	} else {
		s[iX][iX] = ex * r["betx"]
		s[iX][iPx] = -ex * r["alfx"]
		s[iPx][iX] = s[iX][iPx]
		s[iPx][iPx] = ex * r["gamx"]
		s[iY][iY] = ey * r["bety"]
		s[iY][iPy] = -ey * r["alfy"]
		s[iPy][iY] = s[iY][iPy]
		s[iPy][iPy] = ey * r["gamy"]
	}
	disp := [4]float64{r["dx"], r["dpx"], r["dy"], r["dpy"]}
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			s[i][j] += disp[i] * disp[j] * sd2
		}
		s[i][iDelta] = disp[i] * sd2
		s[iDelta][i] = s[i][iDelta]
	}
	s[iZeta][iZeta] = em.SigmaZeta * em.SigmaZeta
	s[iDelta][iDelta] = sd2

	out := &CovarianceTable{
		names: t.names,
		index: t.index,
		sigma: make([]Mat6, len(t.names)),
	}
	out.sigma[0] = s
	for i, m := range t.maps {
		s = m.Mul(s).Mul(m.Transpose())
		out.sigma[i+1] = s
	}
	return out, nil
}

const couplingTol = 1e-14

func coupled(m Mat6) bool {
	for i := iX; i <= iPx; i++ {
		for j := iY; j <= iPy; j++ {
			if math.Abs(m[i][j]) > couplingTol || math.Abs(m[j][i]) > couplingTol {
				return true
			}
		}
	}
	return false
}

// normalModes returns the transverse betatron covariance that the 4x4 block
// of the one-turn map m carries into itself. Each eigenvector v is scaled to
// v^H S v = i, and the mode living mostly in x gets ex.
func normalModes(m Mat6, ex, ey float64) ([4][4]float64, error) {
	var out [4][4]float64
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			d.Set(i, j, m[i][j])
		}
	}
	var eig mat.Eigen
	if ok := eig.Factorize(d, mat.EigenRight); !ok {
		return out, errors.New("optics: eigen decomposition failed")
	}
	var vecs mat.CDense
	eig.VectorsTo(&vecs)

	modes := 0
	for k := range eig.Values(nil) {
		var v [4]complex128
		for i := range v {
			v[i] = vecs.At(i, k)
		}
		w := cmplx.Conj(v[0])*v[1] - cmplx.Conj(v[1])*v[0] +
			cmplx.Conj(v[2])*v[3] - cmplx.Conj(v[3])*v[2]
		if imag(w) <= 0 {
			continue
		}
		scale := complex(1/math.Sqrt(imag(w)), 0)
		for i := range v {
			v[i] *= scale
		}
		emit := ex
		if sq(v[2])+sq(v[3]) > sq(v[0])+sq(v[1]) {
			emit = ey
		}
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				out[i][j] += 2 * emit * real(v[i]*cmplx.Conj(v[j]))
			}
		}
		modes++
	}
	if modes != 2 {
		return out, &UnstableLatticeError{Plane: "coupled", Trace: (m[iX][iX] + m[iY][iY]) / 2}
	}
	return out, nil
}

func sq(c complex128) float64 { return real(c)*real(c) + imag(c)*imag(c) }

// Sigma returns the covariance matrix at row.
func (c *CovarianceTable) Sigma(row string) (Mat6, error) {
	i, ok := c.index[row]
	if !ok {
		return Mat6{}, fmt.Errorf("%q: %w", row, ErrOutOfRange)
	}
	return c.sigma[i], nil
}

// Names returns the row names.
func (c *CovarianceTable) Names() []string { return append([]string(nil), c.names...) }

var sigmaColumns = map[string]int{
	"sigma_x": iX, "sigma_px": iPx, "sigma_y": iY, "sigma_py": iPy,
	"sigma_zeta": iZeta, "sigma_delta": iDelta,
}

// Column returns an rms size column such as sigma_x.
func (c *CovarianceTable) Column(col string) ([]float64, error) {
	k, ok := sigmaColumns[col]
	if !ok {
		return nil, fmt.Errorf("%q: %w", col, ErrUnknownColumn)
	}
	out := make([]float64, len(c.sigma))
	for i, s := range c.sigma {
		out[i] = math.Sqrt(math.Max(s[k][k], 0))
	}
	return out, nil
}

// WithBeamSizes returns a copy of t with the sigma_x and sigma_y columns of
// c appended. Rows are matched by name.
func (t *Table) WithBeamSizes(c *CovarianceTable) (*Table, error) {
	out := t.shallow()
	out.cols = make(map[string][]float64, len(t.cols)+2)
	for k, v := range t.cols {
		out.cols[k] = v
	}
	out.order = append([]string(nil), t.order...)
	for _, col := range []string{"sigma_x", "sigma_y"} {
		if _, exists := t.cols[col]; exists {
			return nil, fmt.Errorf("column %q already exists", col)
		}
		k := sigmaColumns[col]
		values := make([]float64, len(t.names))
		for i, row := range t.names {
			s, err := c.Sigma(row)
			if err != nil {
				return nil, err
			}
			values[i] = math.Sqrt(math.Max(s[k][k], 0))
		}
		out.cols[col] = values
		out.order = append(out.order, col)
	}
	return out, nil
}
