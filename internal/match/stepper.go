package match

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Stepper proposes a knob change from the Jacobian jac (targets × knobs)
// and the residual vector res. damping grows while proposals are rejected
// and shrinks when they are accepted.
type Stepper interface {
	Propose(jac *mat.Dense, res *mat.VecDense, damping float64) (*mat.VecDense, error)
}

// LevenbergMarquardt solves (JᵀJ + λ·diag(JᵀJ)) dx = −Jᵀr.
type LevenbergMarquardt struct{}

func (LevenbergMarquardt) Propose(jac *mat.Dense, res *mat.VecDense, damping float64) (*mat.VecDense, error) {
	_, n := jac.Dims()
	var jtj mat.SymDense
	jtj.SymOuterK(1, jac.T())

	maxDiag := 0.0
	for i := 0; i < n; i++ {
		maxDiag = math.Max(maxDiag, jtj.At(i, i))
	}
	if maxDiag == 0 {
		return nil, ErrZeroJacobian
	}
	// The floor keeps knobs that no target sees from making the system singular.
	floor := 1e-12 * maxDiag
	for i := 0; i < n; i++ {
		d := jtj.At(i, i)
		jtj.SetSym(i, i, d+damping*(d+floor))
	}

	var g mat.VecDense
	g.MulVec(jac.T(), res)
	g.ScaleVec(-1, &g)

	dx := mat.NewVecDense(n, nil)
	var chol mat.Cholesky
	if chol.Factorize(&jtj) {
		if err := chol.SolveVecTo(dx, &g); err == nil {
			return dx, nil
		}
	}
	if err := dx.SolveVec(&jtj, &g); err != nil {
		return nil, fmt.Errorf("%w: normal equations: %v", ErrSingularJacobian, err)
	}
	return dx, nil
}

// LeastSquares takes the minimum-norm Gauss-Newton step through an SVD,
// discarding singular values below RCond times the largest. Damping only
// shortens the step.
type LeastSquares struct {
	RCond float64
}

func (s LeastSquares) Propose(jac *mat.Dense, res *mat.VecDense, damping float64) (*mat.VecDense, error) {
	rcond := s.RCond
	if rcond == 0 {
		rcond = 1e-10
	}
	var svd mat.SVD
	if !svd.Factorize(jac, mat.SVDThin) {
		return nil, fmt.Errorf("%w: SVD failed", ErrSingularJacobian)
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return nil, ErrZeroJacobian
	}
	_, n := jac.Dims()
	dx := mat.NewVecDense(n, nil)
	svd.SolveVecTo(dx, res, rank)
	dx.ScaleVec(-1/(1+damping), dx)
	return dx, nil
}
