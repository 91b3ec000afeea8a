// Package energy drives the reference energy of a ring from a time program
// and keeps the RF frequency locked to the revolution frequency.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/vk/beamgridgo/internal/optics"
)

// ErrInvalidProgram reports malformed program samples.
var ErrInvalidProgram = errors.New("energy: invalid program")

// PiecewiseLinear interpolates between samples and holds the end values
// outside them.
type PiecewiseLinear struct {
	X, Y []float64
}

// NewPiecewiseLinear validates the samples: at least one point, equal
// lengths, strictly increasing x and finite values.
func NewPiecewiseLinear(x, y []float64) (PiecewiseLinear, error) {
	if len(x) == 0 || len(x) != len(y) {
		return PiecewiseLinear{}, fmt.Errorf("%d x and %d y samples: %w", len(x), len(y), ErrInvalidProgram)
	}
	for i := range x {
		if math.IsNaN(x[i]) || math.IsInf(x[i], 0) || math.IsNaN(y[i]) || math.IsInf(y[i], 0) {
			return PiecewiseLinear{}, fmt.Errorf("sample %d is not finite: %w", i, ErrInvalidProgram)
		}
		if i > 0 && x[i] <= x[i-1] {
			return PiecewiseLinear{}, fmt.Errorf("x not increasing at sample %d: %w", i, ErrInvalidProgram)
		}
	}
	return PiecewiseLinear{X: append([]float64(nil), x...), Y: append([]float64(nil), y...)}, nil
}

// At evaluates the function at x.
func (f PiecewiseLinear) At(x float64) float64 {
	n := len(f.X)
	if x <= f.X[0] {
		return f.Y[0]
	}
	if x >= f.X[n-1] {
		return f.Y[n-1]
	}
	i := sort.SearchFloat64s(f.X, x)
	x0, x1 := f.X[i-1], f.X[i]
	w := (x - x0) / (x1 - x0)
	return f.Y[i-1] + w*(f.Y[i]-f.Y[i-1])
}

// Func adapts f to a one-argument graph function.
func (f PiecewiseLinear) Func() func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("piecewise linear function takes 1 argument, got %d", len(args))
		}
		return f.At(args[0]), nil
	}
}

// Program maps time in seconds to the kinetic energy of the reference
// particle in eV.
type Program struct {
	curve PiecewiseLinear
}

// NewProgram validates the samples. Energies must be positive.
func NewProgram(t, kinetic []float64) (*Program, error) {
	curve, err := NewPiecewiseLinear(t, kinetic)
	if err != nil {
		return nil, err
	}
	for i, e := range kinetic {
		if e <= 0 {
			return nil, fmt.Errorf("kinetic energy %g at sample %d: %w", e, i, ErrInvalidProgram)
		}
	}
	return &Program{curve: curve}, nil
}

// T returns the time samples.
func (p *Program) T() []float64 { return append([]float64(nil), p.curve.X...) }

// KineticEnergy returns the energy samples.
func (p *Program) KineticEnergy() []float64 { return append([]float64(nil), p.curve.Y...) }

// KineticEnergyAt returns the kinetic energy at t.
func (p *Program) KineticEnergyAt(t float64) float64 { return p.curve.At(t) }

// ParticleAt returns the reference particle at t.
func (p *Program) ParticleAt(t, mass0, q0 float64) (optics.Particle, error) {
	return optics.FromKinetic(mass0, q0, p.KineticEnergyAt(t))
}

// FrevAt returns the revolution frequency at t of a particle of mass0 on a
// closed orbit of the given circumference.
func (p *Program) FrevAt(t, mass0, circumference float64) (float64, error) {
	ref, err := p.ParticleAt(t, mass0, 1)
	if err != nil {
		return 0, err
	}
	return ref.RevolutionFrequency(circumference), nil
}
