package optics

import (
	"fmt"
	"math"
)

// Physical constants.
const (
	SpeedOfLight   = 299792458.0      // m/s
	ProtonMassEV   = 938.27208816e6   // eV
	ElectronMassEV = 0.51099895000e6  // eV
	PionMassEV     = 139.57039e6      // eV
)

// Particle is the reference particle. Energies and momenta are in eV, charge
// in units of the elementary charge.
type Particle struct {
	Mass0 float64
	Q0    float64
	P0C   float64
}

// FromP0C builds a reference particle from its momentum times c.
func FromP0C(mass0, q0, p0c float64) (Particle, error) {
	p := Particle{Mass0: mass0, Q0: q0, P0C: p0c}
	return p, p.Validate()
}

// FromEnergy builds a reference particle from its total energy.
func FromEnergy(mass0, q0, energy0 float64) (Particle, error) {
	if energy0 <= mass0 {
		return Particle{}, fmt.Errorf("total energy %g eV not above rest mass %g eV: %w", energy0, mass0, ErrInvalidParticle)
	}
	return FromP0C(mass0, q0, math.Sqrt(energy0*energy0-mass0*mass0))
}

// FromKinetic builds a reference particle from its kinetic energy.
func FromKinetic(mass0, q0, kinetic float64) (Particle, error) {
	if kinetic <= 0 {
		return Particle{}, fmt.Errorf("kinetic energy %g eV: %w", kinetic, ErrInvalidParticle)
	}
	return FromEnergy(mass0, q0, mass0+kinetic)
}

// Validate checks that the particle is physical.
func (p Particle) Validate() error {
	if !(p.Mass0 > 0) || !(p.P0C > 0) || p.Q0 == 0 || math.IsInf(p.P0C, 0) {
		return fmt.Errorf("mass0=%g q0=%g p0c=%g: %w", p.Mass0, p.Q0, p.P0C, ErrInvalidParticle)
	}
	return nil
}

func (p Particle) Energy0() float64        { return math.Hypot(p.P0C, p.Mass0) }
func (p Particle) Gamma0() float64         { return p.Energy0() / p.Mass0 }
func (p Particle) Beta0() float64          { return p.P0C / p.Energy0() }
func (p Particle) KineticEnergy0() float64 { return p.Energy0() - p.Mass0 }

// BetaGamma0 is beta0 times gamma0, used to turn normalised emittances into
// geometric ones.
func (p Particle) BetaGamma0() float64 { return p.P0C / p.Mass0 }

// Rvv is the ratio of a particle's speed at momentum offset delta to the
// reference speed.
func (p Particle) Rvv(delta float64) float64 {
	pc := p.P0C * (1 + delta)
	beta := pc / math.Hypot(pc, p.Mass0)
	return beta / p.Beta0()
}

// RevolutionFrequency returns the revolution frequency on a closed path of the
// given length.
func (p Particle) RevolutionFrequency(circumference float64) float64 {
	return p.Beta0() * SpeedOfLight / circumference
}
