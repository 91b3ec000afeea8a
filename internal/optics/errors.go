package optics

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParticle = errors.New("invalid reference particle")
	ErrInvalidOptions  = errors.New("invalid twiss options")
	ErrNoClosedOrbit   = errors.New("closed orbit search did not converge")
	ErrOutOfRange      = errors.New("row not in table")
	ErrUnknownColumn   = errors.New("unknown column")
	ErrEmptyLine       = errors.New("line has no elements")
)

// UnstableLatticeError reports a plane with no periodic solution.
type UnstableLatticeError struct {
	Plane string // "x", "y", "coupled" or "longitudinal"
	// Trace is the half trace cos(mu) of the plane's one-turn block.
	Trace float64
}

func (e *UnstableLatticeError) Error() string {
	return fmt.Sprintf("optics: lattice unstable in %s plane (%.6g)", e.Plane, e.Trace)
}
