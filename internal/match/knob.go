// Package match adjusts graph variables (knobs) until optics quantities
// (targets) reach requested values.
//
// A Problem names the knobs, the lines whose tables the targets read, and the
// targets. An Optimizer iterates damped least-squares steps: each iteration
// builds a finite-difference Jacobian in parallel, one worker per knob on an
// isolated clone of the graph, then writes the accepted knob values back into
// the caller's graph. Every iteration is logged and can be reloaded.
package match

import "fmt"

// DefaultStep is the finite-difference step of a knob without one.
const DefaultStep = 1e-8

// Knob is a graph variable the optimizer may change.
type Knob struct {
	Name string
	// Step is the finite-difference step used for the Jacobian.
	Step float64
	// Limits clips the knob to [lo, hi] when set.
	Limits *[2]float64
	Tag    string
}

// KnobOption configures the knobs built by VaryList.
type KnobOption func(*Knob)

// Limits clips the knobs to [lo, hi].
func Limits(lo, hi float64) KnobOption {
	return func(k *Knob) { k.Limits = &[2]float64{lo, hi} }
}

// KnobTag labels the knobs.
func KnobTag(tag string) KnobOption {
	return func(k *Knob) { k.Tag = tag }
}

// VaryList builds one knob per name sharing step and options.
func VaryList(names []string, step float64, opts ...KnobOption) []Knob {
	out := make([]Knob, len(names))
	for i, n := range names {
		k := Knob{Name: n, Step: step}
		for _, o := range opts {
			o(&k)
		}
		out[i] = k
	}
	return out
}

func (k Knob) validate() error {
	if k.Name == "" {
		return fmt.Errorf("knob without a name: %w", ErrInvalidProblem)
	}
	if k.Step < 0 {
		return fmt.Errorf("knob %q: negative step: %w", k.Name, ErrInvalidProblem)
	}
	if k.Limits != nil && k.Limits[0] > k.Limits[1] {
		return fmt.Errorf("knob %q: limits [%g, %g]: %w", k.Name, k.Limits[0], k.Limits[1], ErrInvalidProblem)
	}
	return nil
}

func (k Knob) step() float64 {
	if k.Step == 0 {
		return DefaultStep
	}
	return k.Step
}

func (k Knob) clip(v float64) float64 {
	if k.Limits == nil {
		return v
	}
	if v < k.Limits[0] {
		return k.Limits[0]
	}
	if v > k.Limits[1] {
		return k.Limits[1]
	}
	return v
}

// probe returns the finite-difference step, flipped when a forward step
// would leave the limits.
func (k Knob) probe(v float64) float64 {
	h := k.step()
	if k.Limits != nil && v+h > k.Limits[1] {
		return -h
	}
	return h
}
