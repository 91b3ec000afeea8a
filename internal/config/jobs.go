package config

import (
	"context"
	"fmt"

	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/match"
	"github.com/vk/beamgridgo/internal/optics"
)

// LineSpec resolves a twiss job into the line, particle and options it runs
// with. When the environment has a ramp, the particle follows it.
func (e *Env) LineSpec(name string) (match.LineSpec, error) {
	job, err := e.twissJob(name)
	if err != nil {
		return match.LineSpec{}, err
	}
	line, ok := e.Lines[job.Line]
	if !ok {
		return match.LineSpec{}, fmt.Errorf("twiss %q: line %q: %w", name, job.Line, ErrInvalidDocument)
	}
	method, err := optics.ParseMethod(job.Method)
	if err != nil {
		return match.LineSpec{}, fmt.Errorf("twiss %q: %w", name, err)
	}
	if e.doc.Particle == nil {
		return match.LineSpec{}, fmt.Errorf("twiss %q: no particle: %w", name, ErrInvalidDocument)
	}
	particle := e.Particle
	if e.Ramp != nil {
		if particle, err = e.Ramp.Particle(); err != nil {
			return match.LineSpec{}, fmt.Errorf("twiss %q: %w", name, err)
		}
	}
	return match.LineSpec{
		Name:     name,
		Line:     line,
		Particle: particle,
		Options: optics.Options{
			Method:  method,
			Delta0:  job.Delta0,
			Init:    job.Init,
			Start:   job.Start,
			End:     job.End,
			InitAt:  job.InitAt,
			Reverse: job.Reverse,
		},
	}, nil
}

// RunTwiss computes the table of a twiss job.
func (e *Env) RunTwiss(ctx context.Context, name string) (*optics.Table, error) {
	spec, err := e.LineSpec(name)
	if err != nil {
		return nil, err
	}
	ctxlog.FromContext(ctx).Debug("Computing optics.", "twiss", name, "line", spec.Line.Name(), "method", spec.Options.Method)
	tab, err := optics.Compute(spec.Line, spec.Particle, spec.Options)
	if err != nil {
		return nil, fmt.Errorf("twiss %q: %w", name, err)
	}
	return tab, nil
}

// TwissReport computes a twiss job and shapes it for output: beam sizes
// first, then derived columns, then the row filter.
func (e *Env) TwissReport(ctx context.Context, name string) (*optics.Table, error) {
	job, err := e.twissJob(name)
	if err != nil {
		return nil, err
	}
	tab, err := e.RunTwiss(ctx, name)
	if err != nil {
		return nil, err
	}
	if job.Beam != nil {
		cov, err := tab.Covariance(*job.Beam)
		if err != nil {
			return nil, fmt.Errorf("twiss %q: beam: %w", name, err)
		}
		if tab, err = tab.WithBeamSizes(cov); err != nil {
			return nil, fmt.Errorf("twiss %q: beam: %w", name, err)
		}
	}
	for _, c := range job.Columns {
		if tab, err = tab.Derive(c.Name, c.Expr); err != nil {
			return nil, fmt.Errorf("twiss %q: %w", name, err)
		}
	}
	if job.Rows != "" {
		if tab, err = tab.Rows(optics.ByPattern(job.Rows)); err != nil {
			return nil, fmt.Errorf("twiss %q: rows: %w", name, err)
		}
	}
	return tab, nil
}

// MatchProblem resolves a match job into a problem over the environment's
// graph and the settings it asks for.
func (e *Env) MatchProblem(name string) (match.Problem, match.Settings, error) {
	job, err := e.matchJob(name)
	if err != nil {
		return match.Problem{}, match.Settings{}, err
	}
	p := match.Problem{Name: name, Graph: e.Graph}
	for _, tw := range job.Twiss {
		spec, err := e.LineSpec(tw)
		if err != nil {
			return match.Problem{}, match.Settings{}, fmt.Errorf("match %q: %w", name, err)
		}
		p.Lines = append(p.Lines, spec)
	}
	for _, v := range job.Vary {
		p.Knobs = append(p.Knobs, match.Knob{Name: v.Name, Step: v.Step, Limits: v.Limits, Tag: v.Tag})
	}
	for _, t := range job.Targets {
		q, err := ParseQuantity(t.Quantity)
		if err != nil {
			return match.Problem{}, match.Settings{}, fmt.Errorf("match %q: %w", name, err)
		}
		mode, err := ParseMode(t.Mode)
		if err != nil {
			return match.Problem{}, match.Settings{}, fmt.Errorf("match %q: %w", name, err)
		}
		p.Targets = append(p.Targets, match.Target{
			Tag: t.Tag, Line: t.Twiss, Quantity: q, Mode: mode,
			Value: t.Value, Tol: t.Tol, Weight: t.Weight,
		})
	}
	stepper, err := ParseSolver(job.Solver)
	if err != nil {
		return match.Problem{}, match.Settings{}, fmt.Errorf("match %q: %w", name, err)
	}
	return p, match.Settings{MaxIter: job.MaxIter, Stepper: stepper}, nil
}

func (e *Env) twissJob(name string) (Twiss, error) {
	for _, t := range e.doc.Twiss {
		if t.Name == name {
			return t, nil
		}
	}
	return Twiss{}, fmt.Errorf("twiss %q: no such job: %w", name, ErrInvalidDocument)
}

func (e *Env) matchJob(name string) (Match, error) {
	for _, m := range e.doc.Matches {
		if m.Name == name {
			return m, nil
		}
	}
	return Match{}, fmt.Errorf("match %q: no such job: %w", name, ErrInvalidDocument)
}
