package match

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// jacobian differentiates the residuals with respect to every knob. Each
// column is computed by its own worker on a private clone of the graph and
// only recomputes the lines the knob can reach; columns land by knob index,
// so the result does not depend on scheduling.
func (o *Optimizer) jacobian(ctx context.Context) (*mat.Dense, error) {
	m, n := len(o.res), len(o.problem.Knobs)
	cols := make([][]float64, n)
	var evaluations atomic.Int64

	// Cancellation is only observed between iterations.
	g, _ := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(o.settings.Workers)
	for j := range o.problem.Knobs {
		g.Go(func() error {
			col, evals, err := o.column(j)
			evaluations.Add(int64(evals))
			if err != nil {
				return err
			}
			cols[j] = col
			return nil
		})
	}
	err := g.Wait()
	recordJacobian(ctx, o.problem.Name, int(evaluations.Load()))
	if err != nil {
		return nil, fmt.Errorf("match %q: jacobian: %w", o.problem.Name, err)
	}

	jac := mat.NewDense(m, n, nil)
	for j, col := range cols {
		jac.SetCol(j, col)
	}
	return jac, nil
}

// column returns d(residual)/d(knob j) and the number of line evaluations
// it took.
func (o *Optimizer) column(j int) ([]float64, int, error) {
	knob := o.problem.Knobs[j]
	col := make([]float64, len(o.res))
	if len(o.affected[j]) == 0 {
		return col, 0, nil
	}
	clone := o.problem.Graph.Clone()
	evals := 0
	h := knob.probe(o.x[j])
	var lastErr error
	for _, step := range []float64{h, -h} {
		if err := clone.SetByName(knob.Name, o.x[j]+step); err != nil {
			return nil, evals, err
		}
		evals += len(o.affected[j])
		tables, err := o.evaluate(clone, o.affected[j], o.tables)
		if err != nil {
			lastErr = err
			continue
		}
		_, res, err := o.measure(tables)
		if err != nil {
			lastErr = err
			continue
		}
		for i := range col {
			col[i] = (res[i] - o.res[i]) / step
		}
		return col, evals, nil
	}
	return nil, evals, fmt.Errorf("knob %q: %w", knob.Name, lastErr)
}
