package match

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/vk/beamgridgo/internal/ctxlog"
	"github.com/vk/beamgridgo/internal/lattice"
	"github.com/vk/beamgridgo/internal/optics"
	"github.com/vk/beamgridgo/internal/progress"
	"github.com/vk/beamgridgo/internal/vargraph"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gonum.org/v1/gonum/mat"
)

// LineSpec is one line whose table targets can read.
type LineSpec struct {
	Name     string
	Line     *lattice.Line
	Particle optics.Particle
	Options  optics.Options
}

// Problem is a matching job. Lines are resolved against Graph, which the
// optimizer updates in place.
type Problem struct {
	Name    string
	Graph   *vargraph.Graph
	Lines   []LineSpec
	Knobs   []Knob
	Targets []Target
}

// Settings tune an Optimizer. Zero values select defaults.
type Settings struct {
	MaxIter int
	// Workers bounds the goroutines evaluating Jacobian columns.
	Workers int
	// StepFloor stops the run when the accepted step is shorter.
	StepFloor float64
	Stepper   Stepper
	Reporter  progress.Reporter
}

const (
	defaultMaxIter   = 20
	defaultStepFloor = 1e-15
	maxDampingTrials = 12
)

// Record is one logged iteration.
type Record struct {
	Iteration int
	Knobs     []float64
	Penalty   float64
	Residuals []float64
	Satisfied bool
}

// Optimizer runs a Problem.
type Optimizer struct {
	problem  Problem
	settings Settings
	runID    string

	lineIndex map[string]int
	// affected[j] lists the lines whose bindings depend on knob j.
	affected [][]int

	x       []float64
	tables  Tables
	values  []float64
	res     []float64
	damping float64

	log  []Record
	tags map[string]int
}

// New validates p, evaluates the starting point and logs it as iteration 0.
func New(ctx context.Context, p Problem, s Settings) (*Optimizer, error) {
	if p.Graph == nil {
		return nil, fmt.Errorf("match %q: no graph: %w", p.Name, ErrInvalidProblem)
	}
	if len(p.Lines) == 0 || len(p.Knobs) == 0 || len(p.Targets) == 0 {
		return nil, fmt.Errorf("match %q: needs lines, knobs and targets: %w", p.Name, ErrInvalidProblem)
	}
	if s.MaxIter <= 0 {
		s.MaxIter = defaultMaxIter
	}
	if s.Workers <= 0 {
		s.Workers = runtime.GOMAXPROCS(0)
	}
	if s.StepFloor <= 0 {
		s.StepFloor = defaultStepFloor
	}
	if s.Stepper == nil {
		s.Stepper = LevenbergMarquardt{}
	}
	if s.Reporter == nil {
		s.Reporter = progress.Nop{}
	}

	o := &Optimizer{
		problem:   p,
		settings:  s,
		runID:     uuid.NewString(),
		lineIndex: make(map[string]int, len(p.Lines)),
		tags:      make(map[string]int),
		damping:   1e-3,
	}
	for i, l := range p.Lines {
		if l.Line == nil {
			return nil, fmt.Errorf("match %q: line %q is nil: %w", p.Name, l.Name, ErrInvalidProblem)
		}
		if _, dup := o.lineIndex[l.Name]; dup {
			return nil, fmt.Errorf("match %q: duplicate line %q: %w", p.Name, l.Name, ErrInvalidProblem)
		}
		o.lineIndex[l.Name] = i
	}
	if err := o.resolveTargets(); err != nil {
		return nil, err
	}
	if err := o.resolveKnobs(); err != nil {
		return nil, err
	}

	logger := ctxlog.FromContext(ctx).With("match", p.Name, "run", o.runID)
	tables, err := o.evaluate(p.Graph, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("match %q: initial evaluation: %w", p.Name, err)
	}
	if err := o.adopt(tables); err != nil {
		return nil, fmt.Errorf("match %q: %w", p.Name, err)
	}
	o.record()
	logger.Debug("Optimizer ready.", "knobs", len(p.Knobs), "targets", len(p.Targets), "penalty", o.Penalty())
	return o, nil
}

func (o *Optimizer) resolveTargets() error {
	p := &o.problem
	o.problem.Targets = append([]Target(nil), p.Targets...)
	for i := range p.Targets {
		t := &p.Targets[i]
		if t.Quantity == nil {
			return fmt.Errorf("match %q: target %d has no quantity: %w", p.Name, i, ErrInvalidProblem)
		}
		if t.Tol == 0 {
			t.Tol = DefaultTol
		}
		if t.Weight == 0 {
			t.Weight = 1
		}
		if t.Line == "" {
			if len(p.Lines) != 1 {
				return fmt.Errorf("match %q: target %s needs a line: %w", p.Name, t, ErrInvalidProblem)
			}
			t.Line = p.Lines[0].Name
		}
		if _, ok := o.lineIndex[t.Line]; !ok {
			return fmt.Errorf("match %q: target %s: unknown line: %w", p.Name, t, ErrInvalidProblem)
		}
	}
	return nil
}

func (o *Optimizer) resolveKnobs() error {
	p := &o.problem
	o.problem.Knobs = append([]Knob(nil), p.Knobs...)
	seen := make(map[string]bool, len(p.Knobs))
	o.x = make([]float64, len(p.Knobs))
	o.affected = make([][]int, len(p.Knobs))
	for j, k := range p.Knobs {
		if err := k.validate(); err != nil {
			return err
		}
		if seen[k.Name] {
			return fmt.Errorf("match %q: duplicate knob %q: %w", p.Name, k.Name, ErrInvalidProblem)
		}
		seen[k.Name] = true
		v, err := p.Graph.ValueOf(k.Name)
		if err != nil {
			return fmt.Errorf("match %q: knob %q: %w", p.Name, k.Name, err)
		}
		if c := k.clip(v); c != v {
			if err := p.Graph.SetByName(k.Name, c); err != nil {
				return err
			}
			v = c
		}
		o.x[j] = v

		elems, err := p.Graph.AffectedElements(k.Name)
		if err != nil {
			return err
		}
		for li, l := range p.Lines {
			if intersects(l.Line.ElementIDs(), elems) {
				o.affected[j] = append(o.affected[j], li)
			}
		}
	}
	// Func targets may read any line, so their knobs see every line.
	for _, t := range p.Targets {
		if _, ok := t.Quantity.(funcQuantity); ok {
			for j := range o.affected {
				o.affected[j] = allLines(len(p.Lines))
			}
			break
		}
	}
	return nil
}

func intersects(a, b map[string]struct{}) bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			return true
		}
	}
	return false
}

func allLines(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// evaluate computes the tables of the listed lines against g, reusing base
// for the others. A nil list means every line.
func (o *Optimizer) evaluate(g *vargraph.Graph, lines []int, base Tables) (Tables, error) {
	if lines == nil {
		lines = allLines(len(o.problem.Lines))
	}
	out := make(Tables, len(o.problem.Lines))
	for k, v := range base {
		out[k] = v
	}
	for _, li := range lines {
		spec := o.problem.Lines[li]
		tab, err := optics.Compute(spec.Line.WithGraph(g), spec.Particle, spec.Options)
		if err != nil {
			return nil, fmt.Errorf("line %q: %w", spec.Name, err)
		}
		out[spec.Name] = tab
	}
	return out, nil
}

// measure returns target values and weighted residuals for tables.
func (o *Optimizer) measure(tables Tables) (values, res []float64, err error) {
	values = make([]float64, len(o.problem.Targets))
	res = make([]float64, len(o.problem.Targets))
	for i, t := range o.problem.Targets {
		v, err := t.Quantity.Eval(tables[t.Line], tables)
		if err != nil {
			return nil, nil, fmt.Errorf("target %s: %w", t, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, fmt.Errorf("target %s: non-finite value", t)
		}
		values[i] = v
		res[i] = t.residual(v)
	}
	return values, res, nil
}

// adopt makes tables the current state.
func (o *Optimizer) adopt(tables Tables) error {
	values, res, err := o.measure(tables)
	if err != nil {
		return err
	}
	o.tables, o.values, o.res = tables, values, res
	return nil
}

func (o *Optimizer) record() {
	o.log = append(o.log, Record{
		Iteration: len(o.log),
		Knobs:     append([]float64(nil), o.x...),
		Penalty:   o.Penalty(),
		Residuals: append([]float64(nil), o.res...),
		Satisfied: o.Satisfied(),
	})
}

// RunID identifies this optimizer in logs, spans and progress events.
func (o *Optimizer) RunID() string { return o.runID }

// Penalty is the Euclidean norm of the weighted residuals.
func (o *Optimizer) Penalty() float64 { return norm(o.res) }

func norm(v []float64) float64 {
	s := 0.0
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// Satisfied reports whether every target is within tolerance.
func (o *Optimizer) Satisfied() bool {
	for i, t := range o.problem.Targets {
		if !t.satisfied(o.values[i]) {
			return false
		}
	}
	return true
}

// Tables returns the tables at the current knob values.
func (o *Optimizer) Tables() Tables {
	out := make(Tables, len(o.tables))
	for k, v := range o.tables {
		out[k] = v
	}
	return out
}

// TargetStatus reports every target at the current knob values.
func (o *Optimizer) TargetStatus() []Status {
	out := make([]Status, len(o.problem.Targets))
	for i, t := range o.problem.Targets {
		out[i] = Status{Target: t, Current: o.values[i], Residual: o.res[i], Satisfied: t.satisfied(o.values[i])}
	}
	return out
}

func (o *Optimizer) worst() string {
	best, idx := -1.0, -1
	for i, t := range o.problem.Targets {
		if t.satisfied(o.values[i]) {
			continue
		}
		if r := math.Abs(o.res[i]); r > best {
			best, idx = r, i
		}
	}
	if idx < 0 {
		return ""
	}
	return o.problem.Targets[idx].String()
}

// Log returns every recorded iteration, starting with the initial state.
func (o *Optimizer) Log() []Record {
	out := make([]Record, len(o.log))
	copy(out, o.log)
	return out
}

// KnobValues returns the knobs at a logged iteration; a negative iteration
// counts from the end, so -1 is the latest.
func (o *Optimizer) KnobValues(iteration int) (map[string]float64, error) {
	rec, err := o.recordAt(iteration)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(o.problem.Knobs))
	for j, k := range o.problem.Knobs {
		out[k.Name] = rec.Knobs[j]
	}
	return out, nil
}

func (o *Optimizer) recordAt(iteration int) (Record, error) {
	if iteration < 0 {
		iteration += len(o.log)
	}
	if iteration < 0 || iteration >= len(o.log) {
		return Record{}, fmt.Errorf("match %q: iteration %d of %d: %w", o.problem.Name, iteration, len(o.log), ErrInvalidProblem)
	}
	return o.log[iteration], nil
}

// Tag names the latest iteration so Reload can return to it.
func (o *Optimizer) Tag(name string) {
	o.tags[name] = len(o.log) - 1
}

// Reload writes the knob values of a logged iteration back into the graph
// and continues from there. Reload(0) restores the starting point.
func (o *Optimizer) Reload(iteration int) error {
	rec, err := o.recordAt(iteration)
	if err != nil {
		return err
	}
	return o.moveTo(rec.Knobs)
}

// ReloadTag is Reload for a tagged iteration.
func (o *Optimizer) ReloadTag(name string) error {
	it, ok := o.tags[name]
	if !ok {
		return fmt.Errorf("match %q: %q: %w", o.problem.Name, name, ErrUnknownTag)
	}
	return o.Reload(it)
}

func (o *Optimizer) moveTo(x []float64) error {
	prev := append([]float64(nil), o.x...)
	if err := o.apply(x); err != nil {
		return err
	}
	tables, err := o.evaluate(o.problem.Graph, nil, nil)
	if err == nil {
		err = o.adopt(tables)
	}
	if err != nil {
		_ = o.apply(prev)
		return err
	}
	return nil
}

func (o *Optimizer) apply(x []float64) error {
	for j, k := range o.problem.Knobs {
		if err := o.problem.Graph.SetByName(k.Name, x[j]); err != nil {
			return err
		}
	}
	o.x = append(o.x[:0], x...)
	return nil
}

// Solve iterates until every target is satisfied. It returns an
// *IterationLimitError when MaxIter iterations are not enough and a
// *NoConvergenceError when no step reduces the penalty.
func (o *Optimizer) Solve(ctx context.Context) error {
	ctx, span := startSolveSpan(ctx, o.problem.Name, o.runID, len(o.problem.Knobs), len(o.problem.Targets))
	defer span.End()
	logger := ctxlog.FromContext(ctx).With("match", o.problem.Name, "run", o.runID)
	start := time.Now()

	logger.Info("🎯 Matching started.", "knobs", len(o.problem.Knobs), "targets", len(o.problem.Targets), "penalty", o.Penalty())
	err := o.iterate(ctx, o.settings.MaxIter)
	if err == nil && !o.Satisfied() {
		err = &IterationLimitError{Iterations: len(o.log) - 1, Penalty: o.Penalty(), Worst: o.worst()}
	}
	o.report(ctx, true)

	span.SetAttributes(
		attribute.Int("match.iterations", len(o.log)-1),
		attribute.Float64("match.penalty", o.Penalty()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Matching stopped.", "error", err, "duration", time.Since(start))
		return err
	}
	span.SetStatus(codes.Ok, "")
	logger.Info("🏁 Matching converged.", "iterations", len(o.log)-1, "penalty", o.Penalty(), "duration", time.Since(start))
	return nil
}

// Step performs at most n iterations, stopping early once every target is
// satisfied. Unlike Solve it does not treat running out of iterations as an
// error.
func (o *Optimizer) Step(ctx context.Context, n int) error {
	return o.iterate(ctx, n)
}

func (o *Optimizer) iterate(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if o.Satisfied() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("match %q: %w: %w", o.problem.Name, ErrCancelled, err)
		}
		if err := o.iteration(ctx); err != nil {
			return err
		}
		o.report(ctx, false)
	}
	return nil
}

func (o *Optimizer) report(ctx context.Context, done bool) {
	knobs := make(map[string]float64, len(o.x))
	for j, k := range o.problem.Knobs {
		knobs[k.Name] = o.x[j]
	}
	o.settings.Reporter.Report(ctx, progress.Event{
		RunID:     o.runID,
		Job:       o.problem.Name,
		Iteration: len(o.log) - 1,
		Penalty:   o.Penalty(),
		Worst:     o.worst(),
		Knobs:     knobs,
		Satisfied: o.Satisfied(),
		Done:      done,
	})
}

// iteration builds the Jacobian at the current point and tries damped steps
// until one lowers the penalty.
func (o *Optimizer) iteration(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	jac, err := o.jacobian(ctx)
	if err != nil {
		return err
	}
	res := mat.NewVecDense(len(o.res), append([]float64(nil), o.res...))
	penalty := o.Penalty()

	for trial := 0; trial < maxDampingTrials; trial++ {
		dx, err := o.settings.Stepper.Propose(jac, res, o.damping)
		if err != nil {
			return &NoConvergenceError{Iteration: len(o.log) - 1, Penalty: penalty, Worst: o.worst(), Cause: err}
		}
		next := make([]float64, len(o.x))
		moved := 0.0
		for j, k := range o.problem.Knobs {
			next[j] = k.clip(o.x[j] + dx.AtVec(j))
			moved = math.Max(moved, math.Abs(next[j]-o.x[j]))
		}
		if moved < o.settings.StepFloor {
			return &NoConvergenceError{Iteration: len(o.log) - 1, Penalty: penalty, Worst: o.worst()}
		}

		prev := append([]float64(nil), o.x...)
		if err := o.apply(next); err != nil {
			return err
		}
		tables, evalErr := o.evaluate(o.problem.Graph, nil, nil)
		var values, res2 []float64
		if evalErr == nil {
			values, res2, evalErr = o.measure(tables)
		}
		if evalErr != nil || norm(res2) >= penalty {
			if evalErr != nil {
				logger.Debug("Trial step rejected.", "trial", trial, "error", evalErr)
			}
			if err := o.apply(prev); err != nil {
				return err
			}
			o.damping *= 10
			continue
		}

		o.tables, o.values, o.res = tables, values, res2
		o.damping = math.Max(o.damping/10, 1e-12)
		o.record()
		recordIteration(ctx, o.problem.Name, o.Penalty())
		logger.Debug("Iteration accepted.", "iteration", len(o.log)-1, "penalty", o.Penalty(), "damping", o.damping)
		return nil
	}
	return &NoConvergenceError{Iteration: len(o.log) - 1, Penalty: penalty, Worst: o.worst()}
}
