// Package vargraph holds named variables, their defining expressions and the
// element attributes bound to them.
//
// Every variable and every bound attribute is a cell in one arena. Forward
// edges (the names a cell's expression reads) and a reverse index (who reads
// me) are kept in step on every mutation. Values are computed lazily: writing a
// cell marks it and all of its transitive dependents dirty, and the next read
// of any dirty cell recomputes it from its expression. A read therefore never
// observes a value older than the most recent write it depends on.
package vargraph

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/vk/beamgridgo/internal/expr"
)

type cellKind uint8

const (
	cellVariable cellKind = iota
	cellAttribute
)

// Handle identifies a cell. A handle goes stale when its cell is removed.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

func (h Handle) String() string { return fmt.Sprintf("cell#%d@%d", h.index, h.gen) }

// Func is a user function callable from expressions.
type Func func(args []float64) (float64, error)

type attrKey struct {
	element string
	field   string
}

type cell struct {
	kind    cellKind
	name    string
	element string
	field   string
	gen     uint32
	alive   bool

	node       expr.Node
	deps       []uint32
	dependents map[uint32]struct{}

	value float64
	dirty bool
}

// Graph is safe for concurrent use. Independent copies for parallel
// evaluation are made with Clone.
type Graph struct {
	mu    sync.Mutex
	cells []cell
	free  []uint32
	vars  map[string]uint32
	attrs map[attrKey]uint32
	funcs map[string]Func
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		vars:  make(map[string]uint32),
		attrs: make(map[attrKey]uint32),
		funcs: make(map[string]Func),
	}
}

// RegisterFunction makes fn callable by name from expressions.
func (g *Graph) RegisterFunction(name string, fn Func) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if expr.IsBuiltin(name) || name == expr.SnapshotFunc || name == expr.PowFunc {
		return &GraphError{Op: "register function", Name: name, Err: ErrDuplicateName}
	}
	if _, ok := g.funcs[name]; ok {
		return &GraphError{Op: "register function", Name: name, Err: ErrDuplicateName}
	}
	g.funcs[name] = fn
	return nil
}

// HasFunction reports whether name is callable from expressions.
func (g *Graph) HasFunction(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.funcs[name]
	return ok || expr.IsBuiltin(name)
}

// Define creates a new variable driven by n.
func (g *Graph) Define(name string, n expr.Node) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if name == "" {
		return Handle{}, &GraphError{Op: "define", Name: name, Err: ErrInvalidName}
	}
	if _, ok := g.vars[name]; ok {
		return Handle{}, &GraphError{Op: "define", Name: name, Err: ErrDuplicateName}
	}
	for _, r := range expr.Refs(n) {
		if r == name {
			return Handle{}, &GraphError{Op: "define", Name: name, Err: ErrCyclicDependency}
		}
	}
	deps, err := g.resolveDeps(n)
	if err != nil {
		return Handle{}, &GraphError{Op: "define", Name: name, Err: err}
	}
	idx := g.alloc(cell{kind: cellVariable, name: name})
	g.vars[name] = idx
	g.link(idx, n, deps)
	return g.handle(idx), nil
}

// Lookup returns the handle of a variable.
func (g *Graph) Lookup(name string) (Handle, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.vars[name]
	if !ok {
		return Handle{}, false
	}
	return g.handle(idx), true
}

// Set replaces the expression of h with the constant v.
func (g *Graph) Set(h Handle, v float64) error {
	return g.SetExpr(h, expr.Const(v))
}

// SetByName is Set addressed by variable name.
func (g *Graph) SetByName(name string, v float64) error {
	h, ok := g.Lookup(name)
	if !ok {
		return &GraphError{Op: "set", Name: name, Err: ErrUnknownVariable}
	}
	return g.Set(h, v)
}

// SetExpr replaces the expression of h. If n would close a cycle the call
// fails with ErrCyclicDependency and the graph is left exactly as it was.
func (g *Graph) SetExpr(h Handle, n expr.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return &GraphError{Op: "set", Err: err}
	}
	c := &g.cells[idx]
	deps, err := g.resolveDeps(n)
	if err != nil {
		return &GraphError{Op: "set", Name: c.name, Err: err}
	}
	if c.kind == cellVariable && g.wouldCycle(idx, deps) {
		return &GraphError{Op: "set", Name: c.name, Err: ErrCyclicDependency}
	}
	g.unlink(idx)
	g.link(idx, n, deps)
	return nil
}

// Remove deletes a variable that nothing reads. Its handle goes stale.
func (g *Graph) Remove(h Handle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return &GraphError{Op: "remove", Err: err}
	}
	c := &g.cells[idx]
	if len(c.dependents) > 0 {
		return &GraphError{Op: "remove", Name: c.name, Err: ErrInUse}
	}
	g.release(idx)
	return nil
}

// Value returns the current value of h, recomputing it if stale.
func (g *Graph) Value(h Handle) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return 0, &GraphError{Op: "value", Err: err}
	}
	return g.pull(idx)
}

// ValueOf is Value addressed by variable name.
func (g *Graph) ValueOf(name string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.vars[name]
	if !ok {
		return 0, &GraphError{Op: "value", Name: name, Err: ErrUnknownVariable}
	}
	return g.pull(idx)
}

// Expr returns the expression currently driving h.
func (g *Graph) Expr(h Handle) (expr.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return expr.Node{}, &GraphError{Op: "expr", Err: err}
	}
	return g.cells[idx].node, nil
}

// Snapshot returns a node frozen at the current value of name.
func (g *Graph) Snapshot(name string) (expr.Node, error) {
	v, err := g.ValueOf(name)
	if err != nil {
		return expr.Node{}, err
	}
	return expr.Snapshot(name, v), nil
}

// Eval evaluates a free-standing expression against the current variables.
func (g *Graph) Eval(n expr.Node) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.evalNode("", n)
}

// BindAttribute drives the field of element with n, replacing any previous
// binding.
func (g *Graph) BindAttribute(element, field string, n expr.Node) (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	name := element + "." + field
	deps, err := g.resolveDeps(n)
	if err != nil {
		return Handle{}, &GraphError{Op: "bind", Name: name, Err: err}
	}
	key := attrKey{element, field}
	idx, ok := g.attrs[key]
	if ok {
		g.unlink(idx)
	} else {
		idx = g.alloc(cell{kind: cellAttribute, name: name, element: element, field: field})
		g.attrs[key] = idx
	}
	g.link(idx, n, deps)
	return g.handle(idx), nil
}

// Attribute returns the bound value of element.field. ok is false when the
// field is not bound.
func (g *Graph) Attribute(element, field string) (v float64, ok bool, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, bound := g.attrs[attrKey{element, field}]
	if !bound {
		return 0, false, nil
	}
	v, err = g.pull(idx)
	return v, true, err
}

// AttributeExpr returns the expression bound to element.field.
func (g *Graph) AttributeExpr(element, field string) (expr.Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.attrs[attrKey{element, field}]
	if !ok {
		return expr.Node{}, false
	}
	return g.cells[idx].node, true
}

// ElementBindings returns the bound fields of element.
func (g *Graph) ElementBindings(element string) map[string]expr.Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]expr.Node)
	for k, idx := range g.attrs {
		if k.element == element {
			out[k.field] = g.cells[idx].node
		}
	}
	return out
}

// Unbind removes the binding of element.field, if any.
func (g *Graph) Unbind(element, field string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := attrKey{element, field}
	idx, ok := g.attrs[key]
	if !ok {
		return
	}
	delete(g.attrs, key)
	g.unlink(idx)
	g.release(idx)
}

// Names returns all variable names, sorted.
func (g *Graph) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.vars))
	for n := range g.vars {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent deep copy. Registered functions are shared.
func (g *Graph) Clone() *Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := &Graph{
		cells: make([]cell, len(g.cells)),
		free:  append([]uint32(nil), g.free...),
		vars:  make(map[string]uint32, len(g.vars)),
		attrs: make(map[attrKey]uint32, len(g.attrs)),
		funcs: make(map[string]Func, len(g.funcs)),
	}
	for i, c := range g.cells {
		c.deps = append([]uint32(nil), c.deps...)
		dependents := make(map[uint32]struct{}, len(c.dependents))
		for d := range c.dependents {
			dependents[d] = struct{}{}
		}
		c.dependents = dependents
		out.cells[i] = c
	}
	for k, v := range g.vars {
		out.vars[k] = v
	}
	for k, v := range g.attrs {
		out.attrs[k] = v
	}
	for k, v := range g.funcs {
		out.funcs[k] = v
	}
	return out
}

// --- internals, called with g.mu held ---

func (g *Graph) handle(idx uint32) Handle { return Handle{index: idx, gen: g.cells[idx].gen} }

func (g *Graph) check(h Handle) (uint32, error) {
	if h.IsZero() || int(h.index) >= len(g.cells) {
		return 0, ErrStaleHandle
	}
	c := &g.cells[h.index]
	if !c.alive || c.gen != h.gen {
		return 0, ErrStaleHandle
	}
	return h.index, nil
}

func (g *Graph) alloc(c cell) uint32 {
	c.alive = true
	c.dirty = true
	c.dependents = make(map[uint32]struct{})
	if n := len(g.free); n > 0 {
		idx := g.free[n-1]
		g.free = g.free[:n-1]
		c.gen = g.cells[idx].gen + 1
		g.cells[idx] = c
		return idx
	}
	c.gen = 1
	g.cells = append(g.cells, c)
	return uint32(len(g.cells) - 1)
}

func (g *Graph) release(idx uint32) {
	c := &g.cells[idx]
	if c.kind == cellVariable {
		delete(g.vars, c.name)
	}
	g.unlink(idx)
	c.alive = false
	c.node = expr.Node{}
	c.dependents = nil
	g.free = append(g.free, idx)
}

func (g *Graph) resolveDeps(n expr.Node) ([]uint32, error) {
	if err := expr.CheckArity(n); err != nil {
		return nil, err
	}
	for _, f := range expr.Functions(n) {
		if _, ok := g.funcs[f]; !ok && !expr.IsBuiltin(f) {
			return nil, fmt.Errorf("%s: %w", f, expr.ErrUnknownFunction)
		}
	}
	refs := expr.Refs(n)
	deps := make([]uint32, 0, len(refs))
	for _, r := range refs {
		idx, ok := g.vars[r]
		if !ok {
			return nil, fmt.Errorf("%q: %w", r, ErrUnknownVariable)
		}
		deps = append(deps, idx)
	}
	return deps, nil
}

// wouldCycle reports whether idx is reachable from itself once it reads deps,
// i.e. whether any dep is idx or already reads idx transitively.
func (g *Graph) wouldCycle(idx uint32, deps []uint32) bool {
	want := make(map[uint32]struct{}, len(deps))
	for _, d := range deps {
		if d == idx {
			return true
		}
		want[d] = struct{}{}
	}
	seen := map[uint32]struct{}{idx: {}}
	stack := []uint32{idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := range g.cells[cur].dependents {
			if _, ok := want[d]; ok {
				return true
			}
			if _, ok := seen[d]; !ok {
				seen[d] = struct{}{}
				stack = append(stack, d)
			}
		}
	}
	return false
}

func (g *Graph) link(idx uint32, n expr.Node, deps []uint32) {
	c := &g.cells[idx]
	c.node = n
	c.deps = deps
	for _, d := range deps {
		g.cells[d].dependents[idx] = struct{}{}
	}
	g.invalidate(idx)
}

func (g *Graph) unlink(idx uint32) {
	c := &g.cells[idx]
	for _, d := range c.deps {
		delete(g.cells[d].dependents, idx)
	}
	c.deps = nil
}

// invalidate marks idx and every transitive dependent dirty. A dirty cell's
// dependents are always dirty, so the walk stops at cells already marked.
func (g *Graph) invalidate(idx uint32) {
	g.cells[idx].dirty = true
	stack := []uint32{idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := range g.cells[cur].dependents {
			if !g.cells[d].dirty {
				g.cells[d].dirty = true
				stack = append(stack, d)
			}
		}
	}
}

func (g *Graph) pull(idx uint32) (float64, error) {
	c := &g.cells[idx]
	if !c.dirty {
		return c.value, nil
	}
	v, err := g.evalNode(c.name, c.node)
	if err != nil {
		return 0, err
	}
	c = &g.cells[idx]
	c.value = v
	c.dirty = false
	return v, nil
}

func (g *Graph) evalNode(owner string, n expr.Node) (float64, error) {
	v, err := expr.Eval(n, graphEnv{g})
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &GraphError{Op: "evaluate", Name: owner, Err: ErrNonFinite}
	}
	return v, nil
}

type graphEnv struct{ g *Graph }

func (e graphEnv) Lookup(name string) (float64, error) {
	idx, ok := e.g.vars[name]
	if !ok {
		return 0, &GraphError{Op: "lookup", Name: name, Err: ErrUnknownVariable}
	}
	return e.g.pull(idx)
}

func (e graphEnv) Call(name string, args []float64) (float64, error) {
	fn, ok := e.g.funcs[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, expr.ErrUnknownFunction)
	}
	return fn(args)
}
