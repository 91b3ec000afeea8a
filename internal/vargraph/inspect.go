package vargraph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vk/beamgridgo/internal/expr"
)

// Ref names either a variable or a bound element attribute.
type Ref struct {
	Name    string // variable name, or element.field for attributes
	Element string // empty for variables
	Field   string
}

// IsAttribute reports whether r is an element attribute.
func (r Ref) IsAttribute() bool { return r.Element != "" }

func (g *Graph) ref(idx uint32) Ref {
	c := &g.cells[idx]
	return Ref{Name: c.name, Element: c.element, Field: c.field}
}

// DependenciesOf returns the variables h reads directly, sorted by name.
func (g *Graph) DependenciesOf(h Handle) ([]Ref, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return nil, &GraphError{Op: "dependencies", Err: err}
	}
	out := make([]Ref, 0, len(g.cells[idx].deps))
	for _, d := range g.cells[idx].deps {
		out = append(out, g.ref(d))
	}
	sortRefs(out)
	return out, nil
}

// DependentsOf returns the cells that read h directly, sorted by name.
func (g *Graph) DependentsOf(h Handle) ([]Ref, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return nil, &GraphError{Op: "dependents", Err: err}
	}
	out := make([]Ref, 0, len(g.cells[idx].dependents))
	for d := range g.cells[idx].dependents {
		out = append(out, g.ref(d))
	}
	sortRefs(out)
	return out, nil
}

// TransitiveDependents returns every cell whose value depends on h.
func (g *Graph) TransitiveDependents(h Handle) ([]Ref, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, err := g.check(h)
	if err != nil {
		return nil, &GraphError{Op: "dependents", Err: err}
	}
	var out []Ref
	for _, d := range g.reach(idx) {
		out = append(out, g.ref(d))
	}
	sortRefs(out)
	return out, nil
}

// AffectedElements returns the names of elements with an attribute that
// depends on the variable name.
func (g *Graph) AffectedElements(name string) (map[string]struct{}, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.vars[name]
	if !ok {
		return nil, &GraphError{Op: "affected", Name: name, Err: ErrUnknownVariable}
	}
	out := make(map[string]struct{})
	for _, d := range g.reach(idx) {
		if c := &g.cells[d]; c.kind == cellAttribute {
			out[c.element] = struct{}{}
		}
	}
	return out, nil
}

func (g *Graph) reach(idx uint32) []uint32 {
	seen := map[uint32]struct{}{idx: {}}
	stack := []uint32{idx}
	var out []uint32
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for d := range g.cells[cur].dependents {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
			stack = append(stack, d)
		}
	}
	return out
}

// Row is one line of a variable table.
type Row struct {
	Name  string
	Value float64
	Expr  string // empty when the variable holds a bare constant
	Err   error
}

// Table lists every variable with its current value and expression.
func (g *Graph) Table() []Row {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.vars))
	for n := range g.vars {
		names = append(names, n)
	}
	sort.Strings(names)
	rows := make([]Row, 0, len(names))
	for _, n := range names {
		idx := g.vars[n]
		v, err := g.pull(idx)
		row := Row{Name: n, Value: v, Err: err}
		if node := g.cells[idx].node; !node.IsConst() {
			row.Expr = expr.Format(node)
		}
		rows = append(rows, row)
	}
	return rows
}

// Binding is one bound element attribute.
type Binding struct {
	Element string
	Field   string
	Expr    expr.Node
}

// Bindings lists all attribute bindings sorted by element then field.
func (g *Graph) Bindings() []Binding {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Binding, 0, len(g.attrs))
	for k, idx := range g.attrs {
		out = append(out, Binding{Element: k.element, Field: k.field, Expr: g.cells[idx].node})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Element != out[j].Element {
			return out[i].Element < out[j].Element
		}
		return out[i].Field < out[j].Field
	})
	return out
}

// Info describes a variable: its value, its expression, what it reads and
// what reads it.
func (g *Graph) Info(name string) (string, error) {
	h, ok := g.Lookup(name)
	if !ok {
		return "", &GraphError{Op: "info", Name: name, Err: ErrUnknownVariable}
	}
	v, err := g.Value(h)
	if err != nil {
		return "", err
	}
	n, err := g.Expr(h)
	if err != nil {
		return "", err
	}
	deps, err := g.DependenciesOf(h)
	if err != nil {
		return "", err
	}
	dependents, err := g.DependentsOf(h)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "#  %s = %s\n", FormatRef(name), expr.Format(n))
	fmt.Fprintf(&b, "   %s = %g\n", FormatRef(name), v)
	if len(deps) == 0 {
		fmt.Fprintf(&b, "#  %s does not depend on other variables\n", FormatRef(name))
	} else {
		fmt.Fprintf(&b, "#  %s depends on:\n", FormatRef(name))
		for _, d := range deps {
			dv, _ := g.ValueOf(d.Name)
			fmt.Fprintf(&b, "   %s = %g\n", FormatRef(d.Name), dv)
		}
	}
	if len(dependents) == 0 {
		fmt.Fprintf(&b, "#  %s is not used\n", FormatRef(name))
	} else {
		fmt.Fprintf(&b, "#  %s is used by:\n", FormatRef(name))
		for _, d := range dependents {
			fmt.Fprintf(&b, "   %s\n", d.Name)
		}
	}
	return b.String(), nil
}

// FormatRef renders a variable name the way expressions spell it.
func FormatRef(name string) string { return expr.FormatRef(name) }

func sortRefs(rs []Ref) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Name < rs[j].Name })
}
