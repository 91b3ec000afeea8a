package lattice

import (
	"fmt"

	"github.com/vk/beamgridgo/internal/expr"
	"github.com/vk/beamgridgo/internal/vargraph"
)

// Entry is one named position in a line.
type Entry struct {
	Name    string
	Element *Element
}

// Line is an immutable ordered sequence of entries. Attribute values are
// resolved through the attached graph first and the element definition
// second, so a line always reflects the graph's current state.
type Line struct {
	name    string
	graph   *vargraph.Graph
	entries []Entry
	index   map[string]int
}

// New builds a line from entries. Entry names must be unique.
func New(name string, g *vargraph.Graph, entries ...Entry) (*Line, error) {
	l := &Line{
		name:    name,
		graph:   g,
		entries: make([]Entry, len(entries)),
		index:   make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		if e.Element == nil {
			return nil, fmt.Errorf("line %q: entry %q has no element: %w", name, e.Name, ErrInvalidElement)
		}
		if e.Name == "" {
			e.Name = e.Element.ID()
		}
		if _, dup := l.index[e.Name]; dup {
			return nil, fmt.Errorf("line %q: %q: %w", name, e.Name, ErrNameCollision)
		}
		l.index[e.Name] = i
		l.entries[i] = e
	}
	return l, nil
}

// Sequence builds a line whose entries are named after their elements.
func Sequence(name string, g *vargraph.Graph, elements ...*Element) (*Line, error) {
	entries := make([]Entry, len(elements))
	for i, e := range elements {
		entries[i] = Entry{Element: e}
	}
	return New(name, g, entries...)
}

func (l *Line) Name() string             { return l.name }
func (l *Line) Graph() *vargraph.Graph   { return l.graph }
func (l *Line) Len() int                 { return len(l.entries) }
func (l *Line) Entry(i int) Entry        { return l.entries[i] }
func (l *Line) Entries() []Entry         { return append([]Entry(nil), l.entries...) }
func (l *Line) Rename(name string) *Line { return l.with(name, l.graph, l.entries) }

// Has reports whether the line has an entry called name.
func (l *Line) Has(name string) bool {
	_, ok := l.index[name]
	return ok
}

// WithGraph returns the same sequence resolved against g. The matcher uses it
// to evaluate a line against an isolated copy of the graph.
func (l *Line) WithGraph(g *vargraph.Graph) *Line { return l.with(l.name, g, l.entries) }

func (l *Line) with(name string, g *vargraph.Graph, entries []Entry) *Line {
	return &Line{name: name, graph: g, entries: entries, index: l.index}
}

// Names returns the entry names in order.
func (l *Line) Names() []string {
	out := make([]string, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Name
	}
	return out
}

// Index returns the position of the entry called name.
func (l *Line) Index(name string) (int, error) {
	i, ok := l.index[name]
	if !ok {
		return 0, fmt.Errorf("line %q: %q: %w", l.name, name, ErrUnknownElement)
	}
	return i, nil
}

// ElementIDs returns the set of element IDs referenced by the line.
func (l *Line) ElementIDs() map[string]struct{} {
	out := make(map[string]struct{}, len(l.entries))
	for _, e := range l.entries {
		out[e.Element.ID()] = struct{}{}
	}
	return out
}

// Attribute returns the current value of field on the entry called name.
func (l *Line) Attribute(name, field string) (float64, error) {
	i, err := l.Index(name)
	if err != nil {
		return 0, err
	}
	return l.elementValue(l.entries[i].Element, field)
}

// AttributeExpr returns the expression driving field on the entry called
// name. Unbound fields come back as constants.
func (l *Line) AttributeExpr(name, field string) (expr.Node, error) {
	i, err := l.Index(name)
	if err != nil {
		return expr.Node{}, err
	}
	return l.fieldExpr(l.entries[i].Element, field)
}

func (l *Line) elementValue(e *Element, field string) (float64, error) {
	if !HasField(e.Kind(), field) {
		return 0, fmt.Errorf("element %q: %s has no field %q: %w", e.ID(), e.Kind(), field, ErrUnknownField)
	}
	if l.graph != nil {
		v, ok, err := l.graph.Attribute(e.ID(), field)
		if err != nil {
			return 0, fmt.Errorf("element %q field %q: %w", e.ID(), field, err)
		}
		if ok {
			return v, nil
		}
	}
	return e.Value(field)
}

func (l *Line) fieldExpr(e *Element, field string) (expr.Node, error) {
	if l.graph != nil {
		if n, ok := l.graph.AttributeExpr(e.ID(), field); ok {
			return n, nil
		}
	}
	v, err := e.Value(field)
	if err != nil {
		return expr.Node{}, err
	}
	return expr.Const(v), nil
}

func (l *Line) bound(e *Element, field string) bool {
	if l.graph == nil {
		return false
	}
	_, ok := l.graph.AttributeExpr(e.ID(), field)
	return ok
}

// Params resolves every attribute of entry i.
func (l *Line) Params(i int) (Params, error) {
	e := l.entries[i]
	p := Params{Name: e.Name, Kind: e.Element.Kind()}
	for _, f := range schemas[e.Element.Kind()] {
		v, err := l.elementValue(e.Element, f.Name)
		if err != nil {
			return Params{}, err
		}
		p.set(f.Name, v)
	}
	if p.Length < 0 {
		return Params{}, fmt.Errorf("element %q: negative length %g: %w", e.Name, p.Length, ErrInvalidElement)
	}
	return p, nil
}

// Resolve returns the parameters of every entry in order.
func (l *Line) Resolve() ([]Params, error) {
	out := make([]Params, len(l.entries))
	for i := range l.entries {
		p, err := l.Params(i)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Positions returns the entrance position of every entry and the total
// length of the line.
func (l *Line) Positions() ([]float64, float64, error) {
	out := make([]float64, len(l.entries))
	s := 0.0
	for i, e := range l.entries {
		out[i] = s
		length, err := l.ownLength(e.Element)
		if err != nil {
			return nil, 0, err
		}
		s += length
	}
	return out, s, nil
}

// Length is the sum of all element lengths.
func (l *Line) Length() (float64, error) {
	_, total, err := l.Positions()
	return total, err
}

// Position returns the entrance position of the entry called name.
func (l *Line) Position(name string) (float64, error) {
	i, err := l.Index(name)
	if err != nil {
		return 0, err
	}
	pos, _, err := l.Positions()
	if err != nil {
		return 0, err
	}
	return pos[i], nil
}

// Row is one line of a lattice table.
type Row struct {
	Name    string
	Element string
	Kind    Kind
	S       float64
	Length  float64
}

// Table lists entries with their positions and lengths.
func (l *Line) Table() ([]Row, error) {
	pos, _, err := l.Positions()
	if err != nil {
		return nil, err
	}
	rows := make([]Row, len(l.entries))
	for i, e := range l.entries {
		length, err := l.ownLength(e.Element)
		if err != nil {
			return nil, err
		}
		rows[i] = Row{Name: e.Name, Element: e.Element.ID(), Kind: e.Element.Kind(), S: pos[i], Length: length}
	}
	return rows, nil
}

// Sub returns entries from index i through j inclusive as a new line.
func (l *Line) Sub(i, j int) (*Line, error) {
	if i < 0 || j >= len(l.entries) || i > j {
		return nil, fmt.Errorf("line %q: range [%d, %d]: %w", l.name, i, j, ErrOutOfRange)
	}
	return New(l.name, l.graph, l.entries[i:j+1]...)
}
