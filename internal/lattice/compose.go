package lattice

import (
	"fmt"

	"github.com/vk/beamgridgo/internal/vargraph"
)

// RepeatSep joins a repeated entry name and its occurrence number.
const RepeatSep = "::"

// Concat joins lines in order. Names that occur more than once across the
// parts are disambiguated as name::0, name::1, and so on; every occurrence
// keeps pointing at the same element.
func Concat(name string, g *vargraph.Graph, parts ...*Line) (*Line, error) {
	count := make(map[string]int)
	for _, p := range parts {
		for _, e := range p.entries {
			count[e.Name]++
		}
	}
	seen := make(map[string]int)
	var entries []Entry
	for _, p := range parts {
		for _, e := range p.entries {
			if count[e.Name] > 1 {
				k := seen[e.Name]
				seen[e.Name] = k + 1
				e.Name = fmt.Sprintf("%s%s%d", e.Name, RepeatSep, k)
			}
			entries = append(entries, e)
		}
	}
	return New(name, g, entries...)
}

// Repeat concatenates n copies of l.
func (l *Line) Repeat(n int) (*Line, error) {
	if n < 1 {
		return nil, fmt.Errorf("line %q: repeat %d: %w", l.name, n, ErrOutOfRange)
	}
	parts := make([]*Line, n)
	for i := range parts {
		parts[i] = l
	}
	return Concat(l.name, l.graph, parts...)
}

// Reverse returns the entries in reverse order. Elements and bindings are
// shared with l; positions are measured from the new first entry.
func (l *Line) Reverse() *Line {
	entries := make([]Entry, len(l.entries))
	index := make(map[string]int, len(l.entries))
	for i, e := range l.entries {
		j := len(l.entries) - 1 - i
		entries[j] = e
		index[e.Name] = j
	}
	return &Line{name: l.name, graph: l.graph, entries: entries, index: index}
}

// Mirror is Reverse, as used for building a cell from a half-cell and its
// mirror image.
func (l *Line) Mirror() *Line { return l.Reverse() }

// Replicate returns a copy of l whose entries are renamed name.suffix while
// still driving the original elements.
func (l *Line) Replicate(suffix string) (*Line, error) {
	entries := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		entries[i] = Entry{Name: e.Name + "." + suffix, Element: e.Element}
	}
	return New(l.name+"."+suffix, l.graph, entries...)
}

// Placement says where Insert puts a new entry.
type Placement struct {
	mode  placeMode
	index int
	ref   string
	s     float64
}

type placeMode uint8

const (
	placeAppend placeMode = iota
	placeIndex
	placeBefore
	placeAfter
	placeAtS
)

// Append places an entry at the end of the line.
func Append() Placement { return Placement{mode: placeAppend} }

// AtIndex places an entry so it ends up at index i.
func AtIndex(i int) Placement { return Placement{mode: placeIndex, index: i} }

// Before places an entry directly in front of the entry called name.
func Before(name string) Placement { return Placement{mode: placeBefore, ref: name} }

// After places an entry directly behind the entry called name.
func After(name string) Placement { return Placement{mode: placeAfter, ref: name} }

// AtS centres an entry at longitudinal position s, splitting the drift it
// lands in.
func AtS(s float64) Placement { return Placement{mode: placeAtS, s: s} }

// posTol absorbs rounding when comparing positions.
const posTol = 1e-10

// Insert returns a new line with el placed as entry name.
func (l *Line) Insert(name string, el *Element, at Placement) (*Line, error) {
	if name == "" {
		name = el.ID()
	}
	if l.Has(name) {
		return nil, fmt.Errorf("line %q: %q: %w", l.name, name, ErrNameCollision)
	}
	entry := Entry{Name: name, Element: el}
	switch at.mode {
	case placeAppend:
		return l.spliceAt(len(l.entries), 0, entry)
	case placeIndex:
		if at.index < 0 || at.index > len(l.entries) {
			return nil, fmt.Errorf("line %q: index %d: %w", l.name, at.index, ErrOutOfRange)
		}
		return l.spliceAt(at.index, 0, entry)
	case placeBefore, placeAfter:
		i, err := l.Index(at.ref)
		if err != nil {
			return nil, err
		}
		if at.mode == placeAfter {
			i++
		}
		return l.spliceAt(i, 0, entry)
	case placeAtS:
		return l.insertAtS(entry, at.s)
	}
	return nil, fmt.Errorf("line %q: unsupported placement", l.name)
}

func (l *Line) spliceAt(i, remove int, add ...Entry) (*Line, error) {
	entries := make([]Entry, 0, len(l.entries)+len(add)-remove)
	entries = append(entries, l.entries[:i]...)
	entries = append(entries, add...)
	entries = append(entries, l.entries[i+remove:]...)
	return New(l.name, l.graph, entries...)
}

func (l *Line) insertAtS(entry Entry, s float64) (*Line, error) {
	pos, total, err := l.Positions()
	if err != nil {
		return nil, err
	}
	length, err := l.ownLength(entry.Element)
	if err != nil {
		return nil, err
	}
	start, end := s-length/2, s+length/2
	if start < -posTol || end > total+posTol {
		return nil, fmt.Errorf("line %q: %q at s=%g: %w", l.name, entry.Name, s, ErrOutOfRange)
	}

	// Exactly on a boundary with nothing to displace.
	if length == 0 {
		for i, p := range pos {
			if abs(p-s) < posTol {
				return l.spliceAt(i, 0, entry)
			}
		}
		if abs(total-s) < posTol {
			return l.spliceAt(len(l.entries), 0, entry)
		}
	}

	for i, e := range l.entries {
		eLen, err := l.ownLength(e.Element)
		if err != nil {
			return nil, err
		}
		eStart, eEnd := pos[i], pos[i]+eLen
		if start < eStart-posTol || start >= eEnd-posTol {
			continue
		}
		if e.Element.Kind() != Drift || end > eEnd+posTol {
			return nil, fmt.Errorf("line %q: %q at s=%g hits %q: %w", l.name, entry.Name, s, e.Name, ErrOverlap)
		}
		var add []Entry
		if before := start - eStart; before > posTol {
			part, err := l.driftPart(e.Name+SliceSep+"0", before)
			if err != nil {
				return nil, err
			}
			add = append(add, part)
		}
		add = append(add, entry)
		if after := eEnd - end; after > posTol {
			part, err := l.driftPart(e.Name+SliceSep+"1", after)
			if err != nil {
				return nil, err
			}
			add = append(add, part)
		}
		return l.spliceAt(i, 1, add...)
	}
	return nil, fmt.Errorf("line %q: %q at s=%g: %w", l.name, entry.Name, s, ErrOverlap)
}

func (l *Line) driftPart(name string, length float64) (Entry, error) {
	if l.Has(name) {
		return Entry{}, fmt.Errorf("line %q: %q: %w", l.name, name, ErrNameCollision)
	}
	d, err := NewElement(name, Drift, map[string]float64{FieldLength: length})
	if err != nil {
		return Entry{}, err
	}
	return Entry{Name: name, Element: d}, nil
}

// ownLength is the path length an element occupies. A thin multipole's
// length attribute is virtual and occupies nothing.
func (l *Line) ownLength(e *Element) (float64, error) {
	if e.Kind() == Multipole || !HasField(e.Kind(), FieldLength) {
		return 0, nil
	}
	return l.elementValue(e, FieldLength)
}

// Placed is an element positioned by the longitudinal location of its centre.
type Placed struct {
	Name    string
	Element *Element
	At      float64
	// From names an earlier placed element; At is then relative to its centre.
	From string
}

// FromPlacements builds a line from centre positions, filling the gaps with
// drifts named drift_1, drift_2 and so on. A non-zero length pads the line
// with a trailing drift.
func FromPlacements(name string, g *vargraph.Graph, length float64, items []Placed) (*Line, error) {
	probe := &Line{name: name, graph: g}
	type span struct {
		entry      Entry
		start, end float64
		order      int
	}
	centres := make(map[string]float64, len(items))
	spans := make([]span, 0, len(items))
	for i, it := range items {
		if it.Name == "" {
			it.Name = it.Element.ID()
		}
		c := it.At
		if it.From != "" {
			ref, ok := centres[it.From]
			if !ok {
				return nil, fmt.Errorf("line %q: %q placed from unknown %q: %w", name, it.Name, it.From, ErrUnknownElement)
			}
			c += ref
		}
		if _, dup := centres[it.Name]; dup {
			return nil, fmt.Errorf("line %q: %q: %w", name, it.Name, ErrNameCollision)
		}
		centres[it.Name] = c
		eLen, err := probe.ownLength(it.Element)
		if err != nil {
			return nil, err
		}
		spans = append(spans, span{entry: Entry{Name: it.Name, Element: it.Element}, start: c - eLen/2, end: c + eLen/2, order: i})
	}
	// Stable insertion sort keeps declaration order for coincident thin elements.
	for i := 1; i < len(spans); i++ {
		for j := i; j > 0 && spans[j].start < spans[j-1].start-posTol; j-- {
			spans[j], spans[j-1] = spans[j-1], spans[j]
		}
	}

	var entries []Entry
	drifts := 0
	cursor := 0.0
	addDrift := func(gap float64) error {
		drifts++
		dn := fmt.Sprintf("drift_%d", drifts)
		if _, clash := centres[dn]; clash {
			return fmt.Errorf("line %q: %q: %w", name, dn, ErrNameCollision)
		}
		d, err := NewElement(dn, Drift, map[string]float64{FieldLength: gap})
		if err != nil {
			return err
		}
		entries = append(entries, Entry{Name: dn, Element: d})
		return nil
	}
	for _, sp := range spans {
		if sp.start < -posTol {
			return nil, fmt.Errorf("line %q: %q starts at %g: %w", name, sp.entry.Name, sp.start, ErrOutOfRange)
		}
		gap := sp.start - cursor
		if gap < -posTol {
			return nil, fmt.Errorf("line %q: %q: %w", name, sp.entry.Name, ErrOverlap)
		}
		if gap > posTol {
			if err := addDrift(gap); err != nil {
				return nil, err
			}
		}
		entries = append(entries, sp.entry)
		if sp.end > cursor {
			cursor = sp.end
		}
	}
	if length > 0 {
		gap := length - cursor
		if gap < -posTol {
			return nil, fmt.Errorf("line %q: elements extend to %g beyond length %g: %w", name, cursor, length, ErrOutOfRange)
		}
		if gap > posTol {
			if err := addDrift(gap); err != nil {
				return nil, err
			}
		}
	}
	return New(name, g, entries...)
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
