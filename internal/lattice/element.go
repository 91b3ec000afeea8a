// Package lattice models beamline elements and the ordered lines built from
// them.
//
// An Element is identified by its ID, which is also the key its attributes are
// bound under in the variable graph. A Line is an immutable ordered sequence of
// named entries, each pointing at an Element; several entries (in the same or
// in different lines) may share one Element and therefore one set of
// bindings. Every structural operation returns a new Line.
package lattice

import (
	"fmt"
	"sort"
)

// Kind is the closed set of element types.
type Kind string

const (
	Drift      Kind = "Drift"
	Bend       Kind = "Bend"
	Quadrupole Kind = "Quadrupole"
	Sextupole  Kind = "Sextupole"
	Multipole  Kind = "Multipole"
	Marker     Kind = "Marker"
	Cavity     Kind = "Cavity"
	Kicker     Kind = "Kicker"
)

// Attribute field names.
const (
	FieldLength    = "length"
	FieldK0        = "k0"
	FieldH         = "h"
	FieldK1        = "k1"
	FieldK2        = "k2"
	FieldK0L       = "k0l"
	FieldK1L       = "k1l"
	FieldK2L       = "k2l"
	FieldK0SL      = "k0sl"
	FieldK1SL      = "k1sl"
	FieldHXL       = "hxl"
	FieldVoltage   = "voltage"
	FieldFrequency = "frequency"
	FieldLag       = "lag"
	FieldHKick     = "hkick"
	FieldVKick     = "vkick"
)

// FieldSpec describes one attribute of a kind.
type FieldSpec struct {
	Name    string
	Default float64
}

var schemas = map[Kind][]FieldSpec{
	Drift:      {{Name: FieldLength}},
	Bend:       {{Name: FieldLength}, {Name: FieldK0}, {Name: FieldH}, {Name: FieldK1}},
	Quadrupole: {{Name: FieldLength}, {Name: FieldK1}},
	Sextupole:  {{Name: FieldLength}, {Name: FieldK2}},
	Multipole: {
		{Name: FieldLength}, {Name: FieldK0L}, {Name: FieldK1L}, {Name: FieldK2L},
		{Name: FieldK0SL}, {Name: FieldK1SL}, {Name: FieldHXL},
	},
	Marker: {},
	Cavity: {{Name: FieldLength}, {Name: FieldVoltage}, {Name: FieldFrequency}, {Name: FieldLag}},
	Kicker: {{Name: FieldLength}, {Name: FieldHKick}, {Name: FieldVKick}},
}

// Kinds lists every element kind in a stable order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(schemas))
	for k := range schemas {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := schemas[k]; !ok {
		return "", fmt.Errorf("%q: %w", s, ErrUnknownKind)
	}
	return k, nil
}

// Schema returns the attribute fields of kind.
func Schema(k Kind) ([]FieldSpec, error) {
	s, ok := schemas[k]
	if !ok {
		return nil, fmt.Errorf("%q: %w", k, ErrUnknownKind)
	}
	out := make([]FieldSpec, len(s))
	copy(out, s)
	return out, nil
}

// HasField reports whether kind k has the named field.
func HasField(k Kind, field string) bool {
	for _, f := range schemas[k] {
		if f.Name == field {
			return true
		}
	}
	return false
}

// Element is an immutable element definition.
type Element struct {
	id    string
	kind  Kind
	attrs map[string]float64
}

// NewElement validates attrs against the schema of kind.
func NewElement(id string, kind Kind, attrs map[string]float64) (*Element, error) {
	if id == "" {
		return nil, fmt.Errorf("element without a name: %w", ErrInvalidElement)
	}
	if _, ok := schemas[kind]; !ok {
		return nil, fmt.Errorf("element %q: %q: %w", id, kind, ErrUnknownKind)
	}
	cp := make(map[string]float64, len(attrs))
	for f, v := range attrs {
		if !HasField(kind, f) {
			return nil, fmt.Errorf("element %q: %s has no field %q: %w", id, kind, f, ErrUnknownField)
		}
		cp[f] = v
	}
	if l, ok := cp[FieldLength]; ok && l < 0 {
		return nil, fmt.Errorf("element %q: negative length: %w", id, ErrInvalidElement)
	}
	return &Element{id: id, kind: kind, attrs: cp}, nil
}

// MustElement is NewElement for static tables; it panics on error.
func MustElement(id string, kind Kind, attrs map[string]float64) *Element {
	e, err := NewElement(id, kind, attrs)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Element) ID() string { return e.id }
func (e *Element) Kind() Kind { return e.kind }

// Value returns the stored value of field, or its default.
func (e *Element) Value(field string) (float64, error) {
	if v, ok := e.attrs[field]; ok {
		return v, nil
	}
	for _, f := range schemas[e.kind] {
		if f.Name == field {
			return f.Default, nil
		}
	}
	return 0, fmt.Errorf("element %q: %s has no field %q: %w", e.id, e.kind, field, ErrUnknownField)
}

// Attrs returns a copy of the explicitly stored attributes.
func (e *Element) Attrs() map[string]float64 {
	out := make(map[string]float64, len(e.attrs))
	for k, v := range e.attrs {
		out[k] = v
	}
	return out
}

// Rename returns a copy of e under a new ID.
func (e *Element) Rename(id string) *Element {
	return &Element{id: id, kind: e.kind, attrs: e.Attrs()}
}

// Params is the fully resolved numeric state of one element, as consumed by
// the optics engine.
type Params struct {
	Name string
	Kind Kind

	Length float64
	K0     float64
	H      float64
	K1     float64
	K2     float64

	K0L  float64
	K1L  float64
	K2L  float64
	K0SL float64
	K1SL float64
	HXL  float64

	Voltage   float64
	Frequency float64
	Lag       float64

	HKick float64
	VKick float64
}

// PathLength is the length the element occupies along the line.
func (p Params) PathLength() float64 {
	if p.Kind == Multipole {
		return 0
	}
	return p.Length
}

func (p *Params) set(field string, v float64) {
	switch field {
	case FieldLength:
		p.Length = v
	case FieldK0:
		p.K0 = v
	case FieldH:
		p.H = v
	case FieldK1:
		p.K1 = v
	case FieldK2:
		p.K2 = v
	case FieldK0L:
		p.K0L = v
	case FieldK1L:
		p.K1L = v
	case FieldK2L:
		p.K2L = v
	case FieldK0SL:
		p.K0SL = v
	case FieldK1SL:
		p.K1SL = v
	case FieldHXL:
		p.HXL = v
	case FieldVoltage:
		p.Voltage = v
	case FieldFrequency:
		p.Frequency = v
	case FieldLag:
		p.Lag = v
	case FieldHKick:
		p.HKick = v
	case FieldVKick:
		p.VKick = v
	}
}
