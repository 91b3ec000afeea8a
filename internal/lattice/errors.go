package lattice

import "errors"

var (
	ErrUnknownKind     = errors.New("unknown element kind")
	ErrUnknownField    = errors.New("unknown attribute")
	ErrInvalidElement  = errors.New("invalid element")
	ErrNameCollision   = errors.New("name already used in line")
	ErrUnknownElement  = errors.New("no such element in line")
	ErrOutOfRange      = errors.New("position out of range")
	ErrOverlap         = errors.New("elements overlap")
	ErrInvalidSlice    = errors.New("slicing does not conserve the element")
	ErrInvalidStrategy = errors.New("invalid slicing strategy")
)
