package vargraph

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName    = errors.New("name already defined")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrUnknownVariable  = errors.New("unknown variable")
	ErrNonFinite        = errors.New("expression evaluated to a non-finite value")
	ErrStaleHandle      = errors.New("stale handle")
	ErrInUse            = errors.New("variable is still referenced")
	ErrInvalidName      = errors.New("invalid name")
)

// GraphError records the operation and name a graph failure is about.
type GraphError struct {
	Op   string
	Name string
	Err  error
}

func (e *GraphError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("vargraph %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vargraph %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }
