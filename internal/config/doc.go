// Package config defines the format-agnostic lattice document and turns it
// into a live environment.
//
// A Document lists variables, user functions, elements, lines, twiss jobs,
// match jobs and an optional energy ramp. Build resolves it into an Env (a
// variable graph, elements and lines bound to it, and the reference
// particle); Capture goes the other way, writing the current bindings back
// into a Document. Concrete file formats live in the hcl and yamldoc
// packages and share the Loader interface defined here.
package config
