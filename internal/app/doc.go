// Package app contains the core application logic. It loads a lattice
// document, builds the live environment and runs the document's ramp, twiss
// and match jobs, decoupled from any specific entrypoint like a CLI.
package app
