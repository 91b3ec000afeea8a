// Package cli turns the beamgridgo command line into an app.Config. Usage
// errors come back as *ExitError carrying exit code 2; -h and a missing
// lattice path print usage and ask the caller to exit cleanly.
package cli
