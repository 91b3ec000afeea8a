// Package hcl reads and writes lattice documents in HCL.
//
// Expressions are kept as written: element attributes and variable values go
// through expr.FromHCL rather than being evaluated, so live references
// (var.kqf), snapshots (snapshot(var.kqf, 0.4)) and arithmetic survive a load
// and a write unchanged.
package hcl
