// Package expr defines the expression trees that drive lattice attributes.
//
// An expression is a small closed set of node kinds: constants, live references
// to named variables, snapshot values captured at construction time, negation,
// binary arithmetic and calls to named functions. Trees are values; nothing in
// this package mutates a Node after it has been built.
package expr

import (
	"sort"
)

// Kind tags the variant held by a Node.
type Kind uint8

const (
	// KindConst is a literal number.
	KindConst Kind = iota
	// KindRef is a live reference to a variable, re-read on every evaluation.
	KindRef
	// KindSnapshot holds the value a variable had when the node was built.
	KindSnapshot
	// KindNeg is unary negation of Args[0].
	KindNeg
	// KindBinary applies Op to Args[0] and Args[1].
	KindBinary
	// KindCall calls the function Name with Args.
	KindCall
)

func (k Kind) String() string {
	switch k {
	case KindConst:
		return "const"
	case KindRef:
		return "ref"
	case KindSnapshot:
		return "snapshot"
	case KindNeg:
		return "neg"
	case KindBinary:
		return "binary"
	case KindCall:
		return "call"
	default:
		return "unknown"
	}
}

// Op is a binary arithmetic operator.
type Op uint8

const (
	OpAdd Op = iota
	OpSub
	OpMul
	OpDiv
	OpPow
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "+"
	case OpSub:
		return "-"
	case OpMul:
		return "*"
	case OpDiv:
		return "/"
	case OpPow:
		return "pow"
	default:
		return "?"
	}
}

// Node is one vertex of an expression tree.
type Node struct {
	Kind  Kind
	Value float64 // KindConst, KindSnapshot
	Name  string  // KindRef, KindSnapshot, KindCall
	Op    Op      // KindBinary
	Args  []Node  // KindNeg (1), KindBinary (2), KindCall (n)
}

// Const returns a literal node.
func Const(v float64) Node { return Node{Kind: KindConst, Value: v} }

// Ref returns a live reference to the variable name.
func Ref(name string) Node { return Node{Kind: KindRef, Name: name} }

// Snapshot returns a node that remembers name for provenance but always
// evaluates to v.
func Snapshot(name string, v float64) Node { return Node{Kind: KindSnapshot, Name: name, Value: v} }

// Neg returns -n, folding constants.
func Neg(n Node) Node {
	if n.Kind == KindConst {
		return Const(-n.Value)
	}
	return Node{Kind: KindNeg, Args: []Node{n}}
}

// Binary returns a op b.
func Binary(op Op, a, b Node) Node {
	return Node{Kind: KindBinary, Op: op, Args: []Node{a, b}}
}

func Add(a, b Node) Node { return Binary(OpAdd, a, b) }
func Sub(a, b Node) Node { return Binary(OpSub, a, b) }
func Mul(a, b Node) Node { return Binary(OpMul, a, b) }
func Div(a, b Node) Node { return Binary(OpDiv, a, b) }
func Pow(a, b Node) Node { return Binary(OpPow, a, b) }

// Call returns a call of the named function.
func Call(name string, args ...Node) Node {
	cp := make([]Node, len(args))
	copy(cp, args)
	return Node{Kind: KindCall, Name: name, Args: cp}
}

// IsConst reports whether n is a bare literal.
func (n Node) IsConst() bool { return n.Kind == KindConst }

// Refs returns the sorted, unique names of variables n reads live.
// Snapshot nodes are not dependencies.
func Refs(n Node) []string {
	seen := make(map[string]struct{})
	walk(n, func(m Node) {
		if m.Kind == KindRef {
			seen[m.Name] = struct{}{}
		}
	})
	return sortedKeys(seen)
}

// Functions returns the sorted, unique names of functions called in n.
func Functions(n Node) []string {
	seen := make(map[string]struct{})
	walk(n, func(m Node) {
		if m.Kind == KindCall {
			seen[m.Name] = struct{}{}
		}
	})
	return sortedKeys(seen)
}

// Equal reports structural equality of two trees.
func Equal(a, b Node) bool {
	if a.Kind != b.Kind || len(a.Args) != len(b.Args) {
		return false
	}
	switch a.Kind {
	case KindConst:
		if a.Value != b.Value {
			return false
		}
	case KindRef:
		if a.Name != b.Name {
			return false
		}
	case KindSnapshot:
		if a.Name != b.Name || a.Value != b.Value {
			return false
		}
	case KindBinary:
		if a.Op != b.Op {
			return false
		}
	case KindCall:
		if a.Name != b.Name {
			return false
		}
	}
	for i := range a.Args {
		if !Equal(a.Args[i], b.Args[i]) {
			return false
		}
	}
	return true
}

// Rename returns a copy of n with live references renamed through fn.
// Names for which fn returns "" are left untouched.
func Rename(n Node, fn func(string) string) Node {
	out := n
	if n.Kind == KindRef || n.Kind == KindSnapshot {
		if to := fn(n.Name); to != "" {
			out.Name = to
		}
	}
	if len(n.Args) > 0 {
		out.Args = make([]Node, len(n.Args))
		for i, a := range n.Args {
			out.Args[i] = Rename(a, fn)
		}
	}
	return out
}

func walk(n Node, visit func(Node)) {
	visit(n)
	for _, a := range n.Args {
		walk(a, visit)
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
