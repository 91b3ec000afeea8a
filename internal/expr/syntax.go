package expr

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// VarRoot is the traversal root used for variable references in source text:
// var.kqf or var["k1l.qf.1"].
const VarRoot = "var"

// SnapshotFunc is the pseudo-function that spells a snapshot in source text:
// snapshot(var.a, 3).
const SnapshotFunc = "snapshot"

// PowFunc spells exponentiation, which HCL has no operator for.
const PowFunc = "pow"

// Parse reads an expression written in HCL expression syntax.
func Parse(src string) (Node, error) {
	e, diags := hclsyntax.ParseExpression([]byte(src), "expression", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		return Node{}, fmt.Errorf("parse %q: %s", src, diags.Error())
	}
	return FromHCL(e)
}

// MustParse is Parse for literals in tests and tables; it panics on error.
func MustParse(src string) Node {
	n, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return n
}

// FromHCL converts an already parsed HCL expression into a Node. Only the
// arithmetic subset of the language is accepted.
func FromHCL(e hcl.Expression) (Node, error) {
	se, ok := e.(hclsyntax.Expression)
	if !ok {
		return Node{}, fmt.Errorf("unsupported expression type %T", e)
	}
	return fromSyntax(se)
}

func fromSyntax(e hclsyntax.Expression) (Node, error) {
	switch x := e.(type) {
	case *hclsyntax.LiteralValueExpr:
		return literal(x.Val)
	case *hclsyntax.ParenthesesExpr:
		return fromSyntax(x.Expression)
	case *hclsyntax.ScopeTraversalExpr:
		name, err := traversalName(x.Traversal)
		if err != nil {
			return Node{}, err
		}
		return Ref(name), nil
	case *hclsyntax.IndexExpr:
		root, ok := x.Collection.(*hclsyntax.ScopeTraversalExpr)
		if !ok || len(root.Traversal) != 1 || root.Traversal.RootName() != VarRoot {
			return Node{}, fmt.Errorf("unsupported index expression")
		}
		key, ok := x.Key.(*hclsyntax.LiteralValueExpr)
		if !ok || key.Val.Type() != cty.String {
			return Node{}, fmt.Errorf("variable index must be a string literal")
		}
		return Ref(key.Val.AsString()), nil
	case *hclsyntax.UnaryOpExpr:
		if x.Op != hclsyntax.OpNegate {
			return Node{}, fmt.Errorf("unsupported unary operator")
		}
		v, err := fromSyntax(x.Val)
		if err != nil {
			return Node{}, err
		}
		return Neg(v), nil
	case *hclsyntax.BinaryOpExpr:
		var op Op
		switch x.Op {
		case hclsyntax.OpAdd:
			op = OpAdd
		case hclsyntax.OpSubtract:
			op = OpSub
		case hclsyntax.OpMultiply:
			op = OpMul
		case hclsyntax.OpDivide:
			op = OpDiv
		default:
			return Node{}, fmt.Errorf("unsupported binary operator")
		}
		l, err := fromSyntax(x.LHS)
		if err != nil {
			return Node{}, err
		}
		r, err := fromSyntax(x.RHS)
		if err != nil {
			return Node{}, err
		}
		return Binary(op, l, r), nil
	case *hclsyntax.FunctionCallExpr:
		args := make([]Node, len(x.Args))
		for i, a := range x.Args {
			n, err := fromSyntax(a)
			if err != nil {
				return Node{}, err
			}
			args[i] = n
		}
		switch x.Name {
		case SnapshotFunc:
			if len(args) != 2 || args[0].Kind != KindRef || args[1].Kind != KindConst {
				return Node{}, fmt.Errorf("snapshot takes a variable and a number")
			}
			return Snapshot(args[0].Name, args[1].Value), nil
		case PowFunc:
			if len(args) != 2 {
				return Node{}, fmt.Errorf("pow expects 2, got %d: %w", len(args), ErrArity)
			}
			return Pow(args[0], args[1]), nil
		}
		n := Call(x.Name, args...)
		if err := CheckArity(n); err != nil {
			return Node{}, err
		}
		return n, nil
	}
	return Node{}, fmt.Errorf("unsupported expression %T", e)
}

func literal(v cty.Value) (Node, error) {
	if v.IsNull() || !v.IsKnown() || v.Type() != cty.Number {
		return Node{}, fmt.Errorf("only number literals are allowed")
	}
	f, _ := v.AsBigFloat().Float64()
	return Const(f), nil
}

// traversalName accepts var.name, var["name"] and a bare name.
func traversalName(t hcl.Traversal) (string, error) {
	switch len(t) {
	case 1:
		return t.RootName(), nil
	case 2:
		if t.RootName() != VarRoot {
			return "", fmt.Errorf("unsupported reference root %q", t.RootName())
		}
		switch step := t[1].(type) {
		case hcl.TraverseAttr:
			return step.Name, nil
		case hcl.TraverseIndex:
			if step.Key.Type() != cty.String {
				return "", fmt.Errorf("variable index must be a string")
			}
			return step.Key.AsString(), nil
		}
	}
	return "", fmt.Errorf("unsupported reference")
}

// Format renders n in the syntax Parse reads back.
func Format(n Node) string {
	var b strings.Builder
	format(&b, n)
	return b.String()
}

func (n Node) String() string { return Format(n) }

// FormatRef renders a variable reference.
func FormatRef(name string) string {
	if hclsyntax.ValidIdentifier(name) {
		return VarRoot + "." + name
	}
	return VarRoot + "[" + strconv.Quote(name) + "]"
}

// FormatNumber renders a float so HCL reads it back bit for bit.
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func precedence(n Node) int {
	switch n.Kind {
	case KindBinary:
		switch n.Op {
		case OpAdd, OpSub:
			return 1
		case OpMul, OpDiv:
			return 2
		}
		return 4
	case KindNeg:
		return 3
	case KindConst:
		if n.Value < 0 || math.Signbit(n.Value) {
			return 3
		}
	}
	return 4
}

func format(b *strings.Builder, n Node) {
	switch n.Kind {
	case KindConst:
		b.WriteString(FormatNumber(n.Value))
	case KindRef:
		b.WriteString(FormatRef(n.Name))
	case KindSnapshot:
		b.WriteString(SnapshotFunc + "(" + FormatRef(n.Name) + ", " + FormatNumber(n.Value) + ")")
	case KindNeg:
		b.WriteString("-")
		wrap(b, n.Args[0], precedence(n.Args[0]) < 4)
	case KindBinary:
		if n.Op == OpPow {
			b.WriteString(PowFunc + "(")
			format(b, n.Args[0])
			b.WriteString(", ")
			format(b, n.Args[1])
			b.WriteString(")")
			return
		}
		p := precedence(n)
		lp, rp := precedence(n.Args[0]), precedence(n.Args[1])
		wrap(b, n.Args[0], lp < p)
		b.WriteString(" " + n.Op.String() + " ")
		// a - (b - c) and a / (b * c) keep their parentheses.
		assoc := n.Op == OpAdd || n.Op == OpMul
		wrap(b, n.Args[1], rp < p || (rp == p && !assoc))
	case KindCall:
		b.WriteString(n.Name + "(")
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			format(b, a)
		}
		b.WriteString(")")
	}
}

func wrap(b *strings.Builder, n Node, paren bool) {
	if paren {
		b.WriteString("(")
	}
	format(b, n)
	if paren {
		b.WriteString(")")
	}
}
