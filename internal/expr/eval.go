package expr

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownFunction is returned when a call names neither a built-in nor
	// a function supplied by the Env.
	ErrUnknownFunction = errors.New("unknown function")
	// ErrArity is returned when a function is called with the wrong number of
	// arguments.
	ErrArity = errors.New("wrong number of arguments")
)

// Env supplies variable values and user functions during evaluation.
type Env interface {
	// Lookup returns the current value of a live reference.
	Lookup(name string) (float64, error)
	// Call invokes a user function. It is only consulted for names that are
	// not built-ins.
	Call(name string, args []float64) (float64, error)
}

// Builtin describes a function every Env understands.
type Builtin struct {
	Arity int
	Fn    func(args []float64) float64
}

var builtins = map[string]Builtin{
	"sqrt":  {1, func(a []float64) float64 { return math.Sqrt(a[0]) }},
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"sin":   {1, func(a []float64) float64 { return math.Sin(a[0]) }},
	"cos":   {1, func(a []float64) float64 { return math.Cos(a[0]) }},
	"tan":   {1, func(a []float64) float64 { return math.Tan(a[0]) }},
	"asin":  {1, func(a []float64) float64 { return math.Asin(a[0]) }},
	"acos":  {1, func(a []float64) float64 { return math.Acos(a[0]) }},
	"atan":  {1, func(a []float64) float64 { return math.Atan(a[0]) }},
	"sinh":  {1, func(a []float64) float64 { return math.Sinh(a[0]) }},
	"cosh":  {1, func(a []float64) float64 { return math.Cosh(a[0]) }},
	"tanh":  {1, func(a []float64) float64 { return math.Tanh(a[0]) }},
	"exp":   {1, func(a []float64) float64 { return math.Exp(a[0]) }},
	"log":   {1, func(a []float64) float64 { return math.Log(a[0]) }},
	"log10": {1, func(a []float64) float64 { return math.Log10(a[0]) }},
	"floor": {1, func(a []float64) float64 { return math.Floor(a[0]) }},
	"ceil":  {1, func(a []float64) float64 { return math.Ceil(a[0]) }},
	"atan2": {2, func(a []float64) float64 { return math.Atan2(a[0], a[1]) }},
	"min":   {2, func(a []float64) float64 { return math.Min(a[0], a[1]) }},
	"max":   {2, func(a []float64) float64 { return math.Max(a[0], a[1]) }},
}

// IsBuiltin reports whether name is a built-in function.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

// CheckArity validates the argument count of built-in calls in n.
func CheckArity(n Node) error {
	var err error
	walk(n, func(m Node) {
		if err != nil || m.Kind != KindCall {
			return
		}
		if b, ok := builtins[m.Name]; ok && b.Arity != len(m.Args) {
			err = fmt.Errorf("%s expects %d, got %d: %w", m.Name, b.Arity, len(m.Args), ErrArity)
		}
	})
	return err
}

// Eval evaluates n against env with a straightforward tree walk.
func Eval(n Node, env Env) (float64, error) {
	switch n.Kind {
	case KindConst, KindSnapshot:
		return n.Value, nil
	case KindRef:
		if env == nil {
			return 0, fmt.Errorf("reference to %q without an environment", n.Name)
		}
		return env.Lookup(n.Name)
	case KindNeg:
		v, err := Eval(n.Args[0], env)
		if err != nil {
			return 0, err
		}
		return -v, nil
	case KindBinary:
		a, err := Eval(n.Args[0], env)
		if err != nil {
			return 0, err
		}
		b, err := Eval(n.Args[1], env)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case OpAdd:
			return a + b, nil
		case OpSub:
			return a - b, nil
		case OpMul:
			return a * b, nil
		case OpDiv:
			return a / b, nil
		case OpPow:
			return math.Pow(a, b), nil
		}
		return 0, fmt.Errorf("unsupported operator %d", n.Op)
	case KindCall:
		args := make([]float64, len(n.Args))
		for i, a := range n.Args {
			v, err := Eval(a, env)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		if b, ok := builtins[n.Name]; ok {
			if len(args) != b.Arity {
				return 0, fmt.Errorf("%s expects %d, got %d: %w", n.Name, b.Arity, len(args), ErrArity)
			}
			return b.Fn(args), nil
		}
		if env == nil {
			return 0, fmt.Errorf("%s: %w", n.Name, ErrUnknownFunction)
		}
		return env.Call(n.Name, args)
	}
	return 0, fmt.Errorf("unsupported node kind %s", n.Kind)
}

// MapEnv is an Env backed by plain maps. Unknown names are errors.
type MapEnv struct {
	Vars  map[string]float64
	Funcs map[string]func(args []float64) (float64, error)
}

func (m MapEnv) Lookup(name string) (float64, error) {
	v, ok := m.Vars[name]
	if !ok {
		return 0, fmt.Errorf("undefined name %q", name)
	}
	return v, nil
}

func (m MapEnv) Call(name string, args []float64) (float64, error) {
	fn, ok := m.Funcs[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrUnknownFunction)
	}
	return fn(args)
}
