package search

import (
	"fmt"

	"github.com/roach88/meshlog/internal/record"
)

type argKind uint8

const (
	argParam argKind = iota
	argNull
	argLit
)

// Arg is a leaf operand. The zero value is an unspecified operand that is
// filled from the parameters at execution time.
type Arg[T any] struct {
	kind argKind
	v    T
}

// Lit returns a literal operand.
func Lit[T any](v T) Arg[T] {
	return Arg[T]{kind: argLit, v: v}
}

// Null returns an explicit null operand.
func Null[T any]() Arg[T] {
	return Arg[T]{kind: argNull}
}

// Param returns an unspecified operand. It is the zero value, spelled out.
func Param[T any]() Arg[T] {
	return Arg[T]{}
}

// IsParam reports whether the operand is filled at execution time.
func (a Arg[T]) IsParam() bool { return a.kind == argParam }

// IsNull reports whether the operand is an explicit null.
func (a Arg[T]) IsNull() bool { return a.kind == argNull }

// Get returns the literal value. ok is false for null and parameter operands.
func (a Arg[T]) Get() (v T, ok bool) {
	if a.kind != argLit {
		return v, false
	}
	return a.v, true
}

// Ptr returns the literal value as a pointer, nil for a null operand.
// It panics on an unbound parameter.
func (a Arg[T]) Ptr() *T {
	switch a.kind {
	case argLit:
		v := a.v
		return &v
	case argNull:
		return nil
	default:
		panic("search: unbound parameter")
	}
}

func (a Arg[T]) String() string {
	switch a.kind {
	case argLit:
		return fmt.Sprint(a.v)
	case argNull:
		return "null"
	default:
		return "?"
	}
}

// Resolve returns a if it is bound, otherwise the operand taken from
// params[idx]. A parameter value may be a T, a *T, an Arg[T], nil (null),
// or, for integer operands, any Go integer kind.
func (a Arg[T]) Resolve(params []any, idx int) (Arg[T], error) {
	if a.kind != argParam {
		return a, nil
	}
	if idx >= len(params) {
		return a, &MissingParameterError{Need: idx + 1, Got: len(params)}
	}
	return convertParam[T](params[idx], idx)
}

func convertParam[T any](v any, idx int) (Arg[T], error) {
	switch x := v.(type) {
	case nil:
		return Null[T](), nil
	case T:
		return Lit(x), nil
	case *T:
		if x == nil {
			return Null[T](), nil
		}
		return Lit(*x), nil
	case Arg[T]:
		if x.IsParam() {
			return x, &ParameterTypeError{Index: idx, Want: typeName[T](), Got: "unbound parameter"}
		}
		return x, nil
	}

	var zero T
	if n, ok := toInt64(v); ok {
		switch any(zero).(type) {
		case int64:
			return Lit(any(n).(T)), nil
		case int:
			return Lit(any(int(n)).(T)), nil
		case record.Additivity:
			if a := record.Additivity(n); a.Valid() {
				return Lit(any(a).(T)), nil
			}
		case DateRange:
			return Lit(any(At(n)).(T)), nil
		}
	}
	return Arg[T]{}, &ParameterTypeError{Index: idx, Want: typeName[T](), Got: fmt.Sprintf("%T", v)}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case record.Additivity:
		return int64(n), true
	default:
		return 0, false
	}
}

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}

// MissingParameterError is returned when a search is executed with fewer
// parameters than it has unspecified operands.
type MissingParameterError struct {
	Need int
	Got  int
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("search needs %d parameter(s), got %d", e.Need, e.Got)
}

// ParameterTypeError is returned when a parameter does not fit its operand.
type ParameterTypeError struct {
	Index int
	Want  string
	Got   string
}

func (e *ParameterTypeError) Error() string {
	return fmt.Sprintf("parameter %d: want %s, got %s", e.Index, e.Want, e.Got)
}
