package verify

import (
	"fmt"
	"math"
	"strings"

	"github.com/orbitloop/orbitloop/pkg/engine"
)

// Comparator names a comparison.
type Comparator string

const (
	Eq         Comparator = "eq"
	Neq        Comparator = "neq"
	Lt         Comparator = "lt"
	Le         Comparator = "le"
	Gt         Comparator = "gt"
	Ge         Comparator = "ge"
	Between    Comparator = "bw"
	NotBetween Comparator = "nbw"
)

// Epsilon is the relative tolerance used for float equality when no
// explicit tolerance is configured.
const Epsilon = 2.1e-5

var comparatorSymbols = map[Comparator]string{
	Eq:         "=",
	Neq:        "!=",
	Lt:         "<",
	Le:         "<=",
	Gt:         ">",
	Ge:         ">=",
	Between:    "><",
	NotBetween: "<>",
}

// ParseComparator accepts the short names and the symbols.
func ParseComparator(s string) (Comparator, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "between":
		return Between, nil
	case "not_between", "notbetween":
		return NotBetween, nil
	}
	for c, sym := range comparatorSymbols {
		if string(c) == name || sym == name {
			return c, nil
		}
	}
	if name == "==" {
		return Eq, nil
	}
	return "", engine.NewSyntaxError(fmt.Sprintf("unknown comparator %q", s), nil).WithCode(engine.ErrCodeArguments)
}

// Symbol returns the comparator symbol used in reports.
func (c Comparator) Symbol() string {
	if s, ok := comparatorSymbols[c]; ok {
		return s
	}
	return string(c)
}

// IsRange reports whether the comparator takes a [low, high] pair.
func (c Comparator) IsRange() bool {
	return c == Between || c == NotBetween
}

// CompareOptions are the modifiers that affect a comparison.
type CompareOptions struct {
	Tolerance  float64
	IgnoreCase bool
	Strict     bool
}

// CompareOptionsFrom extracts the comparison modifiers from an option snapshot.
func CompareOptionsFrom(o engine.Options) CompareOptions {
	return CompareOptions{Tolerance: o.Tolerance, IgnoreCase: o.IgnoreCase, Strict: o.Strict}
}

// Compare applies c to actual and the expected operands. Relational
// comparators take one operand, which may be a list meaning "any of";
// range comparators take exactly two bounds.
func Compare(c Comparator, actual any, expected []any, o CompareOptions) (bool, error) {
	if c.IsRange() {
		if len(expected) != 2 {
			return false, engine.NewSyntaxError(fmt.Sprintf("%s needs a low and a high bound, got %d values", c, len(expected)), nil).
				WithCode(engine.ErrCodeArguments)
		}
		in, err := between(actual, expected[0], expected[1], o)
		if err != nil {
			return false, err
		}
		if c == NotBetween {
			return !in, nil
		}
		return in, nil
	}

	if len(expected) != 1 {
		return false, engine.NewSyntaxError(fmt.Sprintf("%s needs one expected value, got %d", c, len(expected)), nil).
			WithCode(engine.ErrCodeArguments)
	}
	var fn func(a, b any, o CompareOptions) (bool, error)
	switch c {
	case Eq:
		fn = equal
	case Neq:
		fn = notEqual
	case Lt:
		fn = less
	case Le:
		fn = lessEqual
	case Gt:
		fn = greater
	case Ge:
		fn = greaterEqual
	default:
		return false, engine.NewSyntaxError(fmt.Sprintf("unknown comparator %q", c), nil).WithCode(engine.ErrCodeArguments)
	}
	return anyOf(fn, actual, expected[0], o)
}

// anyOf applies fn to every element of a list operand, recursively, and
// reports whether any matched. Every element is compared, so a type
// mismatch anywhere in the list is an error regardless of its position.
func anyOf(fn func(a, b any, o CompareOptions) (bool, error), actual, expected any, o CompareOptions) (bool, error) {
	list, ok := expected.([]any)
	if !ok {
		return fn(actual, expected, o)
	}
	matched := false
	for _, e := range list {
		match, err := anyOf(fn, actual, e, o)
		if err != nil {
			return false, err
		}
		matched = matched || match
	}
	return matched, nil
}

// IsEqual, IsLess and friends are the single-operand forms of Compare.
func IsEqual(a, b any, o CompareOptions) (bool, error)        { return anyOf(equal, a, b, o) }
func IsNotEqual(a, b any, o CompareOptions) (bool, error)     { return anyOf(notEqual, a, b, o) }
func IsLess(a, b any, o CompareOptions) (bool, error)         { return anyOf(less, a, b, o) }
func IsLessEqual(a, b any, o CompareOptions) (bool, error)    { return anyOf(lessEqual, a, b, o) }
func IsGreater(a, b any, o CompareOptions) (bool, error)      { return anyOf(greater, a, b, o) }
func IsGreaterEqual(a, b any, o CompareOptions) (bool, error) { return anyOf(greaterEqual, a, b, o) }

// IsBetween reports whether lo <= a <= hi (exclusive when Strict), with both
// bounds widened by the tolerance.
func IsBetween(a, lo, hi any, o CompareOptions) (bool, error) { return between(a, lo, hi, o) }

type kind int

const (
	kindInvalid kind = iota
	kindString
	kindBool
	kindInt
	kindFloat
)

type operand struct {
	kind kind
	s    string
	b    bool
	i    int64
	f    float64
}

func classify(v any) operand {
	switch t := v.(type) {
	case string:
		return operand{kind: kindString, s: t}
	case bool:
		return operand{kind: kindBool, b: t}
	case int:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case int8:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case int16:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case int32:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case int64:
		return operand{kind: kindInt, i: t, f: float64(t)}
	case uint:
		return unsigned(uint64(t))
	case uint8:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case uint16:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case uint32:
		return operand{kind: kindInt, i: int64(t), f: float64(t)}
	case uint64:
		return unsigned(t)
	case float32:
		return operand{kind: kindFloat, f: float64(t)}
	case float64:
		return operand{kind: kindFloat, f: t}
	}
	return operand{kind: kindInvalid}
}

// unsigned keeps values beyond the int64 range as floats instead of
// letting them wrap negative.
func unsigned(u uint64) operand {
	if u > math.MaxInt64 {
		return operand{kind: kindFloat, f: float64(u)}
	}
	return operand{kind: kindInt, i: int64(u), f: float64(u)}
}

func (o operand) numeric() bool {
	return o.kind == kindInt || o.kind == kindFloat
}

func mismatch(a, b any) error {
	return engine.NewSyntaxError(fmt.Sprintf("cannot compare %v (%T) with %v (%T)", a, a, b, b), nil).
		WithCode(engine.ErrCodeTypeMismatch)
}

func equal(a, b any, o CompareOptions) (bool, error) {
	x, y := classify(a), classify(b)
	switch {
	case x.kind == kindString && y.kind == kindString:
		if o.IgnoreCase {
			return strings.EqualFold(x.s, y.s), nil
		}
		return x.s == y.s, nil
	case x.kind == kindBool && y.kind == kindBool:
		return x.b == y.b, nil
	case x.numeric() && y.numeric():
		return numericEqual(x, y, o.Tolerance), nil
	}
	return false, mismatch(a, b)
}

func numericEqual(x, y operand, tolerance float64) bool {
	if tolerance > 0 {
		return math.Abs(x.f-y.f) <= tolerance
	}
	if x.kind == kindInt && y.kind == kindInt {
		return x.i == y.i
	}
	scale := math.Max(math.Max(math.Abs(x.f), math.Abs(y.f)), 1)
	return math.Abs(x.f-y.f)/scale < Epsilon
}

// ordered reports whether a sorts strictly before b.
func ordered(a, b any, o CompareOptions) (bool, error) {
	x, y := classify(a), classify(b)
	switch {
	case x.kind == kindString && y.kind == kindString:
		if o.IgnoreCase {
			return strings.ToLower(x.s) < strings.ToLower(y.s), nil
		}
		return x.s < y.s, nil
	case x.numeric() && y.numeric():
		if x.kind == kindInt && y.kind == kindInt {
			return x.i < y.i, nil
		}
		return x.f < y.f, nil
	}
	return false, mismatch(a, b)
}

// orderable rejects bools, which have no ordering.
func orderable(a, b any) error {
	if classify(a).kind == kindBool || classify(b).kind == kindBool {
		return mismatch(a, b)
	}
	return nil
}

func notEqual(a, b any, o CompareOptions) (bool, error) {
	eq, err := equal(a, b, o)
	return !eq, err
}

func less(a, b any, o CompareOptions) (bool, error) {
	if err := orderable(a, b); err != nil {
		return false, err
	}
	eq, err := equal(a, b, o)
	if err != nil || eq {
		return false, err
	}
	return ordered(a, b, o)
}

func greater(a, b any, o CompareOptions) (bool, error) {
	if err := orderable(a, b); err != nil {
		return false, err
	}
	eq, err := equal(a, b, o)
	if err != nil || eq {
		return false, err
	}
	return ordered(b, a, o)
}

func lessEqual(a, b any, o CompareOptions) (bool, error) {
	if err := orderable(a, b); err != nil {
		return false, err
	}
	eq, err := equal(a, b, o)
	if err != nil || eq {
		return eq, err
	}
	return ordered(a, b, o)
}

func greaterEqual(a, b any, o CompareOptions) (bool, error) {
	if err := orderable(a, b); err != nil {
		return false, err
	}
	eq, err := equal(a, b, o)
	if err != nil || eq {
		return eq, err
	}
	return ordered(b, a, o)
}

func between(a, lo, hi any, o CompareOptions) (bool, error) {
	x, l, h := classify(a), classify(lo), classify(hi)
	if x.numeric() && l.numeric() && h.numeric() {
		low, high := l.f-o.Tolerance, h.f+o.Tolerance
		if o.Strict {
			return low < x.f && x.f < high, nil
		}
		return low <= x.f && x.f <= high, nil
	}
	if x.kind == kindString && l.kind == kindString && h.kind == kindString {
		s, ls, hs := x.s, l.s, h.s
		if o.IgnoreCase {
			s, ls, hs = strings.ToLower(s), strings.ToLower(ls), strings.ToLower(hs)
		}
		if o.Strict {
			return ls < s && s < hs, nil
		}
		return ls <= s && s <= hs, nil
	}
	if !x.numeric() || !l.numeric() {
		return false, mismatch(a, lo)
	}
	return false, mismatch(a, hi)
}
