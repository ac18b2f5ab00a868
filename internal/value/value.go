// Package value implements AttributeValue, the tagged union stored under
// every secondary key of a sub-database.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/dreamware/subdb/internal/dberr"
)

// Kind discriminates the variants of Value.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindInt
	KindFloat
	KindBool
	KindText
	KindTuple
	KindArrayBool
	KindArrayText
	KindArrayInt
	KindArrayFloat
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindInt:        "int",
	KindFloat:      "float",
	KindBool:       "bool",
	KindText:       "text",
	KindTuple:      "tuple",
	KindArrayBool:  "arrayBool",
	KindArrayText:  "arrayText",
	KindArrayInt:   "arrayInt",
	KindArrayFloat: "arrayFloat",
}

// String returns the kind's wire name, e.g. "arrayInt".
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Primitive reports whether k may appear as a tuple element.
func (k Kind) Primitive() bool {
	return k >= KindInt && k <= KindText
}

// Value is an immutable AttributeValue. The zero Value is invalid and is
// rejected by Encode.
type Value struct {
	kind   Kind
	i      int64
	f      float64
	b      bool
	s      string
	tuple  []Value
	bools  []bool
	texts  []string
	ints   []int64
	floats []float64
}

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Text returns a text value.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// NewTuple builds a fixed-size tuple. Every element must be a primitive
// (int, float, bool or text).
func NewTuple(elems ...Value) (Value, error) {
	for i, e := range elems {
		if !e.kind.Primitive() {
			return Value{}, errors.Wrapf(dberr.ErrMalformedValue, "tuple element %d is %s", i, e.kind)
		}
	}
	return Value{kind: KindTuple, tuple: append([]Value{}, elems...)}, nil
}

// MustTuple is NewTuple that panics on a non-primitive element.
func MustTuple(elems ...Value) Value {
	v, err := NewTuple(elems...)
	if err != nil {
		panic(err)
	}
	return v
}

// ArrayBool returns an array of booleans. The array may be empty; xs is
// copied.
func ArrayBool(xs ...bool) Value {
	return Value{kind: KindArrayBool, bools: append([]bool{}, xs...)}
}

// ArrayText returns an array of text. xs is copied.
func ArrayText(xs ...string) Value {
	return Value{kind: KindArrayText, texts: append([]string{}, xs...)}
}

// ArrayInt returns an array of integers. xs is copied.
func ArrayInt(xs ...int64) Value {
	return Value{kind: KindArrayInt, ints: append([]int64{}, xs...)}
}

// ArrayFloat returns an array of floats. xs is copied.
func ArrayFloat(xs ...float64) Value {
	return Value{kind: KindArrayFloat, floats: append([]float64{}, xs...)}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v is anything but the zero Value.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// AsInt returns the integer v holds, or false if v is not an integer.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float v holds, or false if v is not a float.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsBool returns the boolean v holds, or false if v is not a boolean.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsText returns the text v holds, or false if v is not text.
func (v Value) AsText() (string, bool) { return v.s, v.kind == KindText }

// AsTuple returns a copy of the tuple's elements.
func (v Value) AsTuple() ([]Value, bool) {
	return append([]Value{}, v.tuple...), v.kind == KindTuple
}

// AsArrayBool returns a copy of the boolean array.
func (v Value) AsArrayBool() ([]bool, bool) {
	return append([]bool{}, v.bools...), v.kind == KindArrayBool
}

// AsArrayText returns a copy of the text array.
func (v Value) AsArrayText() ([]string, bool) {
	return append([]string{}, v.texts...), v.kind == KindArrayText
}

// AsArrayInt returns a copy of the integer array.
func (v Value) AsArrayInt() ([]int64, bool) {
	return append([]int64{}, v.ints...), v.kind == KindArrayInt
}

// AsArrayFloat returns a copy of the float array.
func (v Value) AsArrayFloat() ([]float64, bool) {
	return append([]float64{}, v.floats...), v.kind == KindArrayFloat
}

// Equal reports structural equality. Floats compare by bit pattern, so a
// value always equals its own decoded copy.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindInvalid:
		return true
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindBool:
		return v.b == o.b
	case KindText:
		return v.s == o.s
	case KindTuple:
		if len(v.tuple) != len(o.tuple) {
			return false
		}
		for i := range v.tuple {
			if !v.tuple[i].Equal(o.tuple[i]) {
				return false
			}
		}
		return true
	case KindArrayBool:
		return sliceEqual(v.bools, o.bools, func(a, b bool) bool { return a == b })
	case KindArrayText:
		return sliceEqual(v.texts, o.texts, func(a, b string) bool { return a == b })
	case KindArrayInt:
		return sliceEqual(v.ints, o.ints, func(a, b int64) bool { return a == b })
	case KindArrayFloat:
		return sliceEqual(v.floats, o.floats, func(a, b float64) bool {
			return math.Float64bits(a) == math.Float64bits(b)
		})
	}
	return false
}

func sliceEqual[T any](a, b []T, eq func(T, T) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !eq(a[i], b[i]) {
			return false
		}
	}
	return true
}

// Size approximates the memory held by v. Partitions sum it to decide
// overflow, so it only needs to be deterministic and monotone in content.
func (v Value) Size() int {
	const header = 16
	switch v.kind {
	case KindText:
		return header + len(v.s)
	case KindTuple:
		n := header
		for _, e := range v.tuple {
			n += e.Size()
		}
		return n
	case KindArrayBool:
		return header + len(v.bools)
	case KindArrayText:
		n := header
		for _, s := range v.texts {
			n += 16 + len(s)
		}
		return n
	case KindArrayInt:
		return header + 8*len(v.ints)
	case KindArrayFloat:
		return header + 8*len(v.floats)
	default:
		return header
	}
}

// String renders v for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindText:
		return strconv.Quote(v.s)
	case KindTuple:
		parts := make([]string, len(v.tuple))
		for i, e := range v.tuple {
			parts[i] = e.String()
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindArrayBool:
		return fmt.Sprint(v.bools)
	case KindArrayText:
		return fmt.Sprintf("%q", v.texts)
	case KindArrayInt:
		return fmt.Sprint(v.ints)
	case KindArrayFloat:
		return fmt.Sprint(v.floats)
	}
	return "<invalid>"
}
