package event

import (
	"fmt"
	"strconv"
)

// Type identifies the declared type of a stream attribute.
type Type int

const (
	TypeString Type = iota + 1
	TypeInt
	TypeFloat
	TypeBool
)

// String returns the name used in definition documents.
func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	case TypeBool:
		return "bool"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// ParseType maps a definition-document type name to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "string":
		return TypeString, nil
	case "int", "long":
		return TypeInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "bool":
		return TypeBool, nil
	default:
		return 0, fmt.Errorf("unknown attribute type %q", s)
	}
}

// Value is a sealed interface over the attribute value variants.
// Only String, Int, Float, Bool, and Null implement it.
type Value interface {
	value() // sealed
	Type() Type
	String() string
}

// String is a string attribute value.
type String string

func (String) value()           {}
func (String) Type() Type       { return TypeString }
func (v String) String() string { return string(v) }

// Int is an integer attribute value. Always int64.
type Int int64

func (Int) value()           {}
func (Int) Type() Type       { return TypeInt }
func (v Int) String() string { return strconv.FormatInt(int64(v), 10) }

// Float is a floating-point attribute value.
type Float float64

func (Float) value()           {}
func (Float) Type() Type       { return TypeFloat }
func (v Float) String() string { return strconv.FormatFloat(float64(v), 'g', -1, 64) }

// Bool is a boolean attribute value.
type Bool bool

func (Bool) value()           {}
func (Bool) Type() Type       { return TypeBool }
func (v Bool) String() string { return strconv.FormatBool(bool(v)) }

// Null is the absent value. Never valid against a declared schema;
// exists so projections over optional, never-bound steps stay total.
type Null struct{}

func (Null) value()         {}
func (Null) Type() Type     { return 0 }
func (Null) String() string { return "null" }

// Equal reports whether two values are equal. Int and Float compare
// numerically across the two kinds; all other cross-kind comparisons
// are unequal.
func Equal(a, b Value) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

// Compare orders two values: -1, 0, or 1. Supported pairs are
// string/string, bool/bool (equality order only), and any mix of
// int/float (numeric promotion). Anything else is an error; callers
// treat it as a failed condition, not a pipeline failure.
func Compare(a, b Value) (int, error) {
	switch av := a.(type) {
	case String:
		if bv, ok := b.(String); ok {
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		}
	case Int:
		switch bv := b.(type) {
		case Int:
			switch {
			case av < bv:
				return -1, nil
			case av > bv:
				return 1, nil
			}
			return 0, nil
		case Float:
			return compareFloat(float64(av), float64(bv)), nil
		}
	case Float:
		switch bv := b.(type) {
		case Int:
			return compareFloat(float64(av), float64(bv)), nil
		case Float:
			return compareFloat(float64(av), float64(bv)), nil
		}
	case Bool:
		if bv, ok := b.(Bool); ok {
			if av == bv {
				return 0, nil
			}
			return 1, nil
		}
	case Null:
		if _, ok := b.(Null); ok {
			return 0, nil
		}
	}
	return 0, fmt.Errorf("incomparable values %T and %T", a, b)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
