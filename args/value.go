// Package args converts keyword arguments into the integers and byte lists
// expected by the adapter drivers.
//
// Arguments arrive from the test runtime in different shapes: native integers,
// string literals such as "0x10", whitespace separated literal lists such as
// "0x10 0x12 0x13" or list variables. They are captured once as a Value and
// converted by the parsers in this package.
package args

import (
	"strconv"
	"strings"
)

// Kind identifies the shape of a keyword argument.
type Kind uint8

const (
	// KindText is a string literal.
	KindText Kind = iota
	// KindInt is a native integer.
	KindInt
	// KindList is an ordered sequence of values.
	KindList
	// KindBool is a native boolean.
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "string"
	case KindInt:
		return "integer"
	case KindList:
		return "list"
	case KindBool:
		return "boolean"
	default:
		return "unknown"
	}
}

// Value is a keyword argument as received from the caller. The zero value is
// the empty string.
type Value struct {
	kind Kind
	text string
	num  int64
	list []Value
	flag bool
}

// Text wraps a string literal.
func Text(s string) Value {
	return Value{kind: KindText, text: s}
}

// Int wraps a native integer.
func Int(n int64) Value {
	return Value{kind: KindInt, num: n}
}

// Bool wraps a native boolean.
func Bool(b bool) Value {
	return Value{kind: KindBool, flag: b}
}

// List wraps a sequence of values. The slice is copied.
func List(items ...Value) Value {
	return Value{kind: KindList, list: append([]Value(nil), items...)}
}

// Ints builds a list of native integers.
func Ints(ns ...int64) Value {
	items := make([]Value, len(ns))
	for i, n := range ns {
		items[i] = Int(n)
	}
	return Value{kind: KindList, list: items}
}

// Kind reports the shape of the value.
func (v Value) Kind() Kind {
	return v.kind
}

// Items returns a copy of the list elements. It is nil for scalar values.
func (v Value) Items() []Value {
	if v.kind != KindList {
		return nil
	}
	return append([]Value(nil), v.list...)
}

// AsText returns the string literal and whether the value is text.
func (v Value) AsText() (string, bool) {
	return v.text, v.kind == KindText
}

// AsInt returns the native integer and whether the value is an integer.
func (v Value) AsInt() (int64, bool) {
	return v.num, v.kind == KindInt
}

// AsBool returns the native boolean and whether the value is a boolean.
func (v Value) AsBool() (bool, bool) {
	return v.flag, v.kind == KindBool
}

// String renders the value the way it is shown in error messages.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.num, 10)
	case KindBool:
		if v.flag {
			return "True"
		}
		return "False"
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return v.text
	}
}
