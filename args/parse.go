package args

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrParse is matched by every error caused by a malformed literal.
	ErrParse = errors.New("parse error")
	// ErrType is matched by errors caused by an argument of the wrong shape.
	ErrType = errors.New("unsupported argument type")
)

// ParseError reports a literal that is not a valid integer in the selected base.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Could not parse integer \"%s\"", e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is makes every ParseError match ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// RangeError reports an integer that does not fit into a single byte.
type RangeError struct {
	Value int64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("byte value %d out of range", e.Value)
}

// Is makes every RangeError match ErrParse.
func (e *RangeError) Is(target error) bool { return target == ErrParse }

// TypeError reports an argument whose shape cannot be converted.
type TypeError struct {
	Kind Kind
	Want string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("cannot use %s argument as %s", e.Kind, e.Want)
}

// Is makes every TypeError match ErrType.
func (e *TypeError) Is(target error) bool { return target == ErrType }

// ParseInteger converts v into an integer. Native integers are returned
// unchanged regardless of base. Text is parsed in the given base; base 0
// selects the radix from a 0x, 0o or 0b prefix and defaults to decimal.
func ParseInteger(v Value, base int) (int64, error) {
	switch v.kind {
	case KindInt:
		return v.num, nil
	case KindText:
		return parseLiteral(v.text, base)
	default:
		return 0, &TypeError{Kind: v.kind, Want: "integer"}
	}
}

func parseLiteral(text string, base int) (int64, error) {
	fail := func(err error) (int64, error) {
		return 0, &ParseError{Input: text, Err: err}
	}
	if base != 0 && (base < 2 || base > 36) {
		return fail(fmt.Errorf("invalid base %d", base))
	}

	body := strings.TrimSpace(text)
	negative := false
	if body != "" && (body[0] == '+' || body[0] == '-') {
		negative = body[0] == '-'
		body = body[1:]
	}

	digits, radix, prefixed := body, base, false
	if p := prefixBase(body); p != 0 && (base == 0 || base == p) {
		digits, radix, prefixed = body[2:], p, true
	} else if base == 0 {
		radix = 10
		// A leading zero is ambiguous in auto mode unless the literal is zero.
		if len(digits) > 1 && digits[0] == '0' && strings.TrimLeft(digits, "0_") != "" {
			return fail(errors.New("leading zeros in decimal literal"))
		}
	}

	digits, ok := stripUnderscores(digits, prefixed)
	if !ok || digits == "" {
		return fail(strconv.ErrSyntax)
	}
	magnitude, err := strconv.ParseUint(digits, radix, 64)
	if err != nil {
		return fail(err)
	}
	if negative {
		if magnitude > 1<<63 {
			return fail(strconv.ErrRange)
		}
		if magnitude == 1<<63 {
			return math.MinInt64, nil
		}
		return -int64(magnitude), nil
	}
	if magnitude > math.MaxInt64 {
		return fail(strconv.ErrRange)
	}
	return int64(magnitude), nil
}

func prefixBase(s string) int {
	if len(s) < 2 || s[0] != '0' {
		return 0
	}
	switch s[1] {
	case 'x', 'X':
		return 16
	case 'o', 'O':
		return 8
	case 'b', 'B':
		return 2
	}
	return 0
}

// stripUnderscores removes digit group separators. A separator must sit
// between two digits, or directly after a radix prefix.
func stripUnderscores(digits string, prefixed bool) (string, bool) {
	if !strings.Contains(digits, "_") {
		return digits, true
	}
	if strings.HasSuffix(digits, "_") || strings.Contains(digits, "__") {
		return "", false
	}
	if strings.HasPrefix(digits, "_") && !prefixed {
		return "", false
	}
	return strings.ReplaceAll(digits, "_", ""), true
}

// NormalizeByteList converts v into a sequence of integers. Text is split on
// whitespace and every token parsed with automatic radix detection, lists are
// copied element by element and a scalar integer becomes a one element list.
func NormalizeByteList(v Value) ([]int64, error) {
	switch v.kind {
	case KindText:
		fields := strings.Fields(v.text)
		out := make([]int64, 0, len(fields))
		for _, field := range fields {
			n, err := parseLiteral(field, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case KindList:
		out := make([]int64, 0, len(v.list))
		for _, item := range v.list {
			if item.kind != KindInt && item.kind != KindText {
				return nil, &TypeError{Kind: item.kind, Want: "byte list element"}
			}
			n, err := ParseInteger(item, 0)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil
	case KindInt:
		return []int64{v.num}, nil
	default:
		return nil, &TypeError{Kind: v.kind, Want: "byte list"}
	}
}

// DataArguments applies the variadic data convention of the bus keywords: a
// single argument is normalized as a byte list, several arguments are parsed
// one integer each.
func DataArguments(values []Value) ([]int64, error) {
	if len(values) == 1 {
		return NormalizeByteList(values[0])
	}
	out := make([]int64, 0, len(values))
	for _, v := range values {
		n, err := ParseInteger(v, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// Bytes converts integers into bytes and rejects values outside 0..255.
func Bytes(ns []int64) ([]byte, error) {
	out := make([]byte, len(ns))
	for i, n := range ns {
		if n < 0 || n > math.MaxUint8 {
			return nil, &RangeError{Value: n}
		}
		out[i] = byte(n)
	}
	return out, nil
}

// ParseBool converts v using the truth rules of the test runtime: the strings
// false, no, off, 0, none and the empty string are false, any other text is
// true.
func ParseBool(v Value) (bool, error) {
	switch v.kind {
	case KindBool:
		return v.flag, nil
	case KindInt:
		return v.num != 0, nil
	case KindText:
		switch strings.ToUpper(strings.TrimSpace(v.text)) {
		case "", "FALSE", "NO", "OFF", "0", "NONE":
			return false, nil
		}
		return true, nil
	case KindList:
		return len(v.list) > 0, nil
	default:
		return false, &TypeError{Kind: v.kind, Want: "boolean"}
	}
}
