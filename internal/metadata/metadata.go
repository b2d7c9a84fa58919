// Package metadata provides normalized metadata-group values for bucket routing.
//
// Two measurements land in the same bucket only if their metadata groups are
// equal after normalization: object keys are sorted recursively and numeric
// types are widened to float64, so {"a":1,"b":2} and {"b":2,"a":1} form one
// group. Absent metadata is its own group, distinct from an explicit null and
// from the empty object.
package metadata

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind enumerates the normalized value kinds.
type Kind int

const (
	// KindAbsent means no metadata was supplied at all.
	KindAbsent Kind = iota
	// KindNull is an explicit null value.
	KindNull
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Metadata is an immutable, normalized metadata-group value.
// The zero value is the absent group.
type Metadata struct {
	kind Kind

	boolVal bool
	numVal  float64
	strVal  string
	arrVal  []Metadata
	objKeys []string
	objVals []Metadata
}

// None returns the absent metadata group.
func None() Metadata {
	return Metadata{kind: KindAbsent}
}

// Null returns the explicit-null metadata group.
func Null() Metadata {
	return Metadata{kind: KindNull}
}

// FromValue normalizes a JSON-like Go value into a Metadata.
//
// Supported inputs: nil, bool, string, all Go integer and float types,
// []any, and map[string]any (recursively). A nil input yields the null
// group, not the absent group; use None for absent.
func FromValue(v any) (Metadata, error) {
	switch val := v.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Metadata{kind: KindBool, boolVal: val}, nil
	case string:
		return Metadata{kind: KindString, strVal: val}, nil
	case float64:
		return number(val)
	case float32:
		return number(float64(val))
	case int:
		return number(float64(val))
	case int32:
		return number(float64(val))
	case int64:
		return number(float64(val))
	case uint32:
		return number(float64(val))
	case uint64:
		return number(float64(val))
	case []any:
		arr := make([]Metadata, len(val))
		for i, elem := range val {
			m, err := FromValue(elem)
			if err != nil {
				return None(), fmt.Errorf("array element %d: %w", i, err)
			}
			arr[i] = m
		}
		return Metadata{kind: KindArray, arrVal: arr}, nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		vals := make([]Metadata, len(keys))
		for i, k := range keys {
			m, err := FromValue(val[k])
			if err != nil {
				return None(), fmt.Errorf("object key %q: %w", k, err)
			}
			vals[i] = m
		}
		return Metadata{kind: KindObject, objKeys: keys, objVals: vals}, nil
	default:
		return None(), fmt.Errorf("unsupported metadata type %T", v)
	}
}

// MustFromValue is FromValue that panics on unsupported input.
// Intended for tests and literals.
func MustFromValue(v any) Metadata {
	m, err := FromValue(v)
	if err != nil {
		panic(err)
	}
	return m
}

func number(f float64) (Metadata, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return None(), fmt.Errorf("non-finite metadata number %v", f)
	}
	return Metadata{kind: KindNumber, numVal: f}, nil
}

// Kind returns the normalized value kind.
func (m Metadata) Kind() Kind {
	return m.kind
}

// IsAbsent reports whether this is the absent group.
func (m Metadata) IsAbsent() bool {
	return m.kind == KindAbsent
}

// Value reconstructs the normalized value as a plain Go value.
// Objects come back as map[string]any, arrays as []any, numbers as float64.
// The absent group returns nil; callers distinguish it via IsAbsent.
func (m Metadata) Value() any {
	switch m.kind {
	case KindAbsent, KindNull:
		return nil
	case KindBool:
		return m.boolVal
	case KindNumber:
		return m.numVal
	case KindString:
		return m.strVal
	case KindArray:
		arr := make([]any, len(m.arrVal))
		for i, elem := range m.arrVal {
			arr[i] = elem.Value()
		}
		return arr
	case KindObject:
		obj := make(map[string]any, len(m.objKeys))
		for i, k := range m.objKeys {
			obj[k] = m.objVals[i].Value()
		}
		return obj
	default:
		return nil
	}
}

// Key returns a canonical string encoding of the normalized value.
// Equal groups produce equal keys; the encoding is unambiguous across
// kinds, so "1" (string) and 1 (number) never collide.
func (m Metadata) Key() string {
	var sb strings.Builder
	m.appendKey(&sb)
	return sb.String()
}

func (m Metadata) appendKey(sb *strings.Builder) {
	switch m.kind {
	case KindAbsent:
		sb.WriteByte('_')
	case KindNull:
		sb.WriteByte('z')
	case KindBool:
		if m.boolVal {
			sb.WriteString("b1")
		} else {
			sb.WriteString("b0")
		}
	case KindNumber:
		sb.WriteByte('n')
		sb.WriteString(strconv.FormatFloat(m.numVal, 'g', -1, 64))
	case KindString:
		sb.WriteByte('s')
		sb.WriteString(strconv.Itoa(len(m.strVal)))
		sb.WriteByte(':')
		sb.WriteString(m.strVal)
	case KindArray:
		sb.WriteByte('a')
		sb.WriteString(strconv.Itoa(len(m.arrVal)))
		sb.WriteByte('[')
		for _, elem := range m.arrVal {
			elem.appendKey(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('o')
		sb.WriteString(strconv.Itoa(len(m.objKeys)))
		sb.WriteByte('{')
		for i, k := range m.objKeys {
			sb.WriteString(strconv.Itoa(len(k)))
			sb.WriteByte(':')
			sb.WriteString(k)
			sb.WriteByte('=')
			m.objVals[i].appendKey(sb)
		}
		sb.WriteByte('}')
	}
}

// Equal reports whether two metadata groups are the same after normalization.
func (m Metadata) Equal(other Metadata) bool {
	if m.kind != other.kind {
		return false
	}
	switch m.kind {
	case KindAbsent, KindNull:
		return true
	case KindBool:
		return m.boolVal == other.boolVal
	case KindNumber:
		return m.numVal == other.numVal
	case KindString:
		return m.strVal == other.strVal
	case KindArray:
		if len(m.arrVal) != len(other.arrVal) {
			return false
		}
		for i := range m.arrVal {
			if !m.arrVal[i].Equal(other.arrVal[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(m.objKeys) != len(other.objKeys) {
			return false
		}
		for i := range m.objKeys {
			if m.objKeys[i] != other.objKeys[i] {
				return false
			}
			if !m.objVals[i].Equal(other.objVals[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// String returns the canonical key, mainly for logging and tests.
func (m Metadata) String() string {
	return m.Key()
}
