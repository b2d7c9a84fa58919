package metadata

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Binary encoding for Metadata values, used by the WAL.
//
// Layout: kind varint, then a kind-specific payload:
//   - bool:   varint 0/1
//   - number: fixed64 IEEE-754 bits
//   - string: length-delimited bytes
//   - array:  varint count, then each element
//   - object: varint count, then (key bytes, value) pairs

// AppendBinary appends the encoded value to buf and returns the result.
func (m Metadata) AppendBinary(buf []byte) []byte {
	buf = protowire.AppendVarint(buf, uint64(m.kind))
	switch m.kind {
	case KindBool:
		var v uint64
		if m.boolVal {
			v = 1
		}
		buf = protowire.AppendVarint(buf, v)
	case KindNumber:
		buf = protowire.AppendFixed64(buf, math.Float64bits(m.numVal))
	case KindString:
		buf = protowire.AppendBytes(buf, []byte(m.strVal))
	case KindArray:
		buf = protowire.AppendVarint(buf, uint64(len(m.arrVal)))
		for _, elem := range m.arrVal {
			buf = elem.AppendBinary(buf)
		}
	case KindObject:
		buf = protowire.AppendVarint(buf, uint64(len(m.objKeys)))
		for i, k := range m.objKeys {
			buf = protowire.AppendBytes(buf, []byte(k))
			buf = m.objVals[i].AppendBinary(buf)
		}
	}
	return buf
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m Metadata) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(nil), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	dec, rest, err := consumeMetadata(data)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("metadata: %d trailing bytes", len(rest))
	}
	*m = dec
	return nil
}

func consumeMetadata(data []byte) (Metadata, []byte, error) {
	kindVal, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return None(), nil, fmt.Errorf("metadata: truncated kind")
	}
	data = data[n:]

	switch Kind(kindVal) {
	case KindAbsent:
		return None(), data, nil
	case KindNull:
		return Null(), data, nil
	case KindBool:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return None(), nil, fmt.Errorf("metadata: truncated bool")
		}
		return Metadata{kind: KindBool, boolVal: v != 0}, data[n:], nil
	case KindNumber:
		bits, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return None(), nil, fmt.Errorf("metadata: truncated number")
		}
		return Metadata{kind: KindNumber, numVal: math.Float64frombits(bits)}, data[n:], nil
	case KindString:
		b, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return None(), nil, fmt.Errorf("metadata: truncated string")
		}
		return Metadata{kind: KindString, strVal: string(b)}, data[n:], nil
	case KindArray:
		count, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return None(), nil, fmt.Errorf("metadata: truncated array count")
		}
		data = data[n:]
		arr := make([]Metadata, 0, count)
		for i := uint64(0); i < count; i++ {
			elem, rest, err := consumeMetadata(data)
			if err != nil {
				return None(), nil, fmt.Errorf("array element %d: %w", i, err)
			}
			arr = append(arr, elem)
			data = rest
		}
		return Metadata{kind: KindArray, arrVal: arr}, data, nil
	case KindObject:
		count, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return None(), nil, fmt.Errorf("metadata: truncated object count")
		}
		data = data[n:]
		keys := make([]string, 0, count)
		vals := make([]Metadata, 0, count)
		for i := uint64(0); i < count; i++ {
			kb, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return None(), nil, fmt.Errorf("metadata: truncated object key %d", i)
			}
			data = data[n:]
			val, rest, err := consumeMetadata(data)
			if err != nil {
				return None(), nil, fmt.Errorf("object value %q: %w", kb, err)
			}
			keys = append(keys, string(kb))
			vals = append(vals, val)
			data = rest
		}
		return Metadata{kind: KindObject, objKeys: keys, objVals: vals}, data, nil
	default:
		return None(), nil, fmt.Errorf("metadata: unknown kind %d", kindVal)
	}
}
