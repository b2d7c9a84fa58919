package wal

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/corral/internal/metadata"
	"github.com/xtxerr/corral/internal/storage/types"
)

// Entry is one journaled insert: the measurement together with its routing
// identity, sufficient to replay the insert after a crash.
type Entry struct {
	Namespace types.Namespace
	Meta      metadata.Metadata
	M         types.Measurement
}

// Entry payload encoding (protowire primitives, no framing):
//   - db, coll: length-delimited strings
//   - timestamp: fixed64 unix nanoseconds
//   - metadata: length-delimited metadata binary encoding
//   - field count varint, then per field:
//     name bytes, kind varint, kind-specific value

const (
	fieldKindFloat  = 0
	fieldKindInt    = 1
	fieldKindBool   = 2
	fieldKindString = 3
)

func encodeEntries(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(entries)*96)
	buf = protowire.AppendVarint(buf, uint64(len(entries)))

	for i, e := range entries {
		var err error
		buf, err = appendEntry(buf, e)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendEntry(buf []byte, e Entry) ([]byte, error) {
	buf = protowire.AppendBytes(buf, []byte(e.Namespace.DB))
	buf = protowire.AppendBytes(buf, []byte(e.Namespace.Coll))
	buf = protowire.AppendFixed64(buf, uint64(e.M.Time.UnixNano()))
	buf = protowire.AppendBytes(buf, e.Meta.AppendBinary(nil))

	buf = protowire.AppendVarint(buf, uint64(len(e.M.Fields)))
	for _, name := range e.M.FieldNames() {
		if name == types.TimeField {
			continue // carried by the timestamp above
		}
		buf = protowire.AppendBytes(buf, []byte(name))
		switch v := e.M.Fields[name].(type) {
		case float64:
			buf = protowire.AppendVarint(buf, fieldKindFloat)
			buf = protowire.AppendFixed64(buf, math.Float64bits(v))
		case int64:
			buf = protowire.AppendVarint(buf, fieldKindInt)
			buf = protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
		case bool:
			buf = protowire.AppendVarint(buf, fieldKindBool)
			var b uint64
			if v {
				b = 1
			}
			buf = protowire.AppendVarint(buf, b)
		case string:
			buf = protowire.AppendVarint(buf, fieldKindString)
			buf = protowire.AppendBytes(buf, []byte(v))
		default:
			return nil, fmt.Errorf("field %q: unsupported value type %T", name, v)
		}
	}
	return buf, nil
}

func decodeEntries(data []byte) ([]Entry, error) {
	if len(data) == 0 {
		return nil, nil
	}

	count, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return nil, fmt.Errorf("truncated entry count")
	}
	data = data[n:]

	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		e, rest, err := consumeEntry(data)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries = append(entries, e)
		data = rest
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after entries", len(data))
	}
	return entries, nil
}

func consumeEntry(data []byte) (Entry, []byte, error) {
	var e Entry

	db, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return e, nil, fmt.Errorf("truncated db")
	}
	data = data[n:]

	coll, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return e, nil, fmt.Errorf("truncated coll")
	}
	data = data[n:]
	e.Namespace = types.Namespace{DB: string(db), Coll: string(coll)}

	tsBits, n := protowire.ConsumeFixed64(data)
	if n < 0 {
		return e, nil, fmt.Errorf("truncated timestamp")
	}
	data = data[n:]

	metaBytes, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return e, nil, fmt.Errorf("truncated metadata")
	}
	data = data[n:]
	if err := e.Meta.UnmarshalBinary(metaBytes); err != nil {
		return e, nil, fmt.Errorf("metadata: %w", err)
	}

	fieldCount, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return e, nil, fmt.Errorf("truncated field count")
	}
	data = data[n:]

	e.M = types.NewMeasurement(time.Unix(0, int64(tsBits)))
	for i := uint64(0); i < fieldCount; i++ {
		nameBytes, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return e, nil, fmt.Errorf("truncated field %d name", i)
		}
		data = data[n:]
		name := string(nameBytes)

		kind, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return e, nil, fmt.Errorf("field %q: truncated kind", name)
		}
		data = data[n:]

		switch kind {
		case fieldKindFloat:
			bits, n := protowire.ConsumeFixed64(data)
			if n < 0 {
				return e, nil, fmt.Errorf("field %q: truncated float", name)
			}
			data = data[n:]
			e.M.Fields[name] = math.Float64frombits(bits)
		case fieldKindInt:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, nil, fmt.Errorf("field %q: truncated int", name)
			}
			data = data[n:]
			e.M.Fields[name] = protowire.DecodeZigZag(v)
		case fieldKindBool:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, nil, fmt.Errorf("field %q: truncated bool", name)
			}
			data = data[n:]
			e.M.Fields[name] = v != 0
		case fieldKindString:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, nil, fmt.Errorf("field %q: truncated string", name)
			}
			data = data[n:]
			e.M.Fields[name] = string(v)
		default:
			return e, nil, fmt.Errorf("field %q: unknown kind %d", name, kind)
		}
	}

	return e, data, nil
}
