package model

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Primary keys travel over the wire as an opaque blob. A single-column key is
// the raw encoding of the value; a composite key is a sequence of
// length-prefixed raw encodings in primary-key declaration order.

// EncodePrimaryKey encodes the primary-key fields of row for table t.
func EncodePrimaryKey(row Tuple, t *Table) ([]byte, error) {
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", t.Name)
	}
	if len(t.PrimaryKey) == 1 {
		col, _ := t.Column(t.PrimaryKey[0])
		return encodeValue(row[col.Name], col.Type)
	}
	var out []byte
	for _, name := range t.PrimaryKey {
		col, _ := t.Column(name)
		raw, err := encodeValue(row[name], col.Type)
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(raw)))
		out = append(out, lenBuf[:]...)
		out = append(out, raw...)
	}
	return out, nil
}

// DecodePrimaryKey decodes a primary-key blob against the schema of t.
// Single-column keys decode to the bare value, composite keys to a Tuple.
func DecodePrimaryKey(data []byte, t *Table) (any, error) {
	if len(t.PrimaryKey) == 0 {
		return nil, fmt.Errorf("table %s has no primary key", t.Name)
	}
	if len(t.PrimaryKey) == 1 {
		col, ok := t.Column(t.PrimaryKey[0])
		if !ok {
			return nil, fmt.Errorf("table %s: unknown primary key column %s", t.Name, t.PrimaryKey[0])
		}
		return decodeValue(data, col.Type)
	}
	key := make(Tuple, len(t.PrimaryKey))
	rest := data
	for _, name := range t.PrimaryKey {
		col, ok := t.Column(name)
		if !ok {
			return nil, fmt.Errorf("table %s: unknown primary key column %s", t.Name, name)
		}
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated composite key for table %s", t.Name)
		}
		fieldLen := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < fieldLen {
			return nil, fmt.Errorf("truncated composite key for table %s", t.Name)
		}
		value, err := decodeValue(rest[:fieldLen], col.Type)
		if err != nil {
			return nil, err
		}
		key[name] = value
		rest = rest[fieldLen:]
	}
	return key, nil
}

func encodeValue(v any, typ ColumnType) ([]byte, error) {
	switch typ {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string key value, got %T", v)
		}
		return []byte(s), nil
	case TypeInteger:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], uint32(int32(n)))
		return buf[:], nil
	case TypeLong:
		n, err := asInt64(v)
		if err != nil {
			return nil, err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(n))
		return buf[:], nil
	case TypeByteArray:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("expected bytes key value, got %T", v)
		}
		return b, nil
	case TypeTimestamp:
		ts, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("expected timestamp key value, got %T", v)
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(ts.UnixMilli()))
		return buf[:], nil
	default:
		return nil, fmt.Errorf("unsupported primary key type %s", typ)
	}
}

func decodeValue(data []byte, typ ColumnType) (any, error) {
	switch typ {
	case TypeString:
		return string(data), nil
	case TypeInteger:
		if len(data) != 4 {
			return nil, fmt.Errorf("bad integer key length %d", len(data))
		}
		return int32(binary.BigEndian.Uint32(data)), nil
	case TypeLong:
		if len(data) != 8 {
			return nil, fmt.Errorf("bad long key length %d", len(data))
		}
		return int64(binary.BigEndian.Uint64(data)), nil
	case TypeByteArray:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case TypeTimestamp:
		if len(data) != 8 {
			return nil, fmt.Errorf("bad timestamp key length %d", len(data))
		}
		return time.UnixMilli(int64(binary.BigEndian.Uint64(data))).UTC(), nil
	default:
		return nil, fmt.Errorf("unsupported primary key type %s", typ)
	}
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected numeric key value, got %T", v)
	}
}
