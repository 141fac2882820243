package model

import "fmt"

// ColumnType is the engine-level type code of a column value.
type ColumnType int

// Engine type codes. The wire protocol and the on-disk codec both use these
// numeric values, so they must stay stable.
const (
	TypeString    ColumnType = 0
	TypeLong      ColumnType = 1
	TypeInteger   ColumnType = 2
	TypeByteArray ColumnType = 3
	TypeTimestamp ColumnType = 4
	TypeNull      ColumnType = 5
	TypeBoolean   ColumnType = 6
	TypeAny       ColumnType = 10
)

func (t ColumnType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeLong:
		return "long"
	case TypeInteger:
		return "integer"
	case TypeByteArray:
		return "bytearray"
	case TypeTimestamp:
		return "timestamp"
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeAny:
		return "any"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Column describes one column of a table or of a result set.
type Column struct {
	Name string
	Type ColumnType
}

// NewColumn builds a Column.
func NewColumn(name string, typ ColumnType) Column {
	return Column{Name: name, Type: typ}
}
