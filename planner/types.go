package planner

import (
	"github.com/granitedb/granite/model"
)

// SQLType is the planner-level logical SQL type of an expression or column.
type SQLType int

const (
	SQLVarchar SQLType = iota
	SQLBoolean
	SQLInteger
	SQLBigint
	SQLVarbinary
	SQLNull
	SQLAny
	SQLTimestamp
)

func (t SQLType) String() string {
	switch t {
	case SQLVarchar:
		return "VARCHAR"
	case SQLBoolean:
		return "BOOLEAN"
	case SQLInteger:
		return "INTEGER"
	case SQLBigint:
		return "BIGINT"
	case SQLVarbinary:
		return "VARBINARY"
	case SQLNull:
		return "NULL"
	case SQLAny:
		return "ANY"
	case SQLTimestamp:
		return "TIMESTAMP"
	default:
		return "UNKNOWN"
	}
}

// toEngineType maps a logical SQL type to its engine code. The mapping is
// total on the enumerated set; anything else is a planning failure.
func toEngineType(t SQLType) (model.ColumnType, error) {
	switch t {
	case SQLVarchar:
		return model.TypeString, nil
	case SQLBoolean:
		return model.TypeBoolean, nil
	case SQLInteger:
		return model.TypeInteger, nil
	case SQLBigint:
		return model.TypeLong, nil
	case SQLVarbinary:
		return model.TypeByteArray, nil
	case SQLNull:
		return model.TypeNull, nil
	case SQLAny:
		return model.TypeAny, nil
	default:
		return 0, model.StatementExecutionErrorf("unsupported expression type %s", t)
	}
}

// toSQLType exposes an engine type code as a logical SQL type for schema
// building. TIMESTAMP round-trips on exposure; unknown codes expose as ANY.
func toSQLType(t model.ColumnType) SQLType {
	switch t {
	case model.TypeString:
		return SQLVarchar
	case model.TypeBoolean:
		return SQLBoolean
	case model.TypeInteger:
		return SQLInteger
	case model.TypeLong:
		return SQLBigint
	case model.TypeByteArray:
		return SQLVarbinary
	case model.TypeNull:
		return SQLNull
	case model.TypeTimestamp:
		return SQLTimestamp
	default:
		return SQLAny
	}
}
