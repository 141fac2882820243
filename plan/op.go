// Package plan holds the internal operator algebra produced by the planner
// and consumed by the engine. Operators are plain data with owned children;
// there is no behavior here beyond structural optimization.
package plan

import (
	"github.com/granitedb/granite/model"
)

// Op is one node of the operator tree. It is a closed set: every
// implementation lives in this package and execution code switches on the
// concrete type, with an explicit rejection arm for anything else.
type Op interface {
	isOp()
}

// TableScanOp reads a whole table.
type TableScanOp struct {
	Scan *model.ScanStatement
}

// FilteredTableScanOp reads a table with a pushed-down predicate. It is
// produced by Optimize from Filter(TableScan).
type FilteredTableScanOp struct {
	Scan *model.ScanStatement
}

// FilterOp keeps only the input rows matching Condition.
type FilterOp struct {
	Input     Op
	Condition model.CompiledExpr
}

// ProjectOp computes one output field per compiled expression.
type ProjectOp struct {
	FieldNames []string
	Columns    []model.Column
	Fields     []model.CompiledExpr
	Input      Op
}

// ValuesOp materializes a finite list of rows of compiled literals.
type ValuesOp struct {
	NodeID     string
	FieldNames []string
	Columns    []model.Column
	Tuples     [][]model.CompiledExpr
}

// SortOp orders the input. Directions[i] is true for ascending.
type SortOp struct {
	Input      Op
	Directions []bool
	Fields     []int
}

// LimitOp bounds the input. Either expression may be nil.
type LimitOp struct {
	Input  Op
	Fetch  model.CompiledExpr
	Offset model.CompiledExpr
}

// AggregateOp groups and aggregates the input. Aggregation functions are
// identified by their name string; ArgLists holds the input field indexes of
// each call.
type AggregateOp struct {
	Input         Op
	FieldNames    []string
	Columns       []model.Column
	AggFunctions  []string
	ArgLists      [][]int
	GroupedFields []int
}

// InsertOp inserts the rows produced by Input into a table.
type InsertOp struct {
	TableSpace   string
	Table        string
	Input        Op
	ReturnValues bool
}

// DeleteOp executes a DeleteStatement.
type DeleteOp struct {
	Delete *model.DeleteStatement
}

// UpdateOp executes an UpdateStatement.
type UpdateOp struct {
	Update *model.UpdateStatement
}

func (*TableScanOp) isOp()         {}
func (*FilteredTableScanOp) isOp() {}
func (*FilterOp) isOp()            {}
func (*ProjectOp) isOp()           {}
func (*ValuesOp) isOp()            {}
func (*SortOp) isOp()              {}
func (*LimitOp) isOp()             {}
func (*AggregateOp) isOp()         {}
func (*InsertOp) isOp()            {}
func (*DeleteOp) isOp()            {}
func (*UpdateOp) isOp()            {}

// Name returns a short human-readable tag for diagnostics.
func Name(op Op) string {
	switch op.(type) {
	case *TableScanOp:
		return "TableScan"
	case *FilteredTableScanOp:
		return "FilteredTableScan"
	case *FilterOp:
		return "Filter"
	case *ProjectOp:
		return "Project"
	case *ValuesOp:
		return "Values"
	case *SortOp:
		return "Sort"
	case *LimitOp:
		return "Limit"
	case *AggregateOp:
		return "Aggregate"
	case *InsertOp:
		return "Insert"
	case *DeleteOp:
		return "Delete"
	case *UpdateOp:
		return "Update"
	default:
		return "Unknown"
	}
}
