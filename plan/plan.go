package plan

import (
	"github.com/granitedb/granite/model"
)

// PlannedOperationStatement is a model.Statement wrapping an operator tree.
// It is the main statement of every plan produced by the full pipeline.
type PlannedOperationStatement struct {
	TableSpaceName string
	Root           Op
}

func (s *PlannedOperationStatement) TableSpace() string { return s.TableSpaceName }

// ExecutionPlan pairs the main statement with its optimized operator tree.
// Plans are immutable once produced.
type ExecutionPlan struct {
	Main model.Statement
}

// Simple wraps a single statement into a plan.
func Simple(main model.Statement) *ExecutionPlan {
	return &ExecutionPlan{Main: main}
}

// Root returns the operator tree of a planned-operation main statement, or
// nil for fallback statements that execute directly.
func (p *ExecutionPlan) Root() Op {
	if planned, ok := p.Main.(*PlannedOperationStatement); ok {
		return planned.Root
	}
	return nil
}

// IsScan reports whether the plan's main statement is a scan: either a bare
// ScanStatement or an operator tree whose result is a row stream.
func (p *ExecutionPlan) IsScan() bool {
	switch main := p.Main.(type) {
	case *model.ScanStatement:
		return true
	case *PlannedOperationStatement:
		switch main.Root.(type) {
		case *InsertOp, *DeleteOp, *UpdateOp:
			return false
		default:
			return true
		}
	default:
		return false
	}
}

// TableAware resolves the (tableSpace, table) pair of a plan whose terminal
// operation targets a single table. It lets the session decode returned
// primary keys without inspecting operator internals.
func (p *ExecutionPlan) TableAware() (tableSpace, table string, ok bool) {
	switch main := p.Main.(type) {
	case *PlannedOperationStatement:
		switch root := main.Root.(type) {
		case *InsertOp:
			return root.TableSpace, root.Table, true
		case *DeleteOp:
			return root.Delete.TableSpaceName, root.Delete.Table, true
		case *UpdateOp:
			return root.Update.TableSpaceName, root.Update.Table, true
		}
	case model.TableAware:
		return p.Main.TableSpace(), main.TableName(), true
	}
	return "", "", false
}

// Optimize rewrites the operator tree into its executable normal form:
// Filter over TableScan collapses into FilteredTableScan, no-op Limits
// disappear. Fallback plans pass through untouched.
func (p *ExecutionPlan) Optimize() *ExecutionPlan {
	planned, ok := p.Main.(*PlannedOperationStatement)
	if !ok {
		return p
	}
	planned.Root = optimizeOp(planned.Root)
	return p
}

func optimizeOp(op Op) Op {
	switch node := op.(type) {
	case *FilterOp:
		node.Input = optimizeOp(node.Input)
		if scan, ok := node.Input.(*TableScanOp); ok {
			pushed := *scan.Scan
			pushed.Predicate = &exprPredicate{expr: node.Condition}
			return &FilteredTableScanOp{Scan: &pushed}
		}
		return node
	case *ProjectOp:
		node.Input = optimizeOp(node.Input)
		return node
	case *SortOp:
		node.Input = optimizeOp(node.Input)
		return node
	case *LimitOp:
		node.Input = optimizeOp(node.Input)
		if node.Fetch == nil && node.Offset == nil {
			return node.Input
		}
		return node
	case *AggregateOp:
		node.Input = optimizeOp(node.Input)
		return node
	case *InsertOp:
		node.Input = optimizeOp(node.Input)
		return node
	default:
		return op
	}
}

// exprPredicate adapts a compiled boolean expression to model.Predicate for
// predicate pushdown.
type exprPredicate struct {
	expr model.CompiledExpr
}

func (p *exprPredicate) Matches(row model.Tuple, ctx *model.EvaluationContext) (bool, error) {
	v, err := p.expr.Eval(row, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, model.StatementExecutionErrorf("predicate did not evaluate to a boolean (got %T)", v)
	}
	return b, nil
}

// NewExprPredicate wraps a compiled boolean expression as a Predicate.
func NewExprPredicate(expr model.CompiledExpr) model.Predicate {
	return &exprPredicate{expr: expr}
}
