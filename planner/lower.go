package planner

import (
	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
)

// lowerRel translates the validated relational tree into the internal
// operator algebra. It is a recursive total function: every shape either
// maps to an operator or hits an explicit rejection arm.
func lowerRel(n rel, returnValues bool, nodeID string) (plan.Op, error) {
	switch node := n.(type) {
	case *relTableScan:
		return &plan.TableScanOp{Scan: &model.ScanStatement{
			TableSpaceName: node.st.tableSpace,
			Table:          node.st.table,
		}}, nil

	case *relFilter:
		input, err := lowerRel(node.input, false, nodeID)
		if err != nil {
			return nil, err
		}
		return &plan.FilterOp{Input: input, Condition: node.condition}, nil

	case *relProject:
		input, err := lowerRel(node.input, false, nodeID)
		if err != nil {
			return nil, err
		}
		return &plan.ProjectOp{
			FieldNames: node.names,
			Columns:    node.cols,
			Fields:     node.exprs,
			Input:      input,
		}, nil

	case *relValues:
		return &plan.ValuesOp{
			NodeID:     nodeID,
			FieldNames: node.names,
			Columns:    node.cols,
			Tuples:     node.rows,
		}, nil

	case *relSort:
		input, err := lowerRel(node.input, false, nodeID)
		if err != nil {
			return nil, err
		}
		return &plan.SortOp{Input: input, Directions: node.directions, Fields: node.fields}, nil

	case *relLimit:
		input, err := lowerRel(node.input, false, nodeID)
		if err != nil {
			return nil, err
		}
		return &plan.LimitOp{Input: input, Fetch: node.fetch, Offset: node.offset}, nil

	case *relAggregate:
		input, err := lowerRel(node.input, false, nodeID)
		if err != nil {
			return nil, err
		}
		return &plan.AggregateOp{
			Input:         input,
			FieldNames:    node.names,
			Columns:       node.cols,
			AggFunctions:  node.aggFns,
			ArgLists:      node.argLists,
			GroupedFields: node.groups,
		}, nil

	case *relInsert:
		input, err := lowerRel(node.input, false, nodeID)
		if err != nil {
			return nil, err
		}
		return &plan.InsertOp{
			TableSpace:   node.st.tableSpace,
			Table:        node.st.table.Name,
			Input:        input,
			ReturnValues: returnValues,
		}, nil

	case *relDelete:
		return lowerDelete(node, returnValues, nodeID)

	case *relUpdate:
		return lowerUpdate(node, returnValues, nodeID)

	default:
		return nil, model.StatementExecutionErrorf("not implemented plan shape %T", n)
	}
}

func lowerDelete(node *relDelete, returnValues bool, nodeID string) (plan.Op, error) {
	input, err := lowerRel(node.input, false, nodeID)
	if err != nil {
		return nil, err
	}

	del := &model.DeleteStatement{
		TableSpaceName: node.st.tableSpace,
		Table:          node.st.table.Name,
		ReturnValues:   returnValues,
	}
	switch in := input.(type) {
	case *plan.TableScanOp:
		// full-table delete, no predicate
	case *plan.FilterOp:
		if _, ok := in.Input.(*plan.TableScanOp); !ok {
			return nil, model.StatementExecutionErrorf("unsupported input type for DELETE %s", plan.Name(in.Input))
		}
		del.Predicate = plan.NewExprPredicate(in.Condition)
	default:
		return nil, model.StatementExecutionErrorf("unsupported input type for DELETE %s", plan.Name(input))
	}
	return &plan.DeleteOp{Delete: del}, nil
}

func lowerUpdate(node *relUpdate, returnValues bool, nodeID string) (plan.Op, error) {
	input, err := lowerRel(node.input, false, nodeID)
	if err != nil {
		return nil, err
	}

	function := &recordFunction{cols: node.updateCols, exprs: node.sources}
	upd := &model.UpdateStatement{
		TableSpaceName: node.st.tableSpace,
		Table:          node.st.table.Name,
		Function:       function,
		ReturnValues:   returnValues,
	}

	predicate, err := updatePredicate(input)
	if err != nil {
		return nil, err
	}
	upd.Predicate = predicate
	return &plan.UpdateOp{Update: upd}, nil
}

// updatePredicate extracts the predicate from the allowed UPDATE input
// shapes: TableScan, Filter(TableScan), Project(TableScan | Filter(TableScan)
// | FilteredTableScan). Anything else is rejected.
func updatePredicate(input plan.Op) (model.Predicate, error) {
	switch in := input.(type) {
	case *plan.TableScanOp:
		return nil, nil
	case *plan.FilterOp:
		if _, ok := in.Input.(*plan.TableScanOp); ok {
			return plan.NewExprPredicate(in.Condition), nil
		}
	case *plan.ProjectOp:
		switch proj := in.Input.(type) {
		case *plan.TableScanOp:
			return nil, nil
		case *plan.FilterOp:
			if _, ok := proj.Input.(*plan.TableScanOp); ok {
				return plan.NewExprPredicate(proj.Condition), nil
			}
		case *plan.FilteredTableScanOp:
			return proj.Scan.Predicate, nil
		}
	}
	return nil, model.StatementExecutionErrorf("unsupported input type for UPDATE %s", plan.Name(input))
}

// recordFunction pairs update columns with their compiled source expressions
// in parallel order; evaluation produces the updated row.
type recordFunction struct {
	cols  []string
	exprs []model.CompiledExpr
}

func (f *recordFunction) Apply(current model.Tuple, ctx *model.EvaluationContext) (model.Tuple, error) {
	updated := make(model.Tuple, len(current))
	for k, v := range current {
		updated[k] = v
	}
	for i, col := range f.cols {
		v, err := f.exprs[i].Eval(current, ctx)
		if err != nil {
			return nil, err
		}
		updated[col] = v
	}
	return updated, nil
}
