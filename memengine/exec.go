package memengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
)

// executeOp runs one operator tree. DML roots mutate tables; everything else
// materializes into a scanner.
func (e *Engine) executeOp(root plan.Op, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error) {
	switch op := root.(type) {
	case *plan.InsertOp:
		return e.executeInsert(op, evalCtx)
	case *plan.UpdateOp:
		return e.executeUpdate(op, evalCtx)
	case *plan.DeleteOp:
		return e.executeDelete(op, evalCtx)
	default:
		columns, rows, err := e.executeRows(root, evalCtx)
		if err != nil {
			return model.StatementResult{}, err
		}
		return model.ScanResult(model.NewSliceDataScanner(columns, rows)), nil
	}
}

// executeRows materializes the row stream of a non-DML operator.
func (e *Engine) executeRows(op plan.Op, evalCtx *model.EvaluationContext) ([]model.Column, []model.Tuple, error) {
	switch node := op.(type) {
	case *plan.TableScanOp:
		return e.scanOp(node.Scan, evalCtx)

	case *plan.FilteredTableScanOp:
		return e.scanOp(node.Scan, evalCtx)

	case *plan.FilterOp:
		columns, rows, err := e.executeRows(node.Input, evalCtx)
		if err != nil {
			return nil, nil, err
		}
		var kept []model.Tuple
		for _, row := range rows {
			match, err := evalCondition(node.Condition, row, evalCtx)
			if err != nil {
				return nil, nil, err
			}
			if match {
				kept = append(kept, row)
			}
		}
		return columns, kept, nil

	case *plan.ProjectOp:
		_, rows, err := e.executeRows(node.Input, evalCtx)
		if err != nil {
			return nil, nil, err
		}
		out := make([]model.Tuple, 0, len(rows))
		for _, row := range rows {
			projected := make(model.Tuple, len(node.Fields))
			for i, field := range node.Fields {
				v, err := field.Eval(row, evalCtx)
				if err != nil {
					return nil, nil, err
				}
				projected[node.FieldNames[i]] = v
			}
			out = append(out, projected)
		}
		return node.Columns, out, nil

	case *plan.ValuesOp:
		out := make([]model.Tuple, 0, len(node.Tuples))
		for _, exprRow := range node.Tuples {
			row := make(model.Tuple, len(exprRow))
			for i, expr := range exprRow {
				v, err := expr.Eval(nil, evalCtx)
				if err != nil {
					return nil, nil, err
				}
				row[node.FieldNames[i]] = v
			}
			out = append(out, row)
		}
		return node.Columns, out, nil

	case *plan.SortOp:
		columns, rows, err := e.executeRows(node.Input, evalCtx)
		if err != nil {
			return nil, nil, err
		}
		var sortErr error
		sort.SliceStable(rows, func(i, j int) bool {
			for k, field := range node.Fields {
				av := rows[i][columns[field].Name]
				bv := rows[j][columns[field].Name]
				if av == nil && bv == nil {
					continue
				}
				if av == nil {
					return node.Directions[k]
				}
				if bv == nil {
					return !node.Directions[k]
				}
				cmp, err := model.CompareValues(av, bv)
				if err != nil {
					sortErr = err
					return false
				}
				if cmp == 0 {
					continue
				}
				if node.Directions[k] {
					return cmp < 0
				}
				return cmp > 0
			}
			return false
		})
		if sortErr != nil {
			return nil, nil, sortErr
		}
		return columns, rows, nil

	case *plan.LimitOp:
		columns, rows, err := e.executeRows(node.Input, evalCtx)
		if err != nil {
			return nil, nil, err
		}
		offset := 0
		if node.Offset != nil {
			offset, err = evalInt(node.Offset, evalCtx)
			if err != nil {
				return nil, nil, err
			}
		}
		if offset > len(rows) {
			offset = len(rows)
		}
		rows = rows[offset:]
		if node.Fetch != nil {
			fetch, err := evalInt(node.Fetch, evalCtx)
			if err != nil {
				return nil, nil, err
			}
			if fetch < len(rows) {
				rows = rows[:fetch]
			}
		}
		return columns, rows, nil

	case *plan.AggregateOp:
		return e.executeAggregate(node, evalCtx)

	default:
		return nil, nil, model.StatementExecutionErrorf("unsupported operator %s", plan.Name(op))
	}
}

func (e *Engine) scanOp(scan *model.ScanStatement, evalCtx *model.EvaluationContext) ([]model.Column, []model.Tuple, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkLeaderLocked(scan.TableSpaceName); err != nil {
		return nil, nil, err
	}
	rows, err := e.scanLocked(scan, evalCtx)
	if err != nil {
		return nil, nil, err
	}
	return scan.Table.Columns, rows, nil
}

func (e *Engine) executeAggregate(node *plan.AggregateOp, evalCtx *model.EvaluationContext) ([]model.Column, []model.Tuple, error) {
	inColumns, rows, err := e.executeRows(node.Input, evalCtx)
	if err != nil {
		return nil, nil, err
	}

	type group struct {
		key    []any
		counts []int64
		sums   []int64
		mins   []any
		maxs   []any
	}
	newGroup := func(key []any) *group {
		n := len(node.AggFunctions)
		return &group{
			key:    key,
			counts: make([]int64, n),
			sums:   make([]int64, n),
			mins:   make([]any, n),
			maxs:   make([]any, n),
		}
	}

	groups := make(map[string]*group)
	var order []string
	for _, row := range rows {
		var key []any
		var sb strings.Builder
		for _, g := range node.GroupedFields {
			v := row[inColumns[g].Name]
			key = append(key, v)
			writeGroupKey(&sb, v)
		}
		k := sb.String()
		grp, ok := groups[k]
		if !ok {
			grp = newGroup(key)
			groups[k] = grp
			order = append(order, k)
		}
		for i, fn := range node.AggFunctions {
			var arg any
			if len(node.ArgLists[i]) > 0 {
				arg = row[inColumns[node.ArgLists[i][0]].Name]
			}
			switch fn {
			case "COUNT":
				if len(node.ArgLists[i]) == 0 || arg != nil {
					grp.counts[i]++
				}
			case "SUM":
				if arg != nil {
					n, err := evalIntValue(arg)
					if err != nil {
						return nil, nil, err
					}
					grp.sums[i] += n
					grp.counts[i]++
				}
			case "MIN":
				if arg != nil {
					if grp.mins[i] == nil {
						grp.mins[i] = arg
					} else if cmp, err := model.CompareValues(arg, grp.mins[i]); err != nil {
						return nil, nil, err
					} else if cmp < 0 {
						grp.mins[i] = arg
					}
				}
			case "MAX":
				if arg != nil {
					if grp.maxs[i] == nil {
						grp.maxs[i] = arg
					} else if cmp, err := model.CompareValues(arg, grp.maxs[i]); err != nil {
						return nil, nil, err
					} else if cmp > 0 {
						grp.maxs[i] = arg
					}
				}
			default:
				return nil, nil, model.StatementExecutionErrorf("unsupported aggregation function %s", fn)
			}
		}
	}

	// A global aggregate over zero rows still yields one output row.
	if len(node.GroupedFields) == 0 && len(order) == 0 {
		groups[""] = newGroup(nil)
		order = append(order, "")
	}

	out := make([]model.Tuple, 0, len(order))
	for _, k := range order {
		grp := groups[k]
		row := make(model.Tuple, len(node.FieldNames))
		for i := range node.GroupedFields {
			row[node.FieldNames[i]] = grp.key[i]
		}
		base := len(node.GroupedFields)
		for i, fn := range node.AggFunctions {
			name := node.FieldNames[base+i]
			switch fn {
			case "COUNT":
				row[name] = grp.counts[i]
			case "SUM":
				if grp.counts[i] == 0 {
					row[name] = nil
				} else {
					row[name] = grp.sums[i]
				}
			case "MIN":
				row[name] = grp.mins[i]
			case "MAX":
				row[name] = grp.maxs[i]
			}
		}
		out = append(out, row)
	}
	return node.Columns, out, nil
}

func writeGroupKey(sb *strings.Builder, v any) {
	sb.WriteString("|")
	if v == nil {
		sb.WriteString("<nil>")
		return
	}
	fmt.Fprintf(sb, "%v", v)
}

func (e *Engine) executeInsert(op *plan.InsertOp, evalCtx *model.EvaluationContext) (model.StatementResult, error) {
	_, rows, err := e.executeRows(op.Input, evalCtx)
	if err != nil {
		return model.StatementResult{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLeaderLocked(op.TableSpace); err != nil {
		return model.StatementResult{}, err
	}
	td, err := e.lookupLocked(op.TableSpace, op.Table)
	if err != nil {
		return model.StatementResult{}, err
	}

	var lastKey []byte
	count := 0
	for _, row := range rows {
		full := make(model.Tuple, len(td.schema.Columns))
		for _, c := range td.schema.Columns {
			full[c.Name] = row[c.Name]
		}
		if len(td.schema.PrimaryKey) > 0 {
			key, err := model.EncodePrimaryKey(full, td.schema)
			if err != nil {
				return model.StatementResult{}, model.NewStatementExecutionError("cannot encode primary key", err)
			}
			for _, existing := range td.rows {
				existingKey, err := model.EncodePrimaryKey(existing, td.schema)
				if err != nil {
					continue
				}
				if string(existingKey) == string(key) {
					return model.StatementResult{}, model.StatementExecutionErrorf("duplicate primary key in table %s", op.Table)
				}
			}
			lastKey = key
		}
		td.rows = append(td.rows, full)
		count++
	}

	if !op.ReturnValues {
		lastKey = nil
	}
	return model.DMLResult(count, lastKey), nil
}

func (e *Engine) executeUpdate(op *plan.UpdateOp, evalCtx *model.EvaluationContext) (model.StatementResult, error) {
	upd := op.Update

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLeaderLocked(upd.TableSpaceName); err != nil {
		return model.StatementResult{}, err
	}
	td, err := e.lookupLocked(upd.TableSpaceName, upd.Table)
	if err != nil {
		return model.StatementResult{}, err
	}

	var lastKey []byte
	count := 0
	for i, row := range td.rows {
		if upd.Predicate != nil {
			match, err := upd.Predicate.Matches(row, evalCtx)
			if err != nil {
				return model.StatementResult{}, err
			}
			if !match {
				continue
			}
		}
		updated, err := upd.Function.Apply(row, evalCtx)
		if err != nil {
			return model.StatementResult{}, err
		}
		td.rows[i] = updated
		count++
		if upd.ReturnValues && len(td.schema.PrimaryKey) > 0 {
			if key, err := model.EncodePrimaryKey(updated, td.schema); err == nil {
				lastKey = key
			}
		}
	}
	return model.DMLResult(count, lastKey), nil
}

func (e *Engine) executeDelete(op *plan.DeleteOp, evalCtx *model.EvaluationContext) (model.StatementResult, error) {
	del := op.Delete

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLeaderLocked(del.TableSpaceName); err != nil {
		return model.StatementResult{}, err
	}
	td, err := e.lookupLocked(del.TableSpaceName, del.Table)
	if err != nil {
		return model.StatementResult{}, err
	}

	var kept []model.Tuple
	var lastKey []byte
	count := 0
	for _, row := range td.rows {
		match := true
		if del.Predicate != nil {
			match, err = del.Predicate.Matches(row, evalCtx)
			if err != nil {
				return model.StatementResult{}, err
			}
		}
		if !match {
			kept = append(kept, row)
			continue
		}
		count++
		if del.ReturnValues && len(td.schema.PrimaryKey) > 0 {
			if key, err := model.EncodePrimaryKey(row, td.schema); err == nil {
				lastKey = key
			}
		}
	}
	td.rows = kept
	return model.DMLResult(count, lastKey), nil
}

func evalCondition(cond model.CompiledExpr, row model.Tuple, ctx *model.EvaluationContext) (bool, error) {
	v, err := cond.Eval(row, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, model.StatementExecutionErrorf("filter condition is not a boolean (got %T)", v)
	}
	return b, nil
}

func evalInt(expr model.CompiledExpr, ctx *model.EvaluationContext) (int, error) {
	v, err := expr.Eval(nil, ctx)
	if err != nil {
		return 0, err
	}
	n, err := evalIntValue(v)
	return int(n), err
}

func evalIntValue(v any) (int64, error) {
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
		return 0, model.StatementExecutionErrorf("expected an integer, got %T", v)
	}
}
