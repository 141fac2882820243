package planner

import (
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/granitedb/granite/model"
)

// rel is one node of the validated relational tree. Every node declares its
// output schema; parents consume it as their input schema, which keeps the
// row-type arity consistent through the whole tree.
type rel interface {
	columns() []model.Column
}

type relTableScan struct {
	st *schemaTable
}

func (n *relTableScan) columns() []model.Column { return n.st.table.Columns }

type relFilter struct {
	input     rel
	condition model.CompiledExpr
}

func (n *relFilter) columns() []model.Column { return n.input.columns() }

type relProject struct {
	input rel
	names []string
	cols  []model.Column
	exprs []model.CompiledExpr
}

func (n *relProject) columns() []model.Column { return n.cols }

type relValues struct {
	names []string
	cols  []model.Column
	rows  [][]model.CompiledExpr
}

func (n *relValues) columns() []model.Column { return n.cols }

type relSort struct {
	input      rel
	directions []bool
	fields     []int
}

func (n *relSort) columns() []model.Column { return n.input.columns() }

type relLimit struct {
	input  rel
	fetch  model.CompiledExpr
	offset model.CompiledExpr
}

func (n *relLimit) columns() []model.Column { return n.input.columns() }

type relAggregate struct {
	input    rel
	names    []string
	cols     []model.Column
	aggFns   []string
	argLists [][]int
	groups   []int
}

func (n *relAggregate) columns() []model.Column { return n.cols }

type relInsert struct {
	st    *schemaTable
	input rel
}

func (n *relInsert) columns() []model.Column { return nil }

type relUpdate struct {
	st         *schemaTable
	input      rel
	updateCols []string
	sources    []model.CompiledExpr
}

func (n *relUpdate) columns() []model.Column { return nil }

type relDelete struct {
	st    *schemaTable
	input rel
}

func (n *relDelete) columns() []model.Column { return nil }

// buildRel validates one parsed statement against the schema and returns the
// typed relational tree.
func buildRel(stmt sqlparser.Statement, schema *rootSchema, defaultTableSpace string) (rel, error) {
	switch node := stmt.(type) {
	case *sqlparser.Select:
		return buildSelect(node, schema, defaultTableSpace)
	case *sqlparser.Insert:
		return buildInsert(node, schema, defaultTableSpace)
	case *sqlparser.Update:
		return buildUpdate(node, schema, defaultTableSpace)
	case *sqlparser.Delete:
		return buildDelete(node, schema, defaultTableSpace)
	default:
		return nil, model.StatementExecutionErrorf("unsupported statement %T", stmt)
	}
}

// resolveFrom resolves a single-table FROM clause. Joins and subqueries are
// rejected; "dual" selects get a one-row values source.
func resolveFrom(exprs sqlparser.TableExprs, schema *rootSchema, defaultTableSpace string) (rel, *schemaTable, error) {
	if len(exprs) != 1 {
		return nil, nil, model.StatementExecutionErrorf("unsupported FROM clause with %d tables", len(exprs))
	}
	aliased, ok := exprs[0].(*sqlparser.AliasedTableExpr)
	if !ok {
		return nil, nil, model.StatementExecutionErrorf("unsupported FROM clause %s", sqlparser.String(exprs[0]))
	}
	tableName, ok := aliased.Expr.(sqlparser.TableName)
	if !ok {
		return nil, nil, model.StatementExecutionErrorf("unsupported FROM source %s", sqlparser.String(aliased.Expr))
	}
	if tableName.Qualifier.IsEmpty() && strings.EqualFold(tableName.Name.String(), "dual") {
		return &relValues{rows: [][]model.CompiledExpr{{}}}, nil, nil
	}
	st, err := schema.resolveTable(defaultTableSpace, tableName.Qualifier.String(), tableName.Name.String())
	if err != nil {
		return nil, nil, err
	}
	return &relTableScan{st: st}, st, nil
}

func buildSelect(sel *sqlparser.Select, schema *rootSchema, defaultTableSpace string) (rel, error) {
	current, _, err := resolveFrom(sel.From, schema, defaultTableSpace)
	if err != nil {
		return nil, err
	}
	scope := &compileScope{columns: current.columns()}

	if sel.Where != nil {
		condition, _, err := compileExpr(sel.Where.Expr, scope)
		if err != nil {
			return nil, err
		}
		current = &relFilter{input: current, condition: condition}
	}

	if hasAggregates(sel.SelectExprs) || len(sel.GroupBy) > 0 {
		current, err = buildAggregate(sel, current, scope)
		if err != nil {
			return nil, err
		}
	} else if !isStarSelect(sel.SelectExprs) {
		current, err = buildProject(sel.SelectExprs, current, scope)
		if err != nil {
			return nil, err
		}
	}

	if len(sel.OrderBy) > 0 {
		outScope := &compileScope{columns: current.columns()}
		directions := make([]bool, len(sel.OrderBy))
		fields := make([]int, len(sel.OrderBy))
		for i, order := range sel.OrderBy {
			col, ok := order.Expr.(*sqlparser.ColName)
			if !ok {
				return nil, model.StatementExecutionErrorf("unsupported ORDER BY expression %s", sqlparser.String(order.Expr))
			}
			index := outScope.indexOf(col.Name.String())
			if index < 0 {
				return nil, model.StatementExecutionErrorf("unknown ORDER BY column %s", col.Name.String())
			}
			fields[i] = index
			directions[i] = order.Direction != sqlparser.DescScr
		}
		current = &relSort{input: current, directions: directions, fields: fields}
	}

	if sel.Limit != nil {
		var fetch, offset model.CompiledExpr
		if sel.Limit.Rowcount != nil {
			fetch, _, err = compileExpr(sel.Limit.Rowcount, &compileScope{})
			if err != nil {
				return nil, err
			}
		}
		if sel.Limit.Offset != nil {
			offset, _, err = compileExpr(sel.Limit.Offset, &compileScope{})
			if err != nil {
				return nil, err
			}
		}
		current = &relLimit{input: current, fetch: fetch, offset: offset}
	}

	return current, nil
}

func isStarSelect(exprs sqlparser.SelectExprs) bool {
	if len(exprs) != 1 {
		return false
	}
	_, ok := exprs[0].(*sqlparser.StarExpr)
	return ok
}

func hasAggregates(exprs sqlparser.SelectExprs) bool {
	for _, se := range exprs {
		aliased, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			continue
		}
		if fn, ok := aliased.Expr.(*sqlparser.FuncExpr); ok && fn.IsAggregate() {
			return true
		}
	}
	return false
}

func buildProject(exprs sqlparser.SelectExprs, input rel, scope *compileScope) (rel, error) {
	project := &relProject{input: input}
	for _, se := range exprs {
		switch item := se.(type) {
		case *sqlparser.StarExpr:
			for _, c := range input.columns() {
				project.names = append(project.names, c.Name)
				project.cols = append(project.cols, c)
				project.exprs = append(project.exprs, &columnExpr{name: c.Name})
			}
		case *sqlparser.AliasedExpr:
			compiled, sqlType, err := compileExpr(item.Expr, scope)
			if err != nil {
				return nil, err
			}
			engineType, err := toEngineType(sqlType)
			if err != nil {
				return nil, err
			}
			name := item.As.String()
			if name == "" {
				if col, ok := item.Expr.(*sqlparser.ColName); ok {
					if resolved, found := scope.resolve(col.Name.String()); found {
						name = resolved.Name
					}
				}
			}
			if name == "" {
				name = sqlparser.String(item.Expr)
			}
			project.names = append(project.names, name)
			project.cols = append(project.cols, model.NewColumn(name, engineType))
			project.exprs = append(project.exprs, compiled)
		default:
			return nil, model.StatementExecutionErrorf("unsupported select expression %s", sqlparser.String(se))
		}
	}
	return project, nil
}

// buildAggregate lowers a grouped or aggregated select. The aggregate output
// is the grouped fields in group order followed by the aggregation calls; a
// projection is layered on top when the select list orders fields
// differently.
func buildAggregate(sel *sqlparser.Select, input rel, scope *compileScope) (rel, error) {
	agg := &relAggregate{input: input}

	for _, groupExpr := range sel.GroupBy {
		col, ok := groupExpr.(*sqlparser.ColName)
		if !ok {
			return nil, model.StatementExecutionErrorf("unsupported GROUP BY expression %s", sqlparser.String(groupExpr))
		}
		index := scope.indexOf(col.Name.String())
		if index < 0 {
			return nil, model.StatementExecutionErrorf("unknown GROUP BY column %s", col.Name.String())
		}
		agg.groups = append(agg.groups, index)
		c := input.columns()[index]
		agg.names = append(agg.names, c.Name)
		agg.cols = append(agg.cols, c)
	}

	type outField struct {
		name  string
		index int
	}
	var selectOrder []outField

	for _, se := range sel.SelectExprs {
		aliased, ok := se.(*sqlparser.AliasedExpr)
		if !ok {
			return nil, model.StatementExecutionErrorf("unsupported select expression %s in aggregate", sqlparser.String(se))
		}
		switch item := aliased.Expr.(type) {
		case *sqlparser.ColName:
			index := scope.indexOf(item.Name.String())
			if index < 0 {
				return nil, model.StatementExecutionErrorf("unknown column %s", item.Name.String())
			}
			pos := -1
			for gi, g := range agg.groups {
				if g == index {
					pos = gi
					break
				}
			}
			if pos < 0 {
				return nil, model.StatementExecutionErrorf("column %s is neither grouped nor aggregated", item.Name.String())
			}
			selectOrder = append(selectOrder, outField{name: agg.names[pos], index: pos})
		case *sqlparser.FuncExpr:
			if !item.IsAggregate() {
				return nil, model.StatementExecutionErrorf("unsupported function %s", item.Name.String())
			}
			name, col, args, err := buildAggregateCall(item, aliased.As.String(), scope)
			if err != nil {
				return nil, err
			}
			agg.aggFns = append(agg.aggFns, strings.ToUpper(item.Name.String()))
			agg.argLists = append(agg.argLists, args)
			agg.names = append(agg.names, name)
			agg.cols = append(agg.cols, col)
			selectOrder = append(selectOrder, outField{name: name, index: len(agg.names) - 1})
		default:
			return nil, model.StatementExecutionErrorf("unsupported select expression %s in aggregate", sqlparser.String(aliased.Expr))
		}
	}

	ordered := true
	for i, f := range selectOrder {
		if f.index != i {
			ordered = false
			break
		}
	}
	if ordered && len(selectOrder) == len(agg.names) {
		return agg, nil
	}

	// Reorder through a projection over the aggregate output.
	project := &relProject{input: agg}
	for _, f := range selectOrder {
		c := agg.cols[f.index]
		project.names = append(project.names, f.name)
		project.cols = append(project.cols, model.NewColumn(f.name, c.Type))
		project.exprs = append(project.exprs, &columnExpr{name: c.Name})
	}
	return project, nil
}

func buildAggregateCall(fn *sqlparser.FuncExpr, alias string, scope *compileScope) (string, model.Column, []int, error) {
	fnName := strings.ToUpper(fn.Name.String())
	var args []int
	var argType model.ColumnType

	switch len(fn.Exprs) {
	case 1:
		switch arg := fn.Exprs[0].(type) {
		case *sqlparser.StarExpr:
			if fnName != "COUNT" {
				return "", model.Column{}, nil, model.StatementExecutionErrorf("unsupported aggregate %s(*)", fnName)
			}
		case *sqlparser.AliasedExpr:
			col, ok := arg.Expr.(*sqlparser.ColName)
			if !ok {
				return "", model.Column{}, nil, model.StatementExecutionErrorf("unsupported aggregate argument %s", sqlparser.String(arg.Expr))
			}
			index := scope.indexOf(col.Name.String())
			if index < 0 {
				return "", model.Column{}, nil, model.StatementExecutionErrorf("unknown column %s", col.Name.String())
			}
			args = append(args, index)
			argType = scope.columns[index].Type
		default:
			return "", model.Column{}, nil, model.StatementExecutionErrorf("unsupported aggregate argument %s", sqlparser.String(fn.Exprs[0]))
		}
	default:
		return "", model.Column{}, nil, model.StatementExecutionErrorf("aggregate %s takes one argument", fnName)
	}

	var outType model.ColumnType
	switch fnName {
	case "COUNT":
		outType = model.TypeLong
	case "SUM":
		outType = model.TypeLong
	case "MIN", "MAX":
		outType = argType
	default:
		return "", model.Column{}, nil, model.StatementExecutionErrorf("unsupported aggregation function %s", fnName)
	}

	name := alias
	if name == "" {
		name = strings.ToLower(sqlparser.String(fn))
	}
	return name, model.NewColumn(name, outType), args, nil
}

func buildInsert(ins *sqlparser.Insert, schema *rootSchema, defaultTableSpace string) (rel, error) {
	st, err := schema.resolveTable(defaultTableSpace, ins.Table.Qualifier.String(), ins.Table.Name.String())
	if err != nil {
		return nil, err
	}

	var targetCols []model.Column
	if len(ins.Columns) == 0 {
		targetCols = st.table.Columns
	} else {
		for _, c := range ins.Columns {
			col, ok := st.resolveColumn(c.String())
			if !ok {
				return nil, model.StatementExecutionErrorf("unknown column %s in table %s", c.String(), st.table.Name)
			}
			targetCols = append(targetCols, model.NewColumn(col.name, col.engine))
		}
	}

	values, ok := ins.Rows.(sqlparser.Values)
	if !ok {
		return nil, model.StatementExecutionErrorf("unsupported INSERT source %s", sqlparser.String(ins.Rows))
	}

	relVals := &relValues{}
	for _, c := range targetCols {
		relVals.names = append(relVals.names, c.Name)
		relVals.cols = append(relVals.cols, c)
	}
	emptyScope := &compileScope{}
	for _, tuple := range values {
		if len(tuple) != len(targetCols) {
			return nil, model.StatementExecutionErrorf("INSERT row has %d values for %d columns", len(tuple), len(targetCols))
		}
		row := make([]model.CompiledExpr, 0, len(tuple))
		for _, valExpr := range tuple {
			compiled, _, err := compileExpr(valExpr, emptyScope)
			if err != nil {
				return nil, err
			}
			row = append(row, compiled)
		}
		relVals.rows = append(relVals.rows, row)
	}

	return &relInsert{st: st, input: relVals}, nil
}

func buildUpdate(upd *sqlparser.Update, schema *rootSchema, defaultTableSpace string) (rel, error) {
	input, st, err := resolveFrom(upd.TableExprs, schema, defaultTableSpace)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, model.StatementExecutionErrorf("unsupported UPDATE target")
	}
	scope := &compileScope{columns: st.table.Columns}

	var updateCols []string
	var sources []model.CompiledExpr
	for _, ue := range upd.Exprs {
		col, ok := st.resolveColumn(ue.Name.Name.String())
		if !ok {
			return nil, model.StatementExecutionErrorf("unknown column %s in table %s", ue.Name.Name.String(), st.table.Name)
		}
		compiled, _, err := compileExpr(ue.Expr, scope)
		if err != nil {
			return nil, err
		}
		updateCols = append(updateCols, col.name)
		sources = append(sources, compiled)
	}

	if upd.Where != nil {
		condition, _, err := compileExpr(upd.Where.Expr, scope)
		if err != nil {
			return nil, err
		}
		input = &relFilter{input: input, condition: condition}
	}

	return &relUpdate{st: st, input: input, updateCols: updateCols, sources: sources}, nil
}

func buildDelete(del *sqlparser.Delete, schema *rootSchema, defaultTableSpace string) (rel, error) {
	input, st, err := resolveFrom(del.TableExprs, schema, defaultTableSpace)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, model.StatementExecutionErrorf("unsupported DELETE target")
	}

	if del.Where != nil {
		scope := &compileScope{columns: st.table.Columns}
		condition, _, err := compileExpr(del.Where.Expr, scope)
		if err != nil {
			return nil, err
		}
		input = &relFilter{input: input, condition: condition}
	}

	return &relDelete{st: st, input: input}, nil
}
