package planner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xwb1989/sqlparser"

	"github.com/granitedb/granite/model"
)

// compileScope resolves column references during expression compilation.
type compileScope struct {
	columns []model.Column
}

func (s *compileScope) resolve(name string) (model.Column, bool) {
	for _, c := range s.columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return model.Column{}, false
}

func (s *compileScope) indexOf(name string) int {
	for i, c := range s.columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// compileExpr lowers one parsed expression into an evaluable function plus
// its inferred logical type.
func compileExpr(e sqlparser.Expr, scope *compileScope) (model.CompiledExpr, SQLType, error) {
	switch node := e.(type) {
	case *sqlparser.ColName:
		col, ok := scope.resolve(node.Name.String())
		if !ok {
			return nil, 0, model.StatementExecutionErrorf("unknown column %s", node.Name.String())
		}
		return &columnExpr{name: col.Name}, toSQLType(col.Type), nil

	case *sqlparser.SQLVal:
		return compileValue(node)

	case sqlparser.BoolVal:
		return &literalExpr{value: bool(node)}, SQLBoolean, nil

	case *sqlparser.NullVal:
		return &literalExpr{value: nil}, SQLNull, nil

	case *sqlparser.ParenExpr:
		return compileExpr(node.Expr, scope)

	case *sqlparser.AndExpr:
		left, _, err := compileExpr(node.Left, scope)
		if err != nil {
			return nil, 0, err
		}
		right, _, err := compileExpr(node.Right, scope)
		if err != nil {
			return nil, 0, err
		}
		return &logicExpr{and: true, left: left, right: right}, SQLBoolean, nil

	case *sqlparser.OrExpr:
		left, _, err := compileExpr(node.Left, scope)
		if err != nil {
			return nil, 0, err
		}
		right, _, err := compileExpr(node.Right, scope)
		if err != nil {
			return nil, 0, err
		}
		return &logicExpr{and: false, left: left, right: right}, SQLBoolean, nil

	case *sqlparser.NotExpr:
		inner, _, err := compileExpr(node.Expr, scope)
		if err != nil {
			return nil, 0, err
		}
		return &notExpr{inner: inner}, SQLBoolean, nil

	case *sqlparser.ComparisonExpr:
		return compileComparison(node, scope)

	case *sqlparser.IsExpr:
		inner, _, err := compileExpr(node.Expr, scope)
		if err != nil {
			return nil, 0, err
		}
		switch node.Operator {
		case sqlparser.IsNullStr:
			return &isNullExpr{inner: inner}, SQLBoolean, nil
		case sqlparser.IsNotNullStr:
			return &notExpr{inner: &isNullExpr{inner: inner}}, SQLBoolean, nil
		default:
			return nil, 0, model.StatementExecutionErrorf("unsupported IS operator %s", node.Operator)
		}

	case *sqlparser.RangeCond:
		target, _, err := compileExpr(node.Left, scope)
		if err != nil {
			return nil, 0, err
		}
		low, _, err := compileExpr(node.From, scope)
		if err != nil {
			return nil, 0, err
		}
		high, _, err := compileExpr(node.To, scope)
		if err != nil {
			return nil, 0, err
		}
		between := &logicExpr{
			and:   true,
			left:  &compareExpr{op: sqlparser.GreaterEqualStr, left: target, right: low},
			right: &compareExpr{op: sqlparser.LessEqualStr, left: target, right: high},
		}
		if node.Operator == sqlparser.NotBetweenStr {
			return &notExpr{inner: between}, SQLBoolean, nil
		}
		return between, SQLBoolean, nil

	case *sqlparser.BinaryExpr:
		left, leftType, err := compileExpr(node.Left, scope)
		if err != nil {
			return nil, 0, err
		}
		right, rightType, err := compileExpr(node.Right, scope)
		if err != nil {
			return nil, 0, err
		}
		resultType := SQLBigint
		if leftType == SQLInteger && rightType == SQLInteger {
			resultType = SQLInteger
		}
		switch node.Operator {
		case sqlparser.PlusStr, sqlparser.MinusStr, sqlparser.MultStr, sqlparser.DivStr:
			return &arithExpr{op: node.Operator, left: left, right: right}, resultType, nil
		default:
			return nil, 0, model.StatementExecutionErrorf("unsupported operator %s", node.Operator)
		}

	case *sqlparser.UnaryExpr:
		inner, innerType, err := compileExpr(node.Expr, scope)
		if err != nil {
			return nil, 0, err
		}
		if node.Operator != sqlparser.UMinusStr {
			return nil, 0, model.StatementExecutionErrorf("unsupported unary operator %s", node.Operator)
		}
		return &negateExpr{inner: inner}, innerType, nil

	default:
		return nil, 0, model.StatementExecutionErrorf("unsupported expression %s", sqlparser.String(e))
	}
}

func compileValue(v *sqlparser.SQLVal) (model.CompiledExpr, SQLType, error) {
	switch v.Type {
	case sqlparser.StrVal:
		return &literalExpr{value: string(v.Val)}, SQLVarchar, nil
	case sqlparser.IntVal:
		n, err := strconv.ParseInt(string(v.Val), 10, 64)
		if err != nil {
			return nil, 0, model.NewStatementExecutionError("bad integer literal", err)
		}
		if n >= -1<<31 && n < 1<<31 {
			return &literalExpr{value: n}, SQLInteger, nil
		}
		return &literalExpr{value: n}, SQLBigint, nil
	case sqlparser.HexVal:
		decoded, err := v.HexDecode()
		if err != nil {
			return nil, 0, model.NewStatementExecutionError("bad hex literal", err)
		}
		return &literalExpr{value: decoded}, SQLVarbinary, nil
	case sqlparser.ValArg:
		index, err := paramIndex(string(v.Val))
		if err != nil {
			return nil, 0, err
		}
		return &paramExpr{index: index}, SQLAny, nil
	default:
		return nil, 0, model.StatementExecutionErrorf("unsupported literal %s", sqlparser.String(v))
	}
}

// paramIndex turns the parser's ":v1"-style placeholder into a 0-based
// positional index.
func paramIndex(arg string) (int, error) {
	trimmed := strings.TrimPrefix(arg, ":v")
	n, err := strconv.Atoi(trimmed)
	if err != nil || n < 1 {
		return 0, model.StatementExecutionErrorf("bad parameter placeholder %s", arg)
	}
	return n - 1, nil
}

func compileComparison(node *sqlparser.ComparisonExpr, scope *compileScope) (model.CompiledExpr, SQLType, error) {
	left, _, err := compileExpr(node.Left, scope)
	if err != nil {
		return nil, 0, err
	}

	switch node.Operator {
	case sqlparser.InStr, sqlparser.NotInStr:
		tuple, ok := node.Right.(sqlparser.ValTuple)
		if !ok {
			return nil, 0, model.StatementExecutionErrorf("unsupported IN operand %s", sqlparser.String(node.Right))
		}
		values := make([]model.CompiledExpr, 0, len(tuple))
		for _, item := range tuple {
			v, _, err := compileExpr(item, scope)
			if err != nil {
				return nil, 0, err
			}
			values = append(values, v)
		}
		in := &inExpr{target: left, values: values}
		if node.Operator == sqlparser.NotInStr {
			return &notExpr{inner: in}, SQLBoolean, nil
		}
		return in, SQLBoolean, nil

	case sqlparser.LikeStr, sqlparser.NotLikeStr:
		right, _, err := compileExpr(node.Right, scope)
		if err != nil {
			return nil, 0, err
		}
		like := &likeExpr{target: left, pattern: right}
		if node.Operator == sqlparser.NotLikeStr {
			return &notExpr{inner: like}, SQLBoolean, nil
		}
		return like, SQLBoolean, nil

	case sqlparser.EqualStr, sqlparser.NotEqualStr, sqlparser.LessThanStr,
		sqlparser.GreaterThanStr, sqlparser.LessEqualStr, sqlparser.GreaterEqualStr:
		right, _, err := compileExpr(node.Right, scope)
		if err != nil {
			return nil, 0, err
		}
		return &compareExpr{op: node.Operator, left: left, right: right}, SQLBoolean, nil

	default:
		return nil, 0, model.StatementExecutionErrorf("unsupported comparison %s", node.Operator)
	}
}

// columnExpr reads one column of the row.
type columnExpr struct {
	name string
}

func (e *columnExpr) Eval(row model.Tuple, _ *model.EvaluationContext) (any, error) {
	return row[e.name], nil
}

// literalExpr yields a constant.
type literalExpr struct {
	value any
}

func (e *literalExpr) Eval(model.Tuple, *model.EvaluationContext) (any, error) {
	return e.value, nil
}

// paramExpr reads one positional parameter.
type paramExpr struct {
	index int
}

func (e *paramExpr) Eval(_ model.Tuple, ctx *model.EvaluationContext) (any, error) {
	return ctx.Param(e.index)
}

type compareExpr struct {
	op          string
	left, right model.CompiledExpr
}

func (e *compareExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	lv, err := e.left.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	rv, err := e.right.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	if lv == nil || rv == nil {
		return false, nil
	}
	cmp, err := compareValues(lv, rv)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case sqlparser.EqualStr:
		return cmp == 0, nil
	case sqlparser.NotEqualStr:
		return cmp != 0, nil
	case sqlparser.LessThanStr:
		return cmp < 0, nil
	case sqlparser.GreaterThanStr:
		return cmp > 0, nil
	case sqlparser.LessEqualStr:
		return cmp <= 0, nil
	case sqlparser.GreaterEqualStr:
		return cmp >= 0, nil
	default:
		return nil, model.StatementExecutionErrorf("unsupported comparison %s", e.op)
	}
}

type logicExpr struct {
	and         bool
	left, right model.CompiledExpr
}

func (e *logicExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	lv, err := evalBool(e.left, row, ctx)
	if err != nil {
		return nil, err
	}
	if e.and && !lv {
		return false, nil
	}
	if !e.and && lv {
		return true, nil
	}
	return evalBool(e.right, row, ctx)
}

type notExpr struct {
	inner model.CompiledExpr
}

func (e *notExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	v, err := evalBool(e.inner, row, ctx)
	if err != nil {
		return nil, err
	}
	return !v, nil
}

type isNullExpr struct {
	inner model.CompiledExpr
}

func (e *isNullExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	v, err := e.inner.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	return v == nil, nil
}

type inExpr struct {
	target model.CompiledExpr
	values []model.CompiledExpr
}

func (e *inExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	tv, err := e.target.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	if tv == nil {
		return false, nil
	}
	for _, value := range e.values {
		v, err := value.Eval(row, ctx)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		cmp, err := compareValues(tv, v)
		if err != nil {
			return nil, err
		}
		if cmp == 0 {
			return true, nil
		}
	}
	return false, nil
}

type likeExpr struct {
	target  model.CompiledExpr
	pattern model.CompiledExpr
}

func (e *likeExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	tv, err := e.target.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	pv, err := e.pattern.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	if tv == nil || pv == nil {
		return false, nil
	}
	target, ok := tv.(string)
	if !ok {
		return nil, model.StatementExecutionErrorf("LIKE target is not a string (got %T)", tv)
	}
	pattern, ok := pv.(string)
	if !ok {
		return nil, model.StatementExecutionErrorf("LIKE pattern is not a string (got %T)", pv)
	}
	re, err := likeToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	return re.MatchString(target), nil
}

type arithExpr struct {
	op          string
	left, right model.CompiledExpr
}

func (e *arithExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	lv, err := e.left.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	rv, err := e.right.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	if lv == nil || rv == nil {
		return nil, nil
	}
	ln, err := toInt64(lv)
	if err != nil {
		return nil, err
	}
	rn, err := toInt64(rv)
	if err != nil {
		return nil, err
	}
	switch e.op {
	case sqlparser.PlusStr:
		return ln + rn, nil
	case sqlparser.MinusStr:
		return ln - rn, nil
	case sqlparser.MultStr:
		return ln * rn, nil
	case sqlparser.DivStr:
		if rn == 0 {
			return nil, model.StatementExecutionErrorf("division by zero")
		}
		return ln / rn, nil
	default:
		return nil, model.StatementExecutionErrorf("unsupported operator %s", e.op)
	}
}

type negateExpr struct {
	inner model.CompiledExpr
}

func (e *negateExpr) Eval(row model.Tuple, ctx *model.EvaluationContext) (any, error) {
	v, err := e.inner.Eval(row, ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	n, err := toInt64(v)
	if err != nil {
		return nil, err
	}
	return -n, nil
}

func evalBool(e model.CompiledExpr, row model.Tuple, ctx *model.EvaluationContext) (bool, error) {
	v, err := e.Eval(row, ctx)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, model.StatementExecutionErrorf("expected boolean condition, got %T", v)
	}
	return b, nil
}

// compareValues orders two non-nil values, coercing numeric widths.
func compareValues(a, b any) (int, error) {
	return model.CompareValues(a, b)
}

func toInt64(v any) (int64, error) {
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
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// likeToRegexp converts a SQL LIKE pattern to an anchored regular expression.
func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("(?s)^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, model.NewStatementExecutionError("bad LIKE pattern", err)
	}
	return re, nil
}
