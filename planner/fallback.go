package planner

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
)

// fallbackPlanner handles the statements the relational pipeline does not:
// DDL, transaction control, EXECUTE and TRUNCATE. Plans are cached in an LRU
// keyed by the full translation input; parameters live in the evaluation
// context so a cached plan is safe to share.
type fallbackPlanner struct {
	cache  *lru.Cache[string, *plan.ExecutionPlan]
	hits   atomic.Int64
	misses atomic.Int64
}

func newFallbackPlanner(cacheSize int) (*fallbackPlanner, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[string, *plan.ExecutionPlan](cacheSize)
	if err != nil {
		return nil, err
	}
	return &fallbackPlanner{cache: cache}, nil
}

func (f *fallbackPlanner) translate(defaultTableSpace, query string, params []any, allowCache bool, maxRows int) (*TranslatedQuery, error) {
	cacheKey := fmt.Sprintf("%s|%d|%s", defaultTableSpace, maxRows, query)
	if allowCache {
		if cached, ok := f.cache.Get(cacheKey); ok {
			f.hits.Add(1)
			return &TranslatedQuery{Plan: cached, Context: model.NewEvaluationContext(query, params)}, nil
		}
		f.misses.Add(1)
	}

	stmt, err := f.parse(defaultTableSpace, query)
	if err != nil {
		return nil, err
	}
	executionPlan := plan.Simple(stmt)
	if allowCache {
		f.cache.Add(cacheKey, executionPlan)
	}
	return &TranslatedQuery{Plan: executionPlan, Context: model.NewEvaluationContext(query, params)}, nil
}

func (f *fallbackPlanner) parse(defaultTableSpace, query string) (model.Statement, error) {
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "BEGIN"):
		return &model.BeginTransactionStatement{TableSpaceName: defaultTableSpace}, nil
	case strings.HasPrefix(upper, "COMMIT"):
		return &model.CommitTransactionStatement{TableSpaceName: defaultTableSpace}, nil
	case strings.HasPrefix(upper, "ROLLBACK"):
		return &model.RollbackTransactionStatement{TableSpaceName: defaultTableSpace}, nil
	case strings.HasPrefix(upper, "EXECUTE"):
		return parseExecute(defaultTableSpace, query)
	case strings.HasPrefix(upper, "CREATE TABLE"):
		return parseCreateTable(defaultTableSpace, query)
	case strings.HasPrefix(upper, "DROP TABLE"):
		return parseDropTable(defaultTableSpace, query)
	case strings.HasPrefix(upper, "ALTER TABLE"):
		return parseAlterTable(defaultTableSpace, query)
	case strings.HasPrefix(upper, "TRUNCATE"):
		return parseTruncate(defaultTableSpace, query)
	default:
		return nil, model.StatementExecutionErrorf("unsupported statement %q", query)
	}
}

// parseExecute handles the procedural transaction-control forms:
// EXECUTE BEGINTRANSACTION 'ts', EXECUTE COMMITTRANSACTION 'ts',tx,
// EXECUTE ROLLBACKTRANSACTION 'ts',tx.
func parseExecute(defaultTableSpace, query string) (model.Statement, error) {
	rest := strings.TrimSpace(query[len("EXECUTE"):])
	verb := rest
	args := ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		verb = rest[:i]
		args = strings.TrimSpace(rest[i+1:])
	}

	tableSpace, txID, err := parseExecuteArgs(defaultTableSpace, args)
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(verb) {
	case "BEGINTRANSACTION":
		return &model.BeginTransactionStatement{TableSpaceName: tableSpace}, nil
	case "COMMITTRANSACTION":
		return &model.CommitTransactionStatement{TableSpaceName: tableSpace, TxID: txID}, nil
	case "ROLLBACKTRANSACTION":
		return &model.RollbackTransactionStatement{TableSpaceName: tableSpace, TxID: txID}, nil
	default:
		return nil, model.StatementExecutionErrorf("unsupported EXECUTE procedure %s", verb)
	}
}

func parseExecuteArgs(defaultTableSpace, args string) (string, int64, error) {
	tableSpace := defaultTableSpace
	var txID int64
	if args == "" {
		return tableSpace, 0, nil
	}
	parts := strings.SplitN(args, ",", 2)
	ts := strings.Trim(strings.TrimSpace(parts[0]), "'")
	if ts != "" {
		tableSpace = ts
	}
	if len(parts) == 2 {
		n, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			return "", 0, model.NewStatementExecutionError("bad transaction id", err)
		}
		txID = n
	}
	return tableSpace, txID, nil
}

func parseCreateTable(defaultTableSpace, query string) (model.Statement, error) {
	open := strings.Index(query, "(")
	closing := strings.LastIndex(query, ")")
	if open < 0 || closing < open {
		return nil, model.StatementExecutionErrorf("bad CREATE TABLE syntax in %q", query)
	}

	head := strings.Fields(query[:open])
	if len(head) < 3 {
		return nil, model.StatementExecutionErrorf("bad CREATE TABLE syntax in %q", query)
	}
	tableSpace, name := splitQualifiedName(defaultTableSpace, head[2])

	table := &model.Table{TableSpace: tableSpace, Name: strings.ToLower(name)}
	for _, def := range splitTopLevel(query[open+1 : closing]) {
		def = strings.TrimSpace(def)
		if def == "" {
			continue
		}
		upperDef := strings.ToUpper(def)
		if strings.HasPrefix(upperDef, "PRIMARY KEY") {
			inner := strings.TrimSpace(def[len("PRIMARY KEY"):])
			inner = strings.Trim(inner, "()")
			for _, k := range strings.Split(inner, ",") {
				table.PrimaryKey = append(table.PrimaryKey, strings.ToLower(strings.TrimSpace(k)))
			}
			continue
		}
		fields := strings.Fields(def)
		if len(fields) < 2 {
			return nil, model.StatementExecutionErrorf("bad column definition %q", def)
		}
		colType, err := parseColumnType(fields[1])
		if err != nil {
			return nil, err
		}
		colName := strings.ToLower(fields[0])
		table.Columns = append(table.Columns, model.NewColumn(colName, colType))
		if strings.Contains(strings.ToUpper(def), "PRIMARY KEY") {
			table.PrimaryKey = append(table.PrimaryKey, colName)
		}
	}
	if err := table.Validate(); err != nil {
		return nil, model.NewStatementExecutionError("bad table definition", err)
	}
	return &model.CreateTableStatement{Table: table}, nil
}

func parseDropTable(defaultTableSpace, query string) (model.Statement, error) {
	fields := strings.Fields(query)
	ifExists := false
	nameIndex := 2
	if len(fields) >= 5 &&
		strings.EqualFold(fields[2], "if") && strings.EqualFold(fields[3], "exists") {
		ifExists = true
		nameIndex = 4
	}
	if len(fields) <= nameIndex {
		return nil, model.StatementExecutionErrorf("bad DROP TABLE syntax in %q", query)
	}
	tableSpace, name := splitQualifiedName(defaultTableSpace, fields[nameIndex])
	return &model.DropTableStatement{
		TableSpaceName: tableSpace,
		Table:          strings.ToLower(name),
		IfExists:       ifExists,
	}, nil
}

func parseAlterTable(defaultTableSpace, query string) (model.Statement, error) {
	fields := strings.Fields(query)
	if len(fields) < 5 {
		return nil, model.StatementExecutionErrorf("bad ALTER TABLE syntax in %q", query)
	}
	tableSpace, name := splitQualifiedName(defaultTableSpace, fields[2])
	action := strings.ToUpper(fields[3])
	rest := fields[4:]
	if len(rest) > 0 && strings.EqualFold(rest[0], "column") {
		rest = rest[1:]
	}
	switch action {
	case "ADD":
		if len(rest) < 2 {
			return nil, model.StatementExecutionErrorf("bad ALTER TABLE ADD syntax in %q", query)
		}
		colType, err := parseColumnType(rest[1])
		if err != nil {
			return nil, err
		}
		return &model.AlterTableStatement{
			TableSpaceName: tableSpace,
			Table:          strings.ToLower(name),
			Action:         model.AlterAddColumn,
			Column:         model.NewColumn(strings.ToLower(rest[0]), colType),
		}, nil
	case "DROP":
		if len(rest) < 1 {
			return nil, model.StatementExecutionErrorf("bad ALTER TABLE DROP syntax in %q", query)
		}
		return &model.AlterTableStatement{
			TableSpaceName: tableSpace,
			Table:          strings.ToLower(name),
			Action:         model.AlterDropColumn,
			Column:         model.Column{Name: strings.ToLower(rest[0])},
		}, nil
	default:
		return nil, model.StatementExecutionErrorf("unsupported ALTER TABLE action %s", action)
	}
}

func parseTruncate(defaultTableSpace, query string) (model.Statement, error) {
	fields := strings.Fields(query)
	nameIndex := 1
	if len(fields) >= 2 && strings.EqualFold(fields[1], "table") {
		nameIndex = 2
	}
	if len(fields) <= nameIndex {
		return nil, model.StatementExecutionErrorf("bad TRUNCATE syntax in %q", query)
	}
	tableSpace, name := splitQualifiedName(defaultTableSpace, fields[nameIndex])
	return &model.TruncateTableStatement{
		TableSpaceName: tableSpace,
		Table:          strings.ToLower(name),
	}, nil
}

func splitQualifiedName(defaultTableSpace, name string) (string, string) {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return defaultTableSpace, name
}

// splitTopLevel splits a comma-separated list, ignoring commas inside
// parentheses (composite primary keys).
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func parseColumnType(typeName string) (model.ColumnType, error) {
	base := strings.ToLower(typeName)
	if i := strings.Index(base, "("); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "string", "varchar", "char", "text":
		return model.TypeString, nil
	case "int", "integer":
		return model.TypeInteger, nil
	case "long", "bigint":
		return model.TypeLong, nil
	case "bytea", "blob", "varbinary":
		return model.TypeByteArray, nil
	case "timestamp", "datetime":
		return model.TypeTimestamp, nil
	case "boolean", "bool":
		return model.TypeBoolean, nil
	default:
		return 0, model.StatementExecutionErrorf("unsupported column type %s", typeName)
	}
}
