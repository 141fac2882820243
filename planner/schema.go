package planner

import (
	"strings"

	"github.com/granitedb/granite/model"
)

// Metadata is the slice of the engine the planner needs to resolve names:
// the local table spaces, their table definitions, and the node identity
// stamped on materialized values.
type Metadata interface {
	LocalTableSpaces() []string
	TablesForPlanner(tableSpace string) ([]*model.Table, error)
	NodeID() string
}

// schemaColumn is a resolved column with its logical SQL type.
type schemaColumn struct {
	name    string
	sqlType SQLType
	engine  model.ColumnType
}

// schemaTable exposes one engine table to the validator.
type schemaTable struct {
	tableSpace string
	table      *model.Table
	columns    []schemaColumn
}

// rootSchema is the planner's view of all local table spaces, rebuilt from
// engine metadata for every translation.
type rootSchema struct {
	tableSpaces map[string]map[string]*schemaTable
}

func buildRootSchema(meta Metadata) (*rootSchema, error) {
	root := &rootSchema{tableSpaces: make(map[string]map[string]*schemaTable)}
	for _, ts := range meta.LocalTableSpaces() {
		tables, err := meta.TablesForPlanner(ts)
		if err != nil {
			return nil, model.NewStatementExecutionError("cannot read metadata for tablespace "+ts, err)
		}
		child := make(map[string]*schemaTable, len(tables))
		for _, table := range tables {
			st := &schemaTable{tableSpace: ts, table: table}
			for _, c := range table.Columns {
				st.columns = append(st.columns, schemaColumn{
					name:    c.Name,
					sqlType: toSQLType(c.Type),
					engine:  c.Type,
				})
			}
			child[strings.ToLower(table.Name)] = st
		}
		root.tableSpaces[ts] = child
	}
	return root, nil
}

// resolveTable finds a table by its optionally qualified name. Identifiers
// fold case-insensitively, matching the dialect configuration.
func (r *rootSchema) resolveTable(defaultTableSpace, qualifier, name string) (*schemaTable, error) {
	ts := defaultTableSpace
	if qualifier != "" {
		ts = qualifier
	}
	child, ok := r.tableSpaces[ts]
	if !ok {
		return nil, model.StatementExecutionErrorf("no such tablespace %s", ts)
	}
	st, ok := child[strings.ToLower(name)]
	if !ok {
		return nil, model.StatementExecutionErrorf("no such table %s.%s", ts, name)
	}
	return st, nil
}

// resolveColumn finds a column by case-insensitive name.
func (t *schemaTable) resolveColumn(name string) (schemaColumn, bool) {
	for _, c := range t.columns {
		if strings.EqualFold(c.name, name) {
			return c, true
		}
	}
	return schemaColumn{}, false
}
