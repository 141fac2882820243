// Package memengine is a single-node, in-memory storage engine. It backs
// development servers and the test suites; it implements the engine contract
// the session and the planner consume, without persistence or isolation
// between transactions.
package memengine

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
	"github.com/granitedb/granite/wire"
)

type tableData struct {
	schema *model.Table
	rows   []model.Tuple
}

type tableSpaceData struct {
	tables map[string]*tableData
}

// Engine is an in-memory engine hosting one or more table spaces. All
// methods are safe for concurrent use.
type Engine struct {
	nodeID string

	mu     sync.RWMutex
	spaces map[string]*tableSpaceData
	// leaders maps a table space to the node that took leadership away from
	// this one. Entries make every access produce a not-leader error.
	leaders map[string]string

	nextTx atomic.Int64
}

// New creates an engine hosting the given table spaces.
func New(nodeID string, tableSpaces ...string) *Engine {
	e := &Engine{
		nodeID:  nodeID,
		spaces:  make(map[string]*tableSpaceData),
		leaders: make(map[string]string),
	}
	for _, ts := range tableSpaces {
		e.spaces[ts] = &tableSpaceData{tables: make(map[string]*tableData)}
	}
	return e
}

// SetLeader marks tableSpace as led by another node; subsequent accesses
// fail with a not-leader error until cleared with leaderID "".
func (e *Engine) SetLeader(tableSpace, leaderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if leaderID == "" {
		delete(e.leaders, tableSpace)
		return
	}
	e.leaders[tableSpace] = leaderID
}

// LocalTableSpaces lists the hosted table spaces, sorted.
func (e *Engine) LocalTableSpaces() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.spaces))
	for ts := range e.spaces {
		out = append(out, ts)
	}
	sort.Strings(out)
	return out
}

// TablesForPlanner returns the table definitions of one table space.
func (e *Engine) TablesForPlanner(tableSpace string) ([]*model.Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	space, ok := e.spaces[tableSpace]
	if !ok {
		return nil, model.StatementExecutionErrorf("no such tablespace %s", tableSpace)
	}
	out := make([]*model.Table, 0, len(space.tables))
	for _, t := range space.tables {
		out = append(out, t.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// NodeID returns this node's identity.
func (e *Engine) NodeID() string { return e.nodeID }

// TableMetadata resolves one table's schema.
func (e *Engine) TableMetadata(tableSpace, table string) (*model.Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	td, err := e.lookupLocked(tableSpace, table)
	if err != nil {
		return nil, err
	}
	return td.schema, nil
}

func (e *Engine) lookupLocked(tableSpace, table string) (*tableData, error) {
	space, ok := e.spaces[tableSpace]
	if !ok {
		return nil, model.StatementExecutionErrorf("no such tablespace %s", tableSpace)
	}
	td, ok := space.tables[strings.ToLower(table)]
	if !ok {
		return nil, model.StatementExecutionErrorf("no such table %s.%s", tableSpace, table)
	}
	return td, nil
}

func (e *Engine) checkLeaderLocked(tableSpace string) error {
	if leader, ok := e.leaders[tableSpace]; ok {
		return &model.NotLeaderError{TableSpace: tableSpace, LeaderID: leader}
	}
	return nil
}

// ExecutePlan runs a translated plan.
func (e *Engine) ExecutePlan(p *plan.ExecutionPlan, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error) {
	if planned, ok := p.Main.(*plan.PlannedOperationStatement); ok {
		return e.executeOp(planned.Root, evalCtx, tx)
	}
	return e.ExecuteStatement(p.Main, evalCtx, tx)
}

// ExecuteStatement runs a single statement.
func (e *Engine) ExecuteStatement(st model.Statement, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkLeaderLocked(st.TableSpace()); err != nil {
		return model.StatementResult{}, err
	}

	switch s := st.(type) {
	case *model.BeginTransactionStatement:
		return model.TransactionResult(e.nextTx.Add(1), model.TxBegin), nil

	case *model.CommitTransactionStatement:
		txID := s.TxID
		if txID == 0 {
			txID = tx.TxID
		}
		return model.TransactionResult(txID, model.TxCommit), nil

	case *model.RollbackTransactionStatement:
		txID := s.TxID
		if txID == 0 {
			txID = tx.TxID
		}
		return model.TransactionResult(txID, model.TxRollback), nil

	case *model.CreateTableStatement:
		return e.createTableLocked(s)

	case *model.DropTableStatement:
		return e.dropTableLocked(s)

	case *model.AlterTableStatement:
		return e.alterTableLocked(s)

	case *model.TruncateTableStatement:
		td, err := e.lookupLocked(s.TableSpaceName, s.Table)
		if err != nil {
			return model.StatementResult{}, err
		}
		td.rows = nil
		return model.DDLResult(), nil

	case *model.ScanStatement:
		rows, err := e.scanLocked(s, evalCtx)
		if err != nil {
			return model.StatementResult{}, err
		}
		return model.ScanResult(model.NewSliceDataScanner(s.Table.Columns, rows)), nil

	default:
		return model.StatementResult{}, model.StatementExecutionErrorf("unsupported statement %T", st)
	}
}

func (e *Engine) createTableLocked(s *model.CreateTableStatement) (model.StatementResult, error) {
	space, ok := e.spaces[s.Table.TableSpace]
	if !ok {
		return model.StatementResult{}, model.StatementExecutionErrorf("no such tablespace %s", s.Table.TableSpace)
	}
	name := strings.ToLower(s.Table.Name)
	if _, exists := space.tables[name]; exists {
		return model.StatementResult{}, model.StatementExecutionErrorf("table %s already exists", name)
	}
	space.tables[name] = &tableData{schema: s.Table}
	return model.DDLResult(), nil
}

func (e *Engine) dropTableLocked(s *model.DropTableStatement) (model.StatementResult, error) {
	space, ok := e.spaces[s.TableSpaceName]
	if !ok {
		return model.StatementResult{}, model.StatementExecutionErrorf("no such tablespace %s", s.TableSpaceName)
	}
	name := strings.ToLower(s.Table)
	if _, exists := space.tables[name]; !exists {
		if s.IfExists {
			return model.DDLResult(), nil
		}
		return model.StatementResult{}, model.StatementExecutionErrorf("no such table %s.%s", s.TableSpaceName, name)
	}
	delete(space.tables, name)
	return model.DDLResult(), nil
}

func (e *Engine) alterTableLocked(s *model.AlterTableStatement) (model.StatementResult, error) {
	td, err := e.lookupLocked(s.TableSpaceName, s.Table)
	if err != nil {
		return model.StatementResult{}, err
	}
	old := td.schema
	updated := &model.Table{
		TableSpace: old.TableSpace,
		Name:       old.Name,
		PrimaryKey: old.PrimaryKey,
	}
	switch s.Action {
	case model.AlterAddColumn:
		updated.Columns = append(append([]model.Column{}, old.Columns...), s.Column)
	case model.AlterDropColumn:
		if old.IsPrimaryKey(s.Column.Name) {
			return model.StatementResult{}, model.StatementExecutionErrorf("cannot drop primary key column %s", s.Column.Name)
		}
		for _, c := range old.Columns {
			if !strings.EqualFold(c.Name, s.Column.Name) {
				updated.Columns = append(updated.Columns, c)
			}
		}
		if len(updated.Columns) == len(old.Columns) {
			return model.StatementResult{}, model.StatementExecutionErrorf("no such column %s", s.Column.Name)
		}
	}
	if err := updated.Validate(); err != nil {
		return model.StatementResult{}, model.NewStatementExecutionError("bad table definition", err)
	}
	td.schema = updated
	return model.DDLResult(), nil
}

func (e *Engine) scanLocked(s *model.ScanStatement, evalCtx *model.EvaluationContext) ([]model.Tuple, error) {
	td, err := e.lookupLocked(s.TableSpaceName, s.Table.Name)
	if err != nil {
		return nil, err
	}
	var out []model.Tuple
	for _, row := range td.rows {
		if s.Predicate != nil {
			match, err := s.Predicate.Matches(row, evalCtx)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		out = append(out, row.Clone())
	}
	if s.Limits != nil && s.Limits.MaxRows > 0 && len(out) > s.Limits.MaxRows {
		out = out[:s.Limits.MaxRows]
	}
	return out, nil
}

// DumpTableSpace streams every table of a table space directly on the
// channel as result-set chunks tagged with the dump id, followed by a final
// ack.
func (e *Engine) DumpTableSpace(tableSpace, dumpID string, request *wire.Message, ch wire.Channel, fetchSize int) error {
	e.mu.RLock()
	space, ok := e.spaces[tableSpace]
	if !ok {
		e.mu.RUnlock()
		return model.StatementExecutionErrorf("no such tablespace %s", tableSpace)
	}
	if err := e.checkLeaderLocked(tableSpace); err != nil {
		e.mu.RUnlock()
		return err
	}
	type dumpTable struct {
		name    string
		columns []model.Column
		rows    []model.Tuple
	}
	var tables []dumpTable
	for name, td := range space.tables {
		rows := make([]model.Tuple, len(td.rows))
		for i, r := range td.rows {
			rows[i] = r.Clone()
		}
		tables = append(tables, dumpTable{name: name, columns: td.schema.Columns, rows: rows})
	}
	e.mu.RUnlock()

	sort.Slice(tables, func(i, j int) bool { return tables[i].name < tables[j].name })

	if fetchSize <= 0 {
		fetchSize = 10
	}
	for _, t := range tables {
		columns := make([]string, len(t.columns))
		for i, c := range t.columns {
			columns[i] = c.Name
		}
		for start := 0; start < len(t.rows) || start == 0; start += fetchSize {
			end := start + fetchSize
			if end > len(t.rows) {
				end = len(t.rows)
			}
			chunk := make([]map[string]any, 0, end-start)
			for _, r := range t.rows[start:end] {
				chunk = append(chunk, map[string]any(r))
			}
			last := end == len(t.rows)
			msg := wire.ResultSetChunk(nil, dumpID, columns, chunk, last)
			msg.SetParam("dumpId", dumpID)
			msg.SetParam("table", t.name)
			ch.SendReply(request, msg)
			if last {
				break
			}
		}
	}
	ch.SendReply(request, wire.Ack().SetParam("dumpId", dumpID))
	return nil
}
