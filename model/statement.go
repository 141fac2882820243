package model

// Statement is a single executable statement. Concrete statements are plain
// data; execution belongs to the engine.
type Statement interface {
	// TableSpace is the table space the statement targets.
	TableSpace() string
}

// TableAware is implemented by statements bound to a single table. The
// session uses it to resolve the schema for primary-key decoding.
type TableAware interface {
	TableName() string
}

// ScanStatement reads rows from one table, optionally filtered and bounded.
type ScanStatement struct {
	TableSpaceName string
	Table          *Table
	Predicate      Predicate
	Limits         *ScanLimits
}

func (s *ScanStatement) TableSpace() string { return s.TableSpaceName }
func (s *ScanStatement) TableName() string  { return s.Table.Name }

// DeleteStatement removes the rows matching Predicate (all rows when nil).
type DeleteStatement struct {
	TableSpaceName string
	Table          string
	Predicate      Predicate
	ReturnValues   bool
}

func (s *DeleteStatement) TableSpace() string { return s.TableSpaceName }
func (s *DeleteStatement) TableName() string  { return s.Table }

// UpdateStatement rewrites the rows matching Predicate through Function.
type UpdateStatement struct {
	TableSpaceName string
	Table          string
	Function       RecordFunction
	Predicate      Predicate
	ReturnValues   bool
}

func (s *UpdateStatement) TableSpace() string { return s.TableSpaceName }
func (s *UpdateStatement) TableName() string  { return s.Table }

// BeginTransactionStatement opens a transaction on a table space.
type BeginTransactionStatement struct {
	TableSpaceName string
}

func (s *BeginTransactionStatement) TableSpace() string { return s.TableSpaceName }

// CommitTransactionStatement commits the transaction named by the
// execution's TransactionContext (or TxID when set explicitly).
type CommitTransactionStatement struct {
	TableSpaceName string
	TxID           int64
}

func (s *CommitTransactionStatement) TableSpace() string { return s.TableSpaceName }

// RollbackTransactionStatement rolls back a transaction. The session issues
// one per tracked transaction at teardown.
type RollbackTransactionStatement struct {
	TableSpaceName string
	TxID           int64
}

func (s *RollbackTransactionStatement) TableSpace() string { return s.TableSpaceName }

// CreateTableStatement creates a table from its full definition.
type CreateTableStatement struct {
	Table *Table
}

func (s *CreateTableStatement) TableSpace() string { return s.Table.TableSpace }
func (s *CreateTableStatement) TableName() string  { return s.Table.Name }

// DropTableStatement drops a table.
type DropTableStatement struct {
	TableSpaceName string
	Table          string
	IfExists       bool
}

func (s *DropTableStatement) TableSpace() string { return s.TableSpaceName }
func (s *DropTableStatement) TableName() string  { return s.Table }

// AlterTableAction distinguishes the supported ALTER TABLE operations.
type AlterTableAction int

const (
	AlterAddColumn AlterTableAction = iota
	AlterDropColumn
)

// AlterTableStatement adds or drops one column.
type AlterTableStatement struct {
	TableSpaceName string
	Table          string
	Action         AlterTableAction
	Column         Column
}

func (s *AlterTableStatement) TableSpace() string { return s.TableSpaceName }
func (s *AlterTableStatement) TableName() string  { return s.Table }

// TruncateTableStatement removes every row of a table.
type TruncateTableStatement struct {
	TableSpaceName string
	Table          string
}

func (s *TruncateTableStatement) TableSpace() string { return s.TableSpaceName }
func (s *TruncateTableStatement) TableName() string  { return s.Table }
