package server

import (
	"time"

	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
	"github.com/granitedb/granite/wire"
)

// Engine is the storage engine as seen by the session layer. Implementations
// must be safe under concurrent access from many sessions.
type Engine interface {
	// ExecutePlan runs a translated plan.
	ExecutePlan(p *plan.ExecutionPlan, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error)
	// ExecuteStatement runs a single statement outside any plan. The session
	// uses it for the teardown rollbacks.
	ExecuteStatement(st model.Statement, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error)
	// TableMetadata resolves the schema of one table, for primary-key
	// decoding.
	TableMetadata(tableSpace, table string) (*model.Table, error)
	// DumpTableSpace streams a table-space dump directly on the channel.
	// The session does not own the dump state.
	DumpTableSpace(tableSpace, dumpID string, request *wire.Message, ch wire.Channel, fetchSize int) error
}

// ConnectionInfo is the monitoring view of one session, served by the admin
// endpoint.
type ConnectionInfo struct {
	ID            int64     `json:"id"`
	ConnectedAt   time.Time `json:"connectedAt"`
	Username      string    `json:"username"`
	Address       string    `json:"address"`
	OpenScanners  int       `json:"openScanners"`
	OpenTxCount   int       `json:"openTransactions"`
	Authenticated bool      `json:"authenticated"`
}
