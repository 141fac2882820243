package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
	"github.com/granitedb/granite/wire"
)

const defaultFetchSize = 10

var errAuthRequired = errors.New("authentication required")

// SessionPeer owns one client channel. It drives the authentication
// handshake, then dispatches authenticated requests: statement execution,
// table-space dumps and the cursor lifecycle. Message handling is sequential
// in arrival order; teardown may run concurrently with nothing but the maps
// it iterates, which are mutex-guarded.
type SessionPeer struct {
	id          int64
	server      *Server
	channel     wire.Channel
	address     string
	remote      net.Addr
	connectedAt time.Time

	authenticated atomic.Bool

	// mu guards the fields below. The receive goroutine is the only writer;
	// teardown and the admin endpoint read concurrently.
	mu               sync.RWMutex
	username         string
	sasl             *SaslServer
	scanners         map[string]*scannerPeer
	openTransactions map[string]map[int64]struct{}
}

func newSessionPeer(id int64, server *Server, channel wire.Channel, remote net.Addr) *SessionPeer {
	return &SessionPeer{
		id:               id,
		server:           server,
		channel:          channel,
		address:          channel.RemoteAddr(),
		remote:           remote,
		connectedAt:      time.Now(),
		scanners:         make(map[string]*scannerPeer),
		openTransactions: make(map[string]map[int64]struct{}),
	}
}

// ID returns the session's monotonic id.
func (p *SessionPeer) ID() int64 { return p.id }

// Username returns the authenticated username ("" before authentication).
func (p *SessionPeer) Username() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.username
}

// Authenticated reports whether the SASL handshake completed.
func (p *SessionPeer) Authenticated() bool { return p.authenticated.Load() }

// ConnectionInfo returns the monitoring view of this session.
func (p *SessionPeer) ConnectionInfo() ConnectionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	openTx := 0
	for _, txs := range p.openTransactions {
		openTx += len(txs)
	}
	return ConnectionInfo{
		ID:            p.id,
		ConnectedAt:   p.connectedAt,
		Username:      p.username,
		Address:       p.address,
		OpenScanners:  len(p.scanners),
		OpenTxCount:   openTx,
		Authenticated: p.authenticated.Load(),
	}
}

// MessageReceived dispatches one inbound message.
func (p *SessionPeer) MessageReceived(msg *wire.Message, ch wire.Channel) {
	slog.Debug("Message received.", "session", p.id, "type", msg.Type)

	switch msg.Type {
	case wire.TypeSaslTokenRequest:
		p.handleSaslTokenRequest(msg, ch)
	case wire.TypeSaslTokenStep:
		p.handleSaslTokenStep(msg, ch)
	case wire.TypeExecuteStatement:
		if !p.requireAuth(msg, ch) {
			return
		}
		p.handleExecuteStatement(msg, ch)
	case wire.TypeRequestTableSpaceDump:
		if !p.requireAuth(msg, ch) {
			return
		}
		p.handleTableSpaceDump(msg, ch)
	case wire.TypeOpenScanner:
		if !p.requireAuth(msg, ch) {
			return
		}
		p.handleOpenScanner(msg, ch)
	case wire.TypeFetchScannerData:
		if !p.requireAuth(msg, ch) {
			return
		}
		p.handleFetchScannerData(msg, ch)
	case wire.TypeCloseScanner:
		if !p.requireAuth(msg, ch) {
			return
		}
		p.handleCloseScanner(msg, ch)
	default:
		ch.SendReply(msg, wire.ErrorReply(fmt.Errorf("unsupported message type %s", msg.Type)))
	}
}

func (p *SessionPeer) requireAuth(msg *wire.Message, ch wire.Channel) bool {
	if p.authenticated.Load() {
		return true
	}
	ch.SendReply(msg, wire.ErrorReply(fmt.Errorf("%w (client %s)", errAuthRequired, p.address)))
	return false
}

func (p *SessionPeer) handleSaslTokenRequest(msg *wire.Message, ch wire.Channel) {
	mech := msg.String("mech")

	p.mu.Lock()
	if p.sasl == nil {
		sasl, err := NewSaslServer(p.server.cfg.Users, mech)
		if err != nil {
			p.mu.Unlock()
			ch.SendReply(msg, wire.ErrorReply(errors.New("authentication failed")))
			return
		}
		p.sasl = sasl
	}
	sasl := p.sasl
	p.mu.Unlock()

	challenge, err := sasl.Response(nil)
	if err != nil {
		ch.SendReply(msg, wire.ErrorReply(errors.New("authentication failed")))
		return
	}
	ch.SendReply(msg, wire.SaslServerResponse(challenge))
}

func (p *SessionPeer) handleSaslTokenStep(msg *wire.Message, ch wire.Channel) {
	p.mu.RLock()
	sasl := p.sasl
	p.mu.RUnlock()

	if sasl == nil {
		ch.SendReply(msg, wire.ErrorReply(errors.New("authentication failed (SASL protocol error)")))
		return
	}

	challenge, err := sasl.Response(msg.Bytes("token"))
	if err != nil {
		banned := p.server.rateLimiter.RecordFailedAuth(p.remote)
		if IsAuthError(err) {
			slog.Warn("Authentication failed.", "session", p.id, "address", p.address, "banned", banned)
			ch.SendReply(msg, wire.ErrorReply(errors.New("authentication failed")))
			return
		}
		ch.SendReply(msg, wire.ErrorReply(err))
		return
	}

	if sasl.Complete() {
		p.mu.Lock()
		p.username = sasl.Username()
		p.sasl = nil
		p.mu.Unlock()
		p.authenticated.Store(true)
		p.server.rateLimiter.RecordSuccessfulAuth(p.remote)
		slog.Info("Client completed SASL authentication.", "session", p.id, "user", sasl.Username(), "address", p.address)
	}
	ch.SendReply(msg, wire.SaslServerResponse(challenge))
}

func (p *SessionPeer) handleExecuteStatement(msg *wire.Message, ch wire.Channel) {
	txID := msg.Int64("tx", 0)
	query := msg.String("query")
	tableSpace := msg.String("tableSpace")
	params := msg.List("params")

	txCtx := model.TransactionContext{TxID: txID}
	translated, err := p.server.translator.Translate(tableSpace, query, params, false, true, true, 0)
	if err != nil {
		p.replyStatementError(msg, ch, err)
		return
	}
	result, err := p.server.engine.ExecutePlan(translated.Plan, translated.Context, txCtx)
	if err != nil {
		p.replyStatementError(msg, ch, err)
		return
	}
	statementsCounter.WithLabelValues(result.Kind.String()).Inc()

	switch result.Kind {
	case model.ResultDML:
		var otherData map[string]any
		if result.Key != nil {
			key, err := p.decodePrimaryKey(translated.Plan, result.Key)
			if err != nil {
				p.replyStatementError(msg, ch, err)
				return
			}
			otherData = map[string]any{"key": key}
		}
		ch.SendReply(msg, wire.ExecuteStatementResult(result.UpdateCount, otherData))

	case model.ResultGet:
		if !result.Found {
			ch.SendReply(msg, wire.ExecuteStatementResult(0, nil))
			return
		}
		ch.SendReply(msg, wire.ExecuteStatementResult(1, result.Record))

	case model.ResultTransaction:
		p.trackTransaction(translated.Plan.Main.TableSpace(), result.TxID, result.Outcome)
		ch.SendReply(msg, wire.ExecuteStatementResult(1, map[string]any{"tx": result.TxID}))

	case model.ResultDDL:
		ch.SendReply(msg, wire.ExecuteStatementResult(1, nil))

	default:
		ch.SendReply(msg, wire.ErrorReply(fmt.Errorf("unknown result type %s", result.Kind)))
	}
}

// trackTransaction is the only mutator of the tracked-transaction set: BEGIN
// outcomes grow it, COMMIT/ROLLBACK outcomes shrink it.
func (p *SessionPeer) trackTransaction(tableSpace string, txID int64, outcome model.TxOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txs, ok := p.openTransactions[tableSpace]
	if !ok {
		txs = make(map[int64]struct{})
		p.openTransactions[tableSpace] = txs
	}
	switch outcome {
	case model.TxBegin:
		txs[txID] = struct{}{}
	case model.TxCommit, model.TxRollback:
		delete(txs, txID)
	}
}

func (p *SessionPeer) decodePrimaryKey(executionPlan *plan.ExecutionPlan, key []byte) (any, error) {
	tableSpace, tableName, ok := executionPlan.TableAware()
	if !ok {
		return nil, model.StatementExecutionErrorf("engine returned a key for a plan with no target table")
	}
	table, err := p.server.engine.TableMetadata(tableSpace, tableName)
	if err != nil {
		return nil, err
	}
	return model.DecodePrimaryKey(key, table)
}

func (p *SessionPeer) replyStatementError(msg *wire.Message, ch wire.Channel, err error) {
	statementErrorsCounter.Inc()
	reply := wire.ErrorReply(err)
	if model.IsNotLeader(err) {
		reply.SetParam("notLeader", true)
	}
	ch.SendReply(msg, reply)
}

func (p *SessionPeer) handleTableSpaceDump(msg *wire.Message, ch wire.Channel) {
	dumpID := msg.String("dumpId")
	tableSpace := msg.String("tableSpace")
	fetchSize := msg.Int("fetchSize", defaultFetchSize)

	if err := p.server.engine.DumpTableSpace(tableSpace, dumpID, msg, ch, fetchSize); err != nil {
		ch.SendReply(msg, wire.ErrorReply(err))
	}
}

func (p *SessionPeer) handleOpenScanner(msg *wire.Message, ch wire.Channel) {
	tableSpace := msg.String("tableSpace")
	txID := msg.Int64("tx", 0)
	query := msg.String("query")
	scannerID := msg.String("scannerId")
	fetchSize := msg.Int("fetchSize", defaultFetchSize)
	maxRows := msg.Int("maxRows", 0)
	params := msg.List("params")

	translated, err := p.server.translator.Translate(tableSpace, query, params, true, true, false, maxRows)
	if err != nil {
		p.replyStatementError(msg, ch, err)
		return
	}
	if !translated.Plan.IsScan() {
		ch.SendReply(msg, wire.ErrorReply(fmt.Errorf("unsupported query type for scan %s", query)))
		return
	}

	txCtx := model.TransactionContext{TxID: txID}
	result, err := p.server.engine.ExecutePlan(translated.Plan, translated.Context, txCtx)
	if err != nil {
		p.removeScanner(scannerID)
		p.replyStatementError(msg, ch, err)
		return
	}
	if result.Kind != model.ResultScan || result.Scanner == nil {
		ch.SendReply(msg, wire.ErrorReply(fmt.Errorf("unknown result type %s for scan", result.Kind)))
		return
	}

	scanner := result.Scanner
	if maxRows > 0 {
		scanner = model.NewLimitedDataScanner(scanner, model.ScanLimits{MaxRows: maxRows})
	}

	rows, err := scanner.Consume(fetchSize)
	if err != nil {
		p.removeScanner(scannerID)
		p.replyStatementError(msg, ch, err)
		return
	}
	columns := columnNames(scanner.Schema())
	last := scanner.Finished()

	slog.Debug("Sending first records to scanner.", "session", p.id, "scanner", scannerID, "rows", len(rows), "last", last)
	if !last {
		p.registerScanner(newScannerPeer(scannerID, scanner))
	}
	ch.SendReply(msg, wire.ResultSetChunk(nil, scannerID, columns, tuplesToMaps(rows), last))
}

func (p *SessionPeer) handleFetchScannerData(msg *wire.Message, ch wire.Channel) {
	scannerID := msg.String("scannerId")
	fetchSize := msg.Int("fetchSize", defaultFetchSize)

	p.mu.RLock()
	scanner, ok := p.scanners[scannerID]
	known := make([]string, 0, len(p.scanners))
	for id := range p.scanners {
		known = append(known, id)
	}
	p.mu.RUnlock()

	if !ok {
		reply := wire.ErrorReply(fmt.Errorf("no such scanner %s, only %v", scannerID, known))
		reply.SetParam("scannerId", scannerID)
		ch.SendReply(msg, reply)
		return
	}

	rows, err := scanner.scanner.Consume(fetchSize)
	if err != nil {
		// The cursor is unregistered before the error reply.
		if removed := p.removeScanner(scannerID); removed != nil {
			removed.close()
		}
		reply := wire.ErrorReply(err)
		reply.SetParam("scannerId", scannerID)
		ch.SendReply(msg, reply)
		return
	}
	columns := columnNames(scanner.scanner.Schema())
	last := false
	if scanner.scanner.Finished() {
		slog.Debug("Unregistering scanner, result set is finished.", "session", p.id, "scanner", scannerID)
		if removed := p.removeScanner(scannerID); removed != nil {
			removed.close()
		}
		last = true
	}
	ch.SendReply(msg, wire.ResultSetChunk(nil, scannerID, columns, tuplesToMaps(rows), last))
}

func (p *SessionPeer) handleCloseScanner(msg *wire.Message, ch wire.Channel) {
	scannerID := msg.String("scannerId")
	slog.Debug("Removing scanner as requested by client.", "session", p.id, "scanner", scannerID)

	removed := p.removeScanner(scannerID)
	if removed == nil {
		reply := wire.ErrorReply(fmt.Errorf("no such scanner %s", scannerID))
		reply.SetParam("scannerId", scannerID)
		ch.SendReply(msg, reply)
		return
	}
	removed.clientClose()
	ch.SendReply(msg, wire.Ack().SetParam("scannerId", scannerID))
}

// registerScanner stores the cursor under its client-chosen id. Re-opening
// an id already present replaces the previous cursor cleanly: the superseded
// cursor is closed first.
func (p *SessionPeer) registerScanner(scanner *scannerPeer) {
	p.mu.Lock()
	previous := p.scanners[scanner.id]
	p.scanners[scanner.id] = scanner
	p.mu.Unlock()
	if previous != nil {
		previous.close()
	} else {
		scannersGauge.Inc()
	}
}

func (p *SessionPeer) removeScanner(id string) *scannerPeer {
	p.mu.Lock()
	scanner, ok := p.scanners[id]
	delete(p.scanners, id)
	p.mu.Unlock()
	if ok {
		scannersGauge.Dec()
		return scanner
	}
	return nil
}

// ChannelClosed is fatal for the session: every tracked transaction is
// rolled back (errors logged and swallowed), every remaining cursor closed,
// and all tracking structures cleared. No engine callback may resurrect
// state afterwards.
func (p *SessionPeer) ChannelClosed(wire.Channel) {
	slog.Info("Channel closed.", "session", p.id, "user", p.Username(), "address", p.address)
	p.freeResources()
	p.server.sessionClosed(p)
}

func (p *SessionPeer) freeResources() {
	p.mu.Lock()
	openTransactions := p.openTransactions
	scanners := p.scanners
	p.openTransactions = make(map[string]map[int64]struct{})
	p.scanners = make(map[string]*scannerPeer)
	p.mu.Unlock()

	for tableSpace, txs := range openTransactions {
		for txID := range txs {
			slog.Info("Rolling back transaction at teardown.", "session", p.id, "tableSpace", tableSpace, "tx", txID)
			statement := &model.RollbackTransactionStatement{TableSpaceName: tableSpace, TxID: txID}
			_, err := p.server.engine.ExecuteStatement(statement, model.DefaultEvaluationContext(), model.NoTransaction)
			if err != nil {
				slog.Warn("Error while rolling back transaction at teardown.", "session", p.id, "tableSpace", tableSpace, "tx", txID, "error", err)
				continue
			}
			teardownRollbacksCounter.Inc()
		}
	}

	for _, scanner := range scanners {
		scanner.close()
		scannersGauge.Dec()
	}
}

func columnNames(schema []model.Column) []string {
	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = c.Name
	}
	return names
}

func tuplesToMaps(rows []model.Tuple) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = map[string]any(r)
	}
	return out
}
