package server

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/granitedb/granite/memengine"
	"github.com/granitedb/granite/model"
	"github.com/granitedb/granite/plan"
	"github.com/granitedb/granite/wire"
)

// testChannel records replies instead of writing frames.
type testChannel struct {
	mu      sync.Mutex
	replies []*wire.Message
}

func (c *testChannel) SendReply(request *wire.Message, reply *wire.Message) {
	if request != nil {
		reply.ReplyTo = request.ID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies = append(c.replies, reply)
}

func (c *testChannel) RemoteAddr() string { return "test-client:1" }
func (c *testChannel) Close() error       { return nil }

func (c *testChannel) lastReply(t *testing.T) *wire.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		t.Fatal("no reply recorded")
	}
	return c.replies[len(c.replies)-1]
}

func (c *testChannel) replyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replies)
}

// recordingEngine wraps the in-memory engine and tracks the statements and
// scanners flowing through it.
type recordingEngine struct {
	*memengine.Engine

	mu         sync.Mutex
	statements []model.Statement
	scanners   []*trackedScanner
}

func (e *recordingEngine) ExecuteStatement(st model.Statement, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error) {
	e.mu.Lock()
	e.statements = append(e.statements, st)
	e.mu.Unlock()
	return e.Engine.ExecuteStatement(st, evalCtx, tx)
}

func (e *recordingEngine) ExecutePlan(p *plan.ExecutionPlan, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error) {
	result, err := e.Engine.ExecutePlan(p, evalCtx, tx)
	if err == nil && result.Kind == model.ResultScan {
		tracked := &trackedScanner{DataScanner: result.Scanner}
		e.mu.Lock()
		e.scanners = append(e.scanners, tracked)
		e.mu.Unlock()
		result.Scanner = tracked
	}
	return result, err
}

func (e *recordingEngine) rollbacks() []*model.RollbackTransactionStatement {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.RollbackTransactionStatement
	for _, st := range e.statements {
		if rb, ok := st.(*model.RollbackTransactionStatement); ok {
			out = append(out, rb)
		}
	}
	return out
}

func (e *recordingEngine) statementCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.statements)
}

type trackedScanner struct {
	model.DataScanner
	closed bool
}

func (s *trackedScanner) Close() error {
	s.closed = true
	return s.DataScanner.Close()
}

func newTestServer(t *testing.T) (*Server, *recordingEngine) {
	t.Helper()
	engine := &recordingEngine{Engine: memengine.New("node-1", "ts1")}
	srv, err := New(Config{
		Users: map[string]string{"alice": "secret"},
	}, engine, engine.Engine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return srv, engine
}

func newTestSession(t *testing.T) (*SessionPeer, *testChannel, *recordingEngine) {
	t.Helper()
	srv, engine := newTestServer(t)
	ch := &testChannel{}
	peer := newSessionPeer(srv.nextSessionID.Add(1), srv, ch, nil)
	srv.mu.Lock()
	srv.sessions[peer.id] = peer
	srv.mu.Unlock()
	return peer, ch, engine
}

func request(msgType wire.Type, params map[string]any) *wire.Message {
	msg := wire.NewMessage(msgType, params)
	msg.ID = 1
	return msg
}

// authenticate runs a full SASL PLAIN handshake with alice/secret.
func authenticate(t *testing.T, peer *SessionPeer, ch *testChannel) {
	t.Helper()
	peer.MessageReceived(request(wire.TypeSaslTokenRequest, map[string]any{"mech": MechPlain}), ch)
	if got := ch.lastReply(t); got.Type != wire.TypeSaslServerResponse {
		t.Fatalf("token request reply = %s: %v", got.Type, got.Params)
	}
	token := []byte("\x00alice\x00secret")
	peer.MessageReceived(request(wire.TypeSaslTokenStep, map[string]any{"token": token}), ch)
	if got := ch.lastReply(t); got.Type != wire.TypeSaslServerResponse {
		t.Fatalf("token step reply = %s: %v", got.Type, got.Params)
	}
	if !peer.Authenticated() || peer.Username() != "alice" {
		t.Fatalf("authenticated=%v username=%q", peer.Authenticated(), peer.Username())
	}
}

func execute(t *testing.T, peer *SessionPeer, ch *testChannel, query string, tx int64, params ...any) *wire.Message {
	t.Helper()
	peer.MessageReceived(request(wire.TypeExecuteStatement, map[string]any{
		"query":      query,
		"tableSpace": "ts1",
		"tx":         tx,
		"params":     params,
	}), ch)
	return ch.lastReply(t)
}

func seedTable(t *testing.T, peer *SessionPeer, ch *testChannel, rows int) {
	t.Helper()
	reply := execute(t, peer, ch, "CREATE TABLE t (a int primary key, b string)", 0)
	if reply.Type != wire.TypeExecuteStatementResult {
		t.Fatalf("create table reply: %v", reply.Params)
	}
	for i := 1; i <= rows; i++ {
		reply = execute(t, peer, ch, fmt.Sprintf("INSERT INTO t(a, b) VALUES (%d, 'row%d')", i, i), 0)
		if reply.Type != wire.TypeExecuteStatementResult || reply.Int("updateCount", -1) != 1 {
			t.Fatalf("insert reply: %v", reply.Params)
		}
	}
}

func TestSession_UnauthenticatedRequestsAreRejected(t *testing.T) {
	peer, ch, engine := newTestSession(t)

	types := []wire.Type{
		wire.TypeExecuteStatement,
		wire.TypeRequestTableSpaceDump,
		wire.TypeOpenScanner,
		wire.TypeFetchScannerData,
		wire.TypeCloseScanner,
	}
	for _, msgType := range types {
		peer.MessageReceived(request(msgType, map[string]any{"query": "SELECT 1"}), ch)
		reply := ch.lastReply(t)
		if reply.Type != wire.TypeError {
			t.Fatalf("%s: reply = %s", msgType, reply.Type)
		}
		if !strings.Contains(reply.String("error"), "authentication required") {
			t.Fatalf("%s: error = %q", msgType, reply.String("error"))
		}
	}
	if engine.statementCount() != 0 {
		t.Fatal("unauthenticated requests reached the engine")
	}
	if peer.Authenticated() {
		t.Fatal("session must stay unauthenticated")
	}
}

func TestSession_SaslPlainHandshake(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)
}

func TestSession_SaslStepWithoutRequest(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	peer.MessageReceived(request(wire.TypeSaslTokenStep, map[string]any{"token": []byte("x")}), ch)
	reply := ch.lastReply(t)
	if reply.Type != wire.TypeError || !strings.Contains(reply.String("error"), "SASL protocol error") {
		t.Fatalf("reply = %s %v", reply.Type, reply.Params)
	}
}

func TestSession_SaslBadCredentials(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	peer.MessageReceived(request(wire.TypeSaslTokenRequest, map[string]any{"mech": MechPlain}), ch)
	peer.MessageReceived(request(wire.TypeSaslTokenStep, map[string]any{"token": []byte("\x00alice\x00wrong")}), ch)

	reply := ch.lastReply(t)
	if reply.Type != wire.TypeError {
		t.Fatalf("reply = %s", reply.Type)
	}
	// Fixed message, no mechanism detail leak.
	if reply.String("error") != "authentication failed" {
		t.Fatalf("error = %q", reply.String("error"))
	}
	if peer.Authenticated() {
		t.Fatal("session must not authenticate")
	}
}

func TestSession_TransactionLifecycle(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 0)

	begin := execute(t, peer, ch, "BEGIN", 0)
	if begin.Type != wire.TypeExecuteStatementResult || begin.Int("updateCount", -1) != 1 {
		t.Fatalf("begin reply: %v", begin.Params)
	}
	data, _ := begin.Params["data"].(map[string]any)
	if data == nil {
		t.Fatalf("begin reply carries no data: %v", begin.Params)
	}
	txID, ok := data["tx"].(int64)
	if !ok || txID == 0 {
		t.Fatalf("begin tx = %v (%T)", data["tx"], data["tx"])
	}
	if info := peer.ConnectionInfo(); info.OpenTxCount != 1 {
		t.Fatalf("tracked tx count = %d, want 1", info.OpenTxCount)
	}

	insert := execute(t, peer, ch, "INSERT INTO t(a, b) VALUES (1, 'x')", txID)
	if insert.Int("updateCount", -1) != 1 {
		t.Fatalf("insert reply: %v", insert.Params)
	}
	insertData, _ := insert.Params["data"].(map[string]any)
	if insertData == nil || insertData["key"] != int32(1) {
		t.Fatalf("insert key = %v", insert.Params)
	}

	commit := execute(t, peer, ch, "COMMIT", txID)
	if commit.Int("updateCount", -1) != 1 {
		t.Fatalf("commit reply: %v", commit.Params)
	}
	if info := peer.ConnectionInfo(); info.OpenTxCount != 0 {
		t.Fatalf("tracked tx count after commit = %d, want 0", info.OpenTxCount)
	}
}

func TestSession_RollbackRemovesTrackedTransaction(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)

	begin := execute(t, peer, ch, "BEGIN", 0)
	data, _ := begin.Params["data"].(map[string]any)
	txID := data["tx"].(int64)
	if info := peer.ConnectionInfo(); info.OpenTxCount != 1 {
		t.Fatalf("tracked tx count = %d", info.OpenTxCount)
	}

	execute(t, peer, ch, "ROLLBACK", txID)
	if info := peer.ConnectionInfo(); info.OpenTxCount != 0 {
		t.Fatalf("tracked tx count after rollback = %d", info.OpenTxCount)
	}
}

// getEngine returns canned Get results so the result shaping can be checked
// without a primary-key lookup pipeline.
type getEngine struct {
	*memengine.Engine
	found bool
}

func (e *getEngine) ExecutePlan(p *plan.ExecutionPlan, evalCtx *model.EvaluationContext, tx model.TransactionContext) (model.StatementResult, error) {
	if !e.found {
		return model.GetNotFound(), nil
	}
	return model.GetFound(model.Tuple{"a": int32(1), "b": "one"}, nil), nil
}

func TestSession_GetResultShaping(t *testing.T) {
	for _, found := range []bool{true, false} {
		engine := &getEngine{Engine: memengine.New("node-1", "ts1"), found: found}
		srv, err := New(Config{Users: map[string]string{"alice": "secret"}}, engine, engine.Engine)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		ch := &testChannel{}
		peer := newSessionPeer(1, srv, ch, nil)
		authenticate(t, peer, ch)

		// A fast-path query keeps planning out of the way; the stub engine
		// answers with a Get result either way.
		reply := execute(t, peer, ch, "BEGIN", 0)
		if found {
			if reply.Int("updateCount", -1) != 1 {
				t.Fatalf("found reply: %v", reply.Params)
			}
			data, _ := reply.Params["data"].(map[string]any)
			if data == nil || data["b"] != "one" {
				t.Fatalf("found reply data: %v", reply.Params)
			}
		} else {
			if reply.Int("updateCount", -1) != 0 {
				t.Fatalf("not-found reply: %v", reply.Params)
			}
			if _, present := reply.Params["data"]; present {
				t.Fatalf("not-found reply carries data: %v", reply.Params)
			}
		}
	}
}

func TestSession_GetStyleReplyForDDL(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)

	reply := execute(t, peer, ch, "CREATE TABLE t (a int primary key)", 0)
	if reply.Type != wire.TypeExecuteStatementResult || reply.Int("updateCount", -1) != 1 {
		t.Fatalf("ddl reply: %v", reply.Params)
	}
	if _, present := reply.Params["data"]; present {
		t.Fatalf("ddl reply carries data: %v", reply.Params)
	}
}

func TestSession_ScannerLifecycle(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 5)

	peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
		"query":      "SELECT a FROM t ORDER BY a",
		"tableSpace": "ts1",
		"scannerId":  "s1",
		"fetchSize":  2,
	}), ch)
	chunk := ch.lastReply(t)
	if chunk.Type != wire.TypeResultSetChunk {
		t.Fatalf("open reply = %s %v", chunk.Type, chunk.Params)
	}
	if rows := chunk.List("rows"); len(rows) != 2 {
		t.Fatalf("first chunk rows = %d", len(rows))
	}
	if last, _ := chunk.Params["last"].(bool); last {
		t.Fatal("first chunk must not be last")
	}
	if info := peer.ConnectionInfo(); info.OpenScanners != 1 {
		t.Fatalf("open scanners = %d", info.OpenScanners)
	}

	fetch := func(size int) *wire.Message {
		peer.MessageReceived(request(wire.TypeFetchScannerData, map[string]any{
			"scannerId": "s1",
			"fetchSize": size,
		}), ch)
		return ch.lastReply(t)
	}

	second := fetch(2)
	if rows := second.List("rows"); len(rows) != 2 {
		t.Fatalf("second chunk rows = %d", len(rows))
	}
	if last, _ := second.Params["last"].(bool); last {
		t.Fatal("second chunk must not be last")
	}

	third := fetch(2)
	if rows := third.List("rows"); len(rows) != 1 {
		t.Fatalf("third chunk rows = %d", len(rows))
	}
	if last, _ := third.Params["last"].(bool); !last {
		t.Fatal("third chunk must be last")
	}
	if info := peer.ConnectionInfo(); info.OpenScanners != 0 {
		t.Fatalf("open scanners after exhaustion = %d", info.OpenScanners)
	}

	// The cursor id is gone; a further fetch is a diagnostic error.
	gone := fetch(2)
	if gone.Type != wire.TypeError {
		t.Fatalf("fetch after exhaustion = %s", gone.Type)
	}
	if gone.String("scannerId") != "s1" {
		t.Fatalf("error reply scannerId = %q", gone.String("scannerId"))
	}
}

func TestSession_OpenScannerOnEmptyTableNeverRegisters(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 0)

	peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
		"query":      "SELECT a FROM t",
		"tableSpace": "ts1",
		"scannerId":  "s-empty",
		"fetchSize":  10,
	}), ch)
	chunk := ch.lastReply(t)
	if chunk.Type != wire.TypeResultSetChunk {
		t.Fatalf("reply = %s %v", chunk.Type, chunk.Params)
	}
	if rows := chunk.List("rows"); len(rows) != 0 {
		t.Fatalf("rows = %d", len(rows))
	}
	if last, _ := chunk.Params["last"].(bool); !last {
		t.Fatal("empty scan must be last immediately")
	}
	if info := peer.ConnectionInfo(); info.OpenScanners != 0 {
		t.Fatalf("open scanners = %d", info.OpenScanners)
	}
}

func TestSession_OpenScannerRejectsNonScanStatements(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 0)

	peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
		"query":      "INSERT INTO t(a, b) VALUES (9, 'x')",
		"tableSpace": "ts1",
		"scannerId":  "s-bad",
	}), ch)
	reply := ch.lastReply(t)
	if reply.Type != wire.TypeError || !strings.Contains(reply.String("error"), "unsupported query type for scan") {
		t.Fatalf("reply = %s %v", reply.Type, reply.Params)
	}
	if info := peer.ConnectionInfo(); info.OpenScanners != 0 {
		t.Fatal("no cursor may be registered for a rejected open")
	}
}

func TestSession_OpenScannerMaxRowsBound(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 5)

	peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
		"query":      "SELECT a FROM t",
		"tableSpace": "ts1",
		"scannerId":  "s-max",
		"fetchSize":  10,
		"maxRows":    3,
	}), ch)
	chunk := ch.lastReply(t)
	if rows := chunk.List("rows"); len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}
	if last, _ := chunk.Params["last"].(bool); !last {
		t.Fatal("bounded scan must be last after consuming the bound")
	}
}

func TestSession_ReopeningScannerIDReplacesCleanly(t *testing.T) {
	peer, ch, engine := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 5)

	open := func() {
		peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
			"query":      "SELECT a FROM t",
			"tableSpace": "ts1",
			"scannerId":  "dup",
			"fetchSize":  1,
		}), ch)
	}
	open()
	open()

	if info := peer.ConnectionInfo(); info.OpenScanners != 1 {
		t.Fatalf("open scanners = %d, want 1", info.OpenScanners)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.scanners) != 2 {
		t.Fatalf("tracked scanners = %d", len(engine.scanners))
	}
	if !engine.scanners[0].closed {
		t.Fatal("superseded scanner was not closed")
	}
	if engine.scanners[1].closed {
		t.Fatal("replacement scanner must stay open")
	}
}

func TestSession_CloseScanner(t *testing.T) {
	peer, ch, engine := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 5)

	peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
		"query":      "SELECT a FROM t",
		"tableSpace": "ts1",
		"scannerId":  "c1",
		"fetchSize":  1,
	}), ch)

	peer.MessageReceived(request(wire.TypeCloseScanner, map[string]any{"scannerId": "c1"}), ch)
	ack := ch.lastReply(t)
	if ack.Type != wire.TypeAck || ack.String("scannerId") != "c1" {
		t.Fatalf("close reply = %s %v", ack.Type, ack.Params)
	}
	engine.mu.Lock()
	closed := engine.scanners[0].closed
	engine.mu.Unlock()
	if !closed {
		t.Fatal("client close must close the scanner")
	}

	peer.MessageReceived(request(wire.TypeCloseScanner, map[string]any{"scannerId": "c1"}), ch)
	if reply := ch.lastReply(t); reply.Type != wire.TypeError {
		t.Fatalf("closing an unknown scanner = %s", reply.Type)
	}
}

func TestSession_NotLeaderMarker(t *testing.T) {
	peer, ch, engine := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 1)

	engine.SetLeader("ts1", "node-2")

	reply := execute(t, peer, ch, "SELECT * FROM t", 0)
	if reply.Type != wire.TypeError {
		t.Fatalf("reply = %s", reply.Type)
	}
	if notLeader, _ := reply.Params["notLeader"].(bool); !notLeader {
		t.Fatalf("notLeader marker missing: %v", reply.Params)
	}
}

func TestSession_UnknownMessageType(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	peer.MessageReceived(request(wire.Type(99), nil), ch)
	reply := ch.lastReply(t)
	if reply.Type != wire.TypeError || !strings.Contains(reply.String("error"), "unsupported message type") {
		t.Fatalf("reply = %s %v", reply.Type, reply.Params)
	}
}

func TestSession_TeardownRollsBackAndClosesCursors(t *testing.T) {
	peer, ch, engine := newTestSession(t)
	authenticate(t, peer, ch)
	seedTable(t, peer, ch, 5)

	begin := execute(t, peer, ch, "BEGIN", 0)
	data, _ := begin.Params["data"].(map[string]any)
	txID := data["tx"].(int64)

	peer.MessageReceived(request(wire.TypeOpenScanner, map[string]any{
		"query":      "SELECT a FROM t",
		"tableSpace": "ts1",
		"scannerId":  "c1",
		"fetchSize":  1,
	}), ch)

	before := ch.replyCount()
	peer.ChannelClosed(ch)

	rollbacks := engine.rollbacks()
	if len(rollbacks) != 1 {
		t.Fatalf("rollbacks = %d, want 1", len(rollbacks))
	}
	if rollbacks[0].TableSpaceName != "ts1" || rollbacks[0].TxID != txID {
		t.Fatalf("rollback = %+v", rollbacks[0])
	}

	engine.mu.Lock()
	closed := engine.scanners[0].closed
	engine.mu.Unlock()
	if !closed {
		t.Fatal("teardown must close open cursors")
	}

	info := peer.ConnectionInfo()
	if info.OpenScanners != 0 || info.OpenTxCount != 0 {
		t.Fatalf("tracking structures not cleared: %+v", info)
	}
	if ch.replyCount() != before {
		t.Fatal("teardown must not emit replies")
	}

	// No further engine calls happen on behalf of this session.
	statements := engine.statementCount()
	peer.ChannelClosed(ch)
	if engine.statementCount() != statements {
		t.Fatal("second teardown reached the engine")
	}
}

func TestSession_ExecuteErrorsCarryMessage(t *testing.T) {
	peer, ch, _ := newTestSession(t)
	authenticate(t, peer, ch)

	reply := execute(t, peer, ch, "SELECT * FROM nosuch", 0)
	if reply.Type != wire.TypeError {
		t.Fatalf("reply = %s", reply.Type)
	}
	if !strings.Contains(reply.String("error"), "nosuch") {
		t.Fatalf("error = %q", reply.String("error"))
	}
}
