package server

import (
	"net"
	"testing"
	"time"

	"github.com/granitedb/granite/memengine"
	"github.com/granitedb/granite/wire"
)

// startTestServer runs a real listener on an ephemeral port and returns a
// connected client channel.
func startTestServer(t *testing.T) (*Server, *wire.TCPChannel) {
	t.Helper()
	engine := memengine.New("node-1", "ts1")
	srv, err := New(Config{
		Host:  "127.0.0.1",
		Port:  0,
		Users: map[string]string{"alice": "secret"},
	}, engine, engine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			t.Errorf("ListenAndServe: %v", err)
		}
	}()
	t.Cleanup(srv.Close)

	var addr string
	for i := 0; i < 200; i++ {
		if addr = srv.Addr(); addr != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("listener did not come up")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	client := wire.NewTCPChannel(conn, wire.NewBufferPool())
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func roundTrip(t *testing.T, client *wire.TCPChannel, msg *wire.Message) *wire.Message {
	t.Helper()
	if err := client.WriteRequest(msg); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	reply, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if reply.ReplyTo != msg.ID {
		t.Fatalf("replyTo = %d, want %d", reply.ReplyTo, msg.ID)
	}
	return reply
}

func TestServer_EndToEndOverTCP(t *testing.T) {
	_, client := startTestServer(t)

	// SASL PLAIN handshake.
	reply := roundTrip(t, client, wire.NewMessage(wire.TypeSaslTokenRequest, map[string]any{"mech": MechPlain}))
	if reply.Type != wire.TypeSaslServerResponse {
		t.Fatalf("token request reply = %s %v", reply.Type, reply.Params)
	}
	reply = roundTrip(t, client, wire.NewMessage(wire.TypeSaslTokenStep, map[string]any{
		"token": []byte("\x00alice\x00secret"),
	}))
	if reply.Type != wire.TypeSaslServerResponse {
		t.Fatalf("token step reply = %s %v", reply.Type, reply.Params)
	}

	exec := func(query string) *wire.Message {
		return roundTrip(t, client, wire.NewMessage(wire.TypeExecuteStatement, map[string]any{
			"query":      query,
			"tableSpace": "ts1",
		}))
	}

	if reply := exec("CREATE TABLE t (a int primary key, b string)"); reply.Type != wire.TypeExecuteStatementResult {
		t.Fatalf("create reply = %s %v", reply.Type, reply.Params)
	}
	for _, q := range []string{
		"INSERT INTO t(a, b) VALUES (1, 'one')",
		"INSERT INTO t(a, b) VALUES (2, 'two')",
		"INSERT INTO t(a, b) VALUES (3, 'three')",
	} {
		reply := exec(q)
		if reply.Type != wire.TypeExecuteStatementResult || reply.Int("updateCount", -1) != 1 {
			t.Fatalf("insert reply = %s %v", reply.Type, reply.Params)
		}
	}

	// Streaming cursor over the wire.
	chunk := roundTrip(t, client, wire.NewMessage(wire.TypeOpenScanner, map[string]any{
		"query":      "SELECT a, b FROM t ORDER BY a",
		"tableSpace": "ts1",
		"scannerId":  "c1",
		"fetchSize":  2,
	}))
	if chunk.Type != wire.TypeResultSetChunk {
		t.Fatalf("open reply = %s %v", chunk.Type, chunk.Params)
	}
	if rows := chunk.List("rows"); len(rows) != 2 {
		t.Fatalf("first chunk rows = %d", len(rows))
	}
	if last, _ := chunk.Params["last"].(bool); last {
		t.Fatal("first chunk must not be last")
	}
	columns := chunk.List("columns")
	if len(columns) != 2 || columns[0] != "a" || columns[1] != "b" {
		t.Fatalf("columns = %v", columns)
	}

	chunk = roundTrip(t, client, wire.NewMessage(wire.TypeFetchScannerData, map[string]any{
		"scannerId": "c1",
		"fetchSize": 2,
	}))
	if rows := chunk.List("rows"); len(rows) != 1 {
		t.Fatalf("second chunk rows = %d", len(rows))
	}
	if last, _ := chunk.Params["last"].(bool); !last {
		t.Fatal("second chunk must be last")
	}

	row, ok := chunk.List("rows")[0].(map[string]any)
	if !ok {
		t.Fatalf("row type = %T", chunk.List("rows")[0])
	}
	if row["b"] != "three" {
		t.Fatalf("row = %v", row)
	}
}

func TestServer_TableSpaceDumpStreamsOnChannel(t *testing.T) {
	_, client := startTestServer(t)

	roundTrip(t, client, wire.NewMessage(wire.TypeSaslTokenRequest, map[string]any{"mech": MechPlain}))
	roundTrip(t, client, wire.NewMessage(wire.TypeSaslTokenStep, map[string]any{
		"token": []byte("\x00alice\x00secret"),
	}))

	exec := func(query string) {
		reply := roundTrip(t, client, wire.NewMessage(wire.TypeExecuteStatement, map[string]any{
			"query":      query,
			"tableSpace": "ts1",
		}))
		if reply.Type != wire.TypeExecuteStatementResult {
			t.Fatalf("%q reply = %s %v", query, reply.Type, reply.Params)
		}
	}
	exec("CREATE TABLE d (k int primary key)")
	exec("INSERT INTO d(k) VALUES (1)")
	exec("INSERT INTO d(k) VALUES (2)")
	exec("INSERT INTO d(k) VALUES (3)")

	dump := wire.NewMessage(wire.TypeRequestTableSpaceDump, map[string]any{
		"dumpId":     "dump-1",
		"tableSpace": "ts1",
		"fetchSize":  2,
	})
	if err := client.WriteRequest(dump); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}

	totalRows := 0
	for {
		msg, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		if msg.String("dumpId") != "dump-1" {
			t.Fatalf("message without dump id: %v", msg.Params)
		}
		if msg.Type == wire.TypeAck {
			break
		}
		if msg.Type != wire.TypeResultSetChunk {
			t.Fatalf("dump message = %s %v", msg.Type, msg.Params)
		}
		totalRows += len(msg.List("rows"))
	}
	if totalRows != 3 {
		t.Fatalf("dumped rows = %d, want 3", totalRows)
	}
}
