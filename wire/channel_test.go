package wire

import (
	"net"
	"testing"
	"time"
)

func TestTCPChannel_ReplyRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	pool := NewBufferPool()
	serverChannel := NewTCPChannel(serverConn, pool)
	clientChannel := NewTCPChannel(clientConn, pool)
	defer serverChannel.Close()
	defer clientChannel.Close()

	request := NewMessage(TypeExecuteStatement, map[string]any{
		"query":      "SELECT * FROM t",
		"tableSpace": "ts1",
		"tx":         int64(7),
		"params":     []any{int64(1), "two"},
	})
	request.ID = 42

	done := make(chan error, 1)
	go func() {
		reply := ExecuteStatementResult(1, map[string]any{"key": int64(5)})
		serverChannel.SendReply(request, reply)
		done <- nil
	}()

	got, err := clientChannel.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	<-done

	if got.Type != TypeExecuteStatementResult {
		t.Fatalf("type = %s, want %s", got.Type, TypeExecuteStatementResult)
	}
	if got.ReplyTo != 42 {
		t.Fatalf("replyTo = %d, want 42", got.ReplyTo)
	}
	if got.Int("updateCount", -1) != 1 {
		t.Fatalf("updateCount = %d, want 1", got.Int("updateCount", -1))
	}
	data, ok := got.Params["data"].(map[string]any)
	if !ok {
		t.Fatalf("data param missing or mistyped: %T", got.Params["data"])
	}
	if key := data["key"]; key != uint64(5) && key != int64(5) {
		t.Fatalf("key = %v (%T)", key, key)
	}
}

func TestTCPChannel_ReceiveLoopDispatchesInOrder(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	pool := NewBufferPool()
	serverChannel := NewTCPChannel(serverConn, pool)
	clientChannel := NewTCPChannel(clientConn, pool)
	defer clientChannel.Close()

	receiver := &recordingReceiver{closed: make(chan struct{})}
	go serverChannel.Start(receiver)

	for i := 1; i <= 3; i++ {
		msg := NewMessage(TypeFetchScannerData, map[string]any{"scannerId": "s1", "fetchSize": i})
		if err := clientChannel.WriteRequest(msg); err != nil {
			t.Fatalf("WriteRequest error: %v", err)
		}
	}
	clientChannel.Close()

	select {
	case <-receiver.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("ChannelClosed was not reported")
	}

	if len(receiver.messages) != 3 {
		t.Fatalf("received %d messages, want 3", len(receiver.messages))
	}
	for i, msg := range receiver.messages {
		if got := msg.Int("fetchSize", -1); got != i+1 {
			t.Fatalf("message %d fetchSize = %d, want %d", i, got, i+1)
		}
	}
}

func TestTCPChannel_SendAfterCloseIsDropped(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	pool := NewBufferPool()
	serverChannel := NewTCPChannel(serverConn, pool)
	clientChannel := NewTCPChannel(clientConn, pool)

	serverChannel.Close()
	clientChannel.Close()

	// Must not block or panic once the channel is gone.
	serverChannel.SendReply(NewMessage(TypeAck, nil), Ack())
}

type recordingReceiver struct {
	messages []*Message
	closed   chan struct{}
}

func (r *recordingReceiver) MessageReceived(msg *Message, ch Channel) {
	r.messages = append(r.messages, msg)
}

func (r *recordingReceiver) ChannelClosed(Channel) {
	close(r.closed)
}
