package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameSize bounds inbound frames so a broken client cannot force huge
// allocations.
const maxFrameSize = 64 << 20

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Channel is one bidirectional message stream. Reply sends are considered
// non-blocking at the session layer; sends after close are dropped silently.
type Channel interface {
	// SendReply correlates reply to request and sends it.
	SendReply(request *Message, reply *Message)
	// RemoteAddr describes the peer endpoint.
	RemoteAddr() string
	// Close tears the channel down. Idempotent.
	Close() error
}

// MessageReceiver handles inbound traffic of one channel. MessageReceived is
// invoked sequentially in arrival order; ChannelClosed exactly once.
type MessageReceiver interface {
	MessageReceived(msg *Message, ch Channel)
	ChannelClosed(ch Channel)
}

// TCPChannel frames messages over a net.Conn: a 4-byte big-endian length
// prefix followed by a CBOR-encoded Message.
type TCPChannel struct {
	conn    net.Conn
	builder *FrameBuilder

	writeMu sync.Mutex
	closed  atomic.Bool
	nextID  atomic.Int64

	closeOnce sync.Once
}

// NewTCPChannel wraps conn. The channel does not read until Start is called.
func NewTCPChannel(conn net.Conn, pool *BufferPool) *TCPChannel {
	return &TCPChannel{
		conn:    conn,
		builder: NewFrameBuilder(pool),
	}
}

// Start runs the receive loop until the peer disconnects or a protocol error
// occurs, then reports ChannelClosed. It blocks; run it on the connection's
// goroutine.
func (c *TCPChannel) Start(receiver MessageReceiver) {
	defer func() {
		_ = c.Close()
		receiver.ChannelClosed(c)
	}()

	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
			return
		}
		frameLen := binary.BigEndian.Uint32(lenBuf[:])
		if frameLen == 0 || frameLen > maxFrameSize {
			return
		}
		payload := make([]byte, frameLen)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		var msg Message
		if err := decMode.Unmarshal(payload, &msg); err != nil {
			return
		}
		receiver.MessageReceived(&msg, c)
	}
}

// SendReply encodes and sends reply, correlated to request. Failures after
// channel close are swallowed: the peer is gone and in-flight results are
// allowed to evaporate.
func (c *TCPChannel) SendReply(request *Message, reply *Message) {
	if c.closed.Load() {
		return
	}
	reply.ID = c.nextID.Add(1)
	if request != nil {
		reply.ReplyTo = request.ID
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.builder.WriteUint32(0) // length prefix, patched below
	enc := encMode.NewEncoder(c.builder)
	if err := enc.Encode(reply); err != nil {
		// Encoding failure is a programmer error in reply construction.
		frame := c.builder.TakeFrame()
		c.builder.ReturnFrame(frame)
		panic(fmt.Sprintf("wire: cannot encode reply %s: %v", reply.Type, err))
	}
	c.builder.PatchUint32(0, uint32(c.builder.Len()-4))

	frame := c.builder.TakeFrame()
	_, err := c.conn.Write(frame)
	c.builder.ReturnFrame(frame)
	if err != nil {
		_ = c.Close()
	}
}

// RemoteAddr returns the peer address.
func (c *TCPChannel) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close shuts the connection down. Safe to call from any goroutine.
func (c *TCPChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// WriteRequest encodes and sends a request message. It exists for the test
// clients; the server itself only replies.
func (c *TCPChannel) WriteRequest(msg *Message) error {
	if c.closed.Load() {
		return errors.New("channel is closed")
	}
	if msg.ID == 0 {
		msg.ID = c.nextID.Add(1)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.builder.WriteUint32(0)
	enc := encMode.NewEncoder(c.builder)
	if err := enc.Encode(msg); err != nil {
		frame := c.builder.TakeFrame()
		c.builder.ReturnFrame(frame)
		return err
	}
	c.builder.PatchUint32(0, uint32(c.builder.Len()-4))

	frame := c.builder.TakeFrame()
	_, err := c.conn.Write(frame)
	c.builder.ReturnFrame(frame)
	return err
}

// ReadMessage reads one message synchronously. Test-client counterpart of the
// Start loop.
func (c *TCPChannel) ReadMessage() (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen == 0 || frameLen > maxFrameSize {
		return nil, fmt.Errorf("bad frame length %d", frameLen)
	}
	payload := make([]byte, frameLen)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return nil, err
	}
	var msg Message
	if err := decMode.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
