package wire

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

const initialFrameSize = 1024

// BufferPool hands out reusable byte buffers for frame encoding. Buffers are
// returned to the pool by FrameBuilder when a grow supersedes them, or by the
// channel once a frame has been flushed to the socket.
type BufferPool struct {
	pool sync.Pool

	gets atomic.Int64
	puts atomic.Int64
}

// NewBufferPool creates a pool producing buffers of at least initialFrameSize.
func NewBufferPool() *BufferPool {
	p := &BufferPool{}
	p.pool.New = func() any {
		buf := make([]byte, initialFrameSize)
		return &buf
	}
	return p
}

// Get leases a buffer with capacity of at least size.
func (p *BufferPool) Get(size int) []byte {
	p.gets.Add(1)
	buf := *(p.pool.Get().(*[]byte))
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	return buf[:cap(buf)]
}

// Put returns a buffer to the pool.
func (p *BufferPool) Put(buf []byte) {
	p.puts.Add(1)
	p.pool.Put(&buf)
}

// Stats returns the number of leases and returns so far.
func (p *BufferPool) Stats() (gets, puts int64) {
	return p.gets.Load(), p.puts.Load()
}

// FrameBuilder assembles one outbound frame in a pool-leased buffer. When the
// buffer must grow, the superseded buffer is released back to the pool as soon
// as its contents are copied into the replacement, before any new byte is
// appended. TakeFrame transfers the remaining
// buffer to the caller and requires the internal lease table to be empty
// afterwards; a leftover lease is a programmer error and panics.
type FrameBuilder struct {
	pool   *BufferPool
	buf    []byte
	n      int
	leases map[*byte]struct{}
}

// NewFrameBuilder creates a builder drawing from pool.
func NewFrameBuilder(pool *BufferPool) *FrameBuilder {
	return &FrameBuilder{pool: pool, leases: make(map[*byte]struct{})}
}

// Len returns the number of bytes written to the current frame.
func (b *FrameBuilder) Len() int { return b.n }

// Write appends p, growing the underlying buffer on demand. It never fails;
// the io.Writer signature serves the CBOR encoder.
func (b *FrameBuilder) Write(p []byte) (int, error) {
	b.ensure(len(p))
	copy(b.buf[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// WriteByte appends a single byte.
func (b *FrameBuilder) WriteByte(c byte) error {
	b.ensure(1)
	b.buf[b.n] = c
	b.n++
	return nil
}

// WriteUint32 appends v in big-endian order.
func (b *FrameBuilder) WriteUint32(v uint32) {
	b.ensure(4)
	binary.BigEndian.PutUint32(b.buf[b.n:], v)
	b.n += 4
}

// PatchUint32 overwrites 4 bytes at offset with v. Used to back-fill the
// frame length prefix once the payload size is known.
func (b *FrameBuilder) PatchUint32(offset int, v uint32) {
	if offset < 0 || offset+4 > b.n {
		panic(fmt.Sprintf("wire: patch at %d outside written frame of %d bytes", offset, b.n))
	}
	binary.BigEndian.PutUint32(b.buf[offset:], v)
}

func (b *FrameBuilder) ensure(n int) {
	if b.buf == nil {
		size := initialFrameSize
		for size < n {
			size *= 2
		}
		b.lease(size)
		return
	}
	if b.n+n <= len(b.buf) {
		return
	}
	size := len(b.buf) * 2
	for size < b.n+n {
		size *= 2
	}
	prev := b.buf
	b.lease(size)
	copy(b.buf, prev[:b.n])
	b.release(prev)
}

func (b *FrameBuilder) lease(size int) {
	buf := b.pool.Get(size)
	b.leases[&buf[0]] = struct{}{}
	b.buf = buf
}

func (b *FrameBuilder) release(buf []byte) {
	key := &buf[0]
	if _, ok := b.leases[key]; !ok {
		panic("wire: releasing a buffer that is not leased (double release?)")
	}
	delete(b.leases, key)
	b.pool.Put(buf)
}

// TakeFrame transfers the built frame to the caller. Ownership of the
// returned buffer moves with it: the caller must hand it back to the pool via
// ReturnFrame once the bytes are on the wire. The builder is left empty and
// reusable.
func (b *FrameBuilder) TakeFrame() []byte {
	if b.buf == nil {
		return nil
	}
	frame := b.buf[:b.n]
	delete(b.leases, &b.buf[0])
	if len(b.leases) != 0 {
		panic(fmt.Sprintf("wire: %d leased buffers left after frame extraction", len(b.leases)))
	}
	b.buf = nil
	b.n = 0
	return frame
}

// ReturnFrame gives a frame taken with TakeFrame back to the pool.
func (b *FrameBuilder) ReturnFrame(frame []byte) {
	if frame == nil {
		return
	}
	b.pool.Put(frame[:cap(frame)])
}
