// Package rpcmsg implements the scatter-gather message representation that
// sits between the XDR codec (pkg/xdr) and the record framer (pkg/rpcframe):
// a Message is built (or parsed) as a sequence of spans, some owned by a
// private scratch Buffer and some referencing externally-owned Buffers, so
// that large opaque payloads (GSS tokens, call arguments) can be attached
// without a copy.
package rpcmsg

import "sync/atomic"

// Buffer is a reference-counted byte region. Multiple Messages may hold a
// reference to the same Buffer (for example a received datagram kept alive
// across a retransmit window); the backing array is released for reuse only
// once every holder has called Release.
type Buffer struct {
	data     []byte
	refs     int32
	onRelease func([]byte)
}

// NewBuffer wraps data in a Buffer with a single reference. onRelease, if
// non-nil, is invoked with the backing slice once the last reference is
// released — the hook a pool-backed allocator (pkg/bufpool) uses to return
// the slice to its pool.
func NewBuffer(data []byte, onRelease func([]byte)) *Buffer {
	return &Buffer{data: data, refs: 1, onRelease: onRelease}
}

// Bytes returns the buffer's contents. Valid only while the caller holds a
// reference.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the number of bytes in the buffer.
func (b *Buffer) Len() int { return len(b.data) }

// Retain adds a reference, returning b for chaining.
func (b *Buffer) Retain() *Buffer {
	atomic.AddInt32(&b.refs, 1)
	return b
}

// Release drops a reference. Once the count reaches zero, onRelease is
// invoked with the backing slice and the Buffer must not be used again.
func (b *Buffer) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 && b.onRelease != nil {
		b.onRelease(b.data)
	}
}
