package rpcmsg

import (
	"io"

	"github.com/oncrpcd/oncrpc/pkg/xdr"
)

// spanKind distinguishes the three kinds of region a Message can be made of.
type spanKind int

const (
	scratchSpan spanKind = iota
	bufferSpan
	padSpan
)

// span is one entry of a Message's scatter-gather list. A scratchSpan
// references a byte range of the Message's own scratch buffer; a bufferSpan
// references an externally-owned Buffer for its whole lifetime; a padSpan is
// n zero bytes materialized only when the Message is flattened or written.
type span struct {
	kind  spanKind
	start int // scratchSpan: offset into scratch
	end   int // scratchSpan: offset into scratch
	buf   *Buffer
	n     int // padSpan length
}

func (s span) length() int {
	switch s.kind {
	case scratchSpan:
		return s.end - s.start
	case bufferSpan:
		return s.buf.Len()
	case padSpan:
		return s.n
	}
	return 0
}

// Message is a scatter-gather byte sequence: zero or more externally-owned
// Buffers interleaved with ranges of a private scratch buffer that the
// Message grows as values are written. The write cursor is always positioned
// inside the current (last) scratch span; appending a Buffer closes that
// span, records the reference, and opens a fresh scratch span so writes can
// resume afterward.
type Message struct {
	scratch      []byte
	spans        []span
	openStart    int // start offset of the currently-open scratch span
	totalLen     int
	refsHeld     []*Buffer // Buffers this Message has Retain()'d, released on Close
}

// NewMessage returns an empty Message with scratchHint bytes of initial
// scratch capacity.
func NewMessage(scratchHint int) *Message {
	if scratchHint <= 0 {
		scratchHint = 256
	}
	return &Message{scratch: make([]byte, 0, scratchHint)}
}

// Len returns the total number of bytes across every span, including the
// still-open scratch span.
func (m *Message) Len() int {
	return m.totalLen + (len(m.scratch) - m.openStart)
}

// closeScratchSpan records the currently-open scratch range as a span if
// non-empty, and advances totalLen.
func (m *Message) closeScratchSpan() {
	if len(m.scratch) > m.openStart {
		s := span{kind: scratchSpan, start: m.openStart, end: len(m.scratch)}
		m.spans = append(m.spans, s)
		m.totalLen += s.length()
		m.openStart = len(m.scratch)
	}
}

// AppendBuffer closes the current scratch span, appends buf as a referenced
// span (retaining a reference the Message releases on Close), and reopens a
// fresh scratch span so subsequent writes resume after it.
func (m *Message) AppendBuffer(buf *Buffer) {
	m.closeScratchSpan()
	buf.Retain()
	m.refsHeld = append(m.refsHeld, buf)
	m.spans = append(m.spans, span{kind: bufferSpan, buf: buf})
	m.totalLen += buf.Len()
}

// AppendPadding appends n zero bytes as a dedicated padding span, without
// growing the scratch buffer.
func (m *Message) AppendPadding(n int) {
	if n <= 0 {
		return
	}
	m.closeScratchSpan()
	m.spans = append(m.spans, span{kind: padSpan, n: n})
	m.totalLen += n
}

// Close releases every Buffer this Message retained via AppendBuffer. It
// must be called exactly once when the Message is done being sent or
// discarded.
func (m *Message) Close() {
	for _, b := range m.refsHeld {
		b.Release()
	}
	m.refsHeld = nil
}

// WriteInline implements xdr.Sink: it hands back a word-aligned window
// directly into the scratch buffer, growing it as needed. The write cursor
// stays inside the open scratch span per the Message's invariant.
func (m *Message) WriteInline(n int) []byte {
	if n%4 != 0 {
		return nil
	}
	start := len(m.scratch)
	m.scratch = append(m.scratch, make([]byte, n)...)
	return m.scratch[start : start+n]
}

// PutBytes implements xdr.Sink by appending p to the open scratch span.
func (m *Message) PutBytes(p []byte) error {
	m.scratch = append(m.scratch, p...)
	return nil
}

var _ xdr.Sink = (*Message)(nil)

// Iovecs flattens the Message into a net.Buffers-compatible slice of byte
// slices for vectored I/O, closing the currently-open scratch span first.
// Padding spans are materialized as zero slices at flatten time.
func (m *Message) Iovecs() [][]byte {
	m.closeScratchSpan()
	out := make([][]byte, 0, len(m.spans))
	for _, s := range m.spans {
		switch s.kind {
		case scratchSpan:
			out = append(out, m.scratch[s.start:s.end])
		case bufferSpan:
			out = append(out, s.buf.Bytes())
		case padSpan:
			out = append(out, make([]byte, s.n))
		}
	}
	return out
}

// WriteTo implements io.WriterTo by writing every span to w in order.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for _, iov := range m.Iovecs() {
		if len(iov) == 0 {
			continue
		}
		n, err := w.Write(iov)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Flatten copies every span into a single contiguous byte slice. Useful for
// the simple Local/Datagram transports that do not need vectored I/O.
func (m *Message) Flatten() []byte {
	out := make([]byte, 0, m.Len())
	for _, iov := range m.Iovecs() {
		out = append(out, iov...)
	}
	return out
}
