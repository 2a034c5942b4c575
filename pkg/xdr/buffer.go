package xdr

// Sink is the write side of the codec, filled in order by the Encoder. Each
// Sink in this module writes into a single region; a capacity-bounded slice
// sink fails with Overflow once its capacity is spent.
type Sink interface {
	// WriteInline returns a word-aligned in-place span of exactly n bytes
	// from the current region, or nil if the current region cannot satisfy
	// it contiguously. Callers fall back to PutBytes in that case.
	WriteInline(n int) []byte
	// PutBytes appends p.
	PutBytes(p []byte) error
	// Len returns the total number of bytes written so far.
	Len() int
}

// Source is the read side, consumed in order by the Decoder. Reading past
// the available bytes fails with EndOfStream.
type Source interface {
	// PeekInline returns a word-aligned read-only span of exactly n bytes
	// from the current region without consuming it, or nil if unavailable
	// contiguously. Callers fall back to GetBytes in that case.
	PeekInline(n int) []byte
	// GetBytes reads exactly len(p) bytes into p, advancing across regions.
	GetBytes(p []byte) error
	// Skip discards n bytes (used to skip padding).
	Skip(n int) error
	// Remaining reports how many bytes are left to read, or -1 if unknown
	// (a streaming source that hasn't read ahead).
	Remaining() int
}

// sliceSink is the common case: one growable, capacity-bounded byte region.
// It implements the "messages are consumed once for sending" scratch-span
// behavior of the Message type (pkg/rpcmsg) when no chained Buffers are
// involved.
type sliceSink struct {
	buf []byte
	cap int // 0 means unbounded
}

// NewSliceSink returns a Sink backed by a single in-memory buffer. If capHint
// is positive, PutBytes/WriteInline fail with Overflow once that many bytes
// have been written; otherwise the buffer grows without bound.
func NewSliceSink(capHint int) Sink {
	c := capHint
	if c <= 0 {
		c = 0
	}
	prealloc := capHint
	if prealloc <= 0 || prealloc > 4096 {
		prealloc = 256
	}
	return &sliceSink{buf: make([]byte, 0, prealloc), cap: c}
}

func (s *sliceSink) WriteInline(n int) []byte {
	if n%4 != 0 {
		return nil
	}
	if s.cap > 0 && len(s.buf)+n > s.cap {
		return nil
	}
	start := len(s.buf)
	s.buf = append(s.buf, make([]byte, n)...)
	return s.buf[start : start+n]
}

func (s *sliceSink) PutBytes(p []byte) error {
	if s.cap > 0 && len(s.buf)+len(p) > s.cap {
		return newErr(Overflow, "sink capacity %d exceeded by %d bytes", s.cap, len(s.buf)+len(p)-s.cap)
	}
	s.buf = append(s.buf, p...)
	return nil
}

func (s *sliceSink) Len() int { return len(s.buf) }

// Bytes returns the accumulated buffer. Only meaningful for sliceSink; other
// Sink implementations (size-only, chained) do not support it.
func (s *sliceSink) Bytes() []byte { return s.buf }

// sizeSink discards written bytes and only tallies the count, implementing
// the "sizing mode" used for buffer pre-allocation.
type sizeSink struct {
	n     int
	trash [8]byte
}

// NewSizeSink returns a Sink that never materializes bytes.
func NewSizeSink() Sink { return &sizeSink{} }

func (s *sizeSink) WriteInline(n int) []byte {
	if n%4 != 0 || n > len(s.trash) {
		return nil
	}
	s.n += n
	return s.trash[:n]
}

func (s *sizeSink) PutBytes(p []byte) error {
	s.n += len(p)
	return nil
}

func (s *sizeSink) Len() int { return s.n }

// sliceSource is the read counterpart of sliceSink: one contiguous region.
type sliceSource struct {
	buf []byte
	off int
}

// NewSliceSource returns a Source that reads from buf.
func NewSliceSource(buf []byte) Source {
	return &sliceSource{buf: buf}
}

func (s *sliceSource) PeekInline(n int) []byte {
	if n%4 != 0 {
		return nil
	}
	if s.off+n > len(s.buf) {
		return nil
	}
	return s.buf[s.off : s.off+n]
}

func (s *sliceSource) GetBytes(p []byte) error {
	if s.off+len(p) > len(s.buf) {
		return newErr(EndOfStream, "need %d bytes, have %d", len(p), len(s.buf)-s.off)
	}
	copy(p, s.buf[s.off:s.off+len(p)])
	s.off += len(p)
	return nil
}

func (s *sliceSource) Skip(n int) error {
	if s.off+n > len(s.buf) {
		return newErr(EndOfStream, "skip %d bytes past end", n)
	}
	s.off += n
	return nil
}

func (s *sliceSource) Remaining() int { return len(s.buf) - s.off }
