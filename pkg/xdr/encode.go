package xdr

import "math"

// zeroPad is shared by every Encoder to emit padding bytes without an
// allocation, matching the "zero-fill span" the Message type references for
// padding spans.
var zeroPad = [4]byte{}

// Encoder writes XDR-encoded values to a Sink.
type Encoder struct {
	sink Sink
}

// NewEncoder wraps sink in an Encoder.
func NewEncoder(sink Sink) *Encoder { return &Encoder{sink: sink} }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return e.sink.Len() }

// PutWord writes a single big-endian 32-bit word, the only alignment-safe
// primitive per the XDR contract.
func (e *Encoder) PutWord(v uint32) error {
	if b := e.sink.WriteInline(4); b != nil {
		putU32(b, v)
		return nil
	}
	var b [4]byte
	putU32(b[:], v)
	return e.sink.PutBytes(b[:])
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// PutUint64 writes a 64-bit hyper as high word then low word.
func (e *Encoder) PutUint64(v uint64) error {
	if err := e.PutWord(uint32(v >> 32)); err != nil {
		return err
	}
	return e.PutWord(uint32(v))
}

// PutInt32 writes a signed int using the same bit pattern as PutWord.
func (e *Encoder) PutInt32(v int32) error { return e.PutWord(uint32(v)) }

// PutInt64 writes a signed hyper using the same bit pattern as PutUint64.
func (e *Encoder) PutInt64(v int64) error { return e.PutUint64(uint64(v)) }

// PutFloat32 writes the raw IEEE bits of v.
func (e *Encoder) PutFloat32(v float32) error { return e.PutWord(math.Float32bits(v)) }

// PutFloat64 writes the raw IEEE bits of v.
func (e *Encoder) PutFloat64(v float64) error { return e.PutUint64(math.Float64bits(v)) }

// PutBool writes a boolean as u32 0 or 1.
func (e *Encoder) PutBool(v bool) error {
	if v {
		return e.PutWord(1)
	}
	return e.PutWord(0)
}

// PutBytes writes raw bytes (no length prefix) followed by padding to the
// next 4-byte boundary. Used for fixed-byte-array<N> and as the tail call of
// variable/opaque encoders below.
func (e *Encoder) PutBytes(p []byte) error {
	pad := padLen(len(p))
	total := len(p) + pad
	if b := e.sink.WriteInline(total); b != nil {
		copy(b, p)
		// WriteInline zero-initializes new capacity, so trailing pad bytes
		// are already zero.
		return nil
	}
	if err := e.sink.PutBytes(p); err != nil {
		return err
	}
	if pad > 0 {
		return e.sink.PutBytes(zeroPad[:pad])
	}
	return nil
}

func padLen(n int) int {
	return (4 - (n % 4)) % 4
}

// PutFixedOpaque writes a fixed-byte-array<N>: N bytes plus padding. It is an
// error if len(p) != n.
func (e *Encoder) PutFixedOpaque(p []byte, n int) error {
	if len(p) != n {
		return newErr(Malformed, "fixed opaque: want %d bytes, got %d", n, len(p))
	}
	return e.PutBytes(p)
}

// PutOpaque writes a variable-byte-array[<=max]: length word, bytes, padding.
// max<=0 means unbounded.
func (e *Encoder) PutOpaque(p []byte, max int) error {
	if max > 0 && len(p) > max {
		return newErr(ArrayOverflow, "opaque length %d exceeds max %d", len(p), max)
	}
	if err := e.PutWord(uint32(len(p))); err != nil {
		return err
	}
	return e.PutBytes(p)
}

// PutString writes a string[<=max] using the same layout as PutOpaque.
func (e *Encoder) PutString(s string, max int) error {
	if max > 0 && len(s) > max {
		return newErr(ArrayOverflow, "string length %d exceeds max %d", len(s), max)
	}
	if err := e.PutWord(uint32(len(s))); err != nil {
		return err
	}
	return e.PutBytes([]byte(s))
}

// PutArray encodes a variable array<T>[<=max]: a length word followed by n
// calls to encodeElem. max<=0 means unbounded.
func (e *Encoder) PutArray(n int, max int, encodeElem func(i int) error) error {
	if max > 0 && n > max {
		return newErr(ArrayOverflow, "array length %d exceeds max %d", n, max)
	}
	if err := e.PutWord(uint32(n)); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := encodeElem(i); err != nil {
			return err
		}
	}
	return nil
}

// PutFixedArray encodes a fixed array<T,N>: exactly n calls to encodeElem,
// with no length word.
func (e *Encoder) PutFixedArray(n int, encodeElem func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := encodeElem(i); err != nil {
			return err
		}
	}
	return nil
}

// PutOptional encodes the linked-list Optional<T> form: a "more" bool
// followed by encodeVal() only when present is true.
func (e *Encoder) PutOptional(present bool, encodeVal func() error) error {
	if err := e.PutBool(present); err != nil {
		return err
	}
	if present {
		return encodeVal()
	}
	return nil
}

// PutUnion encodes a tagged union: a discriminant word, then encodeArm for
// the selected arm.
func (e *Encoder) PutUnion(discriminant uint32, encodeArm func() error) error {
	if err := e.PutWord(discriminant); err != nil {
		return err
	}
	if encodeArm == nil {
		return nil
	}
	return encodeArm()
}
