package xdr

import "math"

// Decoder reads XDR-encoded values from a Source.
type Decoder struct {
	src Source
}

// NewDecoder wraps src in a Decoder.
func NewDecoder(src Source) *Decoder { return &Decoder{src: src} }

// Remaining reports the number of unread bytes, or -1 if unknown.
func (d *Decoder) Remaining() int { return d.src.Remaining() }

// GetWord reads a single big-endian 32-bit word.
func (d *Decoder) GetWord() (uint32, error) {
	if b := d.src.PeekInline(4); b != nil {
		v := getU32(b)
		if err := d.src.Skip(4); err != nil {
			return 0, err
		}
		return v, nil
	}
	var b [4]byte
	if err := d.src.GetBytes(b[:]); err != nil {
		return 0, err
	}
	return getU32(b[:]), nil
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// GetUint64 reads a 64-bit hyper as high word then low word.
func (d *Decoder) GetUint64() (uint64, error) {
	hi, err := d.GetWord()
	if err != nil {
		return 0, err
	}
	lo, err := d.GetWord()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// GetInt32 reads a signed int using the same bit pattern as GetWord.
func (d *Decoder) GetInt32() (int32, error) {
	v, err := d.GetWord()
	return int32(v), err
}

// GetInt64 reads a signed hyper using the same bit pattern as GetUint64.
func (d *Decoder) GetInt64() (int64, error) {
	v, err := d.GetUint64()
	return int64(v), err
}

// GetFloat32 reads the raw IEEE bits of a float32.
func (d *Decoder) GetFloat32() (float32, error) {
	v, err := d.GetWord()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// GetFloat64 reads the raw IEEE bits of a float64.
func (d *Decoder) GetFloat64() (float64, error) {
	v, err := d.GetUint64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

// GetBool reads a boolean; any non-zero word decodes as true.
func (d *Decoder) GetBool() (bool, error) {
	v, err := d.GetWord()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// GetBytes reads len(p) raw bytes into p and skips the padding to the next
// 4-byte boundary.
func (d *Decoder) GetBytes(p []byte) error {
	n := len(p)
	pad := padLen(n)
	if b := d.src.PeekInline(n + pad); b != nil {
		copy(p, b[:n])
		return d.src.Skip(n + pad)
	}
	if err := d.src.GetBytes(p); err != nil {
		return err
	}
	if pad > 0 {
		return d.src.Skip(pad)
	}
	return nil
}

// GetFixedOpaque reads a fixed-byte-array<N> into a freshly allocated slice.
func (d *Decoder) GetFixedOpaque(n int) ([]byte, error) {
	p := make([]byte, n)
	if err := d.GetBytes(p); err != nil {
		return nil, err
	}
	return p, nil
}

// maxLengthGuard caps a decoded length word before any allocation is
// attempted, preventing a hostile length from driving an out-of-memory
// allocation ahead of the ArrayOverflow check.
const maxLengthGuard = 1 << 28

// GetOpaque reads a variable-byte-array[<=max]. max<=0 means unbounded
// (still subject to maxLengthGuard).
func (d *Decoder) GetOpaque(max int) ([]byte, error) {
	n, err := d.GetWord()
	if err != nil {
		return nil, err
	}
	if n > maxLengthGuard {
		return nil, newErr(ArrayOverflow, "opaque length %d exceeds guard %d", n, maxLengthGuard)
	}
	if max > 0 && int(n) > max {
		return nil, newErr(ArrayOverflow, "opaque length %d exceeds max %d", n, max)
	}
	p := make([]byte, n)
	if err := d.GetBytes(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetString reads a string[<=max] using the same layout as GetOpaque.
func (d *Decoder) GetString(max int) (string, error) {
	p, err := d.GetOpaque(max)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// GetArray reads a variable array<T>[<=max]: a length word, then decodeElem
// is invoked n times. max<=0 means unbounded (still subject to
// maxLengthGuard to reject a corrupt length before the caller loops).
func (d *Decoder) GetArray(max int, decodeElem func(i int) error) (int, error) {
	n, err := d.GetWord()
	if err != nil {
		return 0, err
	}
	if n > maxLengthGuard {
		return 0, newErr(ArrayOverflow, "array length %d exceeds guard %d", n, maxLengthGuard)
	}
	if max > 0 && int(n) > max {
		return 0, newErr(ArrayOverflow, "array length %d exceeds max %d", n, max)
	}
	for i := 0; i < int(n); i++ {
		if err := decodeElem(i); err != nil {
			return 0, err
		}
	}
	return int(n), nil
}

// GetFixedArray reads a fixed array<T,N>: exactly n calls to decodeElem, no
// length word.
func (d *Decoder) GetFixedArray(n int, decodeElem func(i int) error) error {
	for i := 0; i < n; i++ {
		if err := decodeElem(i); err != nil {
			return err
		}
	}
	return nil
}

// GetOptional reads the linked-list Optional<T> form: a "more" bool, then
// decodeVal() only when present.
func (d *Decoder) GetOptional(decodeVal func() error) (present bool, err error) {
	present, err = d.GetBool()
	if err != nil {
		return false, err
	}
	if present {
		if err := decodeVal(); err != nil {
			return false, err
		}
	}
	return present, nil
}

// GetUnion reads a tagged union's discriminant word. The caller dispatches
// on the returned value and decodes the matching arm; an unrecognized
// discriminant is not an error here — the union's own decode recovery path
// decides whether to treat it as a default/unknown arm, consuming nothing
// beyond the discriminant already read.
func (d *Decoder) GetUnion() (uint32, error) {
	return d.GetWord()
}
