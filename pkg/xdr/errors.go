// Package xdr implements a byte-exact XDR (RFC 4506) codec for ONC-RPC
// primitives and composites. Unlike a reflection-based marshaler, the codec
// here is algorithmic: callers drive a sequence of Put*/Get* calls that
// mirror the wire layout, the same way the RPC message header, call bodies,
// and GSS structures in pkg/rpcwire and pkg/gss are encoded by hand.
package xdr

import (
	"errors"
	"fmt"
)

// Kind classifies an XdrError.
type Kind int

const (
	// Overflow indicates a scratch buffer could not hold a primitive write,
	// or a sizing computation exceeded the representable range.
	Overflow Kind = iota
	// ArrayOverflow indicates a variable-length array or opaque decoded a
	// length exceeding its declared maximum.
	ArrayOverflow
	// EndOfStream indicates a read ran past the available bytes.
	EndOfStream
	// Malformed indicates a structurally invalid encoding (bad discriminant,
	// non-word-aligned inline request, negative length, ...).
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Overflow:
		return "overflow"
	case ArrayOverflow:
		return "array overflow"
	case EndOfStream:
		return "end of stream"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// XdrError is returned by every Put*/Get* operation that can fail.
type XdrError struct {
	Kind Kind
	Msg  string
}

func (e *XdrError) Error() string {
	if e.Msg == "" {
		return "xdr: " + e.Kind.String()
	}
	return fmt.Sprintf("xdr: %s: %s", e.Kind, e.Msg)
}

// Is supports errors.Is(err, xdr.ErrEndOfStream) and friends by comparing Kind.
func (e *XdrError) Is(target error) bool {
	var t *XdrError
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(k Kind, format string, args ...any) *XdrError {
	return &XdrError{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Sentinel values for errors.Is comparisons against a specific Kind.
var (
	ErrOverflow      = &XdrError{Kind: Overflow}
	ErrArrayOverflow = &XdrError{Kind: ArrayOverflow}
	ErrEndOfStream   = &XdrError{Kind: EndOfStream}
	ErrMalformed     = &XdrError{Kind: Malformed}
)
